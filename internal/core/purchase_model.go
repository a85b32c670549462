package core

import (
	"context"
	"time"

	"purchasing-core/internal/authority"

	"github.com/shopspring/decimal"
)

// LineInput holds the fields required to create one purchase line.
type LineInput struct {
	ProductID   int64
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	// Subtotal overrides Quantity × UnitPrice when set. It must not be negative.
	Subtotal *decimal.Decimal
}

// PaymentInput holds one informational payment.
type PaymentInput struct {
	Method    string
	Account   string
	Reference string
	Memo      string
	Amount    decimal.Decimal
}

// TotalsInput lets the caller supply header totals instead of having them computed.
type TotalsInput struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// CreatePurchaseInput is a manual purchase entry.
type CreatePurchaseInput struct {
	SupplierID   int64
	BranchID     int64
	InvoiceType  InvoiceType
	Series       string
	Number       string
	IssueDate    time.Time
	DueDate      *time.Time
	Currency     string
	ExchangeRate decimal.Decimal
	// Status defaults to PENDING. Only PENDING and COMPLETED are accepted.
	Status   PurchaseStatus
	Note     string
	Lines    []LineInput
	Payments []PaymentInput
	Totals   *TotalsInput
	// SourceXML optionally attaches the electronic document so it can be submitted later.
	SourceXML []byte
}

// UpdatePurchaseInput patches a purchase. Nil fields keep their current value.
// Lines and Payments replace the whole collection when non-nil.
type UpdatePurchaseInput struct {
	SupplierID   *int64
	InvoiceType  *InvoiceType
	Series       *string
	Number       *string
	IssueDate    *time.Time
	DueDate      *time.Time
	Currency     *string
	ExchangeRate *decimal.Decimal
	Status       *PurchaseStatus
	Note         *string
	Lines        *[]LineInput
	Payments     *[]PaymentInput
}

// UploadInput is an electronic document received through file intake.
type UploadInput struct {
	Filename string
	Data     []byte
	BranchID int64
	Note     string
}

// UploadResult is the outcome of a document-originated create. The purchase is
// committed even when DocumentPending is set; the document can be rendered later.
type UploadResult struct {
	Purchase        *Purchase          `json:"purchase"`
	Receipt         *authority.Receipt `json:"receipt"`
	DocumentPending bool               `json:"document_pending"`
	DocumentError   string             `json:"document_error,omitempty"`
}

// SubmitResult is the outcome of a standalone authority submission.
type SubmitResult struct {
	Purchase *Purchase          `json:"purchase"`
	Receipt  *authority.Receipt `json:"receipt"`
}

// PurchaseService provides the purchase lifecycle. Every operation is all-or-nothing
// and every stock change goes through the Ledger inside the operation's transaction.
type PurchaseService interface {
	// CreatePurchase records a manual purchase and one ENTRY movement per line at the branch.
	CreatePurchase(ctx context.Context, actor Actor, in CreatePurchaseInput) (*Purchase, error)

	// CreateFromInvoice parses an uploaded electronic document, submits it to the tax
	// authority and, only on acceptance, records the purchase as PROCESSED.
	// Supplier and products are created on demand. Rendering runs after commit.
	CreateFromInvoice(ctx context.Context, actor Actor, in UploadInput) (*UploadResult, error)

	// UpdatePurchase patches header fields and optionally replaces lines or payments.
	UpdatePurchase(ctx context.Context, actor Actor, id int64, in UpdatePurchaseInput) (*Purchase, error)

	// VoidPurchase reverses every line with an EXIT movement and marks the purchase VOIDED.
	VoidPurchase(ctx context.Context, actor Actor, id int64, reason string) (*Purchase, error)

	// DeletePurchase compensates the ledger and removes the purchase. Refused for
	// COMPLETED and PROCESSED purchases.
	DeletePurchase(ctx context.Context, actor Actor, id int64) error

	// SubmitToAuthority (re)submits the stored source document. The ledger is never touched.
	SubmitToAuthority(ctx context.Context, actor Actor, id int64) (*SubmitResult, error)

	// RenderDocument regenerates the printable document for an accepted purchase.
	RenderDocument(ctx context.Context, actor Actor, id int64) (*Purchase, error)

	// Document returns the bytes of the last rendered document.
	Document(ctx context.Context, actor Actor, id int64) ([]byte, error)

	GetPurchase(ctx context.Context, actor Actor, id int64) (*Purchase, error)
	ListPurchases(ctx context.Context, actor Actor, filter PurchaseFilter) ([]Purchase, error)
}
