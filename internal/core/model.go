package core

import (
	"time"

	"purchasing-core/internal/invoice"

	"github.com/shopspring/decimal"
)

// InvoiceType classifies the source document (comprobante) behind a purchase.
type InvoiceType string

const (
	InvoiceTypeFactura          InvoiceType = "FACTURA"
	InvoiceTypeBoleta           InvoiceType = "BOLETA"
	InvoiceTypeNotaCredito      InvoiceType = "NOTA_CREDITO"
	InvoiceTypeNotaDebito       InvoiceType = "NOTA_DEBITO"
	InvoiceTypeGuiaRemision     InvoiceType = "GUIA_REMISION"
	InvoiceTypeNotaVenta        InvoiceType = "NOTA_VENTA"
	InvoiceTypeReciboHonorarios InvoiceType = "RECIBO_HONORARIOS"
	InvoiceTypeReciboServicio   InvoiceType = "RECIBO_SERVICIO_PUBLICO"
)

var invoiceTypes = map[InvoiceType]bool{
	InvoiceTypeFactura:          true,
	InvoiceTypeBoleta:           true,
	InvoiceTypeNotaCredito:      true,
	InvoiceTypeNotaDebito:       true,
	InvoiceTypeGuiaRemision:     true,
	InvoiceTypeNotaVenta:        true,
	InvoiceTypeReciboHonorarios: true,
	InvoiceTypeReciboServicio:   true,
}

// Valid reports whether t is one of the enumerated invoice types.
func (t InvoiceType) Valid() bool {
	return invoiceTypes[t]
}

// InvoiceTypeForDocument maps an electronic document type code to an invoice type.
func InvoiceTypeForDocument(code string) InvoiceType {
	switch code {
	case invoice.DocTypeCreditNote:
		return InvoiceTypeNotaCredito
	case invoice.DocTypeDebitNote:
		return InvoiceTypeNotaDebito
	case invoice.DocTypeDespatchAdvice:
		return InvoiceTypeGuiaRemision
	case "03":
		return InvoiceTypeBoleta
	default:
		return InvoiceTypeFactura
	}
}

// DocumentCode is the inverse of InvoiceTypeForDocument. Paper-only types have no
// electronic code and report false.
func (t InvoiceType) DocumentCode() (string, bool) {
	switch t {
	case InvoiceTypeFactura:
		return invoice.DocTypeInvoice, true
	case InvoiceTypeBoleta:
		return "03", true
	case InvoiceTypeNotaCredito:
		return invoice.DocTypeCreditNote, true
	case InvoiceTypeNotaDebito:
		return invoice.DocTypeDebitNote, true
	case InvoiceTypeGuiaRemision:
		return invoice.DocTypeDespatchAdvice, true
	default:
		return "", false
	}
}

type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "PENDING"
	PurchaseStatusCompleted PurchaseStatus = "COMPLETED"
	PurchaseStatusVoided    PurchaseStatus = "VOIDED"
	PurchaseStatusProcessed PurchaseStatus = "PROCESSED"
)

// Purchase is the purchase aggregate header plus its lines and payments.
type Purchase struct {
	ID           int64           `json:"id"`
	SupplierID   int64           `json:"supplier_id"`
	BranchID     int64           `json:"branch_id"`
	UserID       int64           `json:"user_id"`
	InvoiceType  InvoiceType     `json:"invoice_type"`
	Series       string          `json:"series"`
	Number       string          `json:"number"`
	IssueDate    time.Time       `json:"issue_date"`
	DueDate      *time.Time      `json:"due_date,omitempty"`
	Currency     string          `json:"currency"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Tax          decimal.Decimal `json:"tax"`
	Total        decimal.Decimal `json:"total"`
	Status       PurchaseStatus  `json:"status"`
	Note         string          `json:"note"`

	SourceXML             *string  `json:"-"`
	AuthorityStatus       *string  `json:"authority_status,omitempty"`
	AuthorityReceipt      *string  `json:"-"`
	AuthorityMessage      *string  `json:"authority_message,omitempty"`
	ReceiptHash           *string  `json:"receipt_hash,omitempty"`
	AuthorityObservations []string `json:"authority_observations,omitempty"`
	SubmissionKey         *string  `json:"submission_key,omitempty"`
	SubmissionAttempts    int      `json:"submission_attempts"`
	DocumentPath          *string  `json:"document_path,omitempty"`

	// DocumentURL is derived from DocumentPath and the public base URL; it is never stored.
	DocumentURL string `json:"document_url,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Lines     []PurchaseLine `json:"lines"`
	Payments  []Payment      `json:"payments"`
}

// HasSourceDocument reports whether raw XML is attached.
func (p *Purchase) HasSourceDocument() bool {
	return p.SourceXML != nil && *p.SourceXML != ""
}

// Accepted reports whether the tax authority accepted the source document.
func (p *Purchase) Accepted() bool {
	return p.AuthorityStatus != nil && *p.AuthorityStatus == "ACCEPTED"
}

// Key returns the comprobante identity used for duplicate detection.
func (p *Purchase) Key() ComprobanteKey {
	return ComprobanteKey{SupplierID: p.SupplierID, InvoiceType: p.InvoiceType, Series: p.Series, Number: p.Number}
}

// ComprobanteKey identifies a source document: no two purchases may share it.
type ComprobanteKey struct {
	SupplierID  int64
	InvoiceType InvoiceType
	Series      string
	Number      string
}

type PurchaseLine struct {
	ID          int64           `json:"id"`
	PurchaseID  int64           `json:"purchase_id"`
	LineNo      int             `json:"line_no"`
	ProductID   int64           `json:"product_id"`
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// Payment is informational and never touches the ledger.
type Payment struct {
	ID         int64           `json:"id"`
	PurchaseID int64           `json:"purchase_id"`
	Method     string          `json:"method"`
	Account    string          `json:"account,omitempty"`
	Reference  string          `json:"reference,omitempty"`
	Memo       string          `json:"memo,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
}

type PurchaseFilter struct {
	BranchID   int64
	SupplierID int64
	Status     PurchaseStatus
	Limit      int
}

type Supplier struct {
	ID        int64     `json:"id"`
	TaxID     string    `json:"tax_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Branch struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type Product struct {
	ID          int64           `json:"id"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	SalePrice   decimal.Decimal `json:"sale_price"`
	Active      bool            `json:"active"`
}
