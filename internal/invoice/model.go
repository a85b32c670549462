package invoice

import "github.com/shopspring/decimal"

// SUNAT catalog 01 document type codes.
const (
	DocTypeInvoice        = "01"
	DocTypeCreditNote     = "07"
	DocTypeDebitNote      = "08"
	DocTypeDespatchAdvice = "09"
)

// Invoice is the protocol-agnostic representation of an electronic document
// extracted from UBL XML.
type Invoice struct {
	DocumentType string
	Number       string // full identifier, e.g. F001-00000123
	Series       string
	Correlative  string
	IssueDate    string // YYYY-MM-DD as written in the document
	Currency     string
	Supplier     Party
	Customer     Party
	Totals       Totals
	Items        []LineItem
}

// Party is a supplier or customer block.
type Party struct {
	TaxID   string
	Name    string
	Address string
}

// Totals holds the document level amounts.
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// LineItem is one document line. Absent numerics are zero.
type LineItem struct {
	Code        string
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	LineTotal   decimal.Decimal
}
