package invoice

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ExtractionError reports a document that parsed but could not be normalized.
type ExtractionError struct {
	Field string
	Cause error
}

func (e *ExtractionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("extract invoice: %v", e.Cause)
	}
	return fmt.Sprintf("extract invoice: %s: %v", e.Field, e.Cause)
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

var errNotNumeric = errors.New("value is not numeric")

var rootDocTypes = map[string]string{
	"Invoice":        DocTypeInvoice,
	"CreditNote":     DocTypeCreditNote,
	"DebitNote":      DocTypeDebitNote,
	"DespatchAdvice": DocTypeDespatchAdvice,
}

// DocumentTypeOf classifies a document by its root element. Unknown roots are invoices.
func DocumentTypeOf(root *Node) string {
	if root == nil {
		return DocTypeInvoice
	}
	if t, ok := rootDocTypes[root.Name]; ok {
		return t
	}
	return DocTypeInvoice
}

// Extract normalizes a parsed document. Optional data that is absent yields empty
// strings and zero amounts; only present-but-malformed values fail.
func Extract(doc *Document) (*Invoice, error) {
	if doc == nil || doc.Root == nil {
		return nil, &ExtractionError{Cause: errors.New("document has no root")}
	}
	root := doc.Root
	ex := &extractor{}

	inv := &Invoice{
		DocumentType: DocumentTypeOf(root),
		Number:       strings.TrimSpace(root.Lookup("cbc:ID").String()),
		IssueDate:    strings.TrimSpace(root.Lookup("cbc:IssueDate").String()),
		Currency:     strings.TrimSpace(root.Lookup("cbc:DocumentCurrencyCode").String()),
		Supplier:     party(root.Lookup("cac:AccountingSupplierParty").Node()),
		Customer:     party(root.Lookup("cac:AccountingCustomerParty").Node()),
	}
	inv.Series, inv.Correlative = splitNumber(inv.Number)

	inv.Totals = Totals{
		Subtotal: ex.amount(root, "cac:LegalMonetaryTotal.cbc:LineExtensionAmount"),
		Tax:      ex.amount(root, "cac:TaxTotal.cbc:TaxAmount"),
		Total:    ex.amount(root, "cac:LegalMonetaryTotal.cbc:PayableAmount"),
	}

	for _, name := range lineNodes {
		for i, line := range root.All(name) {
			inv.Items = append(inv.Items, ex.line(line, fmt.Sprintf("%s[%d]", name, i)))
		}
	}

	if ex.err != nil {
		return nil, ex.err
	}
	return inv, nil
}

// extractor remembers the first malformed numeric it meets.
type extractor struct {
	err error
}

func (ex *extractor) amount(n *Node, path string) decimal.Decimal {
	return ex.amountAt(n, path, "")
}

func (ex *extractor) amountAt(n *Node, path, label string) decimal.Decimal {
	d, ok := n.Lookup(path).Decimal()
	if !ok && ex.err == nil {
		field := path
		if label != "" {
			field = label + "." + path
		}
		ex.err = &ExtractionError{Field: field, Cause: errNotNumeric}
	}
	return d
}

var quantityPaths = []string{
	"cbc:InvoicedQuantity",
	"cbc:CreditedQuantity",
	"cbc:DebitedQuantity",
	"cbc:DeliveredQuantity",
}

func (ex *extractor) line(n *Node, label string) LineItem {
	item := LineItem{
		Code:        strings.TrimSpace(n.Lookup("cac:Item.cac:SellersItemIdentification.cbc:ID").String()),
		Description: strings.TrimSpace(n.Lookup("cac:Item.cbc:Description").String()),
	}
	for _, p := range quantityPaths {
		if v := n.Lookup(p); !v.Missing() {
			item.Quantity = ex.amountAt(n, p, label)
			break
		}
	}
	item.UnitPrice = ex.amountAt(n, "cac:Price.cbc:PriceAmount", label)
	item.LineTotal = ex.amountAt(n, "cbc:LineExtensionAmount", label)
	return item
}

func party(n *Node) Party {
	if n == nil {
		return Party{}
	}
	p := Party{
		TaxID:   strings.TrimSpace(n.Lookup("cac:Party.cac:PartyIdentification.cbc:ID").String()),
		Name:    strings.TrimSpace(n.Lookup("cac:Party.cac:PartyLegalEntity.cbc:RegistrationName").String()),
		Address: strings.TrimSpace(n.Lookup("cac:Party.cac:PartyLegalEntity.cac:RegistrationAddress.cac:AddressLine.cbc:Line").String()),
	}
	if p.TaxID == "" {
		p.TaxID = strings.TrimSpace(n.Lookup("cbc:CustomerAssignedAccountID").String())
	}
	if p.Name == "" {
		p.Name = strings.TrimSpace(n.Lookup("cac:Party.cac:PartyName.cbc:Name").String())
	}
	return p
}

func supplierTaxID(root *Node) string {
	return party(root.Lookup("cac:AccountingSupplierParty").Node()).TaxID
}

// splitNumber splits "F001-00000123" into series and correlative.
func splitNumber(number string) (series, correlative string) {
	series, correlative, found := strings.Cut(number, "-")
	if !found {
		return "", number
	}
	return series, correlative
}
