package invoice

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/beevik/etree"
)

// MaxDocumentBytes is the default upload ceiling for source documents.
const MaxDocumentBytes int64 = 5 << 20

// ErrInvalidDocument is matched by every structural rejection from this package.
var ErrInvalidDocument = errors.New("invalid electronic document")

// ValidationError lists every structural rule a document violated.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidDocument, strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidDocument }

// Options tunes structural validation.
type Options struct {
	// MaxBytes overrides MaxDocumentBytes when positive.
	MaxBytes int64
	// SkipRUCCheck disables the supplier RUC check digit validation. Never set in production.
	SkipRUCCheck bool
}

func (o Options) maxBytes() int64 {
	if o.MaxBytes > 0 {
		return o.MaxBytes
	}
	return MaxDocumentBytes
}

// Document is a parsed and structurally valid electronic document.
type Document struct {
	Root *Node
	Raw  []byte
}

var allowedCurrencies = map[string]bool{"PEN": true, "USD": true, "EUR": true}

var requiredNodes = []struct {
	name  string
	label string
}{
	{"ID", "document id"},
	{"IssueDate", "issue date"},
	{"AccountingSupplierParty", "supplier block"},
	{"AccountingCustomerParty", "customer block"},
	{"TaxTotal", "tax total block"},
	{"LegalMonetaryTotal", "monetary total block"},
}

var lineNodes = []string{"InvoiceLine", "CreditNoteLine", "DebitNoteLine", "DespatchLine"}

// CheckUpload validates upload metadata before any byte is parsed.
func CheckUpload(filename string, size, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = MaxDocumentBytes
	}
	var violations []string
	if !strings.EqualFold(filepath.Ext(filename), ".xml") {
		violations = append(violations, fmt.Sprintf("file %q is not an .xml document", filename))
	}
	if size > maxBytes {
		violations = append(violations, fmt.Sprintf("file size %d exceeds the %d byte limit", size, maxBytes))
	}
	if size == 0 {
		violations = append(violations, "file is empty")
	}
	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// ParseUpload runs CheckUpload and then Parse.
func ParseUpload(filename string, data []byte, opts Options) (*Document, error) {
	if err := CheckUpload(filename, int64(len(data)), opts.maxBytes()); err != nil {
		return nil, err
	}
	return Parse(data, opts)
}

// Parse builds the document tree and checks the minimal structural rules.
func Parse(data []byte, opts Options) (*Document, error) {
	if int64(len(data)) > opts.maxBytes() {
		return nil, &ValidationError{Violations: []string{
			fmt.Sprintf("document size %d exceeds the %d byte limit", len(data), opts.maxBytes()),
		}}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, &ValidationError{Violations: []string{"malformed XML: " + err.Error()}}
	}
	rootEl := doc.Root()
	if rootEl == nil {
		return nil, &ValidationError{Violations: []string{"document has no root element"}}
	}
	root := buildNode(rootEl)
	if len(root.Children) == 0 {
		return nil, &ValidationError{Violations: []string{fmt.Sprintf("root element %s is empty", root.QualifiedName())}}
	}

	if violations := validate(root, opts); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	return &Document{Root: root, Raw: data}, nil
}

func validate(root *Node, opts Options) []string {
	var violations []string
	for _, req := range requiredNodes {
		if root.Child(req.name) == nil {
			violations = append(violations, fmt.Sprintf("missing %s (%s)", req.label, req.name))
		}
	}

	hasLine := false
	for _, name := range lineNodes {
		if root.Child(name) != nil {
			hasLine = true
			break
		}
	}
	if !hasLine {
		violations = append(violations, "document has no line items")
	}

	if cur := root.Lookup("cbc:DocumentCurrencyCode"); !cur.Missing() {
		code := strings.TrimSpace(cur.String())
		if !allowedCurrencies[code] {
			violations = append(violations, fmt.Sprintf("currency %q is not accepted", code))
		}
	}

	if !opts.SkipRUCCheck {
		ruc := strings.TrimSpace(supplierTaxID(root))
		if len(ruc) == RUCLength && !ValidRUC(ruc) {
			violations = append(violations, fmt.Sprintf("supplier RUC %s has an invalid check digit", ruc))
		}
	}
	return violations
}

func buildNode(el *etree.Element) *Node {
	n := &Node{
		Prefix: el.Space,
		Name:   el.Tag,
		Text:   strings.TrimSpace(el.Text()),
	}
	if len(el.Attr) > 0 {
		n.Attrs = make(map[string]string, len(el.Attr))
		for _, a := range el.Attr {
			if a.Space != "" {
				n.Attrs[a.Space+":"+a.Key] = a.Value
			}
			if _, ok := n.Attrs[a.Key]; !ok {
				n.Attrs[a.Key] = a.Value
			}
		}
	}
	for _, child := range el.ChildElements() {
		n.Children = append(n.Children, buildNode(child))
	}
	return n
}
