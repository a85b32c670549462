// Package render produces the printable PDF for an accepted purchase document.
package render

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"purchasing-core/internal/authority"
	"purchasing-core/internal/invoice"
	"purchasing-core/internal/storage"

	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Renderer turns an invoice and its receipt into a stored artifact and returns its
// relative path.
type Renderer interface {
	Render(ctx context.Context, inv *invoice.Invoice, rcpt *authority.Receipt, purchaseID int64) (string, error)
}

// DocumentDir is the content store directory for rendered documents.
const DocumentDir = "documents"

var docTypeTitles = map[string]string{
	invoice.DocTypeInvoice:        "FACTURA ELECTRONICA",
	invoice.DocTypeCreditNote:     "NOTA DE CREDITO ELECTRONICA",
	invoice.DocTypeDebitNote:      "NOTA DE DEBITO ELECTRONICA",
	invoice.DocTypeDespatchAdvice: "GUIA DE REMISION ELECTRONICA",
}

// PDFRenderer lays out an A4 document with fpdf and writes it to a content store.
type PDFRenderer struct {
	store   storage.ContentStore
	taxRate decimal.Decimal
	now     func() time.Time
	logger  *zap.Logger
}

// NewPDFRenderer returns a renderer. taxRate is used only when the document carries
// no tax amount of its own.
func NewPDFRenderer(store storage.ContentStore, taxRate decimal.Decimal, logger *zap.Logger) *PDFRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PDFRenderer{store: store, taxRate: taxRate, now: time.Now, logger: logger}
}

// WithClock replaces the time source used for file names and PDF metadata.
func (r *PDFRenderer) WithClock(now func() time.Time) *PDFRenderer {
	r.now = now
	return r
}

// FileName returns the object name for a purchase rendered at t.
func FileName(purchaseID int64, t time.Time) string {
	return fmt.Sprintf("%s/purchase-%d-%d.pdf", DocumentDir, purchaseID, t.UnixMilli())
}

func (r *PDFRenderer) Render(ctx context.Context, inv *invoice.Invoice, rcpt *authority.Receipt, purchaseID int64) (string, error) {
	if inv == nil {
		return "", fmt.Errorf("render purchase %d: nil invoice", purchaseID)
	}
	now := r.now()

	data, err := r.layout(inv, rcpt, purchaseID, now)
	if err != nil {
		return "", fmt.Errorf("render purchase %d: %w", purchaseID, err)
	}
	path, err := r.store.Put(ctx, FileName(purchaseID, now), data, "application/pdf")
	if err != nil {
		return "", fmt.Errorf("store document for purchase %d: %w", purchaseID, err)
	}
	r.logger.Info("document rendered",
		zap.Int64("purchase_id", purchaseID),
		zap.String("path", path),
		zap.Int("size", len(data)))
	return path, nil
}

func (r *PDFRenderer) layout(inv *invoice.Invoice, rcpt *authority.Receipt, purchaseID int64, now time.Time) ([]byte, error) {
	totals := computeTotals(inv, r.taxRate)

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(now)
	pdf.SetTitle(inv.Number, true)
	pdf.SetAuthor(inv.Supplier.Name, true)
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AliasNbPages("")
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	fingerprint := rcpt.Fingerprint()
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 5, tr(fmt.Sprintf("Compra #%d  |  CDR %s  |  Pagina %d/{nb}", purchaseID, fingerprint, pdf.PageNo())), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	// supplier header and document box
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(110, 7, tr(inv.Supplier.Name), "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(70, 7, "RUC "+inv.Supplier.TaxID, "LTR", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(110, 6, tr(inv.Supplier.Address), "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 10)
	title := docTypeTitles[inv.DocumentType]
	if title == "" {
		title = docTypeTitles[invoice.DocTypeInvoice]
	}
	pdf.CellFormat(70, 6, title, "LR", 1, "C", false, 0, "")
	pdf.CellFormat(110, 7, "", "", 0, "L", false, 0, "")
	pdf.CellFormat(70, 7, inv.Number, "LBR", 1, "C", false, 0, "")
	pdf.Ln(4)

	// customer block
	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(35, 6, "Adquiriente:", "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 6, tr(inv.Customer.Name), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(35, 6, "RUC/DNI:", "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 6, inv.Customer.TaxID, "", 1, "L", false, 0, "")
	if inv.Customer.Address != "" {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.CellFormat(35, 6, tr("Dirección:"), "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		pdf.CellFormat(0, 6, tr(inv.Customer.Address), "", 1, "L", false, 0, "")
	}
	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(35, 6, tr("Fecha emisión:"), "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(60, 6, inv.IssueDate, "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(20, 6, "Moneda:", "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 6, inv.Currency, "", 1, "L", false, 0, "")
	pdf.Ln(4)

	// line table
	widths := []float64{25, 75, 20, 30, 30}
	headers := []string{"Código", "Descripción", "Cant.", "P. Unit.", "Importe"}
	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, tr(h), "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Helvetica", "", 9)
	for _, it := range inv.Items {
		amount := it.LineTotal
		if amount.IsZero() {
			amount = it.Quantity.Mul(it.UnitPrice)
		}
		pdf.CellFormat(widths[0], 6, tr(it.Code), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 6, tr(clip(it.Description, 48)), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[2], 6, it.Quantity.String(), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[3], 6, it.UnitPrice.StringFixed(2), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[4], 6, amount.StringFixed(2), "1", 1, "R", false, 0, "")
	}
	pdf.Ln(3)

	// totals
	for _, row := range []struct {
		label string
		value decimal.Decimal
	}{
		{"Op. gravada", totals.Subtotal},
		{"IGV", totals.Tax},
		{"Importe total", totals.Total},
	} {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.CellFormat(150, 6, tr(row.label)+" "+inv.Currency, "", 0, "R", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		pdf.CellFormat(30, 6, row.value.StringFixed(2), "1", 1, "R", false, 0, "")
	}
	pdf.Ln(6)

	if rcpt != nil {
		pdf.SetFont("Helvetica", "", 8)
		pdf.MultiCell(0, 4, tr(fmt.Sprintf("Estado ante la autoridad: %s. Resumen del CDR: %s", rcpt.Status, fingerprint)), "", "L", false)
		for _, obs := range rcpt.Observations {
			pdf.MultiCell(0, 4, tr("Observación: "+obs), "", "L", false)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// computeTotals prefers the document amounts and derives missing ones from the lines.
func computeTotals(inv *invoice.Invoice, taxRate decimal.Decimal) invoice.Totals {
	t := inv.Totals
	if t.Subtotal.IsZero() {
		for _, it := range inv.Items {
			amount := it.LineTotal
			if amount.IsZero() {
				amount = it.Quantity.Mul(it.UnitPrice)
			}
			t.Subtotal = t.Subtotal.Add(amount)
		}
	}
	if t.Tax.IsZero() {
		t.Tax = t.Subtotal.Mul(taxRate).Round(2)
	}
	if t.Total.IsZero() {
		t.Total = t.Subtotal.Add(t.Tax)
	}
	return t
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
