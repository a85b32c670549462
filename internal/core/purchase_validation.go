package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTaxRate is the IGV rate applied when totals are computed.
var DefaultTaxRate = decimal.RequireFromString("0.18")

var (
	totalsTolerance = decimal.RequireFromString("0.01")
	one             = decimal.NewFromInt(1)
)

var allowedCurrencies = map[string]bool{"PEN": true, "USD": true, "EUR": true}

// normalizeLines validates line inputs and derives each subtotal. Product existence is
// checked later, inside the transaction.
func normalizeLines(in []LineInput, requireProduct bool) ([]PurchaseLine, []string) {
	var details []string
	if len(in) == 0 {
		return nil, []string{"purchase must have at least one line"}
	}
	lines := make([]PurchaseLine, 0, len(in))
	for i, l := range in {
		n := i + 1
		if requireProduct && l.ProductID <= 0 {
			details = append(details, fmt.Sprintf("line %d: product is required", n))
		}
		if !l.Quantity.IsPositive() {
			details = append(details, fmt.Sprintf("line %d: quantity must be greater than 0, got %s", n, l.Quantity))
		}
		if !l.UnitPrice.IsPositive() {
			details = append(details, fmt.Sprintf("line %d: unit price must be greater than 0, got %s", n, l.UnitPrice))
		}
		subtotal := l.Quantity.Mul(l.UnitPrice).Round(2)
		if l.Subtotal != nil {
			if l.Subtotal.IsNegative() {
				details = append(details, fmt.Sprintf("line %d: subtotal cannot be negative, got %s", n, l.Subtotal))
			}
			subtotal = l.Subtotal.Round(2)
		}
		lines = append(lines, PurchaseLine{
			LineNo:      n,
			ProductID:   l.ProductID,
			Description: strings.TrimSpace(l.Description),
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			Subtotal:    subtotal,
		})
	}
	return lines, details
}

// computeTotals sums line subtotals and applies the tax rate. A supplied override
// replaces the computed figures when it is internally consistent.
func computeTotals(lines []PurchaseLine, rate decimal.Decimal, override *TotalsInput) (sub, tax, total decimal.Decimal, details []string) {
	for _, l := range lines {
		sub = sub.Add(l.Subtotal)
	}
	sub = sub.Round(2)
	tax = sub.Mul(rate).Round(2)
	total = sub.Add(tax)

	if override == nil {
		return sub, tax, total, nil
	}
	if override.Subtotal.IsNegative() || override.Tax.IsNegative() || override.Total.IsNegative() {
		details = append(details, "totals cannot be negative")
	}
	if !within(override.Total, override.Subtotal.Add(override.Tax)) {
		details = append(details, fmt.Sprintf("total %s does not equal subtotal %s + tax %s",
			override.Total, override.Subtotal, override.Tax))
	}
	if !within(override.Subtotal, sub) {
		details = append(details, fmt.Sprintf("subtotal %s does not match the sum of line subtotals %s",
			override.Subtotal, sub))
	}
	if len(details) > 0 {
		return sub, tax, total, details
	}
	return override.Subtotal.Round(2), override.Tax.Round(2), override.Total.Round(2), nil
}

func within(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(totalsTolerance)
}

func normalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "PEN", nil
	}
	if !allowedCurrencies[code] {
		return "", fmt.Errorf("currency %q is not accepted", code)
	}
	return code, nil
}

func normalizeExchangeRate(rate decimal.Decimal) (decimal.Decimal, error) {
	if rate.IsNegative() {
		return rate, fmt.Errorf("exchange rate cannot be negative, got %s", rate)
	}
	if rate.IsZero() {
		return one, nil
	}
	return rate, nil
}

func invalid(message string, details []string) error {
	return &Error{Kind: ErrValidation, Message: message, Details: details}
}

// ── directory checks (inside a Tx) ───────────────────────────────────────────

func checkBranch(ctx context.Context, tx Tx, id int64) error {
	b, err := tx.GetBranch(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return notFoundf("branch %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("get branch %d: %w", id, err)
	}
	if !b.Active {
		return validationf("branch %d is inactive", id)
	}
	return nil
}

func checkSupplier(ctx context.Context, tx Tx, id int64) error {
	s, err := tx.GetSupplier(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return notFoundf("supplier %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("get supplier %d: %w", id, err)
	}
	if !s.Active {
		return validationf("supplier %d is inactive", id)
	}
	return nil
}

func checkProduct(ctx context.Context, tx Tx, id int64) (*Product, error) {
	p, err := tx.GetProduct(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, notFoundf("product %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	if !p.Active {
		return nil, validationf("product %d is inactive", id)
	}
	return p, nil
}

func checkDuplicate(ctx context.Context, tx Tx, key ComprobanteKey, excludeID int64) error {
	exists, err := tx.PurchaseExists(ctx, key, excludeID)
	if err != nil {
		return fmt.Errorf("check duplicate purchase: %w", err)
	}
	if exists {
		return conflictf("purchase %s %s-%s from supplier %d already exists",
			key.InvoiceType, key.Series, key.Number, key.SupplierID)
	}
	return nil
}

func loadPurchase(ctx context.Context, tx Tx, id int64, forUpdate bool) (*Purchase, error) {
	p, err := tx.GetPurchase(ctx, id, forUpdate)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, notFoundf("purchase %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase %d: %w", id, err)
	}
	return p, nil
}

func loadChildren(ctx context.Context, tx Tx, p *Purchase) error {
	lines, err := tx.ListPurchaseLines(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("list lines of purchase %d: %w", p.ID, err)
	}
	payments, err := tx.ListPayments(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("list payments of purchase %d: %w", p.ID, err)
	}
	p.Lines = lines
	p.Payments = payments
	return nil
}

func appendNote(note, extra string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return extra
	}
	return note + "\n" + extra
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
