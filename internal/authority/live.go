package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"purchasing-core/internal/invoice"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HTTPClient is the subset of *http.Client used by Live.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// LiveConfig configures the acceptance endpoint client.
type LiveConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	TaxRate  decimal.Decimal
	Company  Company
}

// Live posts documents to the external acceptance endpoint.
type Live struct {
	cfg    LiveConfig
	client HTTPClient
	logger *zap.Logger
}

// NewLive returns a live gateway. A nil client gets an *http.Client using cfg.Timeout.
func NewLive(cfg LiveConfig, client HTTPClient, logger *zap.Logger) *Live {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TaxRate.IsZero() {
		cfg.TaxRate = decimal.RequireFromString("0.18")
	}
	return &Live{cfg: cfg, client: client, logger: logger}
}

type submission struct {
	IdempotencyKey string            `json:"idempotency_key"`
	DocumentType   string            `json:"document_type"`
	Series         string            `json:"series"`
	Number         string            `json:"number"`
	IssueDate      string            `json:"issue_date"`
	Currency       string            `json:"currency"`
	Company        submissionCompany `json:"company"`
	Customer       submissionParty   `json:"customer"`
	Sale           submissionSale    `json:"sale"`
	Items          []submissionItem  `json:"items"`
}

type submissionCompany struct {
	RUC     string `json:"ruc"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Ubigeo  string `json:"ubigeo"`
}

type submissionParty struct {
	IdentityType string `json:"identity_type"`
	Number       string `json:"number"`
	Name         string `json:"name"`
	Address      string `json:"address,omitempty"`
}

type submissionSale struct {
	OperationType string          `json:"operation_type"`
	TaxCode       string          `json:"tax_code"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	AmountInWords string          `json:"amount_in_words,omitempty"`
}

type submissionItem struct {
	Code           string          `json:"code"`
	Description    string          `json:"description"`
	Unit           string          `json:"unit"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	TaxAffectation string          `json:"tax_affectation"`
}

type submissionResponse struct {
	Accepted     bool     `json:"accepted"`
	Status       string   `json:"status"`
	CDR          string   `json:"cdr"`
	Hash         string   `json:"hash"`
	Observations []string `json:"observations"`
	ErrorCode    string   `json:"error_code"`
	ErrorMessage string   `json:"error_message"`
}

func (l *Live) Submit(ctx context.Context, inv *invoice.Invoice, docType, idempotencyKey string) (*Receipt, error) {
	if inv == nil {
		err := fmt.Errorf("live submit: nil invoice")
		return errorReceipt(err), err
	}
	body, err := json.Marshal(l.buildSubmission(inv, docType, idempotencyKey))
	if err != nil {
		err = fmt.Errorf("encode submission: %w", err)
		return errorReceipt(err), err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("build submission request: %w", err)
		return errorReceipt(err), err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if l.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.cfg.Token)
	}

	start := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Warn("authority request failed", zap.String("document", inv.Number), zap.Error(err))
		err = fmt.Errorf("submit %s: %w", inv.Number, err)
		return errorReceipt(err), err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		err = fmt.Errorf("read authority response: %w", err)
		return errorReceipt(err), err
	}
	l.logger.Debug("authority response",
		zap.String("document", inv.Number),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_length", len(raw)),
		zap.Duration("elapsed", time.Since(start)),
	)

	var out submissionResponse
	decodeErr := json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 500:
		err := fmt.Errorf("authority returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
		rcpt := errorReceipt(err)
		if decodeErr == nil && out.ErrorCode != "" {
			rcpt.ErrorCode = out.ErrorCode
		}
		return rcpt, err
	case decodeErr != nil:
		err := fmt.Errorf("decode authority response (status %d): %w", resp.StatusCode, decodeErr)
		return errorReceipt(err), err
	case resp.StatusCode >= 400 || !out.Accepted:
		code := out.ErrorCode
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		l.logger.Info("authority rejected document",
			zap.String("document", inv.Number),
			zap.String("code", code),
			zap.String("message", out.ErrorMessage),
		)
		return &Receipt{
			Status:       StatusRejected,
			Document:     out.CDR,
			Observations: out.Observations,
			ErrorCode:    code,
			ErrorMessage: out.ErrorMessage,
			Hash:         out.Hash,
		}, nil
	}

	hash := out.Hash
	if hash == "" {
		hash = hashOf(out.CDR)
	}
	return &Receipt{
		Accepted:     true,
		Status:       StatusAccepted,
		Document:     out.CDR,
		Observations: out.Observations,
		Hash:         hash,
	}, nil
}

func (l *Live) buildSubmission(inv *invoice.Invoice, docType, key string) submission {
	if docType == "" {
		docType = inv.DocumentType
	}
	currency := inv.Currency
	if currency == "" {
		currency = "PEN"
	}

	s := submission{
		IdempotencyKey: key,
		DocumentType:   docType,
		Series:         inv.Series,
		Number:         inv.Correlative,
		IssueDate:      inv.IssueDate,
		Currency:       currency,
		Company: submissionCompany{
			RUC:     l.cfg.Company.RUC,
			Name:    l.cfg.Company.Name,
			Address: l.cfg.Company.Address,
			Ubigeo:  l.cfg.Company.Ubigeo,
		},
		Customer: customerBlock(inv.Customer),
	}

	one := decimal.NewFromInt(1)
	var subtotal decimal.Decimal
	for i, it := range inv.Items {
		qty := it.Quantity
		if !qty.IsPositive() {
			qty = one
		}
		price := it.UnitPrice
		lineSub := it.LineTotal
		if lineSub.IsZero() {
			lineSub = qty.Mul(price)
		}
		if price.IsZero() && !lineSub.IsZero() {
			price = lineSub.Div(qty)
		}
		lineSub = lineSub.Round(2)
		lineTax := lineSub.Mul(l.cfg.TaxRate).Round(2)

		code := it.Code
		if code == "" {
			code = fmt.Sprintf("ITEM-%d", i+1)
		}
		desc := it.Description
		if desc == "" {
			desc = code
		}
		s.Items = append(s.Items, submissionItem{
			Code:           code,
			Description:    desc,
			Unit:           "NIU",
			Quantity:       qty,
			UnitPrice:      price.Round(2),
			Subtotal:       lineSub,
			Tax:            lineTax,
			Total:          lineSub.Add(lineTax),
			TaxAffectation: "10",
		})
		subtotal = subtotal.Add(lineSub)
	}

	if !inv.Totals.Subtotal.IsZero() {
		subtotal = inv.Totals.Subtotal
	}
	tax := inv.Totals.Tax
	if tax.IsZero() {
		tax = subtotal.Mul(l.cfg.TaxRate).Round(2)
	}
	total := inv.Totals.Total
	if total.IsZero() {
		total = subtotal.Add(tax)
	}
	s.Sale = submissionSale{
		OperationType: "0101",
		TaxCode:       "1000",
		Subtotal:      subtotal.Round(2),
		Tax:           tax.Round(2),
		Total:         total.Round(2),
		AmountInWords: fmt.Sprintf("SON %s %s", total.StringFixed(2), currency),
	}
	return s
}

func customerBlock(p invoice.Party) submissionParty {
	identity := "1" // DNI
	switch {
	case len(p.TaxID) == invoice.RUCLength:
		identity = "6"
	case p.TaxID == "":
		identity = "0"
	}
	name := p.Name
	if name == "" {
		name = "CLIENTES VARIOS"
	}
	number := p.TaxID
	if number == "" {
		number = "00000000"
	}
	return submissionParty{
		IdentityType: identity,
		Number:       number,
		Name:         name,
		Address:      strings.TrimSpace(p.Address),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
