// Package authority submits normalized invoices to the tax authority acceptance
// service and returns its verdict.
package authority

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"purchasing-core/internal/invoice"
)

// Receipt statuses.
const (
	StatusAccepted = "ACCEPTED"
	StatusRejected = "REJECTED"
	StatusError    = "ERROR"
)

// Receipt is the acceptance verdict (CDR) for one submission.
type Receipt struct {
	Accepted     bool     `json:"accepted"`
	Status       string   `json:"status"`
	Document     string   `json:"document,omitempty"` // raw receipt, stored opaque
	Observations []string `json:"observations,omitempty"`
	ErrorCode    string   `json:"error_code,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Hash         string   `json:"hash,omitempty"`
}

// Fingerprint returns a short traceability reference for the receipt.
func (r *Receipt) Fingerprint() string {
	if r == nil {
		return ""
	}
	h := r.Hash
	if h == "" {
		h = hashOf(r.Document)
	}
	if len(h) > 12 {
		h = h[:12]
	}
	return h
}

// Gateway submits a document to the acceptance service.
//
// Submit always returns a receipt. REJECTED verdicts come back with a nil error;
// transport failures, timeouts and malformed replies return an ERROR receipt together
// with the underlying error.
type Gateway interface {
	Submit(ctx context.Context, inv *invoice.Invoice, docType, idempotencyKey string) (*Receipt, error)
}

// Company is the issuing company profile sent with live submissions.
type Company struct {
	RUC     string
	Name    string
	Address string
	Ubigeo  string
}

func errorReceipt(err error) *Receipt {
	return &Receipt{
		Status:       StatusError,
		ErrorMessage: err.Error(),
	}
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
