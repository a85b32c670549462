package authority

import (
	"context"
	"fmt"
	"time"

	"purchasing-core/internal/invoice"

	"github.com/beevik/etree"
	"go.uber.org/zap"
)

// DefaultSimulatedDelay approximates the latency of the real acceptance service.
const DefaultSimulatedDelay = 1500 * time.Millisecond

// Simulated accepts every document after a fixed delay. The receipt is a fixed
// ApplicationResponse template, so the same invoice always yields the same receipt.
type Simulated struct {
	delay  time.Duration
	logger *zap.Logger
}

// NewSimulated returns a simulated gateway. A negative delay disables waiting.
func NewSimulated(delay time.Duration, logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	if delay < 0 {
		delay = 0
	}
	return &Simulated{delay: delay, logger: logger}
}

func (s *Simulated) Submit(ctx context.Context, inv *invoice.Invoice, docType, idempotencyKey string) (*Receipt, error) {
	if inv == nil {
		err := fmt.Errorf("simulated submit: nil invoice")
		return errorReceipt(err), err
	}

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			err := fmt.Errorf("simulated submit %s: %w", inv.Number, ctx.Err())
			return errorReceipt(err), err
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return errorReceipt(err), fmt.Errorf("simulated submit %s: %w", inv.Number, err)
	}

	doc, err := simulatedCDR(inv, docType)
	if err != nil {
		err = fmt.Errorf("build simulated receipt: %w", err)
		return errorReceipt(err), err
	}

	s.logger.Info("simulated authority acceptance",
		zap.String("document", inv.Number),
		zap.String("doc_type", docType),
		zap.String("idempotency_key", idempotencyKey),
	)
	return &Receipt{
		Accepted: true,
		Status:   StatusAccepted,
		Document: doc,
		Hash:     hashOf(doc),
	}, nil
}

func simulatedCDR(inv *invoice.Invoice, docType string) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	resp := doc.CreateElement("ApplicationResponse")
	resp.CreateAttr("xmlns", "urn:oasis:names:specification:ubl:schema:xsd:ApplicationResponse-2")
	resp.CreateAttr("xmlns:cac", "urn:oasis:names:specification:ubl:schema:xsd:CommonAggregateComponents-2")
	resp.CreateAttr("xmlns:cbc", "urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2")

	resp.CreateElement("cbc:UBLVersionID").SetText("2.0")
	resp.CreateElement("cbc:CustomizationID").SetText("1.0")
	resp.CreateElement("cbc:ID").SetText("SIM-" + docType + "-" + inv.Number)
	resp.CreateElement("cbc:IssueDate").SetText(inv.IssueDate)
	resp.CreateElement("cbc:Note").SetText("Receipt issued by the acceptance simulator")

	dr := resp.CreateElement("cac:DocumentResponse")
	r := dr.CreateElement("cac:Response")
	r.CreateElement("cbc:ReferenceID").SetText(inv.Number)
	r.CreateElement("cbc:ResponseCode").SetText("0")
	r.CreateElement("cbc:Description").SetText(fmt.Sprintf("El comprobante numero %s, ha sido aceptado", inv.Number))
	ref := dr.CreateElement("cac:DocumentReference")
	ref.CreateElement("cbc:ID").SetText(inv.Number)
	ref.CreateElement("cbc:DocumentTypeCode").SetText(docType)

	recipient := dr.CreateElement("cac:RecipientParty")
	recipient.CreateElement("cac:PartyIdentification").CreateElement("cbc:ID").SetText(inv.Supplier.TaxID)

	doc.Indent(2)
	return doc.WriteToString()
}
