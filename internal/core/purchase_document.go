package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"purchasing-core/internal/authority"
	"purchasing-core/internal/invoice"
	"purchasing-core/internal/lock"
	"purchasing-core/internal/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const lockMargin = 30 * time.Second

// CreateFromInvoice runs the document pipeline: parse, extract, submit to the
// authority, then record the purchase. Nothing is persisted unless the authority
// accepts the document. Rendering happens after commit and degrades to DocumentPending.
func (s *purchaseService) CreateFromInvoice(ctx context.Context, actor Actor, in UploadInput) (*UploadResult, error) {
	branchID := in.BranchID
	if branchID == 0 {
		branchID = actor.BranchID
	}
	if err := Authorize(actor, ActionUpload, Resource{BranchID: branchID}); err != nil {
		return nil, err
	}

	doc, err := invoice.ParseUpload(in.Filename, in.Data, s.parseOpts)
	if err != nil {
		return nil, documentError(err)
	}
	inv, err := invoice.Extract(doc)
	if err != nil {
		return nil, documentError(err)
	}
	p, lines, err := s.buildDocumentPurchase(actor, branchID, inv, in)
	if err != nil {
		return nil, err
	}

	lockKey := fmt.Sprintf("comprobante:%s:%s:%s-%s", inv.Supplier.TaxID, p.InvoiceType, p.Series, p.Number)
	release, err := s.locker.Obtain(ctx, lockKey, s.authorityTimeout+lockMargin)
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, conflictf("document %s is already being processed", inv.Number)
	}
	if err != nil {
		return nil, fmt.Errorf("lock document %s: %w", inv.Number, err)
	}
	defer s.release(ctx, release, lockKey)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := checkBranch(ctx, tx, branchID); err != nil {
		return nil, err
	}
	supplier, err := resolveSupplier(ctx, tx, inv.Supplier)
	if err != nil {
		return nil, err
	}
	p.SupplierID = supplier.ID
	if err := checkDuplicate(ctx, tx, p.Key(), 0); err != nil {
		return nil, err
	}
	if err := tx.InsertPurchase(ctx, p); err != nil {
		return nil, fmt.Errorf("insert purchase: %w", err)
	}

	p.SubmissionAttempts = 1
	key := submissionKey(p.ID, p.SubmissionAttempts)
	p.SubmissionKey = &key
	rcpt, err := s.submit(ctx, inv, inv.DocumentType, key)
	if err != nil {
		s.logger.Warn("document not accepted, purchase discarded",
			zap.String("document", inv.Number),
			zap.String("submission_key", key),
			zap.Error(err))
		return nil, err
	}

	for i := range lines {
		product, err := s.resolveProduct(ctx, tx, p.ID, i+1, inv.Items[i], lines[i].UnitPrice)
		if err != nil {
			return nil, err
		}
		lines[i].ProductID = product.ID
		if lines[i].Description == "" {
			lines[i].Description = product.Description
		}
	}
	if err := s.insertLines(ctx, tx, actor, p, lines, DocPurchase); err != nil {
		return nil, err
	}

	p.Status = PurchaseStatusProcessed
	applyReceipt(p, rcpt)
	if err := tx.UpdatePurchase(ctx, p); err != nil {
		return nil, fmt.Errorf("update purchase %d: %w", p.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit purchase: %w", err)
	}

	s.logger.Info("purchase created from document",
		zap.Int64("purchase_id", p.ID),
		zap.String("document", inv.Number),
		zap.String("supplier_ruc", supplier.TaxID),
		zap.String("receipt", rcpt.Fingerprint()),
		zap.Int("lines", len(p.Lines)))

	result := &UploadResult{Purchase: p, Receipt: rcpt}
	if err := s.attachDocument(ctx, p, inv, rcpt); err != nil {
		s.logger.Error("document rendering deferred",
			zap.Int64("purchase_id", p.ID),
			zap.Error(err))
		result.DocumentPending = true
		result.DocumentError = err.Error()
	}
	s.decorate(p)
	return result, nil
}

func (s *purchaseService) buildDocumentPurchase(actor Actor, branchID int64, inv *invoice.Invoice, in UploadInput) (*Purchase, []PurchaseLine, error) {
	var details []string
	if strings.TrimSpace(inv.Supplier.TaxID) == "" {
		details = append(details, "document has no supplier tax id")
	}
	if len(inv.Items) == 0 {
		details = append(details, "document has no line items")
	}

	currency, err := normalizeCurrency(inv.Currency)
	if err != nil {
		details = append(details, err.Error())
	}
	issue := dateOnly(s.now())
	if inv.IssueDate != "" {
		t, err := time.Parse("2006-01-02", inv.IssueDate)
		if err != nil {
			details = append(details, fmt.Sprintf("issue date %q is not a date", inv.IssueDate))
		}
		issue = t
	}

	inputs := make([]LineInput, len(inv.Items))
	for i, item := range inv.Items {
		inputs[i] = LineInput{
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		}
		if item.LineTotal.IsPositive() {
			total := item.LineTotal
			inputs[i].Subtotal = &total
		}
	}
	var lines []PurchaseLine
	if len(inv.Items) > 0 {
		var lineDetails []string
		lines, lineDetails = normalizeLines(inputs, false)
		details = append(details, lineDetails...)
	}
	if len(details) > 0 {
		return nil, nil, invalid("document cannot be recorded as a purchase", details)
	}

	// Document totals win when they are consistent with the lines.
	sub, tax, total, mismatch := computeTotals(lines, s.taxRate, &TotalsInput{
		Subtotal: inv.Totals.Subtotal,
		Tax:      inv.Totals.Tax,
		Total:    inv.Totals.Total,
	})
	if len(mismatch) > 0 {
		s.logger.Warn("document totals ignored",
			zap.String("document", inv.Number),
			zap.Strings("reasons", mismatch))
	}

	series, number := inv.Series, inv.Correlative
	if number == "" {
		number = inv.Number
	}
	raw := string(in.Data)
	return &Purchase{
		BranchID:     branchID,
		UserID:       actor.UserID,
		InvoiceType:  InvoiceTypeForDocument(inv.DocumentType),
		Series:       series,
		Number:       number,
		IssueDate:    issue,
		Currency:     currency,
		ExchangeRate: one,
		Subtotal:     sub,
		Tax:          tax,
		Total:        total,
		Status:       PurchaseStatusPending,
		Note:         in.Note,
		SourceXML:    &raw,
	}, lines, nil
}

// resolveSupplier finds the supplier by RUC or creates it with a placeholder name.
func resolveSupplier(ctx context.Context, tx Tx, party invoice.Party) (*Supplier, error) {
	ruc := strings.TrimSpace(party.TaxID)
	sup, err := tx.FindSupplierByTaxID(ctx, ruc)
	if err == nil {
		if !sup.Active {
			return nil, validationf("supplier %s is inactive", ruc)
		}
		return sup, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("find supplier %s: %w", ruc, err)
	}

	name := strings.TrimSpace(party.Name)
	if name == "" {
		name = "PROVEEDOR " + ruc
	}
	sup = &Supplier{TaxID: ruc, Name: name, Address: strings.TrimSpace(party.Address), Active: true}
	if err := tx.CreateSupplier(ctx, sup); err != nil {
		return nil, fmt.Errorf("create supplier %s: %w", ruc, err)
	}
	if !sup.Active {
		return nil, validationf("supplier %s is inactive", ruc)
	}
	return sup, nil
}

// resolveProduct matches a document line to a product, creating one when nothing matches.
func (s *purchaseService) resolveProduct(ctx context.Context, tx Tx, purchaseID int64, n int, item invoice.LineItem, price decimal.Decimal) (*Product, error) {
	p, err := s.resolver.Resolve(ctx, tx, item)
	if err != nil {
		return nil, fmt.Errorf("line %d: %w", n, err)
	}
	if p != nil {
		if !p.Active {
			return nil, validationf("line %d: product %s is inactive", n, p.Code)
		}
		return p, nil
	}

	code := strings.TrimSpace(item.Code)
	if code == "" {
		code = fmt.Sprintf("AUTO-%d-%d", purchaseID, n)
	}
	desc := strings.TrimSpace(item.Description)
	if desc == "" {
		desc = code
	}
	p = &Product{Code: code, Description: desc, SalePrice: price, Active: true}
	if err := tx.InsertProduct(ctx, p); err != nil {
		return nil, fmt.Errorf("line %d: create product %s: %w", n, code, err)
	}
	s.logger.Info("product created from document", zap.Int64("product_id", p.ID), zap.String("code", code))
	return p, nil
}

// submit calls the gateway under the configured timeout and turns anything other
// than acceptance into an External error.
func (s *purchaseService) submit(ctx context.Context, inv *invoice.Invoice, docType, key string) (*authority.Receipt, error) {
	subCtx, cancel := context.WithTimeout(ctx, s.authorityTimeout)
	defer cancel()

	rcpt, err := s.gateway.Submit(subCtx, inv, docType, key)
	if err != nil || rcpt == nil || !rcpt.Accepted {
		return rcpt, externalError(rcpt, err)
	}
	return rcpt, nil
}

func externalError(rcpt *authority.Receipt, cause error) error {
	e := &Error{Kind: ErrExternal, Message: "tax authority submission failed", Cause: cause}
	if rcpt == nil {
		return e
	}
	if rcpt.Status == authority.StatusRejected {
		e.Message = "tax authority rejected the document"
		if rcpt.ErrorCode != "" {
			e.Message += " (code " + rcpt.ErrorCode + ")"
		}
	}
	if rcpt.ErrorMessage != "" && (cause == nil || rcpt.ErrorMessage != cause.Error()) {
		e.Details = append(e.Details, rcpt.ErrorMessage)
	}
	e.Details = append(e.Details, rcpt.Observations...)
	return e
}

func applyReceipt(p *Purchase, rcpt *authority.Receipt) {
	status := rcpt.Status
	p.AuthorityStatus = &status
	p.AuthorityObservations = rcpt.Observations
	p.AuthorityReceipt = optional(rcpt.Document)
	p.ReceiptHash = optional(rcpt.Hash)
	msg := rcpt.ErrorMessage
	if rcpt.ErrorCode != "" {
		msg = strings.TrimSpace(rcpt.ErrorCode + " " + msg)
	}
	p.AuthorityMessage = optional(msg)
}

func receiptOf(p *Purchase) *authority.Receipt {
	r := &authority.Receipt{Accepted: p.Accepted(), Observations: p.AuthorityObservations}
	if p.AuthorityStatus != nil {
		r.Status = *p.AuthorityStatus
	}
	if p.AuthorityReceipt != nil {
		r.Document = *p.AuthorityReceipt
	}
	if p.ReceiptHash != nil {
		r.Hash = *p.ReceiptHash
	}
	return r
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// attachDocument renders the document and stores its path in a separate transaction.
// A failure here never affects the committed purchase.
func (s *purchaseService) attachDocument(ctx context.Context, p *Purchase, inv *invoice.Invoice, rcpt *authority.Receipt) error {
	path, err := s.renderer.Render(ctx, inv, rcpt, p.ID)
	if err != nil {
		return &Error{Kind: ErrRendering, Message: fmt.Sprintf("render document for purchase %d", p.ID), Cause: err}
	}

	old, err := s.setDocumentPath(ctx, p, path)
	if err != nil {
		if derr := s.content.Delete(ctx, path); derr != nil {
			s.logger.Warn("orphan document left in store", zap.String("path", path), zap.Error(derr))
		}
		return &Error{Kind: ErrRendering, Message: fmt.Sprintf("store document path for purchase %d", p.ID), Cause: err}
	}
	if old != "" && old != path {
		if err := s.content.Delete(ctx, old); err != nil {
			s.logger.Warn("previous document not removed", zap.String("path", old), zap.Error(err))
		}
	}
	return nil
}

func (s *purchaseService) setDocumentPath(ctx context.Context, p *Purchase, path string) (string, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := loadPurchase(ctx, tx, p.ID, true)
	if err != nil {
		return "", err
	}
	var old string
	if cur.DocumentPath != nil {
		old = *cur.DocumentPath
	}
	cur.DocumentPath = &path
	if err := tx.UpdatePurchase(ctx, cur); err != nil {
		return "", fmt.Errorf("update purchase %d: %w", p.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit document path: %w", err)
	}
	p.DocumentPath = &path
	p.UpdatedAt = cur.UpdatedAt
	return old, nil
}

// SubmitToAuthority resubmits the stored source document under a new idempotency key.
// The attempt is persisted before the call so a crash never reuses a key; the verdict
// is recorded afterwards. Stock is never touched.
func (s *purchaseService) SubmitToAuthority(ctx context.Context, actor Actor, id int64) (*SubmitResult, error) {
	lockKey := fmt.Sprintf("purchase:%d:submit", id)
	release, err := s.locker.Obtain(ctx, lockKey, s.authorityTimeout+lockMargin)
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, conflictf("purchase %d is already being submitted", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock purchase %d: %w", id, err)
	}
	defer s.release(ctx, release, lockKey)

	sub, err := s.beginSubmission(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	key := sub.key

	rcpt, subErr := s.submit(ctx, sub.inv, sub.docType, key)
	if rcpt == nil {
		rcpt = &authority.Receipt{Status: authority.StatusError}
		if subErr != nil {
			rcpt.ErrorMessage = subErr.Error()
		}
	}

	p, err := s.recordVerdict(ctx, id, rcpt)
	if err != nil {
		return nil, err
	}
	s.logger.Info("authority submission recorded",
		zap.Int64("purchase_id", id),
		zap.String("submission_key", key),
		zap.String("status", rcpt.Status),
		zap.String("receipt", rcpt.Fingerprint()))

	result := &SubmitResult{Purchase: s.decorate(p), Receipt: rcpt}
	if subErr != nil {
		return result, subErr
	}
	return result, nil
}

// submission is a prepared authority call: the stored document, the type it is
// filed under and the persisted idempotency key.
type submission struct {
	inv     *invoice.Invoice
	docType string
	key     string
}

func (s *purchaseService) beginSubmission(ctx context.Context, actor Actor, id int64) (*submission, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := loadPurchase(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, ActionSubmit, Resource{BranchID: p.BranchID}); err != nil {
		return nil, err
	}
	if p.Status == PurchaseStatusVoided {
		return nil, conflictf("purchase %d is voided", id)
	}
	if p.Accepted() {
		return nil, conflictf("purchase %d was already accepted by the tax authority", id)
	}
	if !p.HasSourceDocument() {
		return nil, validationf("purchase %d has no source document to submit", id)
	}

	docType, ok := p.InvoiceType.DocumentCode()
	if !ok {
		return nil, validationf("purchase %d is a %s, which is not filed electronically", id, p.InvoiceType)
	}

	inv, err := s.reparse(p)
	if err != nil {
		return nil, err
	}

	p.SubmissionAttempts++
	key := submissionKey(p.ID, p.SubmissionAttempts)
	p.SubmissionKey = &key
	if err := tx.UpdatePurchase(ctx, p); err != nil {
		return nil, fmt.Errorf("update purchase %d: %w", p.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit submission attempt: %w", err)
	}
	return &submission{inv: inv, docType: docType, key: key}, nil
}

func (s *purchaseService) recordVerdict(ctx context.Context, id int64, rcpt *authority.Receipt) (*Purchase, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := loadPurchase(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	applyReceipt(p, rcpt)
	// Acceptance advances only pending purchases; a completed one keeps its status.
	if rcpt.Accepted && p.Status == PurchaseStatusPending {
		p.Status = PurchaseStatusProcessed
	}
	if err := tx.UpdatePurchase(ctx, p); err != nil {
		return nil, fmt.Errorf("update purchase %d: %w", p.ID, err)
	}
	if err := loadChildren(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit authority verdict: %w", err)
	}
	return p, nil
}

// RenderDocument regenerates the printable document of an accepted purchase and
// replaces the stored reference.
func (s *purchaseService) RenderDocument(ctx context.Context, actor Actor, id int64) (*Purchase, error) {
	p, err := s.GetPurchase(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, ActionRender, Resource{BranchID: p.BranchID}); err != nil {
		return nil, err
	}
	if !p.HasSourceDocument() {
		return nil, validationf("purchase %d has no source document to render", id)
	}
	if !p.Accepted() {
		return nil, conflictf("purchase %d has no accepted authority receipt", id)
	}

	inv, err := s.reparse(p)
	if err != nil {
		return nil, err
	}
	if err := s.attachDocument(ctx, p, inv, receiptOf(p)); err != nil {
		return nil, err
	}
	s.logger.Info("document regenerated", zap.Int64("purchase_id", id), zap.String("path", *p.DocumentPath))
	return s.decorate(p), nil
}

// Document returns the stored printable document of a purchase.
func (s *purchaseService) Document(ctx context.Context, actor Actor, id int64) ([]byte, error) {
	p, err := s.GetPurchase(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if p.DocumentPath == nil || *p.DocumentPath == "" {
		return nil, notFoundf("purchase %d has no rendered document", id)
	}
	data, err := s.content.Get(ctx, *p.DocumentPath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, notFoundf("document of purchase %d is missing from the content store", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read document of purchase %d: %w", id, err)
	}
	return data, nil
}

func (s *purchaseService) reparse(p *Purchase) (*invoice.Invoice, error) {
	doc, err := invoice.Parse([]byte(*p.SourceXML), s.parseOpts)
	if err != nil {
		return nil, documentError(err)
	}
	inv, err := invoice.Extract(doc)
	if err != nil {
		return nil, documentError(err)
	}
	return inv, nil
}

func (s *purchaseService) release(ctx context.Context, release lock.Release, key string) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
	}
}

// documentError maps parser and extractor failures to Validation errors.
func documentError(err error) error {
	var ex *invoice.ExtractionError
	if errors.As(err, &ex) {
		return &Error{Kind: ErrValidation, Message: "cannot read electronic document", Details: []string{ex.Error()}, Cause: err}
	}
	return &Error{Kind: ErrValidation, Message: "invalid electronic document", Details: documentViolations(err), Cause: err}
}

func documentViolations(err error) []string {
	var ve *invoice.ValidationError
	if errors.As(err, &ve) {
		return ve.Violations
	}
	return []string{err.Error()}
}
