package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"purchasing-core/internal/authority"
	"purchasing-core/internal/invoice"
	"purchasing-core/internal/lock"
	"purchasing-core/internal/render"
	"purchasing-core/internal/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PurchaseServiceConfig wires a PurchaseService.
type PurchaseServiceConfig struct {
	Store    Store
	Ledger   *Ledger
	Gateway  authority.Gateway
	Renderer render.Renderer
	Content  storage.ContentStore
	Locker   lock.Locker
	Resolver ProductResolver
	Logger   *zap.Logger

	TaxRate          decimal.Decimal
	MaxUploadBytes   int64
	SkipRUCCheck     bool
	AuthorityTimeout time.Duration
	PublicBaseURL    string
}

const defaultAuthorityTimeout = 30 * time.Second

type purchaseService struct {
	store    Store
	ledger   *Ledger
	gateway  authority.Gateway
	renderer render.Renderer
	content  storage.ContentStore
	locker   lock.Locker
	resolver ProductResolver
	logger   *zap.Logger

	taxRate          decimal.Decimal
	parseOpts        invoice.Options
	authorityTimeout time.Duration
	publicBaseURL    string
	now              func() time.Time
}

// NewPurchaseService constructs a PurchaseService. Store, Gateway, Renderer and Content
// are required; the remaining collaborators fall back to in-process defaults.
func NewPurchaseService(cfg PurchaseServiceConfig) PurchaseService {
	s := &purchaseService{
		store:            cfg.Store,
		ledger:           cfg.Ledger,
		gateway:          cfg.Gateway,
		renderer:         cfg.Renderer,
		content:          cfg.Content,
		locker:           cfg.Locker,
		resolver:         cfg.Resolver,
		logger:           cfg.Logger,
		taxRate:          cfg.TaxRate,
		parseOpts:        invoice.Options{MaxBytes: cfg.MaxUploadBytes, SkipRUCCheck: cfg.SkipRUCCheck},
		authorityTimeout: cfg.AuthorityTimeout,
		publicBaseURL:    cfg.PublicBaseURL,
		now:              time.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.ledger == nil {
		s.ledger = NewLedger(cfg.Store, s.logger)
	}
	if s.locker == nil {
		s.locker = lock.NewLocalLocker()
	}
	if s.resolver == nil {
		s.resolver = NewProductResolver(false)
	}
	if s.taxRate.IsZero() {
		s.taxRate = DefaultTaxRate
	}
	if s.authorityTimeout <= 0 {
		s.authorityTimeout = defaultAuthorityTimeout
	}
	return s
}

// CreatePurchase records a manual purchase with its lines, ledger entries and payments.
func (s *purchaseService) CreatePurchase(ctx context.Context, actor Actor, in CreatePurchaseInput) (*Purchase, error) {
	if err := Authorize(actor, ActionCreate, Resource{BranchID: in.BranchID}); err != nil {
		return nil, err
	}

	p, lines, err := s.buildManualPurchase(actor, in)
	if err != nil {
		return nil, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := checkBranch(ctx, tx, p.BranchID); err != nil {
		return nil, err
	}
	if err := checkSupplier(ctx, tx, p.SupplierID); err != nil {
		return nil, err
	}
	if err := checkDuplicate(ctx, tx, p.Key(), 0); err != nil {
		return nil, err
	}

	if err := tx.InsertPurchase(ctx, p); err != nil {
		return nil, fmt.Errorf("insert purchase: %w", err)
	}
	if err := s.insertLines(ctx, tx, actor, p, lines, DocPurchase); err != nil {
		return nil, err
	}
	if err := insertPayments(ctx, tx, p, in.Payments); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit purchase: %w", err)
	}

	s.logger.Info("purchase created",
		zap.Int64("purchase_id", p.ID),
		zap.Int64("branch_id", p.BranchID),
		zap.String("status", string(p.Status)),
		zap.String("total", p.Total.String()),
		zap.Int("lines", len(p.Lines)))
	return s.decorate(p), nil
}

func (s *purchaseService) buildManualPurchase(actor Actor, in CreatePurchaseInput) (*Purchase, []PurchaseLine, error) {
	var details []string

	if !in.InvoiceType.Valid() {
		details = append(details, fmt.Sprintf("invoice type %q is not recognized", in.InvoiceType))
	}
	status := in.Status
	if status == "" {
		status = PurchaseStatusPending
	}
	if status != PurchaseStatusPending && status != PurchaseStatusCompleted {
		details = append(details, fmt.Sprintf("status %q is not allowed on create", in.Status))
	}
	if in.SupplierID <= 0 {
		details = append(details, "supplier is required")
	}
	if in.BranchID <= 0 {
		details = append(details, "branch is required")
	}
	if in.Number == "" {
		details = append(details, "document number is required")
	}
	currency, err := normalizeCurrency(in.Currency)
	if err != nil {
		details = append(details, err.Error())
	}
	rate, err := normalizeExchangeRate(in.ExchangeRate)
	if err != nil {
		details = append(details, err.Error())
	}

	lines, lineDetails := normalizeLines(in.Lines, true)
	details = append(details, lineDetails...)
	for i, pay := range in.Payments {
		if pay.Amount.IsNegative() {
			details = append(details, fmt.Sprintf("payment %d: amount cannot be negative", i+1))
		}
	}

	var sub, tax, total decimal.Decimal
	if len(lineDetails) == 0 {
		var totalDetails []string
		sub, tax, total, totalDetails = computeTotals(lines, s.taxRate, in.Totals)
		details = append(details, totalDetails...)
	}

	var source *string
	if len(in.SourceXML) > 0 {
		if _, err := invoice.Parse(in.SourceXML, s.parseOpts); err != nil {
			details = append(details, documentViolations(err)...)
		} else {
			raw := string(in.SourceXML)
			source = &raw
		}
	}

	if len(details) > 0 {
		return nil, nil, invalid("invalid purchase", details)
	}

	issue := in.IssueDate
	if issue.IsZero() {
		issue = dateOnly(s.now())
	}
	return &Purchase{
		SupplierID:   in.SupplierID,
		BranchID:     in.BranchID,
		UserID:       actor.UserID,
		InvoiceType:  in.InvoiceType,
		Series:       in.Series,
		Number:       in.Number,
		IssueDate:    issue,
		DueDate:      in.DueDate,
		Currency:     currency,
		ExchangeRate: rate,
		Subtotal:     sub,
		Tax:          tax,
		Total:        total,
		Status:       status,
		Note:         in.Note,
		SourceXML:    source,
	}, lines, nil
}

// insertLines writes every line and records one ENTRY per line at the purchase branch.
func (s *purchaseService) insertLines(ctx context.Context, tx Tx, actor Actor, p *Purchase, lines []PurchaseLine, docType string) error {
	p.Lines = p.Lines[:0]
	for _, l := range lines {
		if _, err := checkProduct(ctx, tx, l.ProductID); err != nil {
			return fmt.Errorf("line %d: %w", l.LineNo, err)
		}
		l.PurchaseID = p.ID
		if err := tx.InsertPurchaseLine(ctx, &l); err != nil {
			return fmt.Errorf("insert line %d: %w", l.LineNo, err)
		}
		if _, err := s.ledger.RecordEntryTx(ctx, tx, MovementInput{
			ProductID:      l.ProductID,
			LocationID:     p.BranchID,
			Quantity:       l.Quantity,
			UnitPrice:      l.UnitPrice,
			RelatedDocType: docType,
			RelatedDocID:   p.ID,
			UserID:         actor.UserID,
			Authorized:     true,
			AuthorizedBy:   &actor.UserID,
			Note:           fmt.Sprintf("purchase %d line %d", p.ID, l.LineNo),
		}); err != nil {
			return fmt.Errorf("line %d: %w", l.LineNo, err)
		}
		p.Lines = append(p.Lines, l)
	}
	return nil
}

func insertPayments(ctx context.Context, tx Tx, p *Purchase, payments []PaymentInput) error {
	p.Payments = p.Payments[:0]
	for i, in := range payments {
		pay := Payment{
			PurchaseID: p.ID,
			Method:     in.Method,
			Account:    in.Account,
			Reference:  in.Reference,
			Memo:       in.Memo,
			Amount:     in.Amount.Round(2),
		}
		if err := tx.InsertPayment(ctx, &pay); err != nil {
			return fmt.Errorf("insert payment %d: %w", i+1, err)
		}
		p.Payments = append(p.Payments, pay)
	}
	return nil
}

// reverseLines records one EXIT per line, failing on insufficient stock.
func (s *purchaseService) reverseLines(ctx context.Context, tx Tx, actor Actor, p *Purchase, lines []PurchaseLine, docType, note string) error {
	for _, l := range lines {
		if _, err := s.ledger.RecordExitTx(ctx, tx, MovementInput{
			ProductID:      l.ProductID,
			LocationID:     p.BranchID,
			Quantity:       l.Quantity,
			UnitPrice:      l.UnitPrice,
			RelatedDocType: docType,
			RelatedDocID:   p.ID,
			UserID:         actor.UserID,
			Authorized:     true,
			AuthorizedBy:   &actor.UserID,
			Note:           note,
		}); err != nil {
			return fmt.Errorf("line %d: %w", l.LineNo, err)
		}
	}
	return nil
}

// UpdatePurchase patches a non-voided purchase. Line replacement is limited to PENDING
// purchases and reverses the previous lines in the ledger before recording the new ones.
func (s *purchaseService) UpdatePurchase(ctx context.Context, actor Actor, id int64, in UpdatePurchaseInput) (*Purchase, error) {
	var details []string
	if in.InvoiceType != nil && !in.InvoiceType.Valid() {
		details = append(details, fmt.Sprintf("invoice type %q is not recognized", *in.InvoiceType))
	}
	if in.Status != nil && *in.Status != PurchaseStatusPending && *in.Status != PurchaseStatusCompleted {
		details = append(details, fmt.Sprintf("status %q cannot be set through update", *in.Status))
	}
	var currency string
	if in.Currency != nil {
		c, err := normalizeCurrency(*in.Currency)
		if err != nil {
			details = append(details, err.Error())
		}
		currency = c
	}
	var rate decimal.Decimal
	if in.ExchangeRate != nil {
		r, err := normalizeExchangeRate(*in.ExchangeRate)
		if err != nil {
			details = append(details, err.Error())
		}
		rate = r
	}
	if in.Number != nil && *in.Number == "" {
		details = append(details, "document number cannot be empty")
	}
	var newLines []PurchaseLine
	if in.Lines != nil {
		var lineDetails []string
		newLines, lineDetails = normalizeLines(*in.Lines, true)
		details = append(details, lineDetails...)
	}
	if in.Payments != nil {
		for i, pay := range *in.Payments {
			if pay.Amount.IsNegative() {
				details = append(details, fmt.Sprintf("payment %d: amount cannot be negative", i+1))
			}
		}
	}
	if len(details) > 0 {
		return nil, invalid("invalid purchase update", details)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := loadPurchase(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, ActionUpdate, Resource{BranchID: p.BranchID}); err != nil {
		return nil, err
	}
	if p.Status == PurchaseStatusVoided {
		return nil, conflictf("purchase %d is voided and cannot be updated", id)
	}
	if in.Lines != nil && p.Status != PurchaseStatusPending {
		return nil, conflictf("lines of purchase %d cannot be replaced in status %s", id, p.Status)
	}
	if in.Status != nil && *in.Status != p.Status &&
		!(p.Status == PurchaseStatusPending && *in.Status == PurchaseStatusCompleted) {
		return nil, conflictf("purchase %d cannot move from %s to %s", id, p.Status, *in.Status)
	}

	oldKey := p.Key()
	if in.SupplierID != nil && *in.SupplierID != p.SupplierID {
		if err := checkSupplier(ctx, tx, *in.SupplierID); err != nil {
			return nil, err
		}
		p.SupplierID = *in.SupplierID
	}
	if in.InvoiceType != nil {
		p.InvoiceType = *in.InvoiceType
	}
	if in.Series != nil {
		p.Series = *in.Series
	}
	if in.Number != nil {
		p.Number = *in.Number
	}
	if in.IssueDate != nil {
		p.IssueDate = *in.IssueDate
	}
	if in.DueDate != nil {
		p.DueDate = in.DueDate
	}
	if in.Currency != nil {
		p.Currency = currency
	}
	if in.ExchangeRate != nil {
		p.ExchangeRate = rate
	}
	if in.Status != nil {
		p.Status = *in.Status
	}
	if in.Note != nil {
		p.Note = *in.Note
	}
	if p.Key() != oldKey {
		if err := checkDuplicate(ctx, tx, p.Key(), p.ID); err != nil {
			return nil, err
		}
	}

	if in.Lines != nil {
		old, err := tx.ListPurchaseLines(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("list lines of purchase %d: %w", p.ID, err)
		}
		note := fmt.Sprintf("purchase %d lines replaced", p.ID)
		if err := s.reverseLines(ctx, tx, actor, p, old, DocPurchaseUpdate, note); err != nil {
			return nil, err
		}
		if err := tx.DeletePurchaseLines(ctx, p.ID); err != nil {
			return nil, fmt.Errorf("delete lines of purchase %d: %w", p.ID, err)
		}
		if err := s.insertLines(ctx, tx, actor, p, newLines, DocPurchaseUpdate); err != nil {
			return nil, err
		}
		p.Subtotal, p.Tax, p.Total, _ = computeTotals(newLines, s.taxRate, nil)
	}

	if in.Payments != nil {
		if err := tx.DeletePayments(ctx, p.ID); err != nil {
			return nil, fmt.Errorf("delete payments of purchase %d: %w", p.ID, err)
		}
		if err := insertPayments(ctx, tx, p, *in.Payments); err != nil {
			return nil, err
		}
	}

	if err := tx.UpdatePurchase(ctx, p); err != nil {
		return nil, fmt.Errorf("update purchase %d: %w", p.ID, err)
	}
	if err := loadChildren(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit purchase update: %w", err)
	}

	s.logger.Info("purchase updated",
		zap.Int64("purchase_id", p.ID),
		zap.String("status", string(p.Status)),
		zap.Bool("lines_replaced", in.Lines != nil))
	return s.decorate(p), nil
}

// VoidPurchase reverses every line and marks the purchase VOIDED. Voiding is terminal.
func (s *purchaseService) VoidPurchase(ctx context.Context, actor Actor, id int64, reason string) (*Purchase, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := loadPurchase(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, ActionVoid, Resource{BranchID: p.BranchID}); err != nil {
		return nil, err
	}
	if p.Status == PurchaseStatusVoided {
		return nil, conflictf("purchase %d is already voided", id)
	}

	lines, err := tx.ListPurchaseLines(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list lines of purchase %d: %w", p.ID, err)
	}
	note := fmt.Sprintf("void purchase %d", p.ID)
	if reason != "" {
		note += ": " + reason
	}
	if err := s.reverseLines(ctx, tx, actor, p, lines, DocPurchaseVoid, note); err != nil {
		return nil, err
	}

	p.Status = PurchaseStatusVoided
	p.Note = appendNote(p.Note, "VOIDED: "+reasonOrDefault(reason))
	if err := tx.UpdatePurchase(ctx, p); err != nil {
		return nil, fmt.Errorf("update purchase %d: %w", p.ID, err)
	}
	if err := loadChildren(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit void: %w", err)
	}

	s.logger.Info("purchase voided",
		zap.Int64("purchase_id", p.ID),
		zap.Int64("user_id", actor.UserID),
		zap.Int("lines", len(lines)))
	return s.decorate(p), nil
}

func reasonOrDefault(reason string) string {
	if reason == "" {
		return "no reason given"
	}
	return reason
}

// DeletePurchase removes a purchase that is neither COMPLETED nor PROCESSED. Stock
// still held for its lines is reversed first; voided purchases were already reversed.
// The rendered document is removed only after the delete commits.
func (s *purchaseService) DeletePurchase(ctx context.Context, actor Actor, id int64) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := loadPurchase(ctx, tx, id, true)
	if err != nil {
		return err
	}
	if err := Authorize(actor, ActionDelete, Resource{BranchID: p.BranchID}); err != nil {
		return err
	}
	switch p.Status {
	case PurchaseStatusCompleted:
		return conflictf("purchase %d is completed and cannot be deleted", id)
	case PurchaseStatusProcessed:
		return conflictf("purchase %d was accepted by the tax authority; void it before deleting", id)
	}

	lines, err := tx.ListPurchaseLines(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("list lines of purchase %d: %w", p.ID, err)
	}
	compensated := 0
	if p.Status != PurchaseStatusVoided {
		note := fmt.Sprintf("delete purchase %d", p.ID)
		for _, l := range lines {
			if _, err := tx.GetProduct(ctx, l.ProductID); errors.Is(err, ErrRecordNotFound) {
				continue
			} else if err != nil {
				return fmt.Errorf("get product %d: %w", l.ProductID, err)
			}
			if _, err := tx.GetInventoryRecord(ctx, l.ProductID, p.BranchID); errors.Is(err, ErrRecordNotFound) {
				continue
			} else if err != nil {
				return fmt.Errorf("get inventory record: %w", err)
			}
			if err := s.reverseLines(ctx, tx, actor, p, []PurchaseLine{l}, DocPurchaseDelete, note); err != nil {
				return err
			}
			compensated++
		}
	}

	if err := tx.DeletePayments(ctx, p.ID); err != nil {
		return fmt.Errorf("delete payments of purchase %d: %w", p.ID, err)
	}
	if err := tx.DeletePurchaseLines(ctx, p.ID); err != nil {
		return fmt.Errorf("delete lines of purchase %d: %w", p.ID, err)
	}
	if err := tx.DeletePurchase(ctx, p.ID); err != nil {
		return fmt.Errorf("delete purchase %d: %w", p.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	if p.DocumentPath != nil && *p.DocumentPath != "" && s.content != nil {
		if err := s.content.Delete(ctx, *p.DocumentPath); err != nil {
			s.logger.Warn("document left behind",
				zap.Int64("purchase_id", p.ID),
				zap.String("path", *p.DocumentPath),
				zap.Error(err))
		}
	}

	s.logger.Info("purchase deleted",
		zap.Int64("purchase_id", p.ID),
		zap.Int64("user_id", actor.UserID),
		zap.Int("compensated_lines", compensated))
	return nil
}

func (s *purchaseService) GetPurchase(ctx context.Context, actor Actor, id int64) (*Purchase, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := loadPurchase(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, ActionView, Resource{BranchID: p.BranchID}); err != nil {
		return nil, err
	}
	if err := loadChildren(ctx, tx, p); err != nil {
		return nil, err
	}
	return s.decorate(p), nil
}

// ListPurchases returns purchase headers, newest first. Callers other than SuperAdmin
// only ever see their own branch.
func (s *purchaseService) ListPurchases(ctx context.Context, actor Actor, filter PurchaseFilter) ([]Purchase, error) {
	if err := Authorize(actor, ActionView, Resource{BranchID: filter.BranchID}); err != nil {
		return nil, err
	}
	if actor.Role != RoleSuperAdmin {
		filter.BranchID = actor.BranchID
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ps, err := tx.ListPurchases(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	for i := range ps {
		s.decorate(&ps[i])
	}
	return ps, nil
}

func (s *purchaseService) decorate(p *Purchase) *Purchase {
	p.DocumentURL = ""
	if p.DocumentPath != nil {
		p.DocumentURL = storage.URL(s.publicBaseURL, *p.DocumentPath)
	}
	return p
}

func submissionKey(purchaseID int64, attempt int) string {
	return "purchase-" + strconv.FormatInt(purchaseID, 10) + "-attempt-" + strconv.Itoa(attempt)
}
