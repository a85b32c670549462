package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"purchasing-core/internal/core"
	"purchasing-core/internal/invoice"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

type lineRequest struct {
	ProductID   int64            `json:"product_id" validate:"required,gt=0"`
	Description string           `json:"description" validate:"max=500"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	Subtotal    *decimal.Decimal `json:"subtotal,omitempty"`
}

type paymentRequest struct {
	Method    string          `json:"method" validate:"required,max=40"`
	Account   string          `json:"account" validate:"max=80"`
	Reference string          `json:"reference" validate:"max=80"`
	Memo      string          `json:"memo" validate:"max=500"`
	Amount    decimal.Decimal `json:"amount"`
}

type totalsRequest struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

type createPurchaseRequest struct {
	SupplierID   int64            `json:"supplier_id" validate:"required,gt=0"`
	BranchID     int64            `json:"branch_id" validate:"gte=0"`
	InvoiceType  string           `json:"invoice_type" validate:"required,oneof=FACTURA BOLETA NOTA_CREDITO NOTA_DEBITO GUIA_REMISION NOTA_VENTA RECIBO_HONORARIOS RECIBO_SERVICIO_PUBLICO"`
	Series       string           `json:"series" validate:"max=20"`
	Number       string           `json:"number" validate:"required,max=30"`
	IssueDate    string           `json:"issue_date" validate:"required,datetime=2006-01-02"`
	DueDate      string           `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Currency     string           `json:"currency" validate:"omitempty,len=3"`
	ExchangeRate *decimal.Decimal `json:"exchange_rate,omitempty"`
	Status       string           `json:"status" validate:"omitempty,oneof=PENDING COMPLETED"`
	Note         string           `json:"note" validate:"max=1000"`
	Lines        []lineRequest    `json:"lines" validate:"dive"`
	Payments     []paymentRequest `json:"payments" validate:"dive"`
	Totals       *totalsRequest   `json:"totals,omitempty"`
	SourceXML    string           `json:"source_xml,omitempty"`
}

type updatePurchaseRequest struct {
	SupplierID   *int64            `json:"supplier_id,omitempty" validate:"omitempty,gt=0"`
	InvoiceType  *string           `json:"invoice_type,omitempty" validate:"omitempty,oneof=FACTURA BOLETA NOTA_CREDITO NOTA_DEBITO GUIA_REMISION NOTA_VENTA RECIBO_HONORARIOS RECIBO_SERVICIO_PUBLICO"`
	Series       *string           `json:"series,omitempty" validate:"omitempty,max=20"`
	Number       *string           `json:"number,omitempty" validate:"omitempty,min=1,max=30"`
	IssueDate    *string           `json:"issue_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	DueDate      *string           `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Currency     *string           `json:"currency,omitempty" validate:"omitempty,len=3"`
	ExchangeRate *decimal.Decimal  `json:"exchange_rate,omitempty"`
	Status       *string           `json:"status,omitempty" validate:"omitempty,oneof=PENDING COMPLETED VOIDED PROCESSED"`
	Note         *string           `json:"note,omitempty" validate:"omitempty,max=1000"`
	Lines        *[]lineRequest    `json:"lines,omitempty" validate:"omitempty,dive"`
	Payments     *[]paymentRequest `json:"payments,omitempty" validate:"omitempty,dive"`
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func toLines(in []lineRequest) []core.LineInput {
	out := make([]core.LineInput, len(in))
	for i, l := range in {
		out[i] = core.LineInput{
			ProductID:   l.ProductID,
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			Subtotal:    l.Subtotal,
		}
	}
	return out
}

func toPayments(in []paymentRequest) []core.PaymentInput {
	out := make([]core.PaymentInput, len(in))
	for i, p := range in {
		out[i] = core.PaymentInput{
			Method:    p.Method,
			Account:   p.Account,
			Reference: p.Reference,
			Memo:      p.Memo,
			Amount:    p.Amount,
		}
	}
	return out
}

// parseDate reads a layout-validated date as UTC midnight.
func parseDate(s string) time.Time {
	t, _ := time.ParseInLocation(dateLayout, s, time.UTC)
	return t
}

// apiCreatePurchase handles POST /api/purchases.
func (h *Handler) apiCreatePurchase(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	var req createPurchaseRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	in := core.CreatePurchaseInput{
		SupplierID:  req.SupplierID,
		BranchID:    req.BranchID,
		InvoiceType: core.InvoiceType(req.InvoiceType),
		Series:      req.Series,
		Number:      req.Number,
		IssueDate:   parseDate(req.IssueDate),
		Currency:    req.Currency,
		Status:      core.PurchaseStatus(req.Status),
		Note:        req.Note,
		Lines:       toLines(req.Lines),
		Payments:    toPayments(req.Payments),
	}
	if in.BranchID == 0 {
		in.BranchID = actor.BranchID
	}
	if req.DueDate != "" {
		due := parseDate(req.DueDate)
		in.DueDate = &due
	}
	if req.ExchangeRate != nil {
		in.ExchangeRate = *req.ExchangeRate
	}
	if req.Totals != nil {
		in.Totals = &core.TotalsInput{Subtotal: req.Totals.Subtotal, Tax: req.Totals.Tax, Total: req.Totals.Total}
	}
	if req.SourceXML != "" {
		in.SourceXML = []byte(req.SourceXML)
	}

	p, err := h.purchases.CreatePurchase(r.Context(), actor, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, p)
}

// apiUploadPurchase handles POST /api/purchases/upload (multipart field "file").
func (h *Handler) apiUploadPurchase(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())

	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, "request body too large", "REQUEST_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, r, "invalid multipart form: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, "missing form field \"file\"", "BAD_REQUEST", http.StatusBadRequest)
		return
	}
	defer file.Close()

	// Reject by name and declared size before reading the body.
	if err := invoice.CheckUpload(header.Filename, header.Size, h.maxUploadBytes); err != nil {
		h.writeServiceError(w, r, &core.Error{
			Kind:    core.ErrValidation,
			Message: "upload rejected",
			Details: uploadViolations(err),
			Cause:   err,
		})
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		writeError(w, r, "failed to read uploaded file", "BAD_REQUEST", http.StatusBadRequest)
		return
	}

	var branchID int64
	if raw := r.FormValue("branch_id"); raw != "" {
		branchID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || branchID < 0 {
			writeError(w, r, "invalid branch_id", "BAD_REQUEST", http.StatusBadRequest)
			return
		}
	}

	res, err := h.purchases.CreateFromInvoice(r.Context(), actor, core.UploadInput{
		Filename: header.Filename,
		Data:     data,
		BranchID: branchID,
		Note:     r.FormValue("note"),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, res)
}

func uploadViolations(err error) []string {
	var verr *invoice.ValidationError
	if errors.As(err, &verr) {
		return verr.Violations
	}
	return []string{err.Error()}
}

// apiListPurchases handles GET /api/purchases?branch_id=&supplier_id=&status=&limit=.
func (h *Handler) apiListPurchases(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	branchID, ok := queryInt(w, r, "branch_id")
	if !ok {
		return
	}
	supplierID, ok := queryInt(w, r, "supplier_id")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}

	purchases, err := h.purchases.ListPurchases(r.Context(), actor, core.PurchaseFilter{
		BranchID:   branchID,
		SupplierID: supplierID,
		Status:     core.PurchaseStatus(r.URL.Query().Get("status")),
		Limit:      int(limit),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if purchases == nil {
		purchases = []core.Purchase{}
	}
	writeJSON(w, purchases)
}

// apiGetPurchase handles GET /api/purchases/{id}.
func (h *Handler) apiGetPurchase(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.purchases.GetPurchase(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, p)
}

// apiUpdatePurchase handles PUT /api/purchases/{id}.
func (h *Handler) apiUpdatePurchase(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req updatePurchaseRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	in := core.UpdatePurchaseInput{
		SupplierID:   req.SupplierID,
		Series:       req.Series,
		Number:       req.Number,
		Currency:     req.Currency,
		ExchangeRate: req.ExchangeRate,
		Note:         req.Note,
	}
	if req.InvoiceType != nil {
		t := core.InvoiceType(*req.InvoiceType)
		in.InvoiceType = &t
	}
	if req.Status != nil {
		s := core.PurchaseStatus(*req.Status)
		in.Status = &s
	}
	if req.IssueDate != nil {
		d := parseDate(*req.IssueDate)
		in.IssueDate = &d
	}
	if req.DueDate != nil {
		d := parseDate(*req.DueDate)
		in.DueDate = &d
	}
	if req.Lines != nil {
		lines := toLines(*req.Lines)
		in.Lines = &lines
	}
	if req.Payments != nil {
		payments := toPayments(*req.Payments)
		in.Payments = &payments
	}

	p, err := h.purchases.UpdatePurchase(r.Context(), actor, id, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, p)
}

// apiVoidPurchase handles POST /api/purchases/{id}/void.
func (h *Handler) apiVoidPurchase(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req voidRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	p, err := h.purchases.VoidPurchase(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, p)
}

// apiDeletePurchase handles DELETE /api/purchases/{id}.
func (h *Handler) apiDeletePurchase(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.purchases.DeletePurchase(r.Context(), actor, id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// apiSubmitPurchase handles POST /api/purchases/{id}/submit. A rejected verdict is
// persisted and reported as 502 with the authority observations as details.
func (h *Handler) apiSubmitPurchase(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.purchases.SubmitToAuthority(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// apiRenderPurchase handles POST /api/purchases/{id}/render.
func (h *Handler) apiRenderPurchase(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.purchases.RenderDocument(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, p)
}

// apiPurchaseDocument handles GET /api/purchases/{id}/document.
func (h *Handler) apiPurchaseDocument(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	data, err := h.purchases.Document(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=\"purchase-%d.pdf\"", id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
