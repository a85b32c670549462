package web

import (
	"net/http"

	"purchasing-core/internal/core"
)

// authorizeLocation confines ledger reads to the caller's branch unless they are a
// SuperAdmin. A zero location defaults to the caller's branch.
func (h *Handler) authorizeLocation(w http.ResponseWriter, r *http.Request, locationID int64) (int64, bool) {
	actor, _ := actorFromContext(r.Context())
	if locationID == 0 && actor.Role != core.RoleSuperAdmin {
		locationID = actor.BranchID
	}
	if err := core.Authorize(actor, core.ActionView, core.Resource{BranchID: locationID}); err != nil {
		h.writeServiceError(w, r, err)
		return 0, false
	}
	return locationID, true
}

// apiGetStock handles GET /api/inventory/{productID}/{locationID}.
func (h *Handler) apiGetStock(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r, "productID")
	if !ok {
		return
	}
	locationID, ok := pathID(w, r, "locationID")
	if !ok {
		return
	}
	if _, ok := h.authorizeLocation(w, r, locationID); !ok {
		return
	}
	rec, err := h.ledger.Stock(r.Context(), productID, locationID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, rec)
}

// apiReconcile handles GET /api/inventory/{productID}/{locationID}/reconcile.
func (h *Handler) apiReconcile(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r, "productID")
	if !ok {
		return
	}
	locationID, ok := pathID(w, r, "locationID")
	if !ok {
		return
	}
	if _, ok := h.authorizeLocation(w, r, locationID); !ok {
		return
	}
	rec, err := h.ledger.Reconcile(r.Context(), productID, locationID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"reconciliation": rec,
		"consistent":     rec.Consistent(),
	})
}

// apiLowStock handles GET /api/inventory/low-stock?location_id=.
func (h *Handler) apiLowStock(w http.ResponseWriter, r *http.Request) {
	locationID, ok := queryInt(w, r, "location_id")
	if !ok {
		return
	}
	if locationID, ok = h.authorizeLocation(w, r, locationID); !ok {
		return
	}
	records, err := h.ledger.LowStock(r.Context(), locationID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if records == nil {
		records = []core.InventoryRecord{}
	}
	writeJSON(w, records)
}

// apiListMovements handles GET /api/movements?product_id=&location_id=&doc_type=&doc_id=&limit=.
func (h *Handler) apiListMovements(w http.ResponseWriter, r *http.Request) {
	productID, ok := queryInt(w, r, "product_id")
	if !ok {
		return
	}
	locationID, ok := queryInt(w, r, "location_id")
	if !ok {
		return
	}
	docID, ok := queryInt(w, r, "doc_id")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	if limit == 0 || limit > 500 {
		limit = 100
	}
	if locationID, ok = h.authorizeLocation(w, r, locationID); !ok {
		return
	}

	moves, err := h.ledger.Movements(r.Context(), core.MovementFilter{
		ProductID:      productID,
		LocationID:     locationID,
		RelatedDocType: r.URL.Query().Get("doc_type"),
		RelatedDocID:   docID,
		Limit:          int(limit),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if moves == nil {
		moves = []core.Movement{}
	}
	writeJSON(w, moves)
}
