package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"purchasing-core/internal/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Options configures the HTTP adapter.
type Options struct {
	AllowedOrigins string
	JWTSecret      string
	// MaxUploadBytes caps the XML document; the multipart envelope gets 1 MiB on top.
	MaxUploadBytes int64
	// Ready reports backing-store health for /api/health. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Handler serves the purchasing API.
type Handler struct {
	purchases      core.PurchaseService
	ledger         *core.Ledger
	logger         *zap.Logger
	validate       *validator.Validate
	jwtSecret      string
	maxUploadBytes int64
	ready          func(ctx context.Context) error
}

// NewHandler creates and wires the chi router with all routes.
func NewHandler(purchases core.PurchaseService, ledger *core.Ledger, logger *zap.Logger, opts Options) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 5 << 20
	}
	h := &Handler{
		purchases:      purchases,
		ledger:         ledger,
		logger:         logger,
		validate:       newValidator(),
		jwtSecret:      opts.JWTSecret,
		maxUploadBytes: opts.MaxUploadBytes,
		ready:          opts.Ready,
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recoverer(logger))
	r.Use(CORS(opts.AllowedOrigins))

	// ── Health (public) ───────────────────────────────────────────────────────
	r.Get("/api/health", h.health)

	// ── Protected API routes (return 401 JSON if unauthenticated) ────────────
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)

		// Upload: body limit follows the configured document size.
		r.With(RequestBodyLimit(h.maxUploadBytes+1<<20)).Post("/api/purchases/upload", h.apiUploadPurchase)

		r.Group(func(r chi.Router) {
			r.Use(RequestBodyLimit(1 << 20)) // 1 MB

			r.Get("/api/auth/me", h.me)

			// ── Purchases ─────────────────────────────────────────────────────
			r.Get("/api/purchases", h.apiListPurchases)
			r.Post("/api/purchases", h.apiCreatePurchase)
			r.Get("/api/purchases/{id}", h.apiGetPurchase)
			r.Put("/api/purchases/{id}", h.apiUpdatePurchase)
			r.Delete("/api/purchases/{id}", h.apiDeletePurchase)
			r.Post("/api/purchases/{id}/void", h.apiVoidPurchase)
			r.Post("/api/purchases/{id}/submit", h.apiSubmitPurchase)
			r.Post("/api/purchases/{id}/render", h.apiRenderPurchase)
			r.Get("/api/purchases/{id}/document", h.apiPurchaseDocument)

			// ── Inventory ─────────────────────────────────────────────────────
			r.Get("/api/inventory/low-stock", h.apiLowStock)
			r.Get("/api/inventory/{productID}/{locationID}", h.apiGetStock)
			r.Get("/api/inventory/{productID}/{locationID}/reconcile", h.apiReconcile)
			r.Get("/api/movements", h.apiListMovements)

			// Out of scope: transfers between branches.
			r.Post("/api/inventory/transfers", notImplemented)
		})
	})

	return r
}

// health returns service status; 503 when the backing store is unreachable.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			writeJSONStatus(w, http.StatusServiceUnavailable, response{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	writeJSON(w, response{Status: "ok"})
}

// decodeJSON decodes the request body into v and validates it. It returns false and
// writes the error response on failure: 413 when the body exceeds the limit set by
// RequestBodyLimit, 400 for everything else.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, "request body too large", "REQUEST_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return false
		}
		writeError(w, r, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, r, "invalid request", "VALIDATION_ERROR", http.StatusBadRequest, validationDetails(err)...)
		return false
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationDetails flattens validator errors into "field: rule" strings.
func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out = append(out, fmt.Sprintf("%s: %s", field, rule))
	}
	return out
}

// pathID parses a positive integer URL parameter, writing 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, fmt.Sprintf("invalid %s %q", name, raw), "BAD_REQUEST", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		writeError(w, r, fmt.Sprintf("invalid %s %q", name, raw), "BAD_REQUEST", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}
