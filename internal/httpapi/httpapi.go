// Package httpapi exposes the register-facing HTTP surface: auth, identity
// resolution, checkout, cash sessions, order edits, and the reconciliation
// queue.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"salepoint/core/internal/cashsession"
	"salepoint/core/internal/checkout"
	"salepoint/core/internal/domain"
	"salepoint/core/internal/identity"
	"salepoint/core/internal/orderedit"
	"salepoint/core/internal/service"
	"salepoint/core/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	logger        *zap.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, logger *zap.Logger, allowedOrigin string) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		logger:        logger,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/customers/resolve", a.requireAuth(a.handleResolve, RoleCashier, RoleManager))
	mux.HandleFunc("/api/v1/customers/merge", a.requireAuth(a.handleMerge, RoleManager))
	mux.HandleFunc("/api/v1/customers", a.requireAuth(a.handleCustomers, RoleCashier, RoleManager))
	mux.HandleFunc("/api/v1/customers/", a.requireAuth(a.handleCustomerByID, RoleCashier, RoleManager))

	mux.HandleFunc("/api/v1/totals", a.requireAuth(a.handleTotals, RoleCashier, RoleManager))
	mux.HandleFunc("/api/v1/checkout", a.requireAuth(a.handleCheckout, RoleCashier, RoleManager))
	mux.HandleFunc("/api/v1/checkout/idempotency/", a.requireAuth(a.handleCheckoutLookup, RoleCashier, RoleManager))

	mux.HandleFunc("/api/v1/orders/", a.requireAuth(a.handleOrderActions, RoleCashier, RoleManager))

	mux.HandleFunc("/api/v1/cash-sessions/open", a.requireAuth(a.handleCashOpen, RoleCashier, RoleManager))
	mux.HandleFunc("/api/v1/cash-sessions/drop", a.requireAuth(a.handleCashDrop, RoleCashier, RoleManager))
	mux.HandleFunc("/api/v1/cash-sessions/close", a.requireAuth(a.handleCashClose, RoleCashier, RoleManager))
	mux.HandleFunc("/api/v1/cash-sessions/active", a.requireAuth(a.handleCashActive, RoleCashier, RoleManager))

	mux.HandleFunc("/api/v1/reconciliations", a.requireAuth(a.handleReconciliations, RoleManager))
	mux.HandleFunc("/api/v1/reconciliations/", a.requireAuth(a.handleReconciliationActions, RoleManager))

	mux.HandleFunc("/api/v1/tax-rates/", a.requireAuth(a.handleTaxRates, RoleManager))
	mux.HandleFunc("/api/v1/users/cashiers", a.requireAuth(a.handleCashiers, RoleManager))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

// requirePIN re-verifies the manager PIN on destructive operations even for
// an already-authenticated manager token.
func (a *API) requirePIN(w http.ResponseWriter, r *http.Request) bool {
	actor, _ := service.ActorFromContext(r.Context())
	if err := a.auth.VerifyManagerPIN(actor.Username, r.Header.Get("X-Manager-PIN")); err != nil {
		a.writeError(w, http.StatusForbidden, err)
		return false
	}
	return true
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var query domain.IdentityQuery
	if err := decodeJSON(r, &query); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	candidates, err := a.service.ResolveCustomer(r.Context(), query)
	if err != nil {
		a.writeError(w, http.StatusBadGateway, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var customer domain.CustomerRecord
	if err := decodeJSON(r, &customer); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := a.service.CreateCustomer(r.Context(), customer)
	if err != nil {
		a.writeError(w, statusFor(err, http.StatusUnprocessableEntity), err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]any{"customer": created})
}

func (a *API) handleCustomerByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/customers/")
	if id == "" || strings.Contains(id, "/") {
		a.writeError(w, http.StatusNotFound, errors.New("unknown customer path"))
		return
	}

	customer, err := a.service.GetCustomer(r.Context(), id)
	if err != nil {
		a.writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

type mergeRequest struct {
	TargetID string `json:"target_id"`
	SourceID string `json:"source_id"`
}

func (a *API) handleMerge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.requirePIN(w, r) {
		return
	}

	var req mergeRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	merged, err := a.service.MergeCustomers(r.Context(), req.TargetID, req.SourceID)
	if err != nil {
		a.writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"customer": merged})
}

func (a *API) handleTotals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req service.TotalsRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	tot, err := a.service.ComputeTotals(r.Context(), req)
	if err != nil {
		a.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"totals": tot})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req service.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	receipt, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		a.writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]any{"receipt": receipt})
}

func (a *API) handleCheckoutLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/v1/checkout/idempotency/")
	if key == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("missing idempotency key"))
		return
	}

	order, err := a.service.LookupCheckoutByIdempotency(r.Context(), key)
	if err != nil {
		a.writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

type orderEditRequest struct {
	Edits []domain.OrderEdit `json:"edits"`
}

func (a *API) handleOrderActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/orders/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			a.writeMethodNotAllowed(w)
			return
		}
		order, err := a.service.GetOrder(r.Context(), parts[0])
		if err != nil {
			a.writeError(w, statusFor(err, http.StatusInternalServerError), err)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]any{"order": order})

	case len(parts) == 2 && parts[1] == "edits":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		actor, _ := service.ActorFromContext(r.Context())
		if actor.Role != RoleManager {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		if !a.requirePIN(w, r) {
			return
		}

		var req orderEditRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		saved, err := a.service.EditOrder(r.Context(), parts[0], req.Edits)
		if err != nil {
			a.writeError(w, statusFor(err, http.StatusInternalServerError), err)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]any{"order": saved})

	default:
		a.writeError(w, http.StatusNotFound, errors.New("unknown order path"))
	}
}

type cashOpenRequest struct {
	RegisterID       string `json:"register_id,omitempty"`
	OpeningCashCents int64  `json:"opening_cash_cents"`
}

func (a *API) handleCashOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req cashOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := a.service.OpenCashSession(r.Context(), req.RegisterID, req.OpeningCashCents)
	if err != nil {
		a.writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]any{"session": session})
}

type cashAmountRequest struct {
	RegisterID  string `json:"register_id,omitempty"`
	AmountCents int64  `json:"amount_cents"`
}

func (a *API) handleCashDrop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req cashAmountRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.service.RecordCashDrop(r.Context(), req.RegisterID, req.AmountCents); err != nil {
		a.writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type cashCloseRequest struct {
	RegisterID       string `json:"register_id,omitempty"`
	ClosingCashCents int64  `json:"closing_cash_cents"`
	Notes            string `json:"notes,omitempty"`
}

func (a *API) handleCashClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req cashCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := a.service.CloseCashSession(r.Context(), req.RegisterID, req.ClosingCashCents, req.Notes)
	if err != nil {
		a.writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleCashActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	session, err := a.service.ActiveCashSession(r.Context(), r.URL.Query().Get("register_id"))
	if err != nil {
		a.writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleReconciliations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	records, err := a.service.ListReconciliations(r.Context(), includeResolved, limit)
	if err != nil {
		a.writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"reconciliations": records})
}

type resolveReconciliationRequest struct {
	Notes string `json:"notes"`
}

func (a *API) handleReconciliationActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/reconciliations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "resolve" {
		a.writeError(w, http.StatusNotFound, errors.New("unknown reconciliation path"))
		return
	}
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req resolveReconciliationRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	resolved, err := a.service.ResolveReconciliation(r.Context(), parts[0], req.Notes)
	if err != nil {
		a.writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"reconciliation": resolved})
}

type taxRateRequest struct {
	RateBps int64 `json:"rate_bps"`
}

func (a *API) handleTaxRates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		a.writeMethodNotAllowed(w)
		return
	}
	locationID := strings.TrimPrefix(r.URL.Path, "/api/v1/tax-rates/")
	if locationID == "" || strings.Contains(locationID, "/") {
		a.writeError(w, http.StatusNotFound, errors.New("unknown tax rate path"))
		return
	}

	var req taxRateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.service.SetLocationTaxRate(r.Context(), locationID, req.RateBps); err != nil {
		a.writeError(w, statusFor(err, http.StatusInternalServerError), err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type cashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleCashiers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}

	var req cashierCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := a.auth.CreateCashier(r.Context(), req.Username, req.Password)
	if err != nil {
		a.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]any{"user": account})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Manager-PIN")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(startedAt)))
	})
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

// statusFor maps domain error kinds to HTTP statuses; fallback is used for
// anything unrecognized.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkout.ErrValidation),
		errors.Is(err, identity.ErrInvalidMergeTargets),
		errors.Is(err, orderedit.ErrInvalidEdit),
		errors.Is(err, orderedit.ErrUnknownLine),
		errors.Is(err, cashsession.ErrInvalidAmount),
		errors.Is(err, store.ErrInvalidRecord):
		return http.StatusUnprocessableEntity
	case errors.Is(err, checkout.ErrAuthFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, checkout.ErrAuthTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, checkout.ErrCheckoutInFlight),
		errors.Is(err, store.ErrSessionAlreadyOpen),
		errors.Is(err, store.ErrNoActiveSession):
		return http.StatusConflict
	case errors.Is(err, checkout.ErrCommitFailed),
		errors.Is(err, identity.ErrMergePartialFailure):
		return http.StatusInternalServerError
	}
	if strings.Contains(err.Error(), "role required") || strings.Contains(err.Error(), "actor required") {
		return http.StatusForbidden
	}
	return fallback
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic so internal detail never reaches a register.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("internal error", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	a.writeJSON(w, status, map[string]any{"error": msg})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
