package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"salepoint/core/internal/cashsession"
	"salepoint/core/internal/checkout"
	"salepoint/core/internal/domain"
	"salepoint/core/internal/identity"
	"salepoint/core/internal/metrics"
	"salepoint/core/internal/payment"
	"salepoint/core/internal/service"
	"salepoint/core/internal/store/memory"
	"salepoint/core/internal/taxrate"
)

// newTestAPI builds a full API over an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) (*API, *memory.Store) {
	t.Helper()

	repo := memory.NewSeeded()
	logger := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	svc := service.New(service.Deps{
		Repo:            repo,
		Resolver:        identity.NewResolver(repo),
		Merger:          identity.NewMergeEngine(repo, logger),
		Orchestrator:    checkout.NewOrchestrator(repo, payment.NewSimulatedTerminal(), logger, m),
		Ledger:          cashsession.NewLedger(repo, logger, m),
		Rates:           taxrate.NewSource(repo, nil, 800, logger),
		Logger:          logger,
		PointValueCents: 5,
	})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)
	return New(svc, auth, logger, "*"), repo
}

func loginAs(t *testing.T, api *API, username, password string) string {
	t.Helper()
	resp, err := api.auth.Login(context.Background(), domain.LoginRequest{
		Username: username, Password: password,
	})
	if err != nil {
		t.Fatalf("login as %s failed: %v", username, err)
	}
	return resp.AccessToken
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "", nil, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", "", map[string]any{}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/checkout", "not-a-token", map[string]any{}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", rec.Code)
	}
}

func TestResolveEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/customers/resolve", token, map[string]any{
		"first_name":     "Ana",
		"last_name":      "Martinez",
		"license_number": "D1234567",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Candidates []domain.MatchCandidate `json:"candidates"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(body.Candidates))
	}
	if body.Candidates[0].Tier != domain.TierExact {
		t.Fatalf("expected exact tier, got %s", body.Candidates[0].Tier)
	}
}

func TestCheckoutEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"cart_id":        "cart-http-1",
		"payment_method": "card",
		"lines": []map[string]any{
			{"product_id": "prod-flower-01", "unit_price_cents": 1000, "quantity": 2},
		},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Receipt domain.SaleReceipt `json:"receipt"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Receipt.TotalCents != 2160 {
		t.Fatalf("expected total 2160, got %d", body.Receipt.TotalCents)
	}
	if body.Receipt.AuthorizationCode == "" {
		t.Fatal("expected an authorization code on a card receipt")
	}

	// Lookup by idempotency key returns the committed order.
	order, err := api.service.LookupCheckoutByIdempotency(context.Background(), orderIdemKey(t, api, body.Receipt.OrderID))
	if err != nil {
		t.Fatalf("idempotency lookup failed: %v", err)
	}
	if order.ID != body.Receipt.OrderID {
		t.Fatalf("expected order %s, got %s", body.Receipt.OrderID, order.ID)
	}
}

func orderIdemKey(t *testing.T, api *API, orderID string) string {
	t.Helper()
	order, err := api.service.GetOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return order.IdempotencyKey
}

func TestCheckoutEndpointRejectsBadMethod(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, map[string]any{
		"cart_id":        "cart-http-2",
		"payment_method": "barter",
		"lines": []map[string]any{
			{"product_id": "prod-flower-01", "unit_price_cents": 1000, "quantity": 1},
		},
	}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown payment method, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMergeRequiresManagerRoleAndPIN(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	cashierToken := loginAs(t, api, "cashier", "cashier123")
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/customers/merge", cashierToken, map[string]any{
		"target_id": "cust-ana", "source_id": "cust-carla",
	}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	managerToken := loginAs(t, api, "manager", "manager123")
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/customers/merge", managerToken, map[string]any{
		"target_id": "cust-ana", "source_id": "cust-carla",
	}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without PIN, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/customers/merge", managerToken, map[string]any{
		"target_id": "cust-ana", "source_id": "cust-carla",
	}, map[string]string{"X-Manager-PIN": "123456"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with PIN, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Customer domain.CustomerRecord `json:"customer"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Customer.LoyaltyPoints != 580 {
		t.Fatalf("expected 580 merged points, got %d", body.Customer.LoyaltyPoints)
	}
}

func TestOrderEditEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	cashierToken := loginAs(t, api, "cashier", "cashier123")
	managerToken := loginAs(t, api, "manager", "manager123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", cashierToken, map[string]any{
		"cart_id":        "cart-edit-1",
		"payment_method": "card",
		"lines": []map[string]any{
			{"product_id": "prod-flower-01", "unit_price_cents": 1000, "quantity": 2},
		},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout failed: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Receipt domain.SaleReceipt `json:"receipt"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	editPayload := map[string]any{
		"edits": []map[string]any{
			{"type": "quantity_change", "product_id": "prod-flower-01", "quantity": 1},
		},
	}
	path := "/api/v1/orders/" + created.Receipt.OrderID + "/edits"

	rec = doJSON(t, handler, http.MethodPost, path, cashierToken, editPayload, map[string]string{"X-Manager-PIN": "123456"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier edit, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, path, managerToken, editPayload, map[string]string{"X-Manager-PIN": "123456"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for manager edit, got %d: %s", rec.Code, rec.Body.String())
	}
	var edited struct {
		Order domain.Order `json:"order"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&edited); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if edited.Order.TotalCents != 1080 {
		t.Fatalf("expected edited total 1080, got %d", edited.Order.TotalCents)
	}
}

func TestCashSessionEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/cash-sessions/open", token, map[string]any{
		"register_id": "reg-1", "opening_cash_cents": 10000,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open failed: %d %s", rec.Code, rec.Body.String())
	}

	// A second open on the same register conflicts.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/cash-sessions/open", token, map[string]any{
		"register_id": "reg-1", "opening_cash_cents": 10000,
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for double open, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/cash-sessions/drop", token, map[string]any{
		"register_id": "reg-1", "amount_cents": 2000,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("drop failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/cash-sessions/active?register_id=reg-1", token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("active failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/cash-sessions/close", token, map[string]any{
		"register_id": "reg-1", "closing_cash_cents": 8000,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("close failed: %d %s", rec.Code, rec.Body.String())
	}
	var closed struct {
		Session domain.CashSession `json:"session"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&closed); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if closed.Session.VarianceCents == nil || *closed.Session.VarianceCents != 0 {
		t.Fatalf("expected zero variance, got %+v", closed.Session.VarianceCents)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/cash-sessions/active?register_id=reg-1", token, nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 after close, got %d", rec.Code)
	}
}

func TestReconciliationEndpointsManagerOnly(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()

	rec2, err := repo.CreateReconciliation(context.Background(), domain.ReconciliationRecord{
		Reason: domain.ReconciliationAuthTimeout, RegisterID: "reg-1", AmountCents: 2160,
	})
	if err != nil {
		t.Fatalf("seed reconciliation: %v", err)
	}

	cashierToken := loginAs(t, api, "cashier", "cashier123")
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/reconciliations", cashierToken, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	managerToken := loginAs(t, api, "manager", "manager123")
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/reconciliations", managerToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/reconciliations/"+rec2.ID+"/resolve", managerToken, map[string]any{
		"notes": "processor confirmed void",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d %s", rec.Code, rec.Body.String())
	}
}

func TestTaxRateEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	managerToken := loginAs(t, api, "manager", "manager123")

	rec := doJSON(t, handler, http.MethodPut, "/api/v1/tax-rates/loc-main", managerToken, map[string]any{
		"rate_bps": 900,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tax rate update failed: %d %s", rec.Code, rec.Body.String())
	}

	token := loginAs(t, api, "cashier", "cashier123")
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/totals", token, map[string]any{
		"lines": []map[string]any{
			{"product_id": "prod-flower-01", "unit_price_cents": 1000, "quantity": 2},
		},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("totals failed: %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Totals domain.Totals `json:"totals"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Totals.TaxCents != 180 {
		t.Fatalf("expected 9%% tax 180, got %d", body.Totals.TaxCents)
	}
}
