package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"salepoint/core/internal/cashsession"
	"salepoint/core/internal/checkout"
	"salepoint/core/internal/domain"
	"salepoint/core/internal/identity"
	"salepoint/core/internal/metrics"
	"salepoint/core/internal/orderedit"
	"salepoint/core/internal/payment"
	"salepoint/core/internal/store"
	"salepoint/core/internal/store/memory"
	"salepoint/core/internal/taxrate"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	logger := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	svc := New(Deps{
		Repo:            repo,
		Resolver:        identity.NewResolver(repo),
		Merger:          identity.NewMergeEngine(repo, logger),
		Orchestrator:    checkout.NewOrchestrator(repo, payment.NewSimulatedTerminal(), logger, m),
		Ledger:          cashsession.NewLedger(repo, logger, m),
		Rates:           taxrate.NewSource(repo, nil, 800, logger),
		Logger:          logger,
		PointValueCents: 5,
	})
	return svc, repo
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func managerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "manager", Role: "manager"})
}

func testLines() []domain.CartLine {
	return []domain.CartLine{{ProductID: "prod-flower-01", UnitPriceCents: 1000, Quantity: 2}}
}

func TestComputeTotalsUsesLocationRate(t *testing.T) {
	svc, _ := newTestService(t)

	tot, err := svc.ComputeTotals(context.Background(), TotalsRequest{Lines: testLines()})
	if err != nil {
		t.Fatalf("ComputeTotals failed: %v", err)
	}
	if tot.SubtotalCents != 2000 || tot.TaxCents != 160 || tot.TotalCents != 2160 {
		t.Fatalf("unexpected totals: %+v", tot)
	}
}

func TestComputeTotalsValidatesPointBalance(t *testing.T) {
	svc, _ := newTestService(t)

	// cust-ana is seeded with 500 points.
	_, err := svc.ComputeTotals(context.Background(), TotalsRequest{
		Lines:                 testLines(),
		CustomerID:            "cust-ana",
		LoyaltyPointsToRedeem: 501,
	})
	if err == nil || !strings.Contains(err.Error(), "cannot redeem") {
		t.Fatalf("expected over-balance redemption rejection, got: %v", err)
	}

	tot, err := svc.ComputeTotals(context.Background(), TotalsRequest{
		Lines:                 testLines(),
		CustomerID:            "cust-ana",
		LoyaltyPointsToRedeem: 100,
	})
	if err != nil {
		t.Fatalf("ComputeTotals failed: %v", err)
	}
	// 100 points at 5 cents.
	if tot.LoyaltyDiscountCents != 500 {
		t.Fatalf("expected 500 loyalty discount, got %d", tot.LoyaltyDiscountCents)
	}
}

func TestComputeTotalsRedemptionRequiresCustomer(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ComputeTotals(context.Background(), TotalsRequest{
		Lines:                 testLines(),
		LoyaltyPointsToRedeem: 10,
	})
	if err == nil {
		t.Fatal("expected redemption without customer to fail")
	}
}

func TestCheckoutRequiresActor(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Checkout(context.Background(), CheckoutRequest{
		CartID: "cart-1", Lines: testLines(), PaymentMethod: domain.PaymentMethodCard,
	})
	if err == nil {
		t.Fatal("expected unauthenticated checkout to fail")
	}
}

func TestCheckoutWritesAudit(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := cashierCtx()

	receipt, err := svc.Checkout(ctx, CheckoutRequest{
		CartID: "cart-1", Lines: testLines(), PaymentMethod: domain.PaymentMethodCard,
	})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	if receipt.TotalCents != 2160 {
		t.Fatalf("expected total 2160, got %d", receipt.TotalCents)
	}

	logs, err := repo.ListAuditLogs(context.Background(), time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListAuditLogs failed: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "checkout_commit" && entry.EntityID == receipt.OrderID {
			if entry.ActorUsername != "cashier" {
				t.Fatalf("expected cashier actor on audit entry, got %q", entry.ActorUsername)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("expected a checkout_commit audit entry")
	}
}

func TestCheckoutGeneratesIdempotencyKeyWhenAbsent(t *testing.T) {
	svc, repo := newTestService(t)

	receipt, err := svc.Checkout(cashierCtx(), CheckoutRequest{
		CartID: "cart-1", Lines: testLines(), PaymentMethod: domain.PaymentMethodCard,
	})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	order, err := repo.FindOrderByID(context.Background(), receipt.OrderID)
	if err != nil {
		t.Fatalf("FindOrderByID failed: %v", err)
	}
	if order.IdempotencyKey == "" {
		t.Fatal("expected a generated idempotency key")
	}
	if _, err := svc.LookupCheckoutByIdempotency(context.Background(), order.IdempotencyKey); err != nil {
		t.Fatalf("LookupCheckoutByIdempotency failed: %v", err)
	}
}

func TestMergeRequiresManager(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.MergeCustomers(cashierCtx(), "cust-ana", "cust-carla"); err == nil {
		t.Fatal("expected cashier merge to be rejected")
	}

	merged, err := svc.MergeCustomers(managerCtx(), "cust-ana", "cust-carla")
	if err != nil {
		t.Fatalf("manager merge failed: %v", err)
	}
	// 500 + 80 seeded points.
	if merged.LoyaltyPoints != 580 {
		t.Fatalf("expected 580 points after merge, got %d", merged.LoyaltyPoints)
	}
}

func TestEditOrderRequiresManager(t *testing.T) {
	svc, _ := newTestService(t)

	receipt, err := svc.Checkout(cashierCtx(), CheckoutRequest{
		CartID: "cart-1", Lines: testLines(), PaymentMethod: domain.PaymentMethodCard,
	})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}

	edits := []domain.OrderEdit{{Type: domain.EditQuantityChange, ProductID: "prod-flower-01", Quantity: 1}}
	if _, err := svc.EditOrder(cashierCtx(), receipt.OrderID, edits); err == nil {
		t.Fatal("expected cashier edit to be rejected")
	}

	saved, err := svc.EditOrder(managerCtx(), receipt.OrderID, edits)
	if err != nil {
		t.Fatalf("manager edit failed: %v", err)
	}
	if saved.SubtotalCents != 1000 || saved.TotalCents != 1080 {
		t.Fatalf("unexpected edited totals: subtotal=%d total=%d", saved.SubtotalCents, saved.TotalCents)
	}
}

func TestEditOrderRejectsEmptySequence(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.EditOrder(managerCtx(), "order-x", nil); !errors.Is(err, orderedit.ErrInvalidEdit) {
		t.Fatalf("expected ErrInvalidEdit, got %v", err)
	}
}

func TestCashSessionFlowThroughService(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := cashierCtx()

	session, err := svc.OpenCashSession(ctx, "reg-1", 10000)
	if err != nil {
		t.Fatalf("OpenCashSession failed: %v", err)
	}
	if session.Status != domain.SessionStatusOpen {
		t.Fatalf("expected open session, got %q", session.Status)
	}

	if _, err := svc.Checkout(ctx, CheckoutRequest{
		CartID: "cart-cash", Lines: testLines(), PaymentMethod: domain.PaymentMethodCash,
	}); err != nil {
		t.Fatalf("cash checkout failed: %v", err)
	}

	if err := svc.RecordCashDrop(ctx, "reg-1", 1000); err != nil {
		t.Fatalf("RecordCashDrop failed: %v", err)
	}

	closed, err := svc.CloseCashSession(ctx, "reg-1", 11160, "")
	if err != nil {
		t.Fatalf("CloseCashSession failed: %v", err)
	}
	// expected = 10000 + 2160 - 1000 = 11160 -> zero variance.
	if closed.VarianceCents == nil || *closed.VarianceCents != 0 {
		t.Fatalf("expected zero variance, got %+v", closed.VarianceCents)
	}
}

func TestReconciliationAccessIsManagerOnly(t *testing.T) {
	svc, repo := newTestService(t)

	if _, err := svc.ListReconciliations(cashierCtx(), false, 10); err == nil {
		t.Fatal("expected cashier reconciliation list to be rejected")
	}

	rec, err := repo.CreateReconciliation(context.Background(), domain.ReconciliationRecord{
		Reason: domain.ReconciliationAuthTimeout, RegisterID: "reg-1", AmountCents: 2160,
	})
	if err != nil {
		t.Fatalf("CreateReconciliation failed: %v", err)
	}

	listed, err := svc.ListReconciliations(managerCtx(), false, 10)
	if err != nil {
		t.Fatalf("ListReconciliations failed: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 reconciliation, got %d", len(listed))
	}

	resolved, err := svc.ResolveReconciliation(managerCtx(), rec.ID, "terminal voided by processor")
	if err != nil {
		t.Fatalf("ResolveReconciliation failed: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedBy != "manager" {
		t.Fatalf("unexpected resolution state: %+v", resolved)
	}

	remaining, err := svc.ListReconciliations(managerCtx(), false, 10)
	if err != nil {
		t.Fatalf("ListReconciliations failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected resolved record filtered out, got %d", len(remaining))
	}
}

func TestSetLocationTaxRate(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.SetLocationTaxRate(cashierCtx(), "loc-main", 900); err == nil {
		t.Fatal("expected cashier rate change to be rejected")
	}
	if err := svc.SetLocationTaxRate(managerCtx(), "loc-main", 900); err != nil {
		t.Fatalf("SetLocationTaxRate failed: %v", err)
	}

	tot, err := svc.ComputeTotals(context.Background(), TotalsRequest{Lines: testLines()})
	if err != nil {
		t.Fatalf("ComputeTotals failed: %v", err)
	}
	if tot.TaxCents != 180 {
		t.Fatalf("expected 9%% tax of 180, got %d", tot.TaxCents)
	}
}

func TestUnconfiguredLocationFallsBack(t *testing.T) {
	svc, _ := newTestService(t)

	tot, err := svc.ComputeTotals(context.Background(), TotalsRequest{
		Lines:      testLines(),
		LocationID: "loc-popup",
	})
	if err != nil {
		t.Fatalf("ComputeTotals failed: %v", err)
	}
	// Fallback is 800 bps.
	if tot.TaxCents != 160 {
		t.Fatalf("expected fallback 8%% tax, got %d", tot.TaxCents)
	}
}

var _ store.Repository = (*memory.Store)(nil)
