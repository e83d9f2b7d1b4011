package identity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"salepoint/core/internal/domain"
	"salepoint/core/internal/identity"
	"salepoint/core/internal/store"
	"salepoint/core/internal/store/memory"
)

func seedOrderFor(t *testing.T, repo *memory.Store, customerID string) domain.Order {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.SetStock(ctx, "loc-main", "prod-1", 100))

	order, err := repo.CommitSale(ctx, store.SaleCommit{
		Order: domain.Order{
			CustomerID:     customerID,
			LocationID:     "loc-main",
			RegisterID:     "reg-1",
			Items:          []domain.OrderLine{{ProductID: "prod-1", UnitPriceCents: 1000, Quantity: 1, LocationID: "loc-main"}},
			SubtotalCents:  1000,
			TotalCents:     1000,
			PaymentMethod:  domain.PaymentMethodCard,
			PaymentStatus:  domain.PaymentStatusPaid,
			IdempotencyKey: "idem-" + customerID + "-" + t.Name(),
		},
	})
	require.NoError(t, err)
	return *order
}

func TestMergeConservesPointsAndMovesOrders(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	target := seedCustomer(t, repo, domain.CustomerRecord{
		FirstName: "Ana", LastName: "Martinez", LoyaltyPoints: 300, Email: "ana@example.com",
	})
	source := seedCustomer(t, repo, domain.CustomerRecord{
		FirstName: "Ana", LastName: "Martinez", LoyaltyPoints: 200,
		Phone: "5550101", LicenseNumber: "D1234567", DateOfBirth: mustDate(t, "1988-04-12"),
	})
	order := seedOrderFor(t, repo, source.ID)

	engine := identity.NewMergeEngine(repo, zap.NewNop())
	merged, err := engine.Merge(ctx, target.ID, source.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(500), merged.LoyaltyPoints)
	assert.Equal(t, "ana@example.com", merged.Email)
	assert.Equal(t, "5550101", merged.Phone)
	assert.Equal(t, "D1234567", merged.LicenseNumber)
	require.NotNil(t, merged.DateOfBirth)

	moved, err := repo.FindOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, target.ID, moved.CustomerID)

	_, err = repo.GetCustomerByID(ctx, source.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMergeTargetContactWins(t *testing.T) {
	repo := memory.New()

	target := seedCustomer(t, repo, domain.CustomerRecord{
		FirstName: "Ben", LastName: "Okafor", Email: "keep@example.com", Phone: "5550001",
	})
	source := seedCustomer(t, repo, domain.CustomerRecord{
		FirstName: "Ben", LastName: "Okafor", Email: "drop@example.com", Phone: "5559999",
	})

	engine := identity.NewMergeEngine(repo, zap.NewNop())
	merged, err := engine.Merge(context.Background(), target.ID, source.ID)
	require.NoError(t, err)

	assert.Equal(t, "keep@example.com", merged.Email)
	assert.Equal(t, "5550001", merged.Phone)
}

func TestMergeRejectsInvalidTargets(t *testing.T) {
	repo := memory.New()
	existing := seedCustomer(t, repo, domain.CustomerRecord{FirstName: "Ana", LastName: "Martinez"})
	engine := identity.NewMergeEngine(repo, zap.NewNop())
	ctx := context.Background()

	_, err := engine.Merge(ctx, existing.ID, existing.ID)
	assert.ErrorIs(t, err, identity.ErrInvalidMergeTargets)

	_, err = engine.Merge(ctx, existing.ID, "cust-missing")
	assert.ErrorIs(t, err, identity.ErrInvalidMergeTargets)

	_, err = engine.Merge(ctx, "cust-missing", existing.ID)
	assert.ErrorIs(t, err, identity.ErrInvalidMergeTargets)
}

type failingReassignRepo struct {
	*memory.Store
	err error
}

func (r *failingReassignRepo) ReassignOrders(ctx context.Context, from, to string) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	return r.Store.ReassignOrders(ctx, from, to)
}

func TestMergePartialFailureRetainsSource(t *testing.T) {
	inner := memory.New()
	repo := &failingReassignRepo{Store: inner, err: errors.New("write conflict")}
	ctx := context.Background()

	target := seedCustomer(t, inner, domain.CustomerRecord{FirstName: "Ana", LastName: "Martinez"})
	source := seedCustomer(t, inner, domain.CustomerRecord{FirstName: "Ana", LastName: "Martinez"})
	order := seedOrderFor(t, inner, source.ID)

	engine := identity.NewMergeEngine(repo, zap.NewNop())
	_, err := engine.Merge(ctx, target.ID, source.ID)
	require.ErrorIs(t, err, identity.ErrMergePartialFailure)

	// Source must survive so its orders are never orphaned.
	kept, err := inner.GetCustomerByID(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, source.ID, kept.ID)

	unmoved, err := inner.FindOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, source.ID, unmoved.CustomerID)
}

func TestMergePartialFailureLeavesBalancesIntact(t *testing.T) {
	inner := memory.New()
	repo := &failingReassignRepo{Store: inner, err: errors.New("write conflict")}
	ctx := context.Background()

	target := seedCustomer(t, inner, domain.CustomerRecord{
		FirstName: "Ana", LastName: "Martinez", LoyaltyPoints: 300,
	})
	source := seedCustomer(t, inner, domain.CustomerRecord{
		FirstName: "Ana", LastName: "Martinez", LoyaltyPoints: 200, Phone: "5550101",
	})
	seedOrderFor(t, inner, source.ID)

	engine := identity.NewMergeEngine(repo, zap.NewNop())
	_, err := engine.Merge(ctx, target.ID, source.ID)
	require.ErrorIs(t, err, identity.ErrMergePartialFailure)

	// Neither record may change on a failed merge: the target keeps its own
	// balance and contact fields, the source keeps everything.
	keptTarget, err := inner.GetCustomerByID(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), keptTarget.LoyaltyPoints)
	assert.Empty(t, keptTarget.Phone)

	keptSource, err := inner.GetCustomerByID(ctx, source.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), keptSource.LoyaltyPoints)

	// A retry after the fault clears must conserve points: 300 + 200, once.
	repo.err = nil
	merged, err := engine.Merge(ctx, target.ID, source.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), merged.LoyaltyPoints)
}

type shortReassignRepo struct {
	*memory.Store
}

func (r *shortReassignRepo) ReassignOrders(context.Context, string, string) (int, error) {
	return 0, nil
}

func TestMergeIncompleteReassignmentRetainsSource(t *testing.T) {
	inner := memory.New()
	repo := &shortReassignRepo{Store: inner}
	ctx := context.Background()

	target := seedCustomer(t, inner, domain.CustomerRecord{FirstName: "Ana", LastName: "Martinez"})
	source := seedCustomer(t, inner, domain.CustomerRecord{FirstName: "Ana", LastName: "Martinez"})
	seedOrderFor(t, inner, source.ID)

	engine := identity.NewMergeEngine(repo, zap.NewNop())
	_, err := engine.Merge(ctx, target.ID, source.ID)
	require.ErrorIs(t, err, identity.ErrMergePartialFailure)

	_, err = inner.GetCustomerByID(ctx, source.ID)
	assert.NoError(t, err)
}
