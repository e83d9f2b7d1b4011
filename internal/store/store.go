package store

import (
	"context"
	"errors"
	"time"

	"salepoint/core/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidRecord      = errors.New("invalid record")
	ErrSessionAlreadyOpen = errors.New("cash session already open")
	ErrNoActiveSession    = errors.New("no active cash session")
	ErrInsufficientStock  = errors.New("insufficient stock")
)

// SaleCommit is the unit of the atomic commit step: the completed order plus
// every side effect that must land with it (loyalty point movement, inventory
// decrement, cash drawer increment). The store applies it all-or-nothing.
type SaleCommit struct {
	Order                 domain.Order
	LoyaltyPointsRedeemed int64
	LoyaltyPointsEarned   int64
	CashAmountCents       int64
}

type Repository interface {
	// Customers. Reads used by the identity resolver; writes serialized per
	// customer id by the callers.
	GetCustomerByID(ctx context.Context, id string) (*domain.CustomerRecord, error)
	FindCustomerByLicense(ctx context.Context, licenseNumber string) (*domain.CustomerRecord, error)
	FindCustomersByNameDOB(ctx context.Context, firstName, lastName string, dob time.Time) ([]domain.CustomerRecord, error)
	ListCustomersByDOB(ctx context.Context, dob time.Time) ([]domain.CustomerRecord, error)
	CreateCustomer(ctx context.Context, customer domain.CustomerRecord) (*domain.CustomerRecord, error)
	UpdateCustomer(ctx context.Context, customer domain.CustomerRecord) (*domain.CustomerRecord, error)
	DeleteCustomer(ctx context.Context, id string) error

	// Orders.
	FindOrderByID(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error)
	ListOrdersByCustomer(ctx context.Context, customerID string) ([]domain.Order, error)
	CountOrdersByCustomer(ctx context.Context, customerID string) (int, error)
	ReassignOrders(ctx context.Context, fromCustomerID, toCustomerID string) (int, error)
	CommitSale(ctx context.Context, commit SaleCommit) (*domain.Order, error)
	SaveOrderEdits(ctx context.Context, order domain.Order, aggregates []domain.LocationAggregate) (*domain.Order, error)
	GetLocationAggregates(ctx context.Context, orderID string) ([]domain.LocationAggregate, error)

	// Cash sessions. Increments are atomic relative to close.
	CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetActiveCashSession(ctx context.Context, registerID string) (*domain.CashSession, error)
	AddCashSale(ctx context.Context, registerID string, amountCents int64) error
	AddCashDrop(ctx context.Context, registerID string, amountCents int64) error
	CloseCashSession(ctx context.Context, registerID string, closingCashCents int64, notes string, closedAt time.Time) (*domain.CashSession, error)

	// Inventory, tracked per fulfillment location. CommitSale decrements
	// atomically with the order write.
	SetStock(ctx context.Context, locationID, productID string, qty int) error
	GetStockMap(ctx context.Context, locationID string, productIDs []string) (map[string]int, error)

	// Location tax configuration, basis points. ErrNotFound when a location
	// has no configured rate; callers fall back and log.
	GetLocationTaxRateBps(ctx context.Context, locationID string) (int64, error)
	SetLocationTaxRateBps(ctx context.Context, locationID string, rateBps int64) error

	// Reconciliation queue for ambiguous payment outcomes.
	CreateReconciliation(ctx context.Context, rec domain.ReconciliationRecord) (*domain.ReconciliationRecord, error)
	ListReconciliations(ctx context.Context, includeResolved bool, limit int) ([]domain.ReconciliationRecord, error)
	ResolveReconciliation(ctx context.Context, id, resolvedBy, notes string) (*domain.ReconciliationRecord, error)

	// Audit trail.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditLog, error)

	// Auth accounts.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username, password string) error
}
