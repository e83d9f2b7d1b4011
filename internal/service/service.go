package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"salepoint/core/internal/cashsession"
	"salepoint/core/internal/checkout"
	"salepoint/core/internal/domain"
	"salepoint/core/internal/identity"
	"salepoint/core/internal/orderedit"
	"salepoint/core/internal/store"
	"salepoint/core/internal/taxrate"
	"salepoint/core/internal/totals"
	"salepoint/core/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service is the application facade: it owns cross-component policy (role
// gating, defaults, point-balance validation, audit) and delegates the domain
// work to the focused engines underneath it.
type Service struct {
	repo              store.Repository
	resolver          *identity.Resolver
	merger            *identity.MergeEngine
	orchestrator      *checkout.Orchestrator
	ledger            *cashsession.Ledger
	rates             *taxrate.Source
	logger            *zap.Logger
	defaultLocationID string
	defaultRegisterID string
	pointValueCents   int64
}

type Deps struct {
	Repo              store.Repository
	Resolver          *identity.Resolver
	Merger            *identity.MergeEngine
	Orchestrator      *checkout.Orchestrator
	Ledger            *cashsession.Ledger
	Rates             *taxrate.Source
	Logger            *zap.Logger
	DefaultLocationID string
	DefaultRegisterID string
	PointValueCents   int64
}

func New(deps Deps) *Service {
	if deps.DefaultLocationID == "" {
		deps.DefaultLocationID = "loc-main"
	}
	if deps.DefaultRegisterID == "" {
		deps.DefaultRegisterID = "reg-1"
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		repo:              deps.Repo,
		resolver:          deps.Resolver,
		merger:            deps.Merger,
		orchestrator:      deps.Orchestrator,
		ledger:            deps.Ledger,
		rates:             deps.Rates,
		logger:            deps.Logger,
		defaultLocationID: deps.DefaultLocationID,
		defaultRegisterID: deps.DefaultRegisterID,
		pointValueCents:   deps.PointValueCents,
	}
}

// ResolveCustomer returns all candidates for the operator to confirm; it
// never picks one itself, even for an exact hit.
func (s *Service) ResolveCustomer(ctx context.Context, query domain.IdentityQuery) ([]domain.MatchCandidate, error) {
	return s.resolver.Resolve(ctx, query)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (*domain.CustomerRecord, error) {
	return s.repo.GetCustomerByID(ctx, id)
}

func (s *Service) CreateCustomer(ctx context.Context, customer domain.CustomerRecord) (*domain.CustomerRecord, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return nil, fmt.Errorf("authenticated actor required")
	}
	created, err := s.repo.CreateCustomer(ctx, customer)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "customer_create", "customer", created.ID,
		fmt.Sprintf("name=%s %s", created.FirstName, created.LastName))
	return created, nil
}

// MergeCustomers is manager-only and irreversible; the HTTP layer has already
// re-verified the manager PIN by the time this runs.
func (s *Service) MergeCustomers(ctx context.Context, targetID, sourceID string) (domain.CustomerRecord, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "manager" {
		return domain.CustomerRecord{}, fmt.Errorf("manager role required")
	}

	merged, err := s.merger.Merge(ctx, targetID, sourceID)
	if err != nil {
		return domain.CustomerRecord{}, err
	}
	s.logAudit(ctx, "customer_merge", "customer", merged.ID,
		fmt.Sprintf("source=%s,points=%d", sourceID, merged.LoyaltyPoints))
	return merged, nil
}

// TotalsRequest carries a live cart snapshot for recomputation.
type TotalsRequest struct {
	Lines                 []domain.CartLine     `json:"lines"`
	CustomerID            string                `json:"customer_id,omitempty"`
	LoyaltyPointsToRedeem int64                 `json:"loyalty_points_to_redeem,omitempty"`
	Promo                 *domain.PromoDiscount `json:"promo,omitempty"`
	LocationID            string                `json:"location_id,omitempty"`
}

// ComputeTotals prices a cart. Point balance is validated here, against the
// customer record, before the calculator caps the monetary effect.
func (s *Service) ComputeTotals(ctx context.Context, req TotalsRequest) (domain.Totals, error) {
	if err := s.validatePointBalance(ctx, req.CustomerID, req.LoyaltyPointsToRedeem); err != nil {
		return domain.Totals{}, err
	}

	locationID := req.LocationID
	if locationID == "" {
		locationID = s.defaultLocationID
	}
	rate := s.rates.RateFor(ctx, locationID)

	return totals.Compute(totals.Input{
		Lines:                 req.Lines,
		LoyaltyPointsToRedeem: req.LoyaltyPointsToRedeem,
		PointValueCents:       s.pointValueCents,
		Promo:                 req.Promo,
		TaxRate:               rate,
	}), nil
}

// CheckoutRequest is the finalize-sale call from the register.
type CheckoutRequest struct {
	CartID                string                `json:"cart_id"`
	Lines                 []domain.CartLine     `json:"lines"`
	CustomerID            string                `json:"customer_id,omitempty"`
	LoyaltyPointsToRedeem int64                 `json:"loyalty_points_to_redeem,omitempty"`
	Promo                 *domain.PromoDiscount `json:"promo,omitempty"`
	PaymentMethod         string                `json:"payment_method"`
	Split                 *domain.SplitTender   `json:"split,omitempty"`
	LocationID            string                `json:"location_id,omitempty"`
	RegisterID            string                `json:"register_id,omitempty"`
	IdempotencyKey        string                `json:"idempotency_key,omitempty"`
}

func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*domain.SaleReceipt, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return nil, fmt.Errorf("authenticated actor required")
	}
	if err := s.validatePointBalance(ctx, req.CustomerID, req.LoyaltyPointsToRedeem); err != nil {
		return nil, err
	}

	locationID := req.LocationID
	if locationID == "" {
		locationID = s.defaultLocationID
	}
	registerID := req.RegisterID
	if registerID == "" {
		registerID = s.defaultRegisterID
	}
	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = xid.NewIdempotencyKey()
	}

	rate := s.rates.RateFor(ctx, locationID)
	tot := totals.Compute(totals.Input{
		Lines:                 req.Lines,
		LoyaltyPointsToRedeem: req.LoyaltyPointsToRedeem,
		PointValueCents:       s.pointValueCents,
		Promo:                 req.Promo,
		TaxRate:               rate,
	})

	receipt, err := s.orchestrator.Checkout(ctx, checkout.Request{
		CartID:                req.CartID,
		CustomerID:            req.CustomerID,
		LocationID:            locationID,
		RegisterID:            registerID,
		Lines:                 req.Lines,
		Totals:                tot,
		PaymentMethod:         req.PaymentMethod,
		Split:                 req.Split,
		LoyaltyPointsRedeemed: req.LoyaltyPointsToRedeem,
		PointValueCents:       s.pointValueCents,
		Promo:                 req.Promo,
		TaxRate:               rate,
		IdempotencyKey:        idempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if !receipt.Duplicate {
		s.logAudit(ctx, "checkout_commit", "order", receipt.OrderID,
			fmt.Sprintf("method=%s,total=%d", receipt.PaymentMethod, receipt.TotalCents))
	}
	return receipt, nil
}

func (s *Service) LookupCheckoutByIdempotency(ctx context.Context, key string) (*domain.Order, error) {
	return s.repo.FindOrderByIdempotency(ctx, strings.TrimSpace(key))
}

func (s *Service) OpenCashSession(ctx context.Context, registerID string, openingCashCents int64) (*domain.CashSession, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return nil, fmt.Errorf("authenticated actor required")
	}
	registerID = s.registerOrDefault(registerID)
	session, err := s.ledger.Open(ctx, registerID, openingCashCents)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "cash_session_open", "cash_session", session.ID,
		fmt.Sprintf("register=%s,opening=%d", registerID, openingCashCents))
	return session, nil
}

func (s *Service) ActiveCashSession(ctx context.Context, registerID string) (*domain.CashSession, error) {
	return s.ledger.Active(ctx, s.registerOrDefault(registerID))
}

func (s *Service) RecordCashDrop(ctx context.Context, registerID string, amountCents int64) error {
	if _, ok := ActorFromContext(ctx); !ok {
		return fmt.Errorf("authenticated actor required")
	}
	registerID = s.registerOrDefault(registerID)
	if err := s.ledger.RecordDrop(ctx, registerID, amountCents); err != nil {
		return err
	}
	s.logAudit(ctx, "cash_drop", "cash_session", registerID, fmt.Sprintf("amount=%d", amountCents))
	return nil
}

func (s *Service) CloseCashSession(ctx context.Context, registerID string, closingCashCents int64, notes string) (*domain.CashSession, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return nil, fmt.Errorf("authenticated actor required")
	}
	registerID = s.registerOrDefault(registerID)
	session, err := s.ledger.Close(ctx, registerID, closingCashCents, notes)
	if err != nil {
		return nil, err
	}
	variance := int64(0)
	if session.VarianceCents != nil {
		variance = *session.VarianceCents
	}
	s.logAudit(ctx, "cash_session_close", "cash_session", session.ID,
		fmt.Sprintf("register=%s,closing=%d,variance=%d", registerID, closingCashCents, variance))
	return session, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.repo.FindOrderByID(ctx, orderID)
}

// EditOrder applies a post-hoc edit sequence and saves it in one pass.
// Manager-only: edits change money records after the fact.
func (s *Service) EditOrder(ctx context.Context, orderID string, edits []domain.OrderEdit) (*domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "manager" {
		return nil, fmt.Errorf("manager role required")
	}
	if len(edits) == 0 {
		return nil, fmt.Errorf("%w: empty edit sequence", orderedit.ErrInvalidEdit)
	}

	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	session := orderedit.NewSession(*order)
	if err := session.Apply(edits); err != nil {
		return nil, err
	}
	saved, err := session.Save(ctx, s.repo, s.logger)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "order_edit", "order", saved.ID,
		fmt.Sprintf("edits=%d,total=%d", len(edits), saved.TotalCents))
	return saved, nil
}

func (s *Service) ListReconciliations(ctx context.Context, includeResolved bool, limit int) ([]domain.ReconciliationRecord, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "manager" {
		return nil, fmt.Errorf("manager role required")
	}
	return s.repo.ListReconciliations(ctx, includeResolved, limit)
}

func (s *Service) ResolveReconciliation(ctx context.Context, id, notes string) (*domain.ReconciliationRecord, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "manager" {
		return nil, fmt.Errorf("manager role required")
	}
	resolved, err := s.repo.ResolveReconciliation(ctx, id, actor.Username, notes)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "reconciliation_resolve", "reconciliation", id, notes)
	return resolved, nil
}

func (s *Service) SetLocationTaxRate(ctx context.Context, locationID string, rateBps int64) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "manager" {
		return fmt.Errorf("manager role required")
	}
	if err := s.rates.SetRate(ctx, locationID, rateBps); err != nil {
		return err
	}
	s.logAudit(ctx, "tax_rate_set", "location", locationID, fmt.Sprintf("bps=%d", rateBps))
	return nil
}

func (s *Service) validatePointBalance(ctx context.Context, customerID string, points int64) error {
	if points < 0 {
		return fmt.Errorf("loyalty points to redeem cannot be negative")
	}
	if points == 0 {
		return nil
	}
	if customerID == "" {
		return fmt.Errorf("loyalty redemption requires a customer")
	}
	customer, err := s.repo.GetCustomerByID(ctx, customerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("customer %s not found", customerID)
		}
		return err
	}
	if points > customer.LoyaltyPoints {
		return fmt.Errorf("customer has %d points, cannot redeem %d", customer.LoyaltyPoints, points)
	}
	return nil
}

func (s *Service) registerOrDefault(registerID string) string {
	if registerID == "" {
		return s.defaultRegisterID
	}
	return registerID
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}
