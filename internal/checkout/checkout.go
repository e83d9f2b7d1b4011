// Package checkout runs the staged checkout sequence: validate, stage,
// authorize payment, commit atomically. Money movement and order persistence
// either both happen or a reconciliation record says why they did not.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"salepoint/core/internal/domain"
	"salepoint/core/internal/metrics"
	"salepoint/core/internal/payment"
	"salepoint/core/internal/store"
	"salepoint/core/internal/totals"
	"salepoint/core/internal/xid"
)

var (
	// ErrValidation covers every precondition failure: bad totals, unknown
	// payment method, split portions that do not sum. Nothing was persisted.
	ErrValidation = errors.New("checkout validation failed")

	// ErrAuthFailed is a definitive card decline. Nothing was persisted.
	ErrAuthFailed = errors.New("payment authorization failed")

	// ErrAuthTimeout means the authorization outcome is unknown. A
	// reconciliation record has been written; the operator must not blind-retry.
	ErrAuthTimeout = errors.New("payment authorization timed out")

	// ErrCommitFailed means payment was authorized but the order write
	// failed. A reconciliation record carries the authorization details.
	ErrCommitFailed = errors.New("sale commit failed after authorization")

	// ErrCheckoutInFlight rejects a concurrent checkout for the same cart.
	ErrCheckoutInFlight = errors.New("checkout already in progress for cart")
)

// Request is everything the orchestrator needs to finalize one cart.
type Request struct {
	CartID                string
	CustomerID            string
	LocationID            string
	RegisterID            string
	Lines                 []domain.CartLine
	Totals                domain.Totals
	PaymentMethod         string
	Split                 *domain.SplitTender
	LoyaltyPointsRedeemed int64
	PointValueCents       int64
	Promo                 *domain.PromoDiscount
	TaxRate               float64
	IdempotencyKey        string
}

// Orchestrator drives a cart through the checkout state machine. One
// instance serves all registers; per-cart exclusivity is enforced in memory,
// with the idempotency key as the cross-process backstop.
type Orchestrator struct {
	repo            store.Repository
	authorizer      payment.Authorizer
	logger          *zap.Logger
	metrics         *metrics.Metrics
	authTimeout     time.Duration
	pointsPerDollar int64

	mu       sync.Mutex
	inFlight map[string]struct{}
}

type Option func(*Orchestrator)

// WithAuthTimeout overrides the default card authorization deadline.
func WithAuthTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.authTimeout = d }
}

// WithLoyaltyEarnRate sets points earned per whole dollar of the final total.
func WithLoyaltyEarnRate(pointsPerDollar int64) Option {
	return func(o *Orchestrator) { o.pointsPerDollar = pointsPerDollar }
}

func NewOrchestrator(repo store.Repository, authorizer payment.Authorizer, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	o := &Orchestrator{
		repo:            repo,
		authorizer:      authorizer,
		logger:          logger,
		metrics:         m,
		authTimeout:     45 * time.Second,
		pointsPerDollar: 1,
		inFlight:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Checkout finalizes the cart. On success the receipt reflects the committed
// order; a Duplicate receipt means this idempotency key already committed and
// no new sale was created.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) (*domain.SaleReceipt, error) {
	if err := o.acquireCart(req.CartID); err != nil {
		return nil, err
	}
	defer o.releaseCart(req.CartID)

	start := time.Now()
	receipt, err := o.run(ctx, req)
	o.metrics.ObserveCheckout(req.PaymentMethod, outcomeLabel(err), time.Since(start))
	return receipt, err
}

func (o *Orchestrator) run(ctx context.Context, req Request) (*domain.SaleReceipt, error) {
	f := newFlow(req.CartID)

	if err := o.validate(req); err != nil {
		f.to(StateFailed)
		return nil, err
	}

	// Committed duplicate: return the original receipt, charge nothing.
	if existing, err := o.repo.FindOrderByIdempotency(ctx, req.IdempotencyKey); err == nil {
		o.logger.Info("checkout replayed from idempotency key",
			zap.String("cart_id", req.CartID),
			zap.String("order_id", existing.ID))
		return receiptFromOrder(existing, 0, true), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	pending := o.stage(req)
	f.to(StateStaged)

	cashCents, cardCents := tenderSplit(req)
	var auth domain.PaymentAuthResult
	if cardCents > 0 {
		f.to(StateAuthorizing)
		var err error
		auth, err = o.authorize(ctx, pending, cardCents)
		if err != nil {
			if errors.Is(err, ErrAuthTimeout) {
				f.to(StateUnknown)
			} else {
				f.to(StateFailed)
			}
			return nil, err
		}
	}

	order := orderFromPending(pending, auth)
	pointsEarned := o.pointsEarned(req)

	committed, err := o.repo.CommitSale(ctx, store.SaleCommit{
		Order:                 order,
		LoyaltyPointsRedeemed: req.LoyaltyPointsRedeemed,
		LoyaltyPointsEarned:   pointsEarned,
		CashAmountCents:       cashCents,
	})
	if err != nil {
		f.to(StateFailed)
		return nil, o.failCommit(ctx, pending, auth, cardCents, err)
	}
	f.to(StateCommitted)

	o.logger.Info("checkout committed",
		zap.String("cart_id", req.CartID),
		zap.String("order_id", committed.ID),
		zap.String("method", req.PaymentMethod),
		zap.Int64("total_cents", committed.TotalCents))
	return receiptFromOrder(committed, pointsEarned, false), nil
}

// validate rejects the request before any external call. Totals are
// recomputed from the lines and must match what the register displayed.
func (o *Orchestrator) validate(req Request) error {
	if req.CartID == "" || req.RegisterID == "" || req.LocationID == "" {
		return fmt.Errorf("%w: missing cart, register, or location id", ErrValidation)
	}
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: missing idempotency key", ErrValidation)
	}
	if len(activeLines(req.Lines)) == 0 {
		return fmt.Errorf("%w: cart has no active lines", ErrValidation)
	}

	recomputed := totals.Compute(totals.Input{
		Lines:                 req.Lines,
		LoyaltyPointsToRedeem: req.LoyaltyPointsRedeemed,
		PointValueCents:       req.PointValueCents,
		Promo:                 req.Promo,
		TaxRate:               req.TaxRate,
	})
	if recomputed != req.Totals {
		return fmt.Errorf("%w: totals mismatch (register %d, recomputed %d)",
			ErrValidation, req.Totals.TotalCents, recomputed.TotalCents)
	}

	switch req.PaymentMethod {
	case domain.PaymentMethodCash, domain.PaymentMethodCard:
		if req.Split != nil {
			return fmt.Errorf("%w: split tender given for %s payment", ErrValidation, req.PaymentMethod)
		}
	case domain.PaymentMethodSplit:
		if req.Split == nil {
			return fmt.Errorf("%w: split payment without tender breakdown", ErrValidation)
		}
		if req.Split.CashCents < 0 || req.Split.CardCents < 0 {
			return fmt.Errorf("%w: negative tender portion", ErrValidation)
		}
		diff := req.Split.CashCents + req.Split.CardCents - req.Totals.TotalCents
		if diff < -1 || diff > 1 {
			return fmt.Errorf("%w: split portions sum to %d, total is %d",
				ErrValidation, req.Split.CashCents+req.Split.CardCents, req.Totals.TotalCents)
		}
	default:
		return fmt.Errorf("%w: unknown payment method %q", ErrValidation, req.PaymentMethod)
	}
	return nil
}

func (o *Orchestrator) stage(req Request) domain.PendingOrder {
	return domain.PendingOrder{
		ID:             xid.New("pend"),
		CustomerID:     req.CustomerID,
		LocationID:     req.LocationID,
		RegisterID:     req.RegisterID,
		Items:          orderLines(req),
		Totals:         req.Totals,
		PaymentMethod:  req.PaymentMethod,
		Split:          req.Split,
		IdempotencyKey: req.IdempotencyKey,
		StagedAt:       time.Now().UTC(),
	}
}

// authorize runs the card authorization under its own deadline. A decline is
// definitive and persists nothing. A deadline expiry is ambiguous: the
// reconciliation record is written before the error returns, and a
// best-effort cancel is sent so an orphaned hold gets released.
func (o *Orchestrator) authorize(ctx context.Context, pending domain.PendingOrder, cardCents int64) (domain.PaymentAuthResult, error) {
	authCtx, cancel := context.WithTimeout(ctx, o.authTimeout)
	defer cancel()

	auth, err := o.authorizer.Authorize(authCtx, domain.PaymentAuthRequest{
		AmountCents: cardCents,
		Method:      domain.PaymentMethodCard,
		LocationID:  pending.LocationID,
		RegisterID:  pending.RegisterID,
	})
	if err == nil {
		return auth, nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		o.metrics.AuthTimeouts.Inc()
		o.recordReconciliation(pending, domain.ReconciliationAuthTimeout, cardCents, domain.PaymentAuthResult{},
			"authorization outcome unknown after timeout; do not blind-retry")
		o.logger.Error("card authorization timed out",
			zap.String("cart_idempotency_key", pending.IdempotencyKey),
			zap.String("register_id", pending.RegisterID),
			zap.Int64("amount_cents", cardCents))
		go o.cancelOrphan(pending.IdempotencyKey)
		return domain.PaymentAuthResult{}, ErrAuthTimeout
	}

	if errors.Is(err, payment.ErrDeclined) {
		o.logger.Warn("card declined",
			zap.String("register_id", pending.RegisterID),
			zap.Int64("amount_cents", cardCents))
		return domain.PaymentAuthResult{}, fmt.Errorf("%w: declined", ErrAuthFailed)
	}

	o.logger.Error("card authorization errored",
		zap.String("register_id", pending.RegisterID),
		zap.Error(err))
	return domain.PaymentAuthResult{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
}

// cancelOrphan tells the terminal to void whatever the timed-out request may
// have authorized. The terminal bridge matches on its own request dedupe, so
// the idempotency key is the best reference available.
func (o *Orchestrator) cancelOrphan(idempotencyKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.authorizer.Cancel(ctx, idempotencyKey); err != nil {
		o.logger.Warn("orphan authorization cancel failed", zap.Error(err))
	}
}

// failCommit handles the worst case: money authorized, order not written.
func (o *Orchestrator) failCommit(ctx context.Context, pending domain.PendingOrder, auth domain.PaymentAuthResult, cardCents int64, commitErr error) error {
	// The atomic commit rolled everything back; only card money is at risk.
	if cardCents > 0 {
		o.recordReconciliation(pending, domain.ReconciliationCommitFailed, cardCents, auth,
			fmt.Sprintf("commit failed after authorization: %v", commitErr))
	}
	o.logger.Error("sale commit failed",
		zap.String("cart_idempotency_key", pending.IdempotencyKey),
		zap.String("authorization_code", auth.AuthorizationCode),
		zap.Int64("card_cents", cardCents),
		zap.Error(commitErr))
	if errors.Is(commitErr, store.ErrInsufficientStock) ||
		errors.Is(commitErr, store.ErrNoActiveSession) ||
		errors.Is(commitErr, store.ErrInvalidRecord) {
		if cardCents == 0 {
			// Cash-only commits fail cleanly; surface the precondition.
			return fmt.Errorf("%w: %v", ErrValidation, commitErr)
		}
	}
	return fmt.Errorf("%w: %v", ErrCommitFailed, commitErr)
}

func (o *Orchestrator) recordReconciliation(pending domain.PendingOrder, reason string, amountCents int64, auth domain.PaymentAuthResult, detail string) {
	// Written on a background context: the checkout ctx may already be dead,
	// and losing the reconciliation record is worse than an extra write.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := o.repo.CreateReconciliation(ctx, domain.ReconciliationRecord{
		Reason:               reason,
		RegisterID:           pending.RegisterID,
		AmountCents:          amountCents,
		AuthorizationCode:    auth.AuthorizationCode,
		PaymentTransactionID: auth.TransactionID,
		IdempotencyKey:       pending.IdempotencyKey,
		Detail:               detail,
	})
	if err != nil {
		o.logger.Error("failed to write reconciliation record",
			zap.String("reason", reason),
			zap.String("idempotency_key", pending.IdempotencyKey),
			zap.Error(err))
		return
	}
	o.metrics.ReconciliationsCreated.WithLabelValues(reason).Inc()
}

func (o *Orchestrator) pointsEarned(req Request) int64 {
	if req.CustomerID == "" || o.pointsPerDollar < 1 {
		return 0
	}
	return (req.Totals.TotalCents / 100) * o.pointsPerDollar
}

func (o *Orchestrator) acquireCart(cartID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[cartID]; busy {
		return fmt.Errorf("%w: %s", ErrCheckoutInFlight, cartID)
	}
	o.inFlight[cartID] = struct{}{}
	return nil
}

func (o *Orchestrator) releaseCart(cartID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, cartID)
}

func tenderSplit(req Request) (cashCents, cardCents int64) {
	switch req.PaymentMethod {
	case domain.PaymentMethodCash:
		return req.Totals.TotalCents, 0
	case domain.PaymentMethodCard:
		return 0, req.Totals.TotalCents
	case domain.PaymentMethodSplit:
		return req.Split.CashCents, req.Split.CardCents
	}
	return 0, 0
}

func activeLines(lines []domain.CartLine) []domain.CartLine {
	active := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		if !line.Removed && line.Quantity > 0 {
			active = append(active, line)
		}
	}
	return active
}

func orderLines(req Request) []domain.OrderLine {
	lines := activeLines(req.Lines)
	items := make([]domain.OrderLine, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.OrderLine{
			ProductID:             line.ProductID,
			Name:                  line.Name,
			UnitPriceCents:        line.UnitPriceCents,
			Quantity:              line.Quantity,
			TierLabel:             line.TierLabel,
			ManualDiscountPercent: line.ManualDiscountPercent,
			ManualDiscountCents:   line.ManualDiscountCents,
			LocationID:            req.LocationID,
		})
	}
	return items
}

func orderFromPending(pending domain.PendingOrder, auth domain.PaymentAuthResult) domain.Order {
	return domain.Order{
		CustomerID:           pending.CustomerID,
		LocationID:           pending.LocationID,
		RegisterID:           pending.RegisterID,
		Items:                pending.Items,
		SubtotalCents:        pending.Totals.SubtotalCents,
		LoyaltyDiscountCents: pending.Totals.LoyaltyDiscountCents,
		PromoDiscountCents:   pending.Totals.PromoDiscountCents,
		TaxCents:             pending.Totals.TaxCents,
		TotalCents:           pending.Totals.TotalCents,
		PaymentMethod:        pending.PaymentMethod,
		PaymentStatus:        domain.PaymentStatusPaid,
		Split:                pending.Split,
		AuthorizationCode:    auth.AuthorizationCode,
		PaymentTransactionID: auth.TransactionID,
		CardType:             auth.CardType,
		CardLast4:            auth.CardLast4,
		IdempotencyKey:       pending.IdempotencyKey,
	}
}

func receiptFromOrder(order *domain.Order, pointsEarned int64, duplicate bool) *domain.SaleReceipt {
	return &domain.SaleReceipt{
		OrderID:              order.ID,
		CustomerID:           order.CustomerID,
		SubtotalCents:        order.SubtotalCents,
		LoyaltyDiscountCents: order.LoyaltyDiscountCents,
		PromoDiscountCents:   order.PromoDiscountCents,
		TaxCents:             order.TaxCents,
		TotalCents:           order.TotalCents,
		PaymentMethod:        order.PaymentMethod,
		AuthorizationCode:    order.AuthorizationCode,
		CardType:             order.CardType,
		CardLast4:            order.CardLast4,
		LoyaltyPointsEarned:  pointsEarned,
		Duplicate:            duplicate,
		CreatedAt:            order.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, ErrValidation):
		return "rejected"
	case errors.Is(err, ErrAuthFailed):
		return "declined"
	case errors.Is(err, ErrAuthTimeout):
		return "auth_timeout"
	case errors.Is(err, ErrCommitFailed):
		return "commit_failed"
	case errors.Is(err, ErrCheckoutInFlight):
		return "in_flight"
	default:
		return "error"
	}
}
