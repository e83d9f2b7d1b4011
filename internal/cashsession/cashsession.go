// Package cashsession manages register drawer accounting periods. Checkout
// records cash movement through the store's atomic commit; this package owns
// the session lifecycle and the manual movements (drops, paid-outs).
package cashsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"salepoint/core/internal/domain"
	"salepoint/core/internal/metrics"
	"salepoint/core/internal/store"
)

var (
	// ErrInvalidAmount rejects zero or negative cash movements.
	ErrInvalidAmount = errors.New("cash amount must be positive")
)

type Ledger struct {
	repo    store.Repository
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewLedger(repo store.Repository, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{repo: repo, logger: logger, metrics: m}
}

// Open starts a session for the register. At most one session per register is
// open at a time; the store enforces it and returns ErrSessionAlreadyOpen.
func (l *Ledger) Open(ctx context.Context, registerID string, openingCashCents int64) (*domain.CashSession, error) {
	if openingCashCents < 0 {
		return nil, ErrInvalidAmount
	}
	session, err := l.repo.CreateCashSession(ctx, domain.CashSession{
		RegisterID:       registerID,
		OpeningCashCents: openingCashCents,
		OpenedAt:         time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("cash session opened",
		zap.String("register_id", registerID),
		zap.String("session_id", session.ID),
		zap.Int64("opening_cents", openingCashCents))
	return session, nil
}

// Active returns the register's open session, or store.ErrNoActiveSession.
func (l *Ledger) Active(ctx context.Context, registerID string) (*domain.CashSession, error) {
	return l.repo.GetActiveCashSession(ctx, registerID)
}

// RecordCashSale adds a cash sale outside the checkout path (checkout itself
// increments the session inside its atomic commit).
func (l *Ledger) RecordCashSale(ctx context.Context, registerID string, amountCents int64) error {
	if amountCents < 1 {
		return ErrInvalidAmount
	}
	return l.repo.AddCashSale(ctx, registerID, amountCents)
}

// RecordDrop removes cash from the drawer to the safe.
func (l *Ledger) RecordDrop(ctx context.Context, registerID string, amountCents int64) error {
	if amountCents < 1 {
		return ErrInvalidAmount
	}
	if err := l.repo.AddCashDrop(ctx, registerID, amountCents); err != nil {
		return err
	}
	l.logger.Info("cash drop recorded",
		zap.String("register_id", registerID),
		zap.Int64("amount_cents", amountCents))
	return nil
}

// Close ends the session with the counted drawer amount. Variance against the
// expected amount is recorded as-is; the ledger reports discrepancies, it
// never papers over them. A closed session is immutable.
func (l *Ledger) Close(ctx context.Context, registerID string, closingCashCents int64, notes string) (*domain.CashSession, error) {
	if closingCashCents < 0 {
		return nil, ErrInvalidAmount
	}
	session, err := l.repo.CloseCashSession(ctx, registerID, closingCashCents, notes, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("close cash session: %w", err)
	}

	variance := int64(0)
	if session.VarianceCents != nil {
		variance = *session.VarianceCents
	}
	if l.metrics != nil {
		abs := variance
		if abs < 0 {
			abs = -abs
		}
		l.metrics.CashSessionVariance.Observe(float64(abs))
	}

	logFn := l.logger.Info
	if variance != 0 {
		logFn = l.logger.Warn
	}
	logFn("cash session closed",
		zap.String("register_id", registerID),
		zap.String("session_id", session.ID),
		zap.Int64("expected_cents", session.ExpectedCents()),
		zap.Int64("counted_cents", closingCashCents),
		zap.Int64("variance_cents", variance))
	return session, nil
}
