package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"salepoint/core/internal/domain"
)

// SimulatedTerminal approves everything instantly. Used in dev mode and in
// tests; the hooks let a test force declines, delays, or errors per call.
type SimulatedTerminal struct {
	// AuthorizeHook, when set, replaces the default approve-all behavior.
	AuthorizeHook func(ctx context.Context, req domain.PaymentAuthRequest) (domain.PaymentAuthResult, error)
	// Delay is applied before answering, still subject to ctx cancellation.
	Delay time.Duration

	mu        sync.Mutex
	cancelled []string
}

func NewSimulatedTerminal() *SimulatedTerminal {
	return &SimulatedTerminal{}
}

func (s *SimulatedTerminal) Authorize(ctx context.Context, req domain.PaymentAuthRequest) (domain.PaymentAuthResult, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return domain.PaymentAuthResult{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return domain.PaymentAuthResult{}, err
	}
	if s.AuthorizeHook != nil {
		return s.AuthorizeHook(ctx, req)
	}

	txnID := uuid.NewString()
	return domain.PaymentAuthResult{
		AuthorizationCode: fmt.Sprintf("SIM-%s", strings.ToUpper(txnID[:8])),
		TransactionID:     txnID,
		CardType:          "visa",
		CardLast4:         "4242",
	}, nil
}

func (s *SimulatedTerminal) Cancel(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, transactionID)
	return nil
}

// Cancelled reports the transaction ids Cancel has been called with.
func (s *SimulatedTerminal) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}
