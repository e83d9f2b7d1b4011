package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"salepoint/core/internal/domain"
)

// TerminalClient talks to a payment terminal bridge over HTTP. A circuit
// breaker sits in front of it so a dead terminal fails fast instead of
// stalling every checkout for the full timeout.
type TerminalClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[domain.PaymentAuthResult]
	logger  *zap.Logger
}

func NewTerminalClient(baseURL string, timeout time.Duration, logger *zap.Logger) *TerminalClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	tc := &TerminalClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
	tc.breaker = gobreaker.NewCircuitBreaker[domain.PaymentAuthResult](gobreaker.Settings{
		Name:        "payment-terminal",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("payment terminal circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return tc
}

type terminalAuthResponse struct {
	Status            string `json:"status"`
	AuthorizationCode string `json:"authorization_code"`
	TransactionID     string `json:"transaction_id"`
	CardType          string `json:"card_type"`
	CardLast4         string `json:"card_last4"`
}

func (c *TerminalClient) Authorize(ctx context.Context, req domain.PaymentAuthRequest) (domain.PaymentAuthResult, error) {
	result, err := c.breaker.Execute(func() (domain.PaymentAuthResult, error) {
		return c.authorize(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return domain.PaymentAuthResult{}, fmt.Errorf("%w: %v", ErrTerminalUnavailable, err)
		}
		return domain.PaymentAuthResult{}, err
	}
	return result, nil
}

func (c *TerminalClient) authorize(ctx context.Context, req domain.PaymentAuthRequest) (domain.PaymentAuthResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.PaymentAuthResult{}, fmt.Errorf("encode auth request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/authorize", bytes.NewReader(body))
	if err != nil {
		return domain.PaymentAuthResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// The terminal bridge deduplicates retried requests on this key.
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return domain.PaymentAuthResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		return domain.PaymentAuthResult{}, ErrDeclined
	default:
		return domain.PaymentAuthResult{}, fmt.Errorf("terminal returned status %d", resp.StatusCode)
	}

	var parsed terminalAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.PaymentAuthResult{}, fmt.Errorf("decode auth response: %w", err)
	}
	if parsed.Status != "approved" {
		return domain.PaymentAuthResult{}, ErrDeclined
	}

	return domain.PaymentAuthResult{
		AuthorizationCode: parsed.AuthorizationCode,
		TransactionID:     parsed.TransactionID,
		CardType:          parsed.CardType,
		CardLast4:         parsed.CardLast4,
	}, nil
}

// Cancel asks the bridge to void an authorization whose outcome the caller
// never observed. Best effort: the reconciliation record is the authoritative
// follow-up either way.
func (c *TerminalClient) Cancel(ctx context.Context, transactionID string) error {
	body, err := json.Marshal(map[string]string{"transaction_id": transactionID})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/cancel", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("terminal cancel returned status %d", resp.StatusCode)
	}
	return nil
}
