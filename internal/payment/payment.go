// Package payment abstracts the card authorization collaborator. The core
// treats authorization as a black box: it sends an amount, and gets back
// either an approval with an authorization code, a decline, or an error.
package payment

import (
	"context"
	"errors"

	"salepoint/core/internal/domain"
)

var (
	// ErrDeclined is a definitive refusal from the processor. Nothing was
	// charged and nothing needs reconciliation.
	ErrDeclined = errors.New("payment declined")

	// ErrTerminalUnavailable means the terminal could not be reached (or its
	// circuit is open). The outcome is known: no authorization happened.
	ErrTerminalUnavailable = errors.New("payment terminal unavailable")
)

// Authorizer authorizes the card portion of a sale. Authorize must honor ctx
// cancellation; a ctx deadline error means the outcome is UNKNOWN to the
// caller, which is why Cancel exists as a best-effort follow-up.
type Authorizer interface {
	Authorize(ctx context.Context, req domain.PaymentAuthRequest) (domain.PaymentAuthResult, error)
	Cancel(ctx context.Context, transactionID string) error
}
