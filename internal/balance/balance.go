// Package balance is the engine's contract with the wallet. The engine never
// owns ledger bookkeeping; it reserves funds when a bet is placed, settles
// the reservation with a payout on cash-out, and releases it when a round is
// voided. Every call is keyed by an operation id so a duplicated or retried
// request can never double-charge or double-pay.
package balance

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownOperation  = errors.New("unknown operation")
	ErrOperationClosed   = errors.New("operation already closed")
)

type Service interface {
	// Reserve debits amount from the user's balance under opID. Calling it
	// again with the same opID is a no-op returning the current balance.
	Reserve(ctx context.Context, userID, asset string, amount decimal.Decimal, opID string) (decimal.Decimal, error)

	// Settle closes a reservation as a win, crediting payout. The stake
	// itself is not returned; payout already includes it.
	Settle(ctx context.Context, opID string, payout decimal.Decimal) (decimal.Decimal, error)

	// Release closes a reservation by refunding the stake (voided round).
	Release(ctx context.Context, opID string) error

	// ReservedOps lists every operation still in the reserved state. Used by
	// crash recovery: with no round live, any remaining reservation is an
	// orphan whose stake must be returned, even when the bet it belonged to
	// never reached durable storage.
	ReservedOps(ctx context.Context) ([]string, error)

	Balance(ctx context.Context, userID, asset string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, userID, asset string, amount decimal.Decimal) error

	Health() map[string]string
	Close() error
}
