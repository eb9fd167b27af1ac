package balance

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

type opState int

const (
	opReserved opState = iota
	opSettled
	opReleased
)

type operation struct {
	userID string
	asset  string
	amount decimal.Decimal
	state  opState
}

// memoryService is a process-local Service with the same idempotency
// semantics as the Redis implementation. Used in tests and when running the
// engine without a wallet backend.
type memoryService struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	ops      map[string]*operation
}

func NewMemory() Service {
	return &memoryService{
		balances: make(map[string]decimal.Decimal),
		ops:      make(map[string]*operation),
	}
}

func memKey(userID, asset string) string { return asset + ":" + userID }

func (s *memoryService) Reserve(ctx context.Context, userID, asset string, amount decimal.Decimal, opID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[opID]; ok {
		return s.balances[memKey(userID, asset)], nil
	}

	key := memKey(userID, asset)
	if s.balances[key].LessThan(amount) {
		return s.balances[key], ErrInsufficientFunds
	}

	s.balances[key] = s.balances[key].Sub(amount)
	s.ops[opID] = &operation{userID: userID, asset: asset, amount: amount, state: opReserved}
	return s.balances[key], nil
}

func (s *memoryService) Settle(ctx context.Context, opID string, payout decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[opID]
	if !ok {
		return decimal.Zero, ErrUnknownOperation
	}
	key := memKey(op.userID, op.asset)
	if op.state == opSettled {
		return s.balances[key], nil
	}
	if op.state != opReserved {
		return decimal.Zero, ErrOperationClosed
	}

	s.balances[key] = s.balances[key].Add(payout)
	op.state = opSettled
	return s.balances[key], nil
}

func (s *memoryService) Release(ctx context.Context, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[opID]
	if !ok {
		return ErrUnknownOperation
	}
	if op.state == opReleased {
		return nil
	}
	if op.state != opReserved {
		return ErrOperationClosed
	}

	key := memKey(op.userID, op.asset)
	s.balances[key] = s.balances[key].Add(op.amount)
	op.state = opReleased
	return nil
}

func (s *memoryService) ReservedOps(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ops []string
	for opID, op := range s.ops {
		if op.state == opReserved {
			ops = append(ops, opID)
		}
	}
	return ops, nil
}

func (s *memoryService) Balance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[memKey(userID, asset)], nil
}

func (s *memoryService) SetBalance(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[memKey(userID, asset)] = amount
	return nil
}

func (s *memoryService) Health() map[string]string {
	return map[string]string{"status": "up", "message": "in-memory balances"}
}

func (s *memoryService) Close() error { return nil }
