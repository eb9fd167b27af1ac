package game

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crashd/internal/balance"
)

var (
	ErrBettingClosed       = errors.New("betting is closed for this round")
	ErrDuplicateBet        = errors.New("user already has an active bet this round")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoActiveBet         = errors.New("no active bet for user in this round")
	ErrRoundNotRunning     = errors.New("round is not running")
	ErrAlreadyCrashed      = errors.New("round has already crashed")
)

// Ledger is the authoritative per-round bet registry. One Ledger exists per
// round and is discarded at rollover.
//
// Concurrency model: the per-(user, round) slot is claimed with a single
// LoadOrStore, so two concurrent bets from one user resolve to exactly one
// winner without any lock. The slow funds reservation then runs outside any
// lock, in parallel across users. mu is the single commit point: every
// status transition, including the crash, happens under it, which is what
// makes "first committed write wins" hold for cash-out vs crash races.
type Ledger struct {
	roundID string
	asset   string
	scale   int32
	balance balance.Service
	emitter *Emitter

	byUser sync.Map // userID -> *Bet

	mu      sync.Mutex
	bets    []*Bet
	open    bool
	running bool
	crashed bool
}

func NewLedger(roundID, asset string, scale int32, bal balance.Service, emitter *Emitter) *Ledger {
	return &Ledger{
		roundID: roundID,
		asset:   asset,
		scale:   scale,
		balance: bal,
		emitter: emitter,
		open:    true,
	}
}

// PlaceBet reserves the user's slot and funds, then commits an ACTIVE bet.
// Funds reservation success is the commit point: a failed reservation leaves
// no trace of the bet.
func (l *Ledger) PlaceBet(ctx context.Context, userID string, amount decimal.Decimal, autoCashOut float64) (Bet, decimal.Decimal, error) {
	l.mu.Lock()
	open := l.open
	l.mu.Unlock()
	if !open {
		return Bet{}, decimal.Zero, ErrBettingClosed
	}

	bet := &Bet{
		ID:          uuid.NewString(),
		RoundID:     l.roundID,
		UserID:      userID,
		Asset:       l.asset,
		Amount:      amount,
		AutoCashOut: autoCashOut,
		Status:      BetActive,
		OperationID: uuid.NewString(),
		PlacedAt:    time.Now(),
	}

	// Atomic slot claim: exactly one concurrent bet per user wins.
	if _, loaded := l.byUser.LoadOrStore(userID, bet); loaded {
		return Bet{}, decimal.Zero, ErrDuplicateBet
	}

	newBalance, err := l.balance.Reserve(ctx, userID, l.asset, amount, bet.OperationID)
	if err != nil {
		l.byUser.Delete(userID)
		if errors.Is(err, balance.ErrInsufficientFunds) {
			return Bet{}, newBalance, ErrInsufficientBalance
		}
		return Bet{}, decimal.Zero, err
	}

	l.mu.Lock()
	if !l.open {
		// Betting closed while we were reserving; undo.
		l.mu.Unlock()
		l.byUser.Delete(userID)
		if releaseErr := l.balance.Release(ctx, bet.OperationID); releaseErr != nil {
			log.Printf("[BET] release after closed window failed op=%s: %v", bet.OperationID, releaseErr)
		}
		return Bet{}, decimal.Zero, ErrBettingClosed
	}
	l.bets = append(l.bets, bet)
	committed := *bet
	l.emitter.Emit(EventBetPlaced, l.roundID, "", BetPlacedData{Bet: committed})
	l.mu.Unlock()

	l.emitter.Emit(EventBalanceChange, l.roundID, userID, BalanceChangeData{
		UserID:  userID,
		Balance: newBalance,
	})

	log.Printf("[BET] user %s placed %s (bet %s)", userID, amount, bet.ID)
	return committed, newBalance, nil
}

// CashOut settles the user's active bet at the given multiplier. The commit
// happens under the ledger lock; if the crash committed first the request
// loses, no matter how close the race was.
func (l *Ledger) CashOut(ctx context.Context, userID string, multiplier float64, auto bool) (Bet, error) {
	l.mu.Lock()
	if l.crashed {
		l.mu.Unlock()
		return Bet{}, ErrAlreadyCrashed
	}
	if !l.running {
		l.mu.Unlock()
		return Bet{}, ErrRoundNotRunning
	}

	v, ok := l.byUser.Load(userID)
	if !ok {
		l.mu.Unlock()
		return Bet{}, ErrNoActiveBet
	}
	bet := v.(*Bet)
	if bet.Status != BetActive {
		l.mu.Unlock()
		return Bet{}, ErrNoActiveBet
	}

	committed := l.commitCashOut(bet, multiplier, auto)
	l.mu.Unlock()

	l.settleFunds(ctx, committed)
	return committed, nil
}

// commitCashOut transitions one ACTIVE bet to CASHED_OUT. Caller holds mu.
func (l *Ledger) commitCashOut(bet *Bet, multiplier float64, auto bool) Bet {
	// Truncation rounds the payout down to the asset's minimum unit.
	payout := bet.Amount.Mul(decimal.NewFromFloat(multiplier)).Truncate(l.scale)

	bet.Status = BetCashedOut
	bet.CashOutMultiplier = multiplier
	bet.Payout = payout

	l.emitter.Emit(EventCashOut, l.roundID, "", CashOutData{
		BetID:      bet.ID,
		UserID:     bet.UserID,
		Multiplier: multiplier,
		Payout:     payout,
		Auto:       auto,
	})
	return *bet
}

// settleFunds credits a committed cash-out. Runs outside the commit lock so a
// slow wallet cannot stall the tick clock; the operation id makes it safe to
// retry.
func (l *Ledger) settleFunds(ctx context.Context, bet Bet) {
	newBalance, err := l.balance.Settle(ctx, bet.OperationID, bet.Payout)
	if err != nil {
		log.Printf("[CASHOUT] settle failed op=%s: %v", bet.OperationID, err)
		return
	}
	l.emitter.Emit(EventBalanceChange, l.roundID, bet.UserID, BalanceChangeData{
		UserID:  bet.UserID,
		Balance: newBalance,
	})
	log.Printf("[CASHOUT] user %s cashed out at %.2fx (payout %s)", bet.UserID, bet.CashOutMultiplier, bet.Payout)
}

// AutoCashOuts settles, in one commit pass, every active bet whose target the
// multiplier has reached. Each bet locks in its own requested target, not the
// tick's multiplier, so payouts are independent of tick granularity.
func (l *Ledger) AutoCashOuts(ctx context.Context, current float64) []Bet {
	l.mu.Lock()
	if l.crashed || !l.running {
		l.mu.Unlock()
		return nil
	}
	var settled []Bet
	for _, bet := range l.bets {
		if bet.Status == BetActive && bet.AutoCashOut > 0 && bet.AutoCashOut <= current {
			settled = append(settled, l.commitCashOut(bet, bet.AutoCashOut, true))
		}
	}
	l.mu.Unlock()

	for _, bet := range settled {
		l.settleFunds(ctx, bet)
	}
	return settled
}

// SettleOnCrash commits the CRASHED transition and sweeps every remaining
// ACTIVE bet to LOST. The crash flag and the sweep share one critical
// section, so no cash-out can interleave; the crash event is emitted last,
// closing the round's stream.
func (l *Ledger) SettleOnCrash(data CrashData) []Bet {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.crashed = true
	l.running = false
	l.open = false

	var lost []Bet
	for _, bet := range l.bets {
		if bet.Status == BetActive {
			bet.Status = BetLost
			bet.Payout = decimal.Zero
			lost = append(lost, *bet)
		}
	}

	l.emitter.Emit(EventCrash, l.roundID, "", data)
	return lost
}

// SetRunning ends the betting window and opens the cash-out window.
// In-flight reservations that commit after this roll back.
func (l *Ledger) SetRunning() {
	l.mu.Lock()
	l.open = false
	l.running = true
	l.mu.Unlock()
}

// VoidAll releases every reservation in the round. Only valid before the
// round is RUNNING.
func (l *Ledger) VoidAll(ctx context.Context) int {
	l.mu.Lock()
	l.open = false
	bets := make([]*Bet, len(l.bets))
	copy(bets, l.bets)
	l.mu.Unlock()

	released := 0
	for _, bet := range bets {
		if bet.Status != BetActive {
			continue
		}
		if err := l.balance.Release(ctx, bet.OperationID); err != nil {
			log.Printf("[ROUND] void release failed op=%s: %v", bet.OperationID, err)
			continue
		}
		released++
	}
	return released
}

// Snapshot returns all committed bets in placement order.
func (l *Ledger) Snapshot() []Bet {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Bet, 0, len(l.bets))
	for _, bet := range l.bets {
		out = append(out, *bet)
	}
	return out
}

// ActiveBet returns the user's bet in this round, if any.
func (l *Ledger) ActiveBet(userID string) (Bet, bool) {
	v, ok := l.byUser.Load(userID)
	if !ok {
		return Bet{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return *v.(*Bet), true
}
