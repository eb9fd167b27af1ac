package game

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crashd/internal/balance"
)

// FairSource produces the fairness material for a round. Satisfied by
// fair.Engine.
type FairSource interface {
	NewRound(nonce int64) (serverSeed, serverSeedHash string, crashPoint float64)
}

// Recorder durably records a round at creation, before any bet can target
// it. Without that record a mid-round restart could leave reserved funds
// unaccounted, so a failed record voids the round instead of opening it.
type Recorder interface {
	CreateRound(ctx context.Context, r Round) error
}

// Params are the engine's policy knobs; see config for defaults.
type Params struct {
	Asset         string
	AssetScale    int32
	MinBet        decimal.Decimal
	MaxBet        decimal.Decimal
	TickInterval  time.Duration
	BettingWindow time.Duration
	Countdown     time.Duration
	Cooldown      time.Duration
	GrowthCoeff   float64
	GrowthExp     float64
}

// Manager owns the single authoritative round loop: it advances phases on
// the clock, consults the fairness source once per round, drives the
// auto-cashout sweep every tick and commits the crash. All transitions for a
// round run serially on the loop goroutine; bets and manual cash-outs arrive
// concurrently and meet the loop only at the ledger's commit lock.
type Manager struct {
	params   Params
	fair     FairSource
	balance  balance.Service
	emitter  *Emitter
	recorder Recorder // nil disables persistence
	clock    Clock

	mu     sync.RWMutex
	round  *Round
	ledger *Ledger
	nonce  int64

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewManager(params Params, fairSource FairSource, bal balance.Service, emitter *Emitter, recorder Recorder, clock Clock, startNonce int64) *Manager {
	if clock == nil {
		clock = RealClock()
	}
	return &Manager{
		params:   params,
		fair:     fairSource,
		balance:  bal,
		emitter:  emitter,
		recorder: recorder,
		clock:    clock,
		nonce:    startNonce,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *Manager) Start() {
	go m.loop()
}

// Stop ends the loop. A round in its betting window is voided and all
// reservations released; a RUNNING round is settled at its predetermined
// crash point before the loop exits.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	<-m.done
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.stopChan:
			log.Println("[ROUND] game loop stopped")
			return
		default:
			m.runRound()
		}
	}
}

func (m *Manager) runRound() {
	m.nonce++
	serverSeed, serverSeedHash, crashPoint := m.fair.NewRound(m.nonce)

	round := &Round{
		ID:                uuid.NewString(),
		Nonce:             m.nonce,
		ServerSeed:        serverSeed,
		ServerSeedHash:    serverSeedHash,
		CrashPoint:        crashPoint,
		Status:            RoundWaiting,
		CurrentMultiplier: 1.0,
		CreatedAt:         m.clock.Now(),
	}
	ledger := NewLedger(round.ID, m.params.Asset, m.params.AssetScale, m.balance, m.emitter)

	if m.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.recorder.CreateRound(ctx, *round)
		cancel()
		if err != nil {
			log.Printf("[ROUND] failed to record round %s, skipping: %v", round.ID, err)
			m.wait(m.params.Cooldown)
			return
		}
	}

	m.mu.Lock()
	m.round = round
	m.ledger = ledger
	m.mu.Unlock()

	log.Printf("[ROUND] %s nonce=%d commitment=%s...", round.ID, round.Nonce, serverSeedHash[:16])

	m.emitter.Emit(EventRoundCreated, round.ID, "", RoundCreatedData{
		RoundID:        round.ID,
		Nonce:          round.Nonce,
		ServerSeedHash: serverSeedHash,
		BettingSeconds: m.params.BettingWindow.Seconds(),
	})

	// WAITING: betting open.
	if !m.wait(m.params.BettingWindow) {
		m.voidRound(round, ledger)
		return
	}

	// STARTING: countdown. Late bets are still accepted until RUNNING
	// commits.
	m.setStatus(round, RoundStarting)
	m.emitter.Emit(EventRoundStarting, round.ID, "", RoundStartingData{
		RoundID:          round.ID,
		CountdownSeconds: m.params.Countdown.Seconds(),
	})
	if !m.wait(m.params.Countdown) {
		m.voidRound(round, ledger)
		return
	}

	// RUNNING: the multiplier grows until the predetermined crash point.
	startedAt := m.clock.Now()
	m.mu.Lock()
	round.Status = RoundRunning
	round.StartedAt = startedAt
	m.mu.Unlock()
	ledger.SetRunning()
	m.emitter.Emit(EventRoundRunning, round.ID, "", nil)

	stopping := false
	for {
		if !m.wait(m.params.TickInterval) {
			// Shutdown mid-flight: a started round must still reach its
			// determinate outcome, so fast-forward to the crash.
			stopping = true
		}

		elapsed := m.clock.Now().Sub(startedAt).Seconds()
		multiplier := m.multiplierAt(elapsed)

		if stopping || multiplier >= round.CrashPoint {
			// Targets at or below the crash point fire before the crash
			// commits; the multiplier passed through them on the way up.
			ledger.AutoCashOuts(context.Background(), round.CrashPoint)

			m.mu.Lock()
			round.Status = RoundCrashed
			round.CurrentMultiplier = round.CrashPoint
			round.CrashedAt = m.clock.Now()
			m.mu.Unlock()

			lost := ledger.SettleOnCrash(CrashData{
				RoundID:    round.ID,
				CrashPoint: round.CrashPoint,
				ServerSeed: serverSeed,
				Nonce:      round.Nonce,
			})
			log.Printf("[ROUND] %s crashed at %.2fx (%d bets lost)", round.ID, round.CrashPoint, len(lost))
			break
		}

		m.mu.Lock()
		round.CurrentMultiplier = multiplier
		m.mu.Unlock()

		ledger.AutoCashOuts(context.Background(), multiplier)
		m.emitter.Emit(EventTick, round.ID, "", TickData{Multiplier: multiplier, Elapsed: elapsed})
	}

	m.wait(m.params.Cooldown)
}

// multiplierAt is the growth curve: 1 + coeff * t^exp. Strictly increasing
// in t, so every auto-cashout target below the crash point is crossed before
// the crash.
func (m *Manager) multiplierAt(elapsed float64) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	return 1 + m.params.GrowthCoeff*math.Pow(elapsed, m.params.GrowthExp)
}

func (m *Manager) setStatus(round *Round, status RoundStatus) {
	m.mu.Lock()
	round.Status = status
	m.mu.Unlock()
}

func (m *Manager) voidRound(round *Round, ledger *Ledger) {
	m.setStatus(round, RoundVoided)
	released := ledger.VoidAll(context.Background())
	m.emitter.Emit(EventRoundVoided, round.ID, "", nil)
	log.Printf("[ROUND] %s voided, released %d reservations", round.ID, released)
}

func (m *Manager) wait(d time.Duration) bool {
	select {
	case <-m.clock.After(d):
		return true
	case <-m.stopChan:
		return false
	}
}

// CurrentRound returns a copy of the live round, or nil between rounds.
func (m *Manager) CurrentRound() *Round {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.round == nil {
		return nil
	}
	copied := *m.round
	return &copied
}

// GetSnapshot is the "current game" query: round plus committed bets.
func (m *Manager) GetSnapshot() *Snapshot {
	m.mu.RLock()
	if m.round == nil {
		m.mu.RUnlock()
		return nil
	}
	copied := *m.round
	ledger := m.ledger
	m.mu.RUnlock()
	return &Snapshot{Round: copied, Bets: ledger.Snapshot()}
}

// PlaceBet validates limits and forwards to the current round's ledger.
func (m *Manager) PlaceBet(ctx context.Context, req BetRequest) BetResponse {
	if req.Amount.LessThan(m.params.MinBet) || req.Amount.GreaterThan(m.params.MaxBet) {
		return BetResponse{
			Reason:  "invalid_amount",
			Message: "bet must be between " + m.params.MinBet.String() + " and " + m.params.MaxBet.String(),
		}
	}
	// Amounts finer than the asset scale would debit a truncated stake while
	// paying out on the full one; reject them outright.
	if !req.Amount.Equal(req.Amount.Truncate(m.params.AssetScale)) {
		return BetResponse{
			Reason:  "invalid_amount",
			Message: "amount has more decimal places than the asset supports",
		}
	}
	if req.AutoCashOut != 0 && req.AutoCashOut < 1.0 {
		return BetResponse{Reason: "invalid_auto_cashout", Message: "auto cashout must be at least 1.0"}
	}

	m.mu.RLock()
	ledger := m.ledger
	m.mu.RUnlock()
	if ledger == nil {
		return BetResponse{Reason: "betting_closed", Message: ErrBettingClosed.Error()}
	}

	bet, newBalance, err := ledger.PlaceBet(ctx, req.UserID, req.Amount, req.AutoCashOut)
	if err != nil {
		return BetResponse{Reason: reasonFor(err), Message: err.Error(), Balance: newBalance}
	}
	return BetResponse{Success: true, Bet: &bet, Balance: newBalance}
}

// CashOut services a manual cash-out at the multiplier computed at request
// time.
func (m *Manager) CashOut(ctx context.Context, userID string) CashOutResponse {
	m.mu.RLock()
	round, ledger := m.round, m.ledger
	var startedAt time.Time
	var status RoundStatus
	var crashPoint float64
	if round != nil {
		startedAt = round.StartedAt
		status = round.Status
		crashPoint = round.CrashPoint
	}
	m.mu.RUnlock()

	if round == nil || status != RoundRunning {
		return CashOutResponse{Reason: "round_not_running", Message: ErrRoundNotRunning.Error()}
	}

	multiplier := m.multiplierAt(m.clock.Now().Sub(startedAt).Seconds())
	if multiplier > crashPoint {
		// The round has factually crashed even if the tick has not
		// committed yet; paying out above the crash point is never valid.
		return CashOutResponse{Reason: "already_crashed", Message: ErrAlreadyCrashed.Error()}
	}

	bet, err := ledger.CashOut(ctx, userID, multiplier, false)
	if err != nil {
		return CashOutResponse{Reason: reasonFor(err), Message: err.Error()}
	}

	newBalance, balErr := m.balance.Balance(ctx, userID, m.params.Asset)
	if balErr != nil {
		newBalance = decimal.Zero
	}
	return CashOutResponse{
		Success:    true,
		Multiplier: bet.CashOutMultiplier,
		Payout:     bet.Payout,
		Balance:    newBalance,
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrBettingClosed):
		return "betting_closed"
	case errors.Is(err, ErrDuplicateBet):
		return "duplicate_bet"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrNoActiveBet):
		return "no_active_bet"
	case errors.Is(err, ErrRoundNotRunning):
		return "round_not_running"
	case errors.Is(err, ErrAlreadyCrashed):
		return "already_crashed"
	default:
		return "internal_error"
	}
}
