package game

import (
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventRoundCreated  EventType = "round_created"
	EventRoundStarting EventType = "round_starting"
	EventRoundRunning  EventType = "round_running"
	EventTick          EventType = "tick"
	EventBetPlaced     EventType = "bet_placed"
	EventCashOut       EventType = "cashout"
	EventCrash         EventType = "crash"
	EventRoundVoided   EventType = "round_voided"
	EventBalanceChange EventType = "balance_change"
)

// Event is one committed state change. Seq increases in commit order across
// the whole stream, so consumers can rely on bet_placed preceding any later
// cashout for the same bet and crash being the last event of its round.
// UserID is set only on user-scoped events (balance changes).
type Event struct {
	Seq     uint64      `json:"seq"`
	Type    EventType   `json:"type"`
	RoundID string      `json:"round_id,omitempty"`
	UserID  string      `json:"-"`
	Data    interface{} `json:"data,omitempty"`
	At      time.Time   `json:"at"`
}

type RoundCreatedData struct {
	RoundID        string  `json:"round_id"`
	Nonce          int64   `json:"nonce"`
	ServerSeedHash string  `json:"server_seed_hash"`
	BettingSeconds float64 `json:"betting_seconds"`
}

type RoundStartingData struct {
	RoundID          string  `json:"round_id"`
	CountdownSeconds float64 `json:"countdown_seconds"`
}

type TickData struct {
	Multiplier float64 `json:"multiplier"`
	Elapsed    float64 `json:"elapsed"`
}

type BetPlacedData struct {
	Bet Bet `json:"bet"`
}

type CashOutData struct {
	BetID      string          `json:"bet_id"`
	UserID     string          `json:"user_id"`
	Multiplier float64         `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
	Auto       bool            `json:"auto"`
}

// CrashData is the only payload that ever carries the crash point and the
// server seed.
type CrashData struct {
	RoundID    string  `json:"round_id"`
	CrashPoint float64 `json:"crash_point"`
	ServerSeed string  `json:"server_seed"`
	Nonce      int64   `json:"nonce"`
}

type BalanceChangeData struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// Emitter is the broadcast gateway's source: a sequence-stamped fan-out of
// committed state changes. Emit is called inside commit sections, so the
// sequence order is the commit order. Subscribers that fall behind lose
// events rather than stall the game loop.
type Emitter struct {
	mu   sync.Mutex
	seq  uint64
	subs []chan Event
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe returns a channel receiving all events from now on. buf should be
// generous for consumers doing I/O.
func (e *Emitter) Subscribe(buf int) <-chan Event {
	ch := make(chan Event, buf)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

func (e *Emitter) Emit(t EventType, roundID, userID string, data interface{}) {
	e.mu.Lock()
	e.seq++
	ev := Event{
		Seq:     e.seq,
		Type:    t,
		RoundID: roundID,
		UserID:  userID,
		Data:    data,
		At:      time.Now(),
	}
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("[EVENTS] subscriber full, dropping %s seq=%d", t, ev.Seq)
		}
	}
	e.mu.Unlock()
}

// Close ends all subscriber channels.
func (e *Emitter) Close() {
	e.mu.Lock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	e.mu.Unlock()
}
