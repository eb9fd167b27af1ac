package game

import (
	"time"

	"github.com/shopspring/decimal"
)

type RoundStatus string

const (
	RoundWaiting  RoundStatus = "WAITING"
	RoundStarting RoundStatus = "STARTING"
	RoundRunning  RoundStatus = "RUNNING"
	RoundCrashed  RoundStatus = "CRASHED"
	RoundVoided   RoundStatus = "VOIDED"
)

type BetStatus string

const (
	BetActive    BetStatus = "ACTIVE"
	BetCashedOut BetStatus = "CASHED_OUT"
	BetLost      BetStatus = "LOST"
)

// Round is one complete play of the multiplier game. ServerSeed and
// CrashPoint are never serialized: they reach clients only through the crash
// event, after the round is over.
type Round struct {
	ID                string      `json:"round_id"`
	Nonce             int64       `json:"nonce"`
	ServerSeed        string      `json:"-"`
	ServerSeedHash    string      `json:"server_seed_hash"`
	CrashPoint        float64     `json:"-"`
	Status            RoundStatus `json:"status"`
	CurrentMultiplier float64     `json:"current_multiplier"`
	CreatedAt         time.Time   `json:"created_at"`
	StartedAt         time.Time   `json:"started_at,omitempty"`
	CrashedAt         time.Time   `json:"crashed_at,omitempty"`
}

// Bet is one user's stake in one round. AutoCashOut of zero means the bet is
// manual-only. OperationID keys every balance call for this bet so retries
// against the balance collaborator stay idempotent.
type Bet struct {
	ID                string          `json:"bet_id"`
	RoundID           string          `json:"round_id"`
	UserID            string          `json:"user_id"`
	Asset             string          `json:"asset"`
	Amount            decimal.Decimal `json:"amount"`
	AutoCashOut       float64         `json:"auto_cashout,omitempty"`
	Status            BetStatus       `json:"status"`
	CashOutMultiplier float64         `json:"cashout_multiplier,omitempty"`
	Payout            decimal.Decimal `json:"payout"`
	OperationID       string          `json:"-"`
	PlacedAt          time.Time       `json:"placed_at"`
}

type BetRequest struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	AutoCashOut float64         `json:"auto_cashout,omitempty"`
}

type BetResponse struct {
	Success bool            `json:"success"`
	Reason  string          `json:"reason,omitempty"`
	Message string          `json:"message,omitempty"`
	Bet     *Bet            `json:"bet,omitempty"`
	Balance decimal.Decimal `json:"balance"`
}

type CashOutRequest struct {
	UserID string `json:"user_id"`
}

type CashOutResponse struct {
	Success    bool            `json:"success"`
	Reason     string          `json:"reason,omitempty"`
	Message    string          `json:"message,omitempty"`
	Multiplier float64         `json:"multiplier,omitempty"`
	Payout     decimal.Decimal `json:"payout"`
	Balance    decimal.Decimal `json:"balance"`
}

// Snapshot is the "current game" projection: the round plus every committed
// bet, rebuilt from the ledger on demand.
type Snapshot struct {
	Round Round `json:"round"`
	Bets  []Bet `json:"bets"`
}
