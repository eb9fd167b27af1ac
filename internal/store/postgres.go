// Package store is the durable archive of rounds and bets. It exists for
// three reasons: the verify endpoint needs past seeds, the recent-bets query
// needs settled bets, and crash recovery needs to know which reservations a
// dead process left behind. It consumes the committed event stream
// asynchronously, so a slow database never sits on the game loop's commit
// path; only round creation is written synchronously, because a round
// without a durable fairness record must not accept bets.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crashd/internal/balance"
	"crashd/internal/game"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// RoundRecord mirrors a rounds row. ServerSeed must only leave the server
// for rounds in a terminal status.
type RoundRecord struct {
	ID             string     `json:"round_id"`
	Nonce          int64      `json:"nonce"`
	ServerSeed     string     `json:"server_seed"`
	ServerSeedHash string     `json:"server_seed_hash"`
	CrashPoint     float64    `json:"crash_point"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CrashedAt      *time.Time `json:"crashed_at,omitempty"`
}

type BetRecord struct {
	ID                string          `json:"bet_id"`
	RoundID           string          `json:"round_id"`
	UserID            string          `json:"user_id"`
	Asset             string          `json:"asset"`
	Amount            decimal.Decimal `json:"amount"`
	AutoCashOut       float64         `json:"auto_cashout,omitempty"`
	Status            string          `json:"status"`
	CashOutMultiplier float64         `json:"cashout_multiplier,omitempty"`
	Payout            decimal.Decimal `json:"payout"`
	PlacedAt          time.Time       `json:"placed_at"`
}

// CreateRound records the fairness material before the round opens. Satisfies
// game.Recorder.
func (s *Store) CreateRound(ctx context.Context, r game.Round) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rounds (id, nonce, server_seed, server_seed_hash, crash_point, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.Nonce, r.ServerSeed, r.ServerSeedHash, r.CrashPoint, string(r.Status), r.CreatedAt)
	return err
}

// Consume applies the event stream to the archive. Runs until the channel
// closes; individual write failures are logged and skipped so the projection
// can never stall the engine.
func (s *Store) Consume(events <-chan game.Event) {
	for ev := range events {
		if err := s.apply(ev); err != nil {
			log.Printf("[STORE] apply %s seq=%d: %v", ev.Type, ev.Seq, err)
		}
	}
}

func (s *Store) apply(ev game.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch ev.Type {
	case game.EventRoundStarting:
		_, err := s.pool.Exec(ctx, `UPDATE rounds SET status = 'STARTING' WHERE id = $1`, ev.RoundID)
		return err

	case game.EventRoundRunning:
		_, err := s.pool.Exec(ctx,
			`UPDATE rounds SET status = 'RUNNING', started_at = $2 WHERE id = $1`, ev.RoundID, ev.At)
		return err

	case game.EventBetPlaced:
		data, ok := ev.Data.(game.BetPlacedData)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Data)
		}
		bet := data.Bet
		_, err := s.pool.Exec(ctx, `
			INSERT INTO bets (id, round_id, user_id, asset, amount, auto_cashout, status, payout, operation_id, placed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)`,
			bet.ID, bet.RoundID, bet.UserID, bet.Asset, bet.Amount.String(),
			bet.AutoCashOut, string(bet.Status), bet.OperationID, bet.PlacedAt)
		return err

	case game.EventCashOut:
		data, ok := ev.Data.(game.CashOutData)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Data)
		}
		_, err := s.pool.Exec(ctx, `
			UPDATE bets SET status = 'CASHED_OUT', cashout_multiplier = $2, payout = $3 WHERE id = $1`,
			data.BetID, data.Multiplier, data.Payout.String())
		return err

	case game.EventCrash:
		if _, err := s.pool.Exec(ctx,
			`UPDATE rounds SET status = 'CRASHED', crashed_at = $2 WHERE id = $1`, ev.RoundID, ev.At); err != nil {
			return err
		}
		_, err := s.pool.Exec(ctx,
			`UPDATE bets SET status = 'LOST', payout = 0 WHERE round_id = $1 AND status = 'ACTIVE'`, ev.RoundID)
		return err

	case game.EventRoundVoided:
		if _, err := s.pool.Exec(ctx,
			`UPDATE rounds SET status = 'VOIDED' WHERE id = $1`, ev.RoundID); err != nil {
			return err
		}
		_, err := s.pool.Exec(ctx,
			`UPDATE bets SET status = 'VOIDED' WHERE round_id = $1 AND status = 'ACTIVE'`, ev.RoundID)
		return err
	}

	// Ticks and balance changes are not archived.
	return nil
}

func (s *Store) GetRound(ctx context.Context, id string) (*RoundRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, nonce, server_seed, server_seed_hash, crash_point, status, created_at, started_at, crashed_at
		FROM rounds WHERE id = $1`, id)

	var r RoundRecord
	err := row.Scan(&r.ID, &r.Nonce, &r.ServerSeed, &r.ServerSeedHash, &r.CrashPoint,
		&r.Status, &r.CreatedAt, &r.StartedAt, &r.CrashedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RecentRounds returns the latest crashed rounds, newest first. Seeds in the
// result are safe to expose: only terminal rounds are selected.
func (s *Store) RecentRounds(ctx context.Context, limit int) ([]RoundRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, nonce, server_seed, server_seed_hash, crash_point, status, created_at, started_at, crashed_at
		FROM rounds WHERE status = 'CRASHED' ORDER BY crashed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoundRecord
	for rows.Next() {
		var r RoundRecord
		if err := rows.Scan(&r.ID, &r.Nonce, &r.ServerSeed, &r.ServerSeedHash, &r.CrashPoint,
			&r.Status, &r.CreatedAt, &r.StartedAt, &r.CrashedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UserBets returns a user's most recent bets, newest first.
func (s *Store) UserBets(ctx context.Context, userID string, limit int) ([]BetRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, round_id, user_id, asset, amount::text, auto_cashout, status, cashout_multiplier, payout::text, placed_at
		FROM bets WHERE user_id = $1 ORDER BY placed_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BetRecord
	for rows.Next() {
		var b BetRecord
		var amount, payout string
		if err := rows.Scan(&b.ID, &b.RoundID, &b.UserID, &b.Asset, &amount, &b.AutoCashOut,
			&b.Status, &b.CashOutMultiplier, &payout, &b.PlacedAt); err != nil {
			return nil, err
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if b.Payout, err = decimal.NewFromString(payout); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MaxNonce returns the highest nonce ever assigned, so a restarted engine
// never reuses fairness inputs.
func (s *Store) MaxNonce(ctx context.Context) (int64, error) {
	var nonce int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(nonce), 0) FROM rounds`).Scan(&nonce)
	return nonce, err
}

// RecoverStale voids every round the previous process left in a non-terminal
// status and releases the reservations of its still-active bets. Run once at
// boot, before the game loop starts: funds must never stay both reserved and
// unaccounted after a restart.
func (s *Store) RecoverStale(ctx context.Context, bal balance.Service) (int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM rounds WHERE status NOT IN ('CRASHED', 'VOIDED')`)
	if err != nil {
		return 0, err
	}
	var roundIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		roundIDs = append(roundIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, roundID := range roundIDs {
		opRows, err := s.pool.Query(ctx,
			`SELECT operation_id FROM bets WHERE round_id = $1 AND status = 'ACTIVE'`, roundID)
		if err != nil {
			return 0, err
		}
		var ops []string
		for opRows.Next() {
			var op string
			if err := opRows.Scan(&op); err != nil {
				opRows.Close()
				return 0, err
			}
			ops = append(ops, op)
		}
		opRows.Close()

		for _, op := range ops {
			if err := releaseResolved(ctx, bal, op); err != nil {
				return 0, err
			}
		}

		if _, err := s.pool.Exec(ctx,
			`UPDATE bets SET status = 'VOIDED' WHERE round_id = $1 AND status = 'ACTIVE'`, roundID); err != nil {
			return 0, err
		}
		if _, err := s.pool.Exec(ctx,
			`UPDATE rounds SET status = 'VOIDED' WHERE id = $1`, roundID); err != nil {
			return 0, err
		}
		log.Printf("[STORE] voided stale round %s (%d reservations released)", roundID, len(ops))
	}

	// A reserve that landed in the wallet but whose bet event never reached
	// the archive leaves no row to find above. No round is live during
	// recovery, so every operation still reserved is an orphan.
	orphans, err := bal.ReservedOps(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing reserved operations: %w", err)
	}
	for _, op := range orphans {
		if err := releaseResolved(ctx, bal, op); err != nil {
			return 0, err
		}
	}
	if len(orphans) > 0 {
		log.Printf("[STORE] released %d orphan reservations", len(orphans))
	}

	return len(roundIDs), nil
}

// releaseResolved releases a reservation, treating an operation that was
// already settled or released through another path as done.
func releaseResolved(ctx context.Context, bal balance.Service, opID string) error {
	err := bal.Release(ctx, opID)
	if err == nil {
		return nil
	}
	if errors.Is(err, balance.ErrUnknownOperation) || errors.Is(err, balance.ErrOperationClosed) {
		log.Printf("[STORE] reservation %s already resolved", opID)
		return nil
	}
	return fmt.Errorf("release %s: %w", opID, err)
}

func (s *Store) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)
	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("postgres down: %v", err)
		return stats
	}
	stats["status"] = "up"
	poolStat := s.pool.Stat()
	stats["total_conns"] = fmt.Sprint(poolStat.TotalConns())
	stats["idle_conns"] = fmt.Sprint(poolStat.IdleConns())
	return stats
}
