package game

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"crashd/internal/balance"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestLedger(t *testing.T, funds map[string]string) (*Ledger, balance.Service) {
	t.Helper()
	bal := balance.NewMemory()
	for user, amount := range funds {
		if err := bal.SetBalance(context.Background(), user, "USD", dec(amount)); err != nil {
			t.Fatal(err)
		}
	}
	return NewLedger("round-1", "USD", 2, bal, NewEmitter()), bal
}

func TestLedger_PlaceBet(t *testing.T) {
	ctx := context.Background()
	l, bal := newTestLedger(t, map[string]string{"u1": "100"})

	bet, newBalance, err := l.PlaceBet(ctx, "u1", dec("25"), 2.0)
	if err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	if bet.Status != BetActive {
		t.Errorf("bet status = %s, want ACTIVE", bet.Status)
	}
	if !newBalance.Equal(dec("75")) {
		t.Errorf("balance = %s, want 75", newBalance)
	}

	got, _ := bal.Balance(ctx, "u1", "USD")
	if !got.Equal(dec("75")) {
		t.Errorf("stored balance = %s, want 75", got)
	}
}

func TestLedger_PlaceBet_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, map[string]string{"u1": "10"})

	if _, _, err := l.PlaceBet(ctx, "u1", dec("25"), 0); err != ErrInsufficientBalance {
		t.Fatalf("PlaceBet() error = %v, want ErrInsufficientBalance", err)
	}

	// The failed bet must leave no half-created record: the slot is free for
	// a smaller bet.
	if _, _, err := l.PlaceBet(ctx, "u1", dec("5"), 0); err != nil {
		t.Fatalf("PlaceBet() after failed reserve error = %v", err)
	}
}

func TestLedger_PlaceBet_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, map[string]string{"u1": "100"})

	if _, _, err := l.PlaceBet(ctx, "u1", dec("10"), 0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := l.PlaceBet(ctx, "u1", dec("10"), 0); err != ErrDuplicateBet {
		t.Fatalf("second PlaceBet() error = %v, want ErrDuplicateBet", err)
	}
}

func TestLedger_PlaceBet_ConcurrentDuplicate(t *testing.T) {
	// The double-betting prevention contract: under true parallel execution,
	// two bets for the same (user, round) yield exactly one ACTIVE bet and
	// one rejection.
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		l, bal := newTestLedger(t, map[string]string{"u1": "100"})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		for n := 0; n < 2; n++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				<-start
				_, _, errs[n] = l.PlaceBet(ctx, "u1", dec("10"), 0)
			}(n)
		}
		close(start)
		wg.Wait()

		var accepted, rejected int
		for _, err := range errs {
			switch err {
			case nil:
				accepted++
			case ErrDuplicateBet:
				rejected++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if accepted != 1 || rejected != 1 {
			t.Fatalf("accepted=%d rejected=%d, want exactly one of each", accepted, rejected)
		}

		got, _ := bal.Balance(ctx, "u1", "USD")
		if !got.Equal(dec("90")) {
			t.Fatalf("balance = %s, want 90 (single stake debited)", got)
		}
	}
}

func TestLedger_PlaceBet_ClosedWindowRollsBack(t *testing.T) {
	ctx := context.Background()
	l, bal := newTestLedger(t, map[string]string{"u1": "100"})

	l.SetRunning()

	if _, _, err := l.PlaceBet(ctx, "u1", dec("10"), 0); err != ErrBettingClosed {
		t.Fatalf("PlaceBet() error = %v, want ErrBettingClosed", err)
	}

	got, _ := bal.Balance(ctx, "u1", "USD")
	if !got.Equal(dec("100")) {
		t.Errorf("balance = %s, want 100 (nothing reserved)", got)
	}
}

func TestLedger_CashOut(t *testing.T) {
	ctx := context.Background()
	l, bal := newTestLedger(t, map[string]string{"u1": "100"})

	l.PlaceBet(ctx, "u1", dec("10"), 0)
	l.SetRunning()

	bet, err := l.CashOut(ctx, "u1", 2.5, false)
	if err != nil {
		t.Fatalf("CashOut() error = %v", err)
	}
	if bet.Status != BetCashedOut {
		t.Errorf("bet status = %s, want CASHED_OUT", bet.Status)
	}
	if bet.CashOutMultiplier != 2.5 {
		t.Errorf("cashout multiplier = %v, want 2.5", bet.CashOutMultiplier)
	}
	if !bet.Payout.Equal(dec("25")) {
		t.Errorf("payout = %s, want 25", bet.Payout)
	}

	got, _ := bal.Balance(ctx, "u1", "USD")
	if !got.Equal(dec("115")) {
		t.Errorf("balance = %s, want 115", got)
	}
}

func TestLedger_CashOut_PayoutTruncatedTowardHouse(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, map[string]string{"u1": "100"})

	l.PlaceBet(ctx, "u1", dec("10"), 0)
	l.SetRunning()

	// 10 * 1.337 = 13.37 exactly; 10 * 1.3373 = 13.373 truncates to 13.37.
	bet, err := l.CashOut(ctx, "u1", 1.3373, false)
	if err != nil {
		t.Fatal(err)
	}
	if !bet.Payout.Equal(dec("13.37")) {
		t.Errorf("payout = %s, want 13.37 (truncated, not rounded)", bet.Payout)
	}
}

func TestLedger_CashOut_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("round not running", func(t *testing.T) {
		l, _ := newTestLedger(t, map[string]string{"u1": "100"})
		l.PlaceBet(ctx, "u1", dec("10"), 0)
		if _, err := l.CashOut(ctx, "u1", 2.0, false); err != ErrRoundNotRunning {
			t.Errorf("CashOut() error = %v, want ErrRoundNotRunning", err)
		}
	})

	t.Run("no active bet", func(t *testing.T) {
		l, _ := newTestLedger(t, nil)
		l.SetRunning()
		if _, err := l.CashOut(ctx, "u2", 2.0, false); err != ErrNoActiveBet {
			t.Errorf("CashOut() error = %v, want ErrNoActiveBet", err)
		}
	})

	t.Run("already cashed out", func(t *testing.T) {
		l, _ := newTestLedger(t, map[string]string{"u1": "100"})
		l.PlaceBet(ctx, "u1", dec("10"), 0)
		l.SetRunning()
		l.CashOut(ctx, "u1", 2.0, false)
		if _, err := l.CashOut(ctx, "u1", 3.0, false); err != ErrNoActiveBet {
			t.Errorf("second CashOut() error = %v, want ErrNoActiveBet", err)
		}
	})

	t.Run("after crash", func(t *testing.T) {
		l, _ := newTestLedger(t, map[string]string{"u1": "100"})
		l.PlaceBet(ctx, "u1", dec("10"), 0)
		l.SetRunning()
		l.SettleOnCrash(CrashData{RoundID: "round-1", CrashPoint: 1.5})
		if _, err := l.CashOut(ctx, "u1", 1.4, false); err != ErrAlreadyCrashed {
			t.Errorf("CashOut() after crash error = %v, want ErrAlreadyCrashed", err)
		}
	})
}

func TestLedger_AutoCashOuts(t *testing.T) {
	ctx := context.Background()
	l, bal := newTestLedger(t, map[string]string{"u1": "100", "u2": "100", "u3": "100"})

	l.PlaceBet(ctx, "u1", dec("10"), 1.5)
	l.PlaceBet(ctx, "u2", dec("10"), 2.0)
	l.PlaceBet(ctx, "u3", dec("10"), 0) // manual only
	l.SetRunning()

	// Both targets crossed in the same tick: both must settle, each at its
	// own requested target, not the tick multiplier.
	settled := l.AutoCashOuts(ctx, 2.1)
	if len(settled) != 2 {
		t.Fatalf("settled %d bets, want 2", len(settled))
	}

	byUser := map[string]Bet{}
	for _, b := range settled {
		byUser[b.UserID] = b
	}
	if byUser["u1"].CashOutMultiplier != 1.5 || !byUser["u1"].Payout.Equal(dec("15")) {
		t.Errorf("u1 settled at %v payout %s, want 1.5 / 15", byUser["u1"].CashOutMultiplier, byUser["u1"].Payout)
	}
	if byUser["u2"].CashOutMultiplier != 2.0 || !byUser["u2"].Payout.Equal(dec("20")) {
		t.Errorf("u2 settled at %v payout %s, want 2.0 / 20", byUser["u2"].CashOutMultiplier, byUser["u2"].Payout)
	}

	got, _ := bal.Balance(ctx, "u3", "USD")
	if !got.Equal(dec("90")) {
		t.Errorf("manual bet balance = %s, want 90 (untouched)", got)
	}

	// Only the manual bet remains: nothing settles.
	if again := l.AutoCashOuts(ctx, 2.5); len(again) != 0 {
		t.Errorf("second sweep settled %d bets, want 0", len(again))
	}
}

func TestLedger_SettleOnCrash_Conservation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, map[string]string{"u1": "100", "u2": "100", "u3": "100"})

	l.PlaceBet(ctx, "u1", dec("10"), 1.5)
	l.PlaceBet(ctx, "u2", dec("10"), 0)
	l.PlaceBet(ctx, "u3", dec("10"), 5.0)
	l.SetRunning()

	l.AutoCashOuts(ctx, 2.0) // settles u1
	l.SettleOnCrash(CrashData{RoundID: "round-1", CrashPoint: 2.0})

	// Every bet ends in exactly one terminal status; no ACTIVE bet survives
	// the crash.
	for _, bet := range l.Snapshot() {
		switch bet.Status {
		case BetCashedOut:
			if bet.UserID != "u1" {
				t.Errorf("bet %s (%s) cashed out unexpectedly", bet.ID, bet.UserID)
			}
		case BetLost:
			if !bet.Payout.IsZero() {
				t.Errorf("lost bet %s has payout %s, want 0", bet.ID, bet.Payout)
			}
		default:
			t.Errorf("bet %s ended in non-terminal status %s", bet.ID, bet.Status)
		}
	}
}

func TestLedger_CashOutVsCrash_CommitOrderWins(t *testing.T) {
	ctx := context.Background()

	// Whichever commit takes the ledger lock first wins; the loser is fully
	// rejected or fully settled, never half of each.
	for i := 0; i < 100; i++ {
		l, _ := newTestLedger(t, map[string]string{"u1": "100"})
		l.PlaceBet(ctx, "u1", dec("10"), 0)
		l.SetRunning()

		var wg sync.WaitGroup
		var cashOutErr error
		start := make(chan struct{})

		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, cashOutErr = l.CashOut(ctx, "u1", 1.8, false)
		}()
		go func() {
			defer wg.Done()
			<-start
			l.SettleOnCrash(CrashData{RoundID: "round-1", CrashPoint: 1.9})
		}()
		close(start)
		wg.Wait()

		bet, _ := l.ActiveBet("u1")
		if cashOutErr == nil && bet.Status != BetCashedOut {
			t.Fatalf("cashout accepted but bet status = %s", bet.Status)
		}
		if cashOutErr != nil && bet.Status != BetLost {
			t.Fatalf("cashout rejected (%v) but bet status = %s", cashOutErr, bet.Status)
		}
	}
}

func TestLedger_VoidAll(t *testing.T) {
	ctx := context.Background()
	l, bal := newTestLedger(t, map[string]string{"u1": "100", "u2": "50"})

	l.PlaceBet(ctx, "u1", dec("10"), 0)
	l.PlaceBet(ctx, "u2", dec("20"), 0)

	if released := l.VoidAll(ctx); released != 2 {
		t.Fatalf("released %d reservations, want 2", released)
	}

	got1, _ := bal.Balance(ctx, "u1", "USD")
	got2, _ := bal.Balance(ctx, "u2", "USD")
	if !got1.Equal(dec("100")) || !got2.Equal(dec("50")) {
		t.Errorf("balances after void = %s, %s; want 100, 50", got1, got2)
	}
}
