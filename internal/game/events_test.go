package game

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestEmitter_SequenceIsCommitOrder(t *testing.T) {
	e := NewEmitter()
	ch := e.Subscribe(64)

	e.Emit(EventRoundCreated, "r1", "", nil)
	e.Emit(EventBetPlaced, "r1", "", nil)
	e.Emit(EventCashOut, "r1", "", nil)
	e.Emit(EventCrash, "r1", "", nil)
	e.Close()

	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}

	if len(got) != 4 {
		t.Fatalf("received %d events, want 4", len(got))
	}
	for i, ev := range got {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d has seq %d, want %d", i, ev.Seq, i+1)
		}
	}
	if got[len(got)-1].Type != EventCrash {
		t.Errorf("last event = %s, want crash", got[len(got)-1].Type)
	}
}

func TestEmitter_AllSubscribersReceive(t *testing.T) {
	e := NewEmitter()
	a := e.Subscribe(8)
	b := e.Subscribe(8)

	e.Emit(EventTick, "r1", "", TickData{Multiplier: 1.5})
	e.Close()

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		ev, ok := <-ch
		if !ok {
			t.Fatalf("subscriber %s got no event", name)
		}
		if ev.Type != EventTick {
			t.Errorf("subscriber %s got %s, want tick", name, ev.Type)
		}
	}
}

func TestEmitter_SlowSubscriberDoesNotBlock(t *testing.T) {
	e := NewEmitter()
	e.Subscribe(1) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			e.Emit(EventTick, "r1", "", nil)
		}
		close(done)
	}()

	<-done // would deadlock if Emit blocked on the full channel
}

// Everything a client can see before the crash commits must conceal the
// round's outcome: neither the server seed nor the crash point may appear in
// any serialized pre-crash payload.
func TestPreCrashPayloadsConcealOutcome(t *testing.T) {
	const (
		secretSeed  = "deadbeef-server-seed-never-shown"
		secretCrash = 4.6397
	)

	round := Round{
		ID:                "r1",
		Nonce:             7,
		ServerSeed:        secretSeed,
		ServerSeedHash:    "commitment-hash",
		CrashPoint:        secretCrash,
		Status:            RoundRunning,
		CurrentMultiplier: 1.52,
		CreatedAt:         time.Now(),
	}
	bet := Bet{
		ID:          "b1",
		RoundID:     "r1",
		UserID:      "u1",
		Asset:       "USD",
		Amount:      decimal.NewFromInt(10),
		AutoCashOut: 2.0,
		Status:      BetActive,
		OperationID: "op-never-shown",
	}

	payloads := map[string]interface{}{
		"round":          round,
		"snapshot":       Snapshot{Round: round, Bets: []Bet{bet}},
		"round_created":  Event{Type: EventRoundCreated, RoundID: "r1", Data: RoundCreatedData{RoundID: "r1", Nonce: 7, ServerSeedHash: "commitment-hash", BettingSeconds: 5}},
		"round_starting": Event{Type: EventRoundStarting, RoundID: "r1", Data: RoundStartingData{RoundID: "r1", CountdownSeconds: 3}},
		"tick":           Event{Type: EventTick, RoundID: "r1", Data: TickData{Multiplier: 1.52, Elapsed: 3.1}},
		"bet_placed":     Event{Type: EventBetPlaced, RoundID: "r1", Data: BetPlacedData{Bet: bet}},
	}

	for name, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("%s: marshal: %v", name, err)
		}
		s := string(data)
		if strings.Contains(s, secretSeed) {
			t.Errorf("%s reveals the server seed: %s", name, s)
		}
		if strings.Contains(s, "4.6397") {
			t.Errorf("%s reveals the crash point: %s", name, s)
		}
		if strings.Contains(s, "op-never-shown") {
			t.Errorf("%s reveals the operation id: %s", name, s)
		}
	}

	// The crash event is the single place both secrets surface.
	data, err := json.Marshal(Event{Type: EventCrash, RoundID: "r1", Data: CrashData{
		RoundID: "r1", CrashPoint: secretCrash, ServerSeed: secretSeed, Nonce: 7,
	}})
	if err != nil {
		t.Fatalf("marshal crash: %v", err)
	}
	if !strings.Contains(string(data), secretSeed) || !strings.Contains(string(data), "4.6397") {
		t.Errorf("crash event must reveal seed and crash point: %s", data)
	}
}

func TestEmitter_ConcurrentEmitsKeepUniqueSequence(t *testing.T) {
	e := NewEmitter()
	ch := e.Subscribe(1024)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Emit(EventBetPlaced, "r1", "", nil)
		}()
	}
	wg.Wait()
	e.Close()

	seen := make(map[uint64]bool)
	for ev := range ch {
		if seen[ev.Seq] {
			t.Fatalf("duplicate sequence %d", ev.Seq)
		}
		seen[ev.Seq] = true
	}
	if len(seen) != 100 {
		t.Errorf("received %d events, want 100", len(seen))
	}
}
