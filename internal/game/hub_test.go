package game

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()

	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.clients == nil {
		t.Error("Hub clients map is nil")
	}
	if hub.broadcast == nil {
		t.Error("Hub broadcast channel is nil")
	}
	if hub.register == nil {
		t.Error("Hub register channel is nil")
	}
	if hub.unregister == nil {
		t.Error("Hub unregister channel is nil")
	}
}

func TestHub_GetClientCount(t *testing.T) {
	hub := NewHub()

	if count := hub.GetClientCount(); count != 0 {
		t.Errorf("GetClientCount() = %v, want 0", count)
	}
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub()

	go hub.Run()
	defer close(hub.broadcast)

	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(Event{Seq: 1, Type: EventTick})

	time.Sleep(10 * time.Millisecond)
}

func TestHub_BroadcastChannelFull(t *testing.T) {
	hub := NewHub()

	// Hub not running, so the channel fills up (capacity 256).
	for i := 0; i < 256; i++ {
		hub.Broadcast(Event{Seq: uint64(i)})
	}

	done := make(chan bool, 1)
	go func() {
		hub.Broadcast(Event{Seq: 999})
		done <- true
	}()

	select {
	case <-done:
		// Dropped instead of blocking.
	case <-time.After(100 * time.Millisecond):
		t.Error("Broadcast() blocked when channel was full")
	}
}

func TestHub_ConsumeEvents(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer close(hub.broadcast)

	emitter := NewEmitter()
	events := emitter.Subscribe(16)
	go hub.ConsumeEvents(events)

	// Public and user-scoped events both flow without blocking the emitter.
	emitter.Emit(EventRoundCreated, "r1", "", nil)
	emitter.Emit(EventBalanceChange, "r1", "u1", BalanceChangeData{UserID: "u1"})
	emitter.Close()

	time.Sleep(10 * time.Millisecond)
}

func TestHub_ClientReceivesInSequenceOrder(t *testing.T) {
	hub := NewHub()

	// A bare client lets us observe the outbound queue directly.
	client := &Client{userID: "u1", out: make(chan []byte, 256)}
	hub.mu.Lock()
	hub.clients[client] = true
	hub.mu.Unlock()

	go hub.Run()
	defer close(hub.broadcast)

	const n = 50
	for i := 1; i <= n; i++ {
		hub.Broadcast(Event{Seq: uint64(i), Type: EventTick})
	}

	var last uint64
	for i := 0; i < n; i++ {
		select {
		case data := <-client.out:
			var got struct {
				Seq uint64 `json:"seq"`
			}
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Seq <= last {
				t.Fatalf("message %d: seq %d after seq %d, order broken", i, got.Seq, last)
			}
			last = got.Seq
		case <-time.After(1 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestHub_EnqueueDropsWhenClientBufferFull(t *testing.T) {
	client := &Client{userID: "u1", out: make(chan []byte, 1)}

	client.enqueue([]byte("first"))

	done := make(chan bool, 1)
	go func() {
		client.enqueue([]byte("second"))
		done <- true
	}()

	select {
	case <-done:
		// Dropped instead of blocking.
	case <-time.After(100 * time.Millisecond):
		t.Fatal("enqueue blocked on a full client buffer")
	}

	if got := string(<-client.out); got != "first" {
		t.Errorf("queued message = %q, want %q", got, "first")
	}
}

func TestHub_SendToUserTargetsOnlyThatUser(t *testing.T) {
	hub := NewHub()

	target := &Client{userID: "u1", out: make(chan []byte, 16)}
	other := &Client{userID: "u2", out: make(chan []byte, 16)}
	hub.mu.Lock()
	hub.clients[target] = true
	hub.clients[other] = true
	hub.mu.Unlock()

	hub.SendToUser("u1", map[string]string{"type": "balance_change"})

	select {
	case <-target.out:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("target user received nothing")
	}

	select {
	case <-other.out:
		t.Fatal("message leaked to another user")
	default:
	}
}

func TestHub_ConcurrentBroadcasts(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer close(hub.broadcast)

	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			hub.Broadcast(Event{Seq: uint64(n), Type: EventTick})
		}(i)
	}

	done := make(chan bool)
	go func() {
		wg.Wait()
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("Concurrent broadcasts timed out")
	}
}

func BenchmarkHub_Broadcast(b *testing.B) {
	hub := NewHub()
	go hub.Run()
	defer close(hub.broadcast)

	time.Sleep(10 * time.Millisecond)

	ev := Event{Seq: 1, Type: EventTick, Data: TickData{Multiplier: 1.5}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.Broadcast(ev)
	}
}
