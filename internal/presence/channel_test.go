package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"canvas-sync/internal/model"
	"canvas-sync/internal/store"
)

func fastOpts() Options {
	return Options{
		HeartbeatInterval:   25 * time.Millisecond,
		Timeout:             60 * time.Second,
		CursorWriteInterval: 20 * time.Millisecond,
		CursorMaxRate:       10000,
		CursorBurst:         10000,
		WriteTimeout:        2 * time.Second,
	}
}

func ident(userID string) Identity {
	return Identity{UserID: userID, DisplayName: "user " + userID}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type countingPresence struct {
	*store.Memory
	puts atomic.Int64
}

func (c *countingPresence) PutPresence(ctx context.Context, canvasID string, p model.UserPresence) error {
	c.puts.Add(1)
	return c.Memory.PutPresence(ctx, canvasID, p)
}

func TestJoinMakesPeerVisible(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(mem.Close)

	alice := NewChannel(mem, "c1", ident("alice"), fastOpts())
	t.Cleanup(func() { alice.Close() })
	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("alice join: %v", err)
	}

	var mu sync.Mutex
	var peers []model.UserPresence
	unsub, err := alice.Subscribe(context.Background(), func(list []model.UserPresence) {
		mu.Lock()
		peers = list
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	// Alice alone in the room: her peer list is empty, herself excluded.
	mu.Lock()
	if len(peers) != 0 {
		mu.Unlock()
		t.Fatalf("peers = %v, want empty before bob joins", peers)
	}
	mu.Unlock()

	bob := NewChannel(mem, "c1", ident("bob"), fastOpts())
	t.Cleanup(func() { bob.Close() })
	if err := bob.Join(context.Background()); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	waitFor(t, "bob in alice's peer list", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(peers) == 1 && peers[0].UserID == "bob"
	})

	roster, err := alice.Roster(context.Background())
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("roster = %d entries, want both participants", len(roster))
	}
}

func TestRosterFiltersStaleAndInactive(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(mem.Close)

	stale := model.UserPresence{
		UserID:   "ghost",
		LastSeen: model.NowMilli() - (61 * time.Second).Milliseconds(),
		IsActive: true,
	}
	left := model.UserPresence{
		UserID:   "leaver",
		LastSeen: model.NowMilli(),
		IsActive: false,
	}
	for _, p := range []model.UserPresence{stale, left} {
		if err := mem.PutPresence(context.Background(), "c1", p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	alice := NewChannel(mem, "c1", ident("alice"), fastOpts())
	t.Cleanup(func() { alice.Close() })
	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}

	roster, err := alice.Roster(context.Background())
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 1 || roster[0].UserID != "alice" {
		t.Fatalf("roster = %+v, want alice only", roster)
	}
}

func TestCursorWritesCoalesce(t *testing.T) {
	counting := &countingPresence{Memory: store.NewMemory()}
	t.Cleanup(counting.Close)

	alice := NewChannel(counting, "c1", ident("alice"), fastOpts())
	t.Cleanup(func() { alice.Close() })
	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	joinPuts := counting.puts.Load()

	for i := 1; i <= 20; i++ {
		alice.UpdateCursor(model.Cursor{X: float64(i), Y: float64(i)})
	}
	time.Sleep(80 * time.Millisecond)

	cursorPuts := counting.puts.Load() - joinPuts
	if cursorPuts != 1 {
		t.Fatalf("cursor writes = %d, want one coalesced write", cursorPuts)
	}

	list, err := counting.ListPresence(context.Background(), "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Cursor.X != 20 {
		t.Fatalf("stored cursor = %+v, want the newest sample (20,20)", list)
	}
}

func TestCursorRateCeilingDropsSilently(t *testing.T) {
	counting := &countingPresence{Memory: store.NewMemory()}
	t.Cleanup(counting.Close)

	opts := fastOpts()
	opts.CursorMaxRate = 1
	opts.CursorBurst = 1
	opts.CursorWriteInterval = 5 * time.Millisecond
	alice := NewChannel(counting, "c1", ident("alice"), opts)
	t.Cleanup(func() { alice.Close() })
	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	joinPuts := counting.puts.Load()

	for i := 1; i <= 10; i++ {
		alice.UpdateCursor(model.Cursor{X: float64(i), Y: 0})
	}
	time.Sleep(60 * time.Millisecond)

	if got := counting.puts.Load() - joinPuts; got != 1 {
		t.Fatalf("cursor writes = %d, want only the sample under the ceiling", got)
	}
	list, _ := counting.ListPresence(context.Background(), "c1")
	if len(list) != 1 || list[0].Cursor.X != 1 {
		t.Fatalf("stored cursor = %+v, want the first sample; dropped ones must leave no trace", list)
	}
}

func TestCursorBeforeJoinIsNoop(t *testing.T) {
	counting := &countingPresence{Memory: store.NewMemory()}
	t.Cleanup(counting.Close)

	alice := NewChannel(counting, "c1", ident("alice"), fastOpts())
	alice.UpdateCursor(model.Cursor{X: 1, Y: 1})
	time.Sleep(50 * time.Millisecond)

	if got := counting.puts.Load(); got != 0 {
		t.Fatalf("writes = %d, want 0 before join", got)
	}
}

func TestLeaveCancelsPendingCursorWrite(t *testing.T) {
	counting := &countingPresence{Memory: store.NewMemory()}
	t.Cleanup(counting.Close)

	opts := fastOpts()
	opts.CursorWriteInterval = 300 * time.Millisecond
	alice := NewChannel(counting, "c1", ident("alice"), opts)
	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}

	alice.UpdateCursor(model.Cursor{X: 1, Y: 1})
	if err := alice.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}

	// The queued cursor write must not resurrect the record.
	time.Sleep(400 * time.Millisecond)
	list, err := counting.ListPresence(context.Background(), "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("presence after leave = %+v, want empty", list)
	}
	if got := counting.puts.Load(); got != 1 {
		t.Fatalf("writes = %d, want only the join record", got)
	}
}

func TestLeaveTwiceIsSafe(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(mem.Close)

	alice := NewChannel(mem, "c1", ident("alice"), fastOpts())
	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := alice.Leave(context.Background()); err != nil {
		t.Fatalf("first leave: %v", err)
	}
	if err := alice.Leave(context.Background()); err != nil {
		t.Fatalf("second leave: %v", err)
	}
}

func TestHeartbeatKeepsLastSeenFresh(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(mem.Close)

	alice := NewChannel(mem, "c1", ident("alice"), fastOpts())
	t.Cleanup(func() { alice.Close() })
	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}

	list, _ := mem.ListPresence(context.Background(), "c1")
	if len(list) != 1 {
		t.Fatalf("seed list = %d entries", len(list))
	}
	first := list[0].LastSeen

	waitFor(t, "heartbeat restamp", func() bool {
		list, _ := mem.ListPresence(context.Background(), "c1")
		return len(list) == 1 && list[0].LastSeen > first
	})
}

func TestHeartbeatRecreatesExpiredRecord(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(mem.Close)

	alice := NewChannel(mem, "c1", ident("alice"), fastOpts())
	t.Cleanup(func() { alice.Close() })
	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Simulate a TTL expiry behind the channel's back.
	if err := mem.RemovePresence(context.Background(), "c1", "alice"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	waitFor(t, "record recreated by heartbeat", func() bool {
		list, _ := mem.ListPresence(context.Background(), "c1")
		return len(list) == 1 && list[0].UserID == "alice"
	})
}

func TestDirtyDisconnectRunsStoreCleanup(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(mem.Close)

	opts := fastOpts()
	opts.HeartbeatInterval = 10 * time.Second
	alice := NewChannel(mem, "c1", ident("alice"), opts)
	t.Cleanup(func() { alice.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	if err := alice.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	list, _ := mem.ListPresence(context.Background(), "c1")
	if len(list) != 1 {
		t.Fatalf("list = %d entries before disconnect", len(list))
	}

	// Connection drops without a clean leave.
	cancel()
	waitFor(t, "server-side cleanup", func() bool {
		list, _ := mem.ListPresence(context.Background(), "c1")
		return len(list) == 0
	})
}

func TestCleanLeaveUnregistersDisconnectHook(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(mem.Close)

	opts := fastOpts()
	opts.HeartbeatInterval = 10 * time.Second
	alice := NewChannel(mem, "c1", ident("alice"), opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := alice.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := alice.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}

	// Bob joins after alice's clean exit; the stale hook must not fire
	// against the room when alice's connection context dies.
	bob := NewChannel(mem, "c1", ident("bob"), opts)
	t.Cleanup(func() { bob.Close() })
	if err := bob.Join(context.Background()); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	cancel()
	time.Sleep(50 * time.Millisecond)

	list, _ := mem.ListPresence(context.Background(), "c1")
	if len(list) != 1 || list[0].UserID != "bob" {
		t.Fatalf("list = %+v, want bob untouched", list)
	}
}
