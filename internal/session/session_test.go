package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"canvas-sync/internal/model"
	"canvas-sync/internal/objectsync"
	"canvas-sync/internal/presence"
	"canvas-sync/internal/store"
)

func fastConfig() Config {
	return Config{
		WriteInterval:    20 * time.Millisecond,
		ViewportInterval: 30 * time.Millisecond,
		Presence: presence.Options{
			HeartbeatInterval: 10 * time.Second,
			CursorMaxRate:     10000,
			CursorBurst:       10000,
		},
	}
}

func newCanvas(t *testing.T, mem *store.Memory) model.CanvasMeta {
	t.Helper()
	meta, err := mem.CreateCanvas(context.Background(), model.CanvasMeta{
		Name:     "test board",
		Viewport: model.Viewport{X: 5, Y: 6, Scale: 2},
		Permissions: model.Permissions{
			OwnerID:    "alice",
			AccessType: model.AccessPrivate,
		},
	})
	if err != nil {
		t.Fatalf("CreateCanvas: %v", err)
	}
	return meta
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

func openSession(t *testing.T, mem *store.Memory, canvasID, userID string) *Session {
	t.Helper()
	s, err := Open(context.Background(), store.Stores{Objects: mem, Presence: mem, Meta: mem}, canvasID, presence.Identity{UserID: userID, DisplayName: userID}, fastConfig())
	if err != nil {
		t.Fatalf("Open(%s): %v", userID, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenWiresEngineAndPresence(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(mem.Close)
	meta := newCanvas(t, mem)

	seed := model.Shape{
		ID: "s1", Opacity: 1, ZIndex: 1, UpdatedAt: 1, UpdatedBy: "seed",
		Geometry: model.RectangleGeometry{Width: 10, Height: 10},
	}
	if err := mem.PutShape(context.Background(), meta.ID, seed); err != nil {
		t.Fatalf("seed shape: %v", err)
	}

	s := openSession(t, mem, meta.ID, "alice")

	if _, ok := s.Engine().Get("s1"); !ok {
		t.Fatal("engine mirror should hold the seeded shape")
	}
	if got := s.Viewport(); got.X != 5 || got.Y != 6 || got.Scale != 2 {
		t.Fatalf("viewport = %+v, want the stored one", got)
	}
	roster, err := s.Presence().Roster(context.Background())
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 1 || roster[0].UserID != "alice" {
		t.Fatalf("roster = %+v, want alice present", roster)
	}
}

func TestOnSnapshotDeliversCurrentState(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(mem.Close)
	meta := newCanvas(t, mem)
	s := openSession(t, mem, meta.ID, "alice")

	var delivered atomic.Int64
	unsub := s.OnSnapshot(func(snap objectsync.Snapshot) {
		delivered.Add(1)
	})
	defer unsub()

	if delivered.Load() != 1 {
		t.Fatalf("deliveries = %d, want the immediate initial snapshot", delivered.Load())
	}
}

func TestPeerCursorsFlowIntoInterpolator(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(mem.Close)
	meta := newCanvas(t, mem)
	s := openSession(t, mem, meta.ID, "alice")

	bob := model.UserPresence{
		UserID:      "bob",
		DisplayName: "bob",
		Cursor:      model.Cursor{X: 300, Y: 400},
		LastSeen:    model.NowMilli(),
		IsActive:    true,
	}
	if err := mem.PutPresence(context.Background(), meta.ID, bob); err != nil {
		t.Fatalf("bob presence: %v", err)
	}

	waitFor(t, "bob's cursor tracked", func() bool {
		for _, p := range s.Cursors().Positions() {
			// First observation snaps straight onto the sample.
			if p.UserID == "bob" && p.X == 300 && p.Y == 400 {
				return true
			}
		}
		return false
	})
}

func TestSetViewportCoalescesToOneSave(t *testing.T) {
	counting := &countingMeta{Memory: store.NewMemory()}
	t.Cleanup(counting.Close)
	meta := newCanvas(t, counting.Memory)

	s, err := Open(context.Background(), store.Stores{Objects: counting.Memory, Presence: counting.Memory, Meta: counting}, meta.ID, presence.Identity{UserID: "alice"}, fastConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	for i := 1; i <= 10; i++ {
		s.SetViewport(model.Viewport{X: float64(i), Y: 0, Scale: 1})
	}
	waitFor(t, "viewport save", func() bool { return counting.saves.Load() == 1 })

	got, err := counting.GetCanvas(context.Background(), meta.ID)
	if err != nil {
		t.Fatalf("GetCanvas: %v", err)
	}
	if got.Viewport.X != 10 {
		t.Fatalf("saved viewport x = %v, want the newest (10)", got.Viewport.X)
	}
}

func TestCloseFlushesPendingViewport(t *testing.T) {
	counting := &countingMeta{Memory: store.NewMemory()}
	t.Cleanup(counting.Close)
	meta := newCanvas(t, counting.Memory)

	cfg := fastConfig()
	cfg.ViewportInterval = 10 * time.Second // the timer alone would never fire in this test
	s, err := Open(context.Background(), store.Stores{Objects: counting.Memory, Presence: counting.Memory, Meta: counting}, meta.ID, presence.Identity{UserID: "alice"}, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.SetViewport(model.Viewport{X: 77, Y: 88, Scale: 1})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := counting.saves.Load(); got != 1 {
		t.Fatalf("saves = %d, want the flushed final save", got)
	}
	got, _ := counting.GetCanvas(context.Background(), meta.ID)
	if got.Viewport.X != 77 || got.Viewport.Y != 88 {
		t.Fatalf("saved viewport = %+v, want (77,88)", got.Viewport)
	}
}

func TestCloseRemovesPresence(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(mem.Close)
	meta := newCanvas(t, mem)
	s := openSession(t, mem, meta.ID, "alice")

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !s.IsClosed() {
		t.Fatal("IsClosed should report true")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	list, err := mem.ListPresence(context.Background(), meta.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("presence after close = %+v, want empty", list)
	}

	s.SetViewport(model.Viewport{X: 1, Y: 1, Scale: 1})
}

func TestTwoSessionsSeeEachOther(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(mem.Close)
	meta := newCanvas(t, mem)

	alice := openSession(t, mem, meta.ID, "alice")
	bob := openSession(t, mem, meta.ID, "bob")

	// Bob draws; alice's mirror follows.
	created, err := bob.Engine().Create(context.Background(), model.Shape{
		Geometry: model.CircleGeometry{Radius: 25},
	})
	if err != nil {
		t.Fatalf("bob create: %v", err)
	}
	waitFor(t, "alice sees bob's shape", func() bool {
		_, ok := alice.Engine().Get(created.ID)
		return ok
	})

	roster, err := alice.Presence().Roster(context.Background())
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("roster = %d entries, want both sessions", len(roster))
	}
}

type countingMeta struct {
	*store.Memory
	saves atomic.Int64
}

func (c *countingMeta) SaveViewport(ctx context.Context, canvasID string, v model.Viewport) error {
	c.saves.Add(1)
	return c.Memory.SaveViewport(ctx, canvasID, v)
}
