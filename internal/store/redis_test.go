package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"canvas-sync/internal/model"
)

// Integration tests; they need a running Redis and are skipped without
// REDIS_ADDR. They use DB 15 to stay off application data.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis integration test")
	}
	r, err := NewRedis(addr, os.Getenv("REDIS_PASSWORD"), 15, 90*time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedisShapeRoundTrip(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	canvasID := uuid.New().String()

	rec := &recorder{}
	unsub, err := r.SubscribeShapes(ctx, canvasID, rec.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	if rec.count() != 1 {
		t.Fatalf("initial deliveries = %d, want 1", rec.count())
	}

	batch := []model.Shape{testShape("a", 1, "u"), testShape("b", 2, "u")}
	if err := r.PutShapes(ctx, canvasID, batch); err != nil {
		t.Fatalf("batch put: %v", err)
	}
	waitFor(t, "batch delivery", func() bool {
		return len(rec.last()) == 2
	})

	shapes, err := r.GetShapes(ctx, canvasID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(shapes) != 2 || shapes[0].ID != "a" {
		t.Fatalf("read back wrong: %+v", shapes)
	}

	if err := r.DeleteShapes(ctx, canvasID, []string{"a", "b"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, "delete delivery", func() bool {
		return len(rec.last()) == 0
	})
}

func TestRedisPresenceLifecycle(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	canvasID := uuid.New().String()

	p := model.UserPresence{UserID: "u1", DisplayName: "U One", IsActive: true, LastSeen: 1000}
	if err := r.PutPresence(ctx, canvasID, p); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := r.TouchPresence(ctx, canvasID, "u1", 2000); err != nil {
		t.Fatalf("touch: %v", err)
	}
	records, err := r.ListPresence(ctx, canvasID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].LastSeen != 2000 {
		t.Fatalf("touch not visible: %+v", records)
	}

	if err := r.RemovePresence(ctx, canvasID, "u1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := r.TouchPresence(ctx, canvasID, "u1", 3000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("touch after remove: %v, want ErrNotFound", err)
	}
}
