package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"canvas-sync/internal/model"
)

// Integration tests; they need a running PostgreSQL and are skipped
// without DATABASE_DSN, e.g.
// "host=localhost user=postgres password=postgres dbname=canvas_sync_test sslmode=disable".
func newTestPostgres(t *testing.T) *PostgresMeta {
	t.Helper()
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("DATABASE_DSN not set; skipping Postgres integration test")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(&model.Canvas{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DELETE FROM canvases WHERE owner_id LIKE 'pgtest-%'")
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})
	return NewPostgresMeta(db)
}

func testOwner(t *testing.T) string {
	return fmt.Sprintf("pgtest-%s", t.Name())
}

func TestPostgresCanvasLifecycle(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	owner := testOwner(t)

	created, err := p.CreateCanvas(ctx, model.CanvasMeta{
		Name: "retro board",
		Permissions: model.Permissions{
			OwnerID:    owner,
			AccessType: model.AccessLink,
			Password:   "hunter2",
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("create left the id empty")
	}
	if created.CreatedAt == 0 || created.UpdatedAt == 0 {
		t.Fatal("create left the audit stamps empty")
	}
	if created.Viewport.Scale != 1 {
		t.Fatalf("default viewport scale = %v, want 1", created.Viewport.Scale)
	}

	got, err := p.GetCanvas(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "retro board" || got.Permissions.Password != "hunter2" {
		t.Fatalf("round trip mangled the canvas: %+v", got)
	}

	list, err := p.ListCanvases(ctx, owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list = %+v, want exactly the created canvas", list)
	}

	if err := p.DeleteCanvas(ctx, created.ID, owner); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := p.GetCanvas(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestPostgresSaveViewport(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	owner := testOwner(t)

	created, err := p.CreateCanvas(ctx, model.CanvasMeta{
		Name:        "vp",
		Permissions: model.Permissions{OwnerID: owner},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := p.SaveViewport(ctx, created.ID, model.Viewport{X: 120, Y: -40, Scale: 2}); err != nil {
		t.Fatalf("save viewport: %v", err)
	}
	got, err := p.GetCanvas(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Viewport.X != 120 || got.Viewport.Y != -40 || got.Viewport.Scale != 2 {
		t.Fatalf("viewport = %+v, want {120 -40 2}", got.Viewport)
	}

	// 과도한 스케일은 저장 전에 클램프
	if err := p.SaveViewport(ctx, created.ID, model.Viewport{Scale: 1000}); err != nil {
		t.Fatalf("save clamped viewport: %v", err)
	}
	got, _ = p.GetCanvas(ctx, created.ID)
	if got.Viewport.Scale != model.MaxViewportScale {
		t.Fatalf("scale = %v, want clamp to %v", got.Viewport.Scale, model.MaxViewportScale)
	}

	if err := p.SaveViewport(ctx, "no-such-canvas", model.Viewport{Scale: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("save on missing canvas = %v, want ErrNotFound", err)
	}
}

func TestPostgresPermissionsOwnerOnly(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	owner := testOwner(t)

	created, err := p.CreateCanvas(ctx, model.CanvasMeta{
		Name:        "locked",
		Permissions: model.Permissions{OwnerID: owner},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = p.SavePermissions(ctx, created.ID, "pgtest-intruder", model.Permissions{AccessType: model.AccessPublic})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("non-owner save = %v, want ErrPermissionDenied", err)
	}
	if err := p.DeleteCanvas(ctx, created.ID, "pgtest-intruder"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("non-owner delete = %v, want ErrPermissionDenied", err)
	}

	if err := p.SavePermissions(ctx, created.ID, owner, model.Permissions{AccessType: model.AccessPublic}); err != nil {
		t.Fatalf("owner save: %v", err)
	}
	got, err := p.GetCanvas(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Permissions.AccessType != model.AccessPublic {
		t.Fatalf("access = %q, want public", got.Permissions.AccessType)
	}
	if got.Permissions.OwnerID != owner {
		t.Fatalf("owner = %q, want unchanged %q", got.Permissions.OwnerID, owner)
	}
}
