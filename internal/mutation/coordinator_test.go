package mutation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"canvas-sync/internal/model"
	"canvas-sync/internal/objectsync"
	"canvas-sync/internal/store"
)

func rectShape(id string, x, y float64) model.Shape {
	return model.Shape{
		ID:        id,
		X:         x,
		Y:         y,
		ZIndex:    1,
		Opacity:   1,
		Fill:      "#112233",
		Stroke:    "#445566",
		CreatedAt: 1000,
		CreatedBy: "seed",
		UpdatedAt: 1000,
		UpdatedBy: "seed",
		Geometry:  model.RectangleGeometry{Width: 100, Height: 50},
	}
}

type countingStore struct {
	store.ObjectStore
	batches atomic.Int64
}

func (c *countingStore) PutShapes(ctx context.Context, canvasID string, shapes []model.Shape) error {
	c.batches.Add(1)
	return c.ObjectStore.PutShapes(ctx, canvasID, shapes)
}

func newRig(t *testing.T, interval time.Duration, shapes ...model.Shape) (*Coordinator, *objectsync.Engine, *countingStore) {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(mem.Close)
	if len(shapes) > 0 {
		if err := mem.PutShapes(context.Background(), "canvas-1", shapes); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	counting := &countingStore{ObjectStore: mem}
	eng, err := objectsync.New(context.Background(), counting, "canvas-1", "alice")
	if err != nil {
		t.Fatalf("New engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	co := NewCoordinator(eng, interval)
	t.Cleanup(co.Close)
	return co, eng, counting
}

var identity = model.Viewport{Scale: 1}

func TestDragMovesGroupByUniformOffset(t *testing.T) {
	co, eng, _ := newRig(t, 500*time.Millisecond, rectShape("a", 10, 20), rectShape("b", 100, 200))

	if err := co.BeginDrag(identity, Point{X: 0, Y: 0}, "a", "b"); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	if got := co.State(); got != StateDragging {
		t.Fatalf("state = %s, want dragging", got)
	}
	co.MoveDrag(Point{X: 15, Y: 25})

	a, _ := eng.Get("a")
	b, _ := eng.Get("b")
	if a.X != 25 || a.Y != 45 {
		t.Fatalf("a at (%v,%v), want (25,45)", a.X, a.Y)
	}
	if b.X != 115 || b.Y != 225 {
		t.Fatalf("b at (%v,%v), want (115,225)", b.X, b.Y)
	}

	if err := co.EndDrag(context.Background()); err != nil {
		t.Fatalf("EndDrag: %v", err)
	}
	if got := co.State(); got != StateIdle {
		t.Fatalf("state after end = %s, want idle", got)
	}
}

func TestDragOffsetsNeverCompound(t *testing.T) {
	co, eng, _ := newRig(t, 500*time.Millisecond, rectShape("a", 10, 20), rectShape("b", 100, 200))

	if err := co.BeginDrag(identity, Point{X: 0, Y: 0}, "a", "b"); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	// Many moves; only the latest pointer position matters.
	for i := 1; i <= 50; i++ {
		co.MoveDrag(Point{X: float64(i), Y: float64(i)})
	}
	co.MoveDrag(Point{X: 7, Y: 3})

	a, _ := eng.Get("a")
	if a.X != 17 || a.Y != 23 {
		t.Fatalf("a at (%v,%v), want start+last offset (17,23)", a.X, a.Y)
	}
}

func TestDragConvertsScreenToWorld(t *testing.T) {
	vp := model.Viewport{X: 100, Y: 50, Scale: 2}
	co, eng, _ := newRig(t, 500*time.Millisecond, rectShape("a", 0, 0), rectShape("b", 30, 40))

	if err := co.BeginDrag(vp, Point{X: 100, Y: 50}, "a", "b"); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	// Screen delta (40,80) at scale 2 is a world delta of (20,40).
	co.MoveDrag(Point{X: 140, Y: 130})

	a, _ := eng.Get("a")
	if a.X != 20 || a.Y != 40 {
		t.Fatalf("a at (%v,%v), want (20,40)", a.X, a.Y)
	}
}

func TestSingleShapeFollowsPointer(t *testing.T) {
	co, eng, _ := newRig(t, 500*time.Millisecond, rectShape("a", 10, 20))

	if err := co.BeginDrag(identity, Point{X: 50, Y: 50}, "a"); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	co.MoveDrag(Point{X: 70, Y: 90})

	a, _ := eng.Get("a")
	if a.X != 30 || a.Y != 60 {
		t.Fatalf("a at (%v,%v), want (30,60)", a.X, a.Y)
	}
}

func TestDragThrottlesIntermediateWrites(t *testing.T) {
	co, _, counting := newRig(t, 40*time.Millisecond, rectShape("a", 0, 0))

	if err := co.BeginDrag(identity, Point{}, "a"); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	for i := 1; i <= 20; i++ {
		co.MoveDrag(Point{X: float64(i), Y: 0})
	}
	time.Sleep(100 * time.Millisecond)

	if got := counting.batches.Load(); got < 1 || got > 3 {
		t.Fatalf("throttled batches = %d, want a small number, not 20", got)
	}
}

func TestEndDragCancelsPendingAndWritesFinal(t *testing.T) {
	co, _, counting := newRig(t, 500*time.Millisecond, rectShape("a", 0, 0))

	if err := co.BeginDrag(identity, Point{}, "a"); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	co.MoveDrag(Point{X: 5, Y: 5})
	co.MoveDrag(Point{X: 42, Y: 17})
	if err := co.EndDrag(context.Background()); err != nil {
		t.Fatalf("EndDrag: %v", err)
	}

	if got := counting.batches.Load(); got != 1 {
		t.Fatalf("batches = %d, want exactly the final write", got)
	}
	stored, err := counting.GetShapes(context.Background(), "canvas-1")
	if err != nil {
		t.Fatalf("GetShapes: %v", err)
	}
	if len(stored) != 1 || stored[0].X != 42 || stored[0].Y != 17 {
		t.Fatalf("stored = %+v, want final position (42,17)", stored)
	}

	// The canceled timer must stay canceled.
	time.Sleep(600 * time.Millisecond)
	if got := counting.batches.Load(); got != 1 {
		t.Fatalf("batches = %d after timer window, want still 1", got)
	}
}

func TestTapWithoutMoveWritesNothing(t *testing.T) {
	co, _, counting := newRig(t, 40*time.Millisecond, rectShape("a", 0, 0))

	if err := co.BeginDrag(identity, Point{}, "a"); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	if err := co.EndDrag(context.Background()); err != nil {
		t.Fatalf("EndDrag: %v", err)
	}
	if got := counting.batches.Load(); got != 0 {
		t.Fatalf("batches = %d, want 0 for a tap", got)
	}
}

func TestCancelDragRestoresStart(t *testing.T) {
	co, eng, counting := newRig(t, 500*time.Millisecond, rectShape("a", 10, 20))

	if err := co.BeginDrag(identity, Point{}, "a"); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	co.MoveDrag(Point{X: 300, Y: 300})
	co.CancelDrag()

	a, _ := eng.Get("a")
	if a.X != 10 || a.Y != 20 {
		t.Fatalf("a at (%v,%v), want restored (10,20)", a.X, a.Y)
	}
	time.Sleep(50 * time.Millisecond)
	if got := counting.batches.Load(); got != 0 {
		t.Fatalf("batches = %d, want 0 after cancel", got)
	}
	if got := co.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
}

func TestOneGestureAtATime(t *testing.T) {
	co, _, _ := newRig(t, 40*time.Millisecond, rectShape("a", 0, 0))

	if err := co.BeginDrag(identity, Point{}, "a"); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	if err := co.BeginDrag(identity, Point{}, "a"); !errors.Is(err, ErrGestureActive) {
		t.Fatalf("second BeginDrag err = %v, want ErrGestureActive", err)
	}
	if err := co.BeginTransform("a"); !errors.Is(err, ErrGestureActive) {
		t.Fatalf("BeginTransform err = %v, want ErrGestureActive", err)
	}
	if err := co.EndTransform(context.Background()); !errors.Is(err, ErrNoGesture) {
		t.Fatalf("EndTransform err = %v, want ErrNoGesture", err)
	}
	if err := co.EndDrag(context.Background()); err != nil {
		t.Fatalf("EndDrag: %v", err)
	}
	if err := co.EndDrag(context.Background()); !errors.Is(err, ErrNoGesture) {
		t.Fatalf("EndDrag on idle err = %v, want ErrNoGesture", err)
	}
}

func TestBeginDragValidatesSelection(t *testing.T) {
	co, _, _ := newRig(t, 40*time.Millisecond, rectShape("a", 0, 0))

	if err := co.BeginDrag(identity, Point{}); err == nil {
		t.Fatal("empty selection should fail")
	}
	if err := co.BeginDrag(identity, Point{}, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if got := co.State(); got != StateIdle {
		t.Fatalf("failed begin should stay idle, state = %s", got)
	}
}

func TestMoveWithoutGestureIsNoop(t *testing.T) {
	co, eng, _ := newRig(t, 40*time.Millisecond, rectShape("a", 10, 20))

	co.MoveDrag(Point{X: 999, Y: 999})
	co.MoveTransform(Transform{ScaleX: 9, ScaleY: 9})

	a, _ := eng.Get("a")
	if a.X != 10 || a.Y != 20 {
		t.Fatalf("a moved to (%v,%v) without a gesture", a.X, a.Y)
	}
}

func TestTransformPayloadPerVariant(t *testing.T) {
	shapes := []model.Shape{
		rectShape("rect", 0, 0),
		{ID: "circle", Opacity: 1, ZIndex: 2, Geometry: model.CircleGeometry{Radius: 10}},
		{ID: "ellipse", Opacity: 1, ZIndex: 3, Geometry: model.EllipseGeometry{RadiusX: 10, RadiusY: 20}},
		{ID: "line", X: 10, Y: 20, Opacity: 1, ZIndex: 4, Geometry: model.LineGeometry{EndX: 110, EndY: 220}},
		{ID: "star", Opacity: 1, ZIndex: 5, Geometry: model.StarGeometry{InnerRadius: 10, OuterRadius: 20, Points: 5, ScaleX: 1, ScaleY: 1}},
		{ID: "text", Opacity: 1, ZIndex: 6, Geometry: model.TextGeometry{Text: "hi", FontSize: 16, FontFamily: "Inter", Width: 80, ScaleX: 1, ScaleY: 1}},
	}
	co, eng, _ := newRig(t, 500*time.Millisecond, shapes...)

	ids := []string{"rect", "circle", "ellipse", "line", "star", "text"}
	if err := co.BeginTransform(ids...); err != nil {
		t.Fatalf("BeginTransform: %v", err)
	}
	co.MoveTransform(Transform{ScaleX: 2, ScaleY: 3, Rotation: 90})
	if err := co.EndTransform(context.Background()); err != nil {
		t.Fatalf("EndTransform: %v", err)
	}

	rect, _ := eng.Get("rect")
	if g := rect.Geometry.(model.RectangleGeometry); g.Width != 200 || g.Height != 150 {
		t.Fatalf("rect = %+v, want 200x150", g)
	}
	if rect.Rotation != 90 {
		t.Fatalf("rect rotation = %v, want 90", rect.Rotation)
	}
	circle, _ := eng.Get("circle")
	if g := circle.Geometry.(model.CircleGeometry); g.Radius != 30 {
		t.Fatalf("circle radius = %v, want dominant factor 30", g.Radius)
	}
	ellipse, _ := eng.Get("ellipse")
	if g := ellipse.Geometry.(model.EllipseGeometry); g.RadiusX != 20 || g.RadiusY != 60 {
		t.Fatalf("ellipse = %+v, want 20/60", g)
	}
	line, _ := eng.Get("line")
	if g := line.Geometry.(model.LineGeometry); g.EndX != 210 || g.EndY != 620 {
		t.Fatalf("line end = (%v,%v), want scaled around origin (210,620)", g.EndX, g.EndY)
	}
	star, _ := eng.Get("star")
	if g := star.Geometry.(model.StarGeometry); g.ScaleX != 2 || g.ScaleY != 3 {
		t.Fatalf("star scale = %v/%v, want frozen 2/3", g.ScaleX, g.ScaleY)
	}
	if g := star.Geometry.(model.StarGeometry); g.InnerRadius != 10 || g.OuterRadius != 20 {
		t.Fatalf("star radii changed: %+v", g)
	}
	text, _ := eng.Get("text")
	if g := text.Geometry.(model.TextGeometry); g.ScaleX != 2 || g.ScaleY != 3 || g.FontSize != 16 {
		t.Fatalf("text = %+v, want frozen scale and untouched font", g)
	}
}

func TestTransformZeroFactorsMeanNoScale(t *testing.T) {
	co, eng, _ := newRig(t, 500*time.Millisecond, rectShape("a", 0, 0))

	if err := co.BeginTransform("a"); err != nil {
		t.Fatalf("BeginTransform: %v", err)
	}
	co.MoveTransform(Transform{Rotation: 45})
	if err := co.EndTransform(context.Background()); err != nil {
		t.Fatalf("EndTransform: %v", err)
	}

	a, _ := eng.Get("a")
	g := a.Geometry.(model.RectangleGeometry)
	if g.Width != 100 || g.Height != 50 {
		t.Fatalf("rect = %+v, want untouched 100x50", g)
	}
	if a.Rotation != 45 {
		t.Fatalf("rotation = %v, want 45", a.Rotation)
	}
}

func TestTransformFactorsDoNotCompoundAcrossMoves(t *testing.T) {
	co, eng, _ := newRig(t, 500*time.Millisecond, rectShape("a", 0, 0))

	if err := co.BeginTransform("a"); err != nil {
		t.Fatalf("BeginTransform: %v", err)
	}
	co.MoveTransform(Transform{ScaleX: 2, ScaleY: 2})
	co.MoveTransform(Transform{ScaleX: 2, ScaleY: 2})
	co.MoveTransform(Transform{ScaleX: 1.5, ScaleY: 1.5})

	a, _ := eng.Get("a")
	g := a.Geometry.(model.RectangleGeometry)
	if g.Width != 150 || g.Height != 75 {
		t.Fatalf("rect = %+v, want start*latest factor 150x75", g)
	}
}
