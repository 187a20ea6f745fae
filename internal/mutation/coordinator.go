// Package mutation runs the gesture state machine that turns raw
// pointer streams into cheap store traffic. Every move lands on the
// local canvas immediately; the store sees at most one batch per
// throttle tick plus one exact final write when the gesture commits.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"canvas-sync/internal/metrics"
	"canvas-sync/internal/model"
	"canvas-sync/internal/objectsync"
	"canvas-sync/internal/store"
	"canvas-sync/internal/throttle"
)

// DefaultWriteInterval frame-rate cap for in-gesture store writes.
const DefaultWriteInterval = 16 * time.Millisecond

const gestureKey = "gesture"

// ErrGestureActive 제스처 중복 시작
var ErrGestureActive = errors.New("a gesture is already in flight")

// ErrNoGesture commit/cancel without an active gesture
var ErrNoGesture = errors.New("no gesture in flight")

// GestureState 제스처 상태
type GestureState string

const (
	StateIdle         GestureState = "idle"
	StateDragging     GestureState = "dragging"
	StateTransforming GestureState = "transforming"
)

// Point is a 2D position, in screen or world space depending on use.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Transform carries the live handle factors of a resize/rotate gesture,
// relative to the gesture start. Zero scale factors are treated as 1.
type Transform struct {
	ScaleX   float64 `json:"scaleX"`
	ScaleY   float64 `json:"scaleY"`
	Rotation float64 `json:"rotation"`
}

// Coordinator owns the one in-flight gesture of a client. Not safe for
// two concurrent gestures by construction: Begin rejects overlap.
type Coordinator struct {
	engine *objectsync.Engine
	gate   *throttle.Gate

	mu       sync.Mutex
	state    GestureState
	viewport model.Viewport
	anchor   Point   // gesture-start pointer, world space
	grab     Point   // single-object: pointer-to-origin delta at start
	order    []string
	start    map[string]model.Shape
	last     []model.Shape // newest applied batch, what the final write sends
}

// NewCoordinator builds a coordinator over the engine. interval <= 0
// falls back to DefaultWriteInterval.
func NewCoordinator(engine *objectsync.Engine, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = DefaultWriteInterval
	}
	return &Coordinator{
		engine: engine,
		gate:   throttle.NewGate(interval),
		state:  StateIdle,
	}
}

// State returns the current gesture state.
func (c *Coordinator) State() GestureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BeginDrag snapshots the selection and enters the dragging state.
// screen is the pointer-down position in screen coordinates.
func (c *Coordinator) BeginDrag(viewport model.Viewport, screen Point, ids ...string) error {
	if len(ids) == 0 {
		return fmt.Errorf("begin drag: empty selection")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrGestureActive
	}

	viewport.Clamp()
	start := make(map[string]model.Shape, len(ids))
	for _, id := range ids {
		s, ok := c.engine.Get(id)
		if !ok {
			return store.NotFound("shape", id)
		}
		start[id] = s
	}

	c.state = StateDragging
	c.viewport = viewport
	c.anchor = worldPoint(screen, viewport)
	c.order = append([]string(nil), ids...)
	c.start = start
	c.last = nil
	if len(ids) == 1 {
		s := start[ids[0]]
		c.grab = Point{X: s.X - c.anchor.X, Y: s.Y - c.anchor.Y}
	}
	return nil
}

// MoveDrag applies the pointer position to the selection. A lone shape
// follows the pointer directly; a multi-selection applies one uniform
// offset to every member's start position so the group never drifts
// apart.
func (c *Coordinator) MoveDrag(screen Point) {
	c.mu.Lock()
	if c.state != StateDragging {
		c.mu.Unlock()
		return
	}
	world := worldPoint(screen, c.viewport)
	now := model.NowMilli()
	author := c.engine.ClientID()

	batch := make([]model.Shape, 0, len(c.order))
	if len(c.order) == 1 {
		s := c.start[c.order[0]]
		s.X = world.X + c.grab.X
		s.Y = world.Y + c.grab.Y
		s.UpdatedAt = now
		s.UpdatedBy = author
		s.Sanitize()
		batch = append(batch, s)
	} else {
		dx := world.X - c.anchor.X
		dy := world.Y - c.anchor.Y
		for _, id := range c.order {
			s := c.start[id]
			s.X += dx
			s.Y += dy
			s.UpdatedAt = now
			s.UpdatedBy = author
			s.Sanitize()
			batch = append(batch, s)
		}
	}
	c.last = batch
	c.mu.Unlock()

	c.pushThrottled(batch)
}

// EndDrag commits the gesture: the pending throttled write is dropped
// and the exact final positions go out in one unthrottled batch.
func (c *Coordinator) EndDrag(ctx context.Context) error {
	return c.commit(ctx, StateDragging)
}

// CancelDrag abandons the gesture and puts the selection back where it
// started. Nothing reaches the store.
func (c *Coordinator) CancelDrag() {
	c.cancel(StateDragging)
}

// BeginTransform snapshots the selection and enters the transforming
// state.
func (c *Coordinator) BeginTransform(ids ...string) error {
	if len(ids) == 0 {
		return fmt.Errorf("begin transform: empty selection")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrGestureActive
	}

	start := make(map[string]model.Shape, len(ids))
	for _, id := range ids {
		s, ok := c.engine.Get(id)
		if !ok {
			return store.NotFound("shape", id)
		}
		start[id] = s
	}

	c.state = StateTransforming
	c.order = append([]string(nil), ids...)
	c.start = start
	c.last = nil
	return nil
}

// MoveTransform applies live handle factors to the selection. The
// payload differs per variant: box-like shapes bake the factors into
// their dimensions, circles and ellipses into radii, lines into their
// endpoint, and variants without a scalar size (polygon, star, text)
// freeze the factors into persisted scaleX/scaleY.
func (c *Coordinator) MoveTransform(f Transform) {
	c.mu.Lock()
	if c.state != StateTransforming {
		c.mu.Unlock()
		return
	}
	sx := normFactor(f.ScaleX)
	sy := normFactor(f.ScaleY)
	now := model.NowMilli()
	author := c.engine.ClientID()

	batch := make([]model.Shape, 0, len(c.order))
	for _, id := range c.order {
		s := c.start[id]
		s.Geometry = scaleGeometry(s, sx, sy)
		s.Rotation += f.Rotation
		s.UpdatedAt = now
		s.UpdatedBy = author
		s.Sanitize()
		batch = append(batch, s)
	}
	c.last = batch
	c.mu.Unlock()

	c.pushThrottled(batch)
}

// EndTransform commits the transform with one final unthrottled write.
func (c *Coordinator) EndTransform(ctx context.Context) error {
	return c.commit(ctx, StateTransforming)
}

// CancelTransform abandons the transform and restores the start state.
func (c *Coordinator) CancelTransform() {
	c.cancel(StateTransforming)
}

// Close drops any pending throttled write. An in-flight gesture is
// abandoned without a final write.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.state = StateIdle
	c.start = nil
	c.order = nil
	c.last = nil
	c.mu.Unlock()
	c.gate.Close()
}

func (c *Coordinator) pushThrottled(batch []model.Shape) {
	c.engine.ApplyLocal(batch...)
	if c.gate.Schedule(gestureKey, func() {
		_ = c.engine.Persist(context.Background(), batch...)
	}) {
		metrics.CoalescedWrite()
	}
}

func (c *Coordinator) commit(ctx context.Context, want GestureState) error {
	c.mu.Lock()
	if c.state != want {
		c.mu.Unlock()
		return ErrNoGesture
	}
	final := c.last
	c.state = StateIdle
	c.start = nil
	c.order = nil
	c.last = nil
	c.mu.Unlock()

	// The final write supersedes whatever the throttle had queued.
	c.gate.Cancel(gestureKey)
	if len(final) == 0 {
		// Pointer-down and up with no move in between.
		return nil
	}
	return c.engine.Persist(ctx, final...)
}

func (c *Coordinator) cancel(want GestureState) {
	c.mu.Lock()
	if c.state != want {
		c.mu.Unlock()
		return
	}
	restore := make([]model.Shape, 0, len(c.order))
	for _, id := range c.order {
		restore = append(restore, c.start[id])
	}
	moved := c.last != nil
	c.state = StateIdle
	c.start = nil
	c.order = nil
	c.last = nil
	c.mu.Unlock()

	c.gate.Cancel(gestureKey)
	if moved {
		c.engine.ApplyLocal(restore...)
	}
}

// worldPoint maps a screen position into world space under the
// viewport: world = (screen - origin) / scale.
func worldPoint(screen Point, v model.Viewport) Point {
	return Point{
		X: (screen.X - v.X) / v.Scale,
		Y: (screen.Y - v.Y) / v.Scale,
	}
}

func normFactor(f float64) float64 {
	if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 1
	}
	return f
}

// scaleGeometry applies handle factors to the start geometry. Line and
// arrow endpoints are absolute canvas coordinates, so they scale around
// the shape's own origin.
func scaleGeometry(s model.Shape, sx, sy float64) model.Geometry {
	switch v := s.Geometry.(type) {
	case model.RectangleGeometry:
		v.Width *= sx
		v.Height *= sy
		return v
	case model.ImageGeometry:
		v.Width *= sx
		v.Height *= sy
		return v
	case model.DiagramGeometry:
		v.Width *= sx
		v.Height *= sy
		return v
	case model.CircleGeometry:
		v.Radius *= math.Max(math.Abs(sx), math.Abs(sy))
		return v
	case model.EllipseGeometry:
		v.RadiusX *= sx
		v.RadiusY *= sy
		return v
	case model.LineGeometry:
		v.EndX = s.X + (v.EndX-s.X)*sx
		v.EndY = s.Y + (v.EndY-s.Y)*sy
		return v
	case model.ArrowGeometry:
		v.EndX = s.X + (v.EndX-s.X)*sx
		v.EndY = s.Y + (v.EndY-s.Y)*sy
		return v
	case model.PolygonGeometry:
		v.ScaleX *= sx
		v.ScaleY *= sy
		return v
	case model.StarGeometry:
		v.ScaleX *= sx
		v.ScaleY *= sy
		return v
	case model.TextGeometry:
		v.ScaleX *= sx
		v.ScaleY *= sy
		return v
	default:
		return s.Geometry
	}
}
