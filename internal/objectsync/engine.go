// Package objectsync keeps a local mirror of a canvas's shapes in step
// with the shared store. Writers apply changes to the mirror first so
// the caller's own canvas never waits on the network, then push to the
// store; remote snapshots replace the mirror wholesale.
package objectsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"canvas-sync/internal/metrics"
	"canvas-sync/internal/model"
	"canvas-sync/internal/store"
)

// ErrClosed engine 종료 후 호출
var ErrClosed = errors.New("sync engine closed")

// ReorderOp 정렬 방향
type ReorderOp string

const (
	BringToFront ReorderOp = "front"
	SendToBack   ReorderOp = "back"
	MoveForward  ReorderOp = "forward"
	MoveBackward ReorderOp = "backward"
)

// Diff names the shapes that changed between two snapshots.
type Diff struct {
	Added   []string `json:"added,omitempty"`
	Updated []string `json:"updated,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Snapshot is the full shape set in render order plus what changed.
type Snapshot struct {
	Shapes []model.Shape `json:"shapes"`
	Diff   Diff          `json:"diff"`
}

// Engine owns one client's view of one canvas.
type Engine struct {
	objects  store.ObjectStore
	canvasID string
	clientID string

	mu     sync.RWMutex
	mirror map[string]model.Shape
	subs   map[int]func(Snapshot)
	nextID int
	closed bool

	// notifyMu serializes deliveries so a newer snapshot can never be
	// observed before an older one.
	notifyMu sync.Mutex

	unsub store.Unsubscribe
}

// New builds an engine and attaches it to the store. The store's
// initial delivery runs before New returns, so the mirror starts
// populated.
func New(ctx context.Context, objects store.ObjectStore, canvasID, clientID string) (*Engine, error) {
	e := &Engine{
		objects:  objects,
		canvasID: canvasID,
		clientID: clientID,
		mirror:   make(map[string]model.Shape),
		subs:     make(map[int]func(Snapshot)),
	}
	unsub, err := objects.SubscribeShapes(ctx, canvasID, e.ingest)
	if err != nil {
		return nil, fmt.Errorf("subscribe canvas %s: %w", canvasID, err)
	}
	e.unsub = unsub
	return e, nil
}

// CanvasID returns the canvas this engine is bound to.
func (e *Engine) CanvasID() string { return e.canvasID }

// ClientID returns the writer identity stamped on every mutation.
func (e *Engine) ClientID() string { return e.clientID }

// ingest replaces the mirror with the store's latest snapshot.
func (e *Engine) ingest(shapes []model.Shape) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var d Diff
	next := make(map[string]model.Shape, len(shapes))
	for _, s := range shapes {
		next[s.ID] = s
		prev, ok := e.mirror[s.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, s.ID)
		case prev.UpdatedAt != s.UpdatedAt || prev.UpdatedBy != s.UpdatedBy:
			d.Updated = append(d.Updated, s.ID)
		}
	}
	for id := range e.mirror {
		if _, ok := next[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	e.mirror = next
	e.mu.Unlock()

	// Echoes of our own writes come back with the stamps we put on
	// them; nothing changed, so nothing to deliver.
	if len(d.Added)+len(d.Updated)+len(d.Removed) == 0 {
		return
	}
	e.notify(d)
}

// Subscribe registers fn and delivers the current snapshot to it
// before returning.
func (e *Engine) Subscribe(fn func(Snapshot)) store.Unsubscribe {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	shapes := e.sortedLocked()
	e.mu.Unlock()

	initial := Snapshot{Shapes: shapes}
	for _, s := range shapes {
		initial.Diff.Added = append(initial.Diff.Added, s.ID)
	}
	e.notifyMu.Lock()
	fn(initial)
	e.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Get returns one shape from the mirror.
func (e *Engine) Get(id string) (model.Shape, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.mirror[id]
	return s, ok
}

// Shapes returns the mirror in render order.
func (e *Engine) Shapes() []model.Shape {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sortedLocked()
}

func (e *Engine) sortedLocked() []model.Shape {
	out := make([]model.Shape, 0, len(e.mirror))
	for _, s := range e.mirror {
		out = append(out, s)
	}
	model.SortShapes(out)
	return out
}

func (e *Engine) maxZLocked() int {
	max := 0
	for _, s := range e.mirror {
		if s.ZIndex > max {
			max = s.ZIndex
		}
	}
	return max
}

// Create sanitizes, applies, and persists a new shape. The shape is on
// the local canvas even if the store write fails.
func (e *Engine) Create(ctx context.Context, s model.Shape) (model.Shape, error) {
	if s.Geometry == nil {
		return model.Shape{}, fmt.Errorf("create shape: geometry is required")
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := model.NowMilli()
	if s.CreatedAt == 0 {
		s.CreatedAt = now
		s.CreatedBy = e.clientID
	}
	s.UpdatedAt = now
	s.UpdatedBy = e.clientID

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return model.Shape{}, ErrClosed
	}
	if s.ZIndex == 0 {
		s.ZIndex = e.maxZLocked() + 1
	}
	s.Sanitize()
	e.mirror[s.ID] = s
	e.mu.Unlock()
	e.notify(Diff{Added: []string{s.ID}})

	metrics.ShapeWrite("create")
	if err := e.objects.PutShape(ctx, e.canvasID, s); err != nil {
		e.writeFailed("create", err)
		return s, err
	}
	return s, nil
}

// Update merges a patch into one shape.
func (e *Engine) Update(ctx context.Context, id string, p model.Patch) (model.Shape, error) {
	now := model.NowMilli()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return model.Shape{}, ErrClosed
	}
	cur, ok := e.mirror[id]
	if !ok {
		e.mu.Unlock()
		return model.Shape{}, store.NotFound("shape", id)
	}
	merged, err := cur.Merge(p)
	if err != nil {
		e.mu.Unlock()
		return model.Shape{}, fmt.Errorf("update shape %s: %w", id, err)
	}
	merged.UpdatedAt = now
	merged.UpdatedBy = e.clientID
	merged.Sanitize()
	e.mirror[id] = merged
	e.mu.Unlock()
	e.notify(Diff{Updated: []string{id}})

	metrics.ShapeWrite("update")
	if err := e.objects.PutShape(ctx, e.canvasID, merged); err != nil {
		e.writeFailed("update", err)
		return merged, err
	}
	return merged, nil
}

// BatchUpdate merges patches into several shapes with one shared stamp
// and one store write. Every id must exist before anything is touched.
func (e *Engine) BatchUpdate(ctx context.Context, patches map[string]model.Patch) error {
	if len(patches) == 0 {
		return nil
	}
	now := model.NowMilli()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	for id := range patches {
		if _, ok := e.mirror[id]; !ok {
			e.mu.Unlock()
			return store.NotFound("shape", id)
		}
	}
	var d Diff
	batch := make([]model.Shape, 0, len(patches))
	for id, p := range patches {
		merged, err := e.mirror[id].Merge(p)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("update shape %s: %w", id, err)
		}
		merged.UpdatedAt = now
		merged.UpdatedBy = e.clientID
		merged.Sanitize()
		e.mirror[id] = merged
		batch = append(batch, merged)
		d.Updated = append(d.Updated, id)
	}
	e.mu.Unlock()
	e.notify(d)

	metrics.ShapeWrite("batch")
	if err := e.objects.PutShapes(ctx, e.canvasID, batch); err != nil {
		e.writeFailed("batch", err)
		return err
	}
	return nil
}

// Delete removes shapes. Every id must exist before anything is
// removed.
func (e *Engine) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	for _, id := range ids {
		if _, ok := e.mirror[id]; !ok {
			e.mu.Unlock()
			return store.NotFound("shape", id)
		}
	}
	for _, id := range ids {
		delete(e.mirror, id)
	}
	e.mu.Unlock()
	e.notify(Diff{Removed: append([]string(nil), ids...)})

	metrics.ShapeWrite("delete")
	if err := e.objects.DeleteShapes(ctx, e.canvasID, ids); err != nil {
		e.writeFailed("delete", err)
		return err
	}
	return nil
}

// Duplicate clones shapes with fresh ids, offset onto the canvas and
// stacked above everything else in input order.
func (e *Engine) Duplicate(ctx context.Context, ids ...string) ([]model.Shape, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	now := model.NowMilli()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	for _, id := range ids {
		if _, ok := e.mirror[id]; !ok {
			e.mu.Unlock()
			return nil, store.NotFound("shape", id)
		}
	}
	maxZ := e.maxZLocked()
	var d Diff
	clones := make([]model.Shape, 0, len(ids))
	for i, id := range ids {
		c := e.mirror[id]
		c.ID = uuid.New().String()
		c.X += model.DuplicateOffset
		c.Y += model.DuplicateOffset
		c.ZIndex = maxZ + 1 + i
		c.CreatedAt = now
		c.CreatedBy = e.clientID
		c.UpdatedAt = now
		c.UpdatedBy = e.clientID
		c.Sanitize()
		e.mirror[c.ID] = c
		clones = append(clones, c)
		d.Added = append(d.Added, c.ID)
	}
	e.mu.Unlock()
	e.notify(d)

	metrics.ShapeWrite("duplicate")
	if err := e.objects.PutShapes(ctx, e.canvasID, clones); err != nil {
		e.writeFailed("duplicate", err)
		return clones, err
	}
	return clones, nil
}

// Reorder moves the selected shapes through the stacking order and
// renumbers every shape to a dense 0..n-1 z range in one write.
func (e *Engine) Reorder(ctx context.Context, op ReorderOp, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	switch op {
	case BringToFront, SendToBack, MoveForward, MoveBackward:
	default:
		return fmt.Errorf("reorder: unknown op %q", op)
	}
	now := model.NowMilli()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	selected := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := e.mirror[id]; !ok {
			e.mu.Unlock()
			return store.NotFound("shape", id)
		}
		selected[id] = true
	}

	order := e.sortedLocked()
	switch op {
	case BringToFront:
		var picked, rest []model.Shape
		for _, s := range order {
			if selected[s.ID] {
				picked = append(picked, s)
			} else {
				rest = append(rest, s)
			}
		}
		order = append(rest, picked...)
	case SendToBack:
		var picked, rest []model.Shape
		for _, s := range order {
			if selected[s.ID] {
				picked = append(picked, s)
			} else {
				rest = append(rest, s)
			}
		}
		order = append(picked, rest...)
	case MoveForward:
		// Walk from the top so a contiguous selection moves as a block
		// instead of leapfrogging itself.
		for i := len(order) - 2; i >= 0; i-- {
			if selected[order[i].ID] && !selected[order[i+1].ID] {
				order[i], order[i+1] = order[i+1], order[i]
			}
		}
	case MoveBackward:
		for i := 1; i < len(order); i++ {
			if selected[order[i].ID] && !selected[order[i-1].ID] {
				order[i], order[i-1] = order[i-1], order[i]
			}
		}
	}

	var d Diff
	batch := make([]model.Shape, 0, len(order))
	for z, s := range order {
		s.ZIndex = z
		s.UpdatedAt = now
		s.UpdatedBy = e.clientID
		e.mirror[s.ID] = s
		batch = append(batch, s)
		d.Updated = append(d.Updated, s.ID)
	}
	e.mu.Unlock()
	e.notify(d)

	metrics.ShapeWrite("reorder")
	if err := e.objects.PutShapes(ctx, e.canvasID, batch); err != nil {
		e.writeFailed("reorder", err)
		return err
	}
	return nil
}

// ApplyLocal puts shapes on the local canvas without touching the
// store. Gesture previews run through here every pointer move while the
// store write rides the throttle.
func (e *Engine) ApplyLocal(shapes ...model.Shape) {
	if len(shapes) == 0 {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var d Diff
	for _, s := range shapes {
		if _, ok := e.mirror[s.ID]; ok {
			d.Updated = append(d.Updated, s.ID)
		} else {
			d.Added = append(d.Added, s.ID)
		}
		e.mirror[s.ID] = s
	}
	e.mu.Unlock()
	e.notify(d)
}

// Persist writes already-applied shapes to the store. The throttled
// tail of a gesture lands here.
func (e *Engine) Persist(ctx context.Context, shapes ...model.Shape) error {
	if len(shapes) == 0 {
		return nil
	}
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	metrics.ShapeWrite("persist")
	if err := e.objects.PutShapes(ctx, e.canvasID, shapes); err != nil {
		e.writeFailed("persist", err)
		return err
	}
	return nil
}

func (e *Engine) notify(d Diff) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.RLock()
	shapes := e.sortedLocked()
	fns := make([]func(Snapshot), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	if len(fns) == 0 {
		return
	}
	snap := Snapshot{Shapes: shapes, Diff: d}
	for _, fn := range fns {
		fn(snap)
	}
	metrics.Snapshot()
}

func (e *Engine) writeFailed(op string, err error) {
	metrics.ShapeWriteFailure(op)
	log.Printf("[Sync] %s write failed for canvas %s: %v", op, e.canvasID, err)
}

// Close detaches from the store. The mirror stays readable.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.subs = make(map[int]func(Snapshot))
	e.mu.Unlock()
	if e.unsub != nil {
		e.unsub()
	}
	return nil
}
