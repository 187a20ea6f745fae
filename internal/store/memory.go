package store

import (
	"context"
	"sync"

	"canvas-sync/internal/model"
)

// Memory is the in-process adapter used by tests, the simulator and
// single-node development. It implements all three ports and the
// disconnect hook.
//
// Snapshot deliveries are serialized and always re-read the latest
// state, so listeners may see two writes coalesced into one delivery
// but never a newer snapshot followed by an older one.
type Memory struct {
	mu       sync.RWMutex
	shapes   map[string]map[string]model.Shape
	presence map[string]map[string]model.UserPresence
	meta     map[string]model.CanvasMeta
	closed   bool

	subMu     sync.Mutex
	nextSub   int
	shapeSubs map[string]map[int]func([]model.Shape)
	presSubs  map[string]map[int]func([]model.UserPresence)

	notifyMu sync.Mutex
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		shapes:    make(map[string]map[string]model.Shape),
		presence:  make(map[string]map[string]model.UserPresence),
		meta:      make(map[string]model.CanvasMeta),
		shapeSubs: make(map[string]map[int]func([]model.Shape)),
		presSubs:  make(map[string]map[int]func([]model.UserPresence)),
	}
}

func (m *Memory) GetShapes(ctx context.Context, canvasID string) ([]model.Shape, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.snapshotLocked(canvasID), nil
}

func (m *Memory) PutShape(ctx context.Context, canvasID string, shape model.Shape) error {
	return m.PutShapes(ctx, canvasID, []model.Shape{shape})
}

func (m *Memory) PutShapes(ctx context.Context, canvasID string, shapes []model.Shape) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	canvas := m.shapes[canvasID]
	if canvas == nil {
		canvas = make(map[string]model.Shape)
		m.shapes[canvasID] = canvas
	}
	for _, s := range shapes {
		if existing, ok := canvas[s.ID]; ok && existing.UpdatedAt == s.UpdatedAt && s.UpdatedBy < existing.UpdatedBy {
			// Equal-stamp tie: the lexically higher writer keeps the
			// document, so concurrent writers resolve deterministically.
			continue
		}
		canvas[s.ID] = s
	}
	m.mu.Unlock()

	m.notifyShapes(canvasID)
	return nil
}

func (m *Memory) DeleteShapes(ctx context.Context, canvasID string, ids []string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	canvas := m.shapes[canvasID]
	for _, id := range ids {
		delete(canvas, id)
	}
	m.mu.Unlock()

	m.notifyShapes(canvasID)
	return nil
}

func (m *Memory) SubscribeShapes(ctx context.Context, canvasID string, fn func([]model.Shape)) (Unsubscribe, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	initial := m.snapshotLocked(canvasID)
	m.mu.RUnlock()

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	subs := m.shapeSubs[canvasID]
	if subs == nil {
		subs = make(map[int]func([]model.Shape))
		m.shapeSubs[canvasID] = subs
	}
	subs[id] = fn
	m.subMu.Unlock()

	fn(initial)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.shapeSubs[canvasID], id)
			m.subMu.Unlock()
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			unsub()
		}()
	}
	return unsub, nil
}

func (m *Memory) PutPresence(ctx context.Context, canvasID string, p model.UserPresence) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	canvas := m.presence[canvasID]
	if canvas == nil {
		canvas = make(map[string]model.UserPresence)
		m.presence[canvasID] = canvas
	}
	canvas[p.UserID] = p
	m.mu.Unlock()

	m.notifyPresence(canvasID)
	return nil
}

func (m *Memory) TouchPresence(ctx context.Context, canvasID, userID string, lastSeen int64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	canvas := m.presence[canvasID]
	p, ok := canvas[userID]
	if !ok {
		m.mu.Unlock()
		return NotFound("presence", userID)
	}
	p.LastSeen = lastSeen
	canvas[userID] = p
	m.mu.Unlock()

	m.notifyPresence(canvasID)
	return nil
}

func (m *Memory) RemovePresence(ctx context.Context, canvasID, userID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	delete(m.presence[canvasID], userID)
	m.mu.Unlock()

	m.notifyPresence(canvasID)
	return nil
}

func (m *Memory) ListPresence(ctx context.Context, canvasID string) ([]model.UserPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.rosterLocked(canvasID), nil
}

func (m *Memory) SubscribePresence(ctx context.Context, canvasID string, fn func([]model.UserPresence)) (Unsubscribe, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	initial := m.rosterLocked(canvasID)
	m.mu.RUnlock()

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	subs := m.presSubs[canvasID]
	if subs == nil {
		subs = make(map[int]func([]model.UserPresence))
		m.presSubs[canvasID] = subs
	}
	subs[id] = fn
	m.subMu.Unlock()

	fn(initial)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.presSubs[canvasID], id)
			m.subMu.Unlock()
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			unsub()
		}()
	}
	return unsub, nil
}

// OnDisconnect removes the user's presence when ctx dies, unless the
// returned cancel ran first (a clean leave).
func (m *Memory) OnDisconnect(ctx context.Context, canvasID, userID string) (func(), error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	m.mu.RUnlock()

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() { close(stop) })
	}
	go func() {
		select {
		case <-stop:
		case <-ctx.Done():
			_ = m.RemovePresence(context.Background(), canvasID, userID)
		}
	}()
	return cancel, nil
}

func (m *Memory) CreateCanvas(ctx context.Context, meta model.CanvasMeta) (model.CanvasMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.CanvasMeta{}, ErrClosed
	}
	if meta.ID == "" {
		meta.ID = newCanvasID()
	}
	if !meta.Permissions.AccessType.Valid() {
		meta.Permissions.AccessType = model.AccessPrivate
	}
	meta.Viewport.Clamp()
	now := model.NowMilli()
	meta.CreatedAt = now
	meta.UpdatedAt = now
	m.meta[meta.ID] = meta
	return meta, nil
}

func (m *Memory) GetCanvas(ctx context.Context, canvasID string) (model.CanvasMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.CanvasMeta{}, ErrClosed
	}
	meta, ok := m.meta[canvasID]
	if !ok {
		return model.CanvasMeta{}, NotFound("canvas", canvasID)
	}
	return meta, nil
}

func (m *Memory) ListCanvases(ctx context.Context, ownerID string) ([]model.CanvasMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]model.CanvasMeta, 0)
	for _, meta := range m.meta {
		if meta.Permissions.OwnerID == ownerID {
			out = append(out, meta)
		}
	}
	return out, nil
}

func (m *Memory) SaveViewport(ctx context.Context, canvasID string, v model.Viewport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	meta, ok := m.meta[canvasID]
	if !ok {
		return NotFound("canvas", canvasID)
	}
	v.Clamp()
	meta.Viewport = v
	meta.UpdatedAt = model.NowMilli()
	m.meta[canvasID] = meta
	return nil
}

func (m *Memory) SavePermissions(ctx context.Context, canvasID, actorID string, perms model.Permissions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	meta, ok := m.meta[canvasID]
	if !ok {
		return NotFound("canvas", canvasID)
	}
	if meta.Permissions.OwnerID != actorID {
		return PermissionDenied(actorID, "canvas", canvasID)
	}
	if perms.OwnerID == "" {
		perms.OwnerID = meta.Permissions.OwnerID
	}
	if !perms.AccessType.Valid() {
		perms.AccessType = meta.Permissions.AccessType
	}
	meta.Permissions = perms
	meta.UpdatedAt = model.NowMilli()
	m.meta[canvasID] = meta
	return nil
}

func (m *Memory) DeleteCanvas(ctx context.Context, canvasID, actorID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	meta, ok := m.meta[canvasID]
	if !ok {
		m.mu.Unlock()
		return NotFound("canvas", canvasID)
	}
	if meta.Permissions.OwnerID != actorID {
		m.mu.Unlock()
		return PermissionDenied(actorID, "canvas", canvasID)
	}
	delete(m.meta, canvasID)
	delete(m.shapes, canvasID)
	delete(m.presence, canvasID)
	m.mu.Unlock()

	m.notifyShapes(canvasID)
	m.notifyPresence(canvasID)
	return nil
}

// Close rejects all further operations. Subscriptions stop receiving.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.subMu.Lock()
	m.shapeSubs = make(map[string]map[int]func([]model.Shape))
	m.presSubs = make(map[string]map[int]func([]model.UserPresence))
	m.subMu.Unlock()
}

func (m *Memory) snapshotLocked(canvasID string) []model.Shape {
	canvas := m.shapes[canvasID]
	out := make([]model.Shape, 0, len(canvas))
	for _, s := range canvas {
		out = append(out, s)
	}
	model.SortShapes(out)
	return out
}

func (m *Memory) rosterLocked(canvasID string) []model.UserPresence {
	canvas := m.presence[canvasID]
	out := make([]model.UserPresence, 0, len(canvas))
	for _, p := range canvas {
		out = append(out, p)
	}
	return out
}

// notifyShapes re-reads the latest snapshot under the delivery lock, so
// concurrent writers cannot reorder deliveries.
func (m *Memory) notifyShapes(canvasID string) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.RLock()
	snapshot := m.snapshotLocked(canvasID)
	m.mu.RUnlock()

	m.subMu.Lock()
	fns := make([]func([]model.Shape), 0, len(m.shapeSubs[canvasID]))
	for _, fn := range m.shapeSubs[canvasID] {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

func (m *Memory) notifyPresence(canvasID string) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.RLock()
	roster := m.rosterLocked(canvasID)
	m.mu.RUnlock()

	m.subMu.Lock()
	fns := make([]func([]model.UserPresence), 0, len(m.presSubs[canvasID]))
	for _, fn := range m.presSubs[canvasID] {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(roster)
	}
}
