package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"canvas-sync/internal/cursor"
	"canvas-sync/internal/metrics"
	"canvas-sync/internal/model"
	"canvas-sync/internal/mutation"
	"canvas-sync/internal/objectsync"
	"canvas-sync/internal/presence"
	"canvas-sync/internal/store"
	"canvas-sync/internal/throttle"
)

// ViewportSaveInterval 뷰포트 저장 주기
const ViewportSaveInterval = 500 * time.Millisecond

const viewportKey = "viewport"

// Config wires one session's tuning; zero values take the package
// defaults of each component.
type Config struct {
	WriteInterval    time.Duration // gesture store write cap
	ViewportInterval time.Duration // viewport save coalescing
	Presence         presence.Options
	Cursor           cursor.Options
}

// Session 한 클라이언트의 캔버스 동기화 세션 (Thread-Safe)
// It owns the sync engine, the gesture coordinator, the presence
// membership and the cursor easing for one canvas, and tears them all
// down together.
type Session struct {
	ID          string
	CanvasID    string
	Identity    presence.Identity
	ConnectedAt time.Time

	engine       *objectsync.Engine
	coordinator  *mutation.Coordinator
	channel      *presence.Channel
	interpolator *cursor.Interpolator

	meta store.MetaStore
	gate *throttle.Gate

	// 동시성 제어
	mu       sync.RWMutex
	viewport model.Viewport
	closed   bool

	peersUnsub store.Unsubscribe

	ctx    context.Context
	cancel context.CancelFunc
}

// Open joins the canvas: attaches the engine to the store, publishes
// presence, and starts easing remote cursors. parent scopes the
// connection; its cancellation counts as a dirty disconnect.
func Open(parent context.Context, stores store.Stores, canvasID string, id presence.Identity, cfg Config) (*Session, error) {
	if cfg.ViewportInterval <= 0 {
		cfg.ViewportInterval = ViewportSaveInterval
	}
	ctx, cancel := context.WithCancel(parent)

	eng, err := objectsync.New(ctx, stores.Objects, canvasID, id.UserID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open session: %w", err)
	}

	s := &Session{
		ID:           uuid.New().String(),
		CanvasID:     canvasID,
		Identity:     id,
		ConnectedAt:  time.Now(),
		engine:       eng,
		coordinator:  mutation.NewCoordinator(eng, cfg.WriteInterval),
		channel:      presence.NewChannel(stores.Presence, canvasID, id, cfg.Presence),
		interpolator: cursor.New(cfg.Cursor),
		meta:         stores.Meta,
		gate:         throttle.NewGate(cfg.ViewportInterval),
		viewport:     model.Viewport{Scale: 1},
		ctx:          ctx,
		cancel:       cancel,
	}

	if meta, err := stores.Meta.GetCanvas(ctx, canvasID); err == nil {
		s.viewport = meta.Viewport
		s.viewport.Clamp()
	}

	if err := s.channel.Join(ctx); err != nil {
		s.engine.Close()
		cancel()
		return nil, fmt.Errorf("join presence: %w", err)
	}

	// 피어 목록 변경을 커서 보간기로 전달
	unsub, err := s.channel.Subscribe(ctx, s.interpolator.SyncUsers)
	if err != nil {
		_ = s.channel.Close()
		s.engine.Close()
		cancel()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	s.peersUnsub = unsub

	metrics.SessionOpened()
	return s, nil
}

// Context 세션 컨텍스트 반환
func (s *Session) Context() context.Context {
	return s.ctx
}

// Engine returns the shape sync engine.
func (s *Session) Engine() *objectsync.Engine {
	return s.engine
}

// Gestures returns the gesture coordinator.
func (s *Session) Gestures() *mutation.Coordinator {
	return s.coordinator
}

// Presence returns the presence channel.
func (s *Session) Presence() *presence.Channel {
	return s.channel
}

// Cursors returns the remote cursor interpolator.
func (s *Session) Cursors() *cursor.Interpolator {
	return s.interpolator
}

// OnSnapshot registers a shape snapshot listener; the current state is
// delivered before it returns.
func (s *Session) OnSnapshot(fn func(objectsync.Snapshot)) store.Unsubscribe {
	return s.engine.Subscribe(fn)
}

// OnPeers registers a live peer list listener.
func (s *Session) OnPeers(fn func([]model.UserPresence)) (store.Unsubscribe, error) {
	return s.channel.Subscribe(s.ctx, fn)
}

// Viewport 현재 뷰포트 조회
func (s *Session) Viewport() model.Viewport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewport
}

// SetViewport records a pan/zoom change. Saves coalesce to one store
// write per interval; the newest viewport always wins and the last one
// is flushed on Close.
func (s *Session) SetViewport(v model.Viewport) {
	v.Clamp()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.viewport = v
	s.mu.Unlock()

	if s.gate.Schedule(viewportKey, s.saveViewport) {
		metrics.CoalescedWrite()
	}
}

func (s *Session) saveViewport() {
	s.mu.RLock()
	v := s.viewport
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.meta.SaveViewport(ctx, s.CanvasID, v); err != nil {
		log.Printf("[Session] viewport save failed for canvas %s: %v", s.CanvasID, err)
	}
}

// SetPermissions 캔버스 접근 권한 변경. The registry enforces the owner
// check against this session's identity.
func (s *Session) SetPermissions(ctx context.Context, perms model.Permissions) error {
	if s.IsClosed() {
		return fmt.Errorf("session %s is closed", s.ID)
	}
	return s.meta.SavePermissions(ctx, s.CanvasID, s.Identity.UserID, perms)
}

// Duration 연결 유지 시간
func (s *Session) Duration() time.Duration {
	return time.Since(s.ConnectedAt)
}

// IsClosed 세션 종료 여부 확인
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close leaves the canvas cleanly: the pending viewport save is
// flushed, the gesture throttle is dropped, presence is removed before
// the connection context dies, and every component shuts down.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.gate.Flush(viewportKey)
	s.gate.Close()
	s.coordinator.Close()
	if s.peersUnsub != nil {
		s.peersUnsub()
	}
	err := s.channel.Close()
	s.interpolator.Close()
	s.engine.Close()
	s.cancel()

	metrics.SessionClosed()
	log.Printf("[Session] %s left canvas %s after %v", s.Identity.UserID, s.CanvasID, s.Duration().Round(time.Millisecond))
	return err
}
