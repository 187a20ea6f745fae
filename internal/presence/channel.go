// Package presence manages a client's membership of one canvas room:
// the join record, the heartbeat that keeps it alive, the throttled
// cursor stream, and the read-side filtered roster.
package presence

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"canvas-sync/internal/metrics"
	"canvas-sync/internal/model"
	"canvas-sync/internal/store"
	"canvas-sync/internal/throttle"
)

const (
	// HeartbeatInterval 하트비트 주기
	HeartbeatInterval = 30 * time.Second
	// Timeout: peers older than this are filtered out of every roster
	// read. Must stay comfortably above HeartbeatInterval.
	Timeout = 60 * time.Second
	// CursorWriteInterval trailing throttle on cursor store writes.
	CursorWriteInterval = 50 * time.Millisecond
	// CursorMaxRate / CursorBurst per-user ceiling on cursor samples.
	CursorMaxRate = 30
	CursorBurst   = 10
)

const cursorKey = "cursor"

// Identity is who this channel represents in the room.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

// Options tune the channel; zero values take the package defaults.
type Options struct {
	HeartbeatInterval   time.Duration
	Timeout             time.Duration
	CursorWriteInterval time.Duration
	CursorMaxRate       rate.Limit
	CursorBurst         int
	WriteTimeout        time.Duration
}

func (o *Options) fill() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = HeartbeatInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = Timeout
	}
	if o.CursorWriteInterval <= 0 {
		o.CursorWriteInterval = CursorWriteInterval
	}
	if o.CursorMaxRate <= 0 {
		o.CursorMaxRate = CursorMaxRate
	}
	if o.CursorBurst <= 0 {
		o.CursorBurst = CursorBurst
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

// Channel is one client's presence in one canvas room.
type Channel struct {
	presence store.PresenceStore
	canvasID string
	id       Identity
	opts     Options

	gate    *throttle.Gate
	limiter *rate.Limiter
	drops   atomic.Int64

	mu         sync.Mutex
	joined     bool
	cursor     model.Cursor
	stop       chan struct{}
	hookCancel func()
}

// NewChannel builds a channel; Join starts it.
func NewChannel(presence store.PresenceStore, canvasID string, id Identity, opts Options) *Channel {
	opts.fill()
	return &Channel{
		presence: presence,
		canvasID: canvasID,
		id:       id,
		opts:     opts,
		gate:     throttle.NewGate(opts.CursorWriteInterval),
		limiter:  rate.NewLimiter(opts.CursorMaxRate, opts.CursorBurst),
	}
}

// Join writes the initial presence record, starts the heartbeat, and
// registers server-side disconnect cleanup when the store supports it.
// ctx scopes the connection: its cancellation is what the disconnect
// hook fires on. Joining twice refreshes the record.
func (c *Channel) Join(ctx context.Context) error {
	c.mu.Lock()
	already := c.joined
	c.mu.Unlock()
	if already {
		return c.presence.PutPresence(ctx, c.canvasID, c.record())
	}

	if err := c.presence.PutPresence(ctx, c.canvasID, c.record()); err != nil {
		return err
	}

	var hookCancel func()
	if hooker, ok := c.presence.(store.DisconnectHooker); ok {
		cancel, err := hooker.OnDisconnect(ctx, c.canvasID, c.id.UserID)
		if err != nil {
			log.Printf("[Presence] disconnect hook unavailable for %s: %v", c.canvasID, err)
		} else {
			hookCancel = cancel
		}
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.joined = true
	c.stop = stop
	c.hookCancel = hookCancel
	c.mu.Unlock()

	go c.heartbeatLoop(stop)
	return nil
}

// Leave tears the membership down: heartbeat stopped, pending cursor
// write dropped, disconnect hook unregistered, record deleted. Nothing
// may write presence for this user after Leave returns.
func (c *Channel) Leave(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	stop := c.stop
	hookCancel := c.hookCancel
	c.stop = nil
	c.hookCancel = nil
	c.mu.Unlock()

	close(stop)
	c.gate.Cancel(cursorKey)
	if hookCancel != nil {
		hookCancel()
	}
	if err := c.presence.RemovePresence(ctx, c.canvasID, c.id.UserID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// Close is Leave with a bounded context, for teardown paths.
func (c *Channel) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	err := c.Leave(ctx)
	c.gate.Close()
	return err
}

// UpdateCursor records the latest pointer sample. Samples over the
// rate ceiling are dropped, not queued; surviving samples coalesce to
// one store write per throttle tick, newest position winning.
func (c *Channel) UpdateCursor(p model.Cursor) {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return
	}

	// Dropped samples leave no trace: a later write must not pick a
	// rejected position up.
	if !c.limiter.Allow() {
		metrics.CursorDrop()
		if c.drops.Add(1) == 1 {
			log.Printf("[audit] user %s exceeded the cursor rate ceiling on canvas %s, dropping samples", c.id.UserID, c.canvasID)
		}
		return
	}
	c.drops.Store(0)

	c.mu.Lock()
	c.cursor = p
	c.mu.Unlock()

	if c.gate.Schedule(cursorKey, c.writeCursor) {
		metrics.CoalescedWrite()
	}
}

// writeCursor reads the cursor at fire time so the newest sample wins
// even when several arrived within one tick.
func (c *Channel) writeCursor() {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	rec := c.recordLocked()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := c.presence.PutPresence(ctx, c.canvasID, rec); err != nil {
		log.Printf("[Presence] cursor write failed for %s on %s: %v", c.id.UserID, c.canvasID, err)
	}
}

// Subscribe delivers the live peers of this client (self excluded) on
// every roster change. Staleness is filtered here, on the read side,
// so a crashed peer ages out of everyone's view without cleanup.
func (c *Channel) Subscribe(ctx context.Context, fn func([]model.UserPresence)) (store.Unsubscribe, error) {
	return c.presence.SubscribePresence(ctx, c.canvasID, func(records []model.UserPresence) {
		fn(model.FilterLive(records, time.Now(), c.opts.Timeout, c.id.UserID))
	})
}

// Roster returns everyone currently live in the room, self included.
func (c *Channel) Roster(ctx context.Context) ([]model.UserPresence, error) {
	records, err := c.presence.ListPresence(ctx, c.canvasID)
	if err != nil {
		return nil, err
	}
	return model.FilterLive(records, time.Now(), c.opts.Timeout, ""), nil
}

func (c *Channel) heartbeatLoop(stop chan struct{}) {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.beat()
		}
	}
}

// beat restamps lastSeen so an idle-but-connected user stays visible.
// A record the store already expired is written back whole.
func (c *Channel) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()

	err := c.presence.TouchPresence(ctx, c.canvasID, c.id.UserID, model.NowMilli())
	if errors.Is(err, store.ErrNotFound) {
		// Missing record: either the store expired it (recreate) or a
		// concurrent Leave removed it (leave it gone).
		c.mu.Lock()
		joined := c.joined
		c.mu.Unlock()
		if !joined {
			return
		}
		err = c.presence.PutPresence(ctx, c.canvasID, c.record())
	}
	if err != nil {
		metrics.Heartbeat("error")
		log.Printf("[Presence] heartbeat failed for %s on %s: %v", c.id.UserID, c.canvasID, err)
		return
	}
	metrics.Heartbeat("ok")
}

func (c *Channel) record() model.UserPresence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordLocked()
}

func (c *Channel) recordLocked() model.UserPresence {
	return model.UserPresence{
		UserID:      c.id.UserID,
		DisplayName: c.id.DisplayName,
		Avatar:      c.id.Avatar,
		Cursor:      c.cursor,
		LastSeen:    model.NowMilli(),
		IsActive:    true,
	}
}
