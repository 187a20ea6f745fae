// Package cursor smooths remote pointer motion. Samples arrive tens of
// milliseconds apart; rendering them raw makes peers' cursors teleport.
// The interpolator eases each cursor toward its newest sample a little
// every frame, decelerating into the target instead of stopping dead.
package cursor

import (
	"math"
	"sort"
	"sync"
	"time"

	"canvas-sync/internal/model"
)

const (
	// Speed fraction of the remaining distance covered per frame.
	Speed = 0.15
	// Epsilon: closer than this snaps onto the target outright, ending
	// the asymptotic creep.
	Epsilon = 0.5
	// FrameInterval 프레임 주기
	FrameInterval = 16 * time.Millisecond
)

// Position is one user's smoothed cursor.
type Position struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// Options tune the interpolator; zero values take package defaults.
// Manual disables the internal frame loop for embedders that drive
// frames themselves (and for deterministic tests); they call Step.
type Options struct {
	Speed         float64
	Epsilon       float64
	FrameInterval time.Duration
	OnFrame       func([]Position)
	Manual        bool
}

type state struct {
	curX, curY float64
	tgtX, tgtY float64
	lastUpdate int64
}

// Interpolator holds per-user easing state. The frame loop starts
// lazily with the first tracked cursor and stops when none remain.
type Interpolator struct {
	speed   float64
	epsilon float64
	frame   time.Duration
	onFrame func([]Position)
	manual  bool

	mu      sync.Mutex
	states  map[string]*state
	running bool
	stop    chan struct{}
	closed  bool
}

// New builds an interpolator.
func New(opts Options) *Interpolator {
	if opts.Speed <= 0 || opts.Speed > 1 {
		opts.Speed = Speed
	}
	if opts.Epsilon <= 0 {
		opts.Epsilon = Epsilon
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = FrameInterval
	}
	return &Interpolator{
		speed:   opts.Speed,
		epsilon: opts.Epsilon,
		frame:   opts.FrameInterval,
		onFrame: opts.OnFrame,
		manual:  opts.Manual,
		states:  make(map[string]*state),
	}
}

// Observe feeds a new sample for a user. Only the target moves; the
// rendered position catches up frame by frame. A user seen for the
// first time starts exactly on the sample instead of easing in from
// the origin.
func (i *Interpolator) Observe(userID string, c model.Cursor) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	s, ok := i.states[userID]
	if !ok {
		s = &state{curX: c.X, curY: c.Y}
		i.states[userID] = s
	}
	s.tgtX = c.X
	s.tgtY = c.Y
	s.lastUpdate = model.NowMilli()

	if !i.manual && !i.running {
		i.running = true
		i.stop = make(chan struct{})
		go i.loop(i.stop)
	}
	i.mu.Unlock()
}

// SyncUsers reconciles tracked cursors with the live peer list: new
// and moved peers are observed, departed peers are dropped.
func (i *Interpolator) SyncUsers(peers []model.UserPresence) {
	alive := make(map[string]bool, len(peers))
	for _, p := range peers {
		alive[p.UserID] = true
		i.Observe(p.UserID, p.Cursor)
	}

	i.mu.Lock()
	for id := range i.states {
		if !alive[id] {
			delete(i.states, id)
		}
	}
	i.mu.Unlock()
}

// Remove drops one user's easing state.
func (i *Interpolator) Remove(userID string) {
	i.mu.Lock()
	delete(i.states, userID)
	i.mu.Unlock()
}

// Positions returns the current smoothed cursors, ordered by user id.
func (i *Interpolator) Positions() []Position {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.positionsLocked()
}

// Step advances every cursor one frame and delivers the result to
// OnFrame. Embedders running in manual mode call this per frame.
func (i *Interpolator) Step() []Position {
	positions, _ := i.advance()
	if i.onFrame != nil && positions != nil {
		i.onFrame(positions)
	}
	return positions
}

// Close stops the frame loop and drops all state.
func (i *Interpolator) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	i.states = make(map[string]*state)
	if i.running {
		i.running = false
		close(i.stop)
	}
	i.mu.Unlock()
}

func (i *Interpolator) loop(stop chan struct{}) {
	t := time.NewTicker(i.frame)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			positions, alive := i.advance()
			if i.onFrame != nil && positions != nil {
				i.onFrame(positions)
			}
			if !alive {
				return
			}
		}
	}
}

// advance moves every cursor toward its target by the easing fraction,
// snapping when the remaining distance is inside epsilon. Reports
// whether the loop should keep running.
func (i *Interpolator) advance() ([]Position, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.states) == 0 {
		i.running = false
		return nil, false
	}
	for _, s := range i.states {
		dx := s.tgtX - s.curX
		dy := s.tgtY - s.curY
		if math.Hypot(dx, dy) < i.epsilon {
			s.curX = s.tgtX
			s.curY = s.tgtY
			continue
		}
		s.curX += dx * i.speed
		s.curY += dy * i.speed
	}
	return i.positionsLocked(), true
}

func (i *Interpolator) positionsLocked() []Position {
	out := make([]Position, 0, len(i.states))
	for id, s := range i.states {
		out = append(out, Position{UserID: id, X: s.curX, Y: s.curY})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UserID < out[b].UserID })
	return out
}
