// Package store defines the remote document store ports the sync core
// runs against, plus the adapters that implement them. The engine and
// presence channel only ever see these interfaces; which vendor sits
// behind them is wiring.
package store

import (
	"context"

	"github.com/google/uuid"

	"canvas-sync/internal/model"
)

// Unsubscribe detaches a subscription. Calling it more than once is safe.
type Unsubscribe func()

// ObjectStore holds each canvas's shapes as one document per shape.
// Writes are full-document replacements: conflict resolution is
// last-write-wins at document granularity, decided by the store's write
// order. Subscriptions deliver the FULL current shape set, once
// immediately on subscribe and again after every change; deltas are
// never the source of truth.
type ObjectStore interface {
	GetShapes(ctx context.Context, canvasID string) ([]model.Shape, error)
	PutShape(ctx context.Context, canvasID string, shape model.Shape) error
	// PutShapes writes the batch atomically: all documents or none.
	PutShapes(ctx context.Context, canvasID string, shapes []model.Shape) error
	DeleteShapes(ctx context.Context, canvasID string, ids []string) error
	SubscribeShapes(ctx context.Context, canvasID string, fn func([]model.Shape)) (Unsubscribe, error)
}

// PresenceStore holds per-user presence records. Records are raw: the
// liveness filter is applied by readers, not here. Adapters may attach
// their own expiry (Redis TTL) as a safety net on top.
type PresenceStore interface {
	PutPresence(ctx context.Context, canvasID string, p model.UserPresence) error
	// TouchPresence restamps lastSeen on an existing record. A missing
	// record is ErrNotFound; the caller decides whether to re-join.
	TouchPresence(ctx context.Context, canvasID, userID string, lastSeen int64) error
	RemovePresence(ctx context.Context, canvasID, userID string) error
	ListPresence(ctx context.Context, canvasID string) ([]model.UserPresence, error)
	SubscribePresence(ctx context.Context, canvasID string, fn func([]model.UserPresence)) (Unsubscribe, error)
}

// MetaStore is the canvas registry: names, viewports and permissions.
type MetaStore interface {
	// CreateCanvas fills in a missing id and the audit stamps, and
	// returns the stored form.
	CreateCanvas(ctx context.Context, meta model.CanvasMeta) (model.CanvasMeta, error)
	GetCanvas(ctx context.Context, canvasID string) (model.CanvasMeta, error)
	ListCanvases(ctx context.Context, ownerID string) ([]model.CanvasMeta, error)
	SaveViewport(ctx context.Context, canvasID string, v model.Viewport) error
	// SavePermissions rejects non-owners with ErrPermissionDenied.
	SavePermissions(ctx context.Context, canvasID, actorID string, perms model.Permissions) error
	DeleteCanvas(ctx context.Context, canvasID, actorID string) error
}

// DisconnectHooker is an optional capability: adapters that can tell
// when a client's connection is gone run presence cleanup server-side
// instead of waiting for the timeout. The hook fires when ctx is
// canceled; the returned cancel unregisters it after a clean leave.
// Callers type-assert and fall back to timeout aging when unsupported.
type DisconnectHooker interface {
	OnDisconnect(ctx context.Context, canvasID, userID string) (cancel func(), err error)
}

// Stores bundles the ports one deployment wires together. Mixed
// backends are normal: a Redis object/presence plane over a Postgres
// registry, or everything on one adapter.
type Stores struct {
	Objects  ObjectStore
	Presence PresenceStore
	Meta     MetaStore
}

func newCanvasID() string {
	return uuid.New().String()
}
