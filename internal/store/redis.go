package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"canvas-sync/internal/model"
)

// Redis is the go-redis backed adapter. Shapes live in one hash per
// canvas, presence in per-user keys with a TTL safety net above the
// presence timeout, and change fan-out rides pub/sub: every write
// publishes a bump, subscribers re-read the full set. TTL expiry
// publishes nothing, so presence subscriptions also re-read on a slow
// ticker.
type Redis struct {
	client      *redis.Client
	presenceTTL time.Duration
}

// NewRedis connects and pings. presenceTTL must sit above the presence
// timeout so the TTL only ever reaps records the read-side filter has
// already hidden.
func NewRedis(addr, password string, db int, presenceTTL time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("[Redis] Connected to %s", addr)
	return &Redis{client: client, presenceTTL: presenceTTL}, nil
}

// Key 생성 유틸
func objectsKey(canvasID string) string {
	return "canvas:" + canvasID + ":objects"
}

func objectsChannel(canvasID string) string {
	return "canvas:" + canvasID + ":objects:events"
}

func presenceKey(canvasID, userID string) string {
	return "canvas:" + canvasID + ":presence:" + userID
}

func presencePattern(canvasID string) string {
	return "canvas:" + canvasID + ":presence:*"
}

func presenceChannel(canvasID string) string {
	return "canvas:" + canvasID + ":presence:events"
}

func metaKey(canvasID string) string {
	return "canvas:" + canvasID + ":meta"
}

func (r *Redis) GetShapes(ctx context.Context, canvasID string) ([]model.Shape, error) {
	fields, err := r.client.HGetAll(ctx, objectsKey(canvasID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load shapes for canvas %s: %w", canvasID, err)
	}
	shapes := make([]model.Shape, 0, len(fields))
	for id, data := range fields {
		var s model.Shape
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			log.Printf("[Redis] Dropping corrupt object %s on canvas %s: %v", id, canvasID, err)
			continue
		}
		shapes = append(shapes, s)
	}
	model.SortShapes(shapes)
	return shapes, nil
}

func (r *Redis) PutShape(ctx context.Context, canvasID string, shape model.Shape) error {
	return r.PutShapes(ctx, canvasID, []model.Shape{shape})
}

// PutShapes writes every document and the change bump in one MULTI/EXEC,
// so the batch lands atomically.
func (r *Redis) PutShapes(ctx context.Context, canvasID string, shapes []model.Shape) error {
	if len(shapes) == 0 {
		return nil
	}
	pairs := make([]interface{}, 0, len(shapes)*2)
	for _, s := range shapes {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode shape %s: %w", s.ID, err)
		}
		pairs = append(pairs, s.ID, data)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, objectsKey(canvasID), pairs...)
		pipe.Publish(ctx, objectsChannel(canvasID), len(shapes))
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %d shapes to canvas %s: %w", len(shapes), canvasID, err)
	}
	return nil
}

func (r *Redis) DeleteShapes(ctx context.Context, canvasID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, objectsKey(canvasID), ids...)
		pipe.Publish(ctx, objectsChannel(canvasID), len(ids))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %d shapes from canvas %s: %w", len(ids), canvasID, err)
	}
	return nil
}

func (r *Redis) SubscribeShapes(ctx context.Context, canvasID string, fn func([]model.Shape)) (Unsubscribe, error) {
	sub := r.client.Subscribe(ctx, objectsChannel(canvasID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to canvas %s objects: %w", canvasID, err)
	}

	initial, err := r.GetShapes(ctx, canvasID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	fn(initial)

	stop := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				shapes, err := r.GetShapes(ctx, canvasID)
				if err != nil {
					log.Printf("[Redis] Snapshot reload failed for canvas %s: %v", canvasID, err)
					continue
				}
				fn(shapes)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			sub.Close()
		})
	}, nil
}

func (r *Redis) PutPresence(ctx context.Context, canvasID string, p model.UserPresence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode presence for %s: %w", p.UserID, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, presenceKey(canvasID, p.UserID), data, r.presenceTTL)
		pipe.Publish(ctx, presenceChannel(canvasID), p.UserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write presence for %s on canvas %s: %w", p.UserID, canvasID, err)
	}
	return nil
}

// TouchPresence rewrites the record with a fresh lastSeen AND a fresh
// TTL; extending the TTL alone would leave readers seeing a stale stamp.
func (r *Redis) TouchPresence(ctx context.Context, canvasID, userID string, lastSeen int64) error {
	key := presenceKey(canvasID, userID)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return NotFound("presence", userID)
	}
	if err != nil {
		return fmt.Errorf("load presence for %s: %w", userID, err)
	}
	var p model.UserPresence
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return fmt.Errorf("decode presence for %s: %w", userID, err)
	}
	p.LastSeen = lastSeen
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, r.presenceTTL)
		pipe.Publish(ctx, presenceChannel(canvasID), userID)
		return nil
	})
	return err
}

func (r *Redis) RemovePresence(ctx context.Context, canvasID, userID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, presenceKey(canvasID, userID))
		pipe.Publish(ctx, presenceChannel(canvasID), userID)
		return nil
	})
	return err
}

func (r *Redis) ListPresence(ctx context.Context, canvasID string) ([]model.UserPresence, error) {
	keys, err := r.scanKeys(ctx, presencePattern(canvasID))
	if err != nil {
		return nil, fmt.Errorf("scan presence for canvas %s: %w", canvasID, err)
	}
	if len(keys) == 0 {
		return []model.UserPresence{}, nil
	}

	// MGET으로 한 번에 조회
	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence for canvas %s: %w", canvasID, err)
	}
	records := make([]model.UserPresence, 0, len(results))
	for _, result := range results {
		if result == nil {
			continue // expired between SCAN and MGET
		}
		strVal, ok := result.(string)
		if !ok {
			continue
		}
		var p model.UserPresence
		if err := json.Unmarshal([]byte(strVal), &p); err == nil {
			records = append(records, p)
		}
	}
	return records, nil
}

func (r *Redis) SubscribePresence(ctx context.Context, canvasID string, fn func([]model.UserPresence)) (Unsubscribe, error) {
	sub := r.client.Subscribe(ctx, presenceChannel(canvasID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to canvas %s presence: %w", canvasID, err)
	}

	initial, err := r.ListPresence(ctx, canvasID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	fn(initial)

	stop := make(chan struct{})
	go func() {
		ch := sub.Channel()
		// TTL expiry emits no event, so reload on a slow tick as well.
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				r.reloadPresence(ctx, canvasID, fn)
			case <-ticker.C:
				r.reloadPresence(ctx, canvasID, fn)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			sub.Close()
		})
	}, nil
}

func (r *Redis) reloadPresence(ctx context.Context, canvasID string, fn func([]model.UserPresence)) {
	records, err := r.ListPresence(ctx, canvasID)
	if err != nil {
		log.Printf("[Redis] Presence reload failed for canvas %s: %v", canvasID, err)
		return
	}
	fn(records)
}

func (r *Redis) CreateCanvas(ctx context.Context, meta model.CanvasMeta) (model.CanvasMeta, error) {
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

	data, err := json.Marshal(meta)
	if err != nil {
		return model.CanvasMeta{}, err
	}
	if err := r.client.Set(ctx, metaKey(meta.ID), data, 0).Err(); err != nil {
		return model.CanvasMeta{}, fmt.Errorf("create canvas %s: %w", meta.ID, err)
	}
	return meta, nil
}

func (r *Redis) GetCanvas(ctx context.Context, canvasID string) (model.CanvasMeta, error) {
	val, err := r.client.Get(ctx, metaKey(canvasID)).Result()
	if err == redis.Nil {
		return model.CanvasMeta{}, NotFound("canvas", canvasID)
	}
	if err != nil {
		return model.CanvasMeta{}, fmt.Errorf("load canvas %s: %w", canvasID, err)
	}
	var meta model.CanvasMeta
	if err := json.Unmarshal([]byte(val), &meta); err != nil {
		return model.CanvasMeta{}, fmt.Errorf("decode canvas %s: %w", canvasID, err)
	}
	return meta, nil
}

func (r *Redis) ListCanvases(ctx context.Context, ownerID string) ([]model.CanvasMeta, error) {
	keys, err := r.scanKeys(ctx, "canvas:*:meta")
	if err != nil {
		return nil, err
	}
	out := make([]model.CanvasMeta, 0)
	for _, key := range keys {
		val, err := r.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var meta model.CanvasMeta
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			continue
		}
		if meta.Permissions.OwnerID == ownerID {
			out = append(out, meta)
		}
	}
	return out, nil
}

func (r *Redis) SaveViewport(ctx context.Context, canvasID string, v model.Viewport) error {
	meta, err := r.GetCanvas(ctx, canvasID)
	if err != nil {
		return err
	}
	v.Clamp()
	meta.Viewport = v
	meta.UpdatedAt = model.NowMilli()
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, metaKey(canvasID), data, 0).Err()
}

func (r *Redis) SavePermissions(ctx context.Context, canvasID, actorID string, perms model.Permissions) error {
	meta, err := r.GetCanvas(ctx, canvasID)
	if err != nil {
		return err
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
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, metaKey(canvasID), data, 0).Err()
}

func (r *Redis) DeleteCanvas(ctx context.Context, canvasID, actorID string) error {
	meta, err := r.GetCanvas(ctx, canvasID)
	if err != nil {
		return err
	}
	if meta.Permissions.OwnerID != actorID {
		return PermissionDenied(actorID, "canvas", canvasID)
	}
	presenceKeys, err := r.scanKeys(ctx, presencePattern(canvasID))
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, metaKey(canvasID), objectsKey(canvasID))
		if len(presenceKeys) > 0 {
			pipe.Del(ctx, presenceKeys...)
		}
		pipe.Publish(ctx, objectsChannel(canvasID), 0)
		pipe.Publish(ctx, presenceChannel(canvasID), "")
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete canvas %s: %w", canvasID, err)
	}
	return nil
}

func (r *Redis) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}

// Health checks if Redis is healthy
func (r *Redis) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
