package store

import (
	"context"
	"log"
	"math/rand"
	"time"

	"canvas-sync/internal/model"
)

// RetryPolicy bounds transient-failure retries on the object write path.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	Factor    float64
}

// DefaultRetryPolicy allows two retries after the first failure.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 200 * time.Millisecond, Factor: 2}

// RetryingObjectStore decorates an ObjectStore with jittered exponential
// backoff on transient failures. Terminal failures (authorization,
// missing entities, closed handles, caller cancellation) pass through on
// first occurrence. Subscriptions are not retried here; their lifecycle
// belongs to the subscriber.
type RetryingObjectStore struct {
	inner  ObjectStore
	policy RetryPolicy
}

// NewRetryingObjectStore wraps inner with the given policy.
func NewRetryingObjectStore(inner ObjectStore, policy RetryPolicy) *RetryingObjectStore {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if policy.Factor < 1 {
		policy.Factor = 1
	}
	return &RetryingObjectStore{inner: inner, policy: policy}
}

func (r *RetryingObjectStore) retry(ctx context.Context, op string, fn func() error) error {
	delay := r.policy.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsTransient(err) || attempt >= r.policy.Attempts {
			return err
		}
		sleep := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		log.Printf("[Store] %s failed (attempt %d/%d), retrying in %v: %v",
			op, attempt, r.policy.Attempts, sleep, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay = time.Duration(float64(delay) * r.policy.Factor)
	}
}

func (r *RetryingObjectStore) GetShapes(ctx context.Context, canvasID string) ([]model.Shape, error) {
	var shapes []model.Shape
	err := r.retry(ctx, "GetShapes", func() error {
		var err error
		shapes, err = r.inner.GetShapes(ctx, canvasID)
		return err
	})
	return shapes, err
}

func (r *RetryingObjectStore) PutShape(ctx context.Context, canvasID string, shape model.Shape) error {
	return r.retry(ctx, "PutShape", func() error {
		return r.inner.PutShape(ctx, canvasID, shape)
	})
}

func (r *RetryingObjectStore) PutShapes(ctx context.Context, canvasID string, shapes []model.Shape) error {
	return r.retry(ctx, "PutShapes", func() error {
		return r.inner.PutShapes(ctx, canvasID, shapes)
	})
}

func (r *RetryingObjectStore) DeleteShapes(ctx context.Context, canvasID string, ids []string) error {
	return r.retry(ctx, "DeleteShapes", func() error {
		return r.inner.DeleteShapes(ctx, canvasID, ids)
	})
}

func (r *RetryingObjectStore) SubscribeShapes(ctx context.Context, canvasID string, fn func([]model.Shape)) (Unsubscribe, error) {
	return r.inner.SubscribeShapes(ctx, canvasID, fn)
}
