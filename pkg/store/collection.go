package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Schema tells a Collection how to address and stamp its records.
type Schema[T any] struct {
	// ID returns a pointer to the record's id field.
	ID func(*T) *string
	// OnCreate sets creation timestamps. Optional.
	OnCreate func(*T, time.Time)
	// OnUpdate bumps modification timestamps. Optional.
	OnUpdate func(*T, time.Time)
}

// Collection is an ordered list of records serialized as one JSON array
// under a single medium key. Every operation reads the whole list and every
// write rewrites it; writes are serialized per collection.
type Collection[T any] struct {
	medium Medium
	key    string
	schema Schema[T]
	now    func() time.Time

	mu sync.Mutex
}

// NewCollection binds a collection to key on medium.
func NewCollection[T any](medium Medium, key string, schema Schema[T]) *Collection[T] {
	return &Collection[T]{
		medium: medium,
		key:    key,
		schema: schema,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// FindAll returns every record in insertion order.
func (c *Collection[T]) FindAll(ctx context.Context) ([]T, error) {
	return c.load(ctx)
}

// FindOne returns the first record matching pred.
func (c *Collection[T]) FindOne(ctx context.Context, pred func(T) bool) (T, bool, error) {
	var zero T
	recs, err := c.load(ctx)
	if err != nil {
		return zero, false, err
	}
	for _, r := range recs {
		if pred(r) {
			return r, true, nil
		}
	}
	return zero, false, nil
}

// Filter returns all records matching pred, in insertion order.
func (c *Collection[T]) Filter(ctx context.Context, pred func(T) bool) ([]T, error) {
	recs, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Create assigns a fresh id and timestamps, appends the record and persists.
func (c *Collection[T]) Create(ctx context.Context, rec T) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	recs, err := c.load(ctx)
	if err != nil {
		return zero, err
	}
	c.stampNew(&rec)
	recs = append(recs, rec)
	if err := c.save(ctx, recs); err != nil {
		return zero, err
	}
	return rec, nil
}

// Update applies mutate to the record with the given id. The id cannot be
// changed by mutate. Reports false if no record has that id.
func (c *Collection[T]) Update(ctx context.Context, id string, mutate func(*T)) (T, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	recs, err := c.load(ctx)
	if err != nil {
		return zero, false, err
	}
	for i := range recs {
		if *c.schema.ID(&recs[i]) != id {
			continue
		}
		mutate(&recs[i])
		*c.schema.ID(&recs[i]) = id
		if c.schema.OnUpdate != nil {
			c.schema.OnUpdate(&recs[i], c.now())
		}
		if err := c.save(ctx, recs); err != nil {
			return zero, false, err
		}
		return recs[i], true, nil
	}
	return zero, false, nil
}

// Upsert replaces the first record matching the given record by keyOf,
// keeping the stored id. Without a match it behaves like Create. Matching is
// a linear scan.
func (c *Collection[T]) Upsert(ctx context.Context, rec T, keyOf func(T) string) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	recs, err := c.load(ctx)
	if err != nil {
		return zero, err
	}
	want := keyOf(rec)
	for i := range recs {
		if keyOf(recs[i]) != want {
			continue
		}
		*c.schema.ID(&rec) = *c.schema.ID(&recs[i])
		if c.schema.OnUpdate != nil {
			c.schema.OnUpdate(&rec, c.now())
		}
		recs[i] = rec
		if err := c.save(ctx, recs); err != nil {
			return zero, err
		}
		return rec, nil
	}
	c.stampNew(&rec)
	recs = append(recs, rec)
	if err := c.save(ctx, recs); err != nil {
		return zero, err
	}
	return rec, nil
}

func (c *Collection[T]) stampNew(rec *T) {
	*c.schema.ID(rec) = uuid.NewString()
	now := c.now()
	if c.schema.OnCreate != nil {
		c.schema.OnCreate(rec, now)
	}
	if c.schema.OnUpdate != nil {
		c.schema.OnUpdate(rec, now)
	}
}

func (c *Collection[T]) load(ctx context.Context) ([]T, error) {
	data, ok, err := c.medium.Get(ctx, c.key)
	if err != nil {
		return nil, &StorageError{Op: "get", Key: c.key, Err: err}
	}
	if !ok || len(data) == 0 {
		return nil, nil
	}
	var recs []T
	if err := json.Unmarshal(data, &recs); err != nil {
		slog.Warn("discarding unreadable collection", "key", c.key, "err", err)
		return nil, nil
	}
	return recs, nil
}

func (c *Collection[T]) save(ctx context.Context, recs []T) error {
	if recs == nil {
		recs = []T{}
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return &StorageError{Op: "encode", Key: c.key, Err: err}
	}
	if err := c.medium.Put(ctx, c.key, data); err != nil {
		return &StorageError{Op: "put", Key: c.key, Err: err}
	}
	return nil
}
