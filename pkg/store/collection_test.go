package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

type record struct {
	ID      string    `json:"id"`
	Key     string    `json:"key"`
	Value   int       `json:"value"`
	Created time.Time `json:"created"`
	Touched time.Time `json:"touched"`
}

func newRecordCollection(m Medium) *Collection[record] {
	return NewCollection(m, "records", Schema[record]{
		ID:       func(r *record) *string { return &r.ID },
		OnCreate: func(r *record, now time.Time) { r.Created = now },
		OnUpdate: func(r *record, now time.Time) { r.Touched = now },
	})
}

type failingMedium struct{ err error }

func (f failingMedium) Get(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f failingMedium) Put(context.Context, string, []byte) error        { return f.err }
func (f failingMedium) Delete(context.Context, string) error             { return f.err }

func TestCollectionCreateAssignsIDAndTimestamps(t *testing.T) {
	ctx := context.Background()
	c := newRecordCollection(NewMemoryMedium())

	a, err := c.Create(ctx, record{ID: "ignored", Key: "a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := c.Create(ctx, record{Key: "b"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.ID == "" || a.ID == "ignored" || a.ID == b.ID {
		t.Fatalf("expected fresh distinct ids, got %q and %q", a.ID, b.ID)
	}
	if a.Created.IsZero() || a.Touched.IsZero() {
		t.Fatalf("expected timestamps on create: %+v", a)
	}

	all, err := c.FindAll(ctx)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 2 || all[0].Key != "a" || all[1].Key != "b" {
		t.Fatalf("unexpected order: %+v", all)
	}
}

func TestCollectionUpdateKeepsID(t *testing.T) {
	ctx := context.Background()
	c := newRecordCollection(NewMemoryMedium())
	created, err := c.Create(ctx, record{Key: "a", Value: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c.now = func() time.Time { return created.Touched.Add(time.Minute) }

	updated, ok, err := c.Update(ctx, created.ID, func(r *record) {
		r.Value = 2
		r.ID = "hijacked"
	})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	if updated.ID != created.ID || updated.Value != 2 {
		t.Fatalf("unexpected updated record: %+v", updated)
	}
	if !updated.Touched.After(created.Touched) {
		t.Fatalf("expected modification time bump")
	}

	if _, ok, err := c.Update(ctx, "missing", func(*record) {}); err != nil || ok {
		t.Fatalf("expected not found, ok=%v err=%v", ok, err)
	}
}

func TestCollectionUpsertIsIdempotentByKey(t *testing.T) {
	ctx := context.Background()
	c := newRecordCollection(NewMemoryMedium())
	keyOf := func(r record) string { return r.Key }

	first, err := c.Upsert(ctx, record{Key: "doc-1", Value: 1}, keyOf)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := c.Upsert(ctx, record{Key: "doc-1", Value: 2}, keyOf)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert changed id: %q -> %q", first.ID, second.ID)
	}
	matches, err := c.Filter(ctx, func(r record) bool { return r.Key == "doc-1" })
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(matches) != 1 || matches[0].Value != 2 {
		t.Fatalf("expected one replaced record, got %+v", matches)
	}
}

func TestCollectionCorruptBlobReadsAsEmpty(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMedium()
	if err := m.Put(ctx, "records", []byte("{not json")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := newRecordCollection(m)
	all, err := c.FindAll(ctx)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty collection, got %+v", all)
	}
	if _, err := c.Create(ctx, record{Key: "a"}); err != nil {
		t.Fatalf("create after corruption: %v", err)
	}
}

func TestCollectionWrapsMediumFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	c := newRecordCollection(failingMedium{err: boom})

	_, err := c.Create(ctx, record{Key: "a"})
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if storageErr.Key != "records" || !errors.Is(err, boom) {
		t.Fatalf("unexpected storage error: %v", storageErr)
	}
}
