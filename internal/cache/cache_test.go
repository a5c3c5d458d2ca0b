package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/nolongerevil/thermcontrol/internal/bucket"
	"github.com/nolongerevil/thermcontrol/internal/store"
)

// memStore is a minimal in-memory store.Store used only to exercise Cache
// in isolation; internal/store's own tests cover the real Postgres-backed
// implementation against sqlmock.
type memStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket.Bucket
	putErr  error
}

func newMemStore() *memStore { return &memStore{buckets: map[string]*bucket.Bucket{}} }

func (m *memStore) key(serial, key string) string { return serial + "\x00" + key }

func (m *memStore) EnsureSchema(ctx context.Context) error { return nil }

func (m *memStore) GetBucket(ctx context.Context, serial, key string) (*bucket.Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[m.key(serial, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b.Clone(), nil
}

func (m *memStore) PutBucket(ctx context.Context, b *bucket.Bucket) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[m.key(b.Serial, b.Key)] = b.Clone()
	return nil
}

func (m *memStore) ListBucketsForSerial(ctx context.Context, serial string) ([]*bucket.Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*bucket.Bucket
	for _, b := range m.buckets {
		if b.Serial == serial {
			out = append(out, b.Clone())
		}
	}
	return out, nil
}

func (m *memStore) ListAllBuckets(ctx context.Context) ([]*bucket.Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*bucket.Bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		out = append(out, b.Clone())
	}
	return out, nil
}

func (m *memStore) DeleteBucketsForSerial(ctx context.Context, serial string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, b := range m.buckets {
		if b.Serial == serial {
			delete(m.buckets, k)
		}
	}
	return nil
}

func (m *memStore) DeleteEntryCodesForSerial(ctx context.Context, serial string) error { return nil }
func (m *memStore) InsertEntryCodeIfUnused(ctx context.Context, code, serial string, createdAt, expiresAt int64) (bool, error) {
	return true, nil
}
func (m *memStore) GetEntryCodeForSerial(ctx context.Context, serial string, now int64) (*store.EntryCode, error) {
	return nil, store.ErrNotFound
}
func (m *memStore) ClaimEntryCode(ctx context.Context, code, userID string, now int64) (string, bool, error) {
	return "", true, nil
}
func (m *memStore) GetOwner(ctx context.Context, serial string) (string, error) {
	return "", store.ErrNotFound
}
func (m *memStore) UpsertOwner(ctx context.Context, serial, userID string, createdAt int64) error {
	return nil
}
func (m *memStore) DeleteOwner(ctx context.Context, serial string) error { return nil }
func (m *memStore) ListOwnedSerials(ctx context.Context, userID string) ([]string, error) {
	return nil, nil
}
func (m *memStore) EnsureUser(ctx context.Context, clerkID, email string, createdAt int64) error {
	return nil
}
func (m *memStore) GetWeather(ctx context.Context, postalCode, country string) (*store.WeatherRecord, error) {
	return nil, store.ErrNotFound
}
func (m *memStore) PutWeather(ctx context.Context, rec *store.WeatherRecord) error { return nil }
func (m *memStore) GetIntegrationConfig(ctx context.Context, kind string) (string, error) {
	return "", store.ErrNotFound
}
func (m *memStore) PutIntegrationConfig(ctx context.Context, kind, configJSON string) error {
	return nil
}
func (m *memStore) Close() error { return nil }

type captureSub struct {
	name   string
	mu     sync.Mutex
	events []ChangeEvent
	fail   bool
}

func (c *captureSub) Name() string { return c.name }
func (c *captureSub) OnChange(ctx context.Context, ev ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	if c.fail {
		return errBoom
	}
	return nil
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

func TestMutateCreatesBucketAtRevisionOne(t *testing.T) {
	st := newMemStore()
	c := New(st, nil)

	b, changed, err := c.Mutate(context.Background(), "ABCDEFGHIJ", "device.ABCDEFGHIJ", 1000, func(current bucket.Value) bucket.Value {
		return bucket.Merge(current, bucket.Value{"mode": "heat"})
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if !changed {
		t.Fatalf("expected first write to be a change")
	}
	if b.Revision != 1 {
		t.Fatalf("expected revision 1 on creation, got %d", b.Revision)
	}
	if b.Timestamp != 1000 {
		t.Fatalf("expected timestamp set to now, got %d", b.Timestamp)
	}
}

func TestMutateIdempotentWriteDoesNotBump(t *testing.T) {
	st := newMemStore()
	c := New(st, nil)
	ctx := context.Background()

	mutator := func(current bucket.Value) bucket.Value {
		return bucket.Merge(current, bucket.Value{"target_temperature": 21.5})
	}

	first, _, err := c.Mutate(ctx, "S", "shared.S", 1000, mutator)
	if err != nil {
		t.Fatalf("first mutate: %v", err)
	}

	second, changed, err := c.Mutate(ctx, "S", "shared.S", 2000, mutator)
	if err != nil {
		t.Fatalf("second mutate: %v", err)
	}
	if changed {
		t.Fatalf("expected idempotent second write to report unchanged")
	}
	if second.Revision != first.Revision || second.Timestamp != first.Timestamp {
		t.Fatalf("expected revision/timestamp unchanged, got rev %d->%d ts %d->%d",
			first.Revision, second.Revision, first.Timestamp, second.Timestamp)
	}
}

func TestMutateNotifiesSubscribersInOrderAndToleratesErrors(t *testing.T) {
	st := newMemStore()
	c := New(st, nil)

	first := &captureSub{name: "fanout", fail: true}
	second := &captureSub{name: "bridge"}
	c.Subscribe(first)
	c.Subscribe(second)

	_, _, err := c.Mutate(context.Background(), "S", "device.S", 1000, func(current bucket.Value) bucket.Value {
		return bucket.Merge(current, bucket.Value{"mode": "heat"})
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	if len(first.events) != 1 || len(second.events) != 1 {
		t.Fatalf("expected both subscribers notified despite first erroring, got %d %d", len(first.events), len(second.events))
	}
}

func TestMutateDoesNotNotifyOnNoChange(t *testing.T) {
	st := newMemStore()
	c := New(st, nil)
	sub := &captureSub{name: "fanout"}
	c.Subscribe(sub)
	ctx := context.Background()

	mutator := func(current bucket.Value) bucket.Value {
		return bucket.Merge(current, bucket.Value{"mode": "heat"})
	}
	c.Mutate(ctx, "S", "device.S", 1000, mutator)
	c.Mutate(ctx, "S", "device.S", 2000, mutator)

	if len(sub.events) != 1 {
		t.Fatalf("expected exactly one notification across both writes, got %d", len(sub.events))
	}
}

func TestMutateRollsBackCacheOnStoreFailure(t *testing.T) {
	st := newMemStore()
	c := New(st, nil)
	ctx := context.Background()

	c.Mutate(ctx, "S", "device.S", 1000, func(current bucket.Value) bucket.Value {
		return bucket.Merge(current, bucket.Value{"mode": "heat"})
	})

	st.putErr = errBoom
	_, _, err := c.Mutate(ctx, "S", "device.S", 2000, func(current bucket.Value) bucket.Value {
		return bucket.Merge(current, bucket.Value{"mode": "cool"})
	})
	if err == nil {
		t.Fatalf("expected store error to propagate")
	}

	b, ok := c.Get("S", "device.S")
	if !ok || b.Value["mode"] != "heat" {
		t.Fatalf("expected cache to roll back to prior value, got %+v", b)
	}
}

func TestListAllSerials(t *testing.T) {
	st := newMemStore()
	c := New(st, nil)
	ctx := context.Background()
	c.Mutate(ctx, "A", "device.A", 1000, func(bucket.Value) bucket.Value { return bucket.Value{"x": 1.0} })
	c.Mutate(ctx, "B", "device.B", 1000, func(bucket.Value) bucket.Value { return bucket.Value{"x": 1.0} })

	serials := c.ListAllSerials()
	if len(serials) != 2 {
		t.Fatalf("expected 2 serials, got %v", serials)
	}
}

func TestPutRawInstallsExactRevisionAndTimestamp(t *testing.T) {
	st := newMemStore()
	c := New(st, nil)
	ctx := context.Background()

	b := &bucket.Bucket{Serial: "S", Key: "device.S", Revision: 42, Timestamp: 99000, Value: bucket.Value{"mode": "heat"}}
	if err := c.PutRaw(ctx, b); err != nil {
		t.Fatalf("put raw: %v", err)
	}

	got, ok := c.Get("S", "device.S")
	if !ok || got.Revision != 42 || got.Timestamp != 99000 {
		t.Fatalf("expected exact revision/timestamp installed, got %+v ok=%v", got, ok)
	}
}

func TestPutRawNotifiesOnlyWhenValueChanges(t *testing.T) {
	st := newMemStore()
	c := New(st, nil)
	sub := &captureSub{name: "fanout"}
	c.Subscribe(sub)
	ctx := context.Background()

	b := &bucket.Bucket{Serial: "S", Key: "device.S", Revision: 5, Timestamp: 1000, Value: bucket.Value{"mode": "heat"}}
	if err := c.PutRaw(ctx, b); err != nil {
		t.Fatalf("put raw: %v", err)
	}
	if len(sub.events) != 1 {
		t.Fatalf("expected one notification on first install, got %d", len(sub.events))
	}

	same := &bucket.Bucket{Serial: "S", Key: "device.S", Revision: 6, Timestamp: 2000, Value: bucket.Value{"mode": "heat"}}
	if err := c.PutRaw(ctx, same); err != nil {
		t.Fatalf("put raw: %v", err)
	}
	if len(sub.events) != 1 {
		t.Fatalf("expected no additional notification for an unchanged value, got %d", len(sub.events))
	}
}
