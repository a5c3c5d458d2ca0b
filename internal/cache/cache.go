// Package cache implements the process-wide state cache (spec §4.B): an
// in-memory mirror of every bucket, write-through to the persistent store,
// and a change-event stream delivered to a fixed set of subscribers (the
// fan-out registry and the integration bridge).
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/nolongerevil/thermcontrol/infrastructure/logging"
	"github.com/nolongerevil/thermcontrol/internal/bucket"
	"github.com/nolongerevil/thermcontrol/internal/store"
)

// ChangeEvent carries the (serial, key, prior, new, changed fields,
// timestamp) tuple spec §4.B's upsert emits on every write.
type ChangeEvent struct {
	Serial        string
	Key           string
	Prior         bucket.Value // nil if the bucket did not previously exist
	New           bucket.Value
	ChangedFields []string
	Timestamp     int64
}

// Subscriber receives change events in registration order. An error
// returned by one subscriber is logged and must not prevent delivery to
// the remaining subscribers (spec §4.B, §9 "Change-stream delivery").
type Subscriber interface {
	OnChange(ctx context.Context, ev ChangeEvent) error
	Name() string
}

// Mutator computes the merged value for a write given the bucket's current
// value (an empty Value if the bucket does not yet exist — spec §3: "no
// empty bucket state distinct from absent"). It must be pure; Cache calls
// it while holding the bucket's lock.
type Mutator func(current bucket.Value) bucket.Value

type serialShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket.Bucket // key -> bucket
}

// Cache is the process-wide serial -> key -> bucket mapping. It shards its
// locking by serial (spec §5: "implementations are free to shard"), so
// writes to different devices never contend.
type Cache struct {
	store store.Store
	log   *logging.Logger

	shardsMu sync.RWMutex
	shards   map[string]*serialShard

	subMu       sync.RWMutex
	subscribers []Subscriber
}

// New constructs an empty Cache. Call LoadAll before serving traffic to
// warm it from the persistent store (spec §4.B: "Populated on startup from
// a full scan of the persistent store").
func New(st store.Store, log *logging.Logger) *Cache {
	return &Cache{
		store:  st,
		log:    log,
		shards: make(map[string]*serialShard),
	}
}

// Subscribe registers a change-event subscriber. Subscribers are invoked
// in registration order on every changed write (spec §4.B).
func (c *Cache) Subscribe(sub Subscriber) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers = append(c.subscribers, sub)
}

// LoadAll scans the persistent store and populates the cache, as required
// at startup (spec §4.B).
func (c *Cache) LoadAll(ctx context.Context) error {
	all, err := c.store.ListAllBuckets(ctx)
	if err != nil {
		return err
	}
	for _, b := range all {
		c.shard(b.Serial).buckets[b.Key] = b
	}
	return nil
}

func (c *Cache) shard(serial string) *serialShard {
	c.shardsMu.RLock()
	sh, ok := c.shards[serial]
	c.shardsMu.RUnlock()
	if ok {
		return sh
	}

	c.shardsMu.Lock()
	defer c.shardsMu.Unlock()
	if sh, ok := c.shards[serial]; ok {
		return sh
	}
	sh = &serialShard{buckets: make(map[string]*bucket.Bucket)}
	c.shards[serial] = sh
	return sh
}

// Get reads a bucket straight from the cache; it never touches the store
// (spec §4.B: "Reads are served from the cache without touching the
// store"). The returned bucket is a defensive clone safe to mutate.
func (c *Cache) Get(serial, key string) (*bucket.Bucket, bool) {
	sh := c.shard(serial)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.buckets[key]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// ListForSerial returns every bucket currently held for a serial.
func (c *Cache) ListForSerial(serial string) []*bucket.Bucket {
	sh := c.shard(serial)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]*bucket.Bucket, 0, len(sh.buckets))
	for _, b := range sh.buckets {
		out = append(out, b.Clone())
	}
	return out
}

// ListAllSerials returns every serial the cache currently holds buckets
// for (spec §4.H contract: "the list of all serials").
func (c *Cache) ListAllSerials() []string {
	c.shardsMu.RLock()
	defer c.shardsMu.RUnlock()
	out := make([]string, 0, len(c.shards))
	for serial, sh := range c.shards {
		sh.mu.Lock()
		empty := len(sh.buckets) == 0
		sh.mu.Unlock()
		if !empty {
			out = append(out, serial)
		}
	}
	return out
}

// Mutate is the sole write path (spec §4.B's upsert): it reads the prior
// bucket, applies fn under the per-serial lock, bumps revision/timestamp
// iff the merged value actually changed (spec §3 idempotence invariant),
// writes through to the persistent store, updates the cache, and emits a
// change event to every subscriber. now is the millisecond epoch to
// assign as Timestamp on a changed write.
//
// If the store write fails, the cache is left exactly as it was before
// the call (spec §7: "a persistent-store write failure inside upsert is
// fatal for that write; the cache is rolled back to the prior value").
func (c *Cache) Mutate(ctx context.Context, serial, key string, now int64, fn Mutator) (result *bucket.Bucket, changed bool, err error) {
	sh := c.shard(serial)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prior, existed := sh.buckets[key]
	var priorValue bucket.Value
	var priorRevision, priorTimestamp int64
	if existed {
		priorValue = prior.Value
		priorRevision = prior.Revision
		priorTimestamp = prior.Timestamp
	} else {
		priorValue = bucket.Value{}
	}

	merged := fn(priorValue)
	changed = !bucket.Idempotent(priorValue, merged)

	newRevision := priorRevision
	newTimestamp := priorTimestamp
	if changed {
		newRevision++
		newTimestamp = now
	}

	newBucket := &bucket.Bucket{
		Serial:    serial,
		Key:       key,
		Revision:  newRevision,
		Timestamp: newTimestamp,
		Value:     merged,
		UpdatedAt: now,
	}

	if err := c.store.PutBucket(ctx, newBucket); err != nil {
		return prior, false, err
	}

	sh.buckets[key] = newBucket

	if changed {
		var priorForEvent bucket.Value
		if existed {
			priorForEvent = priorValue
		}
		c.emit(ctx, ChangeEvent{
			Serial:        serial,
			Key:           key,
			Prior:         priorForEvent,
			New:           merged,
			ChangedFields: changedFields(priorValue, merged),
			Timestamp:     newTimestamp,
		})
	}

	return newBucket.Clone(), changed, nil
}

// PutRaw installs a bucket at its own exact revision and timestamp
// rather than computing them from the prior value (used by subscribe's
// client-ahead path, spec §4.E.2: "treat the client's value as
// authoritative and write it through ... at the client-supplied revision
// and timestamp"). It still goes through the store write-through and,
// when the value actually changes, the change-event path.
func (c *Cache) PutRaw(ctx context.Context, b *bucket.Bucket) error {
	sh := c.shard(b.Serial)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prior, existed := sh.buckets[b.Key]
	var priorValue bucket.Value
	if existed {
		priorValue = prior.Value
	} else {
		priorValue = bucket.Value{}
	}
	changed := !bucket.Idempotent(priorValue, b.Value)

	newBucket := b.Clone()
	newBucket.UpdatedAt = b.Timestamp

	if err := c.store.PutBucket(ctx, newBucket); err != nil {
		return err
	}
	sh.buckets[b.Key] = newBucket

	if changed {
		var priorForEvent bucket.Value
		if existed {
			priorForEvent = priorValue
		}
		c.emit(ctx, ChangeEvent{
			Serial:        b.Serial,
			Key:           b.Key,
			Prior:         priorForEvent,
			New:           newBucket.Value,
			ChangedFields: changedFields(priorValue, newBucket.Value),
			Timestamp:     newBucket.Timestamp,
		})
	}
	return nil
}

// DeleteSerial removes every bucket for a serial, both from the cache and
// the persistent store (spec §3: "forget device").
func (c *Cache) DeleteSerial(ctx context.Context, serial string) error {
	if err := c.store.DeleteBucketsForSerial(ctx, serial); err != nil {
		return err
	}
	c.shardsMu.Lock()
	delete(c.shards, serial)
	c.shardsMu.Unlock()
	return nil
}

func (c *Cache) emit(ctx context.Context, ev ChangeEvent) {
	c.subMu.RLock()
	subs := make([]Subscriber, len(c.subscribers))
	copy(subs, c.subscribers)
	c.subMu.RUnlock()

	for _, sub := range subs {
		if err := sub.OnChange(ctx, ev); err != nil {
			if c.log != nil {
				c.log.WithError(err).WithField("subscriber", sub.Name()).Error("change subscriber failed")
			}
		}
	}
}

func changedFields(prior, merged bucket.Value) []string {
	var out []string
	for k, v := range merged {
		pv, existed := prior[k]
		if !existed || !deepEqualField(pv, v) {
			out = append(out, k)
		}
	}
	for k := range prior {
		if _, ok := merged[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func deepEqualField(a, b any) bool {
	return bucket.Value{"v": a}.Equal(bucket.Value{"v": b})
}

// Now returns the current millisecond epoch. Kept as a package-level var
// so tests can stub it.
var Now = func() int64 { return time.Now().UnixMilli() }
