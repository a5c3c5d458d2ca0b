// Package fanout implements the per-device long-poll subscriber registry
// (spec §4.C): a per-serial map of waiting connections, woken exactly when
// a subscribed bucket's revision advances past what the waiter last saw.
package fanout

import (
	"sync"

	"github.com/nolongerevil/thermcontrol/internal/bucket"
)

const defaultMaxPerDevice = 100

// Handle is implemented by whatever is holding the connection open: a
// one-shot delivery slot for a blocking subscribe, or a chunked HTTP
// response writer for a streaming one. Deliver is called with the lock
// released (spec §4.C: "must not hold a lock across a network write").
type Handle interface {
	Deliver(buckets []*bucket.Bucket)
}

// ErrTooMany is returned by AddWaiter when the per-device cap would be
// exceeded (spec §4.C, §7 *TooMany*).
type ErrTooMany struct {
	Serial string
	Limit  int
}

func (e *ErrTooMany) Error() string { return "too many subscriptions for device" }

type waiterEntry struct {
	handle     Handle
	streaming  bool
	subscribed map[string]int64 // subscribed_key -> last_seen_revision
}

// Registry is the fan-out registry. A single mutex protects the per-serial
// waiter maps; every map mutation happens under it and every network
// write happens outside it (spec §5).
type Registry struct {
	mu           sync.Mutex
	bySerial     map[string]map[string]*waiterEntry // serial -> session -> entry
	maxPerDevice int
}

// New constructs a Registry with the given per-device waiter cap (spec
// §4.C default 100, env MAX_SUBSCRIPTIONS_PER_DEVICE).
func New(maxPerDevice int) *Registry {
	if maxPerDevice <= 0 {
		maxPerDevice = defaultMaxPerDevice
	}
	return &Registry{
		bySerial:     make(map[string]map[string]*waiterEntry),
		maxPerDevice: maxPerDevice,
	}
}

// AddWaiter registers a waiter for serial under session, watching
// subscribedKeys at their given last-seen revisions. Fails with ErrTooMany
// if the per-device count would exceed the configured maximum.
func (r *Registry) AddWaiter(serial, session string, subscribed map[string]int64, handle Handle, streaming bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiters, ok := r.bySerial[serial]
	if !ok {
		waiters = make(map[string]*waiterEntry)
		r.bySerial[serial] = waiters
	}

	if _, exists := waiters[session]; !exists && len(waiters) >= r.maxPerDevice {
		return &ErrTooMany{Serial: serial, Limit: r.maxPerDevice}
	}

	subCopy := make(map[string]int64, len(subscribed))
	for k, v := range subscribed {
		subCopy[k] = v
	}
	waiters[session] = &waiterEntry{handle: handle, streaming: streaming, subscribed: subCopy}
	return nil
}

// RemoveWaiter removes the waiter registered under session for serial. It
// is idempotent, and safe when a new waiter has reused the same session
// id: removal only happens if the stored handle identity matches handle
// (spec §5 "Cancellation and timeouts").
func (r *Registry) RemoveWaiter(serial, session string, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiters, ok := r.bySerial[serial]
	if !ok {
		return
	}
	entry, ok := waiters[session]
	if !ok || entry.handle != handle {
		return
	}
	delete(waiters, session)
	if len(waiters) == 0 {
		delete(r.bySerial, serial)
	}
}

// Count reports the number of active waiters for a serial. The
// availability tracker uses a non-zero count to defer an offline
// transition (spec §4.D: "a live long-poll implies presence").
func (r *Registry) Count(serial string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySerial[serial])
}

// deliveryTarget pairs a waiter's handle with the buckets it should
// receive, collected under the lock and delivered after it is released.
type deliveryTarget struct {
	handle  Handle
	buckets []*bucket.Bucket
}

// Notify wakes every waiter of serial whose subscription set intersects
// updated at a revision it hasn't seen yet (spec §4.C). One-shot waiters
// are detached after delivery; streaming waiters stay registered with
// their last-seen revisions advanced so the same change isn't redelivered.
func (r *Registry) Notify(serial string, updated []*bucket.Bucket) {
	r.mu.Lock()
	var targets []deliveryTarget
	waiters := r.bySerial[serial]
	for session, entry := range waiters {
		var outdated []*bucket.Bucket
		for _, b := range updated {
			lastSeen, subscribed := entry.subscribed[b.Key]
			if !subscribed || b.Revision <= lastSeen {
				continue
			}
			outdated = append(outdated, b)
		}
		if len(outdated) == 0 {
			continue
		}
		for _, b := range outdated {
			entry.subscribed[b.Key] = b.Revision
		}
		targets = append(targets, deliveryTarget{handle: entry.handle, buckets: outdated})
		if !entry.streaming {
			delete(waiters, session)
		}
	}
	if len(waiters) == 0 {
		delete(r.bySerial, serial)
	}
	r.mu.Unlock()

	for _, t := range targets {
		t.handle.Deliver(t.buckets)
	}
}
