package fanout

import (
	"sync"
	"testing"

	"github.com/nolongerevil/thermcontrol/internal/bucket"
)

type recordingHandle struct {
	mu        sync.Mutex
	delivered [][]*bucket.Bucket
}

func (h *recordingHandle) Deliver(buckets []*bucket.Bucket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, buckets)
}

func (h *recordingHandle) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.delivered)
}

func TestAddWaiterEnforcesPerDeviceCap(t *testing.T) {
	r := New(2)
	h := &recordingHandle{}

	if err := r.AddWaiter("S", "sess1", map[string]int64{"device.S": 0}, h, false); err != nil {
		t.Fatalf("first waiter: %v", err)
	}
	if err := r.AddWaiter("S", "sess2", map[string]int64{"device.S": 0}, h, false); err != nil {
		t.Fatalf("second waiter: %v", err)
	}
	err := r.AddWaiter("S", "sess3", map[string]int64{"device.S": 0}, h, false)
	if err == nil {
		t.Fatalf("expected ErrTooMany on third waiter")
	}
	if _, ok := err.(*ErrTooMany); !ok {
		t.Fatalf("expected *ErrTooMany, got %T", err)
	}
}

func TestNotifyOnlyWakesSubscribedKeysAboveLastSeen(t *testing.T) {
	r := New(10)
	h := &recordingHandle{}
	r.AddWaiter("S", "sess1", map[string]int64{"device.S": 5}, h, false)

	// Same revision as last-seen: must not deliver.
	r.Notify("S", []*bucket.Bucket{{Key: "device.S", Revision: 5}})
	if h.count() != 0 {
		t.Fatalf("expected no delivery at same revision")
	}

	// Unrelated key: must not deliver.
	r.Notify("S", []*bucket.Bucket{{Key: "shared.S", Revision: 99}})
	if h.count() != 0 {
		t.Fatalf("expected no delivery for unsubscribed key")
	}

	// Higher revision on subscribed key: must deliver.
	r.Notify("S", []*bucket.Bucket{{Key: "device.S", Revision: 6}})
	if h.count() != 1 {
		t.Fatalf("expected one delivery, got %d", h.count())
	}
}

func TestNotifyDetachesOneShotWaiterAfterDelivery(t *testing.T) {
	r := New(10)
	h := &recordingHandle{}
	r.AddWaiter("S", "sess1", map[string]int64{"device.S": 0}, h, false)

	r.Notify("S", []*bucket.Bucket{{Key: "device.S", Revision: 1}})
	if r.Count("S") != 0 {
		t.Fatalf("expected one-shot waiter detached after delivery")
	}

	// A second notify must not redeliver to a detached waiter.
	r.Notify("S", []*bucket.Bucket{{Key: "device.S", Revision: 2}})
	if h.count() != 1 {
		t.Fatalf("expected exactly one delivery total, got %d", h.count())
	}
}

func TestNotifyKeepsStreamingWaiterAndAdvancesRevision(t *testing.T) {
	r := New(10)
	h := &recordingHandle{}
	r.AddWaiter("S", "sess1", map[string]int64{"device.S": 0}, h, true)

	r.Notify("S", []*bucket.Bucket{{Key: "device.S", Revision: 1}})
	if r.Count("S") != 1 {
		t.Fatalf("expected streaming waiter to remain registered")
	}

	// Same revision again must not redeliver (last-seen advanced to 1).
	r.Notify("S", []*bucket.Bucket{{Key: "device.S", Revision: 1}})
	if h.count() != 1 {
		t.Fatalf("expected no redelivery at the same revision, got %d deliveries", h.count())
	}

	r.Notify("S", []*bucket.Bucket{{Key: "device.S", Revision: 2}})
	if h.count() != 2 {
		t.Fatalf("expected a second delivery for the new revision, got %d", h.count())
	}
}

func TestRemoveWaiterIsIdempotentAndIdentitySafe(t *testing.T) {
	r := New(10)
	h1 := &recordingHandle{}
	h2 := &recordingHandle{}
	r.AddWaiter("S", "sess1", map[string]int64{"device.S": 0}, h1, true)

	// Removing twice must not panic.
	r.RemoveWaiter("S", "sess1", h1)
	r.RemoveWaiter("S", "sess1", h1)

	// A new waiter reusing the session id must survive a stale remove
	// targeting the old handle.
	r.AddWaiter("S", "sess1", map[string]int64{"device.S": 0}, h2, true)
	r.RemoveWaiter("S", "sess1", h1)
	if r.Count("S") != 1 {
		t.Fatalf("expected reused session's new waiter to survive stale removal")
	}
}

func TestNotifyConcurrentAddAndNotify(t *testing.T) {
	r := New(1000)
	var wg sync.WaitGroup
	handles := make([]*recordingHandle, 200)
	for i := 0; i < 200; i++ {
		h := &recordingHandle{}
		handles[i] = h
		wg.Add(1)
		go func(i int, h *recordingHandle) {
			defer wg.Done()
			session := string(rune('a' + i%26))
			r.AddWaiter("S", session+string(rune(i)), map[string]int64{"device.S": 0}, h, false)
		}(i, h)
	}
	wg.Wait()

	r.Notify("S", []*bucket.Bucket{{Key: "device.S", Revision: 1}})

	delivered := 0
	for _, h := range handles {
		delivered += h.count()
	}
	if delivered != 200 {
		t.Fatalf("expected all 200 waiters delivered, got %d", delivered)
	}
}
