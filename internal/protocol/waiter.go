package protocol

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/nolongerevil/thermcontrol/internal/bucket"
)

// oneShotHandle is the blocking-subscribe waiter: a single-use delivery
// slot (spec §9 "model the one-shot waiter as a single-use delivery
// slot"). The channel is buffered so a Deliver racing the handler's own
// timeout/cancellation path never blocks the fan-out registry.
type oneShotHandle struct {
	ch chan []*bucket.Bucket
}

func newOneShotHandle() *oneShotHandle {
	return &oneShotHandle{ch: make(chan []*bucket.Bucket, 1)}
}

func (h *oneShotHandle) Deliver(buckets []*bucket.Bucket) {
	select {
	case h.ch <- buckets:
	default:
	}
}

// streamHandle is the chunked-subscribe waiter: it writes one JSON chunk
// per delivery directly to the held-open response and flushes. Writes
// are serialized since the registry may call Deliver from different
// notify goroutines over the waiter's lifetime.
type streamHandle struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newStreamHandle(w http.ResponseWriter, flusher http.Flusher) *streamHandle {
	return &streamHandle{w: w, flusher: flusher}
}

func (h *streamHandle) Deliver(buckets []*bucket.Bucket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	resp := SubscribeResponse{Objects: toResponseObjects(buckets)}
	if err := json.NewEncoder(h.w).Encode(resp); err != nil {
		return
	}
	h.flusher.Flush()
}

func (h *streamHandle) writeError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	json.NewEncoder(h.w).Encode(map[string]string{"error": err.Error()})
	h.flusher.Flush()
}
