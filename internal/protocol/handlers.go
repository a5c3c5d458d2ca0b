// Package protocol implements the sync protocol engine (spec §4.E): the
// device-facing listing, subscribe, and PUT handlers, and the
// revision/timestamp reconciliation rule shared by subscribe and PUT.
package protocol

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nolongerevil/thermcontrol/infrastructure/httputil"
	"github.com/nolongerevil/thermcontrol/infrastructure/logging"
	"github.com/nolongerevil/thermcontrol/internal/availability"
	"github.com/nolongerevil/thermcontrol/internal/bucket"
	"github.com/nolongerevil/thermcontrol/internal/cache"
	"github.com/nolongerevil/thermcontrol/internal/fanout"
	"github.com/nolongerevil/thermcontrol/internal/pairing"
)

// Engine wires the cache, fan-out registry, pairing machine, and
// availability tracker into the three device-facing handlers.
type Engine struct {
	cache               *cache.Cache
	fanout              *fanout.Registry
	pairing             *pairing.Machine
	availability        *availability.Tracker
	owners              OwnerLookup
	log                 *logging.Logger
	now                 func() int64
	subscriptionTimeout time.Duration
}

// Config collects Engine's dependencies and the configurable
// subscription timeout (env SUBSCRIPTION_TIMEOUT_MS, spec §6; 0 means no
// timeout on the one-shot wait).
type Config struct {
	Cache               *cache.Cache
	Fanout              *fanout.Registry
	Pairing             *pairing.Machine
	Availability        *availability.Tracker
	Owners              OwnerLookup
	Log                 *logging.Logger
	Now                 func() int64
	SubscriptionTimeout time.Duration
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	timeout := cfg.SubscriptionTimeout
	return &Engine{
		cache:               cfg.Cache,
		fanout:              cfg.Fanout,
		pairing:             cfg.Pairing,
		availability:        cfg.Availability,
		owners:              cfg.Owners,
		log:                 cfg.Log,
		now:                 cfg.Now,
		subscriptionTimeout: timeout,
	}
}

// Listing implements GET /nest/transport/device/<serial> (spec §4.E.1):
// an un-valued snapshot of every bucket held for the serial, synthesising
// the pairing-confirmation dialog as a side effect when the device has an
// owner.
func (e *Engine) Listing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial, ok := ExtractSerial(r)
		if !ok {
			httputil.BadRequest(w, "missing or malformed device serial")
			return
		}
		e.markSeen(serial)

		if err := e.pairing.SynthesiseAlertDialogIfOwned(r.Context(), serial); err != nil {
			e.log.WithError(err).WithField("serial", serial).Warn("alert dialog synthesis failed")
		}

		buckets := e.cache.ListForSerial(serial)
		refs := make([]ObjectRef, 0, len(buckets))
		for _, b := range buckets {
			refs = append(refs, toRef(b))
		}
		httputil.WriteJSON(w, http.StatusOK, ListingResponse{Objects: refs})
	}
}

// Subscribe implements POST /nest/transport and its versioned variants
// (spec §4.E.2).
func (e *Engine) Subscribe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial, ok := ExtractSerial(r)
		if !ok {
			httputil.BadRequest(w, "missing or malformed device serial")
			return
		}

		tier, err := e.pairing.Tier(r.Context(), serial)
		if err != nil {
			httputil.InternalError(w, "tier lookup failed")
			return
		}
		if tier == pairing.TierUnknown {
			httputil.Unauthorized(w, "device is not paired")
			return
		}
		e.markSeen(serial)

		var req SubscribeRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}

		now := e.now()
		subscribed := make(map[string]int64, len(req.Objects))
		var responseObjects []SubscribeResponseObject

		for _, obj := range req.Objects {
			current, outdated, err := e.reconcileObject(r.Context(), serial, obj, now)
			if err != nil {
				httputil.InternalError(w, "reconciliation failed")
				return
			}
			subscribed[obj.ObjectKey] = current.Revision
			if outdated {
				responseObjects = append(responseObjects, toResponseObject(current))
			}
		}

		if len(responseObjects) > 0 {
			w.Header().Set("X-Server-Timestamp", strconv.FormatInt(now, 10))
			httputil.WriteJSON(w, http.StatusOK, SubscribeResponse{Objects: responseObjects})
			return
		}

		if req.Chunked {
			e.handleStreamingWait(w, r, serial, req.Session, subscribed)
			return
		}
		e.handleOneShotWait(w, r, serial, req.Session, subscribed)
	}
}

func (e *Engine) handleStreamingWait(w http.ResponseWriter, r *http.Request, serial, session string, subscribed map[string]int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalError(w, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	handle := newStreamHandle(w, flusher)
	if err := e.fanout.AddWaiter(serial, session, subscribed, handle, true); err != nil {
		handle.writeError(err)
		return
	}

	<-r.Context().Done()
	e.fanout.RemoveWaiter(serial, session, handle)
}

func (e *Engine) handleOneShotWait(w http.ResponseWriter, r *http.Request, serial, session string, subscribed map[string]int64) {
	handle := newOneShotHandle()
	if err := e.fanout.AddWaiter(serial, session, subscribed, handle, false); err != nil {
		httputil.WriteErrorWithCode(w, http.StatusTooManyRequests, "TOO_MANY_SUBSCRIPTIONS", err.Error())
		return
	}

	var timeoutCh <-chan time.Time
	if e.subscriptionTimeout > 0 {
		timer := time.NewTimer(e.subscriptionTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case buckets := <-handle.ch:
		httputil.WriteJSON(w, http.StatusOK, SubscribeResponse{Objects: toResponseObjects(buckets)})
	case <-timeoutCh:
		e.fanout.RemoveWaiter(serial, session, handle)
		httputil.WriteJSON(w, http.StatusOK, SubscribeResponse{Objects: []SubscribeResponseObject{}})
	case <-r.Context().Done():
		e.fanout.RemoveWaiter(serial, session, handle)
	}
}

// Put implements POST /nest/transport/put and its versioned variants
// (spec §4.E.3). Pending-tier devices get an empty-objects response
// without any write; unknown devices are rejected outright.
func (e *Engine) Put() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial, ok := ExtractSerial(r)
		if !ok {
			httputil.BadRequest(w, "missing or malformed device serial")
			return
		}

		tier, err := e.pairing.Tier(r.Context(), serial)
		if err != nil {
			httputil.InternalError(w, "tier lookup failed")
			return
		}
		if tier == pairing.TierUnknown {
			httputil.Unauthorized(w, "device is not paired")
			return
		}
		e.markSeen(serial)

		var req PutRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}

		if tier == pairing.TierPending {
			httputil.WriteJSON(w, http.StatusOK, PutResponse{Objects: []PutResponseObject{}})
			return
		}

		now := e.now()
		responses := make([]PutResponseObject, 0, len(req.Objects))
		for _, obj := range req.Objects {
			resp, err := e.applyPut(r.Context(), serial, obj, now)
			if err != nil {
				httputil.InternalError(w, "put failed")
				return
			}
			responses = append(responses, resp)
		}
		httputil.WriteJSON(w, http.StatusOK, PutResponse{Objects: responses})
	}
}

// applyPut implements one entry of spec §4.E.3: a CAS mismatch reports
// the server's current revision/timestamp without writing and does not
// abort the remaining entries; otherwise it merges field-wise with the
// fan-timer/structure-id adjustments through the cache's own idempotence
// check. PUT relies solely on the cache's standard subscriber delivery
// (which already reaches the fan-out registry) rather than notifying it
// a second time — unlike the command surface, which notifies explicitly.
func (e *Engine) applyPut(ctx context.Context, serial string, obj PutObject, now int64) (PutResponseObject, error) {
	if obj.IfObjectRevision != nil {
		existing, ok := e.cache.Get(serial, obj.ObjectKey)
		stored := &bucket.Bucket{Serial: serial, Key: obj.ObjectKey}
		if ok {
			stored = existing
		}
		if stored.Revision != *obj.IfObjectRevision {
			return toPutResponseObject(stored), nil
		}
	}

	updated, _, err := e.cache.Mutate(ctx, serial, obj.ObjectKey, now, func(stored bucket.Value) bucket.Value {
		m := bucket.Merge(stored, obj.Value)
		m = bucket.PreserveFanTimer(stored, m, now)
		if owner := e.ownerIdentifier(ctx, serial); owner != "" {
			m = bucket.AssignStructureID(obj.ObjectKey, m, owner)
		}
		return m
	})
	if err != nil {
		return PutResponseObject{}, err
	}
	return toPutResponseObject(updated), nil
}

func (e *Engine) markSeen(serial string) {
	if e.availability != nil {
		e.availability.MarkSeen(serial)
	}
}
