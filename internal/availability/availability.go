// Package availability implements the per-device presence tracker (spec
// §4.D): last-seen bookkeeping, a periodic sweep that declares devices
// offline after a timeout, and connect/disconnect events for subscribers
// such as the integration bridge.
package availability

import (
	"fmt"
	"sync"
	"time"

	"github.com/nolongerevil/thermcontrol/infrastructure/logging"
	"github.com/robfig/cron/v3"
)

const (
	defaultCheckInterval = 5 * time.Second
	defaultTimeout       = 3 * time.Minute
)

// Event is emitted on an availability transition.
type Event struct {
	Serial      string
	Available   bool
	OccurredAt  time.Time
}

// Listener receives connect/disconnect events.
type Listener func(Event)

// SubscriptionCounter reports how many live long-poll waiters a serial
// currently has. The tracker defers an offline transition while this is
// non-zero (spec §4.D: "a live long-poll implies presence").
type SubscriptionCounter interface {
	Count(serial string) int
}

type deviceState struct {
	lastSeen  time.Time
	available bool
}

// Tracker maintains serial -> (last_seen_at, is_available) under a single
// mutex (spec §5) and periodically sweeps for timeouts.
type Tracker struct {
	mu            sync.Mutex
	devices       map[string]*deviceState
	checkInterval time.Duration
	timeout       time.Duration
	subs          SubscriptionCounter
	log           *logging.Logger

	listenersMu sync.RWMutex
	listeners   []Listener

	cron *cron.Cron
}

// New constructs a Tracker. checkInterval and timeout fall back to their
// spec-default values (a few seconds, a few minutes) when zero.
func New(checkInterval, timeout time.Duration, subs SubscriptionCounter, log *logging.Logger) *Tracker {
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Tracker{
		devices:       make(map[string]*deviceState),
		checkInterval: checkInterval,
		timeout:       timeout,
		subs:          subs,
		log:           log,
		cron:          cron.New(),
	}
}

// OnEvent registers a listener for connect/disconnect events.
func (t *Tracker) OnEvent(l Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, l)
}

// MarkSeen records ingress from a known serial, transitioning it to
// available if it was not already (spec §4.D).
func (t *Tracker) MarkSeen(serial string) {
	now := time.Now()
	t.mu.Lock()
	st, ok := t.devices[serial]
	if !ok {
		st = &deviceState{}
		t.devices[serial] = st
	}
	st.lastSeen = now
	wasAvailable := st.available
	st.available = true
	t.mu.Unlock()

	if !wasAvailable {
		t.fire(Event{Serial: serial, Available: true, OccurredAt: now})
	}
}

// IsAvailable reports a serial's current availability.
func (t *Tracker) IsAvailable(serial string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.devices[serial]
	return ok && st.available
}

// Run schedules the periodic sweep on its own cron entry and starts the
// scheduler in a dedicated goroutine (spec §5: "runs in a dedicated
// task"). It returns immediately; call Stop to halt the sweep.
func (t *Tracker) Run() error {
	spec := fmt.Sprintf("@every %s", t.checkInterval)
	if _, err := t.cron.AddFunc(spec, t.sweep); err != nil {
		return err
	}
	t.cron.Start()
	return nil
}

// Stop halts the periodic sweep, waiting for any in-flight sweep to
// finish.
func (t *Tracker) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()
}

func (t *Tracker) sweep() {
	cutoff := time.Now().Add(-t.timeout)

	var disconnected []string
	t.mu.Lock()
	for serial, st := range t.devices {
		if !st.available {
			continue
		}
		if st.lastSeen.After(cutoff) {
			continue
		}
		if t.subs != nil && t.subs.Count(serial) > 0 {
			// A live long-poll implies presence; defer the transition.
			continue
		}
		st.available = false
		disconnected = append(disconnected, serial)
	}
	t.mu.Unlock()

	now := time.Now()
	for _, serial := range disconnected {
		if t.log != nil {
			t.log.WithField("serial", serial).Info("device marked offline")
		}
		t.fire(Event{Serial: serial, Available: false, OccurredAt: now})
	}
}

func (t *Tracker) fire(ev Event) {
	t.listenersMu.RLock()
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}
