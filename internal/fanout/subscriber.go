package fanout

import (
	"context"

	"github.com/nolongerevil/thermcontrol/internal/bucket"
	"github.com/nolongerevil/thermcontrol/internal/cache"
)

// CacheSubscriber adapts a Registry to cache.Subscriber so that every
// changed bucket write — device PUTs, subscribe-push updates, and
// operator-initiated commands alike — wakes the long-poll waiters
// watching it (spec §2: "Every successful bucket mutation in B is
// delivered to C to wake waiters"; §4.E.3: "change propagation to
// subscribers is the sole responsibility of the cache's change stream
// arriving at the fan-out registry").
type CacheSubscriber struct {
	registry *Registry
	cache    *cache.Cache
}

// NewCacheSubscriber constructs the adapter. Register it with
// cache.Subscribe before serving traffic.
func NewCacheSubscriber(registry *Registry, c *cache.Cache) *CacheSubscriber {
	return &CacheSubscriber{registry: registry, cache: c}
}

func (s *CacheSubscriber) Name() string { return "fanout-registry" }

// OnChange re-reads the bucket the event names (to pick up its freshly
// bumped revision, mirroring the integration bridge's own
// re-read-from-cache style in internal/bridge) and wakes any waiter of
// ev.Serial subscribed to ev.Key at an older revision.
func (s *CacheSubscriber) OnChange(ctx context.Context, ev cache.ChangeEvent) error {
	b, ok := s.cache.Get(ev.Serial, ev.Key)
	if !ok {
		return nil
	}
	s.registry.Notify(ev.Serial, []*bucket.Bucket{b})
	return nil
}
