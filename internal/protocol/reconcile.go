package protocol

import (
	"context"
	"errors"
	"strings"

	"github.com/nolongerevil/thermcontrol/internal/bucket"
	"github.com/nolongerevil/thermcontrol/internal/store"
)

// OwnerLookup is the subset of store.Store the reconciliation logic
// needs to assign structure_id on a device bucket (spec §4.E.2).
type OwnerLookup interface {
	GetOwner(ctx context.Context, serial string) (string, error)
}

// reconcileObject implements the per-entry logic of spec §4.E.2:
// classifies the entry, applies an update's merge with the fan-timer and
// structure-id adjustments (or a client-ahead direct write-through),
// and reports whether the resulting bucket belongs in the "outdated"
// response set.
func (e *Engine) reconcileObject(ctx context.Context, serial string, obj SubscribeObject, now int64) (*bucket.Bucket, bool, error) {
	isResync := obj.ObjectRevision == 0 && obj.ObjectTimestamp == 0
	hasValue := len(obj.Value) > 0

	var current *bucket.Bucket

	switch {
	case isResync && hasValue:
		merged, _, err := e.cache.Mutate(ctx, serial, obj.ObjectKey, now, func(stored bucket.Value) bucket.Value {
			m := bucket.Merge(stored, obj.Value)
			m = bucket.PreserveFanTimer(stored, m, now)
			if owner := e.ownerIdentifier(ctx, serial); owner != "" {
				m = bucket.AssignStructureID(obj.ObjectKey, m, owner)
			}
			return m
		})
		if err != nil {
			return nil, false, err
		}
		current = merged

	case !isResync && hasValue:
		existing, serverExists := e.cache.Get(serial, obj.ObjectKey)
		serverRev, serverTs := int64(0), int64(0)
		serverValue := bucket.Value{}
		if serverExists {
			serverRev, serverTs = existing.Revision, existing.Timestamp
			serverValue = existing.Value
		}
		if obj.ObjectRevision > serverRev || obj.ObjectTimestamp > serverTs {
			// Client-ahead catch-up: the client's value is authoritative,
			// but it is merged field-wise onto the stored value rather than
			// replacing it outright (spec §4.E.2: "treat the client's value
			// as authoritative and write it through (merging field-wise)").
			ahead := &bucket.Bucket{
				Serial:    serial,
				Key:       obj.ObjectKey,
				Revision:  obj.ObjectRevision,
				Timestamp: obj.ObjectTimestamp,
				Value:     bucket.Merge(serverValue, obj.Value),
			}
			if err := e.cache.PutRaw(ctx, ahead); err != nil {
				return nil, false, err
			}
			current = ahead
		} else if serverExists {
			current = existing
		} else {
			current = &bucket.Bucket{Serial: serial, Key: obj.ObjectKey, Value: bucket.Value{}}
		}

	default:
		if existing, ok := e.cache.Get(serial, obj.ObjectKey); ok {
			current = existing
		} else {
			current = &bucket.Bucket{Serial: serial, Key: obj.ObjectKey, Value: bucket.Value{}}
		}
	}

	exists := current.Revision > 0 || current.Timestamp > 0
	outdated := isOutdated(current, obj, isResync, exists)
	return current, outdated, nil
}

// isOutdated implements spec §4.E.2's response-set rule: a resync
// request always gets the current bucket if it exists; otherwise the
// server's bucket is included only if its timestamp or revision has
// moved past what the client last saw, with equal positive timestamps
// always meaning "already synced" regardless of any revision skew.
func isOutdated(current *bucket.Bucket, obj SubscribeObject, isResync, exists bool) bool {
	if isResync {
		return exists
	}
	if current.Timestamp == obj.ObjectTimestamp && current.Timestamp > 0 {
		return false
	}
	return current.Timestamp > obj.ObjectTimestamp || current.Revision > obj.ObjectRevision
}

// ownerIdentifier looks up the owning user id for a serial, returning ""
// if unowned or on lookup failure (structure-id assignment is
// best-effort; a lookup error must not fail the write).
func (e *Engine) ownerIdentifier(ctx context.Context, serial string) string {
	if e.owners == nil {
		return ""
	}
	userID, err := e.owners.GetOwner(ctx, serial)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.WithError(err).Warn("owner lookup failed during structure-id assignment")
		}
		return ""
	}
	return strings.TrimSpace(userID)
}
