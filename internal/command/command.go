// Package command implements the operator-facing command surface (spec
// §4.G): a small dispatch table from action name to a pure function
// producing a target bucket key and field updates, a temperature safety
// clamp, and explicit fan-out notification after the mutation lands.
package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/nolongerevil/thermcontrol/infrastructure/logging"
	"github.com/nolongerevil/thermcontrol/internal/bucket"
	"github.com/nolongerevil/thermcontrol/internal/cache"
	"github.com/nolongerevil/thermcontrol/internal/fanout"
)

// ErrUnknownCommand is returned for an action name outside the dispatch
// table.
var ErrUnknownCommand = errors.New("command: unknown action")

// Default safety clamp bounds (EXPANSION C, temperature_safety.py):
// roughly 7.2°C to 35°C.
const (
	DefaultMinCelsius = 7.222
	DefaultMaxCelsius = 35.0
)

var clampedFields = []string{
	"target_temperature",
	"target_temperature_high",
	"target_temperature_low",
	"away_temperature_high",
	"away_temperature_low",
}

// apiModeToDevice maps the API's mode vocabulary to the device's
// target_temperature_type enum (EXPANSION C, consts.py API_MODE_TO_NEST).
var apiModeToDevice = map[string]string{
	"off":        "off",
	"heat":       "heat",
	"cool":       "cool",
	"heat-cool":  "range",
	"range":      "range",
	"auto":       "range",
	"emergency":  "emergency",
}

// BucketReader is the subset of cache.Cache the dispatch functions need to
// read sibling buckets (e.g. to find a device's structure_id, or a
// shared/device bucket's safety bounds).
type BucketReader interface {
	Get(serial, key string) (*bucket.Bucket, bool)
}

// mutation is what a dispatch function produces: the bucket key to write
// and the field-level updates to apply.
type mutation struct {
	targetKey string
	updates   bucket.Value
}

type dispatchFunc func(r BucketReader, serial string, value bucket.Value, now int64) (mutation, error)

var dispatch = map[string]dispatchFunc{
	"set_mode":             dispatchSetMode,
	"set_temperature":      dispatchSetTemperature,
	"set_away":             dispatchSetAway,
	"set_fan":              dispatchSetFan,
	"set_eco_temperatures": dispatchSetEcoTemperatures,
}

func dispatchSetMode(r BucketReader, serial string, value bucket.Value, now int64) (mutation, error) {
	mode, _ := value["mode"].(string)
	deviceMode, ok := apiModeToDevice[mode]
	if !ok {
		return mutation{}, fmt.Errorf("command: unsupported mode %q", mode)
	}
	return mutation{
		targetKey: bucket.DeviceKey(serial),
		updates:   bucket.Value{"target_temperature_type": deviceMode},
	}, nil
}

func dispatchSetTemperature(r BucketReader, serial string, value bucket.Value, now int64) (mutation, error) {
	updates := bucket.Value{}
	if high, ok := value["high"]; ok {
		updates["target_temperature_high"] = high
	}
	if low, ok := value["low"]; ok {
		updates["target_temperature_low"] = low
	}
	if scalar, ok := value["temperature"]; ok {
		updates["target_temperature"] = scalar
	}
	if len(updates) == 0 {
		return mutation{}, errors.New("command: set_temperature requires temperature, or high/low")
	}
	return mutation{targetKey: bucket.SharedKey(serial), updates: updates}, nil
}

func dispatchSetAway(r BucketReader, serial string, value bucket.Value, now int64) (mutation, error) {
	away, _ := value["away"].(bool)
	target := bucket.SharedKey(serial)
	if d, ok := r.Get(serial, bucket.DeviceKey(serial)); ok {
		if sid, ok := d.Value["structure_id"].(string); ok && sid != "" {
			target = bucket.StructureKey(sid)
		}
	}
	return mutation{targetKey: target, updates: bucket.Value{"away": away}}, nil
}

func dispatchSetFan(r BucketReader, serial string, value bucket.Value, now int64) (mutation, error) {
	mode, _ := value["fan_mode"].(string)
	switch mode {
	case "on":
		duration, _ := value["duration_seconds"].(float64)
		if duration <= 0 {
			duration = 1800
		}
		return mutation{
			targetKey: bucket.DeviceKey(serial),
			updates:   bucket.Value{"fan_timer_timeout": now + int64(duration)*1000},
		}, nil
	case "auto":
		return mutation{
			targetKey: bucket.DeviceKey(serial),
			updates:   bucket.Value{"fan_timer_timeout": int64(0)},
		}, nil
	default:
		return mutation{}, fmt.Errorf("command: unsupported fan_mode %q", mode)
	}
}

func dispatchSetEcoTemperatures(r BucketReader, serial string, value bucket.Value, now int64) (mutation, error) {
	updates := bucket.Value{}
	if high, ok := value["away_temperature_high"]; ok {
		updates["away_temperature_high"] = high
	}
	if low, ok := value["away_temperature_low"]; ok {
		updates["away_temperature_low"] = low
	}
	if len(updates) == 0 {
		return mutation{}, errors.New("command: set_eco_temperatures requires away_temperature_high/low")
	}
	return mutation{targetKey: bucket.SharedKey(serial), updates: updates}, nil
}

// Surface wires the dispatch table to the cache and fan-out registry.
type Surface struct {
	cache  *cache.Cache
	fanout *fanout.Registry
	log    *logging.Logger
	now    func() int64
}

// New constructs a command Surface.
func New(c *cache.Cache, f *fanout.Registry, log *logging.Logger, now func() int64) *Surface {
	return &Surface{cache: c, fanout: f, log: log, now: now}
}

// Execute runs the named action against serial with the given value,
// applying the temperature safety clamp to any of the five clamped
// fields, committing through the cache, and explicitly notifying the
// fan-out registry (spec §4.G: "operator-initiated writes must wake
// subscribers even if the cache's own notification path is otherwise
// consumed only by the integration bridge").
func (s *Surface) Execute(ctx context.Context, action, serial string, value bucket.Value) (*bucket.Bucket, error) {
	fn, ok := dispatch[action]
	if !ok {
		return nil, ErrUnknownCommand
	}

	now := s.now()
	m, err := fn(s.cache, serial, value, now)
	if err != nil {
		return nil, err
	}

	clamped := s.clamp(serial, m.targetKey, m.updates)

	updated, changed, err := s.cache.Mutate(ctx, serial, m.targetKey, now, func(current bucket.Value) bucket.Value {
		return bucket.Merge(current, clamped)
	})
	if err != nil {
		return nil, err
	}

	if changed && s.fanout != nil {
		s.fanout.Notify(serial, []*bucket.Bucket{updated})
	}

	return updated, nil
}

// clamp applies the temperature safety clamp (spec §4.G): bounds come
// from the shared bucket, falling back to the device bucket, falling
// back to DefaultMinCelsius/DefaultMaxCelsius. updates is a dispatch
// function's freshly built map, safe to mutate in place.
func (s *Surface) clamp(serial, targetKey string, updates bucket.Value) bucket.Value {
	min, max := s.safetyBounds(serial)

	for _, field := range clampedFields {
		v, ok := updates[field]
		if !ok {
			continue
		}
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		c := f
		if c < min {
			c = min
		}
		if c > max {
			c = max
		}
		if c != f {
			if s.log != nil {
				s.log.WithField("serial", serial).WithField("field", field).
					Warnf("clamped %s from %.2f to %.2f", field, f, c)
			}
			updates[field] = c
		}
	}
	return updates
}

func (s *Surface) safetyBounds(serial string) (float64, float64) {
	min, max := DefaultMinCelsius, DefaultMaxCelsius
	if d, ok := s.cache.Get(serial, bucket.DeviceKey(serial)); ok {
		if v, ok := toFloat(d.Value["safety_temp_min"]); ok {
			min = v
		}
		if v, ok := toFloat(d.Value["safety_temp_max"]); ok {
			max = v
		}
	}
	if sh, ok := s.cache.Get(serial, bucket.SharedKey(serial)); ok {
		if v, ok := toFloat(sh.Value["safety_temp_min"]); ok {
			min = v
		}
		if v, ok := toFloat(sh.Value["safety_temp_max"]); ok {
			max = v
		}
	}
	return min, max
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
