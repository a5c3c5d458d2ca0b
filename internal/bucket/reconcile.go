package bucket

// fanFields is the exact field list preserved across a subscribe/PUT update
// that would otherwise clobber an in-flight fan timer (spec §4.E.2,
// EXPANSION C "Fan timer preservation exact field list"), grounded in
// original_source's utils/fan_timer.py.
var fanFields = []string{
	"fan_timer_timeout",
	"fan_control_state",
	"fan_timer_duration",
	"fan_current_speed",
	"fan_mode",
}

// PreserveFanTimer implements spec §4.E.2's fan timer preservation rule: if
// the stored value carries a non-zero, not-yet-elapsed fan_timer_timeout and
// the incoming update does not explicitly clear it (either by setting
// fan_timer_timeout to 0 or fan_control_state to false), the fan-related
// fields are copied from stored into incoming wherever incoming doesn't
// already set them. nowMillis is the current time, used to decide whether
// the stored timeout is still in the future.
func PreserveFanTimer(stored, incoming Value, nowMillis int64) Value {
	timeout, hasTimeout := asInt64(stored["fan_timer_timeout"])
	if !hasTimeout || timeout == 0 || timeout <= nowMillis {
		return incoming
	}

	if explicitlyClears(incoming) {
		return incoming
	}

	var out Value
	for _, f := range fanFields {
		if _, set := incoming[f]; set {
			continue
		}
		v, ok := stored[f]
		if !ok {
			continue
		}
		if out == nil {
			out = incoming.Clone()
			if out == nil {
				out = Value{}
			}
		}
		out[f] = v
	}
	if out == nil {
		return incoming
	}
	return out
}

func explicitlyClears(incoming Value) bool {
	if v, ok := incoming["fan_timer_timeout"]; ok {
		if n, ok2 := asInt64(v); ok2 && n == 0 {
			return true
		}
	}
	if v, ok := incoming["fan_control_state"]; ok {
		if b, ok2 := v.(bool); ok2 && !b {
			return true
		}
	}
	return false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// AssignStructureID implements spec §4.E.2's structure id assignment rule:
// on device.<serial> writes lacking a non-empty structure_id, if the device
// has an owner, set structure_id to the owner's identifier with any
// "user_" prefix stripped (EXPANSION C, structure_assignment.py).
func AssignStructureID(key string, merged Value, ownerUserID string) Value {
	if Kind(key) != "device" || ownerUserID == "" {
		return merged
	}
	if s, ok := merged["structure_id"].(string); ok && s != "" {
		return merged
	}
	out := merged.Clone()
	if out == nil {
		out = Value{}
	}
	out["structure_id"] = StripUserPrefix(ownerUserID)
	return out
}

// StripUserPrefix strips a leading "user_" (5 chars) from a user id, per
// EXPANSION C's structure id derivation rule.
func StripUserPrefix(userID string) string {
	const prefix = "user_"
	if len(userID) > len(prefix) && userID[:len(prefix)] == prefix {
		return userID[len(prefix):]
	}
	return userID
}

// Idempotent reports whether merged is field-for-field equal to stored,
// meaning the write must leave revision and timestamp unchanged (spec §3
// invariant: idempotence).
func Idempotent(stored, merged Value) bool {
	return stored.Equal(merged)
}
