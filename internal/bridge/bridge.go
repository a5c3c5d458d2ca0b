// Package bridge implements the integration bridge collaborator (spec
// §4.H): it subscribes to the cache's change stream, projects
// device/shared state to Home Assistant MQTT discovery and state
// messages, and translates inbound MQTT commands back into cache writes
// via the command surface.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nolongerevil/thermcontrol/infrastructure/logging"
	"github.com/nolongerevil/thermcontrol/internal/bucket"
	"github.com/nolongerevil/thermcontrol/internal/cache"
	"github.com/nolongerevil/thermcontrol/internal/command"
	"github.com/nolongerevil/thermcontrol/internal/mqtt"
)

// deviceModeToAPI is the inverse of command's API_MODE_TO_NEST table
// (EXPANSION C), used to project the device's target_temperature_type
// back onto a Home Assistant-style mode string.
var deviceModeToAPI = map[string]string{
	"off":       "off",
	"heat":      "heat",
	"cool":      "cool",
	"range":     "heat-cool",
	"emergency": "emergency",
}

// Bridge mirrors bucket state onto MQTT and relays inbound commands.
// It implements cache.Subscriber.
type Bridge struct {
	pub             mqtt.Publisher
	cmd             *command.Surface
	cache           *cache.Cache
	topicPrefix     string
	discoveryPrefix string
	log             *logging.Logger
}

// Config names the MQTT topic namespace the bridge publishes under and
// subscribes for commands on (spec §6 MQTT_TOPIC_PREFIX/
// MQTT_DISCOVERY_PREFIX, EXPANSION C).
type Config struct {
	TopicPrefix     string
	DiscoveryPrefix string
}

// New constructs a Bridge. Call Start once the MQTT client is dialed to
// subscribe for inbound commands.
func New(pub mqtt.Publisher, cmd *command.Surface, c *cache.Cache, cfg Config, log *logging.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "thermcontrol"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	return &Bridge{
		pub:             pub,
		cmd:             cmd,
		cache:           c,
		topicPrefix:     cfg.TopicPrefix,
		discoveryPrefix: cfg.DiscoveryPrefix,
		log:             log,
	}
}

// Name identifies this subscriber for change-event error logging (spec
// §4.B).
func (b *Bridge) Name() string { return "integration-bridge" }

// Start subscribes to the per-device command topic wildcard and, for
// every serial already known to the cache, publishes a fresh discovery
// message (so a broker restart doesn't strand Home Assistant entities
// until the next unrelated state change).
func (b *Bridge) Start(ctx context.Context) error {
	setTopic := fmt.Sprintf("%s/+/set/+", b.topicPrefix)
	if err := b.pub.Subscribe(ctx, setTopic, b.handleCommand); err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", setTopic, err)
	}

	for _, serial := range b.cache.ListAllSerials() {
		b.publishDiscovery(ctx, serial)
		b.publishState(ctx, serial)
	}
	return nil
}

// Close releases the underlying MQTT connection.
func (b *Bridge) Close() error {
	if b.pub == nil {
		return nil
	}
	return b.pub.Close()
}

// OnChange projects device.<serial> and shared.<serial> writes onto the
// bridge's state topic (spec §4.H: "projects the merged device state to
// a fixed topic schema"). Other bucket kinds (structure, user, pairing
// dialogs) have no Home Assistant analogue and are ignored.
func (b *Bridge) OnChange(ctx context.Context, ev cache.ChangeEvent) error {
	kind := bucket.Kind(ev.Key)
	if kind != "device" && kind != "shared" {
		return nil
	}
	serial := bucket.ID(ev.Key)
	b.publishState(ctx, serial)
	return nil
}

// publishState merges the device and shared buckets for serial (the
// same two kinds the command surface writes to) and publishes the
// result as Home Assistant climate state under
// {topic_prefix}/{serial}/state.
func (b *Bridge) publishState(ctx context.Context, serial string) {
	merged := bucket.Value{}
	if d, ok := b.cache.Get(serial, bucket.DeviceKey(serial)); ok {
		merged = bucket.Merge(merged, d.Value)
	}
	if s, ok := b.cache.Get(serial, bucket.SharedKey(serial)); ok {
		merged = bucket.Merge(merged, s.Value)
	}
	if len(merged) == 0 {
		return
	}

	state := map[string]any{
		"mode":                deviceModeToAPI[str(merged["target_temperature_type"])],
		"current_temperature": merged["current_temperature"],
		"target_temperature":  merged["target_temperature"],
		"away":                merged["away"],
	}
	payload, err := json.Marshal(state)
	if err != nil {
		if b.log != nil {
			b.log.WithError(err).WithField("serial", serial).Warn("bridge: marshal state failed")
		}
		return
	}

	topic := fmt.Sprintf("%s/%s/state", b.topicPrefix, serial)
	if err := b.pub.Publish(ctx, topic, payload, true); err != nil && b.log != nil {
		b.log.WithError(err).WithField("serial", serial).Warn("bridge: publish state failed")
	}
}

// publishDiscovery announces a Home Assistant MQTT climate entity for
// serial under {discovery_prefix}/climate/{serial}/config (EXPANSION C).
func (b *Bridge) publishDiscovery(ctx context.Context, serial string) {
	cfg := map[string]any{
		"name":                 fmt.Sprintf("Thermostat %s", serial),
		"unique_id":            serial,
		"mode_state_topic":     fmt.Sprintf("%s/%s/state", b.topicPrefix, serial),
		"mode_state_template":  "{{ value_json.mode }}",
		"mode_command_topic":   fmt.Sprintf("%s/%s/set/mode", b.topicPrefix, serial),
		"temperature_state_topic":   fmt.Sprintf("%s/%s/state", b.topicPrefix, serial),
		"temperature_state_template": "{{ value_json.target_temperature }}",
		"temperature_command_topic": fmt.Sprintf("%s/%s/set/temperature", b.topicPrefix, serial),
		"current_temperature_topic": fmt.Sprintf("%s/%s/state", b.topicPrefix, serial),
		"current_temperature_template": "{{ value_json.current_temperature }}",
		"modes":                []string{"off", "heat", "cool", "heat-cool"},
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/climate/%s/config", b.discoveryPrefix, serial)
	if err := b.pub.Publish(ctx, topic, payload, true); err != nil && b.log != nil {
		b.log.WithError(err).WithField("serial", serial).Warn("bridge: publish discovery failed")
	}
}

// handleCommand translates an inbound {topic_prefix}/{serial}/set/{field}
// publish into a command.Surface.Execute call. The last topic segment
// names the action's surface field (mode, temperature, away, fan); any
// other field is rejected. The payload is the raw value for that field.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return
	}
	serial := parts[len(parts)-3]
	field := parts[len(parts)-1]

	action, value, err := translateCommand(field, payload)
	if err != nil {
		if b.log != nil {
			b.log.WithError(err).WithField("topic", topic).Warn("bridge: command translation failed")
		}
		return
	}

	if _, err := b.cmd.Execute(context.Background(), action, serial, value); err != nil && b.log != nil {
		b.log.WithError(err).WithField("serial", serial).WithField("action", action).Warn("bridge: command execution failed")
	}
}

// translateCommand maps a bridge set/<field> topic and raw payload to a
// command-surface action name and value map.
func translateCommand(field string, payload []byte) (string, bucket.Value, error) {
	switch field {
	case "mode":
		return "set_mode", bucket.Value{"mode": string(payload)}, nil
	case "temperature":
		var f float64
		if err := json.Unmarshal(payload, &f); err != nil {
			return "", nil, fmt.Errorf("bridge: invalid temperature payload: %w", err)
		}
		return "set_temperature", bucket.Value{"temperature": f}, nil
	case "away":
		return "set_away", bucket.Value{"away": string(payload) == "true"}, nil
	case "fan":
		return "set_fan", bucket.Value{"fan_mode": string(payload)}, nil
	default:
		return "", nil, fmt.Errorf("bridge: unknown command field %q", field)
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
