// Package config loads the control plane's runtime configuration from
// environment variables (spec §6), in the teacher's NewFromEnv /
// direct-os.Getenv style rather than a config-file framework.
package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

func cpuCount() int { return runtime.NumCPU() }

// Config collects every environment variable spec §6 names.
type Config struct {
	// API_ORIGIN is the externally reachable base URL used to build the
	// discovery URLs returned from /nest/entry.
	APIOrigin string

	Host string
	// Port is the device-facing HTTP port.
	Port string
	// OperatorPort is the operator-facing HTTP port. Spec §6 requires a
	// second port but never names its env var; resolved as an Open
	// Question in DESIGN.md.
	OperatorPort string

	Workers int
	CertDir string

	EntryKeyTTLSeconds int

	WeatherCacheTTL time.Duration

	// SubscriptionTimeout is the one-shot subscribe wait timeout; zero
	// means no timeout (spec §6).
	SubscriptionTimeout time.Duration

	MaxSubscriptionsPerDevice int

	DebugLogging bool
	DebugLogsDir string

	// PostgresDSN repurposes the spec's SQLITE3_DB_PATH env var name as
	// the Postgres connection string (EXPANSION B: the persistent store
	// is Postgres-backed, not SQLite, following the teacher's stack).
	PostgresDSN string

	MQTTHost            string
	MQTTPort            int
	MQTTUser            string
	MQTTPassword        string
	MQTTTopicPrefix     string
	MQTTDiscoveryPrefix string
}

// Load reads every recognised environment variable (spec §6), applying the
// defaults the spec states inline.
func Load() *Config {
	return &Config{
		APIOrigin:                 getenv("API_ORIGIN", "http://localhost:8080"),
		Host:                      getenv("HOST", "0.0.0.0"),
		Port:                      getenv("PORT", "8080"),
		OperatorPort:              getenv("OPERATOR_PORT", "8081"),
		Workers:                   clampWorkers(getenvInt("WORKERS", defaultWorkers())),
		CertDir:                   getenv("CERT_DIR", ""),
		EntryKeyTTLSeconds:        getenvInt("ENTRY_KEY_TTL_SECONDS", 3600),
		WeatherCacheTTL:           time.Duration(getenvInt("WEATHER_CACHE_TTL_MS", 30*60*1000)) * time.Millisecond,
		SubscriptionTimeout:       time.Duration(getenvInt("SUBSCRIPTION_TIMEOUT_MS", 30000)) * time.Millisecond,
		MaxSubscriptionsPerDevice: getenvInt("MAX_SUBSCRIPTIONS_PER_DEVICE", 100),
		DebugLogging:              getenvBool("DEBUG_LOGGING", false),
		DebugLogsDir:              getenv("DEBUG_LOGS_DIR", ""),
		PostgresDSN:               getenv("SQLITE3_DB_PATH", "postgres://localhost/thermcontrol?sslmode=disable"),
		MQTTHost:                  getenv("MQTT_HOST", ""),
		MQTTPort:                  getenvInt("MQTT_PORT", 1883),
		MQTTUser:                  getenv("MQTT_USER", ""),
		MQTTPassword:              getenv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix:           getenv("MQTT_TOPIC_PREFIX", "thermcontrol"),
		MQTTDiscoveryPrefix:       getenv("MQTT_DISCOVERY_PREFIX", "homeassistant"),
	}
}

// defaultWorkers implements spec §5's "2*CPU + 1, max 8" default.
func defaultWorkers() int {
	n := 2*cpuCount() + 1
	return n
}

func clampWorkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > 8 {
		return 8
	}
	return n
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
