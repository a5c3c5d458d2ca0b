// Package operator implements the operator-facing HTTP surface (spec
// §6): device status/listing, the command surface's HTTP front door,
// pairing administration, device registration, and the integration
// config endpoint the bridge's MQTT settings are stored through.
package operator

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nolongerevil/thermcontrol/infrastructure/httputil"
	"github.com/nolongerevil/thermcontrol/infrastructure/logging"
	"github.com/nolongerevil/thermcontrol/internal/availability"
	"github.com/nolongerevil/thermcontrol/internal/bucket"
	"github.com/nolongerevil/thermcontrol/internal/cache"
	"github.com/nolongerevil/thermcontrol/internal/command"
	"github.com/nolongerevil/thermcontrol/internal/fanout"
	"github.com/nolongerevil/thermcontrol/internal/pairing"
	"github.com/nolongerevil/thermcontrol/internal/store"
)

// Surface wires the control plane's core components into the operator
// dashboard's HTTP API.
type Surface struct {
	cache        *cache.Cache
	fanout       *fanout.Registry
	availability *availability.Tracker
	pairing      *pairing.Machine
	command      *command.Surface
	store        store.Store
	log          *logging.Logger
	now          func() int64

	startedAt time.Time
	upgrader  websocket.Upgrader
}

// New constructs an operator Surface.
func New(c *cache.Cache, f *fanout.Registry, a *availability.Tracker, p *pairing.Machine, cmd *command.Surface, st store.Store, log *logging.Logger, now func() int64) *Surface {
	return &Surface{
		cache:        c,
		fanout:       f,
		availability: a,
		pairing:      p,
		command:      cmd,
		store:        st,
		log:          log,
		now:          now,
		startedAt:    time.Now(),
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Register mounts every operator-surface route spec §6 names onto
// router.
func (s *Surface) Register(router *mux.Router) {
	router.HandleFunc("/", s.Index()).Methods(http.MethodGet)
	router.HandleFunc("/health", s.Health()).Methods(http.MethodGet)
	router.HandleFunc("/status", s.Status()).Methods(http.MethodGet)
	router.HandleFunc("/api/devices", s.ListDevices()).Methods(http.MethodGet)
	router.HandleFunc("/notify-device", s.NotifyDevice()).Methods(http.MethodPost)
	router.HandleFunc("/api/stats", s.Stats()).Methods(http.MethodGet)
	router.HandleFunc("/api/dismiss-pairing/{serial}", s.DismissPairing()).Methods(http.MethodPost)
	router.HandleFunc("/api/device", s.DeleteDevice()).Methods(http.MethodDelete)
	router.HandleFunc("/command", s.Command()).Methods(http.MethodPost)
	router.HandleFunc("/api/register", s.RegisterDevice()).Methods(http.MethodPost)
	router.HandleFunc("/api/registered-devices", s.ListRegisteredDevices()).Methods(http.MethodGet)
	router.HandleFunc("/api/registered-devices/{serial}", s.UnregisterDevice()).Methods(http.MethodDelete)
	router.HandleFunc("/api/ensure-user", s.EnsureUser()).Methods(http.MethodPost)
	router.HandleFunc("/api/mqtt-config", s.MQTTConfig()).Methods(http.MethodPost)
}

// Index serves a trivial landing page; the operator dashboard's UI is
// an external collaborator (spec §1 Non-goals), not part of this
// surface.
func (s *Surface) Index() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("thermcontrol operator surface\n"))
	}
}

func (s *Surface) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"uptime": time.Since(s.startedAt).Seconds(),
		})
	}
}

// Status implements GET /status?serial=… returning the device's tier,
// availability, and bucket listing.
func (s *Surface) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial := r.URL.Query().Get("serial")
		if serial == "" {
			httputil.BadRequest(w, "missing serial")
			return
		}

		tier, err := s.pairing.Tier(r.Context(), serial)
		if err != nil {
			httputil.InternalError(w, "tier lookup failed")
			return
		}

		buckets := s.cache.ListForSerial(serial)
		keys := make([]string, 0, len(buckets))
		for _, b := range buckets {
			keys = append(keys, b.Key)
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"serial":      serial,
			"tier":        tier.String(),
			"available":   s.availability.IsAvailable(serial),
			"bucket_keys": keys,
			"subscribers": s.fanout.Count(serial),
		})
	}
}

// ListDevices implements GET /api/devices.
func (s *Surface) ListDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serials := s.cache.ListAllSerials()
		devices := make([]map[string]any, 0, len(serials))
		for _, serial := range serials {
			devices = append(devices, map[string]any{
				"serial":    serial,
				"available": s.availability.IsAvailable(serial),
			})
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
	}
}

type notifyDeviceRequest struct {
	Serial string `json:"serial"`
}

// NotifyDevice implements POST /notify-device: re-delivers a device's
// current bucket set to its live waiters, the operator-surface
// equivalent of the command surface's explicit post-write notification.
func (s *Surface) NotifyDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req notifyDeviceRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if req.Serial == "" {
			httputil.BadRequest(w, "missing serial")
			return
		}
		buckets := s.cache.ListForSerial(req.Serial)
		s.fanout.Notify(req.Serial, buckets)
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "notified": len(buckets)})
	}
}

// Stats implements GET /api/stats: a snapshot by default, or a
// streaming live view over a websocket upgrade when the client sends
// the appropriate Upgrade headers (spec §6 names the route; the
// websocket variant is this repository's API-compatible extension of
// the long-poll domain, not part of the distilled contract).
func (s *Surface) Stats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := s.statsSnapshot()

		if !websocket.IsWebSocketUpgrade(r) {
			httputil.WriteJSON(w, http.StatusOK, snapshot)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			if s.log != nil {
				s.log.WithError(err).Warn("stats websocket upgrade failed")
			}
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		if err := conn.WriteJSON(s.statsSnapshot()); err != nil {
			return
		}
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteJSON(s.statsSnapshot()); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}
}

func (s *Surface) statsSnapshot() map[string]any {
	serials := s.cache.ListAllSerials()
	online := 0
	for _, serial := range serials {
		if s.availability.IsAvailable(serial) {
			online++
		}
	}
	return map[string]any{
		"total_devices":  len(serials),
		"online_devices": online,
		"timestamp":      s.now(),
	}
}

// DismissPairing implements POST /api/dismiss-pairing/<serial>.
func (s *Surface) DismissPairing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial := mux.Vars(r)["serial"]
		if serial == "" {
			httputil.BadRequest(w, "missing serial")
			return
		}
		if err := s.pairing.DismissDialog(r.Context(), serial); err != nil {
			httputil.InternalError(w, "dismiss failed")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

type deleteDeviceRequest struct {
	Serial string `json:"serial"`
}

// DeleteDevice implements DELETE /api/device: forgets every bucket for
// the serial and removes its ownership record (spec §3 "forget
// device").
func (s *Surface) DeleteDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deleteDeviceRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if req.Serial == "" {
			httputil.BadRequest(w, "missing serial")
			return
		}
		if err := s.cache.DeleteSerial(r.Context(), req.Serial); err != nil {
			httputil.InternalError(w, "delete failed")
			return
		}
		if err := s.store.DeleteOwner(r.Context(), req.Serial); err != nil {
			httputil.InternalError(w, "delete owner failed")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

type commandRequest struct {
	Serial  string       `json:"serial"`
	Command string       `json:"command"`
	Value   bucket.Value `json:"value"`
}

// Command implements POST /command (spec §6 "Command body").
func (s *Surface) Command() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if req.Serial == "" || req.Command == "" {
			httputil.BadRequest(w, "missing serial or command")
			return
		}

		updated, err := s.command.Execute(r.Context(), req.Command, req.Serial, req.Value)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"object": map[string]any{
				"object_key":       updated.Key,
				"object_revision":  updated.Revision,
				"object_timestamp": updated.Timestamp,
			},
		})
	}
}

type registerRequest struct {
	Code   string `json:"code"`
	UserID string `json:"userId"`
}

// RegisterDevice implements POST /api/register: claims an entry code on
// behalf of a user (spec §4.F claim).
func (s *Surface) RegisterDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if req.Code == "" || req.UserID == "" {
			httputil.BadRequest(w, "missing code or userId")
			return
		}

		ok, err := s.pairing.Claim(r.Context(), req.Code, req.UserID)
		if err != nil {
			httputil.InternalError(w, "claim failed")
			return
		}
		// A lost claim race is reported as a 200 with success:false, not an
		// HTTP error status (EXPANSION A.2: domain-specific deviation from
		// the status-per-code rule).
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"success": ok})
	}
}

// ListRegisteredDevices implements GET /api/registered-devices?userId=….
func (s *Surface) ListRegisteredDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			httputil.BadRequest(w, "missing userId")
			return
		}
		serials, err := s.store.ListOwnedSerials(r.Context(), userID)
		if err != nil {
			httputil.InternalError(w, "lookup failed")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"serials": serials})
	}
}

// UnregisterDevice implements DELETE /api/registered-devices/<serial>?userId=….
func (s *Surface) UnregisterDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial := mux.Vars(r)["serial"]
		if serial == "" {
			httputil.BadRequest(w, "missing serial")
			return
		}
		owner, err := s.store.GetOwner(r.Context(), serial)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httputil.NotFound(w, "device is not registered")
				return
			}
			httputil.InternalError(w, "lookup failed")
			return
		}
		if userID := r.URL.Query().Get("userId"); userID != "" && userID != owner {
			httputil.Forbidden(w, "device is registered to a different user")
			return
		}
		if err := s.store.DeleteOwner(r.Context(), serial); err != nil {
			httputil.InternalError(w, "unregister failed")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

type ensureUserRequest struct {
	ClerkID string `json:"clerkId"`
	Email   string `json:"email"`
}

// EnsureUser implements POST /api/ensure-user: idempotently upserts the
// users row spec §6's users table backs.
func (s *Surface) EnsureUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ensureUserRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if req.ClerkID == "" {
			httputil.BadRequest(w, "missing clerkId")
			return
		}
		if err := s.store.EnsureUser(r.Context(), req.ClerkID, req.Email, s.now()); err != nil {
			httputil.InternalError(w, "ensure user failed")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// MQTTConfig implements POST /api/mqtt-config: persists the bridge's
// broker configuration in the integrations table (spec §6
// "integrations"; EXPANSION C MQTT). The bridge is dialed at process
// startup from the MQTT_* environment variables and nothing reads this
// stored config back, so saving it changes neither the open MQTT
// connection nor the one made at the next start.
func (s *Surface) MQTTConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		if !httputil.DecodeJSON(w, r, &raw) {
			return
		}
		if err := s.store.PutIntegrationConfig(r.Context(), "mqtt", string(raw)); err != nil {
			httputil.InternalError(w, "save failed")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}
