// Package device implements the device-facing HTTP surface that sits
// outside the sync protocol engine (spec §6): service discovery,
// liveness, entry-code issuance/status, log upload, and the legacy URL
// rewriter that normalises bare firmware paths onto /nest/….
package device

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nolongerevil/thermcontrol/infrastructure/httputil"
	"github.com/nolongerevil/thermcontrol/infrastructure/logging"
	"github.com/nolongerevil/thermcontrol/internal/availability"
	"github.com/nolongerevil/thermcontrol/internal/pairing"
	"github.com/nolongerevil/thermcontrol/internal/protocol"
)

const serverVersion = "1"
const tierName = "selfhosted"

// Surface wires the pairing machine and availability tracker into the
// handlers spec §6's device table names beyond the sync protocol engine.
type Surface struct {
	pairing      *pairing.Machine
	availability *availability.Tracker
	apiOrigin    string
	entryTTL     int
	log          *logging.Logger
	now          func() int64
}

// New constructs a Surface. apiOrigin is the externally reachable base
// URL used to build the discovery response's URLs (spec §6 API_ORIGIN).
func New(m *pairing.Machine, avail *availability.Tracker, apiOrigin string, entryTTLSeconds int, log *logging.Logger, now func() int64) *Surface {
	return &Surface{pairing: m, availability: avail, apiOrigin: apiOrigin, entryTTL: entryTTLSeconds, log: log, now: now}
}

// Entry implements GET/POST /nest/entry (spec §6 service discovery).
func (s *Surface) Entry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		base := strings.TrimRight(s.apiOrigin, "/")
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"czfe_url":             base + "/nest/entry",
			"transport_url":        base + "/nest/transport",
			"direct_transport_url": base + "/nest/transport",
			"passphrase_url":       base + "/nest/passphrase",
			"ping_url":             base + "/nest/ping",
			"pro_info_url":         base + "/nest/pro_info",
			"weather_url":          base + "/nest/weather/v1",
			"upload_url":           base + "/nest/upload",
			"software_update_url":  base + "/nest/entry",
			"server_version":       serverVersion,
			"tier_name":            tierName,
		})
	}
}

// Ping implements GET /nest/ping (spec §6 liveness), marking the device
// seen by the availability tracker as a side effect since a ping is
// itself evidence of presence.
func (s *Surface) Ping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if serial, ok := protocol.ExtractSerial(r); ok && s.availability != nil {
			s.availability.MarkSeen(serial)
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": s.now(),
		})
	}
}

// Passphrase implements GET /nest/passphrase (spec §6): issues an entry
// code for the requesting serial.
func (s *Surface) Passphrase() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial, ok := protocol.ExtractSerial(r)
		if !ok {
			httputil.BadRequest(w, "missing or malformed device serial")
			return
		}

		code, expiresAt, err := s.pairing.IssueCode(r.Context(), serial, s.entryTTL)
		if err != nil {
			if s.log != nil {
				s.log.WithError(err).WithField("serial", serial).Error("entry code issuance failed")
			}
			httputil.InternalError(w, "could not issue entry code")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"value":   code,
			"expires": expiresAt,
		})
	}
}

// PassphraseStatus implements GET /nest/passphrase/status (spec §6,
// EXPANSION C response shape).
func (s *Surface) PassphraseStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial, ok := protocol.ExtractSerial(r)
		if !ok {
			httputil.BadRequest(w, "missing or malformed device serial")
			return
		}

		result, err := s.pairing.Status(r.Context(), serial)
		if err != nil {
			httputil.InternalError(w, "status lookup failed")
			return
		}

		body := map[string]any{"status": result.Status, "claimed": result.Claimed}
		switch result.Status {
		case "pending":
			body["expiresAt"] = result.ExpiresAt
		case "claimed":
			body["claimedBy"] = result.ClaimedBy
			body["claimedAt"] = result.ClaimedAt
		}
		httputil.WriteJSON(w, http.StatusOK, body)
	}
}

// Upload implements POST /nest/upload (spec §6): accepts a device log
// body, tolerating a gzip-compressed payload, and discards the
// contents — log retention is a Non-goal (spec §1).
func (s *Surface) Upload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var reader io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				httputil.BadRequest(w, "invalid gzip body")
				return
			}
			defer gz.Close()
			reader = gz
		}

		if _, err := io.Copy(io.Discard, io.LimitReader(reader, 10<<20)); err != nil {
			if s.log != nil {
				s.log.WithError(err).Warn("upload body read failed")
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// legacyRewrites maps a bare legacy prefix to its canonical /nest/…
// replacement (spec §6, EXPANSION C). Order matters only in that
// longer/more specific prefixes should be matched before shorter ones;
// none of these prefixes collide.
var legacyRewrites = []struct {
	from, to string
	alias    bool // true: collapse the whole subtree onto "to" verbatim (no suffix carried over)
}{
	{"/czfe/", "/nest/entry", true},
	{"/czfe", "/nest/entry", true},
	{"/transport/", "/nest/transport/", false},
	{"/weather/", "/nest/weather/", false},
	{"/pro_info/", "/nest/pro_info/", false},
	{"/passphrase/status", "/nest/passphrase/status", true},
	{"/passphrase", "/nest/passphrase", true},
	{"/entry", "/nest/entry", true},
	{"/ping", "/nest/ping", true},
	{"/upload", "/nest/upload", true},
}

// RewriteLegacyPath normalises a legacy bare firmware path onto its
// canonical /nest/… equivalent; paths that already start with /nest/
// or match nothing are returned unchanged.
func RewriteLegacyPath(path string) string {
	if strings.HasPrefix(path, "/nest/") {
		return path
	}
	for _, rw := range legacyRewrites {
		if path == rw.from {
			return rw.to
		}
		if strings.HasSuffix(rw.from, "/") && strings.HasPrefix(path, rw.from) {
			if rw.alias {
				return rw.to
			}
			return rw.to + strings.TrimPrefix(path, rw.from)
		}
	}
	return path
}

// LegacyURLRewriter wraps an http.Handler, rewriting legacy bare paths
// before delegating (spec §6: "a URL rewriter normalises them to
// /nest/… before routing").
func LegacyURLRewriter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = RewriteLegacyPath(r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// nowMillis is the package default clock, overridable in New's now
// argument for tests.
func nowMillis() int64 { return time.Now().UnixMilli() }

// DefaultNow is exported for cmd/nestd's wiring convenience.
var DefaultNow = nowMillis
