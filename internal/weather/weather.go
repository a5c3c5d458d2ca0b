// Package weather implements the device-facing weather proxy with a
// TTL cache (spec §1 "the weather proxy with TTL cache (trivial)"; spec §6
// GET /nest/weather/v1 and /nest/weather/<path>). It is explicitly called
// out as an external collaborator the core doesn't need core-systems rigor
// for, but it still needs to exist and be wired to a real upstream client
// and the persistent store's weather cache table.
package weather

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nolongerevil/thermcontrol/infrastructure/httputil"
	"github.com/nolongerevil/thermcontrol/infrastructure/logging"
	"github.com/nolongerevil/thermcontrol/internal/store"
)

const defaultUpstreamBase = "https://api.open-meteo.com"

// Proxy caches upstream weather responses per (postal_code, country) for a
// configurable TTL, persisting the cache through the store so a restart
// doesn't immediately re-hit the upstream for every known postal code.
type Proxy struct {
	store        store.Store
	client       *http.Client
	upstreamBase string
	ttl          time.Duration
	log          *logging.Logger
	now          func() time.Time
}

// New constructs a Proxy. upstreamBase defaults to a public weather API
// when empty; ttl falls back to 30 minutes (spec §6 WEATHER_CACHE_TTL_MS).
func New(st store.Store, upstreamBase string, ttl time.Duration, log *logging.Logger) *Proxy {
	if upstreamBase == "" {
		upstreamBase = defaultUpstreamBase
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Proxy{
		store:        st,
		client:       httputil.CopyHTTPClientWithTimeout(nil, 10*time.Second, true),
		upstreamBase: upstreamBase,
		ttl:          ttl,
		log:          log,
		now:          time.Now,
	}
}

// Handler implements GET /nest/weather/v1 and /nest/weather/<path>: both
// variants key the cache on the "postal_code" and "country" query
// parameters (falling back to "US" when country is absent, matching the
// legacy firmware's omission of country on US-only deployments).
func (p *Proxy) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		postalCode := r.URL.Query().Get("postal_code")
		if postalCode == "" {
			postalCode = r.URL.Query().Get("zip")
		}
		if postalCode == "" {
			httputil.BadRequest(w, "missing postal_code")
			return
		}
		country := r.URL.Query().Get("country")
		if country == "" {
			country = "US"
		}

		data, err := p.Get(r.Context(), postalCode, country)
		if err != nil {
			if p.log != nil {
				p.log.WithError(err).WithField("postal_code", postalCode).Warn("weather fetch failed")
			}
			httputil.ServiceUnavailable(w, "weather upstream unavailable")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

// Get returns the cached or freshly fetched weather payload for
// (postalCode, country) as raw JSON bytes.
func (p *Proxy) Get(ctx context.Context, postalCode, country string) ([]byte, error) {
	now := p.now()

	if rec, err := p.store.GetWeather(ctx, postalCode, country); err == nil {
		age := now.UnixMilli() - rec.FetchedAt
		if age >= 0 && time.Duration(age)*time.Millisecond < p.ttl {
			return []byte(rec.DataJSON), nil
		}
	}

	data, err := p.fetchUpstream(ctx, postalCode, country)
	if err != nil {
		// Fall back to a stale cached value rather than failing outright,
		// if one exists.
		if rec, cacheErr := p.store.GetWeather(ctx, postalCode, country); cacheErr == nil {
			return []byte(rec.DataJSON), nil
		}
		return nil, err
	}

	if err := p.store.PutWeather(ctx, &store.WeatherRecord{
		PostalCode: postalCode,
		Country:    country,
		FetchedAt:  now.UnixMilli(),
		DataJSON:   string(data),
	}); err != nil && p.log != nil {
		p.log.WithError(err).Warn("weather cache write-through failed")
	}

	return data, nil
}

func (p *Proxy) fetchUpstream(ctx context.Context, postalCode, country string) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/forecast?postal_code=%s&country=%s", p.upstreamBase, postalCode, country)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("weather: upstream returned %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("weather: upstream returned non-JSON body")
	}
	return body, nil
}

// ProInfo implements the GET /nest/pro_info/<code> stub (spec §6): a fixed
// shape regardless of code, since this deployment has no pro-install
// integration.
func ProInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"pro_id":       "",
			"company_name": "",
			"phone":        "",
			"email":        "",
		})
	}
}
