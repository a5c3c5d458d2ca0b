// Command nestd is the control plane's single process: it terminates the
// legacy thermostat protocol (spec §6 /nest/… routes) on the device port
// and the operator dashboard's HTTP API (spec §6 second port) on the
// operator port, over one shared cache, fan-out registry, and
// availability tracker (spec §9: "construct them at startup, pass
// explicit handles to every component"). Running both surfaces in one
// process is what makes an operator-initiated write (§4.G) visible to a
// device's live long-poll and an operator's status query consistent with
// a device's most recent PUT — splitting them across processes would
// give each its own cache and fan-out registry, so neither could see the
// other's state.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nolongerevil/thermcontrol/infrastructure/logging"
	"github.com/nolongerevil/thermcontrol/infrastructure/metrics"
	"github.com/nolongerevil/thermcontrol/infrastructure/middleware"
	"github.com/nolongerevil/thermcontrol/internal/availability"
	"github.com/nolongerevil/thermcontrol/internal/bridge"
	"github.com/nolongerevil/thermcontrol/internal/cache"
	"github.com/nolongerevil/thermcontrol/internal/command"
	"github.com/nolongerevil/thermcontrol/internal/config"
	"github.com/nolongerevil/thermcontrol/internal/device"
	"github.com/nolongerevil/thermcontrol/internal/fanout"
	"github.com/nolongerevil/thermcontrol/internal/mqtt"
	"github.com/nolongerevil/thermcontrol/internal/operator"
	"github.com/nolongerevil/thermcontrol/internal/pairing"
	"github.com/nolongerevil/thermcontrol/internal/protocol"
	"github.com/nolongerevil/thermcontrol/internal/store"
	"github.com/nolongerevil/thermcontrol/internal/weather"
)

func main() {
	cfg := config.Load()
	logger := logging.NewFromEnv("nestd")

	st, err := store.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	c := cache.New(st, logger)
	if err := c.LoadAll(ctx); err != nil {
		log.Fatalf("load cache: %v", err)
	}

	fo := fanout.New(cfg.MaxSubscriptionsPerDevice)
	// Every changed bucket write — device PUT, subscribe-push, or an
	// operator command — flows through cache.Mutate/PutRaw and must wake
	// matching long-poll waiters (spec §2, §4.E.3); registering the
	// registry itself as a cache subscriber is what makes that universal
	// rather than dependent on which handler happened to write.
	c.Subscribe(fanout.NewCacheSubscriber(fo, c))

	avail := availability.New(30*time.Second, 2*time.Minute, fo, logger)
	pm := pairing.New(st, c, nowMillis)
	cmd := command.New(c, fo, logger, nowMillis)

	var mqttBridge *bridge.Bridge
	if cfg.MQTTHost != "" {
		mqttClient, dialErr := mqtt.Dial(ctx, mqtt.Config{
			Host:     cfg.MQTTHost,
			Port:     cfg.MQTTPort,
			ClientID: "thermcontrol-nestd",
			User:     cfg.MQTTUser,
			Password: cfg.MQTTPassword,
		})
		if dialErr != nil {
			logger.WithError(dialErr).Warn("MQTT broker unreachable, integration bridge disabled")
		} else {
			mqttBridge = bridge.New(mqttClient, cmd, c, bridge.Config{
				TopicPrefix:     cfg.MQTTTopicPrefix,
				DiscoveryPrefix: cfg.MQTTDiscoveryPrefix,
			}, logger)
			c.Subscribe(mqttBridge)
			if startErr := mqttBridge.Start(ctx); startErr != nil {
				logger.WithError(startErr).Warn("integration bridge start failed")
			}
		}
	}

	engine := protocol.New(protocol.Config{
		Cache:               c,
		Fanout:              fo,
		Pairing:             pm,
		Availability:        avail,
		Owners:              st,
		Log:                 logger,
		Now:                 nowMillis,
		SubscriptionTimeout: cfg.SubscriptionTimeout,
	})
	devSurface := device.New(pm, avail, cfg.APIOrigin, cfg.EntryKeyTTLSeconds, logger, nowMillis)
	weatherProxy := weather.New(st, "https://weather.googleapis.com", cfg.WeatherCacheTTL, logger)
	opSurface := operator.New(c, fo, avail, pm, cmd, st, logger, nowMillis)

	avail.OnEvent(func(ev availability.Event) {
		logger.WithFields(map[string]interface{}{"serial": ev.Serial, "available": ev.Available}).Info("availability changed")
	})
	if err := avail.Run(); err != nil {
		log.Fatalf("start availability tracker: %v", err)
	}
	defer avail.Stop()

	deviceServer, stopAbuseLimiterCleanup := newDeviceServer(cfg, logger, devSurface, engine, weatherProxy)
	defer stopAbuseLimiterCleanup()
	operatorServer := newOperatorServer(cfg, logger, opSurface)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		logger.WithFields(map[string]interface{}{"addr": deviceServer.Addr}).Info("nestd device surface listening")
		if err := deviceServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("device server error: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		logger.WithFields(map[string]interface{}{"addr": operatorServer.Addr}).Info("nestd operator surface listening")
		if err := operatorServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("operator server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info(ctx, "shutting down nestd", nil)
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := deviceServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("device server graceful shutdown error")
	}
	if err := operatorServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("operator server graceful shutdown error")
	}
	wg.Wait()
	if mqttBridge != nil {
		if err := mqttBridge.Close(); err != nil {
			logger.WithError(err).Warn("bridge close error")
		}
	}
}

// newDeviceServer builds the legacy thermostat protocol's HTTP surface
// (spec §6 /nest/… routes) bound to cfg.Port.
func newDeviceServer(cfg *config.Config, logger *logging.Logger, devSurface *device.Surface, engine *protocol.Engine, weatherProxy *weather.Proxy) (*http.Server, func()) {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(5 << 20).Handler)

	if metrics.Enabled() {
		metricsCollector := metrics.Init("nestd")
		router.Use(middleware.MetricsMiddleware("nestd", metricsCollector))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	abuseLimiter := middleware.NewRateLimiterWithWindow(60, time.Minute, 60, logger)
	stopCleanup := abuseLimiter.StartCleanup(5 * time.Minute)

	router.HandleFunc("/nest/entry", devSurface.Entry())
	router.Handle("/nest/ping", abuseLimiter.Handler(devSurface.Ping()))
	router.HandleFunc("/nest/passphrase", devSurface.Passphrase()).Methods(http.MethodGet)
	router.HandleFunc("/nest/passphrase/status", devSurface.PassphraseStatus()).Methods(http.MethodGet)
	router.Handle("/nest/upload", abuseLimiter.Handler(devSurface.Upload())).Methods(http.MethodPost)

	router.HandleFunc("/nest/transport/device/{serial}", engine.Listing()).Methods(http.MethodGet)
	router.HandleFunc("/nest/transport", engine.Subscribe()).Methods(http.MethodPost)
	router.HandleFunc("/nest/transport/subscribe", engine.Subscribe()).Methods(http.MethodPost)
	router.HandleFunc("/nest/transport/{version}/subscribe", engine.Subscribe()).Methods(http.MethodPost)
	router.HandleFunc("/nest/transport/put", engine.Put()).Methods(http.MethodPost)
	router.HandleFunc("/nest/transport/{version}/put", engine.Put()).Methods(http.MethodPost)

	router.HandleFunc("/nest/weather/v1", weatherProxy.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/nest/weather/{path:.*}", weatherProxy.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/nest/pro_info/{code}", weather.ProInfo()).Methods(http.MethodGet)

	var handler http.Handler = device.LegacyURLRewriter(router)

	return &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}, stopCleanup
}

// newOperatorServer builds the operator dashboard's HTTP API (spec §6
// second port) bound to cfg.OperatorPort, sharing the same cache/fan-out/
// availability/pairing/command handles the device surface writes
// through.
func newOperatorServer(cfg *config.Config, logger *logging.Logger, opSurface *operator.Surface) *http.Server {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(1 << 20).Handler)

	// Operator dashboard is an external collaborator (spec §1 Non-goals),
	// so its origin is unknown ahead of time; CORS is allow-any-origin.
	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAgeSeconds:    3600,
		PreflightStatus:  http.StatusOK,
	}).Handler)

	if metrics.Enabled() {
		metricsCollector := metrics.Init("operatord")
		router.Use(middleware.MetricsMiddleware("operatord", metricsCollector))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	opSurface.Register(router)

	return &http.Server{
		Addr:              cfg.Host + ":" + cfg.OperatorPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second, // the /api/stats websocket outlives a typical request
		IdleTimeout:       120 * time.Second,
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
