package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/attestgate/attest-bridge/internal/attestation"
	"github.com/attestgate/attest-bridge/internal/cache"
	"github.com/attestgate/attest-bridge/internal/config"
	"github.com/attestgate/attest-bridge/internal/dedupe"
	"github.com/attestgate/attest-bridge/internal/keystore"
	"github.com/attestgate/attest-bridge/internal/manager"
	"github.com/attestgate/attest-bridge/internal/observe"
	"github.com/attestgate/attest-bridge/internal/scheduler"
	"github.com/attestgate/attest-bridge/internal/server"
	"github.com/attestgate/attest-bridge/internal/service"
	"github.com/attestgate/attest-bridge/internal/signer"
	"github.com/attestgate/attest-bridge/internal/store"
	"github.com/attestgate/attest-bridge/internal/token"
)

func main() {
	configureLogging()

	logBuildInfo()

	if err := launchServer(); err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping the default HTTP client used
	// for the issuance RPC
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	hooks := &server.ShutdownHooks{}
	hooks.AddContext("telemetry", shutdownTelemetry)

	mgr, engineHooks, err := buildEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("engine configuration failed: %w", err)
	}
	for _, h := range engineHooks {
		hooks.AddContext(h.name, h.fn)
	}

	handler := configureServerRoutes(mgr)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	err = server.Serve(srv, time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

type namedHook struct {
	name string
	fn   func(context.Context) error
}

// buildEngine wires the token engine from configuration: key store, signer,
// attestation provider, retrying service client, cache, deduplicator,
// durable store, manager and the background refresh scheduler.
func buildEngine(ctx context.Context, cfg config.Config) (*manager.Manager, []namedHook, error) {
	var hooks []namedHook

	keys := keystore.NewStatic(
		map[string][]byte{cfg.Keys.SigningKeyVersion: decodeKey(cfg.Keys.SigningKey)},
		cfg.Keys.SigningKeyVersion,
		time.Duration(cfg.Keys.CacheTTLMinutes)*time.Minute,
	)

	device := token.Device{
		DeviceID:     cfg.Device.DeviceID,
		Platform:     cfg.Device.Platform,
		OSVersion:    cfg.Device.OSVersion,
		AppVersion:   cfg.Device.AppVersion,
		Model:        cfg.Device.Model,
		Manufacturer: cfg.Device.Manufacturer,
	}

	remote := service.NewHTTPRemote(cfg.Service.Endpoint, http.DefaultClient)
	client := service.NewClient(remote, service.Config{
		Timeout:        time.Duration(cfg.Service.TimeoutSeconds) * time.Second,
		MaxAttempts:    cfg.Service.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Service.InitialBackoffMillis) * time.Millisecond,
	})

	tokenCache := cache.New(cache.Config{
		MaxEntries:   cfg.Cache.MaxEntries,
		HotWindow:    time.Duration(cfg.Cache.HotWindowSeconds) * time.Second,
		HotThreshold: cfg.Cache.HotThreshold,
		BackoffBase:  time.Duration(cfg.Cache.BackoffBaseMillis) * time.Millisecond,
		BackoffCap:   time.Duration(cfg.Cache.BackoffCapSeconds) * time.Second,
		DefaultGrace: time.Duration(cfg.Cache.DefaultGraceSeconds) * time.Second,
	})

	durable, err := store.NewFromType(cfg.Store.Type, cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("durable store configuration failed: %w", err)
	}
	if durable != nil {
		hooks = append(hooks, namedHook{"durable store", func(context.Context) error {
			return durable.Close()
		}})
	}

	mgr, err := manager.New(manager.Deps{
		Cache:   tokenCache,
		Dedupe:  dedupe.New(),
		Signer:  signer.New(keys),
		Attest:  attestation.NewStatic(device),
		Fetcher: client,
		Keys:    keys,
		Store:   durable,
		Device:  device,
	}, manager.Config{
		ServeStaleOnError: cfg.Manager.ServeStaleOnError,
		MaxStaleOnError:   time.Duration(cfg.Manager.MaxStaleErrorSecs) * time.Second,
		TokenHeader:       cfg.Manager.TokenHeader,
		SignatureHeader:   cfg.Manager.SignatureHeader,
		TrackingHeader:    cfg.Manager.TrackingHeader,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := mgr.Restore(ctx); err != nil {
		// a failed restore costs warmth, not correctness
		log.Warn().Err(err).Msg("token cache restore failed, starting cold")
	}

	sched := scheduler.New(tokenCache, mgr.Refresh, scheduler.Config{
		Interval: time.Duration(cfg.Scheduler.SweepIntervalSeconds) * time.Second,
		MinLead:  time.Duration(cfg.Scheduler.MinLeadSeconds) * time.Second,
		MaxLead:  time.Duration(cfg.Scheduler.MaxLeadSeconds) * time.Second,
	})

	schedCtx, stopSched := context.WithCancel(context.Background())
	go sched.Run(schedCtx)
	hooks = append(hooks, namedHook{"refresh scheduler", func(context.Context) error {
		stopSched()
		return nil
	}})

	return mgr, hooks, nil
}

// decodeKey accepts base64-encoded key material, falling back to the raw
// string for ad-hoc configuration.
func decodeKey(s string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil && len(decoded) > 0 {
		return decoded
	}
	return []byte(s)
}

func configureServerRoutes(mgr *manager.Manager) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. Given the current API shape, this is not
	// configurable.
	requestLimitBytes := int64(20 << 10) // 20 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	standardRouteMiddleware := alice.New(requestLimiter)

	mux.Handle("POST /headers", standardRouteMiddleware.Then(handlePostHeaders(mgr)))
	mux.Handle("POST /prefetch", standardRouteMiddleware.Then(handlePostPrefetch(mgr)))
	mux.Handle("POST /invalidate", standardRouteMiddleware.Then(handlePostInvalidate(mgr)))

	// healthchecks are not included in telemetry
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux
}

func configureLogging() {
	// Set global level to the minimum: allows the OpenTelemetry logging to
	// be configured separately. However, it means that any logger that sets
	// its level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
