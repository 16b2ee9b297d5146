// Package main provides the entrypoint for the LinkRelay bridge daemon.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/linkrelay/linkrelay/internal/abuse"
	"github.com/linkrelay/linkrelay/internal/alert"
	"github.com/linkrelay/linkrelay/internal/config"
	"github.com/linkrelay/linkrelay/internal/events"
	"github.com/linkrelay/linkrelay/internal/lookup"
	"github.com/linkrelay/linkrelay/internal/ops"
	"github.com/linkrelay/linkrelay/internal/quota"
	"github.com/linkrelay/linkrelay/internal/recovery"
	"github.com/linkrelay/linkrelay/internal/store"
	"github.com/linkrelay/linkrelay/internal/telemetry"
	"github.com/linkrelay/linkrelay/internal/upload"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Bus event names forming the connection-layer surface. The protocol
// clients subscribe to reconnect requests and emit WHOIS traffic.
const (
	eventReconnectRequest = "service.reconnect"
	eventWhoisRequest     = "irc.whois.request"
	eventWhoisReply       = "irc.whois.reply"
	eventAttachment       = "gateway.attachment"
)

// snapshotKey is where the shutdown snapshot lands in the KV store.
const snapshotKey = "linkrelay.snapshot"

type snapshot struct {
	SavedAt  time.Time           `json:"saved_at"`
	Recovery recovery.Statistics `json:"recovery"`
	Abuse    abuse.Stats         `json:"abuse"`
}

func main() {
	const serviceName = "linkrelay-bridge"

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting LinkRelay bridge")

	cfg := config.FromEnv()
	ctx := context.Background()

	// Telemetry
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TelemetryEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	metrics, err := telemetry.NewMetrics(tp.Meter)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	// Persistence collaborator (in-memory by default)
	var kv store.KV
	switch cfg.StoreBackend {
	case "postgres":
		dbCfg := store.ConfigFromEnv()
		pool, connErr := store.Connect(ctx, dbCfg)
		if connErr != nil {
			log.Fatal().Err(connErr).Msg("failed to connect to database")
		}
		defer pool.Close()

		pg := store.NewPostgresKV(pool)
		if schemaErr := pg.EnsureSchema(ctx); schemaErr != nil {
			log.Fatal().Err(schemaErr).Msg("failed to ensure kv schema")
		}
		kv = pg
		log.Info().
			Str("host", dbCfg.Host).
			Str("database", dbCfg.Database).
			Msg("durable state store connected")
	default:
		kv = store.NewMemoryKV()
		log.Info().Msg("using in-memory state store (reset on restart)")
	}

	// Event bus and core components
	bus := events.NewBus()
	metrics.Observe(bus)
	defer metrics.Stop()

	manager := recovery.NewManager(recovery.Config{
		MaxRetries:          cfg.Recovery.MaxRetries,
		BaseDelay:           cfg.Recovery.BaseDelay,
		MaxDelay:            cfg.Recovery.MaxDelay,
		Jitter:              cfg.Recovery.Jitter,
		BreakerThreshold:    cfg.Recovery.BreakerThreshold,
		BreakerTimeout:      cfg.Recovery.BreakerTimeout,
		HealthCheckInterval: cfg.Recovery.HealthCheckInterval,
		ReconnectTimeout:    cfg.Recovery.ReconnectTimeout,
		Bus:                 bus,
		Reconnect:           reconnectViaBus(bus),
		Logger:              log,
	})
	defer manager.Close()

	guard := abuse.NewGuard(abuse.Config{
		MaxPerMinute:       cfg.Abuse.MaxPerMinute,
		MaxPerHour:         cfg.Abuse.MaxPerHour,
		BurstLimit:         cfg.Abuse.BurstLimit,
		BurstWindow:        cfg.Abuse.BurstWindow,
		DuplicateThreshold: cfg.Abuse.DuplicateThreshold,
		DuplicateWindow:    cfg.Abuse.DuplicateWindow,
		RateCooldown:       cfg.Abuse.RateCooldown,
		SpamCooldown:       cfg.Abuse.SpamCooldown,
		MaxUsers:           cfg.Abuse.MaxUsers,
		UserTTL:            cfg.Abuse.UserTTL,
		SweepInterval:      cfg.Abuse.SweepInterval,
		IdleCutoff:         cfg.Abuse.IdleCutoff,
		OnDenial: func(d *abuse.Denial) {
			metrics.RecordDenial(context.Background(), string(d.Reason))
		},
		Logger: log,
	})
	defer guard.Close()

	uploads := quota.New(quota.Config{
		MaxTokens:       cfg.Quota.MaxTokens,
		Window:          cfg.Quota.Window,
		TokensPerWindow: cfg.Quota.TokensPerWindow,
		SweepInterval:   cfg.Quota.SweepInterval,
		IdleAge:         cfg.Quota.IdleAge,
		Logger:          log,
	})
	defer uploads.Close()

	whois := lookup.NewQueue(lookup.Config{
		EventName: eventWhoisReply,
		Timeout:   cfg.Lookup.Timeout,
		Bus:       bus,
		Request: func(key string) error {
			bus.Emit(events.Event{Name: eventWhoisRequest, Args: []string{key}})
			return nil
		},
		ExtractKey: func(args []string) (string, bool) {
			if len(args) == 0 {
				return "", false
			}
			return args[0], true
		},
		OnTimeout: func(string) {
			metrics.RecordLookupTimeout(context.Background())
		},
		Logger: log,
	})
	// Fed by the connection layer's inbound path.
	defer whois.Close()

	// Attachment mirroring is optional: without an object store the
	// bridge relays text only.
	if cfg.UploadBaseURL != "" {
		mirror := upload.NewClient(upload.Config{
			Name:    "object-store",
			BaseURL: cfg.UploadBaseURL,
			Quota:   uploads,
			Logger:  log,
		})
		mirrorAttachments(bus, mirror, log)
		log.Info().Str("base_url", cfg.UploadBaseURL).Msg("attachment mirroring enabled")
	} else {
		log.Warn().Msg("UPLOAD_BASE_URL not set - attachments will not be mirrored")
	}

	// Restore the previous shutdown snapshot, if any.
	if data, getErr := kv.Get(ctx, snapshotKey); getErr == nil {
		var snap snapshot
		if jsonErr := json.Unmarshal(data, &snap); jsonErr == nil {
			log.Info().
				Time("saved_at", snap.SavedAt).
				Int64("total_messages", snap.Abuse.TotalMessages).
				Int("attempt_failures", snap.Recovery.AttemptFailures).
				Msg("restored state snapshot")
		}
	}

	// Optional alerting
	if cfg.AlertProjectID != "" && cfg.AlertTopic != "" {
		publisher, pubErr := alert.NewPublisher(ctx, alert.Config{
			ProjectID: cfg.AlertProjectID,
			TopicName: cfg.AlertTopic,
			Bus:       bus,
			Logger:    log,
		})
		if pubErr != nil {
			log.Fatal().Err(pubErr).Msg("failed to create alert publisher")
		}
		publisher.Start(ctx)
		defer func() {
			if closeErr := publisher.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("failed to close alert publisher")
			}
		}()
	} else {
		log.Warn().Msg("alerting not configured - recovery failures will only be logged")
	}

	// Ops API
	signingKey := cfg.AdminSigningKey
	if signingKey == "" {
		signingKey = "local-dev-signing-key-change-in-production"
		log.Warn().Msg("using default admin signing key - not secure for production")
	}
	verifier := ops.NewTokenVerifier(ops.TokenConfig{
		SigningKey: signingKey,
		Issuer:     "linkrelay",
		Audience:   "linkrelay-ops",
	})

	router := ops.NewRouter(ops.RouterConfig{
		Version:  Version,
		Logger:   log,
		Manager:  manager,
		Guard:    guard,
		Uploads:  uploads,
		Verifier: verifier,
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("ops API listening")
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatal().Err(serveErr).Msg("ops server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down bridge")

	// Persist a final snapshot for the next start.
	snap := snapshot{
		SavedAt:  time.Now(),
		Recovery: manager.Statistics(),
		Abuse:    guard.Stats(),
	}
	if data, marshalErr := json.Marshal(snap); marshalErr == nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if setErr := kv.Set(saveCtx, snapshotKey, data); setErr != nil {
			log.Error().Err(setErr).Msg("failed to persist state snapshot")
		}
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server forced to shutdown")
	}

	bus.Close()
	log.Info().Msg("bridge stopped")
}

// mirrorAttachments bridges attachment events onto the upload client.
// The gateway side emits one event per attachment: args carry the user
// id, object path, and content type; the payload is the raw bytes.
func mirrorAttachments(bus *events.Bus, client *upload.Client, log zerolog.Logger) string {
	return bus.Subscribe(eventAttachment, func(e events.Event) {
		if len(e.Args) < 3 {
			log.Warn().Strs("args", e.Args).Msg("malformed attachment event, dropping")
			return
		}
		data, _ := e.Payload.([]byte)
		userID, objectPath, contentType := e.Args[0], e.Args[1], e.Args[2]

		// Bus handlers must not block; the transfer gets its own goroutine.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			result, err := client.Mirror(ctx, userID, objectPath, data, contentType)
			if err != nil {
				log.Error().
					Err(err).
					Str("user_id", userID).
					Str("path", objectPath).
					Msg("attachment mirror failed")
				return
			}
			if !result.Allowed {
				log.Info().
					Str("user_id", userID).
					Int("retry_after_s", result.RetryAfterSeconds).
					Msg("attachment mirror denied by quota")
			}
		}()
	})
}

// reconnectViaBus adapts the manager's reconnect hook onto the event
// bus: the connection layer subscribes to reconnect requests and
// answers on the reply channel carried in the payload. An unanswered
// request fails at the manager's reconnect timeout.
func reconnectViaBus(bus *events.Bus) recovery.ReconnectFunc {
	return func(ctx context.Context, service string) error {
		reply := make(chan error, 1)
		bus.Emit(events.Event{
			Name:    eventReconnectRequest,
			Service: service,
			Payload: reply,
		})

		select {
		case err := <-reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
