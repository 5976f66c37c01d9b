package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/xraph/flash"
	audithook "github.com/xraph/flash/audit_hook"
	"github.com/xraph/flash/chain"
	"github.com/xraph/flash/chain/solana"
	"github.com/xraph/flash/internal/telemetry"
	"github.com/xraph/flash/observability"
	"github.com/xraph/flash/store/memory"
	redisstore "github.com/xraph/flash/store/redis"
	"github.com/xraph/flash/transport/ws"
	"github.com/xraph/flash/types"
)

const serviceName = "flashd"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the facilitator",
		Long:  "Run the facilitator. Configuration is read from FLASH_* environment variables; missing required values abort before listening.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config) error {
	logger := cfg.logger()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTELEndpoint,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return &FatalConfigError{Err: fmt.Errorf("tracing: %w", err)}
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	key, _ := parseKey(cfg.FeePayerKey)
	programID, _ := types.ParseAddress(cfg.ProgramID)
	ledger := solana.NewClient(cfg.RPCEndpoint,
		solana.WithProgramID(programID),
		solana.WithSigner(chain.NewKeySigner(key)),
		solana.WithCommitment(cfg.Commitment),
		solana.WithLogger(logger),
	)

	opts := append([]flash.Option{
		flash.WithLogger(logger),
		flash.WithStore(memory.New()),
		flash.WithTracer(telemetry.Tracer()),
		flash.WithPlugin(observability.NewMetricsExtension(telemetry.NewMeterFactory())),
	}, cfg.flashOptions()...)

	if cfg.AuditLog {
		opts = append(opts, flash.WithPlugin(audithook.New(auditLogRecorder(logger), audithook.WithLogger(logger))))
	}

	if cfg.RedisURL != "" {
		snapshots, closeRedis, err := openSnapshotStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeRedis()
		opts = append(opts, flash.WithSnapshotStore(snapshots))
	}

	f := flash.New(ledger, opts...)
	if err := f.Start(ctx); err != nil {
		return fmt.Errorf("start facilitator: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           ws.New(f, ws.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("flashd listening", "addr", cfg.ListenAddr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	// Sessions drain for up to DrainTimeout each, concurrently.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := f.Stop(shutdownCtx); err != nil {
		logger.Error("facilitator shutdown", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func openSnapshotStore(ctx context.Context, cfg *config) (*redisstore.Store, func(), error) {
	redisOpts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, &FatalConfigError{Err: fmt.Errorf("FLASH_REDIS_URL: %w", err)}
	}
	client := goredis.NewClient(redisOpts)

	var storeOpts []redisstore.Option
	if cfg.SnapshotTTL > 0 {
		storeOpts = append(storeOpts, redisstore.WithTTL(cfg.SnapshotTTL))
	}
	s := redisstore.New(client, storeOpts...)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis snapshot store: %w", err)
	}
	return s, func() {
		if err := client.Close(); err != nil {
			slog.Default().Warn("failed to close redis client", "error", err)
		}
	}, nil
}

// auditLogRecorder writes audit events as structured log records.
func auditLogRecorder(logger *slog.Logger) audithook.Recorder {
	audit := logger.WithGroup("audit")
	return audithook.RecorderFunc(func(ctx context.Context, ev *audithook.AuditEvent) error {
		audit.InfoContext(ctx, ev.Action,
			"resource", ev.Resource,
			"resource_id", ev.ResourceID,
			"category", ev.Category,
			"outcome", ev.Outcome,
			"severity", ev.Severity,
			"reason", ev.Reason,
			"metadata", ev.Metadata,
		)
		return nil
	})
}
