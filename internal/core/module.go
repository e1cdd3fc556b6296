package core

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tgterm/internal/bus"
	"tgterm/internal/config"
	"tgterm/internal/conn"
	"tgterm/internal/ingest"
	"tgterm/internal/lock"
	"tgterm/internal/logging"
	"tgterm/internal/outbound"
	"tgterm/internal/session"
	"tgterm/internal/store"
	tgsync "tgterm/internal/sync"
)

// Params holds the resolved session configuration plus the network
// capabilities the protocol layer supplies from below.
type Params struct {
	SessionName string
	CacheDBPath string // optional override for testing; empty = use default

	Source    ingest.UpdateSource
	Dialer    conn.Dialer
	Transport outbound.Transport
}

// Module returns the fx module for the core, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("core",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMapper,
			providePump,
			providePipeline,
			provideProjector,
			provideSupervisor,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() *config.Config {
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus(cfg *config.Config, logger *zap.Logger) *bus.Bus {
	return bus.New(cfg.Bus.Capacity, logger)
}

func provideStateMachine(b *bus.Bus) *conn.Machine {
	return conn.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("instance", l.InstanceID))
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.CacheDBPath
	if dbPath == "" {
		dbPath = session.CacheDBPath(p.SessionName)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMapper(db *store.DB, p Params, logger *zap.Logger) *ingest.Mapper {
	var resolver ingest.Resolver
	if r, ok := p.Source.(ingest.Resolver); ok {
		resolver = r
	}
	return ingest.NewMapper(db, resolver, logger)
}

func providePump(p Params, m *ingest.Mapper, b *bus.Bus, logger *zap.Logger) *ingest.Pump {
	return ingest.NewPump(p.Source, m, b, logger)
}

func providePipeline(db *store.DB, p Params, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbound.Pipeline {
	return outbound.New(db, p.Transport, b, pipelineConfig(cfg), logger)
}

func provideProjector(db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *tgsync.Projector {
	return tgsync.NewProjector(db, b, cfg.Cache.MessagesPerChat, logger)
}

func provideSupervisor(p Params, m *conn.Machine, pump *ingest.Pump, pipeline *outbound.Pipeline, cfg *config.Config, logger *zap.Logger) *conn.Supervisor {
	sup := conn.Config{
		InitialBackoff: time.Duration(cfg.Reconnect.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Reconnect.MaxBackoffMs) * time.Millisecond,
	}
	return conn.NewSupervisor(m, p.Dialer, sup, logger, pipeline, pump)
}

func pipelineConfig(cfg *config.Config) outbound.Config {
	out := outbound.DefaultConfig()
	out.MaxAttempts = cfg.Retry.MaxAttempts
	out.AttemptTimeout = time.Duration(cfg.Retry.AttemptTimeoutMs) * time.Millisecond
	out.RetryBaseDelay = time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond
	out.RetryMaxDelay = time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond
	out.TerminalRetention = time.Duration(cfg.Retry.TerminalRetentionMs) * time.Millisecond
	out.GlobalRate = rate.Limit(cfg.Rates.GlobalPerSec)
	out.GlobalBurst = cfg.Rates.GlobalBurst
	out.ChatRate = rate.Limit(cfg.Rates.ChatPerSec)
	out.ChatBurst = cfg.Rates.ChatBurst
	return out
}

func registerLifecycle(lc fx.Lifecycle, sh fx.Shutdowner, lk *lock.Lock, pump *ingest.Pump, pipeline *outbound.Pipeline, projector *tgsync.Projector, sup *conn.Supervisor, db *store.DB, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	// A sequence desync means our cursor diverged from the server's; the
	// cache cannot be trusted past that point, so the process exits and the
	// next start resynchronizes. A plain source error just forces a
	// reconnect through the supervisor.
	pump.OnDesync = func(err error) {
		logger.Error("update stream desynchronized, shutting down", zap.Error(err))
		if serr := sh.Shutdown(fx.ExitCode(1)); serr != nil {
			logger.Error("shutdown request failed", zap.Error(serr))
		}
	}
	pump.OnSourceError = sup.ReportFailure

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Reload durable outbound state before anything can connect.
			if err := pipeline.Start(runCtx); err != nil {
				return err
			}
			projector.Start(runCtx)

			go pump.Run(runCtx)
			go func() {
				defer close(done)
				if err := sup.Run(runCtx); err != nil && runCtx.Err() == nil {
					logger.Error("supervisor exited", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			pipeline.Stop()
			projector.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("core stopped")
			return nil
		},
	})
}
