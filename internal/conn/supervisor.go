package conn

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"tgterm/internal/event"
)

// Link is an established transport connection. Wait blocks until the
// connection drops and returns the cause.
type Link interface {
	Wait() error
	Close() error
}

// Dialer establishes transport connections. Supplied by the network layer.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// Worker is anything the supervisor starts and stops with connectivity.
// The ingest pump and the outbound pipeline both implement it.
type Worker interface {
	Resume()
	Pause()
}

// Config controls the reconnect backoff.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the reconnect policy used when none is configured.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: time.Second,
		MaxBackoff:     2 * time.Minute,
	}
}

// stableUptime is how long a link must stay up before the reconnect backoff
// resets. A link that connects and immediately drops keeps escalating.
const stableUptime = 30 * time.Second

// Supervisor owns the transport connection lifecycle: it dials, watches the
// link, reconnects with exponential backoff after failures, and resumes or
// pauses the workers as connectivity changes. It never replays missed
// history itself.
type Supervisor struct {
	machine *Machine
	dialer  Dialer
	workers []Worker
	cfg     Config
	logger  *zap.Logger
	kick    chan error
}

func NewSupervisor(machine *Machine, dialer Dialer, cfg Config, logger *zap.Logger, workers ...Worker) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		machine: machine,
		dialer:  dialer,
		workers: workers,
		cfg:     cfg,
		logger:  logger,
		kick:    make(chan error, 1),
	}
}

// ReportFailure tells the supervisor the transport is unusable even though
// the link has not dropped on its own, e.g. the update source erroring out.
// The current link is torn down and the normal reconnect cycle takes over.
// Safe to call from any goroutine; reports while disconnected are ignored.
func (s *Supervisor) ReportFailure(err error) {
	select {
	case s.kick <- err:
	default:
	}
}

// Run drives the connection until ctx is cancelled. It returns ctx.Err()
// after pausing the workers and transitioning to Disconnected.
func (s *Supervisor) Run(ctx context.Context) error {
	bo := s.newBackoff(ctx)
	if err := s.machine.Transition(event.StateConnecting); err != nil {
		return err
	}
	for {
		link, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s.shutdown(ctx)
			}
			wait := bo.NextBackOff()
			s.logger.Warn("dial failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return s.shutdown(ctx)
			case <-time.After(wait):
			}
			continue
		}

		connectedAt := time.Now()
		// Discard failure reports that refer to the previous link.
		select {
		case <-s.kick:
		default:
		}
		if err := s.machine.Transition(event.StateConnected); err != nil {
			s.logger.Error("state machine rejected connect", zap.Error(err))
		}
		s.logger.Info("transport connected")
		for _, w := range s.workers {
			w.Resume()
		}

		dropped := make(chan error, 1)
		go func() { dropped <- link.Wait() }()

		var dropErr error
		select {
		case <-ctx.Done():
			_ = link.Close()
			<-dropped
			return s.shutdown(ctx)
		case err := <-s.kick:
			s.logger.Warn("transport failure reported, dropping link", zap.Error(err))
			_ = link.Close()
			dropErr = <-dropped
		case dropErr = <-dropped:
		}

		for _, w := range s.workers {
			w.Pause()
		}
		s.logger.Warn("transport dropped", zap.Error(dropErr))
		if err := s.machine.Transition(event.StateReconnecting); err != nil {
			s.logger.Error("state machine rejected reconnect", zap.Error(err))
		}

		// Only a link that held for a while earns a fresh backoff; the next
		// dial after a drop always waits, so an instantly-dropping link
		// cannot turn the loop into a hot reconnect cycle.
		if time.Since(connectedAt) >= stableUptime {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		s.logger.Info("reconnecting", zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return s.shutdown(ctx)
		case <-time.After(wait):
		}
	}
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	for _, w := range s.workers {
		w.Pause()
	}
	if err := s.machine.Transition(event.StateDisconnected); err != nil {
		s.logger.Error("state machine rejected disconnect", zap.Error(err))
	}
	s.logger.Info("supervisor stopped")
	return ctx.Err()
}

func (s *Supervisor) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // keep retrying until cancelled
	return backoff.WithContext(bo, ctx)
}
