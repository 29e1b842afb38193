package engine

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor owns the media engine's child process lifecycle: starting it,
// waiting for its control channel to come up, keeping it alive with a
// heartbeat, and shutting it down gracefully (or forcibly, if it doesn't
// cooperate).
//
// Only one child process is ever supervised at a time; this is a
// process-wide resource, not a per-session one, matching the "global
// engine singleton" design note — constructed once at startup and injected
// into the call manager.
type Supervisor struct {
	binaryPath string
	addr       string
	logPath    string

	log zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	engine  *grpcEngine
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewSupervisor creates a Supervisor for the media engine binary at
// binaryPath, which will be told to listen on addr (e.g. "localhost:50051").
func NewSupervisor(binaryPath, addr, logPath string, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		binaryPath: binaryPath,
		addr:       addr,
		logPath:    logPath,
		log:        log.With().Str("component", "engine-supervisor").Logger(),
	}
}

const (
	readyTimeout      = 5 * time.Second
	heartbeatInterval = 5 * time.Second
	shutdownRPCWait   = 1 * time.Second
	shutdownTermWait  = 2 * time.Second
)

// Start launches the media engine process and blocks until its control
// channel answers, or readyTimeout elapses.
func (s *Supervisor) Start(ctx context.Context) (Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return s.engine, nil
	}

	cmd := exec.Command(s.binaryPath, "-listen", s.addr, "-log-level", "DEBUG", "-log-path", s.logPath)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: start process: %w", err)
	}
	s.cmd = cmd

	readyCtx, cancelReady := context.WithTimeout(ctx, readyTimeout)
	defer cancelReady()

	eng, err := s.waitReady(readyCtx)
	if err != nil {
		_ = cmd.Process.Kill()
		s.cmd = nil
		return nil, err
	}
	s.engine = eng

	hbCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.heartbeatLoop(hbCtx, eng)

	return eng, nil
}

// waitReady polls Dial + a no-op RPC until the process accepts connections.
func (s *Supervisor) waitReady(ctx context.Context) (*grpcEngine, error) {
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrNotReady, lastErr)
			}
			return nil, ErrNotReady
		default:
		}

		eng, err := Dial(ctx, s.addr, s.log)
		if err == nil {
			if _, _, err := eng.ListAudioDevices(ctx); err == nil {
				return eng, nil
			} else {
				lastErr = err
				_ = eng.Close()
			}
		} else {
			lastErr = err
		}

		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
		}
	}
}

// heartbeatLoop runs on its own goroutine, independent of the call
// manager's command channel, so a stalled cooperative scheduler never
// starves the engine of liveness pings.
func (s *Supervisor) heartbeatLoop(ctx context.Context, eng *grpcEngine) {
	defer close(s.stopped)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, heartbeatInterval)
			_, _, err := eng.ListAudioDevices(hbCtx)
			cancel()
			if err != nil {
				s.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// Stop performs the graceful shutdown sequence: Shutdown RPC, wait 1s,
// terminate signal, wait 2s, kill.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		<-s.stopped
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownRPCWait)
	_ = s.engine.Shutdown(shutdownCtx)
	cancel()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case <-done:
		s.cleanup()
		return nil
	case <-time.After(shutdownRPCWait):
	}

	_ = s.cmd.Process.Signal(processTerminateSignal())
	select {
	case <-done:
		s.cleanup()
		return nil
	case <-time.After(shutdownTermWait):
	}

	_ = s.cmd.Process.Kill()
	<-done
	s.cleanup()
	return nil
}

func (s *Supervisor) cleanup() {
	if s.engine != nil {
		_ = s.engine.Close()
	}
	s.cmd = nil
	s.engine = nil
}
