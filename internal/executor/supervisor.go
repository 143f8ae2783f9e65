package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/astridclaw/astrid-agents/internal/common/logger"
)

// KillReason says which supervision limit fired.
type KillReason string

const (
	KillNone          KillReason = ""
	KillInitialOutput KillReason = "no_initial_output"
	KillStalled       KillReason = "stalled"
	KillMaxDuration   KillReason = "max_duration"
)

// supervisorState models process supervision explicitly instead of
// juggling reset timers.
type supervisorState int

const (
	// stateArmed: process started, no output seen yet. The
	// initial-output limit applies.
	stateArmed supervisorState = iota
	// stateActive: output has been seen. The stall limit applies,
	// measured from the last output.
	stateActive
	// stateKilled: a limit fired and the kill was delivered.
	stateKilled
	// stateDone: the process exited on its own.
	stateDone
)

// SupervisorConfig holds the three limits and the check cadence.
type SupervisorConfig struct {
	InitialOutput time.Duration
	Stall         time.Duration
	Max           time.Duration
	Heartbeat     time.Duration
}

// Supervisor watches a running provider process and decides when to
// kill it. It owns no process handle itself: the kill function is
// injected, so tests drive the state machine without spawning anything.
type Supervisor struct {
	cfg    SupervisorConfig
	kill   func(reason KillReason)
	logger *logger.Logger

	mu         sync.Mutex
	state      supervisorState
	started    time.Time
	lastOutput time.Time
	reason     KillReason

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor. kill is invoked at most once.
func NewSupervisor(cfg SupervisorConfig, kill func(reason KillReason), log *logger.Logger) *Supervisor {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 5 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		kill:   kill,
		logger: log,
		stopCh: make(chan struct{}),
	}
}

// Start arms the supervisor and begins periodic checks.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.state = stateArmed
	s.started = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case now := <-ticker.C:
				if s.check(now) {
					return
				}
				s.heartbeat(now)
			}
		}
	}()
}

// Touch records output activity. In the armed state the first touch
// transitions to active.
func (s *Supervisor) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateKilled || s.state == stateDone {
		return
	}
	s.state = stateActive
	s.lastOutput = time.Now()
}

// Finish marks the process as exited and stops the checks.
func (s *Supervisor) Finish() {
	s.mu.Lock()
	if s.state != stateKilled {
		s.state = stateDone
	}
	s.mu.Unlock()

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
}

// Reason returns which limit fired, or KillNone.
func (s *Supervisor) Reason() KillReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// check evaluates the limits at the given instant and delivers the
// kill when one fired. Returns true when supervision is over.
func (s *Supervisor) check(now time.Time) bool {
	s.mu.Lock()

	if s.state == stateKilled || s.state == stateDone {
		s.mu.Unlock()
		return true
	}

	var reason KillReason
	elapsed := now.Sub(s.started)

	switch {
	case s.cfg.Max > 0 && elapsed >= s.cfg.Max:
		reason = KillMaxDuration
	case s.state == stateArmed && s.cfg.InitialOutput > 0 && elapsed >= s.cfg.InitialOutput:
		reason = KillInitialOutput
	case s.state == stateActive && s.cfg.Stall > 0 && now.Sub(s.lastOutput) >= s.cfg.Stall:
		reason = KillStalled
	}

	if reason == KillNone {
		s.mu.Unlock()
		return false
	}

	s.state = stateKilled
	s.reason = reason
	s.mu.Unlock()

	s.logger.Warn("killing provider process",
		zap.String("reason", string(reason)),
		zap.Duration("elapsed", elapsed))
	s.kill(reason)
	return true
}

func (s *Supervisor) heartbeat(now time.Time) {
	s.mu.Lock()
	state := s.state
	elapsed := now.Sub(s.started)
	s.mu.Unlock()

	stateName := "armed"
	if state == stateActive {
		stateName = "active"
	}
	s.logger.Debug("provider process heartbeat",
		zap.String("state", stateName),
		zap.Duration("elapsed", elapsed))
}
