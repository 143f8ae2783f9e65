package executor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/astridclaw/astrid-agents/internal/common/logger"
)

// newCheckedSupervisor returns a supervisor whose checks are driven
// manually via check(now) instead of the ticker.
func newCheckedSupervisor(cfg SupervisorConfig, kills *atomic.Int32, reasons *[]KillReason) *Supervisor {
	s := NewSupervisor(cfg, func(r KillReason) {
		kills.Add(1)
		*reasons = append(*reasons, r)
	}, logger.Default())
	s.state = stateArmed
	s.started = time.Now()
	return s
}

func TestSupervisor_InitialOutputTimeout(t *testing.T) {
	var kills atomic.Int32
	var reasons []KillReason
	s := newCheckedSupervisor(SupervisorConfig{
		InitialOutput: 30 * time.Second,
		Stall:         5 * time.Minute,
		Max:           30 * time.Minute,
	}, &kills, &reasons)

	// Still inside the window: nothing happens
	assert.False(t, s.check(s.started.Add(29*time.Second)))
	assert.Equal(t, int32(0), kills.Load())

	// Window elapsed with no output: kill with the initial-output reason
	assert.True(t, s.check(s.started.Add(31*time.Second)))
	assert.Equal(t, int32(1), kills.Load())
	assert.Equal(t, []KillReason{KillInitialOutput}, reasons)
	assert.Equal(t, KillInitialOutput, s.Reason())
}

func TestSupervisor_OutputDisarmsInitialTimeout(t *testing.T) {
	var kills atomic.Int32
	var reasons []KillReason
	s := newCheckedSupervisor(SupervisorConfig{
		InitialOutput: 30 * time.Second,
		Stall:         5 * time.Minute,
		Max:           30 * time.Minute,
	}, &kills, &reasons)

	s.Touch()

	// Way past the initial-output window, but output arrived
	assert.False(t, s.check(s.started.Add(2*time.Minute)))
	assert.Equal(t, int32(0), kills.Load())
}

func TestSupervisor_StallTimeoutRearmsOnActivity(t *testing.T) {
	var kills atomic.Int32
	var reasons []KillReason
	s := newCheckedSupervisor(SupervisorConfig{
		InitialOutput: 30 * time.Second,
		Stall:         time.Minute,
		Max:           30 * time.Minute,
	}, &kills, &reasons)

	s.Touch()
	assert.False(t, s.check(time.Now().Add(30*time.Second)))

	// Fresh activity pushes the stall deadline out
	s.Touch()
	assert.False(t, s.check(time.Now().Add(59*time.Second)))
	assert.Equal(t, int32(0), kills.Load())

	// No further activity: stall fires
	assert.True(t, s.check(time.Now().Add(2*time.Minute)))
	assert.Equal(t, []KillReason{KillStalled}, reasons)
}

func TestSupervisor_MaxDurationFiresDespiteActivity(t *testing.T) {
	var kills atomic.Int32
	var reasons []KillReason
	s := newCheckedSupervisor(SupervisorConfig{
		InitialOutput: 30 * time.Second,
		Stall:         10 * time.Minute,
		Max:           30 * time.Minute,
	}, &kills, &reasons)

	s.Touch()
	assert.True(t, s.check(s.started.Add(31*time.Minute)))
	assert.Equal(t, []KillReason{KillMaxDuration}, reasons)
}

func TestSupervisor_KillDeliveredOnce(t *testing.T) {
	var kills atomic.Int32
	var reasons []KillReason
	s := newCheckedSupervisor(SupervisorConfig{
		InitialOutput: time.Second,
	}, &kills, &reasons)

	deadline := s.started.Add(time.Hour)
	assert.True(t, s.check(deadline))
	assert.True(t, s.check(deadline))
	assert.True(t, s.check(deadline))
	assert.Equal(t, int32(1), kills.Load())
}

func TestSupervisor_NoKillAfterFinish(t *testing.T) {
	var kills atomic.Int32
	var reasons []KillReason
	s := newCheckedSupervisor(SupervisorConfig{
		InitialOutput: time.Second,
	}, &kills, &reasons)

	s.mu.Lock()
	s.state = stateDone
	s.mu.Unlock()

	assert.True(t, s.check(s.started.Add(time.Hour)))
	assert.Equal(t, int32(0), kills.Load())
	assert.Equal(t, KillNone, s.Reason())
}

func TestSupervisor_TickerIntegration(t *testing.T) {
	var kills atomic.Int32
	killed := make(chan KillReason, 1)
	s := NewSupervisor(SupervisorConfig{
		InitialOutput: 20 * time.Millisecond,
		Heartbeat:     5 * time.Millisecond,
	}, func(r KillReason) {
		kills.Add(1)
		killed <- r
	}, logger.Default())

	s.Start(t.Context())
	defer s.Finish()

	select {
	case r := <-killed:
		assert.Equal(t, KillInitialOutput, r)
	case <-time.After(time.Second):
		t.Fatal("supervisor never killed a silent process")
	}
}
