package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chaingraph/execution"
)

func newTestDebugger(t *testing.T, startPaused bool, bps ...string) (*Debugger, *execution.Context) {
	t.Helper()
	exec, err := execution.NewContext(execution.Config{})
	require.NoError(t, err)
	return NewDebugger(exec, startPaused, bps), exec
}

func TestGate_RunningPassesThrough(t *testing.T) {
	d, _ := newTestDebugger(t, false)
	assert.NoError(t, d.Gate(context.Background(), "a"))
	assert.Equal(t, DebugRunning, d.State())
}

func TestGate_BreakpointPausesAndEmits(t *testing.T) {
	d, exec := newTestDebugger(t, false, "a")

	released := make(chan error, 1)
	go func() { released <- d.Gate(context.Background(), "a") }()

	assert.Eventually(t, func() bool { return d.State() == DebugPaused }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), exec.EventCount(), "breakpoint hit event")

	d.Continue()
	assert.NoError(t, <-released)
	assert.Equal(t, DebugRunning, d.State())
}

func TestGate_StepReleasesOne(t *testing.T) {
	d, _ := newTestDebugger(t, true)

	first := make(chan error, 1)
	go func() { first <- d.Gate(context.Background(), "a") }()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-first:
		t.Fatal("gate must block while paused")
	default:
	}

	d.Step()
	assert.NoError(t, <-first)
	// The gate re-engages after a single release.
	assert.Equal(t, DebugPaused, d.State())
}

func TestGate_StopAborts(t *testing.T) {
	d, _ := newTestDebugger(t, true)

	released := make(chan error, 1)
	go func() { released <- d.Gate(context.Background(), "a") }()

	d.Stop()
	assert.ErrorIs(t, <-released, ErrAborted)
	assert.True(t, d.Stopped())

	// Stopped is absorbing.
	d.Continue()
	assert.Equal(t, DebugStopped, d.State())
	assert.ErrorIs(t, d.Gate(context.Background(), "b"), ErrAborted)
}

func TestGate_ContextCancelUnblocks(t *testing.T) {
	d, _ := newTestDebugger(t, true)
	ctx, cancel := context.WithCancel(context.Background())

	released := make(chan error, 1)
	go func() { released <- d.Gate(ctx, "a") }()

	cancel()
	assert.ErrorIs(t, <-released, context.Canceled)
}

func TestGate_CancelWhilePausedAlwaysWakes(t *testing.T) {
	// Races the cancellation against the gate's entry into its wait loop;
	// every iteration must unblock promptly.
	for i := 0; i < 200; i++ {
		d, _ := newTestDebugger(t, true)
		ctx, cancel := context.WithCancel(context.Background())

		released := make(chan error, 1)
		go func() { released <- d.Gate(ctx, "a") }()
		go cancel()

		select {
		case err := <-released:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("gate never woke after cancel")
		}
	}
}

func TestBreakpoints_AddRemove(t *testing.T) {
	d, _ := newTestDebugger(t, false)
	d.AddBreakpoint("a")
	d.AddBreakpoint("b")
	d.RemoveBreakpoint("a")
	assert.Equal(t, []string{"b"}, d.Breakpoints())

	// Removing the breakpoint lets the node pass freely.
	d.RemoveBreakpoint("b")
	assert.NoError(t, d.Gate(context.Background(), "b"))
}
