package framework

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProcessStartCapturesLogsAndStops spawns a real shell script so a
// future multi-process scenario test can drive one of the cmd/*
// binaries the same way: start it, wait for a log line, stop it.
func TestProcessStartCapturesLogsAndStops(t *testing.T) {
	p := NewProcess("sh")
	p.Args = []string{"-c", "echo ready; sleep 30"}
	require.NoError(t, p.Start())
	defer p.Kill()

	require.NoError(t, p.WaitForLog("ready", 2*time.Second))
	assert.True(t, p.IsRunning())
	assert.NotZero(t, p.PID)

	require.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())
}

// TestProcessKillForcesExit covers the SIGKILL path for a process that
// ignores SIGTERM.
func TestProcessKillForcesExit(t *testing.T) {
	p := NewProcess("sh")
	p.Args = []string{"-c", "trap '' TERM; sleep 30"}
	require.NoError(t, p.Start())

	require.Eventually(t, p.IsRunning, time.Second, 10*time.Millisecond)
	require.NoError(t, p.Kill())
	assert.False(t, p.IsRunning())
}

// TestProcessCancelContextStopsProcess verifies the Ctx/Cancel wiring:
// cancelling the context used to launch the command terminates it even
// if nothing calls Stop.
func TestProcessCancelContextStopsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Process{Binary: "sh", Args: []string{"-c", "sleep 30"}, Ctx: ctx, Cancel: cancel, logs: &LogBuffer{}}
	require.NoError(t, p.Start())
	require.Eventually(t, p.IsRunning, time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !p.IsRunning() }, 2*time.Second, 20*time.Millisecond)
}
