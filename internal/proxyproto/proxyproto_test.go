package proxyproto

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sandboxrun/sandboxrun/internal/cgroup"
	"github.com/sandboxrun/sandboxrun/internal/supervisor"
)

func TestPidRoundTrip(t *testing.T) {
	proxy, outer, err := New()
	assert.NilError(t, err)
	defer proxy.Close()
	defer outer.Close()

	done := make(chan error, 1)
	go func() { done <- proxy.SendPid(4242) }()

	pid, err := outer.RecvPid()
	assert.NilError(t, err)
	assert.NilError(t, <-done)
	assert.Equal(t, pid, 4242)
}

func TestStartSignalRoundTrip(t *testing.T) {
	proxy, outer, err := New()
	assert.NilError(t, err)
	defer proxy.Close()
	defer outer.Close()

	done := make(chan error, 1)
	go func() { done <- proxy.RecvStart() }()

	assert.NilError(t, outer.SendStart())
	assert.NilError(t, <-done)
}

func TestStatsRoundTrip(t *testing.T) {
	proxy, outer, err := New()
	assert.NilError(t, err)
	defer proxy.Close()
	defer outer.Close()

	want := supervisor.RunStatistics{
		WallTime:       250 * time.Millisecond,
		CpuTime:        cgroup.CPUUsage{Total: 100 * time.Millisecond, User: 80 * time.Millisecond, System: 20 * time.Millisecond},
		MaxMemoryBytes: 1 << 20,
		ExitStatus:     supervisor.ExitStatus{Exited: true, Code: 0},
		Verdict:        supervisor.Finished,
	}

	done := make(chan error, 1)
	go func() { done <- proxy.SendStats(want) }()

	got, err := outer.RecvStats()
	assert.NilError(t, err)
	assert.NilError(t, <-done)
	assert.DeepEqual(t, got, want)
}
