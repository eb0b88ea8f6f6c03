package main

import (
	"bytes"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"

	"github.com/sandboxrun/sandboxrun/internal/cgroup"
	"github.com/sandboxrun/sandboxrun/internal/supervisor"
)

func TestPrintStatsOrderAndKeys(t *testing.T) {
	stats := supervisor.RunStatistics{
		WallTime: 1500 * time.Microsecond,
		CpuTime: cgroup.CPUUsage{
			Total:  900 * time.Microsecond,
			User:   600 * time.Microsecond,
			System: 300 * time.Microsecond,
		},
		MaxMemoryBytes: 4096,
		ExitStatus:     supervisor.ExitStatus{Exited: true, Code: 0},
		Verdict:        supervisor.Finished,
	}

	var buf bytes.Buffer
	printStats(&buf, stats)

	want := "time.wall: 1500\n" +
		"time.cpu.total: 900\n" +
		"time.cpu.user: 600\n" +
		"time.cpu.system: 300\n" +
		"memory.max: 4096\n" +
		"status: exited 0\n" +
		"verdict: OK\n"
	assert.Equal(t, buf.String(), want)
}

func TestPrintStatsSignaled(t *testing.T) {
	stats := supervisor.RunStatistics{
		ExitStatus: supervisor.ExitStatus{Signaled: true, Signal: unix.SIGKILL},
		Verdict:    supervisor.MemoryLimit,
	}

	var buf bytes.Buffer
	printStats(&buf, stats)

	assert.Assert(t, bytes.Contains(buf.Bytes(), []byte("verdict: ML\n")))
	assert.Assert(t, bytes.Contains(buf.Bytes(), []byte("signaled")))
}
