//go:build linux

package supervisor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func TestVerdictStrings(t *testing.T) {
	cases := map[Verdict]string{
		InProgress:   "",
		MemoryLimit:  "ML",
		WallTimeLimit: "WT",
		CpuTimeLimit: "TL",
		Finished:     "OK",
	}
	for v, want := range cases {
		assert.Equal(t, v.String(), want)
	}
}

func TestValidateRequiresAllFields(t *testing.T) {
	valid := WaitParameters{
		CheckInterval:    10 * time.Millisecond,
		WallTimeLimit:    time.Second,
		CpuTimeLimit:     time.Second,
		MemoryLimitBytes: 1 << 20,
	}
	assert.NilError(t, valid.validate())

	missing := valid
	missing.MemoryLimitBytes = 0
	assert.ErrorContains(t, missing.validate(), "memoryLimitBytes")
}

func TestExitStatusFromExited(t *testing.T) {
	es := exitStatusFrom(unix.WaitStatus(0))
	assert.Assert(t, es.Exited)
	assert.Equal(t, es.Code, 0)
	assert.Equal(t, es.String(), "exited 0")
}

func TestTimerArmAndAck(t *testing.T) {
	fd, err := armPeriodicTimer(5 * time.Millisecond)
	assert.NilError(t, err)
	defer unix.Close(fd)

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 1000)
	assert.NilError(t, err)
	assert.Assert(t, n == 1)
	assert.NilError(t, ackTimer(fd))
}

func TestRemainingTimeDecreases(t *testing.T) {
	fd, err := armOneShotTimer(200 * time.Millisecond)
	assert.NilError(t, err)
	defer unix.Close(fd)

	first, err := remainingTime(fd)
	assert.NilError(t, err)
	time.Sleep(20 * time.Millisecond)
	second, err := remainingTime(fd)
	assert.NilError(t, err)
	assert.Assert(t, second < first)
}
