// Package supervisor implements the generic, payload-agnostic
// "RunAndWait" engine of §4.4: it arms a sampling timer and a wall
// deadline timer, multiplexes them with a process's pidfd on a single
// blocking poll, and drives a verdict state machine until the payload
// exits or a limit is breached.
package supervisor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sandboxrun/sandboxrun/internal/cgroup"
	"github.com/sandboxrun/sandboxrun/internal/launcher"
	"github.com/sandboxrun/sandboxrun/internal/sberrors"
	"github.com/sandboxrun/sandboxrun/internal/slog"
)

var log = slog.For("supervisor")

// Verdict is the terminal classification assigned to a run.
type Verdict int

const (
	InProgress Verdict = iota
	MemoryLimit
	WallTimeLimit
	CpuTimeLimit
	Finished
)

func (v Verdict) String() string {
	switch v {
	case InProgress:
		return ""
	case MemoryLimit:
		return "ML"
	case WallTimeLimit:
		return "WT"
	case CpuTimeLimit:
		return "TL"
	case Finished:
		return "OK"
	default:
		return "unknown"
	}
}

// ExitStatus is the sum type derived (by exitStatusFrom) from the wait
// status ProcessHandle.Wait returns: either the child exited with a
// code, or it was killed by a signal.
type ExitStatus struct {
	Exited   bool
	Code     int
	Signaled bool
	Signal   unix.Signal
}

func (e ExitStatus) String() string {
	if e.Signaled {
		return fmt.Sprintf("signaled %d", e.Signal)
	}
	return fmt.Sprintf("exited %d", e.Code)
}

func exitStatusFrom(ws unix.WaitStatus) ExitStatus {
	if ws.Signaled() {
		return ExitStatus{Signaled: true, Signal: ws.Signal()}
	}
	return ExitStatus{Exited: true, Code: ws.ExitStatus()}
}

// RunStatistics is the single output record of a supervised run.
type RunStatistics struct {
	WallTime      time.Duration
	CpuTime       cgroup.CPUUsage
	MaxMemoryBytes int64
	ExitStatus    ExitStatus
	Verdict       Verdict
}

// WaitParameters configures one supervised run. All four fields are
// required; validate fails fast if any is zero or negative.
type WaitParameters struct {
	CheckInterval    time.Duration
	WallTimeLimit    time.Duration
	CpuTimeLimit     time.Duration
	MemoryLimitBytes int64
}

func (p WaitParameters) validate() error {
	if p.CheckInterval <= 0 {
		return fmt.Errorf("checkInterval must be positive")
	}
	if p.WallTimeLimit <= 0 {
		return fmt.Errorf("wallTimeLimit must be positive")
	}
	if p.CpuTimeLimit <= 0 {
		return fmt.Errorf("cpuTimeLimit must be positive")
	}
	if p.MemoryLimitBytes <= 0 {
		return fmt.Errorf("memoryLimitBytes must be positive")
	}
	return nil
}

// StartFunc launches the payload and returns a handle with a valid
// pidfd (CreatePidFd must have been requested by the caller).
type StartFunc func() (*launcher.ProcessHandle, error)

// Check is an additional probe invoked on every sampling tick.
type Check func(tick uint64) error

// pollTag identifies which of the three registered descriptors a
// poll event arrived on.
type pollTag int

const (
	tagStatusCheck pollTag = iota
	tagDeadline
	tagFinishedProc
)

// RunAndWait implements the algorithm of §4.4 steps 1-10.
func RunAndWait(start StartFunc, params WaitParameters, cg *cgroup.Controller, checks ...Check) (RunStatistics, error) {
	if err := params.validate(); err != nil {
		return RunStatistics{}, sberrors.Setup("validate wait parameters", err)
	}

	sampleFd, err := armPeriodicTimer(params.CheckInterval)
	if err != nil {
		return RunStatistics{}, sberrors.Setup("arm sampling timer", err)
	}
	defer unix.Close(sampleFd)

	deadlineFd, err := armOneShotTimer(params.WallTimeLimit)
	if err != nil {
		return RunStatistics{}, sberrors.Setup("arm deadline timer", err)
	}
	defer unix.Close(deadlineFd)

	handle, err := start()
	if err != nil {
		return RunStatistics{}, sberrors.Setup("start payload", err)
	}
	pidfd := handle.GetPidFd()
	if pidfd < 0 {
		return RunStatistics{}, sberrors.Setup("start payload", fmt.Errorf("handle has no pidfd"))
	}

	pollfds := []unix.PollFd{
		{Fd: int32(sampleFd), Events: unix.POLLIN},
		{Fd: int32(deadlineFd), Events: unix.POLLIN},
		{Fd: int32(pidfd), Events: unix.POLLIN},
	}

	verdict := InProgress
	var maxMem int64
	var tick uint64

	for verdict == InProgress {
		n, err := unix.Poll(pollfds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return RunStatistics{}, sberrors.Setup("poll supervisor descriptors", err)
		}
		if n == 0 {
			continue
		}

		for i := range pollfds {
			if pollfds[i].Revents&unix.POLLIN == 0 {
				continue
			}
			switch pollTag(i) {
			case tagStatusCheck:
				if err := ackTimer(sampleFd); err != nil {
					return RunStatistics{}, sberrors.Setup("acknowledge sampling timer", err)
				}
				mem, err := cg.GetCurrentMemory()
				if err != nil {
					return RunStatistics{}, sberrors.Setup("sample cgroup memory", err)
				}
				if mem > maxMem {
					maxMem = mem
				}
				if maxMem > params.MemoryLimitBytes {
					verdict = MemoryLimit
				}
				usage, err := cg.GetCPUUsage()
				if err != nil {
					return RunStatistics{}, sberrors.Setup("sample cgroup cpu", err)
				}
				if usage.Total > params.CpuTimeLimit {
					verdict = CpuTimeLimit
				}
				for _, check := range checks {
					if err := check(tick); err != nil {
						return RunStatistics{}, sberrors.Setup("run supervisor check", err)
					}
				}
				tick++

			case tagDeadline:
				if err := ackTimer(deadlineFd); err != nil {
					return RunStatistics{}, sberrors.Setup("acknowledge deadline timer", err)
				}
				verdict = WallTimeLimit

			case tagFinishedProc:
				// pidfd readiness is one-shot; never read/drain it.
				verdict = Finished
			}
			if verdict != InProgress {
				break
			}
		}
	}

	remaining, err := remainingTime(deadlineFd)
	if err != nil {
		return RunStatistics{}, sberrors.Setup("read deadline timer remaining time", err)
	}
	wallTime := params.WallTimeLimit - remaining
	if wallTime < 0 {
		wallTime = 0
	}

	if err := cg.KillAll(); err != nil {
		return RunStatistics{}, sberrors.Setup("kill cgroup on run completion", err)
	}

	ws, err := handle.Wait()
	if err != nil {
		return RunStatistics{}, sberrors.Protocol("wait payload", err)
	}

	cpuTime, err := cg.GetCPUUsage()
	if err != nil {
		return RunStatistics{}, sberrors.Setup("read final cgroup cpu usage", err)
	}

	es := exitStatusFrom(ws)
	log.Infof("run complete verdict=%s wall=%s cpu=%s maxMem=%d status=%s",
		verdict, wallTime, cpuTime.Total, maxMem, es)
	if verdict == Finished && (es.Signaled || es.Code != 0) {
		// Not a supervisor failure: a normal outcome worth a distinct
		// log line, since "Finished" alone would read as a clean run.
		log.Warningf("%v", &sberrors.PayloadError{Status: es.String()})
	}

	return RunStatistics{
		WallTime:       wallTime,
		CpuTime:        cpuTime,
		MaxMemoryBytes: maxMem,
		ExitStatus:     es,
		Verdict:        verdict,
	}, nil
}
