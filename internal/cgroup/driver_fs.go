package cgroup

import (
	"fmt"
	"os"
	"strings"
	"time"

	cgroupsv2 "github.com/containerd/cgroups/v2"
	"golang.org/x/sys/unix"

	"github.com/sandboxrun/sandboxrun/internal/profile"
)

// fsDriver talks to cgroupfs directly through the Manager of
// containerd/cgroups/v2: mkdir the group, write its control files, read
// them back. This is the default driver for hosts where the parent
// slice is not systemd-delegated.
type fsDriver struct {
	mgr *cgroupsv2.Manager
}

func newFSDriver(group string, limits profile.Limits) (*fsDriver, error) {
	res := resourcesFor(limits)
	mgr, err := cgroupsv2.NewManager(cgroupsv2Mountpoint, group, res)
	if err != nil {
		return nil, fmt.Errorf("create cgroup2 manager at %s: %w", group, err)
	}
	return &fsDriver{mgr: mgr}, nil
}

// loadFSDriver attaches to an already-existing cgroup by its absolute
// cgroupfs path, without creating or configuring it.
func loadFSDriver(path string) (*fsDriver, error) {
	group := strings.TrimPrefix(path, cgroupsv2Mountpoint)
	mgr, err := cgroupsv2.LoadManager(cgroupsv2Mountpoint, group)
	if err != nil {
		return nil, fmt.Errorf("load cgroup2 manager at %s: %w", path, err)
	}
	return &fsDriver{mgr: mgr}, nil
}

func resourcesFor(limits profile.Limits) *cgroupsv2.Resources {
	high := limits.MemoryHigh()
	max := limits.MemoryMax()
	pids := limits.PidsLimit
	cpuMax := cgroupsv2.NewCPUMax(&limits.CPUQuotaUs, &limits.CPUPeriodUs)
	return &cgroupsv2.Resources{
		Memory: &cgroupsv2.Memory{
			High: &high,
			Max:  &max,
		},
		Pids: &cgroupsv2.Pids{Max: pids},
		CPU:  &cgroupsv2.CPU{Max: cpuMax},
	}
}

const cgroupsv2Mountpoint = "/sys/fs/cgroup"

func (d *fsDriver) addProcess(pid int) error {
	return d.mgr.AddProc(uint64(pid))
}

func (d *fsDriver) currentMemory() (int64, error) {
	stat, err := d.mgr.Stat()
	if err != nil {
		return 0, err
	}
	if stat.Memory == nil {
		return 0, fmt.Errorf("cgroup stat missing memory counters")
	}
	return int64(stat.Memory.Usage), nil
}

func (d *fsDriver) cpuUsage() (CPUUsage, error) {
	stat, err := d.mgr.Stat()
	if err != nil {
		return CPUUsage{}, err
	}
	if stat.CPU == nil {
		return CPUUsage{}, fmt.Errorf("cgroup stat missing cpu counters")
	}
	return CPUUsage{
		Total:  time.Duration(stat.CPU.UsageUsec) * time.Microsecond,
		User:   time.Duration(stat.CPU.UserUsec) * time.Microsecond,
		System: time.Duration(stat.CPU.SystemUsec) * time.Microsecond,
	}, nil
}

func (d *fsDriver) killAll() error {
	if err := d.mgr.Kill(); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *fsDriver) fd() (int, error) {
	// unix.Open, not os.Open: an *os.File's finalizer can close its
	// fd out from under us once the wrapper is garbage collected, and
	// this fd must outlive the call that returns it (the launcher
	// passes it across fork/exec via CLONE_INTO_CGROUP).
	fd, err := unix.Open(d.mgr.Path(), unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func (d *fsDriver) destroy() error {
	if err := d.mgr.Delete(); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *fsDriver) path() string { return d.mgr.Path() }
