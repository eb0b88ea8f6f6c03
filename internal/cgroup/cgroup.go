// Package cgroup implements the Cgroup Controller of §4.1: it creates
// a cgroup-v2 group, applies pid/memory/cpu limits, attaches
// processes, samples current memory and CPU usage, and kills all
// members. Every created Cgroup is either killed+removed or the
// program crashes; there is no path that leaves a healthy exit with
// an empty cgroup behind.
package cgroup

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/sandboxrun/sandboxrun/internal/profile"
	"github.com/sandboxrun/sandboxrun/internal/sberrors"
	"github.com/sandboxrun/sandboxrun/internal/slog"
)

var log = slog.For("cgroup")

// CPUUsage is a snapshot of accumulated CPU time, read from the
// cgroup's cpu.stat. Successive reads on the same cgroup are
// monotonic (P6).
type CPUUsage struct {
	Total  time.Duration
	User   time.Duration
	System time.Duration
}

// driver is the backend that actually talks to the kernel cgroup
// filesystem, or to systemd over D-Bus when the host delegates
// cgroupfs through systemd.
type driver interface {
	addProcess(pid int) error
	currentMemory() (int64, error)
	cpuUsage() (CPUUsage, error)
	killAll() error
	fd() (int, error)
	destroy() error
	path() string
}

// Controller owns one cgroup-v2 group for the lifetime of a run.
type Controller struct {
	id   string
	path string
	drv  driver
	log  *slog.Logger
}

// New creates a cgroup named after id with the given limits applied.
// It probes whether the host requires systemd-delegated creation
// (cgroupfs refuses a bare mkdir under a systemd-managed parent) and
// picks a driver once, before any kernel object is created. It never
// falls back to the other driver mid-run.
func New(id string, limits profile.Limits) (*Controller, error) {
	l := log.With("sandbox_id", id)

	drv, err := selectDriver(id, limits)
	if err != nil {
		return nil, sberrors.Setup("select cgroup driver", err)
	}

	c := &Controller{id: id, path: drv.path(), drv: drv, log: l}
	l.Infof("created cgroup at %s (pids=%d mem-high=%d mem-max=%d cpu=%d/%d)",
		c.path, limits.PidsLimit, limits.MemoryHigh(), limits.MemoryMax(),
		limits.CPUQuotaUs, limits.CPUPeriodUs)
	return c, nil
}

// AddProcess moves pid into this cgroup. Fails if pid has already
// exited or the cgroup is being torn down.
func (c *Controller) AddProcess(pid int) error {
	if err := retryTransient(func() error { return c.drv.addProcess(pid) }); err != nil {
		return sberrors.Setup(fmt.Sprintf("add pid %d to cgroup", pid), err)
	}
	return nil
}

// GetCurrentMemory reads the cgroup's current memory charge in bytes.
func (c *Controller) GetCurrentMemory() (int64, error) {
	v, err := c.drv.currentMemory()
	if err != nil {
		return 0, sberrors.Setup("read cgroup memory.current", err)
	}
	return v, nil
}

// GetCPUUsage reads accumulated CPU time from cpu.stat.
func (c *Controller) GetCPUUsage() (CPUUsage, error) {
	u, err := c.drv.cpuUsage()
	if err != nil {
		return CPUUsage{}, sberrors.Setup("read cgroup cpu.stat", err)
	}
	return u, nil
}

// KillAll requests kernel-level termination of every cgroup member.
// Idempotent: calling it on an already-empty cgroup is a no-op (P5).
func (c *Controller) KillAll() error {
	if err := c.drv.killAll(); err != nil {
		return sberrors.Setup("kill cgroup", err)
	}
	return nil
}

// CgroupFD returns a file descriptor for the cgroup directory, usable
// by the launcher to place a child directly into the cgroup at fork
// time via CLONE_INTO_CGROUP, avoiding the attach-after-clone race.
func (c *Controller) CgroupFD() (int, error) {
	fd, err := c.drv.fd()
	if err != nil {
		return -1, sberrors.Setup("open cgroup fd", err)
	}
	return fd, nil
}

// Path is the absolute cgroupfs path backing this controller.
func (c *Controller) Path() string { return c.path }

// Close kills any stragglers and removes the cgroup. It is safe to
// call more than once.
func (c *Controller) Close() error {
	if err := c.drv.killAll(); err != nil {
		c.log.Warningf("kill on close failed: %v", err)
	}
	if err := retryTransient(c.drv.destroy); err != nil {
		return sberrors.Setup("remove cgroup", err)
	}
	c.log.Infof("removed cgroup at %s", c.path)
	return nil
}

// retryTransient bounds retries around operations that can fail with
// EBUSY/EAGAIN while the kernel is still flushing accounting for a
// just-exited process racing our rmdir/write.
func retryTransient(op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 500 * time.Millisecond
	return backoff.Retry(op, b)
}

// Load attaches to an already-created cgroup at path without creating
// or configuring it. Used by the proxy process, which inherits the
// cgroup the outer process already built and only needs to sample and
// kill it, not own its lifecycle.
func Load(path string) (*Controller, error) {
	drv, err := loadFSDriver(path)
	if err != nil {
		return nil, sberrors.Setup("load existing cgroup", err)
	}
	return &Controller{path: path, drv: drv, log: log.With("cgroup_path", path)}, nil
}
