package cgroup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sandboxrun/sandboxrun/internal/profile"
)

// selectDriver probes whether the host's cgroupfs parent is
// systemd-delegated (a bare mkdir under it returns EPERM) and picks
// the matching driver once. This mirrors the gosv reference's
// hasCgroupDelegation probe, generalized to decide up front instead
// of retrying mid-construction.
func selectDriver(id string, limits profile.Limits) (driver, error) {
	group := "/sandboxrun/" + id

	if canMkdirDirect(group) {
		drv, err := newFSDriver(group, limits)
		if err != nil {
			return nil, err
		}
		return drv, nil
	}

	drv, err := newSystemdDriver(id, limits)
	if err != nil {
		return nil, fmt.Errorf("fall back to systemd cgroup driver: %w", err)
	}
	return drv, nil
}

// canMkdirDirect reports whether a leaf cgroup can be created directly
// under cgroupsv2Mountpoint without going through systemd delegation.
func canMkdirDirect(group string) bool {
	probe := filepath.Join(cgroupsv2Mountpoint, filepath.Dir(group), ".sandboxrun-probe")
	if err := os.MkdirAll(filepath.Dir(probe), 0755); err != nil {
		return false
	}
	if err := os.Mkdir(probe, 0755); err != nil {
		return false
	}
	_ = os.Remove(probe)
	return true
}
