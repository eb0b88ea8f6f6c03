// Package sandboxid allocates the SandboxId entity of the data model:
// a unique short string, derived from the caller pid, that identifies
// a cgroup path and a container root for the lifetime of one run.
package sandboxid

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"
)

// ID is a unique short string identifying one run's cgroup and
// container root.
type ID string

var counter uint64

// lockPath is where the allocation lock lives; XDG_RUNTIME_DIR is
// preferred since it's per-user and tmpfs-backed, falling back to
// /run for root-only daemons.
func lockPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "sandboxrun.lock")
	}
	return "/run/sandboxrun.lock"
}

// New mints a SandboxId unique across concurrent outer processes on
// this host. The id is derived from the caller's pid plus a
// process-local counter; the flock guards against two different
// outer processes computing the same id in the same pid-reuse window
// (spec's precondition that concurrent runs use distinct ids).
func New() (ID, error) {
	lk := flock.New(lockPath())
	if err := lk.Lock(); err != nil {
		return "", fmt.Errorf("lock %s: %w", lockPath(), err)
	}
	defer lk.Unlock()

	n := atomic.AddUint64(&counter, 1)
	return ID(fmt.Sprintf("sbx-%d-%d", os.Getpid(), n)), nil
}

func (id ID) String() string { return string(id) }
