package main

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/sandboxrun/sandboxrun/internal/container"
	"github.com/sandboxrun/sandboxrun/internal/launcher"
)

// runPayloadEntry is the payload process's own main: it was cloned by
// the proxy with a fresh mount namespace (a copy of the proxy's, tmpfs
// and bind mounts included) and a fresh pid namespace, and re-exec'd
// itself with this marker so that the pivot/rlimit/capability-drop
// steps below run as ordinary single-threaded Go code in a freshly
// exec'd process, not in the delicate fork-without-exec window.
//
// args: sandboxRoot, fileSizeLimitBytes, realPath, realArgs...
func runPayloadEntry(args []string) int {
	if len(args) < 3 {
		return fatalf("payload entry: expected at least 3 arguments, got %d", len(args))
	}
	sandboxRoot := args[0]
	fsizeLimit, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fatalf("payload entry: parse file-size limit: %v", err)
	}
	realPath := args[2]
	realArgv := append([]string{realPath}, args[3:]...)

	if err := container.PivotInto(sandboxRoot); err != nil {
		return fatalf("payload entry: pivot into sandbox root: %v", err)
	}

	if fsizeLimit > 0 {
		lim := &syscall.Rlimit{Cur: uint64(fsizeLimit), Max: uint64(fsizeLimit)}
		if err := syscall.Setrlimit(syscall.RLIMIT_FSIZE, lim); err != nil {
			return fatalf("payload entry: setrlimit RLIMIT_FSIZE: %v", err)
		}
	}

	// The payload keeps no capabilities at all: by the time it execs
	// the untrusted binary, every privileged setup step (mount,
	// pivot_root, rlimit) is already done.
	if err := launcher.DropCapabilities(nil); err != nil {
		return fatalf("payload entry: drop capabilities: %v", err)
	}

	if err := syscall.Exec(realPath, realArgv, os.Environ()); err != nil {
		return fatalf("payload entry: exec %q: %v", realPath, err)
	}
	// syscall.Exec only returns on error.
	fmt.Fprintln(os.Stderr, "payload entry: unreachable")
	return 1
}
