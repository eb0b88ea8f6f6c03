package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sandboxrun/sandboxrun/internal/cgroup"
	"github.com/sandboxrun/sandboxrun/internal/container"
	"github.com/sandboxrun/sandboxrun/internal/launcher"
	"github.com/sandboxrun/sandboxrun/internal/proxyproto"
	"github.com/sandboxrun/sandboxrun/internal/slog"
	"github.com/sandboxrun/sandboxrun/internal/supervisor"
)

var proxyLog = slog.For("proxy")

// Fixed fd numbers the outer process's ExtraFiles hands the proxy,
// inherited across the re-exec in this order: cgroup directory fd,
// then the two proxyproto pipe ends, then the driver-specific stdio
// file(s) for the payload.
const (
	fdCgroup    = 3
	fdToOuter   = 4
	fdFromOuter = 5
	fdStdioBase = 6
)

// runProxyMain is the proxy process's own main. It allocates the
// sandbox root and does all of the container's mount setup in its own
// private mount namespace (the outer process never touches it), launches
// the payload, and runs the supervisor loop, reporting the final
// statistics back to the outer process before tearing everything
// down.
func runProxyMain(args []string) int {
	if len(args) != 1 {
		return fatalf("proxy: expected exactly one config argument, got %d", len(args))
	}
	cfg, err := unmarshalProxyConfig(args[0])
	if err != nil {
		return fatalf("proxy: %v", err)
	}

	proxySide := proxyproto.FromFiles(os.NewFile(fdToOuter, "to-outer"), os.NewFile(fdFromOuter, "from-outer"))
	defer proxySide.Close()

	stats, err := runProxy(cfg, proxySide)
	if err != nil {
		proxyLog.Errorf("run failed: %v", err)
		return 1
	}

	if err := proxySide.SendStats(stats); err != nil {
		proxyLog.Errorf("send final statistics: %v", err)
		return 1
	}
	return 0
}

func runProxy(cfg proxyConfig, proxySide proxyproto.ProxySide) (supervisor.RunStatistics, error) {
	cg, err := cgroup.Load(cfg.CgroupPath)
	if err != nil {
		return supervisor.RunStatistics{}, err
	}

	builder, err := container.NewBuilder(cfg.SandboxID)
	if err != nil {
		return supervisor.RunStatistics{}, err
	}
	defer builder.Close()

	if err := builder.MountTmpfs(cfg.Limits.TmpfsSizeBytes); err != nil {
		return supervisor.RunStatistics{}, err
	}
	for _, dir := range []string{"/usr", "/lib", "/lib64"} {
		if _, statErr := os.Stat(dir); statErr != nil {
			continue // not every host has /lib64, for instance
		}
		if err := builder.BindDir(dir, dir); err != nil {
			return supervisor.RunStatistics{}, err
		}
	}

	realPath, realArgs, stdio, err := prepareDriver(cfg, builder)
	if err != nil {
		return supervisor.RunStatistics{}, err
	}

	stats, err := supervisor.RunAndWait(
		func() (*launcher.ProcessHandle, error) {
			return launchPayload(cfg, builder.Root(), realPath, realArgs, stdio, proxySide)
		},
		supervisor.WaitParameters{
			CheckInterval:    cfg.Limits.CheckInterval,
			WallTimeLimit:    cfg.Limits.WallTimeLimit,
			CpuTimeLimit:     cfg.Limits.CPUTimeLimit,
			MemoryLimitBytes: cfg.Limits.MemoryLimitBytes,
		},
		cg,
	)
	if err != nil {
		return supervisor.RunStatistics{}, err
	}

	if cfg.Compile && stats.Verdict == supervisor.Finished && stats.ExitStatus.Exited && stats.ExitStatus.Code == 0 {
		if err := copyCompiledOutput(builder.Root(), cfg.DestHost); err != nil {
			return supervisor.RunStatistics{}, err
		}
	}

	return stats, nil
}

// stdioFiles are the three files dup'd onto the payload's stdin,
// stdout, and stderr. Any may be nil.
type stdioFiles struct {
	Stdin, Stdout, Stderr *os.File
}

// prepareDriver bind-mounts the driver-specific paths and derives the
// in-sandbox command to run, plus the stdio files inherited from the
// outer process via ExtraFiles. The returned args are the arguments
// that follow argv[0]; the caller is responsible for putting the
// returned path in argv[0] itself.
func prepareDriver(cfg proxyConfig, builder *container.Builder) (string, []string, stdioFiles, error) {
	if cfg.Compile {
		if err := builder.BindFileReadOnly(cfg.SourceHost, "/src"); err != nil {
			return "", nil, stdioFiles{}, err
		}
		if err := os.MkdirAll(filepath.Join(builder.Root(), "build"), 0755); err != nil {
			return "", nil, stdioFiles{}, fmt.Errorf("create in-sandbox build directory: %w", err)
		}
		args := []string{"-O2", "-std=c++17", "-o", "/build/out", "/src"}
		stdio := stdioFiles{Stderr: os.NewFile(fdStdioBase, "logs")}
		return cfg.Compiler, args, stdio, nil
	}

	if err := builder.BindFileReadOnly(cfg.ExecutableHost, "/main"); err != nil {
		return "", nil, stdioFiles{}, err
	}
	stdio := stdioFiles{
		Stdin:  os.NewFile(fdStdioBase, "input"),
		Stdout: os.NewFile(fdStdioBase+1, "output"),
		Stderr: os.NewFile(fdStdioBase+2, "errors"),
	}
	return "/main", nil, stdio, nil
}

// launchPayload re-execs this binary as the payload entry point, in a
// fresh mount namespace (a copy of the proxy's own, tmpfs and bind
// mounts included) and a fresh pid namespace, placed directly into
// the cgroup at clone time. It reports the payload's pid back to the
// outer process and waits for the start acknowledgement before
// returning the handle, completing the ordered rendezvous of §5
// before the supervisor loop's poll registration proceeds.
func launchPayload(cfg proxyConfig, sandboxRoot, realPath string, realArgs []string, stdio stdioFiles, proxySide proxyproto.ProxySide) (*launcher.ProcessHandle, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable path: %w", err)
	}

	argv := append([]string{payloadMarker, sandboxRoot, strconv.FormatInt(cfg.Limits.FileSizeLimitBytes, 10), realPath}, realArgs...)

	handle, err := launcher.Execute(launcher.ExecuteArgs{
		Path:         self,
		Argv:         argv,
		Envv:         os.Environ(),
		Stdin:        stdio.Stdin,
		Stdout:       stdio.Stdout,
		Stderr:       stdio.Stderr,
		NewMountNS:   true,
		NewPidNS:     true,
		IntoCgroupFD: fdCgroup,
		CreatePidFd:  true,
	})
	if err != nil {
		return nil, err
	}

	if err := proxySide.SendPid(handle.GetPid()); err != nil {
		return nil, err
	}
	if err := proxySide.RecvStart(); err != nil {
		return nil, err
	}

	// The payload is cloned; the proxy no longer needs CAP_SYS_ADMIN or
	// the other setup-only capabilities for the rest of its life.
	if err := launcher.DropCapabilities(launcher.DefaultProxyKeepCapabilities); err != nil {
		proxyLog.Warningf("drop proxy capabilities: %v", err)
	}
	return handle, nil
}

// copyCompiledOutput copies the compiler's output from inside the
// sandbox's tmpfs to the host destination. The proxy never pivoted
// into the sandbox root, so both paths are plain host paths from its
// point of view. A failed copy is a setup error: it downgrades the
// run rather than silently leaving a stale or missing destination.
func copyCompiledOutput(sandboxRoot, destHost string) error {
	src := filepath.Join(sandboxRoot, "build", "out")
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open compiled output: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(destHost, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open destination %s: %w", destHost, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy compiled output to %s: %w", destHost, err)
	}
	if err := out.Chmod(0755); err != nil {
		return fmt.Errorf("chmod destination %s executable: %w", destHost, err)
	}
	return nil
}
