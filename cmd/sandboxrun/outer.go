package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sandboxrun/sandboxrun/internal/cgroup"
	"github.com/sandboxrun/sandboxrun/internal/launcher"
	"github.com/sandboxrun/sandboxrun/internal/profile"
	"github.com/sandboxrun/sandboxrun/internal/proxyproto"
	"github.com/sandboxrun/sandboxrun/internal/sandboxid"
	"github.com/sandboxrun/sandboxrun/internal/sberrors"
	"github.com/sandboxrun/sandboxrun/internal/supervisor"
)

// resolvePath makes p absolute so it remains valid once the proxy (a
// re-exec'd process with its own working directory) reads it back out
// of the marshaled config.
func resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", p, err)
	}
	return abs, nil
}

// runOuter is the shared body of the compile and run drivers: allocate
// a SandboxId and cgroup, re-exec this binary as the proxy with the
// cgroup fd and a control channel handed across via ExtraFiles, run
// the outer side of the §5 rendezvous, and wait for the proxy to
// report back.
func runOuter(cfg proxyConfig, limits profile.Limits, stdioFiles []*os.File) (supervisor.RunStatistics, error) {
	id, err := sandboxid.New()
	if err != nil {
		return supervisor.RunStatistics{}, fmt.Errorf("allocate sandbox id: %w", err)
	}
	cfg.SandboxID = string(id)
	cfg.Limits = limits

	cg, err := cgroup.New(string(id), limits)
	if err != nil {
		return supervisor.RunStatistics{}, fmt.Errorf("create cgroup: %w", err)
	}
	defer cg.Close()
	cfg.CgroupPath = cg.Path()

	cgroupFD, err := cg.CgroupFD()
	if err != nil {
		return supervisor.RunStatistics{}, fmt.Errorf("open cgroup fd: %w", err)
	}
	cgroupFile := os.NewFile(uintptr(cgroupFD), "cgroupfd")
	defer cgroupFile.Close()

	proxySide, outerSide, err := proxyproto.New()
	if err != nil {
		return supervisor.RunStatistics{}, fmt.Errorf("create control channel: %w", err)
	}
	defer outerSide.Close()

	marshaled, err := cfg.marshal()
	if err != nil {
		return supervisor.RunStatistics{}, err
	}

	self, err := os.Executable()
	if err != nil {
		return supervisor.RunStatistics{}, fmt.Errorf("resolve own executable path: %w", err)
	}

	extraFiles := append([]*os.File{cgroupFile, proxySide.ToOuterFile(), proxySide.FromOuterFile()}, stdioFiles...)

	handle, err := launcher.Execute(launcher.ExecuteArgs{
		Path:         self,
		Argv:         []string{proxyMarker, marshaled},
		Envv:         os.Environ(),
		Stdin:        os.Stdin,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		NewUserNS:    true,
		NewMountNS:   true,
		NewNetworkNS: true,
		NewUTSNS:     true,
		IntoCgroupFD: -1,
		CreatePidFd:  true,
		ExtraFiles:   extraFiles,
	})
	if err != nil {
		return supervisor.RunStatistics{}, fmt.Errorf("launch proxy: %w", err)
	}
	outerSide.CloseProxyEnds(proxySide)

	proxyPid, err := outerSide.RecvPid()
	if err != nil {
		return supervisor.RunStatistics{}, err
	}
	log.Debugf("proxy %d reported payload pid %d", handle.GetPid(), proxyPid)

	if err := outerSide.SendStart(); err != nil {
		return supervisor.RunStatistics{}, err
	}

	stats, err := outerSide.RecvStats()
	if err != nil {
		return supervisor.RunStatistics{}, err
	}

	ws, err := handle.Wait()
	if err != nil {
		return supervisor.RunStatistics{}, fmt.Errorf("wait for proxy: %w", err)
	}
	if ws.Signaled() {
		return supervisor.RunStatistics{}, sberrors.Protocol("wait for proxy", fmt.Errorf("proxy killed by signal %d", ws.Signal()))
	}
	if ws.ExitStatus() != 0 {
		return supervisor.RunStatistics{}, sberrors.Protocol("wait for proxy", fmt.Errorf("proxy exited with code %d", ws.ExitStatus()))
	}

	return stats, nil
}
