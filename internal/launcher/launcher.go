// Package launcher implements the Process Launcher of §4.3: it forks
// a child under a configurable combination of Linux namespaces, wires
// it directly into a cgroup at clone time via CLONE_INTO_CGROUP, and
// hands back a pidfd-backed ProcessHandle for race-free wait/signal.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"unsafe"

	"github.com/mohae/deepcopy"
	"github.com/syndtr/gocapability/capability"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/sandboxrun/sandboxrun/internal/sberrors"
	"github.com/sandboxrun/sandboxrun/internal/slog"
)

var log = slog.For("launcher")

// ExecuteArgs configures a single launch. The boolean namespace flags
// correspond one-for-one to the clone flags listed in §4.3's option
// table; IntoCgroupFD is set to the fd returned by a cgroup
// Controller to wire the child in atomically at clone time.
type ExecuteArgs struct {
	Path string
	Argv []string
	Envv []string
	Dir  string

	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	NewUserNS    bool
	NewMountNS   bool
	NewPidNS     bool
	NewNetworkNS bool
	NewUTSNS     bool

	IntoCgroupFD int // -1 means no CLONE_INTO_CGROUP
	CreatePidFd  bool

	// ExtraFiles are inherited by the child starting at fd 3, in
	// order, the same way exec.Cmd.ExtraFiles works. Used to hand a
	// cgroup directory fd or a proxyproto pipe end across a re-exec.
	ExtraFiles []*os.File
}

// clone copies args so a caller mutating its own config after Execute
// returns can never race the child's post-fork read of that value.
// Only the plain-data slices are deep-copied; the *os.File handles are
// shared file descriptors by nature and are copied by reference.
func (a ExecuteArgs) clone() ExecuteArgs {
	out := a
	out.Argv = deepcopy.Copy(a.Argv).([]string)
	out.Envv = deepcopy.Copy(a.Envv).([]string)
	return out
}

// ProcessHandle is a pidfd-backed handle to a launched process. Wait
// consumes the handle: only one waiter may call it, and only once.
type ProcessHandle struct {
	pid   int
	pidfd int // -1 if CreatePidFd was false
}

// GetPid returns the child's pid in the launcher's own pid namespace.
func (h *ProcessHandle) GetPid() int { return h.pid }

// GetPidFd returns the pidfd backing this handle, or -1 if
// CreatePidFd was false. Callers may poll this fd for readability to
// learn the process has exited without racing pid reuse.
func (h *ProcessHandle) GetPidFd() int { return h.pidfd }

// SendSignal delivers sig to the process. It uses PidfdSendSignal
// when a pidfd is available (immune to pid reuse) and falls back to
// kill(2) by pid otherwise.
func (h *ProcessHandle) SendSignal(sig unix.Signal) error {
	if h.pidfd >= 0 {
		return unix.PidfdSendSignal(h.pidfd, sig, nil, 0)
	}
	return unix.Kill(h.pid, sig)
}

// waitidSiginfo mirrors the kernel's siginfo_t as populated by
// waitid(2) for the CLD_* codes: the generic three leading int32s
// (signo/errno/code) followed by the _sifields._sigchld union member
// (pid, uid, status). golang.org/x/sys/unix.Siginfo leaves that union
// as opaque padding, so waitid callers that need si_status define
// their own overlay struct at the matching offset, as this one does.
type waitidSiginfo struct {
	Signo  int32
	Errno  int32
	Code   int32
	_      int32
	Pid    int32
	Uid    uint32
	Status int32
	_      [100]byte
}

// Wait blocks until the process exits and returns its wait status.
// It uses waitid(P_PIDFD, ...) when a pidfd is available so the wait
// can never be satisfied by an unrelated process that reused the pid.
func (h *ProcessHandle) Wait() (unix.WaitStatus, error) {
	idtype := unix.P_PID
	id := h.pid
	if h.pidfd >= 0 {
		idtype = unix.P_PIDFD
		id = h.pidfd
	}

	var info waitidSiginfo
	_, _, errno := unix.Syscall6(unix.SYS_WAITID,
		uintptr(idtype), uintptr(id), uintptr(unsafe.Pointer(&info)),
		uintptr(unix.WEXITED), 0, 0)
	if errno != 0 {
		return unix.WaitStatus(0), sberrors.Protocol("waitid", errno)
	}
	return statusFromSiginfo(info), nil
}

func statusFromSiginfo(info waitidSiginfo) unix.WaitStatus {
	switch info.Code {
	case unix.CLD_EXITED:
		return unix.WaitStatus(uint32(info.Status&0xff) << 8)
	case unix.CLD_KILLED:
		return unix.WaitStatus(uint32(info.Status & 0x7f))
	case unix.CLD_DUMPED:
		return unix.WaitStatus(uint32(info.Status&0x7f) | 0x80)
	default:
		return unix.WaitStatus(uint32(info.Status&0xff) << 8)
	}
}

// Execute forks args.Path under the configured namespaces and cgroup,
// returning a handle to the new process. The child execs immediately;
// all namespace/cgroup setup happens in the kernel or in the tiny
// window governed by SysProcAttr, not in launcher-authored post-fork
// Go code (which would be unsafe to run between fork and exec in a
// multithreaded process). Execute does not touch the child's
// capabilities; the launched program drops its own via
// DropCapabilities.
func Execute(in ExecuteArgs) (*ProcessHandle, error) {
	args := in.clone()

	cmd := exec.Command(args.Path, args.Argv...)
	cmd.Env = args.Envv
	cmd.Dir = args.Dir
	cmd.Stdin = args.Stdin
	cmd.Stdout = args.Stdout
	cmd.Stderr = args.Stderr
	cmd.ExtraFiles = args.ExtraFiles

	attr := &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}

	var flags uintptr
	if args.NewUserNS {
		flags |= unix.CLONE_NEWUSER
		uid, gid := os.Getuid(), os.Getgid()
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: gid, Size: 1}}
	}
	if args.NewMountNS {
		flags |= unix.CLONE_NEWNS
	}
	if args.NewPidNS {
		flags |= unix.CLONE_NEWPID
	}
	if args.NewNetworkNS {
		flags |= unix.CLONE_NEWNET
	}
	if args.NewUTSNS {
		flags |= unix.CLONE_NEWUTS
	}
	attr.Cloneflags = flags

	if args.IntoCgroupFD >= 0 {
		attr.UseCgroupFD = true
		attr.CgroupFD = args.IntoCgroupFD
	}
	if args.CreatePidFd {
		attr.PidFD = new(int)
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return nil, sberrors.Setup("fork launcher child", err)
	}

	pid := cmd.Process.Pid
	pidfd := -1
	if args.CreatePidFd && attr.PidFD != nil {
		pidfd = *attr.PidFD
	}
	log.Infof("launched pid=%d pidfd=%d flags=%#x cgroupfd=%d", pid, pidfd, flags, args.IntoCgroupFD)

	if args.NewNetworkNS {
		if err := bringUpLoopback(pid); err != nil {
			log.Warningf("bring up loopback for pid %d: %v", pid, err)
		}
	}

	return &ProcessHandle{pid: pid, pidfd: pidfd}, nil
}

// bringUpLoopback brings the lo interface up inside the network
// namespace owned by pid. A bare CLONE_NEWNET namespace has lo
// present but administratively down, which breaks payloads that
// merely expect loopback to work.
func bringUpLoopback(pid int) error {
	nsHandle, err := netns.GetFromPid(pid)
	if err != nil {
		return fmt.Errorf("open netns of pid %d: %w", pid, err)
	}
	defer nsHandle.Close()

	handle, err := netlink.NewHandleAt(nsHandle)
	if err != nil {
		return fmt.Errorf("open netlink handle in netns of pid %d: %w", pid, err)
	}
	defer handle.Delete()

	lo, err := handle.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("find lo in netns of pid %d: %w", pid, err)
	}
	return handle.LinkSetUp(lo)
}

// DropCapabilities bounds the calling process's effective, permitted,
// and bounding capability sets to keep, dropping everything else.
// A process calls it on itself once its namespace setup is done: the
// payload entry before exec, the proxy after launching the payload.
func DropCapabilities(keep []string) error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("load process capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("load current capability sets: %w", err)
	}

	keepSet := make(map[capability.Cap]bool, len(keep))
	for _, name := range keep {
		c, ok := capByName[name]
		if !ok {
			return fmt.Errorf("unknown capability %q", name)
		}
		keepSet[c] = true
	}

	caps.Clear(capability.CAPS | capability.BOUNDING)
	for c := range keepSet {
		caps.Set(capability.CAPS|capability.BOUNDING, c)
	}
	if err := caps.Apply(capability.CAPS | capability.BOUNDING); err != nil {
		return fmt.Errorf("apply dropped capability sets: %w", err)
	}
	return nil
}

// DefaultProxyKeepCapabilities is the keep-list passed to
// DropCapabilities once the proxy process has finished its own mount
// and namespace setup: CAP_SYS_ADMIN, CAP_SYS_CHROOT, CAP_SYS_PTRACE,
// CAP_SYS_MODULE, CAP_SYS_RAWIO, and CAP_SYS_BOOT all get dropped,
// since nothing past this point in the proxy needs them.
var DefaultProxyKeepCapabilities = []string{
	"CAP_CHOWN", "CAP_DAC_OVERRIDE", "CAP_FOWNER", "CAP_FSETID",
	"CAP_KILL", "CAP_SETGID", "CAP_SETUID", "CAP_SETPCAP",
	"CAP_NET_BIND_SERVICE",
}

var capByName = map[string]capability.Cap{
	"CAP_CHOWN":            capability.CAP_CHOWN,
	"CAP_DAC_OVERRIDE":     capability.CAP_DAC_OVERRIDE,
	"CAP_FOWNER":           capability.CAP_FOWNER,
	"CAP_FSETID":           capability.CAP_FSETID,
	"CAP_KILL":             capability.CAP_KILL,
	"CAP_SETGID":           capability.CAP_SETGID,
	"CAP_SETUID":           capability.CAP_SETUID,
	"CAP_SETPCAP":          capability.CAP_SETPCAP,
	"CAP_NET_BIND_SERVICE": capability.CAP_NET_BIND_SERVICE,
	"CAP_SYS_CHROOT":       capability.CAP_SYS_CHROOT,
	"CAP_SYS_ADMIN":        capability.CAP_SYS_ADMIN,
	"CAP_SYS_PTRACE":       capability.CAP_SYS_PTRACE,
	"CAP_SYS_MODULE":       capability.CAP_SYS_MODULE,
	"CAP_SYS_RAWIO":        capability.CAP_SYS_RAWIO,
	"CAP_SYS_BOOT":         capability.CAP_SYS_BOOT,
	"CAP_MKNOD":            capability.CAP_MKNOD,
	"CAP_AUDIT_WRITE":      capability.CAP_AUDIT_WRITE,
	"CAP_SETFCAP":          capability.CAP_SETFCAP,
}
