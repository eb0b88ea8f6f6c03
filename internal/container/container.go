// Package container implements the Container Builder of §4.2: it
// allocates a sandbox directory, mounts a size-limited tmpfs root,
// bind-mounts required host directories read-only, bind-mounts the
// input file(s), and exposes an Enter operation that pivots the
// calling process into that root.
//
// Mount teardown unwinds the stack in LIFO order (the data model's
// invariant); if a mount cannot be released, Close fails loudly
// rather than silently leaking it.
package container

import (
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/sandboxrun/sandboxrun/internal/sberrors"
	"github.com/sandboxrun/sandboxrun/internal/slog"
)

var log = slog.For("container")

const sandboxRootBase = "/run/sandboxrun/containers"

// mountEntry is one pushed mount, tracked so Close can unwind in LIFO
// order. leaf is true for bind mounts that don't nest under another
// tracked mount and can therefore be unmounted concurrently with their
// siblings; the tmpfs root itself is never a leaf.
type mountEntry struct {
	target string
	leaf   bool
}

// Builder owns a sandbox root directory and its mount stack.
type Builder struct {
	id       string
	root     string
	mounts   []mountEntry
	detached bool
}

// NewBuilder creates an empty sandbox root directory named after id.
func NewBuilder(id string) (*Builder, error) {
	root := filepath.Join(sandboxRootBase, id)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, sberrors.Setup("create sandbox root", err)
	}
	log.Infof("allocated sandbox root %s", root)
	return &Builder{id: id, root: root}, nil
}

// Root is the sandbox root directory on the host.
func (b *Builder) Root() string { return b.root }

// MountTmpfs mounts a size-limited tmpfs at the sandbox root. Must be
// called before any bind mount.
func (b *Builder) MountTmpfs(sizeBytes int64) error {
	opts := fmt.Sprintf("size=%d,mode=0755", sizeBytes)
	if err := unix.Mount("tmpfs", b.root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, opts); err != nil {
		return sberrors.Setup("mount tmpfs root", err)
	}
	b.mounts = append(b.mounts, mountEntry{target: b.root, leaf: false})

	tmp := filepath.Join(b.root, "tmp")
	if err := os.MkdirAll(tmp, 01777); err != nil {
		return sberrors.Setup("create writable /tmp", err)
	}
	return nil
}

// BindDir bind-mounts a host directory at innerRelPath under the
// sandbox root. Directories are bind-mounted read-only for
// library/toolchain supply, per §4.2's "Required host paths".
func (b *Builder) BindDir(hostPath, innerRelPath string) error {
	return b.bind(specs.Mount{
		Source:      hostPath,
		Destination: innerRelPath,
		Type:        "bind",
		Options:     []string{"bind", "ro"},
	})
}

// BindFile bind-mounts a single host file at innerRelPath under the
// sandbox root, read-write. BindFileReadOnly is the read-only variant.
func (b *Builder) BindFile(hostPath, innerRelPath string) error {
	return b.bind(specs.Mount{
		Source:      hostPath,
		Destination: innerRelPath,
		Type:        "bind",
		Options:     []string{"bind"},
	})
}

// BindFileReadOnly bind-mounts a single host file read-only, for
// supplying an untrusted input (e.g. a compile driver's source file)
// that the payload must not be able to modify.
func (b *Builder) BindFileReadOnly(hostPath, innerRelPath string) error {
	return b.bind(specs.Mount{
		Source:      hostPath,
		Destination: innerRelPath,
		Type:        "bind",
		Options:     []string{"bind", "ro"},
	})
}

func (b *Builder) bind(m specs.Mount) error {
	target := filepath.Join(b.root, m.Destination)
	if err := ensureMountpoint(m.Source, target); err != nil {
		return sberrors.Setup(fmt.Sprintf("prepare mountpoint %s", target), err)
	}

	flags := uintptr(unix.MS_BIND)
	for _, o := range m.Options {
		if o == "ro" {
			flags |= unix.MS_RDONLY
		}
	}
	if err := unix.Mount(m.Source, target, "", flags, ""); err != nil {
		return sberrors.Setup(fmt.Sprintf("bind mount %s at %s", m.Source, target), err)
	}
	if flags&unix.MS_RDONLY != 0 {
		// A read-only bind requires a remount: MS_BIND|MS_RDONLY in one
		// call is ignored by the kernel for the RDONLY bit.
		if err := unix.Mount("", target, "", flags|unix.MS_REMOUNT, ""); err != nil {
			return sberrors.Setup(fmt.Sprintf("remount %s read-only", target), err)
		}
	}
	b.mounts = append(b.mounts, mountEntry{target: target, leaf: true})
	log.Infof("bind-mounted %s at %s (ro=%v)", m.Source, target, flags&unix.MS_RDONLY != 0)
	return nil
}

func ensureMountpoint(source, target string) error {
	fi, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat source %s: %w", source, err)
	}
	if fi.IsDir() {
		return os.MkdirAll(target, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Enter pivots the calling process's root to the sandbox root.
// Must be called inside a fresh mount namespace (NewMountNS); after
// it returns, only bind-mounted and tmpfs contents are visible.
func (b *Builder) Enter() error {
	return PivotInto(b.root)
}

// PivotInto pivots the calling process's root to root. It is a free
// function, not a Builder method, because the process that pivots is
// typically not the process that built the mount stack: the payload
// is cloned with its own copy of the proxy's mount namespace (via
// NewMountNS) and pivots into it directly, with no Builder object of
// its own.
func PivotInto(root string) error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return sberrors.Setup("make mount tree private", err)
	}
	if err := unix.Chdir(root); err != nil {
		return sberrors.Setup("chdir into sandbox root", err)
	}
	// pivot_root(".", ".") moves the current root filesystem onto
	// itself and makes the working directory (the sandbox root) the
	// new root; the old root ends up mounted at the same path, ready
	// to be detached.
	if err := unix.PivotRoot(".", "."); err != nil {
		return sberrors.Setup("pivot_root", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return sberrors.Setup("detach old root", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return sberrors.Setup("chdir to new root", err)
	}
	return nil
}

// Detach transfers mount ownership so mounts outlive this Builder
// object: the mount namespace itself becomes the backstop, released
// by the kernel only when that namespace's last reference drops.
// Close becomes a directory-removal no-op after Detach.
func (b *Builder) Detach() {
	b.detached = true
}

// Close unwinds the mount stack in LIFO order and removes the sandbox
// root, unless Detach was called. Leaf bind mounts (independent of
// each other) are unmounted concurrently; the tmpfs root, which
// everything else lives under, is always unmounted last and alone.
func (b *Builder) Close() error {
	if b.detached {
		return nil
	}

	var leaves []string
	var root string
	for i := len(b.mounts) - 1; i >= 0; i-- {
		m := b.mounts[i]
		if m.leaf {
			leaves = append(leaves, m.target)
		} else {
			root = m.target
		}
	}

	if len(leaves) > 0 {
		var g errgroup.Group
		for _, target := range leaves {
			target := target
			g.Go(func() error { return unmount(target) })
		}
		if err := g.Wait(); err != nil {
			return sberrors.Setup("unmount sandbox leaf mounts", err)
		}
	}

	if root != "" {
		if err := unmount(root); err != nil {
			return sberrors.Setup("unmount sandbox tmpfs root", err)
		}
	}

	if err := os.RemoveAll(b.root); err != nil {
		return sberrors.Setup("remove sandbox root", err)
	}
	log.Infof("tore down sandbox root %s", b.root)
	return nil
}

func unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}
