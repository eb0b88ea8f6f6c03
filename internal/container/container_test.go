//go:build linux

package container

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestNewBuilderAllocatesRoot(t *testing.T) {
	b, err := NewBuilder("test-id-1")
	assert.NilError(t, err)
	defer os.RemoveAll(b.Root())

	assert.Equal(t, b.Root(), filepath.Join(sandboxRootBase, "test-id-1"))
	fi, err := os.Stat(b.Root())
	assert.NilError(t, err)
	assert.Assert(t, fi.IsDir())
}

func TestEnsureMountpointFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.txt")
	assert.NilError(t, os.WriteFile(src, []byte("hi"), 0644))

	target := filepath.Join(dir, "nested", "target.txt")
	assert.NilError(t, ensureMountpoint(src, target))

	fi, err := os.Stat(target)
	assert.NilError(t, err)
	assert.Assert(t, !fi.IsDir())
}

func TestEnsureMountpointDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "srcdir")
	assert.NilError(t, os.Mkdir(src, 0755))

	target := filepath.Join(dir, "nested", "targetdir")
	assert.NilError(t, ensureMountpoint(src, target))

	fi, err := os.Stat(target)
	assert.NilError(t, err)
	assert.Assert(t, fi.IsDir())
}

func TestDetachSkipsClose(t *testing.T) {
	b, err := NewBuilder("test-id-2")
	assert.NilError(t, err)
	defer os.RemoveAll(b.Root())

	b.Detach()
	assert.NilError(t, b.Close())

	// Root must still exist: Close became a no-op after Detach.
	_, err = os.Stat(b.Root())
	assert.NilError(t, err)
}
