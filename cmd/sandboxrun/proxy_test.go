package main

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestCopyCompiledOutputChmodsExecutable(t *testing.T) {
	sandboxRoot := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(sandboxRoot, "build"), 0755))
	assert.NilError(t, os.WriteFile(filepath.Join(sandboxRoot, "build", "out"), []byte("binary"), 0644))

	destDir := t.TempDir()
	dest := filepath.Join(destDir, "a.out")

	assert.NilError(t, copyCompiledOutput(sandboxRoot, dest))

	data, err := os.ReadFile(dest)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "binary")

	fi, err := os.Stat(dest)
	assert.NilError(t, err)
	assert.Assert(t, fi.Mode()&0111 != 0)
}

func TestCopyCompiledOutputMissingSourceFails(t *testing.T) {
	sandboxRoot := t.TempDir()
	err := copyCompiledOutput(sandboxRoot, filepath.Join(t.TempDir(), "out"))
	assert.ErrorContains(t, err, "open compiled output")
}
