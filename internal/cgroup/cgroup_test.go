//go:build linux

package cgroup

import (
	"os"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/sandboxrun/sandboxrun/internal/profile"
)

func TestResourcesForMemoryDerivation(t *testing.T) {
	limits := profile.CompileDefault()
	res := resourcesFor(limits)
	assert.Equal(t, *res.Memory.High, limits.MemoryLimitBytes)
	assert.Equal(t, *res.Memory.Max, limits.MemoryLimitBytes+limits.MemoryLimitBytes/2)
	assert.Equal(t, res.Pids.Max, limits.PidsLimit)
}

func TestSanitizeUnit(t *testing.T) {
	assert.Equal(t, sanitizeUnit("sbx-1234-5"), "sbx-1234-5")
	assert.Equal(t, sanitizeUnit("weird/id:1"), "weird_id_1")
}

func TestNewRequiresRoot(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("creating a cgroup requires root")
	}
	c, err := New("test-sandbox", profile.RunDefault())
	assert.NilError(t, err)
	defer c.Close()

	mem, err := c.GetCurrentMemory()
	assert.NilError(t, err)
	assert.Assert(t, mem >= 0)
}
