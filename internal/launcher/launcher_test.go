//go:build linux

package launcher

import (
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func TestCloneCopiesSlicesIndependently(t *testing.T) {
	in := ExecuteArgs{Argv: []string{"a", "b"}, Envv: []string{"X=1"}}
	out := in.clone()

	out.Argv[0] = "mutated"
	assert.Equal(t, in.Argv[0], "a")
}

func TestStatusFromSiginfoExited(t *testing.T) {
	info := waitidSiginfo{Code: unix.CLD_EXITED, Status: 7}
	st := statusFromSiginfo(info)
	assert.Assert(t, st.Exited())
	assert.Equal(t, st.ExitStatus(), 7)
}

func TestStatusFromSiginfoKilled(t *testing.T) {
	info := waitidSiginfo{Code: unix.CLD_KILLED, Status: int32(unix.SIGKILL)}
	st := statusFromSiginfo(info)
	assert.Assert(t, st.Signaled())
	assert.Equal(t, st.Signal(), syscall.SIGKILL)
}

func TestDropCapabilitiesRejectsUnknownName(t *testing.T) {
	err := DropCapabilities([]string{"CAP_NOT_A_REAL_CAP"})
	assert.ErrorContains(t, err, "unknown capability")
}
