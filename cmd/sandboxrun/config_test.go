package main

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sandboxrun/sandboxrun/internal/profile"
)

func TestProxyConfigRoundTrip(t *testing.T) {
	cfg := proxyConfig{
		SandboxID:  "sbx-1-1",
		CgroupPath: "/sys/fs/cgroup/sandboxrun/sbx-1-1",
		Compile:    true,
		Limits: profile.Limits{
			CheckInterval:    10 * time.Millisecond,
			WallTimeLimit:    10 * time.Second,
			CPUTimeLimit:     9 * time.Second,
			MemoryLimitBytes: 256 * 1024 * 1024,
			PidsLimit:        10,
			TmpfsSizeBytes:   32 * 1024 * 1024,
		},
		Compiler:   "/usr/bin/clang",
		SourceHost: "/tmp/src.cpp",
		DestHost:   "/tmp/out",
	}

	s, err := cfg.marshal()
	assert.NilError(t, err)

	got, err := unmarshalProxyConfig(s)
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg, got)
}

func TestUnmarshalProxyConfigRejectsGarbage(t *testing.T) {
	_, err := unmarshalProxyConfig("not json")
	assert.ErrorContains(t, err, "unmarshal proxy config")
}
