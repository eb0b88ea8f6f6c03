package main

import (
	"encoding/json"
	"fmt"

	"github.com/sandboxrun/sandboxrun/internal/profile"
)

// proxyConfig is handed from the outer process to the re-exec'd proxy
// process as a single JSON argv token. It is internal IPC between two
// instances of the same binary on the same host, not a wire format
// that needs to evolve independently, so plain encoding/json is
// sufficient here (see internal/proxyproto for why the rendezvous
// messages use gob instead).
type proxyConfig struct {
	SandboxID  string
	CgroupPath string
	Compile    bool
	Limits     profile.Limits

	// Compile driver.
	Compiler   string
	SourceHost string
	DestHost   string

	// Run driver.
	ExecutableHost string
}

func (c proxyConfig) marshal() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal proxy config: %w", err)
	}
	return string(b), nil
}

func unmarshalProxyConfig(s string) (proxyConfig, error) {
	var c proxyConfig
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return proxyConfig{}, fmt.Errorf("unmarshal proxy config: %w", err)
	}
	return c, nil
}
