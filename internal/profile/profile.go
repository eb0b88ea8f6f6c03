// Package profile holds the default resource-limit profiles of spec
// §6 and an optional TOML overlay for operators who want different
// defaults without recompiling.
package profile

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Limits is the set of knobs a run needs: the four WaitParameters plus
// the cgroup construction limits of §4.1 and the file-size rlimit used
// by the run driver.
type Limits struct {
	CheckInterval    time.Duration
	WallTimeLimit    time.Duration
	CPUTimeLimit     time.Duration
	MemoryLimitBytes int64

	PidsLimit      int64
	CPUQuotaUs     int64  // quota over CPUPeriodUs, e.g. 100000/100000 = one full CPU
	CPUPeriodUs    uint64
	TmpfsSizeBytes int64

	// FileSizeLimitBytes is 0 for the compile profile (unused) and
	// 64KiB for the run profile.
	FileSizeLimitBytes int64
}

// memoryMax is 1.5x high, per §4.1, giving the supervisor loop a
// chance to observe "over high" before the kernel OOM-kills.
func (l Limits) memoryMax() int64 {
	return l.MemoryLimitBytes + l.MemoryLimitBytes/2
}

// MemoryHigh and MemoryMax are the two cgroup memory thresholds
// derived from MemoryLimitBytes.
func (l Limits) MemoryHigh() int64 { return l.MemoryLimitBytes }
func (l Limits) MemoryMax() int64  { return l.memoryMax() }

// CompileDefault returns the compile profile's default limits (§6).
func CompileDefault() Limits {
	return Limits{
		CheckInterval:    10 * time.Millisecond,
		WallTimeLimit:    10 * time.Second,
		CPUTimeLimit:     9 * time.Second,
		MemoryLimitBytes: 256 * 1024 * 1024,
		PidsLimit:        10,
		CPUQuotaUs:       100000,
		CPUPeriodUs:      100000,
		TmpfsSizeBytes:   32 * 1024 * 1024,
	}
}

// RunDefault returns the run profile's default limits (§6).
func RunDefault() Limits {
	return Limits{
		CheckInterval:      10 * time.Millisecond,
		WallTimeLimit:      5 * time.Second,
		CPUTimeLimit:       4 * time.Second,
		MemoryLimitBytes:   256 * 1024 * 1024,
		PidsLimit:          1,
		CPUQuotaUs:         100000,
		CPUPeriodUs:        100000,
		TmpfsSizeBytes:     8 * 1024 * 1024,
		FileSizeLimitBytes: 64 * 1024,
	}
}

// overlay is the TOML document shape; a zero (or absent) field in the
// file leaves the built-in default untouched. Durations are given as
// integer milliseconds (the *_ms keys) and converted in apply.
type overlay struct {
	Compile overlayProfile `toml:"compile"`
	Run     overlayProfile `toml:"run"`
}

type overlayProfile struct {
	CheckIntervalMs   int64 `toml:"check_interval_ms"`
	WallTimeLimitMs   int64 `toml:"wall_time_limit_ms"`
	CPUTimeLimitMs    int64 `toml:"cpu_time_limit_ms"`
	MemoryLimitBytes  int64 `toml:"memory_limit_bytes"`
	PidsLimit         int64 `toml:"pids_limit"`
	CPUQuotaUs        int64  `toml:"cpu_quota_us"`
	CPUPeriodUs       uint64 `toml:"cpu_period_us"`
	TmpfsSizeBytes    int64 `toml:"tmpfs_size_bytes"`
	FileSizeLimitByte int64 `toml:"file_size_limit_bytes"`
}

func (o overlayProfile) apply(base Limits) Limits {
	if o.CheckIntervalMs > 0 {
		base.CheckInterval = time.Duration(o.CheckIntervalMs) * time.Millisecond
	}
	if o.WallTimeLimitMs > 0 {
		base.WallTimeLimit = time.Duration(o.WallTimeLimitMs) * time.Millisecond
	}
	if o.CPUTimeLimitMs > 0 {
		base.CPUTimeLimit = time.Duration(o.CPUTimeLimitMs) * time.Millisecond
	}
	if o.MemoryLimitBytes > 0 {
		base.MemoryLimitBytes = o.MemoryLimitBytes
	}
	if o.PidsLimit > 0 {
		base.PidsLimit = o.PidsLimit
	}
	if o.CPUQuotaUs > 0 {
		base.CPUQuotaUs = o.CPUQuotaUs
	}
	if o.CPUPeriodUs > 0 {
		base.CPUPeriodUs = o.CPUPeriodUs
	}
	if o.TmpfsSizeBytes > 0 {
		base.TmpfsSizeBytes = o.TmpfsSizeBytes
	}
	if o.FileSizeLimitByte > 0 {
		base.FileSizeLimitBytes = o.FileSizeLimitByte
	}
	return base
}

// Profiles is the resolved pair of limits the CLI drivers consume.
type Profiles struct {
	Compile Limits
	Run     Limits
}

// Defaults returns the built-in profiles with no overlay applied.
func Defaults() Profiles {
	return Profiles{Compile: CompileDefault(), Run: RunDefault()}
}

// LoadProfiles overlays path (a TOML file) atop the built-in defaults.
// An empty path returns the defaults unchanged.
func LoadProfiles(path string) (Profiles, error) {
	p := Defaults()
	if path == "" {
		return p, nil
	}
	var doc overlay
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return Profiles{}, fmt.Errorf("decode profile file %q: %w", path, err)
	}
	p.Compile = doc.Compile.apply(p.Compile)
	p.Run = doc.Run.apply(p.Run)
	return p, nil
}
