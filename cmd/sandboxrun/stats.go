package main

import (
	"fmt"
	"io"

	"github.com/sandboxrun/sandboxrun/internal/supervisor"
)

// printStats renders stats in the exact key/value block §6 specifies,
// in the order shown there.
func printStats(w io.Writer, stats supervisor.RunStatistics) {
	fmt.Fprintf(w, "time.wall: %d\n", stats.WallTime.Microseconds())
	fmt.Fprintf(w, "time.cpu.total: %d\n", stats.CpuTime.Total.Microseconds())
	fmt.Fprintf(w, "time.cpu.user: %d\n", stats.CpuTime.User.Microseconds())
	fmt.Fprintf(w, "time.cpu.system: %d\n", stats.CpuTime.System.Microseconds())
	fmt.Fprintf(w, "memory.max: %d\n", stats.MaxMemoryBytes)
	fmt.Fprintf(w, "status: %s\n", stats.ExitStatus.String())
	fmt.Fprintf(w, "verdict: %s\n", stats.Verdict.String())
}
