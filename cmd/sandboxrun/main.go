// Command sandboxrun is the CLI surface of §6: two sibling drivers,
// compile and run, sharing the sandbox supervisor core. Both re-exec
// this same binary to become the proxy and payload processes of the
// outer/proxy/payload architecture described in §2, re-execing
// themselves with a marker argument rather than linking a second
// binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/sandboxrun/sandboxrun/internal/slog"
)

const (
	proxyMarker   = "__sandboxrun_proxy"
	payloadMarker = "__sandboxrun_payload"
)

var log = slog.For("cli")

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case proxyMarker:
			os.Exit(runProxyMain(os.Args[2:]))
		case payloadMarker:
			os.Exit(runPayloadEntry(os.Args[2:]))
		}
	}

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&compileCommand{}, "")
	subcommands.Register(&runCommand{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

func fatalf(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return 1
}
