package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/sandboxrun/sandboxrun/internal/profile"
)

// compileCommand implements the compile driver of §6:
// compile <source> <destination> <logs>.
type compileCommand struct {
	compiler    string
	profileFile string
}

func (*compileCommand) Name() string     { return "compile" }
func (*compileCommand) Synopsis() string { return "compile an untrusted source file under sandbox limits" }
func (*compileCommand) Usage() string {
	return "compile [flags] <source> <destination> <logs>\n"
}

func (c *compileCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.compiler, "compiler", "/usr/bin/clang", "compiler binary to invoke inside the sandbox")
	f.StringVar(&c.profileFile, "profile-file", "", "optional TOML file overlaying the default compile limits")
}

func (c *compileCommand) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 3 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	source, destination, logsPath := f.Arg(0), f.Arg(1), f.Arg(2)

	profiles, err := profile.LoadProfiles(c.profileFile)
	if err != nil {
		return fail("compile: %v", err)
	}

	logs, err := os.OpenFile(logsPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fail("compile: open logs file %s: %v", logsPath, err)
	}
	defer logs.Close()

	absSource, err := resolvePath(source)
	if err != nil {
		return fail("compile: %v", err)
	}
	absDest, err := resolvePath(destination)
	if err != nil {
		return fail("compile: %v", err)
	}

	cfg := proxyConfig{
		Compile:    true,
		Compiler:   c.compiler,
		SourceHost: absSource,
		DestHost:   absDest,
	}

	stats, err := runOuter(cfg, profiles.Compile, []*os.File{logs})
	if err != nil {
		return fail("compile: %v", err)
	}

	printStats(os.Stdout, stats)
	return subcommands.ExitSuccess
}

func fail(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}
