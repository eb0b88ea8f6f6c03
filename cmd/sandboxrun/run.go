package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/sandboxrun/sandboxrun/internal/profile"
)

// runCommand implements the run driver of §6:
// run <executable> <input_file> <output_file> <errors_file>.
type runCommand struct {
	profileFile string
}

func (*runCommand) Name() string     { return "run" }
func (*runCommand) Synopsis() string { return "execute a compiled binary under sandbox limits" }
func (*runCommand) Usage() string {
	return "run [flags] <executable> <input_file> <output_file> <errors_file>\n"
}

func (c *runCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.profileFile, "profile-file", "", "optional TOML file overlaying the default run limits")
}

func (c *runCommand) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 4 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	executable, inputPath, outputPath, errorsPath := f.Arg(0), f.Arg(1), f.Arg(2), f.Arg(3)

	profiles, err := profile.LoadProfiles(c.profileFile)
	if err != nil {
		return fail("run: %v", err)
	}

	input, err := os.Open(inputPath)
	if err != nil {
		return fail("run: open input file %s: %v", inputPath, err)
	}
	defer input.Close()

	output, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fail("run: open output file %s: %v", outputPath, err)
	}
	defer output.Close()

	errorsFile, err := os.OpenFile(errorsPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fail("run: open errors file %s: %v", errorsPath, err)
	}
	defer errorsFile.Close()

	absExecutable, err := resolvePath(executable)
	if err != nil {
		return fail("run: %v", err)
	}

	cfg := proxyConfig{
		Compile:        false,
		ExecutableHost: absExecutable,
	}

	stats, err := runOuter(cfg, profiles.Run, []*os.File{input, output, errorsFile})
	if err != nil {
		return fail("run: %v", err)
	}

	printStats(os.Stdout, stats)
	return subcommands.ExitSuccess
}
