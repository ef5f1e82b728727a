// Command flowjit runs the demonstration scenarios of the optimizing
// pipeline and dumps what the compiler makes of them.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/GriffinCanCode/flowjit/pkg/config"
	"github.com/GriffinCanCode/flowjit/pkg/feedback"
	"github.com/GriffinCanCode/flowjit/pkg/logger"
	"github.com/GriffinCanCode/flowjit/pkg/scenario"
)

const version = "0.2.0"

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		return 2
	}

	cfg, err := config.Overlay(scenario.Config())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if err := logger.Init(logger.Config{
		Level:  logger.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
		Output: os.Stderr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "scenarios":
		list(os.Stdout)
	case "run":
		err = runScenarios(ctx, cfg, args)
	case "dump":
		err = dump(ctx, cfg, args)
	case "version":
		fmt.Printf("flowjit version %s\n", version)
	case "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage(os.Stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprint(w, `flowjit - run programs through the optimizing pipeline

Usage:
    flowjit scenarios                        List the scenarios
    flowjit run [scenario...]                Run scenarios (all when none given)
    flowjit dump [-arch sim|amd64] scenario  Print IL, code and tables of the focus function
    flowjit version                          Show version
    flowjit help                             Show this help message

Options:
    run -profiles <dir>   Save the feedback of a single scenario, one JSON file per function
    dump -profiles <dir>  Optimize against saved feedback instead of running the scenario

Environment:
    FLOWJIT_USE_OPTIMIZER, FLOWJIT_OPTIMIZATION_THRESHOLD, FLOWJIT_POLYMORPHIC_FANOUT,
    FLOWJIT_DEOPT_THRESHOLD, FLOWJIT_CODE_COMMENTS, FLOWJIT_LOG_LEVEL, FLOWJIT_LOG_FORMAT
`)
}

func list(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range scenario.All() {
		fmt.Fprintf(tw, "%s\t%s\n", s.Name, s.Description)
	}
	tw.Flush()
}

func lookup(name string) (*scenario.Scenario, error) {
	s, ok := scenario.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", name)
	}
	return s, nil
}

func runScenarios(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	dir := fs.String("profiles", "", "directory to save the gathered feedback to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	names := fs.Args()
	if *dir != "" {
		if len(names) != 1 {
			return fmt.Errorf("-profiles needs exactly one scenario")
		}
		s, err := lookup(names[0])
		if err != nil {
			return err
		}
		return saveProfiles(ctx, cfg, s, *dir)
	}

	todo := scenario.All()
	if len(names) > 0 {
		todo = nil
		for _, name := range names {
			s, err := lookup(name)
			if err != nil {
				return err
			}
			todo = append(todo, s)
		}
	}

	failed := 0
	for _, s := range todo {
		res, err := s.Run(ctx, cfg)
		if res != nil {
			report(os.Stdout, res)
		}
		if err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n\n", s.Name, err)
			continue
		}
		fmt.Printf("ok %s\n\n", s.Name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(todo))
	}
	return nil
}

func report(w io.Writer, res *scenario.Result) {
	fmt.Fprintf(w, "== %s\n", res.Scenario)
	for _, st := range res.Steps {
		fmt.Fprintf(w, "  %s\n", st)
	}
	if res.Printed != "" {
		fmt.Fprintln(w, "printed:")
		for _, line := range strings.Split(strings.TrimSuffix(res.Printed, "\n"), "\n") {
			fmt.Fprintf(w, "  | %s\n", line)
		}
	}
	if len(res.Deopts) > 0 {
		names := make([]string, 0, len(res.Deopts))
		for name := range res.Deopts {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = fmt.Sprintf("%s=%d", name, res.Deopts[name])
		}
		fmt.Fprintf(w, "deopts: %s\n", strings.Join(parts, " "))
	}
	st := res.Stats
	fmt.Fprintf(w, "compiled: %d unoptimized, %d optimized, %d bailouts\n",
		st.Compiler.Unoptimized, st.Compiler.Optimized, st.Compiler.Bailouts)
	fmt.Fprintf(w, "code: %d regions, %s\n", st.CodeRegions, humanize.Bytes(uint64(st.CodeBytes)))
	fmt.Fprintf(w, "executed: %s steps\n", humanize.Comma(st.Steps))
}

func saveProfiles(ctx context.Context, cfg config.Config, s *scenario.Scenario, dir string) error {
	profiles, err := s.Profiles(ctx, cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, p := range profiles {
		if err := feedback.SaveProfile(filepath.Join(dir, p.Function+".json"), p); err != nil {
			return err
		}
	}
	fmt.Printf("saved %d profiles to %s\n", len(profiles), dir)
	return nil
}

func loadProfiles(dir string) ([]*feedback.Profile, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no profiles in %s", dir)
	}
	out := make([]*feedback.Profile, 0, len(paths))
	for _, path := range paths {
		p, err := feedback.LoadProfile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func dump(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	arch := fs.String("arch", "sim", "target to emit for: sim or amd64")
	dir := fs.String("profiles", "", "directory of saved feedback to optimize against")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("dump takes exactly one scenario")
	}
	s, err := lookup(fs.Arg(0))
	if err != nil {
		return err
	}
	if *dir != "" {
		profiles, err := loadProfiles(*dir)
		if err != nil {
			return err
		}
		return s.DumpProfiled(ctx, cfg, os.Stdout, *arch, profiles)
	}
	return s.Dump(ctx, cfg, os.Stdout, *arch)
}
