// Package scenario holds the demonstration programs of the pipeline. Each
// scenario is a program plus a script of calls with expected results, run
// on a fresh isolate with a low optimization threshold so that the script
// drives functions through tier-up, specialization and deoptimization.
package scenario

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/codegen"
	"github.com/GriffinCanCode/flowjit/pkg/config"
	"github.com/GriffinCanCode/flowjit/pkg/feedback"
	"github.com/GriffinCanCode/flowjit/pkg/frontend"
	"github.com/GriffinCanCode/flowjit/pkg/runtime"
)

//go:embed programs/*.fj
var programs embed.FS

// Step is one call of a scenario.
type Step struct {
	Call string
	Args []any
	// Want is the printed result. Exception, when set, is a substring of
	// the uncaught exception the call must end with instead.
	Want      string
	Exception string
}

func (s Step) String() string {
	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		switch a := a.(type) {
		case string:
			args[i] = strconv.Quote(a)
		case float64:
			args[i] = strconv.FormatFloat(a, 'g', -1, 64)
			if !strings.ContainsAny(args[i], ".eIN") {
				args[i] += ".0"
			}
		default:
			args[i] = fmt.Sprint(a)
		}
	}
	return fmt.Sprintf("%s(%s)", s.Call, strings.Join(args, ", "))
}

// Scenario is a program and the calls to run against it.
type Scenario struct {
	Name        string
	Description string
	File        string
	// Focus is the function dumped by Dump.
	Focus string
	Steps []Step
	// Output is the expected print output, when the program prints.
	Output string
	// Deopts lists the expected deoptimization counts per function. They
	// are only checked with the optimizer on at the threshold of Config.
	Deopts map[string]int
}

// StepResult is the observed outcome of a step.
type StepResult struct {
	Call      string
	Value     string
	Exception string
}

func (r StepResult) String() string {
	if r.Exception != "" {
		return fmt.Sprintf("%s raised %s", r.Call, r.Exception)
	}
	return fmt.Sprintf("%s = %s", r.Call, r.Value)
}

// Result is the outcome of a run.
type Result struct {
	Scenario string
	Steps    []StepResult
	Printed  string
	Deopts   map[string]int
	Stats    runtime.Stats
}

// Config is the configuration scenarios are designed for.
func Config() config.Config {
	cfg := config.Default()
	cfg.OptimizationCounterThreshold = 10
	cfg.HeapSize = 8 << 20
	cfg.StackSize = 256 << 10
	return cfg
}

// Source returns the program text.
func (s *Scenario) Source() (string, error) {
	b, err := programs.ReadFile("programs/" + s.File)
	if err != nil {
		return "", errors.Wrapf(err, "scenario %s", s.Name)
	}
	return string(b), nil
}

// Program parses the scenario's program.
func (s *Scenario) Program() (*frontend.Program, error) {
	src, err := s.Source()
	if err != nil {
		return nil, err
	}
	p, err := frontend.Parse(src)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", s.File)
	}
	return p, nil
}

// Run executes the steps on a fresh isolate and checks every expectation.
// The result is returned even when a check fails.
func (s *Scenario) Run(ctx context.Context, cfg config.Config) (*Result, error) {
	iso, res, err := s.execute(ctx, cfg)
	if iso != nil {
		iso.Close()
	}
	return res, err
}

// Dump runs the scenario to collect feedback and then writes the IL,
// disassembly and tables of the optimized focus function for arch.
func (s *Scenario) Dump(ctx context.Context, cfg config.Config, w io.Writer, arch string) error {
	iso, _, err := s.execute(ctx, cfg)
	if iso != nil {
		defer iso.Close()
	}
	if err != nil {
		return err
	}
	return iso.Dump(ctx, w, s.Focus, arch, codegen.Optimized)
}

// Profiles runs the scenario and returns the feedback it gathered.
func (s *Scenario) Profiles(ctx context.Context, cfg config.Config) ([]*feedback.Profile, error) {
	iso, _, err := s.execute(ctx, cfg)
	if iso != nil {
		defer iso.Close()
	}
	if err != nil {
		return nil, err
	}
	return iso.ExportProfiles(), nil
}

// DumpProfiled writes the listing of Dump, optimizing against profiles
// instead of running the steps.
func (s *Scenario) DumpProfiled(ctx context.Context, cfg config.Config, w io.Writer, arch string, profiles []*feedback.Profile) error {
	prog, err := s.Program()
	if err != nil {
		return err
	}
	iso, err := runtime.New(cfg, io.Discard)
	if err != nil {
		return err
	}
	defer iso.Close()
	if err := iso.Load(ctx, prog); err != nil {
		return errors.Wrapf(err, "scenario %s", s.Name)
	}
	for _, p := range profiles {
		if err := iso.ImportProfile(p); err != nil {
			return err
		}
	}
	return iso.Dump(ctx, w, s.Focus, arch, codegen.Optimized)
}

func (s *Scenario) execute(ctx context.Context, cfg config.Config) (*runtime.Isolate, *Result, error) {
	prog, err := s.Program()
	if err != nil {
		return nil, nil, err
	}
	var out bytes.Buffer
	iso, err := runtime.New(cfg, &out)
	if err != nil {
		return nil, nil, err
	}
	if err := iso.Load(ctx, prog); err != nil {
		return iso, nil, errors.Wrapf(err, "scenario %s", s.Name)
	}

	res := &Result{Scenario: s.Name, Deopts: make(map[string]int)}
	var failed error
	for i, st := range s.Steps {
		r := StepResult{Call: st.String()}
		w, err := iso.Call(ctx, st.Call, st.Args...)
		var exc *runtime.Exception
		switch {
		case errors.As(err, &exc):
			r.Exception = exc.Message
		case err != nil:
			return iso, res, errors.Wrapf(err, "%s: step %d %s", s.Name, i, r.Call)
		default:
			r.Value = iso.Describe(w)
		}
		res.Steps = append(res.Steps, r)
		if err := st.check(r); err != nil && failed == nil {
			failed = errors.Wrapf(err, "%s: step %d", s.Name, i)
		}
	}
	res.Printed = out.String()
	for _, fn := range iso.Functions() {
		if n := iso.DeoptCount(fn.QualifiedName()); n > 0 {
			res.Deopts[fn.QualifiedName()] = n
		}
	}
	res.Stats = iso.Stats()

	if failed != nil {
		return iso, res, failed
	}
	if s.Output != "" && res.Printed != s.Output {
		return iso, res, errors.Errorf("%s: printed %q, want %q", s.Name, res.Printed, s.Output)
	}
	if cfg.UseOptimizer && cfg.OptimizationCounterThreshold == Config().OptimizationCounterThreshold {
		for name, want := range s.Deopts {
			if got := res.Deopts[name]; got != want {
				return iso, res, errors.Errorf("%s: %s deoptimized %d times, want %d", s.Name, name, got, want)
			}
		}
	}
	return iso, res, nil
}

func (st Step) check(r StepResult) error {
	switch {
	case st.Exception != "" && r.Exception == "":
		return errors.Errorf("%s = %s, want exception %q", r.Call, r.Value, st.Exception)
	case st.Exception != "" && !strings.Contains(r.Exception, st.Exception):
		return errors.Errorf("%s raised %q, want %q", r.Call, r.Exception, st.Exception)
	case st.Exception == "" && r.Exception != "":
		return errors.Errorf("%s raised %q, want %s", r.Call, r.Exception, st.Want)
	case st.Exception == "" && r.Value != st.Want:
		return errors.Errorf("%s = %s, want %s", r.Call, r.Value, st.Want)
	}
	return nil
}

// All returns the scenarios in presentation order.
func All() []*Scenario { return scenarios }

// Lookup finds a scenario by name.
func Lookup(name string) (*Scenario, bool) {
	for _, s := range scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

func call(fn, want string, args ...any) Step { return Step{Call: fn, Args: args, Want: want} }

func raises(fn, exc string, args ...any) Step { return Step{Call: fn, Args: args, Exception: exc} }

// repeat runs the steps n times over.
func repeat(n int, steps ...Step) []Step {
	out := make([]Step, 0, n*len(steps))
	for i := 0; i < n; i++ {
		out = append(out, steps...)
	}
	return out
}

// concat joins step lists.
func concat(parts ...[]Step) []Step {
	var out []Step
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// warm adds fn(i, 1) for i in [0, n).
func warm(fn string, n int) []Step {
	out := make([]Step, n)
	for i := range out {
		out[i] = call(fn, strconv.Itoa(i+1), i, 1)
	}
	return out
}

const smiMax = math.MaxInt64 >> 1

var scenarios = []*Scenario{
	{
		Name:        "smi-add",
		Description: "small-integer add specialized from feedback, deoptimized by overflow",
		File:        "smi_add.fj",
		Focus:       "add",
		Steps: concat(
			warm("add", 20),
			[]Step{
				call("add", "4611686018427387904", smiMax, 1),
				call("add", "-4611686018427387905", -smiMax-1, -1),
				call("add", "7", 3, 4),
			},
		),
		Deopts: map[string]int{"add": 1},
	},
	{
		Name:        "getter",
		Description: "guarded field load for one class, deoptimized by another",
		File:        "getter.fj",
		Focus:       "getx",
		Steps: concat(
			repeat(15, call("run", "5", 0, 5)),
			[]Step{
				call("run", "42", 1, 42),
				call("run", "6", 0, 6),
			},
		),
		Deopts: map[string]int{"getx": 1},
	},
	{
		Name:        "fan-out",
		Description: "four receiver classes dispatched polymorphically, a fifth through the inline cache",
		File:        "fanout.fj",
		Focus:       "area",
		Steps: concat(
			repeat(4,
				call("area", "12", 0, 2),
				call("area", "4", 1, 2),
				call("area", "6", 2, 2),
				call("area", "4", 3, 2),
			),
			[]Step{
				call("area", "24", 4, 2),
				call("area", "12", 0, 2),
				call("area", "4", 1, 2),
				call("area", "6", 2, 2),
				call("area", "4", 3, 2),
				call("area", "54", 4, 3),
			},
		),
		Deopts: map[string]int{"area": 0},
	},
	{
		Name:        "fusion",
		Description: "comparisons fused into branches unless the boolean is used",
		File:        "fusion.fj",
		Focus:       "smaller",
		Steps: concat(
			repeat(12,
				call("smaller", "1", 1, 2),
				call("smaller", "-3", 5, -3),
				call("less", "1", 1, 2),
				call("less", "0", 2, 2),
			),
		),
		Deopts: map[string]int{"smaller": 0, "less": 0},
	},
	{
		Name:        "loops",
		Description: "counted and nested loops with loop-carried phis",
		File:        "loops.fj",
		Focus:       "triangle",
		Steps: concat(
			repeat(12,
				call("sum_to", "5050", 100),
				call("triangle", "55", 10),
			),
			repeat(3, call("collatz", "111", 27)),
			[]Step{call("collatz", "0", 1)},
		),
		Deopts: map[string]int{"sum_to": 0, "triangle": 0},
	},
	{
		Name:        "doubles",
		Description: "unboxed double arithmetic and the recognized sqrt",
		File:        "doubles.fj",
		Focus:       "hypot",
		Steps: concat(
			repeat(12,
				call("hypot", "5.0", 3.0, 4.0),
				call("average", "2.3333333333333335", 1.0, 2.0, 4.0),
				call("half", "1.5", 3),
				call("neg", "-2.5", 2.5),
			),
			[]Step{
				call("hypot", "13.0", 5, 12),
				call("neg", "-3", 3),
			},
		),
	},
	{
		Name:        "arrays",
		Description: "growable, fixed and immutable arrays",
		File:        "arrays.fj",
		Focus:       "sum",
		Steps: concat(
			repeat(12, call("sum_squares", "285", 10)),
			[]Step{
				call("squares", "[0, 1, 4, 9]", 4),
				call("fixed3", "[0, 7, 0]", 7),
				call("frozen", "UnsupportedError: cannot modify an unmodifiable list"),
				call("at", "20", 1),
				raises("at", "RangeError", 5),
			},
		),
	},
	{
		Name:        "exceptions",
		Description: "handlers, rethrow and unwinding through frames",
		File:        "exceptions.fj",
		Focus:       "guarded",
		Steps: concat(
			repeat(12, call("guarded", "4", 2)),
			[]Step{
				call("guarded", "negative", -1),
				call("nested", "outer negative", -1),
				call("nested", "ok", 1),
				call("divide", "4", 9, 2),
				call("divide", "-1", 9, 0),
				raises("loud", "negative", -3),
				call("loud", "3", 3),
			},
		),
		Output: "caught negative\n",
	},
	{
		Name:        "strings",
		Description: "string concatenation, length and equality",
		File:        "strings.fj",
		Focus:       "shout",
		Steps: concat(
			repeat(11, call("greet", "hello, world", "world")),
			[]Step{
				call("shout", "3", "hey"),
				call("same", "true", "ab", "ab"),
				call("same", "false", "ab", "ba"),
				call("same", "false", "ab", 1),
			},
		),
		Output: "hey!\n",
	},
}
