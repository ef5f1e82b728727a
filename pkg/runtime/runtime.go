// Package runtime hosts compiled programs: it owns the class table, the
// heap and the code space of an isolate, executes generated code on the
// simulator and services the calls that code makes back into the VM.
//
// Design: generated code never dispatches by itself. Instance calls, static
// calls and runtime entries trap into the hooks here, which record type
// feedback, tier functions up once they are hot, unwind exceptions and
// rebuild unoptimized frames on deoptimization.
package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/codegen"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/sim"
	"github.com/GriffinCanCode/flowjit/pkg/codespace"
	"github.com/GriffinCanCode/flowjit/pkg/compiler"
	"github.com/GriffinCanCode/flowjit/pkg/config"
	"github.com/GriffinCanCode/flowjit/pkg/corelib"
	"github.com/GriffinCanCode/flowjit/pkg/feedback"
	"github.com/GriffinCanCode/flowjit/pkg/frontend"
	"github.com/GriffinCanCode/flowjit/pkg/logger"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// memoryBase is where the heap starts in the machine address space. The
// stack grows down from the end of the same memory.
const memoryBase = 0x1_0000_0000

// stackReserve is the headroom a call must leave between the stack and
// the heap.
const stackReserve = 4096

// Exception is a language exception no handler caught.
type Exception struct {
	Value   object.Word
	Message string
}

func (e *Exception) Error() string { return "uncaught exception: " + e.Message }

// Stats summarizes an isolate.
type Stats struct {
	Compiler    compiler.Stats
	Deopts      int
	CodeRegions int
	CodeBytes   int
	HeapBytes   uint64
	Steps       int64
}

// Isolate is one program instance. Calls into an isolate are serialized.
type Isolate struct {
	ID  uuid.UUID
	cfg config.Config
	log *slog.Logger

	classes *object.ClassTable
	statics map[string]*object.Function
	user    []*object.Function

	heap     *heap
	consts   *constants
	machine  *sim.Machine
	space    *codespace.Space
	compiler *compiler.Compiler
	profiles *registry

	mu     sync.Mutex
	ctx    context.Context
	deopts int
}

// New creates an isolate with the core library installed. Output of the
// print function goes to out.
func New(cfg config.Config, out io.Writer) (*Isolate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "runtime")
	}
	iso := &Isolate{
		ID:       uuid.New(),
		cfg:      cfg,
		classes:  object.NewClassTable(),
		statics:  make(map[string]*object.Function),
		profiles: newRegistry(),
		ctx:      context.Background(),
	}
	iso.log = logger.With("isolate", iso.ID.String())

	natives, err := corelib.Install(iso.classes)
	if err != nil {
		return nil, err
	}
	for name, fn := range natives {
		iso.statics[name] = fn
	}

	mem := sim.NewMemory(memoryBase, cfg.HeapSize+cfg.StackSize)
	if iso.heap, err = newHeap(mem, cfg.HeapSize, iso.classes, out); err != nil {
		return nil, err
	}
	iso.consts = newConstants(iso.heap)
	iso.space = codespace.New(codespace.DefaultBase, codespace.DefaultPageSize)
	iso.compiler, err = compiler.New(compiler.Options{
		Config:    cfg,
		Target:    sim.Target,
		Library:   library{iso},
		Constants: iso.consts,
		Space:     iso.space,
	})
	if err != nil {
		return nil, err
	}
	iso.machine = sim.NewMachine(mem, iso.space, iso)
	iso.log.Debug("Isolate created", "heap", cfg.HeapSize, "stack", cfg.StackSize)
	return iso, nil
}

// Close releases the code space.
func (iso *Isolate) Close() error { return iso.space.Close() }

// Heap exposes the value surface of the isolate.
func (iso *Isolate) Heap() object.Heap { return iso.heap }

// Compiler returns the compiler the isolate installs code with.
func (iso *Isolate) Compiler() *compiler.Compiler { return iso.compiler }

// DefineClass registers a class and its instance methods. The superclass
// must already be defined; an empty name means Object.
func (iso *Isolate) DefineClass(name, super string, fields []string, methods ...*ast.Function) (*object.Class, error) {
	var superCls *object.Class
	if super != "" {
		var ok bool
		if superCls, ok = iso.classes.Lookup(super); !ok {
			return nil, errors.Errorf("class %s extends undefined class %s", name, super)
		}
	}
	cls, err := iso.classes.Define(name, superCls, fields...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for _, m := range methods {
		if len(m.Params) == 0 {
			return nil, errors.Errorf("method %s.%s has no receiver parameter", name, m.Name)
		}
		iso.user = append(iso.user, object.NewMethod(cls, m.Name, m))
	}
	return cls, nil
}

// DefineFunction registers a top-level function.
func (iso *Isolate) DefineFunction(body *ast.Function) (*object.Function, error) {
	if _, exists := iso.statics[body.Name]; exists {
		return nil, errors.Errorf("function %s already defined", body.Name)
	}
	fn := object.NewStatic(nil, body.Name, body)
	iso.statics[body.Name] = fn
	iso.user = append(iso.user, fn)
	return fn, nil
}

// Load defines every class and function of p and compiles them all
// unoptimized.
func (iso *Isolate) Load(ctx context.Context, p *frontend.Program) error {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	for _, c := range p.Classes {
		if _, err := iso.DefineClass(c.Name, c.Super, c.Fields, c.Methods...); err != nil {
			return err
		}
	}
	for _, fn := range p.Functions {
		if _, err := iso.DefineFunction(fn); err != nil {
			return err
		}
	}
	return iso.compiler.CompileAll(ctx, iso.user, compiler.Request{Mode: codegen.Unoptimized})
}

// Functions returns the user-defined functions and methods in definition
// order.
func (iso *Isolate) Functions() []*object.Function { return iso.user }

// Value converts a Go value into a word: ints, floats, strings, bools and
// nil.
func (iso *Isolate) Value(v any) (object.Word, error) { return iso.consts.Constant(v) }

// Describe renders w the way print does.
func (iso *Isolate) Describe(w object.Word) string { return iso.heap.Describe(w) }

// Call invokes the top-level function name with args converted by Value.
func (iso *Isolate) Call(ctx context.Context, name string, args ...any) (object.Word, error) {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fn, ok := iso.statics[name]
	if !ok {
		return 0, errors.Errorf("undefined function %s", name)
	}
	if len(args) != fn.NumParams {
		return 0, errors.Errorf("%s expects %d arguments, got %d", name, fn.NumParams, len(args))
	}
	words := make([]object.Word, len(args))
	for i, a := range args {
		w, err := iso.Value(a)
		if err != nil {
			return 0, errors.Wrapf(err, "argument %d of %s", i, name)
		}
		words[i] = w
	}

	if fn.Kind == object.NativeFunction {
		w, err := fn.Native(iso.heap, words)
		var thrown *object.Thrown
		if errors.As(err, &thrown) {
			return 0, &Exception{Value: thrown.Value, Message: iso.heap.Describe(thrown.Value)}
		}
		return w, err
	}

	iso.ctx = ctx
	defer func() { iso.ctx = context.Background() }()
	entry, err := iso.enter(fn)
	if err != nil {
		return 0, err
	}
	raw := make([]uint64, len(words))
	for i, w := range words {
		raw[i] = uint64(w)
	}
	v, err := iso.machine.Invoke(entry, raw...)
	if err != nil {
		return 0, err
	}
	return object.Word(v), nil
}

// Stats reports counters of the compiler, the code space and the heap.
func (iso *Isolate) Stats() Stats {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	regions, bytes := iso.space.Stats()
	return Stats{
		Compiler:    iso.compiler.Stats(),
		Deopts:      iso.deopts,
		CodeRegions: regions,
		CodeBytes:   bytes,
		HeapBytes:   iso.heap.Used(),
		Steps:       iso.machine.Steps(),
	}
}

// DeoptCount reports how often the function named by its qualified name
// has deoptimized.
func (iso *Isolate) DeoptCount(name string) int {
	fn, ok := iso.FunctionByName(name)
	if !ok {
		return 0
	}
	return iso.profiles.get(fn).deopts
}

// Feedback returns the live feedback table of a function.
func (iso *Isolate) Feedback(fn *object.Function) *feedback.Table {
	return iso.profiles.get(fn).feedback
}

// ExportProfiles converts the feedback gathered so far into profiles,
// skipping functions without any.
func (iso *Isolate) ExportProfiles() []*feedback.Profile {
	var out []*feedback.Profile
	for _, p := range iso.profiles.all() {
		if p.feedback.Len() == 0 {
			continue
		}
		out = append(out, feedback.Export(p.fn.QualifiedName(), p.feedback, iso))
	}
	return out
}

// ImportProfile replaces the feedback of the profiled function.
func (iso *Isolate) ImportProfile(p *feedback.Profile) error {
	fn, ok := iso.FunctionByName(p.Function)
	if !ok {
		return errors.Errorf("profile for undefined function %s", p.Function)
	}
	iso.profiles.get(fn).feedback = feedback.Import(p, iso)
	return nil
}

// ClassByName, FunctionByName and ClassAt resolve profile names.

func (iso *Isolate) ClassByName(name string) (*object.Class, bool) { return iso.classes.Lookup(name) }
func (iso *Isolate) ClassAt(id object.ClassID) *object.Class       { return iso.classes.At(id) }

func (iso *Isolate) FunctionByName(qualified string) (*object.Function, bool) {
	if fn, ok := iso.statics[qualified]; ok {
		return fn, true
	}
	cls, name, ok := strings.Cut(qualified, ".")
	if !ok {
		return nil, false
	}
	c, ok := iso.classes.Lookup(cls)
	if !ok {
		return nil, false
	}
	fn := c.LookupMethod(name)
	return fn, fn != nil
}

// library is the name surface the compiler resolves against.
type library struct{ iso *Isolate }

func (l library) LookupClass(name string) (*object.Class, bool) { return l.iso.classes.Lookup(name) }
func (l library) At(id object.ClassID) *object.Class            { return l.iso.classes.At(id) }

func (l library) LookupStatic(name string) (*object.Function, bool) {
	fn, ok := l.iso.statics[name]
	return fn, ok
}

// Dump compiles the function named by its qualified name for the target
// arch and writes the disassembly and metadata tables. Optimized code is
// compiled against the feedback gathered so far. Targets other than the
// simulator get a private code space, so the dumped code never runs.
func (iso *Isolate) Dump(ctx context.Context, w io.Writer, name, arch string, mode codegen.Mode) error {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	fn, ok := iso.FunctionByName(name)
	if !ok || fn.Body == nil {
		return errors.Errorf("no compilable function %s", name)
	}
	target, err := compiler.TargetFor(arch)
	if err != nil {
		return err
	}
	c := iso.compiler
	if target != sim.Target {
		space := codespace.New(codespace.DefaultBase, codespace.DefaultPageSize)
		defer space.Close()
		if c, err = compiler.New(compiler.Options{
			Config:    iso.cfg,
			Target:    target,
			Library:   library{iso},
			Constants: iso.consts,
			Space:     space,
		}); err != nil {
			return err
		}
	}
	p := iso.profiles.get(fn)
	req := compiler.Request{Mode: mode, Feedback: p.feedback, DeoptCount: p.deopts}
	before, after, err := c.Explain(fn, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "IL for %s:\n%s\n", fn.QualifiedName(), before)
	if mode == codegen.Optimized {
		fmt.Fprintf(w, "IL after optimization:\n%s\n", after)
	}
	in, err := c.Compile(ctx, fn, req)
	if err != nil {
		return err
	}
	return in.Code.Dump(w, target, in.Entry())
}
