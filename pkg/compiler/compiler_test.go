package compiler

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/codegen"
	"github.com/GriffinCanCode/flowjit/pkg/codespace"
	"github.com/GriffinCanCode/flowjit/pkg/config"
	"github.com/GriffinCanCode/flowjit/pkg/feedback"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

type library struct {
	*object.ClassTable
	statics map[string]*object.Function
}

func (l library) LookupClass(name string) (*object.Class, bool) { return l.Lookup(name) }
func (l library) LookupStatic(name string) (*object.Function, bool) {
	fn, ok := l.statics[name]
	return fn, ok
}

type constants struct{}

func (constants) Constant(v any) (object.Word, error) {
	switch v := v.(type) {
	case nil:
		return 0x1001, nil
	case bool:
		if v {
			return 0x1011, nil
		}
		return 0x1021, nil
	case int64:
		if object.FitsSmi(v) {
			return object.MakeSmi(v), nil
		}
	}
	return 0, errors.Errorf("no constant for %v", v)
}

var operator = &object.Function{Name: "+", Kind: object.NativeFunction, NumParams: 2}

func newCompiler(t *testing.T) (*Compiler, *codespace.Space) {
	t.Helper()
	space := codespace.New(codespace.DefaultBase, 256)
	t.Cleanup(func() { space.Close() })
	c, err := New(Options{
		Config:    config.Default(),
		Library:   library{object.NewClassTable(), map[string]*object.Function{}},
		Constants: constants{},
		Space:     space,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, space
}

// add returns a+b; deopt ids 0 and 1 load the parameters, 2 is the call.
func add(name string) *object.Function {
	return object.NewStatic(nil, name, ast.Func(name, []string{"a", "b"}, ast.Ret(ast.Bin(ast.Add, ast.Var("a"), ast.Var("b")))))
}

func smiFeedback(t *testing.T) *feedback.Table {
	t.Helper()
	fb := feedback.NewTable()
	if err := fb.Record(2, "+", []object.ClassID{object.SmiCid, object.SmiCid}, operator); err != nil {
		t.Fatal(err)
	}
	return fb
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{Config: config.Default()}); err == nil {
		t.Fatal("New accepted missing library")
	}
	if _, err := TargetFor("vax"); err == nil {
		t.Fatal("TargetFor accepted unknown target")
	}
	for _, name := range []string{"sim", "amd64"} {
		tgt, err := TargetFor(name)
		if err != nil || tgt.Name != name {
			t.Errorf("TargetFor(%q) = %v, %v", name, tgt, err)
		}
	}
}

func TestCompileIsIdempotent(t *testing.T) {
	c, space := newCompiler(t)
	fn := add("add")
	first, err := c.Compile(context.Background(), fn, Request{Mode: codegen.Unoptimized})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	second, err := c.Compile(context.Background(), fn, Request{Mode: codegen.Unoptimized})
	if err != nil {
		t.Fatalf("Compile again: %v", err)
	}
	if first != second {
		t.Error("second Compile installed new code")
	}
	if regions, _ := space.Stats(); regions != 1 {
		t.Errorf("regions = %d, want 1", regions)
	}
	r, ok := space.Lookup(first.Entry())
	if !ok || r.Owner != first {
		t.Errorf("Lookup(entry) owner = %v, want the installation", r)
	}
	if got := c.Stats(); got.Unoptimized != 1 || got.CacheHits != 1 {
		t.Errorf("Stats = %+v", got)
	}
}

func TestConcurrentCompileSharesAttempt(t *testing.T) {
	c, _ := newCompiler(t)
	fn := add("add")
	const n = 8
	got := make([]*Installed, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			in, err := c.Compile(context.Background(), fn, Request{Mode: codegen.Unoptimized})
			if err != nil {
				t.Error(err)
			}
			got[i] = in
		}()
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("goroutine %d got a different installation", i)
		}
	}
	if s := c.Stats(); s.Unoptimized != 1 {
		t.Errorf("unoptimized compilations = %d, want 1", s.Unoptimized)
	}
}

func TestCompileAll(t *testing.T) {
	c, space := newCompiler(t)
	fns := []*object.Function{add("a"), add("b"), add("c"), add("d")}
	if err := c.CompileAll(context.Background(), fns, Request{Mode: codegen.Unoptimized}); err != nil {
		t.Fatalf("CompileAll: %v", err)
	}
	for _, fn := range fns {
		if _, ok := c.Lookup(fn, codegen.Unoptimized); !ok {
			t.Errorf("%s not installed", fn.Name)
		}
	}
	if regions, _ := space.Stats(); regions != len(fns) {
		t.Errorf("regions = %d, want %d", regions, len(fns))
	}
}

func TestOptimizedRedirectsEntry(t *testing.T) {
	c, space := newCompiler(t)
	fn := add("add")
	ctx := context.Background()
	opt, err := c.Compile(ctx, fn, Request{Mode: codegen.Optimized, Feedback: smiFeedback(t)})
	if err != nil {
		t.Fatalf("Compile optimized: %v", err)
	}
	if opt.Changes == 0 {
		t.Error("no specialization despite Smi feedback")
	}
	if !opt.Code.Optimized || len(opt.Code.DeoptInfos) == 0 {
		t.Errorf("optimized code has %d deopt infos", len(opt.Code.DeoptInfos))
	}
	unopt, ok := c.Lookup(fn, codegen.Unoptimized)
	if !ok {
		t.Fatal("optimizing did not install unoptimized code first")
	}
	if s := c.Stats(); s.Unoptimized != 1 || s.Optimized != 1 || s.Bailouts != 0 {
		t.Errorf("Stats = %+v, want one compilation per tier", s)
	}

	patched, err := space.Fetch(unopt.Entry())
	if err != nil {
		t.Fatal(err)
	}
	want := c.Target().PatchJump(unopt.Entry(), opt.Entry())
	if !bytes.Equal(patched[:len(want)], want) {
		t.Errorf("unoptimized entry = % x, want jump % x", patched[:len(want)], want)
	}

	if err := c.Invalidate(fn, codegen.Optimized); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := c.Lookup(fn, codegen.Optimized); ok {
		t.Error("optimized code still cached")
	}
	restored, _ := space.Fetch(unopt.Entry())
	if !bytes.Equal(restored[:len(want)], unopt.Code.Instructions[:len(want)]) {
		t.Errorf("entry not restored: % x", restored[:len(want)])
	}
}

func TestFeedbackSnapshotPolicy(t *testing.T) {
	fn := add("add")
	fb := feedback.NewTable()
	tests := []struct {
		name     string
		mode     codegen.Mode
		fb       *feedback.Table
		deopts   int
		snapshot bool
	}{
		{"unoptimized never", codegen.Unoptimized, fb, 0, false},
		{"optimized below threshold", codegen.Optimized, fb, 4, true},
		{"optimized at threshold", codegen.Optimized, fb, 5, false},
		{"optimized without table", codegen.Optimized, nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cctx := NewContext(fn, tt.mode, tt.fb, tt.deopts, 5)
			if got := cctx.Feedback != nil; got != tt.snapshot {
				t.Errorf("snapshot = %v, want %v", got, tt.snapshot)
			}
			if cctx.Feedback != nil && (cctx.Feedback == fb || !cctx.Feedback.Frozen()) {
				t.Error("feedback is not a frozen copy")
			}
		})
	}
}

func TestAttemptsAreDistinct(t *testing.T) {
	fn := add("add")
	a := NewContext(fn, codegen.Unoptimized, nil, 0, 0)
	b := NewContext(fn, codegen.Unoptimized, nil, 0, 0)
	if a.Attempt == b.Attempt {
		t.Error("two attempts share an id")
	}
	if a.IDs == b.IDs {
		t.Error("two attempts share an id allocator")
	}
}

func TestBailoutClassification(t *testing.T) {
	fn := add("add")
	cause := errors.Wrap(codegen.ErrNoLocationSummary, "v3")
	tests := []struct {
		name    string
		mode    codegen.Mode
		cause   error
		bailout bool
	}{
		{"optimized missing summary", codegen.Optimized, cause, true},
		{"unoptimized missing summary", codegen.Unoptimized, cause, false},
		{"optimized other error", codegen.Optimized, errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewContext(fn, tt.mode, nil, 0, 0).fail(PhaseCodegen, tt.cause)
			if got := errors.Is(err, ErrBailout); got != tt.bailout {
				t.Errorf("errors.Is(ErrBailout) = %v, want %v", got, tt.bailout)
			}
			if !errors.Is(err, tt.cause) {
				t.Error("cause not reachable")
			}
			var ce *CompileError
			if !errors.As(err, &ce) || ce.Phase != PhaseCodegen || ce.Function != "add" {
				t.Errorf("CompileError = %+v", ce)
			}
		})
	}
}

func TestExplain(t *testing.T) {
	c, space := newCompiler(t)
	fn := add("add")
	before, after, err := c.Explain(fn, Request{Mode: codegen.Optimized, Feedback: smiFeedback(t)})
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if before == "" || before == after {
		t.Errorf("optimization left the graph unchanged:\n%s", after)
	}
	plain, same, err := c.Explain(fn, Request{Mode: codegen.Unoptimized})
	if err != nil {
		t.Fatalf("Explain unoptimized: %v", err)
	}
	if plain != same {
		t.Errorf("unoptimized explain rewrote the graph:\n%s\nvs\n%s", plain, same)
	}
	if regions, _ := space.Stats(); regions != 0 {
		t.Errorf("Explain installed %d regions", regions)
	}
}
