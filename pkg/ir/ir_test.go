package ir

import (
	"errors"
	"strings"
	"testing"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/feedback"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

type testLibrary struct {
	classes *object.ClassTable
	statics map[string]*object.Function
}

func newTestLibrary() *testLibrary {
	return &testLibrary{classes: object.NewClassTable(), statics: make(map[string]*object.Function)}
}

func (l *testLibrary) LookupClass(name string) (*object.Class, bool) { return l.classes.Lookup(name) }
func (l *testLibrary) LookupStatic(name string) (*object.Function, bool) {
	fn, ok := l.statics[name]
	return fn, ok
}

func build(t *testing.T, lib Library, fb *feedback.Table, body *ast.Function) *Graph {
	t.Helper()
	fn := object.NewStatic(nil, body.Name, body)
	g, err := NewBuilder(lib, fb, NewIDAllocator(0)).Build(fn)
	if err != nil {
		t.Fatalf("Build(%s): %v", body.Name, err)
	}
	return g
}

func countComputations(g *Graph) map[string]int {
	counts := make(map[string]int)
	for _, id := range g.ReversePostorder() {
		for _, in := range g.Instructions(id) {
			if c := ComputationOf(in.Inst); c != nil {
				counts[c.Name()]++
			}
			if _, ok := in.Inst.(*PushArgument); ok {
				counts["PushArgument"]++
			}
		}
	}
	return counts
}

func TestBuildStraightLine(t *testing.T) {
	// add(a, b) { return a + b; }
	body := ast.Func("add", []string{"a", "b"}, ast.Ret(ast.Bin(ast.Add, ast.Var("a"), ast.Var("b"))))
	g := build(t, newTestLibrary(), nil, body)

	counts := countComputations(g)
	want := map[string]int{"LoadLocal": 2, "InstanceCall": 1, "PushArgument": 2}
	for name, n := range want {
		if counts[name] != n {
			t.Errorf("%s count = %d, want %d", name, counts[name], n)
		}
	}
	if g.NumParams != 2 || g.NumStackLocals() != 0 {
		t.Errorf("params=%d locals=%d", g.NumParams, g.NumStackLocals())
	}
	if g.Locals[0].Index != 3 || g.Locals[1].Index != 2 {
		t.Errorf("parameter slots = %d, %d; want 3, 2", g.Locals[0].Index, g.Locals[1].Index)
	}
	if g.NumTemps != 3 {
		t.Errorf("NumTemps = %d, want 3", g.NumTemps)
	}
}

func TestBuildAttachesFeedback(t *testing.T) {
	body := ast.Func("add", []string{"a", "b"}, ast.Ret(ast.Bin(ast.Add, ast.Var("a"), ast.Var("b"))))
	// Deopt ids: 0 and 1 load the locals, 2 is the call.
	fb := feedback.NewTable()
	target := &object.Function{Name: "+", Kind: object.NativeFunction, NumParams: 2}
	if err := fb.Record(2, "+", []object.ClassID{object.SmiCid, object.SmiCid}, target); err != nil {
		t.Fatal(err)
	}
	g := build(t, newTestLibrary(), fb.Snapshot(), body)

	found := false
	for _, id := range g.ReversePostorder() {
		for _, in := range g.Instructions(id) {
			if call, ok := ComputationOf(in.Inst).(*InstanceCall); ok {
				found = true
				if call.Selector != "+" || call.Name() != "InstanceCall" || call.Token != ast.Add {
					t.Errorf("call = %s %s %s", call.Name(), call.Selector, call.Token)
				}
				if call.IC == nil || !call.IC.HasOnly(object.SmiCid, object.SmiCid) {
					t.Errorf("call feedback = %v", call.IC)
				}
			}
		}
	}
	if !found {
		t.Fatal("no instance call built")
	}
}

func TestBuildControlFlow(t *testing.T) {
	tests := []struct {
		name   string
		body   *ast.Function
		blocks int
		phis   int
	}{
		{
			name: "if else",
			body: ast.Func("max", []string{"a", "b"},
				&ast.If{
					Cond: ast.Cmp(ast.Gt, ast.Var("a"), ast.Var("b")),
					Then: []ast.Stmt{ast.Ret(ast.Var("a"))},
					Else: []ast.Stmt{ast.Ret(ast.Var("b"))},
				}),
			blocks: 4,
		},
		{
			name: "while",
			body: ast.Func("count", []string{"n"},
				ast.Let("i", ast.Int(0)),
				&ast.While{
					Cond: ast.Cmp(ast.Lt, ast.Var("i"), ast.Var("n")),
					Body: []ast.Stmt{ast.Let("i", ast.Bin(ast.Add, ast.Var("i"), ast.Int(1)))},
				},
				ast.Ret(ast.Var("i"))),
			blocks: 5,
		},
		{
			name: "conditional",
			body: ast.Func("pick", []string{"c"},
				ast.Ret(&ast.Conditional{Cond: ast.Var("c"), Then: ast.Int(1), Else: ast.Int(2)})),
			blocks: 5,
			phis:   1,
		},
		{
			name: "logical and",
			body: ast.Func("both", []string{"a", "b"},
				ast.Ret(&ast.Logical{Op: ast.And, Left: ast.Var("a"), Right: ast.Var("b")})),
			blocks: 5,
			phis:   1,
		},
		{
			name: "try catch",
			body: ast.Func("safe", []string{"x"},
				&ast.TryCatch{
					Body:     []ast.Stmt{&ast.Throw{Value: ast.Var("x")}},
					CatchVar: "e",
					Catch:    []ast.Stmt{ast.Ret(ast.Var("e"))},
				}),
			blocks: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := build(t, newTestLibrary(), nil, tt.body)
			order := g.ReversePostorder()
			if len(order) != tt.blocks {
				t.Errorf("reachable blocks = %d, want %d\n%s", len(order), tt.blocks, g)
			}
			phis := 0
			for _, id := range order {
				phis += len(g.Block(id).Phis)
			}
			if phis != tt.phis {
				t.Errorf("phis = %d, want %d", phis, tt.phis)
			}
			if order[0] != g.Entry {
				t.Errorf("order starts at B%d, want graph entry", order[0])
			}
		})
	}
}

func TestTryCatchRegistersCatchEntry(t *testing.T) {
	body := ast.Func("safe", []string{"x"},
		&ast.TryCatch{
			Body:     []ast.Stmt{&ast.Throw{Value: ast.Var("x")}},
			CatchVar: "e",
			Catch:    []ast.Stmt{&ast.Rethrow{}},
		})
	g := build(t, newTestLibrary(), nil, body)
	ge := g.GraphEntry()
	if len(ge.CatchEntries) != 1 {
		t.Fatalf("catch entries = %v", ge.CatchEntries)
	}
	catchB := g.Block(ge.CatchEntries[0])
	if catchB.CatchTryIndex != 0 || catchB.TryIndex != NoTryIndex {
		t.Errorf("catch block try indices = %d/%d", catchB.CatchTryIndex, catchB.TryIndex)
	}
	normal := g.Block(ge.Normal)
	body0 := g.Successors(normal.ID)[0]
	if g.Block(body0).TryIndex != 0 {
		t.Errorf("try body try index = %d, want 0", g.Block(body0).TryIndex)
	}
	if _, ok := g.Terminator(catchB.ID).Inst.(*ReThrow); !ok {
		t.Errorf("catch block ends with %T", g.Terminator(catchB.ID).Inst)
	}
}

func TestBuildErrors(t *testing.T) {
	lib := newTestLibrary()
	tests := []struct {
		name string
		body *ast.Function
	}{
		{"undefined variable", ast.Func("f", nil, ast.Ret(ast.Var("nope")))},
		{"undefined function", ast.Func("f", nil, ast.Ret(ast.Static("nope")))},
		{"undefined class", ast.Func("f", nil, ast.Ret(&ast.New{Class: "Nope"}))},
		{"rethrow outside catch", ast.Func("f", nil, &ast.Rethrow{})},
		{"duplicate parameter", ast.Func("f", []string{"a", "a"}, ast.Ret(ast.Var("a")))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := object.NewStatic(nil, "f", tt.body)
			if _, err := NewBuilder(lib, nil, NewIDAllocator(0)).Build(fn); err == nil {
				t.Error("Build succeeded")
			}
		})
	}
}

func TestDominators(t *testing.T) {
	body := ast.Func("max", []string{"a", "b"},
		&ast.If{
			Cond: ast.Cmp(ast.Gt, ast.Var("a"), ast.Var("b")),
			Then: []ast.Stmt{ast.Let("m", ast.Var("a"))},
			Else: []ast.Stmt{ast.Let("m", ast.Var("b"))},
		},
		ast.Ret(ast.Var("m")))
	g := build(t, newTestLibrary(), nil, body)
	normal := g.GraphEntry().Normal
	succs := g.Successors(normal)
	join := g.Successors(succs[0])[0]
	if g.Block(join).Idom != normal {
		t.Errorf("idom(join) = B%d, want B%d", g.Block(join).Idom, normal)
	}
	if g.Dominates(succs[0], join) {
		t.Error("then block dominates the join")
	}
	if !g.Dominates(g.Entry, join) {
		t.Error("entry does not dominate the join")
	}
}

func TestLivenessAcrossCall(t *testing.T) {
	// (a === b) is computed, then f(c) is called, then the identity result
	// is returned in a strict comparison with the call result.
	lib := newTestLibrary()
	lib.statics["f"] = object.NewStatic(nil, "f", ast.Func("f", []string{"x"}, ast.Ret(ast.Var("x"))))
	body := ast.Func("g", []string{"a", "b", "c"},
		ast.Ret(ast.Cmp(ast.EqStrict,
			ast.Cmp(ast.EqStrict, ast.Var("a"), ast.Var("b")),
			ast.Static("f", ast.Var("c")))))
	g := build(t, lib, nil, body)
	live := g.ComputeLiveness()

	var strict, call InstrID = NoInstr, NoInstr
	for _, in := range g.Instructions(g.GraphEntry().Normal) {
		switch ComputationOf(in.Inst).(type) {
		case *StrictCompare:
			if strict == NoInstr {
				strict = in.ID
			}
		case *StaticCall:
			call = in.ID
		}
	}
	across := live.LiveAcross(call)
	if len(across) != 1 || across[0] != strict {
		t.Errorf("LiveAcross(call) = %v, want [v%d]", across, strict)
	}
}

func TestRemoveFromGraph(t *testing.T) {
	body := ast.Func("add", []string{"a", "b"}, ast.Ret(ast.Bin(ast.Add, ast.Var("a"), ast.Var("b"))))
	g := build(t, newTestLibrary(), nil, body)
	normal := g.GraphEntry().Normal

	var load, push, call, ret *Instr
	for _, in := range g.Instructions(normal) {
		switch inst := in.Inst.(type) {
		case *Bind:
			switch inst.Comp.(type) {
			case *LoadLocal:
				if load == nil {
					load = in
				}
			case *InstanceCall:
				call = in
			}
		case *PushArgument:
			if push == nil {
				push = in
			}
		case *Return:
			ret = in
		}
	}

	if err := g.RemoveFromGraph(ret.ID); !errors.Is(err, ErrMalformedGraph) {
		t.Errorf("removing a terminator: %v", err)
	}
	if err := g.RemoveFromGraph(call.ID); !errors.Is(err, ErrMalformedGraph) {
		t.Errorf("removing a call: %v", err)
	}
	if err := g.RemoveFromGraph(load.ID); !errors.Is(err, ErrMalformedGraph) {
		t.Errorf("removing a used definition: %v", err)
	}
	if err := g.RemoveFromGraph(push.ID); err != nil {
		t.Fatalf("removing a push: %v", err)
	}
	if push.Prev != NoInstr || !push.Removed {
		t.Error("push still linked")
	}
	if err := g.RemoveFromGraph(push.ID); err == nil {
		t.Error("double removal accepted")
	}
	if err := g.Verify(); err == nil {
		t.Error("Verify accepted a call with a removed argument")
	}
}

func TestPrinter(t *testing.T) {
	body := ast.Func("neg", []string{"a"}, ast.Ret(ast.Neg(ast.Var("a"))))
	g := build(t, newTestLibrary(), nil, body)
	out := g.String()
	for _, want := range []string{"==== neg", "LoadLocal:0(a)", "InstanceCall:1(unary-", "return v"} {
		if !strings.Contains(out, want) {
			t.Errorf("printer output missing %q:\n%s", want, out)
		}
	}
}

func TestBitVector(t *testing.T) {
	v := NewBitVector[int](130)
	for _, i := range []int{0, 64, 129} {
		v.Add(i)
	}
	other := NewBitVector[int](130)
	other.Add(5)
	if !v.AddAll(other) || v.AddAll(other) {
		t.Error("AddAll change reporting is wrong")
	}
	got := v.Elements()
	want := []int{0, 5, 64, 129}
	if len(got) != len(want) {
		t.Fatalf("Elements = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Elements = %v, want %v", got, want)
		}
	}
	v.Remove(64)
	if v.Contains(64) {
		t.Error("Remove did not clear the bit")
	}
}
