package regalloc

import (
	"testing"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

type library struct {
	classes *object.ClassTable
	statics map[string]*object.Function
}

func (l *library) LookupClass(name string) (*object.Class, bool) { return l.classes.Lookup(name) }
func (l *library) LookupStatic(name string) (*object.Function, bool) {
	fn, ok := l.statics[name]
	return fn, ok
}

func newLibrary() *library {
	lib := &library{classes: object.NewClassTable(), statics: make(map[string]*object.Function)}
	for _, name := range []string{"f", "g"} {
		lib.statics[name] = object.NewStatic(nil, name, ast.Func(name, nil, ast.Ret(ast.Int(1))))
	}
	return lib
}

func isCall(in *ir.Instr) bool {
	_, ok := ir.ComputationOf(in.Inst).(*ir.StaticCall)
	return ok
}

func allocate(t *testing.T, body *ast.Function, regs ...asm.Reg) (*ir.Graph, *Allocator) {
	t.Helper()
	fn := object.NewStatic(nil, body.Name, body)
	g, err := ir.NewBuilder(newLibrary(), nil, ir.NewIDAllocator(0)).Build(fn)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	a := NewAllocator(g, g.ComputeLiveness(), g.ReversePostorder(), &Config{Available: regs, IsCall: isCall})
	if err := a.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	checkNoConflicts(t, a)
	return g, a
}

// checkNoConflicts fails when two overlapping intervals share a register.
func checkNoConflicts(t *testing.T, a *Allocator) {
	t.Helper()
	ivs := a.Intervals()
	for i, x := range ivs {
		for _, y := range ivs[i+1:] {
			if !x.InRegister() || !y.InRegister() || x.Reg != y.Reg {
				continue
			}
			if x.Start <= y.End && y.Start <= x.End {
				t.Errorf("%s and %s overlap in the same register", x, y)
			}
		}
	}
}

func find(g *ir.Graph, match func(ir.Computation) bool) *ir.Instr {
	for _, b := range g.ReversePostorder() {
		for _, in := range g.Instructions(b) {
			if c := ir.ComputationOf(in.Inst); c != nil && match(c) {
				return in
			}
		}
	}
	return nil
}

func TestValueAcrossCallIsSpilled(t *testing.T) {
	body := ast.Func("h", nil, ast.Ret(ast.Cmp(ast.EqStrict, ast.Static("f"), ast.Static("g"))))
	g, a := allocate(t, body, 1, 2, 3)

	first := find(g, func(c ir.Computation) bool {
		s, ok := c.(*ir.StaticCall)
		return ok && s.Function.Name == "f"
	})
	second := find(g, func(c ir.Computation) bool {
		s, ok := c.(*ir.StaticCall)
		return ok && s.Function.Name == "g"
	})
	if _, ok := a.SpillSlot(first.ID); !ok {
		t.Errorf("f() result v%d is not spilled across g()", first.ID)
	}
	if _, ok := a.Register(second.ID); !ok {
		t.Errorf("g() result v%d should stay in a register", second.ID)
	}
	if a.NumSpillSlots() != 1 {
		t.Errorf("NumSpillSlots = %d, want 1", a.NumSpillSlots())
	}
}

func TestRegisterPressure(t *testing.T) {
	tests := []struct {
		name   string
		regs   []asm.Reg
		spills bool
	}{
		{"plenty", []asm.Reg{1, 2, 3, 4}, false},
		{"single", []asm.Reg{1}, true},
	}
	body := func() *ast.Function {
		return ast.Func("p", []string{"a", "b", "c", "d"}, ast.Ret(ast.Cmp(ast.EqStrict,
			ast.Cmp(ast.EqStrict, ast.Var("a"), ast.Var("b")),
			ast.Cmp(ast.EqStrict, ast.Var("c"), ast.Var("d")))))
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, a := allocate(t, body(), tt.regs...)
			if got := a.NumSpillSlots() > 0; got != tt.spills {
				t.Errorf("spilled = %v, want %v: %v", got, tt.spills, a.Intervals())
			}
			for _, iv := range a.Intervals() {
				if iv.InRegister() == (iv.Reg == asm.NoReg) {
					t.Errorf("%s: register and spill slot disagree", iv)
				}
			}
		})
	}
}

func TestPhiIntervalCoversJoin(t *testing.T) {
	body := ast.Func("sel", []string{"c", "a", "b"},
		ast.Ret(ast.Cmp(ast.EqStrict,
			&ast.Conditional{Cond: ast.Var("c"), Then: ast.Var("a"), Else: ast.Var("b")},
			ast.Var("a"))))
	g, a := allocate(t, body, 1, 2, 3, 4)

	var phi ir.InstrID = ir.NoInstr
	for _, b := range g.ReversePostorder() {
		if phis := g.Block(b).Phis; len(phis) > 0 {
			phi = phis[0]
		}
	}
	if phi == ir.NoInstr {
		t.Fatalf("no phi\n%s", g)
	}
	cmp := find(g, func(c ir.Computation) bool {
		_, ok := c.(*ir.StrictCompare)
		return ok
	})
	if !a.LiveAt(phi, a.Position(cmp.ID)) {
		t.Errorf("phi v%d not live at its use", phi)
	}
	if _, ok := a.Register(phi); !ok {
		t.Errorf("phi v%d spilled without pressure", phi)
	}
}

func TestLoopCarriedValueSpansLoop(t *testing.T) {
	// while (i < n) i = i + 1; the header compare result dies in the header.
	body := ast.Func("loop", []string{"n"},
		ast.Let("i", ast.Int(0)),
		&ast.While{
			Cond: ast.Cmp(ast.Lt, ast.Var("i"), ast.Var("n")),
			Body: []ast.Stmt{ast.Let("i", ast.Bin(ast.Add, ast.Var("i"), ast.Int(1)))},
		},
		ast.Ret(ast.Var("i")))
	_, a := allocate(t, body, 1, 2)
	for _, iv := range a.Intervals() {
		if iv.End < iv.Start {
			t.Errorf("%s is inverted", iv)
		}
		if iv.Start != a.Position(iv.Value) {
			t.Errorf("%s does not start at its definition (%d)", iv, a.Position(iv.Value))
		}
	}
}
