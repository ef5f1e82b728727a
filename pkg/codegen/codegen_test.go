package codegen

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/sim"
	"github.com/GriffinCanCode/flowjit/pkg/deopt"
	"github.com/GriffinCanCode/flowjit/pkg/feedback"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/object"
	"github.com/GriffinCanCode/flowjit/pkg/optimizer"
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

// constants maps the core objects to fixed fake addresses.
type constants struct{}

const (
	nullWord  = object.Word(0x1001)
	trueWord  = object.Word(0x1011)
	falseWord = object.Word(0x1021)
)

func (constants) Constant(v any) (object.Word, error) {
	switch v := v.(type) {
	case nil:
		return nullWord, nil
	case bool:
		if v {
			return trueWord, nil
		}
		return falseWord, nil
	case int64:
		if object.FitsSmi(v) {
			return object.MakeSmi(v), nil
		}
	}
	return 0, errors.Errorf("no constant for %v", v)
}

var operator = &object.Function{Name: "op", Kind: object.NativeFunction, NumParams: 2}

type site struct {
	deoptID int
	name    string
	cids    []object.ClassID
	target  *object.Function
}

func build(t *testing.T, lib *library, body *ast.Function, fb *feedback.Table) *ir.Graph {
	t.Helper()
	fn := object.NewStatic(nil, body.Name, body)
	g, err := ir.NewBuilder(lib, fb, ir.NewIDAllocator(0)).Build(fn)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func compileUnoptimized(t *testing.T, g *ir.Graph) *Code {
	t.Helper()
	code, err := Compile(g, Options{Target: sim.Target, Constants: constants{}, Comments: true})
	if err != nil {
		t.Fatalf("Compile unoptimized: %v\n%s", err, g)
	}
	return code
}

// prepareOptimized builds the feedback-carrying graph, records its pending
// stacks and specializes it.
func prepareOptimized(t *testing.T, lib *library, body *ast.Function, sites ...site) (*ir.Graph, deopt.PendingStacks) {
	t.Helper()
	fb := feedback.NewTable()
	for _, s := range sites {
		if err := fb.Record(s.deoptID, s.name, s.cids, s.target); err != nil {
			t.Fatalf("Record(%d): %v", s.deoptID, err)
		}
	}
	g := build(t, lib, body, fb.Snapshot())
	pending, err := deopt.ComputePending(g)
	if err != nil {
		t.Fatalf("ComputePending: %v", err)
	}
	if _, err := optimizer.Apply(g, lib.classes, optimizer.Options{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return g, pending
}

// compileTiers compiles body unoptimized and then optimized against the
// given feedback.
func compileTiers(t *testing.T, lib *library, body *ast.Function, sites ...site) (unopt, opt *Code, g *ir.Graph) {
	t.Helper()
	unopt = compileUnoptimized(t, build(t, lib, body, nil))
	g, pending := prepareOptimized(t, lib, body, sites...)
	opt, err := Compile(g, Options{
		Target:      sim.Target,
		Mode:        Optimized,
		Constants:   constants{},
		Pending:     pending,
		Unoptimized: unopt,
		Comments:    true,
	})
	if err != nil {
		t.Fatalf("Compile optimized: %v\n%s", err, g)
	}
	return unopt, opt, g
}

func binaryBody(op ast.Token) *ast.Function {
	// Deopt ids: 0 and 1 load the locals, 2 is the operator.
	return ast.Func("binary", []string{"a", "b"}, ast.Ret(ast.Bin(op, ast.Var("a"), ast.Var("b"))))
}

func kinds(code *Code) []DescriptorKind {
	out := make([]DescriptorKind, len(code.PcDescriptors))
	for i, d := range code.PcDescriptors {
		out[i] = d.Kind
	}
	return out
}

func TestUnoptimizedInstanceCall(t *testing.T) {
	g := build(t, newLibrary(), binaryBody(ast.Add), nil)
	code := compileUnoptimized(t, g)

	want := []DescriptorKind{PcPatchCode, PcDeopt, PcIcCall, PcReturn}
	got := kinds(code)
	if len(got) != len(want) {
		t.Fatalf("descriptors = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("descriptors = %v, want %v", got, want)
		}
	}
	if code.PcDescriptors[1].DeoptID != 2 || code.PcDescriptors[2].DeoptID != 2 {
		t.Errorf("call descriptors carry deopt ids %d and %d, want 2", code.PcDescriptors[1].DeoptID, code.PcDescriptors[2].DeoptID)
	}
	if ret, ok := code.DeoptTarget(2); !ok || ret >= code.PcDescriptors[2].PC {
		t.Errorf("DeoptTarget(2) = %d, %v; want an offset before the call returns", ret, ok)
	}
	if len(code.StackMaps) != 0 {
		t.Errorf("unoptimized code has %d stack maps", len(code.StackMaps))
	}
	if code.FrameSlots != code.NumLocals+code.NumTemps {
		t.Errorf("FrameSlots = %d, want locals %d + temps %d", code.FrameSlots, code.NumLocals, code.NumTemps)
	}
	if len(code.ObjectPool) != 1 {
		t.Fatalf("object pool = %v", code.ObjectPool)
	}
	if s := code.ObjectPool[0]; s.Kind != InstanceSite || s.Name != "+" || s.ArgCount != 2 || s.NumArgsTested != 2 {
		t.Errorf("call site = %+v", s)
	}
	if code.Stats.Calls != 1 || code.Stats.DeoptStubs != 0 {
		t.Errorf("stats = %+v", code.Stats)
	}
}

// edges counts the control flow edges the linear code has to realize.
func edges(g *ir.Graph) int {
	n := 0
	for _, b := range g.ReversePostorder() {
		switch g.Terminator(b).Inst.(type) {
		case *ir.GraphEntry, *ir.Goto:
			n++
		case *ir.Branch:
			n += 2
		}
	}
	return n
}

func TestLinearization(t *testing.T) {
	a, b := ast.Var("a"), ast.Var("b")
	tests := []struct {
		name     string
		body     *ast.Function
		handlers int
	}{
		{"straight line", binaryBody(ast.Sub), 0},
		{"if else", ast.Func("max", []string{"a", "b"},
			&ast.If{Cond: ast.Cmp(ast.Gt, a, b), Then: []ast.Stmt{ast.Ret(a)}, Else: []ast.Stmt{ast.Ret(b)}}), 0},
		{"loop", ast.Func("count", []string{"n"},
			ast.Let("i", ast.Int(0)),
			&ast.While{Cond: ast.Cmp(ast.Lt, ast.Var("i"), ast.Var("n")), Body: []ast.Stmt{
				ast.Let("i", ast.Bin(ast.Add, ast.Var("i"), ast.Int(1))),
			}},
			ast.Ret(ast.Var("i"))), 0},
		{"logical", ast.Func("both", []string{"a", "b"},
			ast.Ret(&ast.Logical{Op: ast.And, Left: a, Right: b})), 0},
		{"conditional", ast.Func("pick", []string{"a", "b"},
			ast.Ret(&ast.Conditional{Cond: ast.Cmp(ast.EqStrict, a, ast.Null()), Then: b, Else: a})), 0},
		{"try catch", ast.Func("guard", []string{"a"},
			&ast.TryCatch{
				Body:     []ast.Stmt{&ast.Throw{Value: a}},
				CatchVar: "e",
				Catch:    []ast.Stmt{ast.Ret(ast.Var("e"))},
			},
			ast.Ret(ast.Null())), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := build(t, newLibrary(), tt.body, nil)
			code := compileUnoptimized(t, g)
			s := code.Stats
			if s.Blocks != len(g.ReversePostorder()) {
				t.Errorf("Blocks = %d, want %d", s.Blocks, len(g.ReversePostorder()))
			}
			if got, want := s.EdgeJumps+s.FallThroughs, edges(g); got != want {
				t.Errorf("jumps %d + fall-throughs %d = %d, want %d edges", s.EdgeJumps, s.FallThroughs, got, want)
			}
			if len(code.ExceptionHandlers) != tt.handlers {
				t.Errorf("handlers = %v, want %d", code.ExceptionHandlers, tt.handlers)
			}
			for _, h := range code.ExceptionHandlers {
				if h.HandlerPC <= 0 || h.HandlerPC >= code.Size() {
					t.Errorf("handler %+v outside code of %d bytes", h, code.Size())
				}
			}
		})
	}
}

func TestOptimizedSmiAdd(t *testing.T) {
	unopt, opt, g := compileTiers(t, newLibrary(), binaryBody(ast.Add),
		site{2, "+", []object.ClassID{object.SmiCid, object.SmiCid}, operator})

	if !opt.Optimized || len(opt.ObjectPool) != 0 {
		t.Fatalf("optimized code still calls out: %v", opt.ObjectPool)
	}
	for _, d := range opt.PcDescriptors {
		if d.Kind == PcIcCall {
			t.Errorf("unexpected IC call descriptor %s", d)
		}
	}
	if len(opt.DeoptInfos) != 2 || opt.Stats.DeoptStubs != 2 {
		t.Fatalf("deopt infos = %d, stubs = %d, want 2", len(opt.DeoptInfos), opt.Stats.DeoptStubs)
	}
	target, ok := unopt.DeoptTarget(2)
	if !ok {
		t.Fatal("unoptimized code has no deopt point 2")
	}
	reasons := map[deopt.Reason]bool{}
	for _, info := range opt.DeoptInfos {
		reasons[info.Reason] = true
		if ret, _ := info.RetAddress(); ret != target {
			t.Errorf("%s resumes at %#x, want %#x", info, ret, target)
		}
		if info.ExprSize != g.NumTemps+2 {
			t.Errorf("ExprSize = %d, want temps %d + 2 pending", info.ExprSize, g.NumTemps)
		}
		// Both pending arguments were folded into the add and are
		// rebuilt from the operands' homes.
		rebuilt := 0
		for _, in := range info.Instrs {
			if in.Dest >= g.NumTemps && in.Op != deopt.SetRetAddress {
				rebuilt++
				if in.Op == deopt.CopyMaterialized {
					t.Errorf("%s copies a push that optimized code never made", in)
				}
			}
		}
		if rebuilt != 2 {
			t.Errorf("%s rebuilds %d pending entries, want 2", info, rebuilt)
		}
	}
	if !reasons[deopt.SmiBinaryOp] || !reasons[deopt.BinarySmiOverflow] {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestSmiShiftDeoptReasons(t *testing.T) {
	tests := []struct {
		op   ast.Token
		name string
		want []deopt.Reason
	}{
		{ast.Shl, "<<", []deopt.Reason{deopt.SmiBinaryOp, deopt.ShiftCount, deopt.BinarySmiOverflow}},
		{ast.Shr, ">>", []deopt.Reason{deopt.SAR, deopt.ShiftCount}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, opt, _ := compileTiers(t, newLibrary(), binaryBody(tt.op),
				site{2, tt.name, []object.ClassID{object.SmiCid, object.SmiCid}, operator})
			var got []deopt.Reason
			for _, info := range opt.DeoptInfos {
				got = append(got, info.Reason)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("reasons = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("reason %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestStackMapsAtCalls(t *testing.T) {
	body := ast.Func("h", nil, ast.Ret(ast.Cmp(ast.EqStrict, ast.Static("f"), ast.Static("g"))))
	_, opt, _ := compileTiers(t, newLibrary(), body)

	if opt.Stats.Calls != 2 || len(opt.StackMaps) != 2 {
		t.Fatalf("calls = %d, stack maps = %d, want 2", opt.Stats.Calls, len(opt.StackMaps))
	}
	for _, m := range opt.StackMaps {
		if _, ok := opt.CallDescriptor(m.PC); !ok {
			t.Errorf("stack map at %#x has no call descriptor", m.PC)
		}
		if m.Slots.Len() < opt.FrameSlots {
			t.Errorf("stack map %s covers %d of %d slots", m, m.Slots.Len(), opt.FrameSlots)
		}
	}
	// The result of f() is live across the call of g() and lives in a
	// spill slot there.
	if opt.FrameSlots == opt.NumLocals {
		t.Fatalf("no spill slots in a frame of %d", opt.FrameSlots)
	}
	second := opt.StackMaps[1]
	if !second.Slots.Contains(opt.NumLocals) {
		t.Errorf("second call's map %s misses the spilled result", second)
	}
	first := opt.StackMaps[0]
	if first.Slots.Contains(opt.NumLocals) {
		t.Errorf("first call's map %s marks a slot nothing is live in", first)
	}
}

func TestFusedComparisonBranch(t *testing.T) {
	a, b := ast.Var("a"), ast.Var("b")
	body := ast.Func("max", []string{"a", "b"},
		&ast.If{Cond: ast.Cmp(ast.Gt, a, b), Then: []ast.Stmt{ast.Ret(a)}, Else: []ast.Stmt{ast.Ret(b)}})
	_, opt, g := compileTiers(t, newLibrary(), body,
		site{2, ">", []object.ClassID{object.SmiCid, object.SmiCid}, operator})

	fused := false
	for _, id := range g.ReversePostorder() {
		if br, ok := g.Terminator(id).Inst.(*ir.Branch); ok && br.Comparison != nil {
			fused = true
		}
	}
	if !fused {
		t.Fatalf("comparison was not fused into the branch\n%s", g)
	}
	if opt.Stats.Calls != 0 {
		t.Errorf("fused compare made %d calls", opt.Stats.Calls)
	}
	if got, want := opt.Stats.EdgeJumps+opt.Stats.FallThroughs, edges(g); got != want {
		t.Errorf("edges realized = %d, want %d", got, want)
	}
}

func TestBailoutWithoutLocationSummary(t *testing.T) {
	lib := newLibrary()
	unopt := compileUnoptimized(t, build(t, lib, binaryBody(ast.Add), nil))
	g, pending := prepareOptimized(t, lib, binaryBody(ast.Add),
		site{2, "+", []object.ClassID{object.SmiCid, object.SmiCid}, operator})
	for _, id := range g.ReversePostorder() {
		for _, in := range g.Instructions(id) {
			if op, ok := ir.ComputationOf(in.Inst).(*ir.BinarySmiOp); ok {
				op.Op = ast.Div
			}
		}
	}
	_, err := Compile(g, Options{Target: sim.Target, Mode: Optimized, Constants: constants{}, Pending: pending, Unoptimized: unopt})
	if !errors.Is(err, ErrNoLocationSummary) {
		t.Fatalf("Compile = %v, want ErrNoLocationSummary", err)
	}
}

func TestScratchExhaustionFailsCompilation(t *testing.T) {
	c := &FlowGraphCompiler{t: sim.Target, a: sim.Target.NewAssembler(), opts: Options{Constants: constants{}}}
	c.current = &ir.Instr{ID: 7}
	c.free = append(c.free, sim.Target.Scratch...)

	seen := map[asm.Reg]bool{}
	for range sim.Target.Scratch {
		r := c.scratch()
		if seen[r] || r == sim.Target.Temp {
			t.Fatalf("scratch handed out %v twice or the reserved temp", r)
		}
		seen[r] = true
	}
	if c.err != nil {
		t.Fatalf("err = %v before exhaustion", c.err)
	}
	if r := c.scratch(); r != sim.Target.Temp {
		t.Errorf("exhausted scratch = %v, want Temp", r)
	}
	if !errors.Is(c.err, ErrNoLocationSummary) {
		t.Errorf("err = %v, want ErrNoLocationSummary", c.err)
	}
}

func TestOptimizedNeedsUnoptimizedCode(t *testing.T) {
	g := build(t, newLibrary(), binaryBody(ast.Add), nil)
	if _, err := NewFlowGraphCompiler(g, Options{Target: sim.Target, Mode: Optimized, Constants: constants{}}); err == nil {
		t.Fatal("optimized compiler accepted missing deopt targets")
	}
}

func TestPhasesRunInOrder(t *testing.T) {
	g := build(t, newLibrary(), binaryBody(ast.Add), nil)
	c, err := NewFlowGraphCompiler(g, Options{Target: sim.Target, Constants: constants{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Finalize(); err == nil {
		t.Error("Finalize before GenerateBlocks succeeded")
	}
	if err := c.GenerateBlocks(); err != nil {
		t.Fatal(err)
	}
	if err := c.GenerateBlocks(); err == nil {
		t.Error("second GenerateBlocks succeeded")
	}
	if err := c.GenerateDeferredCode(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Finalize(); err != nil {
		t.Fatal(err)
	}
}

func TestResolveMoves(t *testing.T) {
	r := func(n int) Location { return RegisterLocation(asm.Reg(n)) }
	tests := []struct {
		name  string
		moves []move
		// registers 1-4 start as 1-4; slots 0 and 1 hold 10 and 11 and
		// are read back into registers 5 and 6.
		want map[int]uint64
	}{
		{"swap", []move{{r(2), r(1)}, {r(1), r(2)}}, map[int]uint64{1: 2, 2: 1}},
		{"rotate", []move{{r(2), r(1)}, {r(3), r(2)}, {r(1), r(3)}}, map[int]uint64{1: 3, 2: 1, 3: 2}},
		{"chain", []move{{r(2), r(1)}, {r(3), r(2)}}, map[int]uint64{1: 1, 2: 1, 3: 2}},
		{"fan out", []move{{r(2), r(1)}, {r(3), r(1)}, {r(1), r(2)}}, map[int]uint64{1: 2, 2: 1, 3: 1}},
		{"slot swap", []move{{StackSlot(0), StackSlot(1)}, {StackSlot(1), StackSlot(0)}}, map[int]uint64{5: 11, 6: 10}},
		{"register and slot", []move{{StackSlot(0), r(1)}, {r(1), StackSlot(0)}}, map[int]uint64{1: 10, 5: 1}},
		{"constant", []move{{r(4), ConstantLocation(int64(21))}}, map[int]uint64{4: 42}},
		{"self", []move{{r(3), r(3)}}, map[int]uint64{3: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &FlowGraphCompiler{t: sim.Target, a: sim.Target.NewAssembler(), opts: Options{Constants: constants{}}}
			c.a.EnterFrame(2)
			for i := 1; i <= 4; i++ {
				c.a.LoadImmediate(asm.Reg(i), int64(i))
			}
			c.a.LoadImmediate(5, 10)
			c.a.Store(slotAddress(sim.FP, 0), 5)
			c.a.LoadImmediate(5, 11)
			c.a.Store(slotAddress(sim.FP, 1), 5)
			c.resolveMoves(tt.moves)
			c.a.Load(5, slotAddress(sim.FP, 0))
			c.a.Load(6, slotAddress(sim.FP, 1))
			c.a.LeaveFrame()
			c.a.Return()
			if c.err != nil {
				t.Fatal(c.err)
			}

			m := sim.NewMachine(sim.NewMemory(0x10000, 1<<12), &sim.Flat{Base: 0x1000, Bytes: c.a.Bytes()}, nil)
			m.MaxSteps = 1000
			if _, err := m.Invoke(0x1000); err != nil {
				t.Fatal(err)
			}
			for reg, want := range tt.want {
				if got := m.Regs[reg]; got != want {
					t.Errorf("r%d = %d, want %d", reg, got, want)
				}
			}
		})
	}
}

func TestVerify(t *testing.T) {
	valid := func() *Code {
		return &Code{
			Name:         "f",
			Optimized:    true,
			Instructions: make([]byte, 64),
			FrameSlots:   2,
			PcDescriptors: []PcDescriptor{
				{PC: 0, Kind: PcPatchCode, DeoptID: -1},
				{PC: 16, Kind: PcFuncCall, DeoptID: 3},
				{PC: 32, Kind: PcReturn},
			},
			StackMaps:         []StackMap{{PC: 16, Slots: ir.NewBitVector[int](2)}},
			ExceptionHandlers: []ExceptionHandler{{TryIndex: 0, HandlerPC: 40}},
			ObjectPool:        []CallSite{{Kind: StaticSite, Name: "g", Function: operator}},
		}
	}
	if err := valid().Verify(); err != nil {
		t.Fatalf("valid code: %v", err)
	}
	tests := []struct {
		name   string
		break_ func(c *Code)
		table  string
	}{
		{"descriptor past the end", func(c *Code) { c.PcDescriptors[2].PC = 100 }, "pc"},
		{"descriptors out of order", func(c *Code) { c.PcDescriptors[1].PC = 40 }, "pc"},
		{"stack map without call", func(c *Code) { c.StackMaps[0].PC = 20 }, "stackmap"},
		{"stack map too small", func(c *Code) { c.StackMaps[0].Slots = ir.NewBitVector[int](1) }, "stackmap"},
		{"stack map in unoptimized code", func(c *Code) { c.Optimized = false }, "stackmap"},
		{"duplicate handler", func(c *Code) {
			c.ExceptionHandlers = append(c.ExceptionHandlers, ExceptionHandler{TryIndex: 0, HandlerPC: 48})
		}, "handler"},
		{"handler outside code", func(c *Code) { c.ExceptionHandlers[0].HandlerPC = 64 }, "handler"},
		{"static site without function", func(c *Code) { c.ObjectPool[0].Function = nil }, "pool"},
		{"deopt info without return address", func(c *Code) {
			c.DeoptInfos = []*deopt.Info{{DeoptID: 3, ExprSize: 1}}
		}, "deopt"},
		{"deopt info reads past the frame", func(c *Code) {
			info := &deopt.Info{DeoptID: 3, ExprSize: 1}
			info.AddCopyStackSlot(0, 2)
			info.SetRetAddress(8)
			c.DeoptInfos = []*deopt.Info{info}
		}, "deopt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := valid()
			tt.break_(code)
			err := code.Verify()
			var ve *VerifyError
			if !errors.As(err, &ve) {
				t.Fatalf("Verify = %v, want a VerifyError", err)
			}
			if ve.Table != tt.table {
				t.Errorf("first error in table %q (%v), want %q", ve.Table, err, tt.table)
			}
		})
	}
}
