// Package codegen implements the flow graph compiler: it lowers a flow
// graph to machine code for an asm.Target and builds the side tables the
// runtime needs to walk, unwind and deoptimize the result.
//
// Design: one lowering serves both tiers. Unoptimized code gives every
// value a fixed frame temp; optimized code takes value homes from linear
// scan and guards its assumptions with deferred deopt stubs. Each
// instruction reads spilled or constant operands into a small scratch
// pool and writes its result to its home once every guard has passed.
package codegen

import (
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/regalloc"
	"github.com/GriffinCanCode/flowjit/pkg/deopt"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/logger"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// Mode selects the tier being generated.
type Mode uint8

const (
	Unoptimized Mode = iota
	Optimized
)

func (m Mode) String() string {
	if m == Optimized {
		return "optimized"
	}
	return "unoptimized"
}

// ConstantResolver turns literal values into tagged words. Heap constants
// must stay at a fixed address for the lifetime of the code.
type ConstantResolver interface {
	Constant(v any) (object.Word, error)
}

// Options configure one compilation.
type Options struct {
	Target    *asm.Target
	Mode      Mode
	Constants ConstantResolver
	// Pending and Unoptimized are required in optimized mode: deopt exits
	// rebuild the expression stack recorded in Pending and resume in
	// Unoptimized.
	Pending     deopt.PendingStacks
	Unoptimized *Code
	Comments    bool
}

type state uint8

const (
	stateInit state = iota
	stateBlocks
	stateDeferred
	stateFinalized
)

// FlowGraphCompiler generates code for one graph. It is single use and
// its phases run in order: blocks, deferred code, finalize.
type FlowGraphCompiler struct {
	g    *ir.Graph
	opts Options
	t    *asm.Target
	a    asm.Assembler

	state state
	order []ir.BlockID
	index map[ir.BlockID]int
	label map[ir.BlockID]*asm.Label

	live   *ir.Liveness
	alloc  *regalloc.Allocator
	homes  []Location
	locals int
	slots  int

	// per instruction
	current *ir.Instr
	free    []asm.Reg
	err     error

	// pushes outstanding on the machine stack
	depth      int
	entryDepth map[ir.BlockID]int

	trueWord, falseWord, nullWord object.Word

	pool        []CallSite
	descriptors []PcDescriptor
	stackMaps   []StackMap
	handlers    []ExceptionHandler
	stubs       []*deoptStub
	deoptInfos  []*deopt.Info
	stats       Stats
}

// NewFlowGraphCompiler prepares g for compilation. The graph must have
// its block order computed.
func NewFlowGraphCompiler(g *ir.Graph, opts Options) (*FlowGraphCompiler, error) {
	if opts.Target == nil || opts.Constants == nil {
		return nil, errors.New("codegen: target and constant resolver are required")
	}
	if opts.Mode == Optimized && (opts.Pending == nil || opts.Unoptimized == nil) {
		return nil, errors.Errorf("codegen %s: optimized code needs pending stacks and unoptimized code", g.Name)
	}
	c := &FlowGraphCompiler{
		g:          g,
		opts:       opts,
		t:          opts.Target,
		a:          opts.Target.NewAssembler(),
		order:      g.ReversePostorder(),
		index:      make(map[ir.BlockID]int),
		label:      make(map[ir.BlockID]*asm.Label),
		homes:      make([]Location, g.NumInstrs()),
		locals:     g.NumStackLocals(),
		entryDepth: make(map[ir.BlockID]int),
	}
	for i, b := range c.order {
		c.index[b] = i
		c.label[b] = asm.NewLabel()
	}
	var err error
	for _, w := range []struct {
		dst *object.Word
		val any
	}{{&c.trueWord, true}, {&c.falseWord, false}, {&c.nullWord, nil}} {
		if *w.dst, err = opts.Constants.Constant(w.val); err != nil {
			return nil, errors.Wrap(err, "codegen: resolve core constants")
		}
	}
	if err := c.allocateHomes(); err != nil {
		return nil, err
	}
	return c, nil
}

// Compile runs every phase and returns the finished code.
func Compile(g *ir.Graph, opts Options) (*Code, error) {
	c, err := NewFlowGraphCompiler(g, opts)
	if err != nil {
		return nil, err
	}
	if err := c.GenerateBlocks(); err != nil {
		return nil, err
	}
	if err := c.GenerateDeferredCode(); err != nil {
		return nil, err
	}
	return c.Finalize()
}

// allocateHomes assigns every value its home: a frame temp in
// unoptimized code, a register or spill slot in optimized code.
func (c *FlowGraphCompiler) allocateHomes() error {
	if c.opts.Mode == Unoptimized {
		for id := 0; id < c.g.NumInstrs(); id++ {
			if in := c.g.Instr(ir.InstrID(id)); in.Temp >= 0 {
				c.homes[id] = StackSlot(c.locals + in.Temp)
			}
		}
		c.slots = c.locals + c.g.NumTemps
		return nil
	}

	c.live = c.g.ComputeLiveness()
	c.alloc = regalloc.NewAllocator(c.g, c.live, c.order, &regalloc.Config{
		Available: c.t.Allocatable,
		IsCall: func(in *ir.Instr) bool {
			s, err := Summarize(in)
			return err == nil && s.Call
		},
	})
	if err := c.alloc.Allocate(); err != nil {
		return errors.Wrapf(err, "codegen %s", c.g.Name)
	}
	for _, iv := range c.alloc.Intervals() {
		if iv.InRegister() {
			c.homes[iv.Value] = RegisterLocation(iv.Reg)
		} else {
			c.homes[iv.Value] = StackSlot(c.locals + iv.Spill)
		}
	}
	c.slots = c.locals + c.alloc.NumSpillSlots()
	return nil
}

// Home returns the location assigned to a value.
func (c *FlowGraphCompiler) Home(id ir.InstrID) Location { return c.homes[id] }

func (c *FlowGraphCompiler) locationOf(v ir.Value) Location {
	switch v := v.(type) {
	case ir.Use:
		return c.homes[v.Def]
	case ir.Const:
		return ConstantLocation(v.Val)
	}
	return Location{}
}

// GenerateBlocks emits every block in reverse postorder.
func (c *FlowGraphCompiler) GenerateBlocks() error {
	if c.state != stateInit {
		return errors.Errorf("codegen %s: blocks already generated", c.g.Name)
	}
	c.state = stateBlocks
	for _, b := range c.order {
		if err := c.emitBlock(b); err != nil {
			return errors.Wrapf(err, "codegen %s B%d", c.g.Name, b)
		}
	}
	return nil
}

func (c *FlowGraphCompiler) emitBlock(b ir.BlockID) error {
	blk := c.g.Block(b)
	c.stats.Blocks++
	c.a.Bind(c.label[b])
	c.depth = c.entryDepth[b]
	if blk.IsCatchEntry() {
		c.handlers = append(c.handlers, ExceptionHandler{TryIndex: blk.CatchTryIndex, HandlerPC: c.a.Offset()})
		c.depth = 0
	}
	for _, in := range c.g.Instructions(b) {
		if c.opts.Comments && !ir.IsBlockEntry(in.Inst) {
			c.a.Comment("%s", c.g.FormatInstr(in.ID))
		}
		if err := c.emitInstruction(in); err != nil {
			return err
		}
	}
	return nil
}

// next is the block laid out after the current one.
func (c *FlowGraphCompiler) next() ir.BlockID {
	i := c.index[c.current.Block] + 1
	if i < len(c.order) {
		return c.order[i]
	}
	return ir.NoBlock
}

func (c *FlowGraphCompiler) emitInstruction(in *ir.Instr) error {
	s, err := Summarize(in)
	if err != nil {
		return err
	}
	if s.Inputs+s.Temps > len(c.t.Scratch) {
		return errors.Wrapf(ErrNoLocationSummary, "v%d needs %d scratch registers", in.ID, s.Inputs+s.Temps)
	}
	c.current = in
	c.free = append(c.free[:0], c.t.Scratch...)

	switch inst := in.Inst.(type) {
	case *ir.GraphEntry:
		c.emitPrologue(inst)
	case *ir.JoinEntry, *ir.TargetEntry, *ir.Phi:
	case *ir.PushArgument:
		c.a.Push(c.use(inst.Value))
		c.depth++
	case *ir.Bind:
		if out := c.emitComputation(in, inst.Comp); out != asm.NoReg {
			c.define(in, out)
		}
	case *ir.Do:
		c.emitComputation(in, inst.Comp)
	case *ir.Branch:
		c.emitBranch(in, inst)
	case *ir.Goto:
		c.emitGoto(in, inst)
	case *ir.Return:
		c.a.Move(c.t.Result, c.use(inst.Value))
		c.record(PcReturn, inst.DeoptID, inst.TokenPos)
		c.a.LeaveFrame()
		c.a.Return()
	case *ir.Throw:
		c.emitThrow(inst.Exception, asm.Throw, inst.DeoptID, inst.TokenPos)
	case *ir.ReThrow:
		c.emitThrow(inst.Exception, asm.ReThrow, inst.DeoptID, inst.TokenPos)
	default:
		return errors.Wrapf(ErrNoLocationSummary, "v%d: %T", in.ID, in.Inst)
	}
	err, c.err = c.err, nil
	return err
}

func (c *FlowGraphCompiler) emitPrologue(ge *ir.GraphEntry) {
	c.record(PcPatchCode, -1, 0)
	c.a.PatchableEntry()
	c.a.EnterFrame(c.slots)
	if c.locals > 0 {
		r := c.scratch()
		c.loadWord(r, c.nullWord)
		for i := 0; i < c.locals; i++ {
			c.a.Store(slotAddress(c.t.FP, i), r)
		}
	}
	c.edge(ge.Normal)
}

func (c *FlowGraphCompiler) emitThrow(v ir.Value, e asm.RuntimeEntry, deoptID, pos int) {
	c.a.Move(c.t.Result, c.use(v))
	c.callRuntime(e, deoptID, pos)
}

// fail records the first error of the current instruction.
func (c *FlowGraphCompiler) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// scratch hands out a register for the rest of the current instruction.
// Running out fails the compilation and hands back Temp so emission can
// finish the instruction.
func (c *FlowGraphCompiler) scratch() asm.Reg {
	if len(c.free) == 0 {
		c.fail(errors.Wrapf(ErrNoLocationSummary, "v%d: scratch registers exhausted", c.current.ID))
		return c.t.Temp
	}
	r := c.free[0]
	c.free = c.free[1:]
	return r
}

func (c *FlowGraphCompiler) loadWord(r asm.Reg, w object.Word) {
	c.a.LoadImmediate(r, int64(w))
}

func (c *FlowGraphCompiler) loadConstant(r asm.Reg, val any) {
	w, err := c.opts.Constants.Constant(val)
	if err != nil {
		c.fail(errors.Wrapf(err, "constant %v", val))
		return
	}
	c.loadWord(r, w)
}

// use returns a register holding v. Register homes are returned as is and
// must not be written.
func (c *FlowGraphCompiler) use(v ir.Value) asm.Reg {
	loc := c.locationOf(v)
	switch loc.Kind {
	case RegisterLoc:
		return loc.Reg
	case StackSlotLoc:
		r := c.scratch()
		c.a.Load(r, slotAddress(c.t.FP, loc.Slot))
		return r
	case ConstantLoc:
		r := c.scratch()
		c.loadConstant(r, loc.Const)
		return r
	}
	c.fail(errors.Errorf("v%d reads %s which has no home", c.current.ID, v))
	return c.scratch()
}

// useCopy returns a scratch register holding v that may be clobbered.
func (c *FlowGraphCompiler) useCopy(v ir.Value) asm.Reg {
	if loc := c.locationOf(v); loc.Kind != RegisterLoc {
		return c.use(v)
	}
	r := c.scratch()
	c.a.Move(r, c.use(v))
	return r
}

// copyReg moves src into a fresh scratch register.
func (c *FlowGraphCompiler) copyReg(src asm.Reg) asm.Reg {
	r := c.scratch()
	c.a.Move(r, src)
	return r
}

// define writes the result of in to its home.
func (c *FlowGraphCompiler) define(in *ir.Instr, r asm.Reg) {
	switch home := c.homes[in.ID]; home.Kind {
	case RegisterLoc:
		c.a.Move(home.Reg, r)
	case StackSlotLoc:
		c.a.Store(slotAddress(c.t.FP, home.Slot), r)
	}
}

func (c *FlowGraphCompiler) localAddress(l *ir.Local) asm.Address {
	return asm.Address{Base: c.t.FP, Offset: l.Offset()}
}

func (c *FlowGraphCompiler) tryIndex() int {
	return c.g.Block(c.current.Block).TryIndex
}

// record adds a PC descriptor at the current offset.
func (c *FlowGraphCompiler) record(kind DescriptorKind, deoptID, pos int) {
	c.descriptors = append(c.descriptors, PcDescriptor{
		PC:       c.a.Offset(),
		Kind:     kind,
		DeoptID:  deoptID,
		TokenPos: pos,
		TryIndex: c.tryIndex(),
	})
}

// afterCall records the return address of the call just emitted.
func (c *FlowGraphCompiler) afterCall(kind DescriptorKind, deoptID, pos int) {
	c.stats.Calls++
	c.record(kind, deoptID, pos)
	if c.opts.Mode == Optimized {
		c.recordStackMap()
	}
}

// recordStackMap marks the locals, the spill slots live across the
// current call and the outgoing arguments.
func (c *FlowGraphCompiler) recordStackMap() {
	bits := ir.NewBitVector[int](c.slots + c.depth)
	for i := 0; i < c.locals; i++ {
		bits.Add(i)
	}
	pos := c.alloc.Position(c.current.ID)
	for _, iv := range c.alloc.Intervals() {
		if !iv.InRegister() && iv.Start < pos && pos < iv.End {
			bits.Add(c.locals + iv.Spill)
		}
	}
	for i := 0; i < c.depth; i++ {
		bits.Add(c.slots + i)
	}
	c.stackMaps = append(c.stackMaps, StackMap{PC: c.a.Offset(), Slots: bits})
}

func (c *FlowGraphCompiler) addSite(s CallSite) int {
	c.pool = append(c.pool, s)
	return len(c.pool) - 1
}

func (c *FlowGraphCompiler) dropArguments(n int) {
	if n > 0 {
		c.a.AddImmediate(c.t.SP, int32(object.WordSize*n))
		c.depth -= n
	}
}

func (c *FlowGraphCompiler) callRuntime(e asm.RuntimeEntry, deoptID, pos int) {
	c.a.CallRuntime(e)
	c.afterCall(PcRuntimeCall, deoptID, pos)
}

// GenerateDeferredCode emits the deopt stubs collected while generating
// blocks.
func (c *FlowGraphCompiler) GenerateDeferredCode() error {
	if c.state != stateBlocks {
		return errors.Errorf("codegen %s: deferred code out of order", c.g.Name)
	}
	c.state = stateDeferred
	for _, s := range c.stubs {
		c.emitDeoptStub(s)
	}
	return nil
}

// Finalize builds the immutable tables and the code object.
func (c *FlowGraphCompiler) Finalize() (*Code, error) {
	if c.state != stateDeferred {
		return nil, errors.Errorf("codegen %s: finalize out of order", c.g.Name)
	}
	c.state = stateFinalized
	code := &Code{
		Function:     c.g.Function,
		Name:         c.g.Name,
		Optimized:    c.opts.Mode == Optimized,
		Target:       c.t.Name,
		Instructions: c.a.Bytes(),
		FrameSlots:   c.slots,
		NumLocals:    c.locals,
		NumTemps:     c.g.NumTemps,
		ObjectPool:   c.pool,
		DeoptInfos:   c.deoptInfos,
		Stats:        c.stats,
	}
	code.PcDescriptors = c.finalizePcDescriptors()
	code.StackMaps = c.finalizeStackmaps()
	code.VarDescriptors = c.finalizeVarDescriptors()
	code.ExceptionHandlers = c.finalizeExceptionHandlers()
	code.Comments = c.finalizeComments()
	if err := code.Verify(); err != nil {
		return nil, err
	}
	logger.LogCodeGen(c.t.Name, c.g.Name, code.Size(), code.Optimized)
	return code, nil
}

func (c *FlowGraphCompiler) finalizePcDescriptors() []PcDescriptor {
	return append([]PcDescriptor(nil), c.descriptors...)
}

func (c *FlowGraphCompiler) finalizeStackmaps() []StackMap {
	if c.opts.Mode == Unoptimized {
		return nil
	}
	return append([]StackMap(nil), c.stackMaps...)
}

func (c *FlowGraphCompiler) finalizeVarDescriptors() []VarDescriptor {
	out := make([]VarDescriptor, 0, len(c.g.Locals))
	for _, l := range c.g.Locals {
		out = append(out, VarDescriptor{Name: l.Name, Kind: StackVar, Index: l.Index, BeginPos: l.Pos, EndPos: l.End})
	}
	return out
}

func (c *FlowGraphCompiler) finalizeExceptionHandlers() []ExceptionHandler {
	return append([]ExceptionHandler(nil), c.handlers...)
}

func (c *FlowGraphCompiler) finalizeComments() []asm.Comment {
	if !c.opts.Comments {
		return nil
	}
	return c.a.Comments()
}
