package codegen

import (
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
	"github.com/GriffinCanCode/flowjit/pkg/deopt"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// condition is the outcome of a comparison left in the flags. Double
// compares also set parity on unordered operands, which holds or fails
// the condition as unordered says.
type condition struct {
	cond      asm.Cond
	fpu       bool
	unordered bool
}

func (k condition) negate() condition {
	return condition{cond: k.cond.Negate(), fpu: k.fpu, unordered: !k.unordered}
}

var smiConditions = map[ast.Token]asm.Cond{
	ast.Lt:  asm.Less,
	ast.Lte: asm.LessEqual,
	ast.Gt:  asm.Greater,
	ast.Gte: asm.GreaterEqual,
	ast.Eq:  asm.Equal,
	ast.Ne:  asm.NotEqual,
}

// isTrue compares v against the true object.
func (c *FlowGraphCompiler) isTrue(v asm.Reg) condition {
	c.loadWord(c.t.Temp, c.trueWord)
	c.a.Compare(v, c.t.Temp)
	return condition{cond: asm.Equal}
}

// comparison sets the flags for a comparison that does not call out.
func (c *FlowGraphCompiler) comparison(comp ir.Computation) condition {
	switch comp := comp.(type) {
	case *ir.StrictCompare:
		l, r := c.use(comp.Left), c.use(comp.Right)
		c.a.Compare(l, r)
		if comp.Op == ast.NeStrict {
			return condition{cond: asm.NotEqual}
		}
		return condition{cond: asm.Equal}
	case *ir.BooleanNegate:
		return c.isTrue(c.use(comp.Value)).negate()
	case *ir.RelationalOp:
		return c.numericComparison(comp, comp.Op, comp.Left, comp.Right, comp.OperandsClass)
	case *ir.EqualityCompare:
		return c.numericComparison(comp, comp.Op, comp.Left, comp.Right, comp.OperandsClass)
	}
	c.fail(errors.Wrapf(ErrNoLocationSummary, "v%d: %s is not a comparison", c.current.ID, comp.Name()))
	return condition{cond: asm.Equal}
}

func (c *FlowGraphCompiler) numericComparison(comp ir.Computation, op ast.Token, left, right ir.Value, cid object.ClassID) condition {
	l, r := c.use(left), c.use(right)
	exit := c.deoptExit(deopt.ClassCheckReason(comp))
	if cid == object.SmiCid {
		c.checkSmis(exit, l, r)
		c.a.Compare(l, r)
		return condition{cond: smiConditions[op]}
	}

	c.checkClass(l, object.DoubleCid, exit)
	c.checkClass(r, object.DoubleCid, exit)
	f0, f1 := c.t.FpuResult, c.t.FpuResult+1
	c.a.LoadDouble(f0, boxValue(l))
	c.a.LoadDouble(f1, boxValue(r))
	// Unordered compares clear above and above-or-equal, so ordering
	// tests are written with the larger operand first.
	switch op {
	case ast.Lt:
		c.a.CompareDouble(f1, f0)
		return condition{cond: asm.Above, fpu: true}
	case ast.Lte:
		c.a.CompareDouble(f1, f0)
		return condition{cond: asm.AboveEqual, fpu: true}
	case ast.Gt:
		c.a.CompareDouble(f0, f1)
		return condition{cond: asm.Above, fpu: true}
	case ast.Gte:
		c.a.CompareDouble(f0, f1)
		return condition{cond: asm.AboveEqual, fpu: true}
	case ast.Ne:
		c.a.CompareDouble(f0, f1)
		return condition{cond: asm.NotEqual, fpu: true, unordered: true}
	}
	c.a.CompareDouble(f0, f1)
	return condition{cond: asm.Equal, fpu: true}
}

// materialize turns a condition into the true or false object.
func (c *FlowGraphCompiler) materialize(k condition) asm.Reg {
	out := c.scratch()
	isTrue, done := asm.NewLabel(), asm.NewLabel()
	c.loadWord(out, c.falseWord)
	if k.fpu {
		if k.unordered {
			c.a.JumpIf(asm.ParityEven, isTrue)
		} else {
			c.a.JumpIf(asm.ParityEven, done)
		}
	}
	c.a.JumpIf(k.cond.Negate(), done)
	c.a.Bind(isTrue)
	c.loadWord(out, c.trueWord)
	c.a.Bind(done)
	return out
}

func (c *FlowGraphCompiler) emitBranch(in *ir.Instr, br *ir.Branch) {
	var k condition
	if br.Comparison != nil {
		k = c.comparison(br.Comparison)
	} else {
		k = c.isTrue(c.use(br.Value))
	}
	c.entryDepth[br.True] = c.depth
	c.entryDepth[br.False] = c.depth
	if k.fpu {
		unordered := br.False
		if k.unordered {
			unordered = br.True
		}
		c.a.JumpIf(asm.ParityEven, c.label[unordered])
	}
	switch next := c.next(); next {
	case br.True:
		c.a.JumpIf(k.cond.Negate(), c.label[br.False])
		c.stats.EdgeJumps++
		c.stats.FallThroughs++
	case br.False:
		c.a.JumpIf(k.cond, c.label[br.True])
		c.stats.EdgeJumps++
		c.stats.FallThroughs++
	default:
		c.a.JumpIf(k.cond, c.label[br.True])
		c.a.Jump(c.label[br.False])
		c.stats.EdgeJumps += 2
	}
}

// emitGoto resolves the phis of the target for this edge and leaves the
// block.
func (c *FlowGraphCompiler) emitGoto(in *ir.Instr, g *ir.Goto) {
	target := c.g.Block(g.Target)
	if len(target.Phis) > 0 {
		pred := -1
		for i, p := range target.Preds {
			if p == in.Block {
				pred = i
				break
			}
		}
		if pred < 0 {
			c.fail(errors.Errorf("B%d is not a predecessor of B%d", in.Block, g.Target))
			return
		}
		moves := make([]move, 0, len(target.Phis))
		for _, id := range target.Phis {
			phi := c.g.Instr(id).Inst.(*ir.Phi)
			moves = append(moves, move{dst: c.homes[id], src: c.locationOf(phi.Inputs[pred])})
		}
		c.resolveMoves(moves)
	}
	c.edge(g.Target)
}

// edge leaves the current block for target, falling through when it is
// laid out next.
func (c *FlowGraphCompiler) edge(target ir.BlockID) {
	c.entryDepth[target] = c.depth
	if target == c.next() {
		c.stats.FallThroughs++
		return
	}
	c.a.Jump(c.label[target])
	c.stats.EdgeJumps++
}
