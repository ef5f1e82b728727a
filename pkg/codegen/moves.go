package codegen

import (
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
)

type move struct {
	dst, src Location
}

// resolveMoves performs moves as one parallel assignment: every
// destination receives the value its source held before any move ran.
// A move is emitted once no other pending move still reads its
// destination; a cycle is broken by parking one destination in Temp.
func (c *FlowGraphCompiler) resolveMoves(moves []move) {
	pending := make([]move, 0, len(moves))
	for _, m := range moves {
		if m.dst.Kind == Unallocated {
			c.fail(errors.Errorf("move of %s into a value with no home", m.src))
			return
		}
		if !m.dst.Same(m.src) {
			pending = append(pending, m)
		}
	}
	for len(pending) > 0 {
		progress := false
		for i := 0; i < len(pending); {
			if readsLocation(pending, i, pending[i].dst) {
				i++
				continue
			}
			c.emitMove(pending[i].dst, pending[i].src)
			pending = append(pending[:i], pending[i+1:]...)
			progress = true
		}
		if progress {
			continue
		}
		parked := pending[0].dst
		temp := RegisterLocation(c.t.Temp)
		c.emitMove(temp, parked)
		for i := range pending {
			if pending[i].src.Same(parked) {
				pending[i].src = temp
			}
		}
	}
}

// readsLocation reports whether a pending move other than skip reads loc.
func readsLocation(pending []move, skip int, loc Location) bool {
	for i, m := range pending {
		if i != skip && m.src.Same(loc) {
			return true
		}
	}
	return false
}

func (c *FlowGraphCompiler) emitMove(dst, src Location) {
	var r asm.Reg
	switch src.Kind {
	case RegisterLoc:
		r = src.Reg
	case StackSlotLoc:
		r = c.moveScratch(dst)
		c.a.Load(r, slotAddress(c.t.FP, src.Slot))
	case ConstantLoc:
		r = c.moveScratch(dst)
		c.loadConstant(r, src.Const)
	default:
		c.fail(errors.Errorf("move from %s", src))
		return
	}
	switch dst.Kind {
	case RegisterLoc:
		if r != dst.Reg {
			c.a.Move(dst.Reg, r)
		}
	case StackSlotLoc:
		c.a.Store(slotAddress(c.t.FP, dst.Slot), r)
	}
}

// moveScratch picks the register a memory or constant source is loaded
// into: the destination itself when it is a register.
func (c *FlowGraphCompiler) moveScratch(dst Location) asm.Reg {
	if dst.Kind == RegisterLoc {
		return dst.Reg
	}
	return c.t.Scratch[0]
}
