package optimizer

import (
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// fuseComparisons folds a comparison into the branch right after it when
// the branch is the only reader of the boolean.
func (o *optimizer) fuseComparisons() error {
	for _, id := range o.g.ReversePostorder() {
		term := o.g.Terminator(id)
		br, ok := term.Inst.(*ir.Branch)
		if !ok || br.Comparison != nil {
			continue
		}
		use, ok := br.Value.(ir.Use)
		if !ok || term.Prev != use.Def {
			continue
		}
		bind, ok := o.g.Instr(use.Def).Inst.(*ir.Bind)
		if !ok || !fusable(bind.Comp) {
			continue
		}
		if uses := o.g.Uses(use.Def); len(uses) != 1 || uses[0] != term.ID {
			continue
		}
		br.Comparison = bind.Comp
		br.Value = nil
		if err := o.g.RemoveFromGraph(use.Def); err != nil {
			return err
		}
		o.changes++
		if o.opts.Trace {
			comp := br.Comparison
			o.log(comp.Base().DeoptID, comp.Name(), "Branch("+comp.Name()+")")
		}
	}
	return nil
}

// fusable accepts comparisons that neither call out nor raise.
func fusable(c ir.Computation) bool {
	switch c := c.(type) {
	case *ir.StrictCompare:
		return true
	case *ir.RelationalOp:
		return c.OperandsClass != object.IllegalCid
	case *ir.EqualityCompare:
		return c.OperandsClass != object.IllegalCid
	}
	return false
}
