package deopt

import (
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/ir"
)

// PendingStacks maps a deopt id to the PushArgument instructions on the
// unoptimized expression stack just before that computation runs, oldest
// first. A dispatching computation's own arguments are on top.
type PendingStacks map[int][]ir.InstrID

// ComputePending simulates the expression stack of unoptimized code. It
// must run before the optimizer removes any push.
func ComputePending(g *ir.Graph) (PendingStacks, error) {
	out := make(PendingStacks)
	entry := make(map[ir.BlockID][]ir.InstrID)
	seen := make(map[ir.BlockID]bool)

	for _, id := range g.ReversePostorder() {
		stack := append([]ir.InstrID(nil), entry[id]...)
		for _, in := range g.Instructions(id) {
			if in.Removed {
				continue
			}
			if _, ok := in.Inst.(*ir.PushArgument); ok {
				stack = append(stack, in.ID)
				continue
			}
			comp := ir.ComputationOf(in.Inst)
			if comp == nil {
				continue
			}
			out[comp.Base().DeoptID] = append([]ir.InstrID(nil), stack...)
			args := comp.Arguments()
			if len(args) > len(stack) {
				return nil, errors.Wrapf(ir.ErrMalformedGraph, "v%d consumes %d arguments, %d pushed", in.ID, len(args), len(stack))
			}
			top := stack[len(stack)-len(args):]
			for i, a := range args {
				if top[i] != a {
					return nil, errors.Wrapf(ir.ErrMalformedGraph, "v%d argument %d is v%d, stack has v%d", in.ID, i, a, top[i])
				}
			}
			stack = stack[:len(stack)-len(args)]
		}
		for _, s := range g.Successors(id) {
			if g.Block(s).IsCatchEntry() {
				continue
			}
			if !seen[s] {
				seen[s] = true
				entry[s] = stack
				continue
			}
			if len(entry[s]) != len(stack) {
				return nil, errors.Wrapf(ir.ErrMalformedGraph, "B%d entered with %d and %d pending arguments", s, len(entry[s]), len(stack))
			}
		}
	}
	return out, nil
}
