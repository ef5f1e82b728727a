package ir

import (
	"github.com/pkg/errors"
)

// Verify checks the structural invariants of the graph: block shape, phi
// placement and arity, argument wiring and dominance of every use.
// ComputeOrder and ComputeDominators must have run.
func (g *Graph) Verify() error {
	for _, id := range g.ReversePostorder() {
		blk := g.blocks[id]
		instrs := g.Instructions(id)
		if !IsBlockEntry(instrs[0].Inst) {
			return errors.Wrapf(ErrMalformedGraph, "B%d does not start with an entry", id)
		}
		if blk.Kind != GraphEntryBlock && !IsTerminator(g.instrs[blk.Last].Inst) {
			return errors.Wrapf(ErrMalformedGraph, "B%d has no terminator", id)
		}
		for i, in := range instrs {
			if in.Removed {
				return errors.Wrapf(ErrMalformedGraph, "removed v%d still linked in B%d", in.ID, id)
			}
			if in.Block != id {
				return errors.Wrapf(ErrMalformedGraph, "v%d linked in B%d but owned by B%d", in.ID, id, in.Block)
			}
			if i > 0 && IsBlockEntry(in.Inst) {
				return errors.Wrapf(ErrMalformedGraph, "entry v%d in the middle of B%d", in.ID, id)
			}
			if i < len(instrs)-1 && IsTerminator(in.Inst) {
				return errors.Wrapf(ErrMalformedGraph, "terminator v%d in the middle of B%d", in.ID, id)
			}
			if err := g.verifyUses(in); err != nil {
				return err
			}
		}
		if len(blk.Phis) > 0 && blk.Kind != JoinBlock {
			return errors.Wrapf(ErrMalformedGraph, "phi in non-join B%d", id)
		}
		for _, phiID := range blk.Phis {
			phi := g.instrs[phiID].Inst.(*Phi)
			if len(phi.Inputs) != len(blk.Preds) {
				return errors.Wrapf(ErrMalformedGraph, "phi v%d has %d inputs for %d predecessors",
					phiID, len(phi.Inputs), len(blk.Preds))
			}
			for i, v := range phi.Inputs {
				u, ok := v.(Use)
				if !ok {
					continue
				}
				pred := blk.Preds[i]
				if !g.DefDominates(u.Def, g.blocks[pred].Last) {
					return errors.Wrapf(ErrMalformedGraph, "phi v%d input v%d does not dominate B%d", phiID, u.Def, pred)
				}
			}
		}
	}
	return nil
}

func (g *Graph) verifyUses(in *Instr) error {
	for _, v := range g.InputsOf(in) {
		if v == nil {
			return errors.Wrapf(ErrMalformedGraph, "v%d has a nil input", in.ID)
		}
		u, ok := v.(Use)
		if !ok {
			continue
		}
		if int(u.Def) >= len(g.instrs) || !IsDefinition(g.instrs[u.Def]) {
			return errors.Wrapf(ErrMalformedGraph, "v%d uses non-definition v%d", in.ID, u.Def)
		}
		if !g.DefDominates(u.Def, in.ID) {
			return errors.Wrapf(ErrMalformedGraph, "v%d is not dominated by its input v%d", in.ID, u.Def)
		}
	}
	comp := ComputationOf(in.Inst)
	if comp == nil {
		return nil
	}
	for _, arg := range comp.Arguments() {
		a := g.instrs[arg]
		if _, ok := a.Inst.(*PushArgument); !ok || a.Removed {
			return errors.Wrapf(ErrMalformedGraph, "v%d argument v%d is not a live push", in.ID, arg)
		}
		if !g.DefDominates(arg, in.ID) {
			return errors.Wrapf(ErrMalformedGraph, "v%d argument v%d does not precede it", in.ID, arg)
		}
	}
	return nil
}
