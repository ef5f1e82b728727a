package ir

import (
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// Graph is the flow graph of one function body.
type Graph struct {
	Name      string
	Function  *object.Function
	NumParams int
	Locals    []*Local // parameters first, then stack locals
	NumTemps  int
	NumTries  int
	Entry     BlockID

	instrs []*Instr
	blocks []*Block

	preorder  []BlockID
	postorder []BlockID
}

// NewGraph creates an empty graph.
func NewGraph(name string, fn *object.Function) *Graph {
	return &Graph{Name: name, Function: fn, Entry: NoBlock}
}

// NumStackLocals counts the locals living below the frame pointer.
func (g *Graph) NumStackLocals() int {
	n := 0
	for _, l := range g.Locals {
		if !l.IsParam {
			n++
		}
	}
	return n
}

func (g *Graph) Instr(id InstrID) *Instr { return g.instrs[id] }
func (g *Graph) Block(id BlockID) *Block { return g.blocks[id] }
func (g *Graph) NumInstrs() int          { return len(g.instrs) }
func (g *Graph) NumBlocks() int          { return len(g.blocks) }

// Def returns the instruction a Use refers to, or nil for constants.
func (g *Graph) Def(v Value) *Instr {
	if u, ok := v.(Use); ok {
		return g.instrs[u.Def]
	}
	return nil
}

// NewBlock allocates a block and its entry instruction.
func (g *Graph) NewBlock(kind BlockKind, tryIndex int) *Block {
	b := &Block{
		ID:            BlockID(len(g.blocks)),
		Kind:          kind,
		TryIndex:      tryIndex,
		CatchTryIndex: NoTryIndex,
		Idom:          NoBlock,
	}
	g.blocks = append(g.blocks, b)
	var entry Inst
	switch kind {
	case GraphEntryBlock:
		entry = &GraphEntry{Normal: NoBlock}
	case JoinBlock:
		entry = &JoinEntry{}
	default:
		entry = &TargetEntry{}
	}
	e := g.newInstr(b.ID, entry)
	b.Entry, b.Last = e.ID, e.ID
	return b
}

func (g *Graph) newInstr(block BlockID, inst Inst) *Instr {
	in := &Instr{
		ID:    InstrID(len(g.instrs)),
		Block: block,
		Prev:  NoInstr,
		Next:  NoInstr,
		Inst:  inst,
		Temp:  -1,
	}
	g.instrs = append(g.instrs, in)
	return in
}

// Append links inst at the end of block b.
func (g *Graph) Append(b BlockID, inst Inst) InstrID {
	blk := g.blocks[b]
	in := g.newInstr(b, inst)
	last := g.instrs[blk.Last]
	last.Next = in.ID
	in.Prev = last.ID
	blk.Last = in.ID
	switch t := inst.(type) {
	case *Goto:
		g.addPred(t.Target, b)
	case *Branch:
		g.addPred(t.True, b)
		g.addPred(t.False, b)
	}
	return in.ID
}

func (g *Graph) addPred(target, pred BlockID) {
	g.blocks[target].Preds = append(g.blocks[target].Preds, pred)
}

// AddPhi creates a phi in join block b.
func (g *Graph) AddPhi(b BlockID, inputs []Value) InstrID {
	in := g.newInstr(b, &Phi{Inputs: inputs})
	g.blocks[b].Phis = append(g.blocks[b].Phis, in.ID)
	return in.ID
}

// Instructions lists the linked instructions of b from entry to last.
func (g *Graph) Instructions(b BlockID) []*Instr {
	var out []*Instr
	for id := g.blocks[b].Entry; id != NoInstr; id = g.instrs[id].Next {
		out = append(out, g.instrs[id])
	}
	return out
}

// Terminator returns the last instruction of b.
func (g *Graph) Terminator(b BlockID) *Instr { return g.instrs[g.blocks[b].Last] }

// Successors returns the successor blocks of b in edge order. The graph
// entry's successors are the normal entry followed by every catch entry.
func (g *Graph) Successors(b BlockID) []BlockID {
	blk := g.blocks[b]
	if blk.Kind == GraphEntryBlock {
		ge := g.instrs[blk.Entry].Inst.(*GraphEntry)
		out := []BlockID{ge.Normal}
		return append(out, ge.CatchEntries...)
	}
	switch t := g.instrs[blk.Last].Inst.(type) {
	case *Goto:
		return []BlockID{t.Target}
	case *Branch:
		return []BlockID{t.True, t.False}
	}
	return nil
}

// GraphEntry returns the payload of the entry block.
func (g *Graph) GraphEntry() *GraphEntry {
	return g.instrs[g.blocks[g.Entry].Entry].Inst.(*GraphEntry)
}

// RemoveFromGraph unlinks an instruction. Block entries, terminators and
// instructions that may raise cannot be removed. The caller must already
// have re-pointed every use of the instruction.
func (g *Graph) RemoveFromGraph(id InstrID) error {
	in := g.instrs[id]
	if in.Removed {
		return errors.Wrapf(ErrMalformedGraph, "v%d removed twice", id)
	}
	switch inst := in.Inst.(type) {
	case *GraphEntry, *JoinEntry, *TargetEntry, *Branch, *Goto, *Return, *Throw, *ReThrow, *Phi:
		return errors.Wrapf(ErrMalformedGraph, "cannot remove %T v%d", inst, id)
	case *Bind:
		if mayRaise(inst.Comp) {
			return errors.Wrapf(ErrMalformedGraph, "cannot remove raising %s v%d", inst.Comp.Name(), id)
		}
	case *Do:
		if mayRaise(inst.Comp) {
			return errors.Wrapf(ErrMalformedGraph, "cannot remove raising %s v%d", inst.Comp.Name(), id)
		}
	}
	if IsDefinition(in) {
		if uses := g.Uses(id); len(uses) > 0 {
			return errors.Wrapf(ErrMalformedGraph, "v%d still used by v%d", id, uses[0])
		}
	}
	blk := g.blocks[in.Block]
	prev := g.instrs[in.Prev]
	prev.Next = in.Next
	if in.Next != NoInstr {
		g.instrs[in.Next].Prev = in.Prev
	} else {
		blk.Last = in.Prev
	}
	in.Prev, in.Next = NoInstr, NoInstr
	in.Removed = true
	return nil
}

// mayRaise reports whether c can throw in its current form. Fused
// comparisons are removed from their Bind after specialization, so only
// computations that call out or check operands count.
func mayRaise(c Computation) bool {
	switch c := c.(type) {
	case *Constant, *LoadLocal, *StoreLocal, *StrictCompare, *BooleanNegate:
		return false
	case *RelationalOp:
		return c.OperandsClass == object.IllegalCid
	case *EqualityCompare:
		return c.OperandsClass == object.IllegalCid
	}
	return true
}

// Uses lists the instructions that read the value defined by def, including
// pushes, phis and fused branches.
func (g *Graph) Uses(def InstrID) []InstrID {
	var out []InstrID
	for _, in := range g.instrs {
		if in.Removed {
			continue
		}
		for _, v := range g.InputsOf(in) {
			if u, ok := v.(Use); ok && u.Def == def {
				out = append(out, in.ID)
				break
			}
		}
	}
	return out
}

// InputsOf returns the value operands an instruction reads directly.
func (g *Graph) InputsOf(in *Instr) []Value {
	var out []Value
	switch inst := in.Inst.(type) {
	case *Bind:
		out = derefAll(inst.Comp.Inputs())
	case *Do:
		out = derefAll(inst.Comp.Inputs())
	case *Phi:
		out = append(out, inst.Inputs...)
	case *PushArgument:
		out = append(out, inst.Value)
	case *Branch:
		if inst.Comparison != nil {
			out = derefAll(inst.Comparison.Inputs())
		} else {
			out = append(out, inst.Value)
		}
	case *Return:
		out = append(out, inst.Value)
	case *Throw:
		out = append(out, inst.Exception)
	case *ReThrow:
		out = append(out, inst.Exception)
	}
	return out
}

func derefAll(ps []*Value) []Value {
	out := make([]Value, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out
}

// IsDefinition reports whether in defines a value.
func IsDefinition(in *Instr) bool {
	switch in.Inst.(type) {
	case *Bind, *Phi:
		return true
	}
	return false
}
