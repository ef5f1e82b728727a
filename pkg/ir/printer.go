package ir

import (
	"fmt"
	"strings"
)

// String renders the graph in reverse postorder, one instruction per line.
func (g *Graph) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "==== %s\n", g.Name)
	order := g.ReversePostorder()
	if len(order) == 0 {
		order = make([]BlockID, len(g.blocks))
		for i := range order {
			order[i] = BlockID(i)
		}
	}
	for _, id := range order {
		g.printBlock(&b, id)
	}
	return b.String()
}

func (g *Graph) printBlock(b *strings.Builder, id BlockID) {
	blk := g.blocks[id]
	fmt.Fprintf(b, "B%d[%s]", id, blk.Kind)
	if len(blk.Preds) > 0 {
		b.WriteString(" pred(")
		for i, p := range blk.Preds {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "B%d", p)
		}
		b.WriteString(")")
	}
	if blk.TryIndex != NoTryIndex {
		fmt.Fprintf(b, " try=%d", blk.TryIndex)
	}
	if blk.IsCatchEntry() {
		fmt.Fprintf(b, " catch=%d", blk.CatchTryIndex)
	}
	b.WriteString("\n")
	for _, phi := range blk.Phis {
		fmt.Fprintf(b, "    %s\n", g.FormatInstr(phi))
	}
	for _, in := range g.Instructions(id)[1:] {
		fmt.Fprintf(b, "    %s\n", g.FormatInstr(in.ID))
	}
}

// FormatInstr renders one instruction.
func (g *Graph) FormatInstr(id InstrID) string {
	in := g.instrs[id]
	switch inst := in.Inst.(type) {
	case *GraphEntry:
		return fmt.Sprintf("GraphEntry normal=B%d catches=%v", inst.Normal, inst.CatchEntries)
	case *JoinEntry:
		return "JoinEntry"
	case *TargetEntry:
		return "TargetEntry"
	case *Bind:
		return fmt.Sprintf("v%d <- %s", id, FormatComputation(inst.Comp))
	case *Do:
		return FormatComputation(inst.Comp)
	case *Phi:
		parts := make([]string, len(inst.Inputs))
		for i, v := range inst.Inputs {
			parts[i] = v.String()
		}
		return fmt.Sprintf("v%d <- phi(%s)", id, strings.Join(parts, ", "))
	case *PushArgument:
		return fmt.Sprintf("v%d: PushArgument(%s)", id, inst.Value)
	case *Branch:
		if inst.Comparison != nil {
			return fmt.Sprintf("if %s goto (B%d, B%d)", FormatComputation(inst.Comparison), inst.True, inst.False)
		}
		return fmt.Sprintf("if %s goto (B%d, B%d)", inst.Value, inst.True, inst.False)
	case *Goto:
		return fmt.Sprintf("goto B%d", inst.Target)
	case *Return:
		return fmt.Sprintf("return %s", inst.Value)
	case *Throw:
		return fmt.Sprintf("throw %s", inst.Exception)
	case *ReThrow:
		return fmt.Sprintf("rethrow %s", inst.Exception)
	}
	return fmt.Sprintf("v%d: ?%T", id, in.Inst)
}

// FormatComputation renders a computation with its operands and deopt id.
func FormatComputation(c Computation) string {
	var ops []string
	add := func(format string, args ...any) { ops = append(ops, fmt.Sprintf(format, args...)) }
	switch c := c.(type) {
	case *Constant:
		add("%s", Const{Val: c.Val})
	case *LoadLocal:
		add("%s", c.Local)
	case *StoreLocal:
		add("%s", c.Local)
	case *InstanceCall:
		add("%s", c.Selector)
	case *InstanceSetter:
		add("%s", c.Field)
	case *StaticCall:
		add("%s", c.Function)
		if c.Recognized != 0 {
			add("recognized=%s", c.Recognized)
		}
	case *RelationalOp:
		add("%s", c.Op)
		if c.OperandsClass != 0 {
			add("cid=%d", c.OperandsClass)
		}
	case *EqualityCompare:
		add("%s", c.Op)
		if c.OperandsClass != 0 {
			add("cid=%d", c.OperandsClass)
		}
	case *StrictCompare:
		add("%s", c.Op)
	case *LoadIndexed:
		if c.ReceiverClass != 0 {
			add("cid=%d", c.ReceiverClass)
		}
	case *StoreIndexed:
		if c.ReceiverClass != 0 {
			add("cid=%d", c.ReceiverClass)
		}
	case *AllocateObject:
		add("%s", c.Class.Name)
	case *CreateArray:
		add("kind=%d", c.Kind)
	case *CatchEntry:
		add("%s", c.Exception)
	case *BinarySmiOp:
		add("%s", c.Op)
	case *BinaryMintOp:
		add("%s", c.Op)
	case *BinaryDoubleOp:
		add("%s", c.Op)
	case *UnarySmiOp:
		add("%s", c.Op)
	case *LoadInstanceField:
		add("%s", c.Field.Name)
	case *StoreInstanceField:
		add("%s", c.Field.Name)
	case *LoadVMField:
		add("offset=%d", c.Offset)
	case *ToDouble:
		add("from=%d", c.FromClass)
	case *PolymorphicInstanceCall:
		add("%s", c.Call.Selector)
		if c.IC != nil {
			add("checks=%v", c.IC.ClassIDsSorted())
		}
	}
	for _, p := range c.Inputs() {
		add("%s", *p)
	}
	for _, a := range c.Arguments() {
		add("v%d", a)
	}
	return fmt.Sprintf("%s:%d(%s)", c.Name(), c.Base().DeoptID, strings.Join(ops, ", "))
}
