package deopt

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/ir"
)

// Entry is one pending argument of the unoptimized expression stack.
type Entry struct {
	Push  ir.InstrID
	Value ir.Value
	// Materialized entries are still pushed by optimized code; the others
	// were folded into a specialized computation and must be recreated.
	Materialized bool
}

// Environment is the unoptimized state to rebuild when the instruction it
// belongs to deoptimizes.
type Environment struct {
	Instr    ir.InstrID
	DeoptID  int
	TokenPos int
	TryIndex int
	Pending  []Entry
	// Live holds the values, in id order, that unoptimized code still
	// reads from their frame temps after this point.
	Live []ir.InstrID
}

// NewEnvironment builds the environment of in. pending must come from the
// graph before optimization and live from the graph after it.
func NewEnvironment(g *ir.Graph, pending PendingStacks, live *ir.Liveness, in *ir.Instr) (*Environment, error) {
	comp := ir.ComputationOf(in.Inst)
	if comp == nil {
		return nil, errors.Errorf("v%d hosts no computation", in.ID)
	}
	info := comp.Base()
	stack, ok := pending[info.DeoptID]
	if !ok {
		return nil, errors.Errorf("no pending stack for deopt id %d", info.DeoptID)
	}
	env := &Environment{
		Instr:    in.ID,
		DeoptID:  info.DeoptID,
		TokenPos: info.TokenPos,
		TryIndex: g.Block(in.Block).TryIndex,
	}
	for _, p := range stack {
		push := g.Instr(p)
		env.Pending = append(env.Pending, Entry{
			Push:         p,
			Value:        push.Inst.(*ir.PushArgument).Value,
			Materialized: !push.Removed,
		})
	}
	for _, d := range live.LiveAcross(in.ID) {
		if g.Instr(d).Temp >= 0 {
			env.Live = append(env.Live, d)
		}
	}
	return env, nil
}

// NumMaterialized counts the pending entries optimized code pushed.
func (e *Environment) NumMaterialized() int {
	n := 0
	for _, p := range e.Pending {
		if p.Materialized {
			n++
		}
	}
	return n
}

func (e *Environment) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "env(v%d, deopt=%d, try=%d) [", e.Instr, e.DeoptID, e.TryIndex)
	for i, p := range e.Pending {
		if i > 0 {
			b.WriteString(" ")
		}
		if p.Materialized {
			fmt.Fprintf(&b, "%s", p.Value)
		} else {
			fmt.Fprintf(&b, "~%s", p.Value)
		}
	}
	b.WriteString("] live=")
	for i, d := range e.Live {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "v%d", d)
	}
	return b.String()
}
