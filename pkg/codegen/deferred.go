package codegen

import (
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
	"github.com/GriffinCanCode/flowjit/pkg/deopt"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
)

// deoptStub is an out-of-line exit from optimized code.
type deoptStub struct {
	label *asm.Label
	index int
	info  *deopt.Info
}

// deoptExit returns a label that leaves optimized code for the current
// instruction with reason. The stub itself is emitted after all blocks.
func (c *FlowGraphCompiler) deoptExit(reason deopt.Reason) *asm.Label {
	stub := &deoptStub{label: asm.NewLabel(), index: len(c.deoptInfos)}
	c.stubs = append(c.stubs, stub)

	info, err := c.buildDeoptInfo(c.current, reason)
	if err != nil {
		c.fail(errors.Wrapf(err, "v%d: deopt exit", c.current.ID))
		info = &deopt.Info{Reason: reason}
	}
	stub.info = info
	c.deoptInfos = append(c.deoptInfos, info)
	return stub.label
}

// buildDeoptInfo describes how to rebuild the unoptimized frame of in:
// the frame temps of every value still live, then the pending arguments
// on top of them.
func (c *FlowGraphCompiler) buildDeoptInfo(in *ir.Instr, reason deopt.Reason) (*deopt.Info, error) {
	if c.opts.Mode != Optimized {
		return nil, errors.New("unoptimized code cannot deoptimize")
	}
	env, err := deopt.NewEnvironment(c.g, c.opts.Pending, c.live, in)
	if err != nil {
		return nil, err
	}
	info := &deopt.Info{
		DeoptID:  env.DeoptID,
		Reason:   reason,
		TokenPos: env.TokenPos,
		TryIndex: env.TryIndex,
		ExprSize: c.g.NumTemps + len(env.Pending),
	}
	for _, d := range env.Live {
		if err := c.addDeoptCopy(info, c.g.Instr(d).Temp, ir.Use{Def: d}); err != nil {
			return nil, err
		}
	}
	materialized := 0
	for i, p := range env.Pending {
		dest := c.g.NumTemps + i
		if p.Materialized {
			info.AddCopyMaterialized(dest, materialized)
			materialized++
			continue
		}
		if err := c.addDeoptCopy(info, dest, p.Value); err != nil {
			return nil, err
		}
	}
	ret, ok := c.opts.Unoptimized.DeoptTarget(env.DeoptID)
	if !ok {
		return nil, errors.Errorf("unoptimized %s has no deopt point for id %d", c.opts.Unoptimized.Name, env.DeoptID)
	}
	info.SetRetAddress(ret)
	return info, nil
}

func (c *FlowGraphCompiler) addDeoptCopy(info *deopt.Info, dest int, v ir.Value) error {
	switch loc := c.locationOf(v); loc.Kind {
	case RegisterLoc:
		info.AddCopyRegister(dest, int(loc.Reg))
	case StackSlotLoc:
		info.AddCopyStackSlot(dest, loc.Slot)
	case ConstantLoc:
		info.AddCopyConstant(dest, loc.Const)
	default:
		return errors.Errorf("%s has no home", v)
	}
	return nil
}

func (c *FlowGraphCompiler) emitDeoptStub(s *deoptStub) {
	c.a.Bind(s.label)
	if c.opts.Comments {
		c.a.Comment("deopt #%d %s", s.info.DeoptID, s.info.Reason)
	}
	c.descriptors = append(c.descriptors, PcDescriptor{
		PC:       c.a.Offset(),
		Kind:     PcDeopt,
		DeoptID:  s.info.DeoptID,
		TokenPos: s.info.TokenPos,
		TryIndex: s.info.TryIndex,
	})
	c.a.LoadImmediate(c.t.Temp, int64(s.index))
	c.a.CallRuntime(asm.Deoptimize)
	c.stats.DeoptStubs++
}
