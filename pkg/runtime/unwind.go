package runtime

import (
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/codegen"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/sim"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/logger"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// Frame layout shared with generated code: the saved frame pointer is at
// FP, the return address above it and frame slot i at FP-8(i+1).
const (
	savedFPOffset  = 0
	returnPCOffset = object.WordSize
)

func slotAddress(fp uint64, slot int) uint64 { return fp - uint64(object.WordSize*(slot+1)) }

// unwind walks the frames from the call returning to ret outwards until a
// call site covered by an exception handler. The handler runs with the
// frame's expression stack empty and the exception in the result register.
func (iso *Isolate) unwind(m *sim.Machine, ret uint64, exc object.Word) (sim.Transfer, error) {
	fp := m.FP()
	for ret != sim.HaltAddress {
		in, err := iso.codeAt(ret)
		if err != nil {
			return sim.Transfer{}, errors.Wrap(err, "unwind")
		}
		if d, ok := in.Code.CallDescriptor(in.Region.Offset(ret)); ok && d.TryIndex != ir.NoTryIndex {
			if handler, ok := in.Code.Handler(d.TryIndex); ok {
				m.Regs[sim.FP] = fp
				m.Regs[sim.SP] = slotAddress(fp, in.Code.FrameSlots-1)
				m.Regs[sim.R0] = uint64(exc)
				iso.log.Debug("Exception caught", "function", in.Code.Name, "try", d.TryIndex)
				return sim.Transfer{Kind: sim.Resume, PC: in.Entry() + uint64(handler)}, nil
			}
		}
		ret = iso.heap.load(fp + returnPCOffset)
		fp = iso.heap.load(fp + savedFPOffset)
	}
	return sim.Transfer{}, &Exception{Value: exc, Message: iso.heap.Describe(exc)}
}

// deoptimize abandons the optimized frame that called the deopt stub
// returning to ret. The frame is rebuilt in place as the unoptimized frame
// of the same function: locals stay where they are, the temps and pending
// arguments come from the deopt info, and execution resumes at the
// unoptimized deopt point, which repeats the operation generically.
func (iso *Isolate) deoptimize(m *sim.Machine, ret uint64, index int) (sim.Transfer, error) {
	opt, err := iso.codeAt(ret)
	if err != nil {
		return sim.Transfer{}, errors.Wrap(err, "deoptimize")
	}
	code := opt.Code
	if index < 0 || index >= len(code.DeoptInfos) {
		return sim.Transfer{}, errors.Errorf("%s: deopt info %d out of range", code.Name, index)
	}
	info := code.DeoptInfos[index]
	fn := code.Function
	unopt, ok := iso.compiler.Lookup(fn, codegen.Unoptimized)
	if !ok {
		return sim.Transfer{}, errors.Errorf("%s: no unoptimized code to deoptimize to", code.Name)
	}

	fp := m.FP()
	area, offset, err := info.Translate(&frameSource{iso: iso, m: m, fp: fp, slots: code.FrameSlots})
	if err != nil {
		return sim.Transfer{}, errors.Wrapf(err, "%s: translate frame", code.Name)
	}
	locals, temps := unopt.Code.NumLocals, unopt.Code.NumTemps
	if len(area) < temps {
		return sim.Transfer{}, errors.Errorf("%s: deopt #%d rebuilds %d of %d temps", code.Name, info.DeoptID, len(area), temps)
	}
	for i := 0; i < temps; i++ {
		iso.heap.store(slotAddress(fp, locals+i), uint64(area[i]))
	}
	m.Regs[sim.SP] = slotAddress(fp, locals+temps-1)
	for _, w := range area[temps:] {
		if err := m.Push(uint64(w)); err != nil {
			return sim.Transfer{}, err
		}
	}

	p := iso.profiles.get(fn)
	p.deopts++
	p.invocations = 0
	iso.deopts++
	logger.LogDeopt(fn.QualifiedName(), info.DeoptID, info.Reason.String(), p.deopts)
	if iso.cfg.TraceDeopt {
		iso.log.Info("Deopt info", "function", fn.QualifiedName(), "info", info.String())
	}
	if cur, ok := iso.compiler.Lookup(fn, codegen.Optimized); ok && cur == opt {
		if err := iso.compiler.Invalidate(fn, codegen.Optimized); err != nil {
			return sim.Transfer{}, err
		}
	}
	return sim.Transfer{Kind: sim.Resume, PC: unopt.Entry() + uint64(offset)}, nil
}

// frameSource reads the optimized frame being abandoned.
type frameSource struct {
	iso   *Isolate
	m     *sim.Machine
	fp    uint64
	slots int
}

func (s *frameSource) Register(r int) object.Word { return object.Word(s.m.Regs[r]) }

func (s *frameSource) StackSlot(slot int) object.Word {
	return object.Word(s.iso.heap.load(slotAddress(s.fp, slot)))
}

// Materialized reads the pos-th argument pushed below the fixed frame.
func (s *frameSource) Materialized(pos int) object.Word {
	return object.Word(s.iso.heap.load(slotAddress(s.fp, s.slots+pos)))
}

func (s *frameSource) Constant(c any) (object.Word, error) { return s.iso.consts.Constant(c) }
func (s *frameSource) Null() object.Word                   { return s.iso.heap.Null() }
