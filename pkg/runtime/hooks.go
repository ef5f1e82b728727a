package runtime

import (
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/codegen"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/sim"
	"github.com/GriffinCanCode/flowjit/pkg/compiler"
	"github.com/GriffinCanCode/flowjit/pkg/corelib"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// proceed continues after the call instruction.
var proceed = sim.Transfer{Kind: sim.Fallthrough}

// codeAt returns the installation containing the call that returns to
// ret.
func (iso *Isolate) codeAt(ret uint64) (*compiler.Installed, error) {
	r, ok := iso.space.Lookup(ret - 1)
	if !ok {
		return nil, errors.Errorf("no code before return address %#x", ret)
	}
	in, ok := r.Owner.(*compiler.Installed)
	if !ok {
		return nil, errors.Errorf("region %s holds no compiled code", r.Name)
	}
	return in, nil
}

// arguments reads the n outgoing arguments, first pushed first.
func (iso *Isolate) arguments(m *sim.Machine, n int) []object.Word {
	args := make([]object.Word, n)
	sp := m.SP()
	for i := range args {
		args[i] = object.Word(iso.heap.load(sp + uint64(object.WordSize*(n-1-i))))
	}
	return args
}

func (iso *Isolate) site(ret uint64, index int) (*compiler.Installed, codegen.CallSite, error) {
	in, err := iso.codeAt(ret)
	if err != nil {
		return nil, codegen.CallSite{}, err
	}
	if index < 0 || index >= len(in.Code.ObjectPool) {
		return nil, codegen.CallSite{}, errors.Errorf("%s: object pool index %d out of range", in.Code.Name, index)
	}
	return in, in.Code.ObjectPool[index], nil
}

// CallInstance dispatches an inline cache call on the class of the
// receiver and records what it saw in the caller's feedback.
func (iso *Isolate) CallInstance(m *sim.Machine, ret uint64, index int) (sim.Transfer, error) {
	caller, site, err := iso.site(ret, index)
	if err != nil {
		return sim.Transfer{}, err
	}
	args := iso.arguments(m, site.ArgCount)
	cid := iso.heap.ClassOf(args[0])
	cls := iso.classes.At(cid)
	var target *object.Function
	if cls != nil {
		target = cls.LookupMethod(site.Name)
	}
	if target == nil || target.NumParams != site.ArgCount {
		name := "?"
		if cls != nil {
			name = cls.Name
		}
		return iso.raise(m, ret, iso.heap.Throw("NoSuchMethodError: Class '%s' has no instance method '%s' with %d arguments", name, site.Name, site.ArgCount-1))
	}

	cids := make([]object.ClassID, min(site.NumArgsTested, len(args)))
	for i := range cids {
		cids[i] = iso.heap.ClassOf(args[i])
	}
	if err := iso.profiles.get(caller.Code.Function).feedback.Record(site.DeoptID, site.Name, cids, target); err != nil {
		return sim.Transfer{}, errors.Wrapf(err, "%s: record feedback for site %d", caller.Code.Name, site.DeoptID)
	}
	return iso.invoke(m, ret, target, args)
}

// CallStatic calls the function named by the object pool entry.
func (iso *Isolate) CallStatic(m *sim.Machine, ret uint64, index int) (sim.Transfer, error) {
	_, site, err := iso.site(ret, index)
	if err != nil {
		return sim.Transfer{}, err
	}
	if site.Function == nil {
		return sim.Transfer{}, errors.Errorf("static site %d has no function", index)
	}
	return iso.invoke(m, ret, site.Function, iso.arguments(m, site.ArgCount))
}

// invoke runs accessors and natives in place and enters compiled code for
// everything else.
func (iso *Isolate) invoke(m *sim.Machine, ret uint64, fn *object.Function, args []object.Word) (sim.Transfer, error) {
	switch fn.Kind {
	case object.ImplicitGetter:
		m.Regs[sim.R0] = uint64(iso.heap.field(args[0], fn.Field))
		return proceed, nil
	case object.ImplicitSetter:
		iso.heap.setField(args[0], fn.Field, args[1])
		m.Regs[sim.R0] = uint64(args[1])
		return proceed, nil
	case object.NativeFunction:
		w, err := fn.Native(iso.heap, args)
		if err != nil {
			return iso.raise(m, ret, err)
		}
		m.Regs[sim.R0] = uint64(w)
		return proceed, nil
	}
	if m.SP() < iso.heap.limit+stackReserve {
		return iso.raise(m, ret, iso.heap.Throw("StackOverflowError"))
	}
	entry, err := iso.enter(fn)
	if err != nil {
		return sim.Transfer{}, err
	}
	return sim.Transfer{Kind: sim.Enter, PC: entry}, nil
}

// enter counts an invocation of fn, optimizes it once it is hot and
// returns the address to call. Unoptimized entries of optimized functions
// jump to the optimized code.
func (iso *Isolate) enter(fn *object.Function) (uint64, error) {
	p := iso.profiles.get(fn)
	p.invocations++
	if iso.cfg.UseOptimizer && !p.noOptimize && p.invocations > iso.cfg.OptimizationCounterThreshold {
		if _, ok := iso.compiler.Lookup(fn, codegen.Optimized); !ok {
			iso.optimize(p)
		}
	}
	in, err := iso.compiler.Compile(iso.ctx, fn, compiler.Request{Mode: codegen.Unoptimized})
	if err != nil {
		return 0, err
	}
	return in.Entry(), nil
}

// optimize compiles p's function against its feedback. A failed attempt
// leaves the function unoptimized for good.
func (iso *Isolate) optimize(p *profile) {
	_, err := iso.compiler.Compile(iso.ctx, p.fn, compiler.Request{
		Mode:       codegen.Optimized,
		Feedback:   p.feedback,
		DeoptCount: p.deopts,
	})
	if err == nil {
		return
	}
	p.noOptimize = true
	if !errors.Is(err, compiler.ErrBailout) {
		iso.log.Warn("Optimized compilation failed", "function", p.fn.QualifiedName(), "error", err)
	}
}

// CallRuntime services the runtime entries of generated code.
func (iso *Isolate) CallRuntime(m *sim.Machine, ret uint64, e asm.RuntimeEntry) (sim.Transfer, error) {
	temp := m.Regs[sim.Target.Temp]
	var (
		w   object.Word
		err error
	)
	switch e {
	case asm.BoxDouble:
		w, err = iso.heap.NewDouble(m.FRegs[sim.Target.FpuResult])
	case asm.BoxMint:
		w, err = iso.heap.NewInt(int64(m.Regs[sim.R0]))
	case asm.AllocateObject:
		cls := iso.classes.At(object.ClassID(temp))
		if cls == nil {
			return sim.Transfer{}, errors.Errorf("allocate unknown class id %d", temp)
		}
		w, err = iso.heap.newInstance(cls)
	case asm.CreateArray:
		w, err = iso.createArray(ast.ArrayKind(temp&3), iso.arguments(m, int(temp>>2)))
	case asm.Throw, asm.ReThrow:
		return iso.unwind(m, ret, object.Word(m.Regs[sim.R0]))
	case asm.Deoptimize:
		return iso.deoptimize(m, ret, int(temp))
	case asm.DoubleMod:
		f := sim.Target.FpuResult
		m.FRegs[f] = corelib.DoubleMod(m.FRegs[f], m.FRegs[f+1])
		return proceed, nil
	default:
		return sim.Transfer{}, errors.Errorf("unknown runtime entry %s", e)
	}
	if err != nil {
		return sim.Transfer{}, err
	}
	m.Regs[sim.R0] = uint64(w)
	return proceed, nil
}

func (iso *Isolate) createArray(kind ast.ArrayKind, elems []object.Word) (object.Word, error) {
	switch kind {
	case ast.FixedArray:
		return iso.heap.newArray(object.ArrayCid, elems)
	case ast.ConstArray:
		return iso.heap.newArray(object.ImmutableArrayCid, elems)
	}
	return iso.heap.newGrowable(elems)
}

// raise turns a language exception returned by the VM into an unwind.
// Other errors stop the machine.
func (iso *Isolate) raise(m *sim.Machine, ret uint64, err error) (sim.Transfer, error) {
	var thrown *object.Thrown
	if !errors.As(err, &thrown) {
		return sim.Transfer{}, err
	}
	return iso.unwind(m, ret, thrown.Value)
}
