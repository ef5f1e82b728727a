package codegen

import (
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
	"github.com/GriffinCanCode/flowjit/pkg/deopt"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// emitComputation lowers comp and returns the register holding its
// result, or asm.NoReg when it has none.
func (c *FlowGraphCompiler) emitComputation(in *ir.Instr, comp ir.Computation) asm.Reg {
	switch comp := comp.(type) {
	case *ir.Constant:
		r := c.scratch()
		c.loadConstant(r, comp.Val)
		return r
	case *ir.LoadLocal:
		r := c.scratch()
		c.a.Load(r, c.localAddress(comp.Local))
		return r
	case *ir.StoreLocal:
		r := c.use(comp.Value)
		c.a.Store(c.localAddress(comp.Local), r)
		return r
	case *ir.CatchEntry:
		c.a.Store(c.localAddress(comp.Exception), c.t.Result)
		return asm.NoReg

	case *ir.InstanceCall:
		return c.instanceCall(comp.Selector, comp.ArgCount, comp.NumArgsTested, &comp.Info)
	case *ir.InstanceSetter:
		return c.instanceCall(object.SetterName(comp.Field), len(comp.Args), 1, &comp.Info)
	case *ir.StaticCall:
		if comp.Recognized == object.MathSqrt && c.opts.Mode == Optimized {
			return c.inlineSqrt(comp)
		}
		return c.staticCall(comp.Function, len(comp.Args), &comp.Info)
	case *ir.PolymorphicInstanceCall:
		return c.polymorphicCall(comp)
	case *ir.AllocateObject:
		c.a.LoadImmediate(c.t.Temp, int64(comp.Class.ID))
		c.callRuntime(asm.AllocateObject, comp.DeoptID, comp.TokenPos)
		return c.t.Result
	case *ir.CreateArray:
		n := len(comp.Args)
		c.a.LoadImmediate(c.t.Temp, int64(comp.Kind)|int64(n)<<2)
		c.callRuntime(asm.CreateArray, comp.DeoptID, comp.TokenPos)
		c.dropArguments(n)
		return c.t.Result

	case *ir.RelationalOp:
		if comp.Args != nil {
			return c.instanceCall(comp.Op.MethodName(), 2, 2, &comp.Info)
		}
		return c.materialize(c.comparison(comp))
	case *ir.EqualityCompare:
		if comp.Args != nil {
			r := c.instanceCall(comp.Op.MethodName(), 2, 2, &comp.Info)
			if comp.Op != ast.Ne {
				return r
			}
			return c.materialize(c.isTrue(r).negate())
		}
		return c.materialize(c.comparison(comp))
	case *ir.StrictCompare, *ir.BooleanNegate:
		return c.materialize(c.comparison(comp))

	case *ir.LoadIndexed:
		if comp.Args != nil {
			return c.instanceCall("[]", 2, 1, &comp.Info)
		}
		return c.loadIndexed(comp)
	case *ir.StoreIndexed:
		if comp.Args != nil {
			return c.instanceCall("[]=", 3, 1, &comp.Info)
		}
		return c.storeIndexed(comp)

	case *ir.BinarySmiOp:
		return c.binarySmiOp(comp)
	case *ir.BinaryMintOp:
		return c.binaryMintOp(comp)
	case *ir.BinaryDoubleOp:
		return c.binaryDoubleOp(comp)
	case *ir.UnarySmiOp:
		return c.unarySmiOp(comp)
	case *ir.NumberNegate:
		v := c.use(comp.Value)
		c.checkClass(v, object.DoubleCid, c.deoptExit(deopt.ClassCheckReason(comp)))
		c.a.LoadDouble(c.t.FpuResult, boxValue(v))
		c.a.NegDouble(c.t.FpuResult)
		c.callRuntime(asm.BoxDouble, comp.DeoptID, comp.TokenPos)
		return c.t.Result
	case *ir.ToDouble:
		return c.toDouble(comp)

	case *ir.LoadInstanceField:
		return c.loadField(comp.Instance, comp.Classes, comp.Field.Offset(), deopt.ClassCheckReason(comp))
	case *ir.LoadVMField:
		return c.loadField(comp.Value, comp.Classes, comp.Offset, deopt.ClassCheckReason(comp))
	case *ir.StoreInstanceField:
		obj, val := c.use(comp.Instance), c.use(comp.Value)
		c.checkClasses(obj, comp.Classes, c.deoptExit(deopt.ClassCheckReason(comp)))
		c.a.Store(fieldAddress(obj, comp.Field.Offset()), val)
		return val
	}
	c.fail(errors.Wrapf(ErrNoLocationSummary, "v%d: %s", in.ID, comp.Name()))
	return asm.NoReg
}

func fieldAddress(obj asm.Reg, offset int32) asm.Address {
	return asm.Address{Base: obj, Offset: object.FieldAddress(offset)}
}

func boxValue(obj asm.Reg) asm.Address { return fieldAddress(obj, object.BoxValueOffset) }

// Calls

func (c *FlowGraphCompiler) instanceCall(name string, argc, tested int, info *ir.Info) asm.Reg {
	site := c.addSite(CallSite{
		Kind:          InstanceSite,
		Name:          name,
		ArgCount:      argc,
		NumArgsTested: tested,
		DeoptID:       info.DeoptID,
		TokenPos:      info.TokenPos,
	})
	if c.opts.Mode == Unoptimized {
		c.record(PcDeopt, info.DeoptID, info.TokenPos)
	}
	c.a.CallInstance(site)
	c.afterCall(PcIcCall, info.DeoptID, info.TokenPos)
	c.dropArguments(argc)
	return c.t.Result
}

func (c *FlowGraphCompiler) staticCall(fn *object.Function, argc int, info *ir.Info) asm.Reg {
	if c.opts.Mode == Unoptimized {
		c.record(PcDeopt, info.DeoptID, info.TokenPos)
	}
	c.emitStaticCall(fn, argc, info)
	c.dropArguments(argc)
	return c.t.Result
}

func (c *FlowGraphCompiler) emitStaticCall(fn *object.Function, argc int, info *ir.Info) {
	site := c.addSite(CallSite{
		Kind:     StaticSite,
		Name:     fn.QualifiedName(),
		ArgCount: argc,
		DeoptID:  info.DeoptID,
		TokenPos: info.TokenPos,
		Function: fn,
	})
	c.a.CallStatic(site)
	c.afterCall(PcFuncCall, info.DeoptID, info.TokenPos)
}

// polymorphicCall compares the receiver class against each check and
// calls the matching target directly. A miss goes through the inline
// cache.
func (c *FlowGraphCompiler) polymorphicCall(comp *ir.PolymorphicInstanceCall) asm.Reg {
	call := comp.Call
	argc := call.ArgCount
	recv := c.scratch()
	c.a.Load(recv, asm.Address{Base: c.t.SP, Offset: int32(object.WordSize * (argc - 1))})
	c.loadClassID(c.t.Temp, recv)

	type target struct {
		label *asm.Label
		fn    *object.Function
	}
	var targets []target
	if ic := comp.IC; ic != nil {
		for i := 0; i < ic.NumberOfChecks(); i++ {
			fn := ic.TargetAt(i)
			if fn == nil {
				continue
			}
			t := target{asm.NewLabel(), fn}
			c.a.CompareImmediate(c.t.Temp, int32(ic.ReceiverClassIDAt(i)))
			c.a.JumpIf(asm.Equal, t.label)
			targets = append(targets, t)
		}
	}
	done := asm.NewLabel()
	site := c.addSite(CallSite{
		Kind:          InstanceSite,
		Name:          call.Selector,
		ArgCount:      argc,
		NumArgsTested: call.NumArgsTested,
		DeoptID:       comp.DeoptID,
		TokenPos:      comp.TokenPos,
	})
	c.a.CallInstance(site)
	c.afterCall(PcIcCall, comp.DeoptID, comp.TokenPos)
	for _, t := range targets {
		c.a.Jump(done)
		c.a.Bind(t.label)
		c.emitStaticCall(t.fn, argc, &comp.Info)
	}
	c.a.Bind(done)
	c.dropArguments(argc)
	return c.t.Result
}

// inlineSqrt takes the square root of a double argument in place and
// calls the library function for anything else.
func (c *FlowGraphCompiler) inlineSqrt(comp *ir.StaticCall) asm.Reg {
	arg := c.scratch()
	c.a.Load(arg, asm.Address{Base: c.t.SP, Offset: 0})
	slow, done := asm.NewLabel(), asm.NewLabel()
	c.a.TestImmediate(arg, object.SmiTagMask)
	c.a.JumpIf(asm.Zero, slow)
	c.a.Load(c.t.Temp, fieldAddress(arg, object.HeaderOffset))
	c.a.CompareImmediate(c.t.Temp, int32(object.DoubleCid))
	c.a.JumpIf(asm.NotEqual, slow)
	c.a.LoadDouble(c.t.FpuResult, boxValue(arg))
	c.a.SqrtDouble(c.t.FpuResult)
	c.callRuntime(asm.BoxDouble, comp.DeoptID, comp.TokenPos)
	c.a.Jump(done)
	c.a.Bind(slow)
	c.emitStaticCall(comp.Function, len(comp.Args), &comp.Info)
	c.a.Bind(done)
	c.dropArguments(len(comp.Args))
	return c.t.Result
}

// Class checks

// loadClassID leaves the class id of obj in dst.
func (c *FlowGraphCompiler) loadClassID(dst, obj asm.Reg) {
	smi, done := asm.NewLabel(), asm.NewLabel()
	c.a.TestImmediate(obj, object.SmiTagMask)
	c.a.JumpIf(asm.Zero, smi)
	c.a.Load(dst, fieldAddress(obj, object.HeaderOffset))
	c.a.Jump(done)
	c.a.Bind(smi)
	c.a.LoadImmediate(dst, int64(object.SmiCid))
	c.a.Bind(done)
}

func (c *FlowGraphCompiler) checkClass(obj asm.Reg, cid object.ClassID, exit *asm.Label) {
	c.checkClasses(obj, []object.ClassID{cid}, exit)
}

// checkClasses jumps to exit unless obj is an instance of one of cids.
func (c *FlowGraphCompiler) checkClasses(obj asm.Reg, cids []object.ClassID, exit *asm.Label) {
	var heap []object.ClassID
	smi := false
	for _, cid := range cids {
		if cid == object.SmiCid {
			smi = true
		} else {
			heap = append(heap, cid)
		}
	}
	c.a.TestImmediate(obj, object.SmiTagMask)
	if len(heap) == 0 {
		c.a.JumpIf(asm.NotZero, exit)
		return
	}
	ok := asm.NewLabel()
	if smi {
		c.a.JumpIf(asm.Zero, ok)
	} else {
		c.a.JumpIf(asm.Zero, exit)
	}
	c.a.Load(c.t.Temp, fieldAddress(obj, object.HeaderOffset))
	last := len(heap) - 1
	for i, cid := range heap {
		c.a.CompareImmediate(c.t.Temp, int32(cid))
		if i == last {
			c.a.JumpIf(asm.NotEqual, exit)
		} else {
			c.a.JumpIf(asm.Equal, ok)
		}
	}
	c.a.Bind(ok)
}

// checkSmis jumps to exit unless both operands are small integers.
func (c *FlowGraphCompiler) checkSmis(exit *asm.Label, l, r asm.Reg) {
	c.a.Move(c.t.Temp, l)
	c.a.Or(c.t.Temp, r)
	c.a.TestImmediate(c.t.Temp, object.SmiTagMask)
	c.a.JumpIf(asm.NotZero, exit)
}

// Arithmetic

func (c *FlowGraphCompiler) binarySmiOp(comp *ir.BinarySmiOp) asm.Reg {
	l, r := c.use(comp.Left), c.use(comp.Right)
	exit := c.deoptExit(deopt.ClassCheckReason(comp))
	c.checkSmis(exit, l, r)
	out := c.copyReg(l)
	overflow := func() { c.a.JumpIf(asm.Overflow, c.deoptExit(deopt.BinarySmiOverflow)) }
	switch comp.Op {
	case ast.Add:
		c.a.Add(out, r)
		overflow()
	case ast.Sub:
		c.a.Sub(out, r)
		overflow()
	case ast.BitAnd:
		c.a.And(out, r)
	case ast.BitOr:
		c.a.Or(out, r)
	case ast.BitXor:
		c.a.Xor(out, r)
	case ast.Mul:
		n := c.copyReg(r)
		c.a.SarImmediate(n, object.SmiTagShift)
		c.a.Mul(out, n)
		overflow()
	case ast.TruncDiv:
		n := c.copyReg(r)
		c.a.SarImmediate(n, object.SmiTagShift)
		c.a.CompareImmediate(n, 0)
		c.a.JumpIf(asm.Equal, c.deoptExit(deopt.DivisionByZero))
		c.a.SarImmediate(out, object.SmiTagShift)
		c.a.Div(out, n)
		c.a.Add(out, out)
		overflow()
	case ast.Shr:
		n := c.copyReg(r)
		c.a.SarImmediate(n, object.SmiTagShift)
		c.a.CompareImmediate(n, 0)
		c.a.JumpIf(asm.Less, c.deoptExit(deopt.ShiftCount))
		clamped := asm.NewLabel()
		c.a.CompareImmediate(n, 63)
		c.a.JumpIf(asm.LessEqual, clamped)
		c.a.LoadImmediate(n, 63)
		c.a.Bind(clamped)
		c.a.Sar(out, n)
		c.a.AndImmediate(out, ^int32(object.SmiTagMask))
	case ast.Shl:
		n := c.copyReg(r)
		c.a.SarImmediate(n, object.SmiTagShift)
		c.a.CompareImmediate(n, 0)
		c.a.JumpIf(asm.Less, c.deoptExit(deopt.ShiftCount))
		lost := c.deoptExit(deopt.BinarySmiOverflow)
		c.a.CompareImmediate(n, 62)
		c.a.JumpIf(asm.Greater, lost)
		c.a.Shl(out, n)
		c.a.Move(c.t.Temp, out)
		c.a.Sar(c.t.Temp, n)
		c.a.Compare(c.t.Temp, l)
		c.a.JumpIf(asm.NotEqual, lost)
	default:
		c.fail(errors.Wrapf(ErrNoLocationSummary, "smi operator %s", comp.Op))
	}
	return out
}

// binaryMintOp computes on untagged 64-bit integers and boxes the result
// only when it does not fit a small integer.
func (c *FlowGraphCompiler) binaryMintOp(comp *ir.BinaryMintOp) asm.Reg {
	l, r := c.use(comp.Left), c.use(comp.Right)
	exit := c.deoptExit(deopt.ClassCheckReason(comp))
	x := c.unboxInteger(l, exit)
	y := c.unboxInteger(r, exit)
	c.a.And(x, y)
	boxed, done := asm.NewLabel(), asm.NewLabel()
	c.a.Move(y, x)
	c.a.Add(y, y)
	c.a.JumpIf(asm.Overflow, boxed)
	c.a.Move(c.t.Result, y)
	c.a.Jump(done)
	c.a.Bind(boxed)
	c.a.Move(c.t.Result, x)
	c.callRuntime(asm.BoxMint, comp.DeoptID, comp.TokenPos)
	c.a.Bind(done)
	return c.t.Result
}

// unboxInteger returns a scratch register with the raw value of a small
// or boxed integer.
func (c *FlowGraphCompiler) unboxInteger(v asm.Reg, exit *asm.Label) asm.Reg {
	raw := c.scratch()
	smi, done := asm.NewLabel(), asm.NewLabel()
	c.a.TestImmediate(v, object.SmiTagMask)
	c.a.JumpIf(asm.Zero, smi)
	c.a.Load(c.t.Temp, fieldAddress(v, object.HeaderOffset))
	c.a.CompareImmediate(c.t.Temp, int32(object.MintCid))
	c.a.JumpIf(asm.NotEqual, exit)
	c.a.Load(raw, boxValue(v))
	c.a.Jump(done)
	c.a.Bind(smi)
	c.a.Move(raw, v)
	c.a.SarImmediate(raw, object.SmiTagShift)
	c.a.Bind(done)
	return raw
}

func (c *FlowGraphCompiler) binaryDoubleOp(comp *ir.BinaryDoubleOp) asm.Reg {
	l, r := c.use(comp.Left), c.use(comp.Right)
	exit := c.deoptExit(deopt.ClassCheckReason(comp))
	c.checkClass(l, object.DoubleCid, exit)
	c.checkClass(r, object.DoubleCid, exit)
	f0, f1 := c.t.FpuResult, c.t.FpuResult+1
	c.a.LoadDouble(f0, boxValue(l))
	c.a.LoadDouble(f1, boxValue(r))
	switch comp.Op {
	case ast.Add:
		c.a.AddDouble(f0, f1)
	case ast.Sub:
		c.a.SubDouble(f0, f1)
	case ast.Mul:
		c.a.MulDouble(f0, f1)
	case ast.Div:
		c.a.DivDouble(f0, f1)
	case ast.Mod:
		c.callRuntime(asm.DoubleMod, comp.DeoptID, comp.TokenPos)
	default:
		c.fail(errors.Wrapf(ErrNoLocationSummary, "double operator %s", comp.Op))
	}
	c.callRuntime(asm.BoxDouble, comp.DeoptID, comp.TokenPos)
	return c.t.Result
}

func (c *FlowGraphCompiler) unarySmiOp(comp *ir.UnarySmiOp) asm.Reg {
	v := c.use(comp.Value)
	c.a.TestImmediate(v, object.SmiTagMask)
	c.a.JumpIf(asm.NotZero, c.deoptExit(deopt.ClassCheckReason(comp)))
	out := c.copyReg(v)
	switch comp.Op {
	case ast.Negate:
		c.a.Neg(out)
		c.a.JumpIf(asm.Overflow, c.deoptExit(deopt.BinarySmiOverflow))
	case ast.BitNot:
		c.a.Not(out)
		c.a.AndImmediate(out, ^int32(object.SmiTagMask))
	}
	return out
}

func (c *FlowGraphCompiler) toDouble(comp *ir.ToDouble) asm.Reg {
	v := c.use(comp.Value)
	exit := c.deoptExit(deopt.ClassCheckReason(comp))
	if comp.FromClass == object.DoubleCid {
		c.checkClass(v, object.DoubleCid, exit)
		return v
	}
	c.a.TestImmediate(v, object.SmiTagMask)
	c.a.JumpIf(asm.NotZero, exit)
	n := c.copyReg(v)
	c.a.SarImmediate(n, object.SmiTagShift)
	c.a.IntToDouble(c.t.FpuResult, n)
	c.callRuntime(asm.BoxDouble, comp.DeoptID, comp.TokenPos)
	return c.t.Result
}

// Fields and elements

func (c *FlowGraphCompiler) loadField(v ir.Value, classes []object.ClassID, offset int32, reason deopt.Reason) asm.Reg {
	obj := c.use(v)
	c.checkClasses(obj, classes, c.deoptExit(reason))
	out := c.scratch()
	c.a.Load(out, fieldAddress(obj, offset))
	return out
}

func (c *FlowGraphCompiler) loadIndexed(comp *ir.LoadIndexed) asm.Reg {
	arr, idx := c.use(comp.Array), c.use(comp.Index)
	addr := c.elementAddress(arr, idx, comp.ReceiverClass, deopt.ClassCheckReason(comp))
	c.a.Load(addr, fieldAddress(addr, object.ArrayDataOffset))
	return addr
}

func (c *FlowGraphCompiler) storeIndexed(comp *ir.StoreIndexed) asm.Reg {
	arr, idx, val := c.use(comp.Array), c.use(comp.Index), c.use(comp.Value)
	addr := c.elementAddress(arr, idx, comp.ReceiverClass, deopt.ClassCheckReason(comp))
	c.a.Store(fieldAddress(addr, object.ArrayDataOffset), val)
	return val
}

// elementAddress checks the receiver class and the index bounds, and
// returns a register that, offset by the array data, addresses the
// element. Indices and lengths are both tagged, so the tagged index
// scaled by four is the byte offset.
func (c *FlowGraphCompiler) elementAddress(arr, idx asm.Reg, cid object.ClassID, reason deopt.Reason) asm.Reg {
	c.checkClass(arr, cid, c.deoptExit(reason))
	c.a.TestImmediate(idx, object.SmiTagMask)
	c.a.JumpIf(asm.NotZero, c.deoptExit(reason))
	length := int32(object.ArrayLengthOffset)
	if cid == object.GrowableArrayCid {
		length = object.GrowableLengthOffset
	}
	c.a.Load(c.t.Temp, fieldAddress(arr, length))
	c.a.Compare(idx, c.t.Temp)
	c.a.JumpIf(asm.AboveEqual, c.deoptExit(deopt.IndexOutOfRange))

	addr := c.copyReg(idx)
	c.a.ShlImmediate(addr, 2)
	if cid == object.GrowableArrayCid {
		c.a.Load(c.t.Temp, fieldAddress(arr, object.GrowableDataOffset))
		c.a.Add(addr, c.t.Temp)
	} else {
		c.a.Add(addr, arr)
	}
	return addr
}
