// Package amd64 implements the x86-64 backend: a machine code assembler for
// the emitter contract and a disassembler built on x86asm.
//
// Design: every jump uses a rel32 displacement so code layout never depends
// on label distance. Instance and static calls go through the object pool
// register, runtime calls through the thread register.
package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
)

// Assembler emits x86-64 machine code.
type Assembler struct {
	buf      []byte
	comments []asm.Comment
}

var _ asm.Assembler = (*Assembler)(nil)

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler { return &Assembler{} }

func (a *Assembler) emit(b ...byte) { a.buf = append(a.buf, b...) }

func (a *Assembler) emit32(v int32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(v))
}

func fitsInt8(v int32) bool { return v >= -128 && v <= 127 }

// rex builds a REX prefix; it returns 0 when none is needed.
func rex(w bool, reg, rm byte) byte {
	var p byte
	if w {
		p |= 0x08
	}
	if reg >= 8 {
		p |= 0x04
	}
	if rm >= 8 {
		p |= 0x01
	}
	if p == 0 {
		return 0
	}
	return 0x40 | p
}

// rr emits [prefix] [REX] op ModRM(11, reg, rm).
func (a *Assembler) rr(prefix byte, w bool, op []byte, reg, rm byte) {
	if prefix != 0 {
		a.emit(prefix)
	}
	if p := rex(w, reg, rm); p != 0 {
		a.emit(p)
	}
	a.emit(op...)
	a.emit(0xC0 | (reg&7)<<3 | rm&7)
}

// rm emits [prefix] [REX] op ModRM(reg, [base+disp]).
func (a *Assembler) rm(prefix byte, w bool, op []byte, reg byte, m asm.Address) {
	base := byte(m.Base)
	if prefix != 0 {
		a.emit(prefix)
	}
	if p := rex(w, reg, base); p != 0 {
		a.emit(p)
	}
	a.emit(op...)
	var mod byte
	switch {
	case m.Offset == 0 && base&7 != 5:
		mod = 0x00
	case fitsInt8(m.Offset):
		mod = 0x40
	default:
		mod = 0x80
	}
	a.emit(mod | (reg&7)<<3 | base&7)
	if base&7 == 4 {
		a.emit(0x24) // SIB: base only
	}
	switch mod {
	case 0x40:
		a.emit(byte(int8(m.Offset)))
	case 0x80:
		a.emit32(m.Offset)
	}
}

// alu emits a REX.W r/m64, r64 operation.
func (a *Assembler) alu(op byte, dst, src asm.Reg) {
	a.rr(0, true, []byte{op}, byte(src), byte(dst))
}

// group1 emits an 81 /ext or 83 /ext immediate operation.
func (a *Assembler) group1(ext byte, dst asm.Reg, imm int32) {
	if fitsInt8(imm) {
		a.rr(0, true, []byte{0x83}, ext, byte(dst))
		a.emit(byte(int8(imm)))
		return
	}
	a.rr(0, true, []byte{0x81}, ext, byte(dst))
	a.emit32(imm)
}

func (a *Assembler) Move(dst, src asm.Reg) {
	if dst != src {
		a.alu(0x89, dst, src)
	}
}

func (a *Assembler) LoadImmediate(dst asm.Reg, imm int64) {
	if imm == int64(int32(imm)) {
		a.rr(0, true, []byte{0xC7}, 0, byte(dst))
		a.emit32(int32(imm))
		return
	}
	if p := rex(true, 0, byte(dst)); p != 0 {
		a.emit(p)
	}
	a.emit(0xB8 | byte(dst)&7)
	a.buf = binary.LittleEndian.AppendUint64(a.buf, uint64(imm))
}

func (a *Assembler) Load(dst asm.Reg, m asm.Address)  { a.rm(0, true, []byte{0x8B}, byte(dst), m) }
func (a *Assembler) Store(m asm.Address, src asm.Reg) { a.rm(0, true, []byte{0x89}, byte(src), m) }

func (a *Assembler) Push(r asm.Reg) {
	if r >= 8 {
		a.emit(0x41)
	}
	a.emit(0x50 | byte(r)&7)
}

func (a *Assembler) Pop(r asm.Reg) {
	if r >= 8 {
		a.emit(0x41)
	}
	a.emit(0x58 | byte(r)&7)
}

func (a *Assembler) Add(dst, src asm.Reg) { a.alu(0x01, dst, src) }
func (a *Assembler) Sub(dst, src asm.Reg) { a.alu(0x29, dst, src) }
func (a *Assembler) And(dst, src asm.Reg) { a.alu(0x21, dst, src) }
func (a *Assembler) Or(dst, src asm.Reg)  { a.alu(0x09, dst, src) }
func (a *Assembler) Xor(dst, src asm.Reg) { a.alu(0x31, dst, src) }

func (a *Assembler) Mul(dst, src asm.Reg) {
	a.rr(0, true, []byte{0x0F, 0xAF}, byte(dst), byte(src))
}

// Div divides dst by src through rax:rdx. Neither operand may be RDX.
func (a *Assembler) Div(dst, src asm.Reg) {
	a.Move(RAX, dst)
	a.emit(0x48, 0x99) // cqo
	a.rr(0, true, []byte{0xF7}, 7, byte(src))
	a.Move(dst, RAX)
}

func (a *Assembler) AddImmediate(dst asm.Reg, imm int32) { a.group1(0, dst, imm) }
func (a *Assembler) AndImmediate(dst asm.Reg, imm int32) { a.group1(4, dst, imm) }
func (a *Assembler) Neg(dst asm.Reg)                     { a.rr(0, true, []byte{0xF7}, 3, byte(dst)) }
func (a *Assembler) Not(dst asm.Reg)                     { a.rr(0, true, []byte{0xF7}, 2, byte(dst)) }

func (a *Assembler) SarImmediate(dst asm.Reg, n uint8) {
	a.rr(0, true, []byte{0xC1}, 7, byte(dst))
	a.emit(n)
}

func (a *Assembler) ShlImmediate(dst asm.Reg, n uint8) {
	a.rr(0, true, []byte{0xC1}, 4, byte(dst))
	a.emit(n)
}

// Sar and Shl take the count in cl.
func (a *Assembler) Sar(dst, count asm.Reg) {
	a.Move(RCX, count)
	a.rr(0, true, []byte{0xD3}, 7, byte(dst))
}

func (a *Assembler) Shl(dst, count asm.Reg) {
	a.Move(RCX, count)
	a.rr(0, true, []byte{0xD3}, 4, byte(dst))
}

func (a *Assembler) Compare(x, y asm.Reg)                  { a.alu(0x39, x, y) }
func (a *Assembler) CompareImmediate(x asm.Reg, imm int32) { a.group1(7, x, imm) }

func (a *Assembler) TestImmediate(x asm.Reg, imm int32) {
	a.rr(0, true, []byte{0xF7}, 0, byte(x))
	a.emit32(imm)
}

func (a *Assembler) LoadDouble(dst asm.FReg, m asm.Address) {
	a.rm(0xF2, false, []byte{0x0F, 0x10}, byte(dst), m)
}

func (a *Assembler) sse(op byte, dst, src asm.FReg) {
	a.rr(0xF2, false, []byte{0x0F, op}, byte(dst), byte(src))
}

func (a *Assembler) MoveDouble(dst, src asm.FReg) {
	if dst != src {
		a.sse(0x10, dst, src)
	}
}

func (a *Assembler) AddDouble(dst, src asm.FReg) { a.sse(0x58, dst, src) }
func (a *Assembler) MulDouble(dst, src asm.FReg) { a.sse(0x59, dst, src) }
func (a *Assembler) SubDouble(dst, src asm.FReg) { a.sse(0x5C, dst, src) }
func (a *Assembler) DivDouble(dst, src asm.FReg) { a.sse(0x5E, dst, src) }
func (a *Assembler) SqrtDouble(dst asm.FReg)     { a.sse(0x51, dst, dst) }

// NegDouble flips the sign bit through Temp.
func (a *Assembler) NegDouble(dst asm.FReg) {
	a.rr(0x66, true, []byte{0x0F, 0x7E}, byte(dst), byte(Temp)) // movq temp, xmm
	a.rr(0, true, []byte{0x0F, 0xBA}, 7, byte(Temp))            // btc temp, 63
	a.emit(63)
	a.rr(0x66, true, []byte{0x0F, 0x6E}, byte(dst), byte(Temp)) // movq xmm, temp
}

func (a *Assembler) IntToDouble(dst asm.FReg, src asm.Reg) {
	a.rr(0xF2, true, []byte{0x0F, 0x2A}, byte(dst), byte(src))
}

func (a *Assembler) CompareDouble(x, y asm.FReg) {
	a.rr(0x66, false, []byte{0x0F, 0x2E}, byte(x), byte(y)) // ucomisd
}

// Condition codes in the low nibble of Jcc.
var condCodes = [...]byte{
	asm.Overflow: 0x0, asm.NoOverflow: 0x1, asm.Below: 0x2, asm.AboveEqual: 0x3,
	asm.Equal: 0x4, asm.NotEqual: 0x5, asm.Zero: 0x4, asm.NotZero: 0x5,
	asm.BelowEqual: 0x6, asm.Above: 0x7, asm.ParityEven: 0xA, asm.ParityOdd: 0xB,
	asm.Less: 0xC, asm.GreaterEqual: 0xD, asm.LessEqual: 0xE, asm.Greater: 0xF,
}

func (a *Assembler) Bind(l *asm.Label) {
	pos := len(a.buf)
	for _, at := range l.BindTo(pos) {
		binary.LittleEndian.PutUint32(a.buf[at:], uint32(int32(pos-(at+4))))
	}
}

// rel32 emits the displacement of a jump whose opcode is already out.
func (a *Assembler) rel32(l *asm.Label) {
	at := len(a.buf)
	if l.IsBound() {
		a.emit32(int32(l.Pos() - (at + 4)))
		return
	}
	l.Link(at)
	a.emit32(0)
}

func (a *Assembler) Jump(l *asm.Label) {
	a.emit(0xE9)
	a.rel32(l)
}

func (a *Assembler) JumpIf(c asm.Cond, l *asm.Label) {
	a.emit(0x0F, 0x80|condCodes[c])
	a.rel32(l)
}

// callIndirect emits call [base+disp32].
func (a *Assembler) callIndirect(base asm.Reg, disp int32) {
	a.rm(0, false, []byte{0xFF}, 2, asm.Address{Base: base, Offset: disp})
}

func (a *Assembler) CallInstance(site int)          { a.callIndirect(Pool, int32(8*site)) }
func (a *Assembler) CallStatic(site int)            { a.callIndirect(Pool, int32(8*site)) }
func (a *Assembler) CallRuntime(e asm.RuntimeEntry) { a.callIndirect(Thread, int32(8*int(e))) }

func (a *Assembler) EnterFrame(slots int) {
	a.Push(RBP)
	a.Move(RBP, RSP)
	if slots > 0 {
		a.rr(0, true, []byte{0x81}, 5, byte(RSP))
		a.emit32(int32(8 * slots))
	}
}

func (a *Assembler) LeaveFrame() { a.emit(0xC9) }
func (a *Assembler) Return()     { a.emit(0xC3) }

// PatchableEntry emits "jmp rel32 0".
func (a *Assembler) PatchableEntry() { a.emit(0xE9, 0, 0, 0, 0) }

// PatchJump returns the five bytes that redirect a patchable entry at
// address at to target.
func PatchJump(at, target uint64) []byte {
	raw := []byte{0xE9, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(raw[1:], uint32(int32(int64(target)-int64(at+5))))
	return raw
}

func (a *Assembler) Comment(format string, args ...any) {
	a.comments = append(a.comments, asm.Comment{Offset: len(a.buf), Text: fmt.Sprintf(format, args...)})
}

func (a *Assembler) Offset() int             { return len(a.buf) }
func (a *Assembler) Bytes() []byte           { return a.buf }
func (a *Assembler) Comments() []asm.Comment { return a.comments }
