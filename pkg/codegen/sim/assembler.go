package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
)

// Assembler encodes sim instructions. Jump immediates are relative to the
// end of the jump.
type Assembler struct {
	buf      []byte
	comments []asm.Comment
}

var _ asm.Assembler = (*Assembler)(nil)

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler { return &Assembler{} }

func (a *Assembler) emit(op Opcode, ra, rb, rc uint8, imm int64) {
	a.buf = Instr{Op: op, A: ra, B: rb, C: rc, Imm: imm}.Encode(a.buf)
}

func r(x asm.Reg) uint8  { return uint8(x) }
func f(x asm.FReg) uint8 { return uint8(x) }

func (a *Assembler) Move(dst, src asm.Reg) {
	if dst != src {
		a.emit(MOV, r(dst), r(src), 0, 0)
	}
}

func (a *Assembler) LoadImmediate(dst asm.Reg, imm int64) { a.emit(LI, r(dst), 0, 0, imm) }

func (a *Assembler) Load(dst asm.Reg, ad asm.Address) {
	a.emit(LD, r(dst), r(ad.Base), 0, int64(ad.Offset))
}

func (a *Assembler) Store(ad asm.Address, src asm.Reg) {
	a.emit(ST, r(ad.Base), r(src), 0, int64(ad.Offset))
}

func (a *Assembler) Push(x asm.Reg) { a.emit(PUSH, r(x), 0, 0, 0) }
func (a *Assembler) Pop(x asm.Reg)  { a.emit(POP, r(x), 0, 0, 0) }

func (a *Assembler) Add(dst, src asm.Reg) { a.emit(ADD, r(dst), r(src), 0, 0) }
func (a *Assembler) Sub(dst, src asm.Reg) { a.emit(SUB, r(dst), r(src), 0, 0) }
func (a *Assembler) Mul(dst, src asm.Reg) { a.emit(MUL, r(dst), r(src), 0, 0) }
func (a *Assembler) Div(dst, src asm.Reg) { a.emit(DIV, r(dst), r(src), 0, 0) }
func (a *Assembler) And(dst, src asm.Reg) { a.emit(AND, r(dst), r(src), 0, 0) }
func (a *Assembler) Or(dst, src asm.Reg)  { a.emit(OR, r(dst), r(src), 0, 0) }
func (a *Assembler) Xor(dst, src asm.Reg) { a.emit(XOR, r(dst), r(src), 0, 0) }

func (a *Assembler) AddImmediate(dst asm.Reg, imm int32) { a.emit(ADDI, r(dst), 0, 0, int64(imm)) }
func (a *Assembler) AndImmediate(dst asm.Reg, imm int32) { a.emit(ANDI, r(dst), 0, 0, int64(imm)) }
func (a *Assembler) Neg(dst asm.Reg)                     { a.emit(NEG, r(dst), 0, 0, 0) }
func (a *Assembler) Not(dst asm.Reg)                     { a.emit(NOT, r(dst), 0, 0, 0) }
func (a *Assembler) SarImmediate(dst asm.Reg, n uint8)   { a.emit(SARI, r(dst), 0, 0, int64(n)) }
func (a *Assembler) ShlImmediate(dst asm.Reg, n uint8)   { a.emit(SHLI, r(dst), 0, 0, int64(n)) }
func (a *Assembler) Sar(dst, count asm.Reg)              { a.emit(SAR, r(dst), r(count), 0, 0) }
func (a *Assembler) Shl(dst, count asm.Reg)              { a.emit(SHL, r(dst), r(count), 0, 0) }

func (a *Assembler) Compare(x, y asm.Reg)                { a.emit(CMP, r(x), r(y), 0, 0) }
func (a *Assembler) CompareImmediate(x asm.Reg, i int32) { a.emit(CMPI, r(x), 0, 0, int64(i)) }
func (a *Assembler) TestImmediate(x asm.Reg, i int32)    { a.emit(TESTI, r(x), 0, 0, int64(i)) }

func (a *Assembler) LoadDouble(dst asm.FReg, ad asm.Address) {
	a.emit(FLD, f(dst), r(ad.Base), 0, int64(ad.Offset))
}

func (a *Assembler) MoveDouble(dst, src asm.FReg) {
	if dst != src {
		a.emit(FMOV, f(dst), f(src), 0, 0)
	}
}

func (a *Assembler) AddDouble(dst, src asm.FReg)           { a.emit(FADD, f(dst), f(src), 0, 0) }
func (a *Assembler) SubDouble(dst, src asm.FReg)           { a.emit(FSUB, f(dst), f(src), 0, 0) }
func (a *Assembler) MulDouble(dst, src asm.FReg)           { a.emit(FMUL, f(dst), f(src), 0, 0) }
func (a *Assembler) DivDouble(dst, src asm.FReg)           { a.emit(FDIV, f(dst), f(src), 0, 0) }
func (a *Assembler) SqrtDouble(dst asm.FReg)               { a.emit(FSQRT, f(dst), 0, 0, 0) }
func (a *Assembler) NegDouble(dst asm.FReg)                { a.emit(FNEG, f(dst), 0, 0, 0) }
func (a *Assembler) IntToDouble(dst asm.FReg, src asm.Reg) { a.emit(CVTIF, f(dst), r(src), 0, 0) }
func (a *Assembler) CompareDouble(x, y asm.FReg)           { a.emit(FCMP, f(x), f(y), 0, 0) }

func (a *Assembler) Bind(l *asm.Label) {
	pos := len(a.buf)
	for _, at := range l.BindTo(pos) {
		binary.LittleEndian.PutUint64(a.buf[at+4:], uint64(int64(pos-(at+InstrSize))))
	}
}

func (a *Assembler) jump(op Opcode, c asm.Cond, l *asm.Label) {
	at := len(a.buf)
	var rel int64
	if l.IsBound() {
		rel = int64(l.Pos() - (at + InstrSize))
	} else {
		l.Link(at)
	}
	a.emit(op, 0, 0, uint8(c), rel)
}

func (a *Assembler) Jump(l *asm.Label)               { a.jump(JMP, 0, l) }
func (a *Assembler) JumpIf(c asm.Cond, l *asm.Label) { a.jump(JCC, c, l) }

func (a *Assembler) CallInstance(site int)          { a.emit(CALLI, 0, 0, 0, int64(site)) }
func (a *Assembler) CallStatic(site int)            { a.emit(CALLS, 0, 0, 0, int64(site)) }
func (a *Assembler) CallRuntime(e asm.RuntimeEntry) { a.emit(CALLR, uint8(e), 0, 0, 0) }

func (a *Assembler) EnterFrame(slots int) { a.emit(ENTER, 0, 0, 0, int64(slots)) }
func (a *Assembler) LeaveFrame()          { a.emit(LEAVE, 0, 0, 0, 0) }
func (a *Assembler) Return()              { a.emit(RET, 0, 0, 0, 0) }

// PatchableEntry emits "jmp +0". Redirecting it rewrites the immediate.
func (a *Assembler) PatchableEntry() { a.emit(JMP, 0, 0, 0, 0) }

func (a *Assembler) Comment(format string, args ...any) {
	a.comments = append(a.comments, asm.Comment{Offset: len(a.buf), Text: fmt.Sprintf(format, args...)})
}

func (a *Assembler) Offset() int             { return len(a.buf) }
func (a *Assembler) Bytes() []byte           { return a.buf }
func (a *Assembler) Comments() []asm.Comment { return a.comments }

// PatchJump returns the bytes that make the jump at the start of code
// (as emitted by PatchableEntry) land on target. Both addresses are
// absolute.
func PatchJump(at, target uint64) []byte {
	var raw [InstrSize]byte
	raw[0] = byte(JMP)
	binary.LittleEndian.PutUint64(raw[4:], uint64(int64(target-(at+InstrSize))))
	return raw[:]
}
