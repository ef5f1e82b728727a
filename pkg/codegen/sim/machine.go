package sim

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
)

// DefaultMaxSteps bounds a single Run.
const DefaultMaxSteps = 200_000_000

// Fault is a machine-level error: bad memory access, invalid instruction
// or a trap.
type Fault struct {
	PC     uint64
	Reason string
}

func (f *Fault) Error() string { return fmt.Sprintf("fault at %#x: %s", f.PC, f.Reason) }

// CodeReader gives the machine access to executable code.
type CodeReader interface {
	// Fetch returns at least InstrSize bytes at pc.
	Fetch(pc uint64) ([]byte, error)
}

// TransferKind says how execution continues after a runtime hook.
type TransferKind uint8

const (
	// Fallthrough continues after the call instruction.
	Fallthrough TransferKind = iota
	// Enter pushes the return address and jumps to PC.
	Enter
	// Resume jumps to PC; the hook has already set SP and FP.
	Resume
)

// Transfer is the continuation a runtime hook returns.
type Transfer struct {
	Kind TransferKind
	PC   uint64
}

// Runtime services the call instructions. ret is the address after the
// call. Hooks read arguments from the stack and leave results in R0.
type Runtime interface {
	CallInstance(m *Machine, ret uint64, site int) (Transfer, error)
	CallStatic(m *Machine, ret uint64, site int) (Transfer, error)
	CallRuntime(m *Machine, ret uint64, e asm.RuntimeEntry) (Transfer, error)
}

type flags struct {
	zf, lt, ult, of, pf bool
}

// Machine interprets sim code.
type Machine struct {
	Regs  [NumRegs]uint64
	FRegs [NumFpuRegs]float64
	PC    uint64

	Mem      *Memory
	Code     CodeReader
	Runtime  Runtime
	MaxSteps int64

	flags flags
	steps int64
}

// NewMachine returns a machine with an empty stack at the top of mem.
func NewMachine(mem *Memory, code CodeReader, rt Runtime) *Machine {
	m := &Machine{Mem: mem, Code: code, Runtime: rt, MaxSteps: DefaultMaxSteps}
	m.Regs[SP] = mem.End()
	m.Regs[FP] = mem.End()
	return m
}

func (m *Machine) SP() uint64 { return m.Regs[SP] }
func (m *Machine) FP() uint64 { return m.Regs[FP] }

// Steps reports the instructions executed so far.
func (m *Machine) Steps() int64 { return m.steps }

func (m *Machine) fault(format string, args ...any) error {
	return &Fault{PC: m.PC, Reason: fmt.Sprintf(format, args...)}
}

// Push stores v below SP.
func (m *Machine) Push(v uint64) error {
	m.Regs[SP] -= 8
	if err := m.Mem.Store(m.Regs[SP], v); err != nil {
		return m.fault("stack overflow: %v", err)
	}
	return nil
}

// Pop loads the word at SP.
func (m *Machine) Pop() (uint64, error) {
	v, err := m.Mem.Load(m.Regs[SP])
	if err != nil {
		return 0, m.fault("stack underflow: %v", err)
	}
	m.Regs[SP] += 8
	return v, nil
}

// Invoke calls the code at entry with args pushed left to right and
// returns R0. The stack is restored even when the call fails.
func (m *Machine) Invoke(entry uint64, args ...uint64) (uint64, error) {
	sp, fp, pc := m.Regs[SP], m.Regs[FP], m.PC
	defer func() { m.Regs[SP], m.Regs[FP], m.PC = sp, fp, pc }()
	for _, a := range args {
		if err := m.Push(a); err != nil {
			return 0, err
		}
	}
	if err := m.Push(HaltAddress); err != nil {
		return 0, err
	}
	m.PC = entry
	if err := m.Run(); err != nil {
		return 0, err
	}
	return m.Regs[R0], nil
}

// Run executes until control returns to HaltAddress.
func (m *Machine) Run() error {
	for m.PC != HaltAddress {
		if m.MaxSteps > 0 && m.steps >= m.MaxSteps {
			return m.fault("step limit %d exceeded", m.MaxSteps)
		}
		if err := m.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) cond(c asm.Cond) (bool, error) {
	fl := m.flags
	switch c {
	case asm.Equal, asm.Zero:
		return fl.zf, nil
	case asm.NotEqual, asm.NotZero:
		return !fl.zf, nil
	case asm.Less:
		return fl.lt, nil
	case asm.GreaterEqual:
		return !fl.lt, nil
	case asm.LessEqual:
		return fl.lt || fl.zf, nil
	case asm.Greater:
		return !fl.lt && !fl.zf, nil
	case asm.Below:
		return fl.ult, nil
	case asm.AboveEqual:
		return !fl.ult, nil
	case asm.BelowEqual:
		return fl.ult || fl.zf, nil
	case asm.Above:
		return !fl.ult && !fl.zf, nil
	case asm.Overflow:
		return fl.of, nil
	case asm.NoOverflow:
		return !fl.of, nil
	case asm.ParityEven:
		return fl.pf, nil
	case asm.ParityOdd:
		return !fl.pf, nil
	}
	return false, m.fault("invalid condition %d", c)
}

func (m *Machine) setResult(v uint64) {
	m.flags = flags{zf: v == 0, lt: int64(v) < 0}
}

func addOverflows(a, b, sum int64) bool { return (a >= 0) == (b >= 0) && (sum >= 0) != (a >= 0) }

func mulOverflows(a, b int64) bool {
	if a == 0 || b == 0 {
		return false
	}
	hi, lo := bits.Mul64(uint64(abs(a)), uint64(abs(b)))
	neg := (a < 0) != (b < 0)
	if hi != 0 {
		return true
	}
	if neg {
		return lo > 1<<63
	}
	return lo >= 1<<63
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Step executes one instruction.
func (m *Machine) Step() error {
	raw, err := m.Code.Fetch(m.PC)
	if err != nil {
		return m.fault("fetch: %v", err)
	}
	in, err := Decode(raw)
	if err != nil {
		return m.fault("%v", err)
	}
	m.steps++
	next := m.PC + InstrSize
	R := &m.Regs
	F := &m.FRegs
	a, b := in.A%NumRegs, in.B%NumRegs

	switch in.Op {
	case NOP:
	case MOV:
		R[a] = R[b]
	case LI:
		R[a] = uint64(in.Imm)
	case LD:
		v, err := m.Mem.Load(R[b] + uint64(in.Imm))
		if err != nil {
			return m.fault("load: %v", err)
		}
		R[a] = v
	case ST:
		if err := m.Mem.Store(R[a]+uint64(in.Imm), R[b]); err != nil {
			return m.fault("store: %v", err)
		}
	case PUSH:
		if err := m.Push(R[a]); err != nil {
			return err
		}
	case POP:
		v, err := m.Pop()
		if err != nil {
			return err
		}
		R[a] = v
	case ADD, ADDI:
		x, y := int64(R[a]), int64(R[b])
		if in.Op == ADDI {
			y = in.Imm
		}
		sum := x + y
		R[a] = uint64(sum)
		m.setResult(R[a])
		m.flags.of = addOverflows(x, y, sum)
	case SUB:
		x, y := int64(R[a]), int64(R[b])
		diff := x - y
		R[a] = uint64(diff)
		m.setResult(R[a])
		m.flags.of = (x >= 0) != (y >= 0) && (diff >= 0) != (x >= 0)
	case MUL:
		x, y := int64(R[a]), int64(R[b])
		R[a] = uint64(x * y)
		m.setResult(R[a])
		m.flags.of = mulOverflows(x, y)
	case DIV:
		x, y := int64(R[a]), int64(R[b])
		if y == 0 {
			return m.fault("integer divide by zero")
		}
		if x == math.MinInt64 && y == -1 {
			return m.fault("integer divide overflow")
		}
		R[a] = uint64(x / y)
		m.setResult(R[a])
	case AND:
		R[a] &= R[b]
		m.setResult(R[a])
	case OR:
		R[a] |= R[b]
		m.setResult(R[a])
	case XOR:
		R[a] ^= R[b]
		m.setResult(R[a])
	case ANDI:
		R[a] &= uint64(in.Imm)
		m.setResult(R[a])
	case NEG:
		of := int64(R[a]) == math.MinInt64
		R[a] = -R[a]
		m.setResult(R[a])
		m.flags.of = of
	case NOT:
		R[a] = ^R[a]
	case SARI:
		R[a] = uint64(int64(R[a]) >> (uint64(in.Imm) & 63))
	case SHLI:
		R[a] <<= uint64(in.Imm) & 63
	case SAR:
		R[a] = uint64(int64(R[a]) >> (R[b] & 63))
	case SHL:
		R[a] <<= R[b] & 63
	case CMP, CMPI:
		x, y := R[a], R[b]
		if in.Op == CMPI {
			y = uint64(in.Imm)
		}
		m.flags = flags{zf: x == y, lt: int64(x) < int64(y), ult: x < y}
	case TESTI:
		m.flags = flags{zf: R[a]&uint64(in.Imm) == 0}
	case FLD:
		v, err := m.Mem.Load(R[b] + uint64(in.Imm))
		if err != nil {
			return m.fault("load: %v", err)
		}
		F[in.A%NumFpuRegs] = math.Float64frombits(v)
	case FMOV:
		F[in.A%NumFpuRegs] = F[in.B%NumFpuRegs]
	case FADD:
		F[in.A%NumFpuRegs] += F[in.B%NumFpuRegs]
	case FSUB:
		F[in.A%NumFpuRegs] -= F[in.B%NumFpuRegs]
	case FMUL:
		F[in.A%NumFpuRegs] *= F[in.B%NumFpuRegs]
	case FDIV:
		F[in.A%NumFpuRegs] /= F[in.B%NumFpuRegs]
	case FSQRT:
		F[in.A%NumFpuRegs] = math.Sqrt(F[in.A%NumFpuRegs])
	case FNEG:
		F[in.A%NumFpuRegs] = -F[in.A%NumFpuRegs]
	case CVTIF:
		F[in.A%NumFpuRegs] = float64(int64(R[b]))
	case FCMP:
		x, y := F[in.A%NumFpuRegs], F[in.B%NumFpuRegs]
		if math.IsNaN(x) || math.IsNaN(y) {
			m.flags = flags{zf: true, ult: true, pf: true}
		} else {
			m.flags = flags{zf: x == y, ult: x < y}
		}
	case JMP:
		next += uint64(in.Imm)
	case JCC:
		taken, err := m.cond(asm.Cond(in.C))
		if err != nil {
			return err
		}
		if taken {
			next += uint64(in.Imm)
		}
	case CALLI, CALLS, CALLR:
		return m.call(in, next)
	case ENTER:
		if err := m.Push(R[FP]); err != nil {
			return err
		}
		R[FP] = R[SP]
		R[SP] -= 8 * uint64(in.Imm)
		if R[SP] < m.Mem.Base() {
			return m.fault("stack overflow")
		}
	case LEAVE:
		R[SP] = R[FP]
		v, err := m.Pop()
		if err != nil {
			return err
		}
		R[FP] = v
	case RET:
		v, err := m.Pop()
		if err != nil {
			return err
		}
		next = v
	default:
		return m.fault("unimplemented opcode %s", in.Op)
	}
	m.PC = next
	return nil
}

func (m *Machine) call(in Instr, ret uint64) error {
	if m.Runtime == nil {
		return m.fault("%s without a runtime", in.Op)
	}
	var (
		t   Transfer
		err error
	)
	switch in.Op {
	case CALLI:
		t, err = m.Runtime.CallInstance(m, ret, int(in.Imm))
	case CALLS:
		t, err = m.Runtime.CallStatic(m, ret, int(in.Imm))
	default:
		t, err = m.Runtime.CallRuntime(m, ret, asm.RuntimeEntry(in.A))
	}
	if err != nil {
		return err
	}
	switch t.Kind {
	case Fallthrough:
		m.PC = ret
	case Enter:
		if err := m.Push(ret); err != nil {
			return err
		}
		m.PC = t.PC
	case Resume:
		m.PC = t.PC
	}
	return nil
}

// Flat is a CodeReader over one contiguous buffer.
type Flat struct {
	Base  uint64
	Bytes []byte
}

func (c *Flat) Fetch(pc uint64) ([]byte, error) {
	if pc < c.Base || pc+InstrSize > c.Base+uint64(len(c.Bytes)) {
		return nil, fmt.Errorf("pc %#x outside code", pc)
	}
	return c.Bytes[pc-c.Base:], nil
}
