package deopt

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// Op is a frame-translation instruction kind.
type Op uint8

const (
	CopyRegister Op = iota
	CopyStackSlot
	CopyConstant
	CopyMaterialized
	SetRetAddress
)

func (op Op) String() string {
	switch op {
	case CopyRegister:
		return "reg"
	case CopyStackSlot:
		return "slot"
	case CopyConstant:
		return "const"
	case CopyMaterialized:
		return "push"
	case SetRetAddress:
		return "ret"
	}
	return "?"
}

// Instr writes one word of the unoptimized expression area. Dest indexes
// that area: temps first, then pending arguments. For SetRetAddress, Src
// is the resume offset in unoptimized code.
type Instr struct {
	Op    Op
	Dest  int
	Src   int
	Const any
}

func (in Instr) String() string {
	switch in.Op {
	case CopyConstant:
		return fmt.Sprintf("e%d <- const(%v)", in.Dest, in.Const)
	case SetRetAddress:
		return fmt.Sprintf("ret <- +%d", in.Src)
	}
	return fmt.Sprintf("e%d <- %s%d", in.Dest, in.Op, in.Src)
}

// Info is the machine-level recipe for one deopt exit of optimized code.
type Info struct {
	DeoptID  int
	Reason   Reason
	TokenPos int
	TryIndex int
	// ExprSize is the size of the unoptimized expression area: the frame
	// temps plus the pending arguments.
	ExprSize int
	Instrs   []Instr
}

func (d *Info) add(in Instr) { d.Instrs = append(d.Instrs, in) }

func (d *Info) AddCopyRegister(dest, reg int)     { d.add(Instr{Op: CopyRegister, Dest: dest, Src: reg}) }
func (d *Info) AddCopyStackSlot(dest, slot int)   { d.add(Instr{Op: CopyStackSlot, Dest: dest, Src: slot}) }
func (d *Info) AddCopyConstant(dest int, c any)   { d.add(Instr{Op: CopyConstant, Dest: dest, Const: c}) }
func (d *Info) AddCopyMaterialized(dest, pos int) { d.add(Instr{Op: CopyMaterialized, Dest: dest, Src: pos}) }
func (d *Info) SetRetAddress(offset int)          { d.add(Instr{Op: SetRetAddress, Src: offset}) }

// RetAddress returns the resume offset recorded by SetRetAddress.
func (d *Info) RetAddress() (int, bool) {
	for _, in := range d.Instrs {
		if in.Op == SetRetAddress {
			return in.Src, true
		}
	}
	return 0, false
}

func (d *Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "deopt #%d %s pos=%d try=%d size=%d:", d.DeoptID, d.Reason, d.TokenPos, d.TryIndex, d.ExprSize)
	for _, in := range d.Instrs {
		b.WriteString(" ")
		b.WriteString(in.String())
	}
	return b.String()
}

// Source reads the state of the optimized frame being abandoned.
type Source interface {
	Register(r int) object.Word
	StackSlot(slot int) object.Word
	// Materialized returns the pos-th argument optimized code pushed,
	// counted from the first.
	Materialized(pos int) object.Word
	Constant(c any) (object.Word, error)
	Null() object.Word
}

// Translate computes the unoptimized expression area and the resume
// offset. Slots no instruction writes hold null.
func (d *Info) Translate(src Source) ([]object.Word, int, error) {
	area := make([]object.Word, d.ExprSize)
	for i := range area {
		area[i] = src.Null()
	}
	ret, ok := d.RetAddress()
	if !ok {
		return nil, 0, errors.Errorf("deopt #%d has no return address", d.DeoptID)
	}
	for _, in := range d.Instrs {
		if in.Op == SetRetAddress {
			continue
		}
		if in.Dest < 0 || in.Dest >= len(area) {
			return nil, 0, errors.Errorf("deopt #%d writes e%d outside of %d slots", d.DeoptID, in.Dest, len(area))
		}
		switch in.Op {
		case CopyRegister:
			area[in.Dest] = src.Register(in.Src)
		case CopyStackSlot:
			area[in.Dest] = src.StackSlot(in.Src)
		case CopyMaterialized:
			area[in.Dest] = src.Materialized(in.Src)
		case CopyConstant:
			w, err := src.Constant(in.Const)
			if err != nil {
				return nil, 0, errors.Wrapf(err, "deopt #%d constant %v", d.DeoptID, in.Const)
			}
			area[in.Dest] = w
		}
	}
	return area, ret, nil
}
