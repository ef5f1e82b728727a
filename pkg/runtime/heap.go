package runtime

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/sim"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// ErrOutOfMemory is returned when the heap region of the isolate memory is
// exhausted. There is no collector.
var ErrOutOfMemory = errors.New("heap exhausted")

const minGrowableCapacity = 4

// heap allocates objects bottom-up in the isolate memory, below the
// machine stack. Objects never move.
type heap struct {
	mem     *sim.Memory
	classes *object.ClassTable
	top     uint64
	limit   uint64
	out     io.Writer

	null, trueObj, falseObj object.Word
}

func newHeap(mem *sim.Memory, size int, classes *object.ClassTable, out io.Writer) (*heap, error) {
	h := &heap{
		mem:     mem,
		classes: classes,
		top:     mem.Base(),
		limit:   mem.Base() + uint64(size),
		out:     out,
	}
	var err error
	if h.null, err = h.allocate(object.NullCid, object.BoxSize); err != nil {
		return nil, err
	}
	if h.trueObj, err = h.box(object.BoolCid, 1); err != nil {
		return nil, err
	}
	if h.falseObj, err = h.box(object.BoolCid, 0); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *heap) load(addr uint64) uint64 {
	v, _ := h.mem.Load(addr)
	return v
}

func (h *heap) store(addr, v uint64) { _ = h.mem.Store(addr, v) }

// allocate reserves size bytes, writes the class id header and returns the
// tagged pointer.
func (h *heap) allocate(cid object.ClassID, size int) (object.Word, error) {
	size = (size + object.WordSize - 1) &^ (object.WordSize - 1)
	if h.top+uint64(size) > h.limit {
		return 0, errors.Wrapf(ErrOutOfMemory, "allocate %d bytes for class id %d", size, cid)
	}
	addr := h.top
	h.top += uint64(size)
	h.store(addr+object.HeaderOffset, uint64(cid))
	return object.FromAddress(addr), nil
}

func (h *heap) box(cid object.ClassID, payload uint64) (object.Word, error) {
	w, err := h.allocate(cid, object.BoxSize)
	if err != nil {
		return 0, err
	}
	h.store(w.Address()+object.BoxValueOffset, payload)
	return w, nil
}

// Used is the number of heap bytes allocated so far.
func (h *heap) Used() uint64 { return h.top - h.mem.Base() }

func (h *heap) contains(w object.Word) bool {
	addr := w.Address()
	return w.IsHeapObject() && addr >= h.mem.Base() && addr < h.top
}

func (h *heap) ClassOf(w object.Word) object.ClassID {
	if w.IsSmi() {
		return object.SmiCid
	}
	if !h.contains(w) {
		return object.IllegalCid
	}
	return object.ClassID(h.load(w.Address() + object.HeaderOffset))
}

func (h *heap) Null() object.Word { return h.null }

func (h *heap) Bool(b bool) object.Word {
	if b {
		return h.trueObj
	}
	return h.falseObj
}

func (h *heap) IsTrue(w object.Word) bool { return w == h.trueObj }

func (h *heap) IntValue(w object.Word) (int64, bool) {
	if w.IsSmi() {
		return w.SmiValue(), true
	}
	if h.ClassOf(w) == object.MintCid {
		return int64(h.load(w.Address() + object.BoxValueOffset)), true
	}
	return 0, false
}

func (h *heap) DoubleValue(w object.Word) (float64, bool) {
	if h.ClassOf(w) != object.DoubleCid {
		return 0, false
	}
	return object.BitsDouble(h.load(w.Address() + object.BoxValueOffset)), true
}

func (h *heap) StringValue(w object.Word) (string, bool) {
	if h.ClassOf(w) != object.StringCid {
		return "", false
	}
	n := object.Word(h.load(w.Address() + object.StringLengthOffset)).SmiValue()
	b, err := h.mem.Slice(w.Address()+object.StringDataOffset, int(n))
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (h *heap) NewInt(v int64) (object.Word, error) {
	if object.FitsSmi(v) {
		return object.MakeSmi(v), nil
	}
	return h.box(object.MintCid, uint64(v))
}

func (h *heap) NewDouble(v float64) (object.Word, error) {
	return h.box(object.DoubleCid, object.DoubleBits(v))
}

func (h *heap) NewString(s string) (object.Word, error) {
	w, err := h.allocate(object.StringCid, object.StringSize(len(s)))
	if err != nil {
		return 0, err
	}
	h.store(w.Address()+object.StringLengthOffset, uint64(object.MakeSmi(int64(len(s)))))
	if len(s) > 0 {
		b, err := h.mem.Slice(w.Address()+object.StringDataOffset, len(s))
		if err != nil {
			return 0, err
		}
		copy(b, s)
	}
	return w, nil
}

// newArray allocates a fixed-length array of class cid holding elems.
func (h *heap) newArray(cid object.ClassID, elems []object.Word) (object.Word, error) {
	w, err := h.allocate(cid, object.ArraySize(len(elems)))
	if err != nil {
		return 0, err
	}
	h.store(w.Address()+object.ArrayLengthOffset, uint64(object.MakeSmi(int64(len(elems)))))
	for i, e := range elems {
		h.store(w.Address()+object.ArrayDataOffset+uint64(object.WordSize*i), uint64(e))
	}
	return w, nil
}

func (h *heap) newGrowable(elems []object.Word) (object.Word, error) {
	data, err := h.newArray(object.ArrayCid, elems)
	if err != nil {
		return 0, err
	}
	w, err := h.allocate(object.GrowableArrayCid, object.GrowableSize)
	if err != nil {
		return 0, err
	}
	h.store(w.Address()+object.GrowableLengthOffset, uint64(object.MakeSmi(int64(len(elems)))))
	h.store(w.Address()+object.GrowableDataOffset, uint64(data))
	return w, nil
}

// newInstance allocates an instance of cls with every field null.
func (h *heap) newInstance(cls *object.Class) (object.Word, error) {
	n := cls.NumFields()
	w, err := h.allocate(cls.ID, object.InstanceSize(n))
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		h.store(w.Address()+uint64(object.FieldOffset(i)), uint64(h.null))
	}
	return w, nil
}

func (h *heap) field(w object.Word, f *object.Field) object.Word {
	return object.Word(h.load(w.Address() + uint64(f.Offset())))
}

func (h *heap) setField(w object.Word, f *object.Field, v object.Word) {
	h.store(w.Address()+uint64(f.Offset()), uint64(v))
}

func (h *heap) Length(w object.Word) (int, bool) {
	var off uint64
	switch h.ClassOf(w) {
	case object.StringCid:
		off = object.StringLengthOffset
	case object.ArrayCid, object.ImmutableArrayCid:
		off = object.ArrayLengthOffset
	case object.GrowableArrayCid:
		off = object.GrowableLengthOffset
	default:
		return 0, false
	}
	return int(object.Word(h.load(w.Address() + off)).SmiValue()), true
}

// elementAddress is the address of element i of a fixed or growable array.
func (h *heap) elementAddress(w object.Word, i int) uint64 {
	if h.ClassOf(w) == object.GrowableArrayCid {
		w = object.Word(h.load(w.Address() + object.GrowableDataOffset))
	}
	return w.Address() + object.ArrayDataOffset + uint64(object.WordSize*i)
}

func (h *heap) ElementAt(w object.Word, i int) object.Word {
	return object.Word(h.load(h.elementAddress(w, i)))
}

func (h *heap) SetElementAt(w object.Word, i int, v object.Word) {
	h.store(h.elementAddress(w, i), uint64(v))
}

// GrowableAdd appends v, doubling the backing store when it is full.
func (h *heap) GrowableAdd(w object.Word, v object.Word) error {
	if h.ClassOf(w) != object.GrowableArrayCid {
		return errors.Errorf("add on class id %d", h.ClassOf(w))
	}
	n, _ := h.Length(w)
	data := object.Word(h.load(w.Address() + object.GrowableDataOffset))
	capacity, _ := h.Length(data)
	if n == capacity {
		elems := make([]object.Word, max(minGrowableCapacity, 2*capacity))
		for i := range elems {
			elems[i] = h.null
			if i < n {
				elems[i] = h.ElementAt(w, i)
			}
		}
		grown, err := h.newArray(object.ArrayCid, elems)
		if err != nil {
			return err
		}
		h.store(w.Address()+object.GrowableDataOffset, uint64(grown))
	}
	h.SetElementAt(w, n, v)
	h.store(w.Address()+object.GrowableLengthOffset, uint64(object.MakeSmi(int64(n+1))))
	return nil
}

// Throw allocates the message string and returns it as an exception in
// flight.
func (h *heap) Throw(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	w, err := h.NewString(msg)
	if err != nil {
		return err
	}
	return &object.Thrown{Value: w, Message: msg}
}

func (h *heap) Print(s string) { fmt.Fprintln(h.out, s) }

func (h *heap) Describe(w object.Word) string {
	var b strings.Builder
	h.describe(&b, w, 0)
	return b.String()
}

func (h *heap) describe(b *strings.Builder, w object.Word, depth int) {
	switch cid := h.ClassOf(w); cid {
	case object.SmiCid, object.MintCid:
		v, _ := h.IntValue(w)
		b.WriteString(strconv.FormatInt(v, 10))
	case object.DoubleCid:
		v, _ := h.DoubleValue(w)
		b.WriteString(formatDouble(v))
	case object.StringCid:
		s, _ := h.StringValue(w)
		b.WriteString(s)
	case object.NullCid:
		b.WriteString("null")
	case object.BoolCid:
		b.WriteString(strconv.FormatBool(w == h.trueObj))
	case object.ArrayCid, object.ImmutableArrayCid, object.GrowableArrayCid:
		if depth > 8 {
			b.WriteString("[...]")
			return
		}
		n, _ := h.Length(w)
		b.WriteByte('[')
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			h.describe(b, h.ElementAt(w, i), depth+1)
		}
		b.WriteByte(']')
	case object.IllegalCid:
		fmt.Fprintf(b, "<bad value %#x>", uint64(w))
	default:
		name := "?"
		if cls := h.classes.At(cid); cls != nil {
			name = cls.Name
		}
		fmt.Fprintf(b, "Instance of '%s'", name)
	}
}

// formatDouble prints integral doubles with a trailing ".0".
func formatDouble(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	}
	if a := math.Abs(v); a != 0 && (a < 1e-6 || a >= 1e21) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}
