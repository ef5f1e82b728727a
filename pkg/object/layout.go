package object

import "math"

// Word is a tagged machine value: a small integer (low bit clear) or a
// heap pointer (low bit set).
type Word uint64

const (
	WordSize      = 8
	SmiTagMask    = 1
	SmiTag        = 0
	HeapObjectTag = 1
	SmiTagShift   = 1

	SmiMax = 1<<62 - 1
	SmiMin = -(1 << 62)
)

// MakeSmi tags v. The caller must ensure FitsSmi(v).
func MakeSmi(v int64) Word { return Word(uint64(v) << SmiTagShift) }

// FitsSmi reports whether v can be represented as a small integer.
func FitsSmi(v int64) bool { return v >= SmiMin && v <= SmiMax }

func (w Word) IsSmi() bool        { return w&SmiTagMask == SmiTag }
func (w Word) IsHeapObject() bool { return w&SmiTagMask == HeapObjectTag }

// SmiValue untags a small integer.
func (w Word) SmiValue() int64 { return int64(w) >> SmiTagShift }

// Address strips the heap tag.
func (w Word) Address() uint64 { return uint64(w) &^ HeapObjectTag }

// FromAddress tags a heap address.
func FromAddress(addr uint64) Word { return Word(addr | HeapObjectTag) }

// Object layout. Offsets are relative to the untagged object address.
const (
	HeaderOffset = 0

	BoxValueOffset = 8 // Mint payload, Double bits, Bool 0/1

	ArrayLengthOffset = 8
	ArrayDataOffset   = 16

	GrowableLengthOffset = 8
	GrowableDataOffset   = 16
	GrowableSize         = 24

	StringLengthOffset = 8
	StringDataOffset   = 16

	BoxSize = 16
)

// FieldOffset is the offset of instance slot i.
func FieldOffset(i int) int32 { return int32(WordSize * (i + 1)) }

// FieldAddress converts an object offset into a displacement from a
// tagged pointer.
func FieldAddress(offset int32) int32 { return offset - HeapObjectTag }

// InstanceSize is the allocation size of an instance with n slots.
func InstanceSize(n int) int { return WordSize * (n + 1) }

// ArraySize is the allocation size of an array with n elements.
func ArraySize(n int) int { return ArrayDataOffset + WordSize*n }

// StringSize is the allocation size of a string of n bytes, word aligned.
func StringSize(n int) int { return StringDataOffset + (n+WordSize-1)/WordSize*WordSize }

// DoubleBits and BitsDouble convert between float64 and its raw payload.
func DoubleBits(f float64) uint64 { return math.Float64bits(f) }
func BitsDouble(b uint64) float64 { return math.Float64frombits(b) }
