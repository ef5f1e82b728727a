package ir

import "golang.org/x/exp/constraints"

// IDAllocator hands out sequential ids. One allocator is owned by each
// compilation attempt so ids are reproducible across tiers.
type IDAllocator[T constraints.Integer] struct {
	next T
}

// NewIDAllocator starts numbering at start.
func NewIDAllocator[T constraints.Integer](start T) *IDAllocator[T] {
	return &IDAllocator[T]{next: start}
}

// Next returns a fresh id.
func (a *IDAllocator[T]) Next() T {
	id := a.next
	a.next++
	return id
}

// Peek returns the id Next would return.
func (a *IDAllocator[T]) Peek() T { return a.next }

// BitVector is a fixed-size set of small integers.
type BitVector[T constraints.Integer] struct {
	words []uint64
	size  int
}

// NewBitVector creates an empty set able to hold [0, size).
func NewBitVector[T constraints.Integer](size int) *BitVector[T] {
	return &BitVector[T]{words: make([]uint64, (size+63)/64), size: size}
}

func (v *BitVector[T]) Add(i T)           { v.words[int(i)/64] |= 1 << (uint(i) % 64) }
func (v *BitVector[T]) Remove(i T)        { v.words[int(i)/64] &^= 1 << (uint(i) % 64) }
func (v *BitVector[T]) Contains(i T) bool { return v.words[int(i)/64]&(1<<(uint(i)%64)) != 0 }
func (v *BitVector[T]) Len() int          { return v.size }

// AddAll unions other into v and reports whether v changed.
func (v *BitVector[T]) AddAll(other *BitVector[T]) bool {
	changed := false
	for i, w := range other.words {
		if merged := v.words[i] | w; merged != v.words[i] {
			v.words[i] = merged
			changed = true
		}
	}
	return changed
}

// Copy returns an independent copy.
func (v *BitVector[T]) Copy() *BitVector[T] {
	out := &BitVector[T]{words: make([]uint64, len(v.words)), size: v.size}
	copy(out.words, v.words)
	return out
}

// Elements lists the members in ascending order.
func (v *BitVector[T]) Elements() []T {
	var out []T
	for i := 0; i < v.size; i++ {
		if v.words[i/64]&(1<<(uint(i)%64)) != 0 {
			out = append(out, T(i))
		}
	}
	return out
}
