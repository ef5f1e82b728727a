package sim

import (
	"encoding/binary"
	"fmt"
)

// Memory is the flat data space of a machine: heap objects at the bottom,
// the stack growing down from the top.
type Memory struct {
	base uint64
	data []byte
}

// NewMemory allocates size bytes addressed from base. base must be word
// aligned and non-zero.
func NewMemory(base uint64, size int) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

func (mem *Memory) Base() uint64 { return mem.base }
func (mem *Memory) End() uint64  { return mem.base + uint64(len(mem.data)) }

func (mem *Memory) index(addr uint64, n int) (int, error) {
	if addr < mem.base || addr+uint64(n) > mem.End() || addr+uint64(n) < addr {
		return 0, fmt.Errorf("address %#x out of range [%#x, %#x)", addr, mem.base, mem.End())
	}
	if n == 8 && addr%8 != 0 {
		return 0, fmt.Errorf("unaligned access at %#x", addr)
	}
	return int(addr - mem.base), nil
}

// Load reads the word at addr.
func (mem *Memory) Load(addr uint64) (uint64, error) {
	i, err := mem.index(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem.data[i:]), nil
}

// Store writes the word at addr.
func (mem *Memory) Store(addr, v uint64) error {
	i, err := mem.index(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem.data[i:], v)
	return nil
}

// Slice returns n bytes at addr, aliasing the memory.
func (mem *Memory) Slice(addr uint64, n int) ([]byte, error) {
	i, err := mem.index(addr, n)
	if err != nil {
		return nil, err
	}
	return mem.data[i : i+n : i+n], nil
}
