// Package regalloc implements linear scan register allocation with liveness intervals.
//
// Design: Fast linear scan over flow graph positions (Poletto & Sarkar), with
// intervals widened to block boundaries from dataflow liveness so loops keep
// their carried values. Values live across a call are spilled up front since
// calls clobber every register.
package regalloc

import (
	"fmt"
	"sort"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/logger"
)

// Interval represents the live range of a value
type Interval struct {
	Value ir.InstrID
	Start int // position of the definition
	End   int // last position where the value is live
	Reg   asm.Reg
	Spill int // spill slot index, -1 when in a register
}

// InRegister reports whether the value lives in a register.
func (iv *Interval) InRegister() bool { return iv.Spill < 0 }

func (iv *Interval) String() string {
	home := fmt.Sprintf("slot%d", iv.Spill)
	if iv.InRegister() {
		home = fmt.Sprintf("reg%d", iv.Reg)
	}
	return fmt.Sprintf("v%d[%d,%d]=%s", iv.Value, iv.Start, iv.End, home)
}

// Config holds register allocation configuration for a target
type Config struct {
	Available []asm.Reg // registers values may live in across instructions
	// IsCall reports whether an instruction clobbers every register.
	IsCall func(in *ir.Instr) bool
}

// Allocator performs linear scan register allocation
type Allocator struct {
	g     *ir.Graph
	live  *ir.Liveness
	order []ir.BlockID
	cfg   *Config

	intervals []*Interval
	byValue   map[ir.InstrID]*Interval
	active    []*Interval
	free      []asm.Reg
	positions map[ir.InstrID]int
	calls     []int
	numSpills int
}

// NewAllocator creates an allocator for g laid out in order. live must
// come from the same graph.
func NewAllocator(g *ir.Graph, live *ir.Liveness, order []ir.BlockID, cfg *Config) *Allocator {
	free := make([]asm.Reg, len(cfg.Available))
	// Pop from the end hands out registers in declaration order.
	for i, r := range cfg.Available {
		free[len(free)-1-i] = r
	}
	return &Allocator{
		g:         g,
		live:      live,
		order:     order,
		cfg:       cfg,
		byValue:   make(map[ir.InstrID]*Interval),
		free:      free,
		positions: make(map[ir.InstrID]int),
	}
}

// Allocate performs register allocation
func (a *Allocator) Allocate() error {
	logger.Debug("Starting register allocation", "function", a.g.Name)

	blockStart, blockEnd := a.numberInstructions()
	if err := a.computeIntervals(blockStart, blockEnd); err != nil {
		return err
	}

	sort.SliceStable(a.intervals, func(i, j int) bool {
		if a.intervals[i].Start != a.intervals[j].Start {
			return a.intervals[i].Start < a.intervals[j].Start
		}
		return a.intervals[i].Value < a.intervals[j].Value
	})
	logger.Debug("Computed liveness intervals", "count", len(a.intervals))

	for _, iv := range a.intervals {
		if a.spansCall(iv) {
			a.spill(iv)
			continue
		}
		a.allocateInterval(iv)
	}

	logger.Debug("Register allocation complete",
		"intervals", len(a.intervals),
		"spilled", a.numSpills)
	return nil
}

// numberInstructions assigns even positions in layout order. Phis share
// the position of their block entry.
func (a *Allocator) numberInstructions() (start, end map[ir.BlockID]int) {
	start, end = make(map[ir.BlockID]int), make(map[ir.BlockID]int)
	pos := 0
	for _, b := range a.order {
		start[b] = pos
		for _, phi := range a.g.Block(b).Phis {
			a.positions[phi] = pos
		}
		for _, in := range a.g.Instructions(b) {
			a.positions[in.ID] = pos
			if a.cfg.IsCall != nil && a.cfg.IsCall(in) {
				a.calls = append(a.calls, pos)
			}
			pos += 2
		}
		end[b] = pos - 2
	}
	return start, end
}

// computeIntervals builds one interval per value from its definition, its
// uses and the blocks it is live into or out of.
func (a *Allocator) computeIntervals(blockStart, blockEnd map[ir.BlockID]int) error {
	extend := func(id ir.InstrID, pos int) error {
		iv, ok := a.byValue[id]
		if !ok {
			return fmt.Errorf("regalloc %s: v%d used before definition", a.g.Name, id)
		}
		if pos < iv.Start {
			iv.Start = pos
		}
		if pos > iv.End {
			iv.End = pos
		}
		return nil
	}

	for _, b := range a.order {
		for _, phi := range a.g.Block(b).Phis {
			a.define(phi)
		}
		for _, in := range a.g.Instructions(b) {
			if ir.IsDefinition(in) {
				a.define(in.ID)
			}
		}
	}

	for _, b := range a.order {
		for _, in := range a.g.Instructions(b) {
			if _, isPhi := in.Inst.(*ir.Phi); isPhi {
				continue
			}
			for _, v := range a.g.InputsOf(in) {
				if u, ok := v.(ir.Use); ok {
					if err := extend(u.Def, a.positions[in.ID]); err != nil {
						return err
					}
				}
			}
		}
		for _, id := range a.live.LiveIn[b].Elements() {
			if err := extend(id, blockStart[b]); err != nil {
				return err
			}
		}
		for _, id := range a.live.LiveOut[b].Elements() {
			if err := extend(id, blockEnd[b]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Allocator) define(id ir.InstrID) {
	pos := a.positions[id]
	iv := &Interval{Value: id, Start: pos, End: pos, Reg: asm.NoReg, Spill: -1}
	a.intervals = append(a.intervals, iv)
	a.byValue[id] = iv
}

// spansCall reports whether a call lies strictly inside the interval.
func (a *Allocator) spansCall(iv *Interval) bool {
	i := sort.SearchInts(a.calls, iv.Start+1)
	return i < len(a.calls) && a.calls[i] < iv.End
}

// allocateInterval allocates a register or spills an interval
func (a *Allocator) allocateInterval(iv *Interval) {
	a.expireOldIntervals(iv)

	if len(a.free) > 0 {
		reg := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		iv.Reg = reg
		a.active = append(a.active, iv)
		a.sortActiveByEnd()
		return
	}
	a.spillAtInterval(iv)
}

// expireOldIntervals removes intervals that are no longer active
func (a *Allocator) expireOldIntervals(iv *Interval) {
	kept := a.active[:0]
	for _, act := range a.active {
		if act.End >= iv.Start {
			kept = append(kept, act)
		} else {
			a.free = append(a.free, act.Reg)
		}
	}
	a.active = kept
}

// spillAtInterval spills either the current interval or the active one
// that ends last.
func (a *Allocator) spillAtInterval(iv *Interval) {
	last := a.active[len(a.active)-1]
	if last.End > iv.End {
		iv.Reg = last.Reg
		a.spill(last)
		a.active[len(a.active)-1] = iv
		a.sortActiveByEnd()
		return
	}
	a.spill(iv)
}

func (a *Allocator) spill(iv *Interval) {
	iv.Reg = asm.NoReg
	iv.Spill = a.numSpills
	a.numSpills++
	logger.Debug("Spilled interval", "value", iv.Value, "slot", iv.Spill)
}

// sortActiveByEnd sorts active intervals by end position
func (a *Allocator) sortActiveByEnd() {
	sort.SliceStable(a.active, func(i, j int) bool {
		return a.active[i].End < a.active[j].End
	})
}

// Register returns the register assigned to a value
func (a *Allocator) Register(id ir.InstrID) (asm.Reg, bool) {
	iv, ok := a.byValue[id]
	if !ok || !iv.InRegister() {
		return asm.NoReg, false
	}
	return iv.Reg, true
}

// SpillSlot returns the spill slot index of a value
func (a *Allocator) SpillSlot(id ir.InstrID) (int, bool) {
	iv, ok := a.byValue[id]
	if !ok || iv.InRegister() {
		return 0, false
	}
	return iv.Spill, true
}

// NumSpillSlots is the number of frame slots spilled values need.
func (a *Allocator) NumSpillSlots() int { return a.numSpills }

// Position returns the layout position of an instruction.
func (a *Allocator) Position(id ir.InstrID) int { return a.positions[id] }

// Interval returns the live range of a value.
func (a *Allocator) Interval(id ir.InstrID) (*Interval, bool) {
	iv, ok := a.byValue[id]
	return iv, ok
}

// LiveAt reports whether the value is live at pos.
func (a *Allocator) LiveAt(id ir.InstrID, pos int) bool {
	iv, ok := a.byValue[id]
	return ok && iv.Start <= pos && pos <= iv.End
}

// Intervals returns every interval sorted by start position.
func (a *Allocator) Intervals() []*Interval { return a.intervals }
