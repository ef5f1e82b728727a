package ir

// Liveness holds per-block live-in and live-out sets of SSA values.
type Liveness struct {
	g       *Graph
	LiveIn  []*BitVector[InstrID]
	LiveOut []*BitVector[InstrID]
	kill    []*BitVector[InstrID]
	gen     []*BitVector[InstrID]
}

// ComputeLiveness runs the backward dataflow to a fixed point. ComputeOrder
// must have run.
func (g *Graph) ComputeLiveness() *Liveness {
	n, size := len(g.blocks), len(g.instrs)
	l := &Liveness{
		g:       g,
		LiveIn:  make([]*BitVector[InstrID], n),
		LiveOut: make([]*BitVector[InstrID], n),
		kill:    make([]*BitVector[InstrID], n),
		gen:     make([]*BitVector[InstrID], n),
	}
	for i := range g.blocks {
		l.LiveIn[i] = NewBitVector[InstrID](size)
		l.LiveOut[i] = NewBitVector[InstrID](size)
		l.kill[i] = NewBitVector[InstrID](size)
		l.gen[i] = NewBitVector[InstrID](size)
	}

	for _, id := range g.postorder {
		blk := g.blocks[id]
		kill, gen := l.kill[id], l.gen[id]
		for _, phi := range blk.Phis {
			kill.Add(phi)
		}
		for _, in := range g.Instructions(id) {
			for _, v := range g.InputsOf(in) {
				if u, ok := v.(Use); ok && !kill.Contains(u.Def) {
					gen.Add(u.Def)
				}
			}
			if IsDefinition(in) {
				kill.Add(in.ID)
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for _, id := range g.postorder {
			out := l.LiveOut[id]
			for _, s := range g.Successors(id) {
				if out.AddAll(l.LiveIn[s]) {
					changed = true
				}
				if u, ok := g.phiInputFrom(s, id); ok {
					for _, d := range u {
						if !out.Contains(d) {
							out.Add(d)
							changed = true
						}
					}
				}
			}
			in := l.LiveIn[id]
			next := out.Copy()
			for _, d := range l.kill[id].Elements() {
				next.Remove(d)
			}
			next.AddAll(l.gen[id])
			if in.AddAll(next) {
				changed = true
			}
		}
	}
	return l
}

// phiInputFrom returns the definitions flowing into succ's phis along the
// edge from pred.
func (g *Graph) phiInputFrom(succ, pred BlockID) ([]InstrID, bool) {
	blk := g.blocks[succ]
	if len(blk.Phis) == 0 {
		return nil, false
	}
	idx := -1
	for i, p := range blk.Preds {
		if p == pred {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	var out []InstrID
	for _, phi := range blk.Phis {
		if u, ok := g.instrs[phi].Inst.(*Phi).Inputs[idx].(Use); ok {
			out = append(out, u.Def)
		}
	}
	return out, true
}

// LiveAcross returns the values defined before id that are still live
// after it, in ascending id order. The instruction's own output is
// excluded.
func (l *Liveness) LiveAcross(id InstrID) []InstrID {
	g := l.g
	target := g.instrs[id]
	live := l.LiveOut[target.Block].Copy()
	for cur := g.blocks[target.Block].Last; cur != id && cur != NoInstr; cur = g.instrs[cur].Prev {
		in := g.instrs[cur]
		if IsDefinition(in) {
			live.Remove(cur)
		}
		for _, v := range g.InputsOf(in) {
			if u, ok := v.(Use); ok {
				live.Add(u.Def)
			}
		}
	}
	live.Remove(id)
	return live.Elements()
}
