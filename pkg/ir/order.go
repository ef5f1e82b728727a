package ir

// ComputeOrder numbers the reachable blocks in depth-first preorder and
// postorder, starting at the graph entry.
func (g *Graph) ComputeOrder() {
	g.preorder = g.preorder[:0]
	g.postorder = g.postorder[:0]
	visited := make([]bool, len(g.blocks))
	for _, b := range g.blocks {
		b.PreorderNum, b.PostorderNum = -1, -1
	}

	type frame struct {
		block BlockID
		succs []BlockID
		next  int
	}
	stack := []frame{{block: g.Entry, succs: g.Successors(g.Entry)}}
	visited[g.Entry] = true
	g.blocks[g.Entry].PreorderNum = 0
	g.preorder = append(g.preorder, g.Entry)

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.succs) {
			s := top.succs[top.next]
			top.next++
			if !visited[s] {
				visited[s] = true
				g.blocks[s].PreorderNum = len(g.preorder)
				g.preorder = append(g.preorder, s)
				stack = append(stack, frame{block: s, succs: g.Successors(s)})
			}
			continue
		}
		g.blocks[top.block].PostorderNum = len(g.postorder)
		g.postorder = append(g.postorder, top.block)
		stack = stack[:len(stack)-1]
	}
}

// ReversePostorder returns the reachable blocks in reverse postorder.
func (g *Graph) ReversePostorder() []BlockID {
	out := make([]BlockID, len(g.postorder))
	for i, b := range g.postorder {
		out[len(out)-1-i] = b
	}
	return out
}

// Postorder returns the reachable blocks in postorder.
func (g *Graph) Postorder() []BlockID { return g.postorder }

// Reachable reports whether b was reached by ComputeOrder.
func (g *Graph) Reachable(b BlockID) bool { return g.blocks[b].PostorderNum >= 0 }

// ComputeDominators fills Idom and Dominated using the iterative algorithm
// of Cooper, Harvey and Kennedy over postorder numbers.
func (g *Graph) ComputeDominators() {
	for _, b := range g.blocks {
		b.Idom = NoBlock
		b.Dominated = nil
	}
	entry := g.blocks[g.Entry]
	entry.Idom = g.Entry
	rpo := g.ReversePostorder()

	for changed := true; changed; {
		changed = false
		for _, id := range rpo[1:] {
			b := g.blocks[id]
			newIdom := NoBlock
			for _, p := range b.Preds {
				if !g.Reachable(p) || g.blocks[p].Idom == NoBlock {
					continue
				}
				if newIdom == NoBlock {
					newIdom = p
				} else {
					newIdom = g.intersect(p, newIdom)
				}
			}
			if b.Idom != newIdom {
				b.Idom = newIdom
				changed = true
			}
		}
	}

	entry.Idom = NoBlock
	for _, id := range rpo[1:] {
		b := g.blocks[id]
		if b.Idom != NoBlock {
			parent := g.blocks[b.Idom]
			parent.Dominated = append(parent.Dominated, id)
		}
	}
}

func (g *Graph) intersect(a, b BlockID) BlockID {
	for a != b {
		for g.blocks[a].PostorderNum < g.blocks[b].PostorderNum {
			a = g.blocks[a].Idom
		}
		for g.blocks[b].PostorderNum < g.blocks[a].PostorderNum {
			b = g.blocks[b].Idom
		}
	}
	return a
}

// Dominates reports whether block a dominates block b.
func (g *Graph) Dominates(a, b BlockID) bool {
	for cur := b; cur != NoBlock; cur = g.blocks[cur].Idom {
		if cur == a {
			return true
		}
	}
	return false
}

// DefDominates reports whether the definition def is available at use.
// A phi input is checked at the end of the corresponding predecessor.
func (g *Graph) DefDominates(def, use InstrID) bool {
	d, u := g.instrs[def], g.instrs[use]
	if d.Removed {
		return false
	}
	if d.Block != u.Block {
		return g.Dominates(d.Block, u.Block)
	}
	if _, isPhi := d.Inst.(*Phi); isPhi {
		return true
	}
	for id := d.Next; id != NoInstr; id = g.instrs[id].Next {
		if id == use {
			return true
		}
	}
	return false
}
