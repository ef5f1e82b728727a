package feedback

import (
	"sort"
	"sync"

	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// Table holds the feedback of one function, keyed by call-site id.
type Table struct {
	mu     sync.RWMutex
	sites  map[int]*ICData
	frozen bool
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{sites: make(map[int]*ICData)}
}

// Record adds an observation for a call site, creating its record on
// first use.
func (t *Table) Record(deoptID int, targetName string, cids []object.ClassID, target *object.Function) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return ErrFrozen
	}
	ic, ok := t.sites[deoptID]
	if !ok {
		ic = New(targetName, deoptID, len(cids))
		t.sites[deoptID] = ic
	}
	return ic.AddCheck(cids, target)
}

// Put installs a record, replacing any previous one.
func (t *Table) Put(ic *ICData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return ErrFrozen
	}
	t.sites[ic.DeoptID] = ic
	return nil
}

// Lookup returns the record for a call site. Callers of a live table must
// treat the result as read-only.
func (t *Table) Lookup(deoptID int) (*ICData, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	ic, ok := t.sites[deoptID]
	return ic, ok
}

// Len is the number of call sites with feedback.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sites)
}

// IDs returns the call-site ids in ascending order.
func (t *Table) IDs() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]int, 0, len(t.sites))
	for id := range t.sites {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Snapshot returns a frozen deep copy for one compilation attempt.
func (t *Table) Snapshot() *Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := &Table{sites: make(map[int]*ICData, len(t.sites)), frozen: true}
	for id, ic := range t.sites {
		c := ic.Clone()
		c.Freeze()
		out.sites[id] = c
	}
	return out
}

// Frozen reports whether the table is a snapshot.
func (t *Table) Frozen() bool { return t.frozen }

// Reset drops all feedback.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sites = make(map[int]*ICData)
}
