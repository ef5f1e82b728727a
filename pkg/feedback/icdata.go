// Package feedback records per call-site type feedback (inline cache data)
// and hands frozen snapshots of it to the optimizer.
package feedback

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// ErrFrozen is returned when a frozen record is modified.
var ErrFrozen = errors.New("feedback: ICData is frozen")

// Check is one observed class-id combination and the target it resolved to.
type Check struct {
	ClassIDs []object.ClassID
	Target   *object.Function
	Count    int
}

// ICData is the feedback of one call site.
type ICData struct {
	TargetName    string
	DeoptID       int
	NumArgsTested int

	checks []Check
	frozen bool
}

// New creates an empty record.
func New(targetName string, deoptID, numArgsTested int) *ICData {
	return &ICData{TargetName: targetName, DeoptID: deoptID, NumArgsTested: numArgsTested}
}

// AddCheck appends a combination, or bumps the count of an existing one.
func (ic *ICData) AddCheck(cids []object.ClassID, target *object.Function) error {
	if ic.frozen {
		return ErrFrozen
	}
	if len(cids) != ic.NumArgsTested {
		return errors.Errorf("feedback: %s expects %d class ids, got %d", ic.TargetName, ic.NumArgsTested, len(cids))
	}
	for i := range ic.checks {
		if sameClasses(ic.checks[i].ClassIDs, cids) {
			ic.checks[i].Count++
			return nil
		}
	}
	ic.checks = append(ic.checks, Check{
		ClassIDs: append([]object.ClassID(nil), cids...),
		Target:   target,
		Count:    1,
	})
	return nil
}

// AddReceiverCheck is AddCheck for single-argument records.
func (ic *ICData) AddReceiverCheck(cid object.ClassID, target *object.Function) error {
	return ic.AddCheck([]object.ClassID{cid}, target)
}

func (ic *ICData) NumberOfChecks() int { return len(ic.checks) }

// CheckAt returns the class ids and target of check i.
func (ic *ICData) CheckAt(i int) ([]object.ClassID, *object.Function) {
	c := ic.checks[i]
	return c.ClassIDs, c.Target
}

func (ic *ICData) ReceiverClassIDAt(i int) object.ClassID { return ic.checks[i].ClassIDs[0] }
func (ic *ICData) TargetAt(i int) *object.Function        { return ic.checks[i].Target }
func (ic *ICData) CountAt(i int) int                      { return ic.checks[i].Count }

// HasOneTarget reports whether every check resolved to the same function.
func (ic *ICData) HasOneTarget() bool {
	if len(ic.checks) == 0 {
		return false
	}
	first := ic.checks[0].Target
	for _, c := range ic.checks[1:] {
		if c.Target != first {
			return false
		}
	}
	return true
}

// HasOnly reports whether the record holds exactly one check and it is the
// given combination.
func (ic *ICData) HasOnly(cids ...object.ClassID) bool {
	return len(ic.checks) == 1 && sameClasses(ic.checks[0].ClassIDs, cids)
}

// AllClassesIn reports whether every tested class id of every check is in
// set.
func (ic *ICData) AllClassesIn(set ...object.ClassID) bool {
	if len(ic.checks) == 0 {
		return false
	}
	for _, c := range ic.checks {
		for _, cid := range c.ClassIDs {
			if !containsClass(set, cid) {
				return false
			}
		}
	}
	return true
}

// AsUnaryClassChecks merges checks by receiver class id, keeping the first
// target seen for each receiver and summing counts.
func (ic *ICData) AsUnaryClassChecks() *ICData {
	out := New(ic.TargetName, ic.DeoptID, 1)
	for _, c := range ic.checks {
		cid := c.ClassIDs[0]
		merged := false
		for i := range out.checks {
			if out.checks[i].ClassIDs[0] == cid {
				out.checks[i].Count += c.Count
				merged = true
				break
			}
		}
		if !merged {
			out.checks = append(out.checks, Check{ClassIDs: []object.ClassID{cid}, Target: c.Target, Count: c.Count})
		}
	}
	out.frozen = ic.frozen
	return out
}

// Freeze makes the record read-only.
func (ic *ICData) Freeze()      { ic.frozen = true }
func (ic *ICData) Frozen() bool { return ic.frozen }

// Clone returns an unfrozen deep copy.
func (ic *ICData) Clone() *ICData {
	out := New(ic.TargetName, ic.DeoptID, ic.NumArgsTested)
	out.checks = make([]Check, len(ic.checks))
	for i, c := range ic.checks {
		out.checks[i] = Check{ClassIDs: append([]object.ClassID(nil), c.ClassIDs...), Target: c.Target, Count: c.Count}
	}
	return out
}

func (ic *ICData) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "IC[%s #%d", ic.TargetName, ic.DeoptID)
	for _, c := range ic.checks {
		b.WriteString(" (")
		for i, cid := range c.ClassIDs {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%d", cid)
		}
		fmt.Fprintf(&b, ")->%v x%d", c.Target, c.Count)
	}
	b.WriteString("]")
	return b.String()
}

// ClassIDsSorted returns the distinct receiver class ids in ascending order.
func (ic *ICData) ClassIDsSorted() []object.ClassID {
	seen := make(map[object.ClassID]bool)
	var out []object.ClassID
	for _, c := range ic.checks {
		if cid := c.ClassIDs[0]; !seen[cid] {
			seen[cid] = true
			out = append(out, cid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sameClasses(a, b []object.ClassID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsClass(set []object.ClassID, cid object.ClassID) bool {
	for _, c := range set {
		if c == cid {
			return true
		}
	}
	return false
}
