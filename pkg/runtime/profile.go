package runtime

import (
	"sort"
	"sync"

	"github.com/GriffinCanCode/flowjit/pkg/feedback"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// profile is the execution state of one function: its live feedback and
// the counters that drive tiering.
type profile struct {
	fn          *object.Function
	feedback    *feedback.Table
	invocations int
	deopts      int
	// noOptimize is set after an optimized attempt failed; the function
	// stays unoptimized from then on.
	noOptimize bool
}

type registry struct {
	mu       sync.Mutex
	profiles map[*object.Function]*profile
}

func newRegistry() *registry {
	return &registry{profiles: make(map[*object.Function]*profile)}
}

func (r *registry) get(fn *object.Function) *profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[fn]
	if !ok {
		p = &profile{fn: fn, feedback: feedback.NewTable()}
		r.profiles[fn] = p
	}
	return p
}

// all returns the profiles ordered by function name.
func (r *registry) all() []*profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].fn.QualifiedName() < out[j].fn.QualifiedName() })
	return out
}
