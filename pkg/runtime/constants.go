package runtime

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// constants interns the literal values generated code embeds. A heap
// constant is allocated once and stays at its address for the lifetime of
// the isolate, so code may hold it as an immediate.
type constants struct {
	h *heap

	mu      sync.Mutex
	strings map[string]object.Word
	doubles map[uint64]object.Word
	mints   map[int64]object.Word
}

func newConstants(h *heap) *constants {
	return &constants{
		h:       h,
		strings: make(map[string]object.Word),
		doubles: make(map[uint64]object.Word),
		mints:   make(map[int64]object.Word),
	}
}

// Constant implements codegen.ConstantResolver.
func (c *constants) Constant(v any) (object.Word, error) {
	switch v := v.(type) {
	case nil:
		return c.h.Null(), nil
	case bool:
		return c.h.Bool(v), nil
	case object.Word:
		return v, nil
	case int:
		return c.Constant(int64(v))
	case int64:
		if object.FitsSmi(v) {
			return object.MakeSmi(v), nil
		}
		return intern(c, c.mints, v, c.h.NewInt)
	case float64:
		return intern(c, c.doubles, object.DoubleBits(v), func(uint64) (object.Word, error) { return c.h.NewDouble(v) })
	case string:
		return intern(c, c.strings, v, c.h.NewString)
	}
	return 0, errors.Errorf("no constant for %T", v)
}

func intern[K comparable](c *constants, m map[K]object.Word, k K, alloc func(K) (object.Word, error)) (object.Word, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := m[k]; ok {
		return w, nil
	}
	w, err := alloc(k)
	if err != nil {
		return 0, errors.Wrap(err, "allocate constant")
	}
	m[k] = w
	return w, nil
}
