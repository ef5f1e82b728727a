// Package compiler drives one function through the pipeline: flow graph
// construction, feedback-driven optimization, code generation and
// installation into a code space.
//
// Design: every attempt gets its own Context. Installed code is cached per
// function and tier; duplicate requests for the same entry share one
// attempt, and independent functions compile in parallel.
package compiler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/GriffinCanCode/flowjit/pkg/codegen"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/amd64"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/sim"
	"github.com/GriffinCanCode/flowjit/pkg/codespace"
	"github.com/GriffinCanCode/flowjit/pkg/config"
	"github.com/GriffinCanCode/flowjit/pkg/feedback"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/object"
	"github.com/GriffinCanCode/flowjit/pkg/optimizer"
)

// Library resolves names for the graph builder and class ids for the
// optimizer.
type Library interface {
	ir.Library
	optimizer.Classes
}

// Options configure a compiler.
type Options struct {
	Config    config.Config
	Target    *asm.Target
	Library   Library
	Constants codegen.ConstantResolver
	Space     *codespace.Space
}

// TargetFor returns the backend named by config.Config.Target.
func TargetFor(name string) (*asm.Target, error) {
	switch name {
	case "sim":
		return sim.Target, nil
	case "amd64":
		return amd64.Target, nil
	}
	return nil, errors.Errorf("unknown target %q", name)
}

// Installed is code placed in the code space.
type Installed struct {
	Code    *codegen.Code
	Region  *codespace.Region
	Attempt string
	// Changes is the number of optimizer rewrites.
	Changes int

	entry []byte // original patchable entry of unoptimized code
}

// Entry is the address execution starts at.
func (i *Installed) Entry() uint64 { return i.Region.Base }

// Request describes what to compile.
type Request struct {
	Mode codegen.Mode
	// Feedback is the live table of the function; optimized attempts take
	// a snapshot of it.
	Feedback   *feedback.Table
	DeoptCount int
}

// Stats counts what the compiler has done.
type Stats struct {
	Unoptimized int64
	Optimized   int64
	Bailouts    int64
	CacheHits   int64
}

type cacheKey struct {
	fn   *object.Function
	mode codegen.Mode
}

// Compiler compiles and installs functions. It is safe for concurrent use.
type Compiler struct {
	opts Options

	mu     sync.Mutex
	cache  map[cacheKey]*Installed
	flight singleflight.Group

	nUnopt, nOpt, bailouts, hits atomic.Int64
}

// New validates opts and creates a compiler.
func New(opts Options) (*Compiler, error) {
	if opts.Library == nil || opts.Constants == nil || opts.Space == nil {
		return nil, errors.New("compiler: library, constants and code space are required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, errors.Wrap(err, "compiler")
	}
	if opts.Target == nil {
		t, err := TargetFor(opts.Config.Target)
		if err != nil {
			return nil, errors.Wrap(err, "compiler")
		}
		opts.Target = t
	}
	return &Compiler{opts: opts, cache: make(map[cacheKey]*Installed)}, nil
}

// Target is the backend code is generated for.
func (c *Compiler) Target() *asm.Target { return c.opts.Target }

// Lookup returns the installed code of fn for a tier.
func (c *Compiler) Lookup(fn *object.Function, mode codegen.Mode) (*Installed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.cache[cacheKey{fn, mode}]
	return in, ok
}

// Compile returns the installed code of fn for req.Mode, compiling it on
// first request. Compiling a function that already has valid code of that
// tier returns the same installation.
func (c *Compiler) Compile(ctx context.Context, fn *object.Function, req Request) (*Installed, error) {
	if in, ok := c.Lookup(fn, req.Mode); ok {
		c.hits.Add(1)
		return in, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%p/%d", fn, req.Mode)
	v, err, _ := c.flight.Do(key, func() (any, error) {
		if in, ok := c.Lookup(fn, req.Mode); ok {
			return in, nil
		}
		in, err := c.compile(ctx, fn, req)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[cacheKey{fn, req.Mode}] = in
		c.mu.Unlock()
		return in, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Installed), nil
}

func (c *Compiler) compile(ctx context.Context, fn *object.Function, req Request) (*Installed, error) {
	if req.Mode == codegen.Unoptimized {
		cctx := NewContext(fn, codegen.Unoptimized, nil, 0, 0)
		in, err := c.unoptimized(cctx)
		if err == nil {
			c.nUnopt.Add(1)
		}
		return in, err
	}

	unopt, err := c.Compile(ctx, fn, Request{Mode: codegen.Unoptimized})
	if err != nil {
		return nil, err
	}
	cctx := NewContext(fn, codegen.Optimized, req.Feedback, req.DeoptCount, c.opts.Config.DeoptCounterThreshold)
	in, err := c.optimized(cctx, unopt)
	if err != nil {
		if errors.Is(err, ErrBailout) {
			c.bailouts.Add(1)
		}
		return nil, err
	}
	c.nOpt.Add(1)
	return in, nil
}

// Invalidate drops the cached code of fn for a tier. Invalidating
// optimized code points the unoptimized entry back at its own body.
func (c *Compiler) Invalidate(fn *object.Function, mode codegen.Mode) error {
	c.mu.Lock()
	_, ok := c.cache[cacheKey{fn, mode}]
	delete(c.cache, cacheKey{fn, mode})
	unopt := c.cache[cacheKey{fn, codegen.Unoptimized}]
	c.mu.Unlock()
	if !ok || mode != codegen.Optimized || unopt == nil {
		return nil
	}
	return errors.Wrapf(c.opts.Space.Patch(unopt.Entry(), unopt.entry), "restore entry of %s", fn.QualifiedName())
}

// CompileAll compiles independent functions in parallel and returns the
// first error.
func (c *Compiler) CompileAll(ctx context.Context, fns []*object.Function, req Request) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, fn := range fns {
		fn := fn
		g.Go(func() error {
			_, err := c.Compile(ctx, fn, req)
			return err
		})
	}
	return g.Wait()
}

// Stats returns the counters so far.
func (c *Compiler) Stats() Stats {
	return Stats{
		Unoptimized: c.nUnopt.Load(),
		Optimized:   c.nOpt.Load(),
		Bailouts:    c.bailouts.Load(),
		CacheHits:   c.hits.Load(),
	}
}
