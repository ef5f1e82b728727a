package compiler

import (
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/codegen"
	"github.com/GriffinCanCode/flowjit/pkg/deopt"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/logger"
	"github.com/GriffinCanCode/flowjit/pkg/object"
	"github.com/GriffinCanCode/flowjit/pkg/optimizer"
)

// Build constructs the flow graph of the attempt's function, attaching
// the attempt's feedback snapshot when it has one.
func (c *Compiler) Build(cctx *Context) (*ir.Graph, error) {
	logger.LogPhase(string(PhaseBuild), cctx.Function.QualifiedName())
	g, err := ir.NewBuilder(c.opts.Library, cctx.Feedback, cctx.IDs).Build(cctx.Function)
	if err != nil {
		return nil, cctx.fail(PhaseBuild, err)
	}
	return g, nil
}

// Optimize records the pending expression stacks of g and then
// specializes it. Pending stacks must be taken from the graph before any
// rewrite since deopt exits rebuild the unoptimized frame from them.
func (c *Compiler) Optimize(cctx *Context, g *ir.Graph) (deopt.PendingStacks, int, error) {
	logger.LogPhase(string(PhaseOptimize), g.Name)
	pending, err := deopt.ComputePending(g)
	if err != nil {
		return nil, 0, cctx.fail(PhaseOptimize, err)
	}
	changes, err := optimizer.Apply(g, c.opts.Library, optimizer.Options{
		PolymorphicFanOut: c.opts.Config.PolymorphicFanOut,
		Trace:             c.opts.Config.TraceOptimization,
	})
	if err != nil {
		return nil, changes, cctx.fail(PhaseOptimize, err)
	}
	if err := g.Verify(); err != nil {
		return nil, changes, cctx.fail(PhaseOptimize, errors.Wrap(err, "after optimization"))
	}
	cctx.Log.Debug("Optimized", "changes", changes)
	return pending, changes, nil
}

// Generate runs the flow graph compiler. unopt is nil for unoptimized
// attempts.
func (c *Compiler) Generate(cctx *Context, g *ir.Graph, pending deopt.PendingStacks, unopt *codegen.Code) (*codegen.Code, error) {
	logger.LogPhase(string(PhaseCodegen), g.Name)
	code, err := codegen.Compile(g, codegen.Options{
		Target:      c.opts.Target,
		Mode:        cctx.Mode,
		Constants:   c.opts.Constants,
		Pending:     pending,
		Unoptimized: unopt,
		Comments:    c.opts.Config.CodeComments,
	})
	if err != nil {
		return nil, cctx.fail(PhaseCodegen, err)
	}
	if err := code.Verify(); err != nil {
		return nil, cctx.fail(PhaseCodegen, err)
	}
	return code, nil
}

func (c *Compiler) install(cctx *Context, code *codegen.Code, changes int) (*Installed, error) {
	in := &Installed{Code: code, Attempt: cctx.Attempt.String(), Changes: changes}
	region, err := c.opts.Space.Install(code.Name, code.Instructions, in)
	if err != nil {
		return nil, cctx.fail(PhaseInstall, err)
	}
	in.Region = region
	logger.LogInstall(code.Name, uintptr(region.Base), code.Size(), code.Optimized)
	return in, nil
}

func (c *Compiler) unoptimized(cctx *Context) (*Installed, error) {
	g, err := c.Build(cctx)
	if err != nil {
		return nil, err
	}
	code, err := c.Generate(cctx, g, nil, nil)
	if err != nil {
		return nil, err
	}
	in, err := c.install(cctx, code, 0)
	if err != nil {
		return nil, err
	}
	n := len(c.opts.Target.PatchJump(in.Entry(), in.Entry()))
	in.entry = append([]byte(nil), code.Instructions[:n]...)
	return in, nil
}

// optimized compiles the attempt against the feedback snapshot and, once
// installed, redirects the unoptimized entry to the new code.
func (c *Compiler) optimized(cctx *Context, unopt *Installed) (*Installed, error) {
	g, err := c.Build(cctx)
	if err != nil {
		return nil, err
	}
	pending, changes, err := c.Optimize(cctx, g)
	if err != nil {
		return nil, err
	}
	code, err := c.Generate(cctx, g, pending, unopt.Code)
	if err != nil {
		if errors.Is(err, ErrBailout) {
			logger.LogBailout(cctx.Function.QualifiedName(), errors.Cause(err).Error())
		}
		return nil, err
	}
	in, err := c.install(cctx, code, changes)
	if err != nil {
		return nil, err
	}
	patch := c.opts.Target.PatchJump(unopt.Entry(), in.Entry())
	if err := c.opts.Space.Patch(unopt.Entry(), patch); err != nil {
		return nil, cctx.fail(PhaseInstall, err)
	}
	cctx.Log.Info("Entry redirected", "from", unopt.Entry(), "to", in.Entry())
	return in, nil
}

// Explain builds the flow graph of fn and returns it printed before and
// after optimization. Nothing is generated or installed.
func (c *Compiler) Explain(fn *object.Function, req Request) (before, after string, err error) {
	cctx := NewContext(fn, req.Mode, req.Feedback, req.DeoptCount, c.opts.Config.DeoptCounterThreshold)
	g, err := c.Build(cctx)
	if err != nil {
		return "", "", err
	}
	before = g.String()
	if req.Mode != codegen.Optimized {
		return before, before, nil
	}
	if _, _, err := c.Optimize(cctx, g); err != nil {
		return before, "", err
	}
	return before, g.String(), nil
}
