package compiler

import (
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/GriffinCanCode/flowjit/pkg/codegen"
	"github.com/GriffinCanCode/flowjit/pkg/deopt"
	"github.com/GriffinCanCode/flowjit/pkg/feedback"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/logger"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// Context is the state of one compilation attempt. Nothing in it is shared
// with other attempts.
type Context struct {
	Attempt  ulid.ULID
	Function *object.Function
	Mode     codegen.Mode
	IDs      *ir.IDAllocator[int]
	// Feedback is a frozen snapshot, or nil when the attempt compiles
	// without type feedback.
	Feedback *feedback.Table
	Log      *slog.Logger
}

// NewContext starts an attempt. Optimized attempts snapshot fb unless the
// function has deoptimized deoptThreshold times or more.
func NewContext(fn *object.Function, mode codegen.Mode, fb *feedback.Table, deoptCount, deoptThreshold int) *Context {
	cctx := &Context{
		Attempt:  ulid.Make(),
		Function: fn,
		Mode:     mode,
		IDs:      ir.NewIDAllocator(0),
	}
	if mode == codegen.Optimized && fb != nil && deopt.ShouldUseFeedback(deoptCount, deoptThreshold) {
		cctx.Feedback = fb.Snapshot()
	}
	cctx.Log = logger.With("attempt", cctx.Attempt.String(), "function", fn.QualifiedName(), "mode", mode.String())
	return cctx
}
