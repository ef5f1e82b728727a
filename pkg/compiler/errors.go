package compiler

import (
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/codegen"
)

// Phase names the pipeline stage an error came from.
type Phase string

const (
	PhaseBuild    Phase = "build"
	PhaseOptimize Phase = "optimize"
	PhaseCodegen  Phase = "codegen"
	PhaseInstall  Phase = "install"
)

// ErrBailout matches compile errors that abandoned an optimized attempt.
// The function keeps running unoptimized code.
var ErrBailout = errors.New("optimized compilation bailed out")

// CompileError is the one error type the pipeline returns.
type CompileError struct {
	Function string
	Phase    Phase
	Attempt  ulid.ULID
	Bailout  bool
	Cause    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %s (attempt %s): %v", e.Function, e.Phase, e.Attempt, e.Cause)
}

func (e *CompileError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrBailout) find bailouts.
func (e *CompileError) Is(target error) bool {
	return target == ErrBailout && e.Bailout
}

// fail wraps cause for the attempt. Optimized attempts that hit an
// instruction the code generator cannot lower are bailouts.
func (cctx *Context) fail(phase Phase, cause error) *CompileError {
	err := &CompileError{
		Function: cctx.Function.QualifiedName(),
		Phase:    phase,
		Attempt:  cctx.Attempt,
		Cause:    cause,
	}
	if cctx.Mode == codegen.Optimized && errors.Is(cause, codegen.ErrNoLocationSummary) {
		err.Bailout = true
	}
	return err
}
