// Package config holds the tunables of the compilation pipeline.
//
// Every policy constant lives here; values can be overridden with FLOWJIT_*
// environment variables.
package config

import (
	"fmt"

	"github.com/xyproto/env/v2"
)

// Config is the set of pipeline tunables.
type Config struct {
	// PolymorphicFanOut bounds the receiver combinations a call site may
	// have and still be compiled to a polymorphic dispatch.
	PolymorphicFanOut int
	// DeoptCounterThreshold is the deopt count at which a function stops
	// receiving feedback-driven specializations.
	DeoptCounterThreshold int
	// OptimizationCounterThreshold is the invocation count that triggers an
	// optimized compilation.
	OptimizationCounterThreshold int

	UseOptimizer      bool
	CodeComments      bool
	TraceOptimization bool
	TraceDeopt        bool

	// Target selects the emitter: "sim" or "amd64".
	Target string

	HeapSize  int
	StackSize int

	LogLevel  string
	LogFormat string
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		PolymorphicFanOut:            4,
		DeoptCounterThreshold:        5,
		OptimizationCounterThreshold: 2000,
		UseOptimizer:                 true,
		Target:                       "sim",
		HeapSize:                     16 << 20,
		StackSize:                    1 << 20,
		LogLevel:                     "warn",
		LogFormat:                    "auto",
	}
}

// FromEnv returns the defaults overridden by the environment.
func FromEnv() (Config, error) { return Overlay(Default()) }

// Overlay returns base with every FLOWJIT_* variable that is set applied
// on top. The environment is re-read on every call.
func Overlay(base Config) (Config, error) {
	env.Load()
	cfg := base
	cfg.PolymorphicFanOut = env.Int("FLOWJIT_POLYMORPHIC_FANOUT", cfg.PolymorphicFanOut)
	cfg.DeoptCounterThreshold = env.Int("FLOWJIT_DEOPT_THRESHOLD", cfg.DeoptCounterThreshold)
	cfg.OptimizationCounterThreshold = env.Int("FLOWJIT_OPTIMIZATION_THRESHOLD", cfg.OptimizationCounterThreshold)
	flags := []struct {
		name string
		dst  *bool
	}{
		{"FLOWJIT_USE_OPTIMIZER", &cfg.UseOptimizer},
		{"FLOWJIT_CODE_COMMENTS", &cfg.CodeComments},
		{"FLOWJIT_TRACE_OPTIMIZATION", &cfg.TraceOptimization},
		{"FLOWJIT_TRACE_DEOPT", &cfg.TraceDeopt},
	}
	for _, f := range flags {
		if env.Has(f.name) {
			*f.dst = env.Bool(f.name)
		}
	}
	cfg.Target = env.Str("FLOWJIT_TARGET", cfg.Target)
	cfg.HeapSize = env.Int("FLOWJIT_HEAP_SIZE", cfg.HeapSize)
	cfg.StackSize = env.Int("FLOWJIT_STACK_SIZE", cfg.StackSize)
	cfg.LogLevel = env.Str("FLOWJIT_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = env.Str("FLOWJIT_LOG_FORMAT", cfg.LogFormat)
	return cfg, cfg.Validate()
}

// Validate reports the first out-of-range tunable.
func (c Config) Validate() error {
	switch {
	case c.PolymorphicFanOut < 1:
		return fmt.Errorf("polymorphic fan-out must be at least 1, got %d", c.PolymorphicFanOut)
	case c.DeoptCounterThreshold < 0:
		return fmt.Errorf("deopt counter threshold must not be negative, got %d", c.DeoptCounterThreshold)
	case c.OptimizationCounterThreshold < 0:
		return fmt.Errorf("optimization counter threshold must not be negative, got %d", c.OptimizationCounterThreshold)
	case c.Target != "sim" && c.Target != "amd64":
		return fmt.Errorf("unknown target %q", c.Target)
	case c.HeapSize < 1<<16:
		return fmt.Errorf("heap size %d is too small", c.HeapSize)
	case c.StackSize < 1<<12:
		return fmt.Errorf("stack size %d is too small", c.StackSize)
	}
	return nil
}
