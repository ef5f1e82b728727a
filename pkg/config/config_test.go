package config

import (
	"testing"
)

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("FLOWJIT_POLYMORPHIC_FANOUT", "2")
	t.Setenv("FLOWJIT_DEOPT_THRESHOLD", "9")
	t.Setenv("FLOWJIT_USE_OPTIMIZER", "false")
	t.Setenv("FLOWJIT_TARGET", "amd64")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.PolymorphicFanOut != 2 {
		t.Errorf("fan-out = %d, want 2", cfg.PolymorphicFanOut)
	}
	if cfg.DeoptCounterThreshold != 9 {
		t.Errorf("deopt threshold = %d, want 9", cfg.DeoptCounterThreshold)
	}
	if cfg.UseOptimizer {
		t.Error("optimizer should be disabled")
	}
	if cfg.Target != "amd64" {
		t.Errorf("target = %q, want amd64", cfg.Target)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.PolymorphicFanOut != 4 || cfg.DeoptCounterThreshold != 5 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero fan-out", func(c *Config) { c.PolymorphicFanOut = 0 }},
		{"negative deopt threshold", func(c *Config) { c.DeoptCounterThreshold = -1 }},
		{"negative optimization threshold", func(c *Config) { c.OptimizationCounterThreshold = -3 }},
		{"unknown target", func(c *Config) { c.Target = "riscv64" }},
		{"tiny heap", func(c *Config) { c.HeapSize = 10 }},
		{"tiny stack", func(c *Config) { c.StackSize = 10 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestOverlayKeepsBase(t *testing.T) {
	base := Default()
	base.OptimizationCounterThreshold = 10
	base.CodeComments = true
	t.Setenv("FLOWJIT_HEAP_SIZE", "131072")

	cfg, err := Overlay(base)
	if err != nil {
		t.Fatalf("Overlay: %v", err)
	}
	if cfg.OptimizationCounterThreshold != 10 || !cfg.CodeComments {
		t.Errorf("unset variables overrode the base: %+v", cfg)
	}
	if cfg.HeapSize != 131072 {
		t.Errorf("heap size = %d, want 131072", cfg.HeapSize)
	}

	t.Setenv("FLOWJIT_CODE_COMMENTS", "0")
	if cfg, _ = Overlay(base); cfg.CodeComments {
		t.Error("FLOWJIT_CODE_COMMENTS=0 left comments on")
	}
}

func TestOverlayRereadsEnvironment(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"3", 3},
		{"7", 7},
		{"", 4},
	}
	for _, tt := range tests {
		t.Setenv("FLOWJIT_POLYMORPHIC_FANOUT", tt.value)
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("FromEnv with fan-out %q: %v", tt.value, err)
		}
		if cfg.PolymorphicFanOut != tt.want {
			t.Errorf("fan-out %q = %d, want %d", tt.value, cfg.PolymorphicFanOut, tt.want)
		}
	}
}
