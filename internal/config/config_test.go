package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *KernelConfig)
	}{
		{"page size", func(c *KernelConfig) { c.PageSize = 8192 }},
		{"tiny memory", func(c *KernelConfig) { c.MemorySize = 4096 }},
		{"no harts", func(c *KernelConfig) { c.Harts = 0 }},
		{"unaligned stack", func(c *KernelConfig) { c.UserStackSize = 100 }},
		{"policy", func(c *KernelConfig) { c.MemoryPressure = "fifo" }},
		{"release", func(c *KernelConfig) { c.Release = "not-a-version" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestReleaseVersion(t *testing.T) {
	v, err := Default().ReleaseVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v.Major() != 5 || v.Minor() != 10 {
		t.Fatalf("got %s", v)
	}
}

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "kernel.json")
	if err := os.WriteFile(p, []byte(`{"harts": 4, "memory_pressure": "lru"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if c.Harts != 4 || c.MemoryPressure != PressureLRU {
		t.Fatalf("unexpected config: %+v", c)
	}
	if c.PageSize != 4096 {
		t.Fatal("defaults should survive partial files")
	}
}
