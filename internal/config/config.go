// Package config holds the kernel configuration
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
)

// Memory pressure policies
const (
	PressureNone = "none"
	PressureLRU  = "lru"
)

// KernelConfig represents kernel configuration
type KernelConfig struct {
	// Memory configuration
	MemorySize     uint64 `json:"memory_size"`
	PageSize       uint64 `json:"page_size"`
	UserStackSize  uint64 `json:"user_stack_size"`
	UserHeapLimit  uint64 `json:"user_heap_limit"`
	MmapTop        uint64 `json:"mmap_top"`
	MemoryPressure string `json:"memory_pressure"`
	SwapFile       string `json:"swap_file"`
	Compression    bool   `json:"compression"`

	// Scheduling configuration
	Harts       int `json:"harts"`
	TimeSliceMs int `json:"time_slice_ms"`
	MaxTasks    int `json:"max_tasks"`
	MaxOpenFile int `json:"max_open_files"`

	// File system configuration
	RootFS      string `json:"rootfs"`
	WatchRootFS bool   `json:"watch_rootfs"`

	// Identification
	Release  string `json:"release"`
	Machine  string `json:"machine"`
	Hostname string `json:"hostname"`

	// Debug configuration
	LogLevel string `json:"log_level"`
}

// Default returns default kernel configuration
func Default() *KernelConfig {
	return &KernelConfig{
		MemorySize:     64 * 1024 * 1024, // 64MB
		PageSize:       4096,
		UserStackSize:  64 * 1024,        // 64KB
		UserHeapLimit:  16 * 1024 * 1024, // 16MB
		MmapTop:        0x60000000,
		MemoryPressure: PressureNone,

		Harts:       2,
		TimeSliceMs: 10,
		MaxTasks:    128,
		MaxOpenFile: 64,

		Release:  "5.10.0-7-riscv64",
		Machine:  "riscv64",
		Hostname: "hpu",

		LogLevel: "info",
	}
}

// Load reads a JSON configuration file on top of the defaults
func Load(path string) (*KernelConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the kernel cannot run with
func (c *KernelConfig) Validate() error {
	if c.PageSize != 4096 {
		return fmt.Errorf("unsupported page size: %d", c.PageSize)
	}
	if c.MemorySize < 16*c.PageSize {
		return fmt.Errorf("memory size too small: %d", c.MemorySize)
	}
	if c.MemorySize%c.PageSize != 0 {
		return fmt.Errorf("memory size %d is not page aligned", c.MemorySize)
	}
	if c.Harts <= 0 {
		return fmt.Errorf("invalid hart count: %d", c.Harts)
	}
	if c.MaxTasks <= 0 {
		return fmt.Errorf("invalid task limit: %d", c.MaxTasks)
	}
	if c.UserStackSize == 0 || c.UserStackSize%c.PageSize != 0 {
		return fmt.Errorf("user stack size %d is not a positive page multiple", c.UserStackSize)
	}
	if c.MmapTop%c.PageSize != 0 {
		return fmt.Errorf("mmap top %#x is not page aligned", c.MmapTop)
	}
	switch c.MemoryPressure {
	case PressureNone, PressureLRU:
	default:
		return fmt.Errorf("unknown memory pressure policy: %q", c.MemoryPressure)
	}
	if _, err := c.ReleaseVersion(); err != nil {
		return err
	}
	return nil
}

// ReleaseVersion parses the uname release as a semantic version
func (c *KernelConfig) ReleaseVersion() (*semver.Version, error) {
	v, err := semver.NewVersion(c.Release)
	if err != nil {
		return nil, fmt.Errorf("invalid release %q: %w", c.Release, err)
	}
	return v, nil
}
