package engine

import (
	"time"

	"github.com/basket/taskd/internal/config"
)

// Config bounds every execution.
type Config struct {
	WorkerCount    int
	MaxWallClock   time.Duration
	MaxIterations  int
	MaxToolOutput  int
	ToolTimeout    time.Duration
	MaxSpawnDepth  int
	MaxSpawnFanout int
	OutputDir      string

	DefaultProvider string
	DefaultModel    string
	SystemPrompt    string
}

func ConfigFrom(c config.EngineConfig) Config {
	return Config{
		WorkerCount:     c.WorkerCount,
		MaxWallClock:    time.Duration(c.MaxWallClockSeconds) * time.Second,
		MaxIterations:   c.MaxIterations,
		MaxToolOutput:   c.MaxToolOutputBytes,
		ToolTimeout:     time.Duration(c.ToolTimeoutSeconds) * time.Second,
		MaxSpawnDepth:   c.MaxSpawnDepth,
		MaxSpawnFanout:  c.MaxSpawnFanout,
		OutputDir:       c.OutputDir,
		DefaultProvider: c.DefaultProvider,
		DefaultModel:    c.DefaultModel,
		SystemPrompt:    c.SystemPrompt,
	}
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.MaxWallClock <= 0 {
		c.MaxWallClock = 300 * time.Second
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 25
	}
	if c.MaxToolOutput <= 0 {
		c.MaxToolOutput = 4000
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 60 * time.Second
	}
	// A negative depth disables spawning.
	if c.MaxSpawnDepth == 0 {
		c.MaxSpawnDepth = 3
	}
	if c.MaxSpawnDepth < 0 {
		c.MaxSpawnDepth = 0
	}
	if c.MaxSpawnFanout <= 0 {
		c.MaxSpawnFanout = 4
	}
	return c
}
