package logging

import (
	"maps"
	"slices"
	"time"
)

// Config controls the router and the sinks it feeds.
type Config struct {
	EnabledSinks []string
	// BufferSize bounds the router queue; each sink backlog is clamped to
	// [32, 1024] of the same value.
	BufferSize      int
	MinimumSeverity Severity
	// SinkSeverity overrides MinimumSeverity for individual sinks, so the
	// JSON file can keep per-flush debug events the console leaves out.
	SinkSeverity     map[string]Severity
	Fields           map[string]any
	JSON             JSONConfig
	DropWarnInterval time.Duration
}

type JSONConfig struct {
	FilePath      string
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		JSON:             JSONConfig{FlushInterval: 2 * time.Second},
	}
}

func (c Config) HasSink(name string) bool {
	return slices.Contains(c.EnabledSinks, name)
}

// SeverityFor reports the threshold applied to the named sink.
func (c Config) SeverityFor(name string) Severity {
	if severity, ok := c.SinkSeverity[name]; ok {
		return severity
	}
	return c.MinimumSeverity
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	return maps.Clone(c.Fields)
}
