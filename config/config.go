// Package config handles metatrace.toml configuration: collector
// tuning, JIT options and logging.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/chazu/metatrace/gc"
	"github.com/chazu/metatrace/jit"
)

// Config represents a metatrace.toml file.
type Config struct {
	GC  GCConfig  `toml:"gc" json:"gc"`
	JIT JITConfig `toml:"jit" json:"jit"`
	Log LogConfig `toml:"log" json:"log"`
}

// GCConfig configures the collector. Sizes are in bytes.
type GCConfig struct {
	Nursery               int     `toml:"nursery" json:"nursery"`
	Page                  int     `toml:"page" json:"page"`
	Arena                 int     `toml:"arena" json:"arena"`
	SmallRequestThreshold int     `toml:"small_request_threshold" json:"small_request_threshold"`
	MaxArenas             int     `toml:"max_arenas" json:"max_arenas"`
	MajorCollect          float64 `toml:"major_collect" json:"major_collect"`
	Growth                float64 `toml:"growth" json:"growth"`
	CardPageIndices       int     `toml:"card_page_indices" json:"card_page_indices"`
	LargeObject           int     `toml:"large_object" json:"large_object"`
	LargeObjectGCPtrs     int     `toml:"large_object_gcptrs" json:"large_object_gcptrs"`
	MinHeap               float64 `toml:"min_heap" json:"min_heap"`
	MaxHeap               float64 `toml:"max_heap" json:"max_heap"`
	AlwaysMinorCollect    bool    `toml:"always_minor_collect" json:"always_minor_collect"`
	DebugChecks           bool    `toml:"debug_checks" json:"debug_checks"`
}

// JITConfig configures tracing.
type JITConfig struct {
	Threshold      int64  `toml:"threshold" json:"threshold"`
	TraceEagerness int    `toml:"trace_eagerness" json:"trace_eagerness"`
	TraceLimit     int    `toml:"trace_limit" json:"trace_limit"`
	Inlining       bool   `toml:"inlining" json:"inlining"`
	DebugLevel     string `toml:"debug_level" json:"debug_level"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	Path      string `toml:"path" json:"path"`
}

var debugLevels = map[string]jit.DebugLevel{
	"off":      jit.DebugOff,
	"profile":  jit.DebugProfile,
	"steps":    jit.DebugSteps,
	"detailed": jit.DebugDetailed,
}

// Default returns the production configuration.
func Default() *Config {
	p := gc.DefaultParams()
	o := jit.DefaultOptions()
	return &Config{
		GC: GCConfig{
			Nursery:               p.NurserySize,
			Page:                  p.PageSize,
			Arena:                 p.ArenaSize,
			SmallRequestThreshold: p.SmallRequestThreshold,
			MaxArenas:             p.MaxArenas,
			MajorCollect:          p.MajorCollectionThreshold,
			Growth:                p.GrowthRateMax,
			CardPageIndices:       p.CardPageIndices,
			LargeObject:           p.LargeObject,
			LargeObjectGCPtrs:     p.LargeObjectGCPtrs,
		},
		JIT: JITConfig{
			Threshold:      o.Threshold,
			TraceEagerness: o.TraceEagerness,
			TraceLimit:     o.TraceLimit,
			Inlining:       o.Inlining,
			DebugLevel:     "off",
		},
	}
}

// Load reads a configuration file. Settings missing from the file keep
// their defaults. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes TOML data over the defaults and validates it. name is
// used in error messages.
func Parse(data []byte, name string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown setting %s in %s", undecoded[0], name)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return cfg, nil
}

// GCParams converts the [gc] table.
func (c *Config) GCParams() gc.Params {
	g := c.GC
	return gc.Params{
		NurserySize:              g.Nursery,
		PageSize:                 g.Page,
		ArenaSize:                g.Arena,
		SmallRequestThreshold:    g.SmallRequestThreshold,
		MaxArenas:                g.MaxArenas,
		MajorCollectionThreshold: g.MajorCollect,
		GrowthRateMax:            g.Growth,
		CardPageIndices:          g.CardPageIndices,
		LargeObject:              g.LargeObject,
		LargeObjectGCPtrs:        g.LargeObjectGCPtrs,
		MinHeapSize:              g.MinHeap,
		MaxHeapSize:              g.MaxHeap,
		DebugAlwaysMinorCollect:  g.AlwaysMinorCollect,
		DebugChecks:              g.DebugChecks,
	}
}

// JITOptions converts the [jit] table. An unknown debug level means off.
func (c *Config) JITOptions() jit.Options {
	return jit.Options{
		Threshold:      c.JIT.Threshold,
		TraceEagerness: c.JIT.TraceEagerness,
		TraceLimit:     c.JIT.TraceLimit,
		Inlining:       c.JIT.Inlining,
		DebugLevel:     debugLevels[c.JIT.DebugLevel],
	}
}
