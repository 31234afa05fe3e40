package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/metatrace/gc"
	"github.com/chazu/metatrace/jit"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(Default()): %v", err)
	}
	if got, want := cfg.GCParams(), gc.DefaultParams(); got.NurserySize != want.NurserySize ||
		got.MajorCollectionThreshold != want.MajorCollectionThreshold ||
		got.LargeObjectGCPtrs != want.LargeObjectGCPtrs {
		t.Errorf("GCParams() = %+v, want %+v", got, want)
	}
	if got := cfg.JITOptions(); got != jit.DefaultOptions() {
		t.Errorf("JITOptions() = %+v, want %+v", got, jit.DefaultOptions())
	}
	if _, err := gc.New(cfg.GCParams()); err != nil {
		t.Errorf("gc.New with the default config: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	data := `
[gc]
nursery = 65536
major_collect = 2.0

[jit]
threshold = 57
debug_level = "steps"

[log]
verbosity = 1
`
	cfg, err := Parse([]byte(data), "test.toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p := cfg.GCParams()
	if p.NurserySize != 65536 || p.MajorCollectionThreshold != 2.0 {
		t.Errorf("gc params = %+v", p)
	}
	if p.PageSize != gc.DefaultParams().PageSize {
		t.Errorf("page size = %d, want the default", p.PageSize)
	}
	o := cfg.JITOptions()
	if o.Threshold != 57 || o.DebugLevel != jit.DebugSteps || o.TraceEagerness != 200 {
		t.Errorf("jit options = %+v", o)
	}
	if cfg.Log.Verbosity != 1 {
		t.Errorf("verbosity = %d, want 1", cfg.Log.Verbosity)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"syntax", "[gc\nnursery = 1", "parse error"},
		{"unknown key", "[gc]\nnursry = 4096", "unknown setting"},
		{"threshold not above one", "[gc]\nmajor_collect = 1.0", "invalid"},
		{"unaligned page", "[gc]\npage = 100\nsmall_request_threshold = 80", "invalid"},
		{"large object", "[gc]\nlarge_object = 90000", "invalid"},
		{"debug level", "[jit]\ndebug_level = \"loud\"", "invalid"},
		{"zero eagerness", "[jit]\ntrace_eagerness = 0", "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), "test.toml")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metatrace.toml")
	if err := os.WriteFile(path, []byte("[jit]\ninlining = true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.JIT.Inlining {
		t.Error("inlining not loaded")
	}
	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, g GCConfig)
	}{
		{"empty", nil, func(t *testing.T, g GCConfig) {
			if g.Nursery != 896*1024 || g.MinHeap != 8*896*1024 || g.MaxHeap != 0 {
				t.Errorf("gc = %+v", g)
			}
		}},
		{"sizes with units", map[string]string{
			EnvNursery: "4MiB",
			EnvMin:     "64MB",
			EnvMax:     "1GiB",
		}, func(t *testing.T, g GCConfig) {
			if g.Nursery != 4<<20 || g.MinHeap != 64e6 || g.MaxHeap != 1<<30 {
				t.Errorf("gc = %+v", g)
			}
			if g.AlwaysMinorCollect {
				t.Error("always_minor_collect set")
			}
		}},
		{"debug nursery", map[string]string{EnvNursery: "1"}, func(t *testing.T, g GCConfig) {
			if !g.AlwaysMinorCollect {
				t.Error("always_minor_collect not set")
			}
			if g.Nursery != 2*g.LargeObjectGCPtrs {
				t.Errorf("nursery = %d, want %d", g.Nursery, 2*g.LargeObjectGCPtrs)
			}
		}},
		{"factors", map[string]string{
			EnvMajorCollect: "2.5",
			EnvGrowth:       "1.5",
		}, func(t *testing.T, g GCConfig) {
			if g.MajorCollect != 2.5 || g.Growth != 1.5 {
				t.Errorf("gc = %+v", g)
			}
		}},
		{"invalid values are ignored", map[string]string{
			EnvNursery:      "lots",
			EnvMajorCollect: "0.5",
			EnvGrowth:       "fast",
			EnvMax:          "-3",
		}, func(t *testing.T, g GCConfig) {
			d := Default().GC
			if g.Nursery != d.Nursery || g.MajorCollect != d.MajorCollect || g.Growth != d.Growth || g.MaxHeap != 0 {
				t.Errorf("gc = %+v", g)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			ApplyEnv(cfg, func(k string) string { return tt.env[k] })
			tt.check(t, cfg.GC)
		})
	}
}

func TestApplyEnvKeepsConfiguredMinHeap(t *testing.T) {
	cfg, err := Parse([]byte("[gc]\nmin_heap = 1048576.0\n"), "metatrace.toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ApplyEnv(cfg, func(string) string { return "" })
	if cfg.GC.MinHeap != 1<<20 {
		t.Errorf("min_heap = %v, want the configured 1048576", cfg.GC.MinHeap)
	}

	ApplyEnv(cfg, func(k string) string {
		if k == EnvMin {
			return "2MiB"
		}
		return ""
	})
	if cfg.GC.MinHeap != 2<<20 {
		t.Errorf("min_heap = %v, want the environment's 2MiB", cfg.GC.MinHeap)
	}
}
