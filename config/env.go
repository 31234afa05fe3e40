package config

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Environment variables read by ApplyEnv.
const (
	EnvNursery      = "METATRACE_GC_NURSERY"
	EnvMajorCollect = "METATRACE_GC_MAJOR_COLLECT"
	EnvGrowth       = "METATRACE_GC_GROWTH"
	EnvMin          = "METATRACE_GC_MIN"
	EnvMax          = "METATRACE_GC_MAX"
)

// ApplyEnv overrides the collector settings from the environment, read
// through getenv (os.Getenv in production). Sizes accept unit suffixes
// such as "4MB" or "512KiB". Invalid or non-positive values are ignored.
//
// A nursery of 1 keeps the smallest usable nursery and collects it
// before every allocation. When neither the environment nor the
// configuration sets a minimum heap, it becomes 8 times the nursery.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	g := &cfg.GC
	if n := readSize(getenv(EnvNursery)); n > 0 {
		g.AlwaysMinorCollect = n == 1
		if min := 2 * g.LargeObjectGCPtrs; n < min {
			n = min
		}
		g.Nursery = n
	}
	if f := readFloat(getenv(EnvMajorCollect)); f > 1 {
		g.MajorCollect = f
	}
	if f := readFloat(getenv(EnvGrowth)); f > 1 {
		g.Growth = f
	}
	if n := readSize(getenv(EnvMin)); n > 0 {
		g.MinHeap = float64(n)
	} else if g.MinHeap == 0 {
		g.MinHeap = float64(8 * g.Nursery)
	}
	if n := readSize(getenv(EnvMax)); n > 0 {
		g.MaxHeap = float64(n)
	}
}

func readSize(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := humanize.ParseBytes(s)
	if err != nil || n > uint64(int(^uint(0)>>1)) {
		log.Warningf("ignoring size %q: %v", s, err)
		return 0
	}
	return int(n)
}

func readFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		log.Warningf("ignoring number %q: %v", s, err)
		return 0
	}
	return f
}
