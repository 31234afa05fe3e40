package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

const schema = `
#Config: {
	gc: {
		nursery:                 int & >=0
		page:                    int & >0
		arena:                   int & >=page
		small_request_threshold: int & >=0 & <=page
		max_arenas:              int & >=0
		major_collect:           number & >1
		growth:                  number & >=0
		card_page_indices:       int & >=0
		large_object:            int & >=0 & <=large_object_gcptrs
		large_object_gcptrs:     int & >=0
		min_heap:                number & >=0
		max_heap:                number & >=0
		always_minor_collect:    bool
		debug_checks:            bool

		_pageAligned:    mod(page, 8) & 0
		_arenaAligned:   mod(arena, 8) & 0
		_requestAligned: mod(small_request_threshold, 8) & 0
	}
	jit: {
		threshold:       int & >=1
		trace_eagerness: int & >=1
		trace_limit:     int & >=1
		inlining:        bool
		debug_level:     "off" | "profile" | "steps" | "detailed"
	}
	log: {
		verbosity: int & >=-1 & <=2
		path:      string
	}
}
`

// Validate checks cfg against the configuration schema.
func Validate(cfg *Config) error {
	ctx := cuecontext.New()
	s := ctx.CompileString(schema, cue.Filename("metatrace.cue"))
	if err := s.Err(); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	def := s.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(cfg))
	if err := v.Validate(cue.Concrete(true), cue.Hidden(true)); err != nil {
		return err
	}
	return nil
}
