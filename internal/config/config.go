// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package config loads the TOML tuning file cmd/luai accepts via its
// -config flag: GC parameters (spec §4.4's pause/step-multiplier/step-size,
// plus which of the two collection modes to start in) and the VM's debug
// hook instruction cadence (spec §4.5 "every N instructions"). It is loaded
// the same way cmd/gprobe/config.go loads node configuration in the teacher
// repo — a naoina/toml decode with normalized field names and a
// MissingField hook that turns an unrecognized key into a hard error
// instead of silently ignoring it.
package config

import (
	"bufio"
	"fmt"
	"os"
	"reflect"

	"github.com/naoina/toml"

	"github.com/probechain/luacore/gc"
)

// tomlSettings mirrors cmd/gprobe/config.go's tomlSettings: field names are
// taken verbatim (no case-folding), and any TOML key with no matching Go
// field is a load error rather than a silently-dropped typo.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// GC holds the GC tuning section of the config file.
type GC struct {
	Pause    uint32 // percentage threshold before the next cycle, spec §4.4
	StepMul  uint32 // propagation speed relative to the allocator
	StepSize uint32 // log2 of the debt-unit granularity in bytes
	Mode     string // "incremental" (default) or "generational", spec §4.4
}

// Hook holds the VM debug-hook cadence section of the config file.
type Hook struct {
	CountEvery int // instructions between HookCount events, spec §4.5; 0 disables
}

// Config is the full TOML document cmd/luai's -config flag decodes.
type Config struct {
	GC   GC
	Hook Hook
}

// Default returns the configuration cmd/luai starts from before any -config
// file or flag overrides it, matching gc.DefaultParams()'s own defaults so
// an absent config file changes nothing observable.
func Default() Config {
	return Config{
		GC: GC{
			Pause:    gc.DecodeFB(gc.DefaultParams().PauseFB),
			StepMul:  gc.DecodeFB(gc.DefaultParams().StepMulFB),
			StepSize: gc.DecodeFB(gc.DefaultParams().StepSizeFB),
			Mode:     "incremental",
		},
		Hook: Hook{CountEvery: 0},
	}
}

// Load reads and decodes a TOML config file at path into cfg, the same
// bufio.NewReader-wrapped decode cmd/gprobe/config.go's loadConfig uses; a
// *toml.LineError is given the file name prefixed on, so a misconfigured
// field names the file it came from.
func Load(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	if _, ok := err.(*toml.LineError); ok {
		return fmt.Errorf("%s, %w", path, err)
	}
	return err
}

// GCParams converts the decoded GC section into gc.Params, encoding each
// field back into its floating-byte representation (spec §4.4).
func (c Config) GCParams() gc.Params {
	return gc.Params{
		PauseFB:    gc.EncodeFB(c.GC.Pause),
		StepMulFB:  gc.EncodeFB(c.GC.StepMul),
		StepSizeFB: gc.EncodeFB(c.GC.StepSize),
	}
}

// GCMode parses the Mode string into a gc.Mode, defaulting to incremental
// for an empty or unrecognized value rather than erroring, since an
// embedder's config file predates a mode this build doesn't know about
// should not be fatal.
func (c Config) GCMode() gc.Mode {
	if c.GC.Mode == "generational" {
		return gc.ModeGenerational
	}
	return gc.ModeIncremental
}
