// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/probechain/luacore/gc"
)

func TestDefaultMatchesGCDefaultParams(t *testing.T) {
	cfg := Default()
	want := gc.DefaultParams()
	got := cfg.GCParams()
	if got != want {
		t.Fatalf("Default().GCParams() = %+v, want %+v", got, want)
	}
	if cfg.GCMode() != gc.ModeIncremental {
		t.Fatalf("Default() mode = %v, want incremental", cfg.GCMode())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "luai.toml")
	doc := "[GC]\nPause = 300\nStepMul = 150\nStepSize = 14\nMode = \"generational\"\n\n[Hook]\nCountEvery = 1000\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GC.Pause != 300 || cfg.GC.StepMul != 150 || cfg.GC.StepSize != 14 {
		t.Fatalf("unexpected GC section: %+v", cfg.GC)
	}
	if cfg.GCMode() != gc.ModeGenerational {
		t.Fatalf("expected generational mode, got %v", cfg.GCMode())
	}
	if cfg.Hook.CountEvery != 1000 {
		t.Fatalf("unexpected Hook section: %+v", cfg.Hook)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(path, []byte("[GC]\nTypoField = 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := Load(path, &cfg); err == nil {
		t.Fatal("expected an error for an unrecognized TOML field")
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg := Default()
	if err := Load(filepath.Join(t.TempDir(), "missing.toml"), &cfg); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
