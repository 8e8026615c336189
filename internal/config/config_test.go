package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadAppliesDefaultsWithoutFlagsOrEnv(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrent != 2 {
		t.Fatalf("expected default MaxConcurrent 2, got %d", cfg.MaxConcurrent)
	}
	if cfg.HWAccel != "auto" {
		t.Fatalf("expected default hwaccel 'auto', got %q", cfg.HWAccel)
	}
}

func TestLoadDerivesDBPathFromTranscodedRootWhenUnset(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	if err := flags.Set("transcoded-root", "/data/out"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	cfg, err := Load(flags)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join("/data/out", "pretranscode.db")
	if cfg.DBPath != want {
		t.Fatalf("expected derived db path %q, got %q", want, cfg.DBPath)
	}
}

func TestLoadRespectsExplicitFlagOverride(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	if err := flags.Set("max-concurrent", "4"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if err := flags.Set("db-path", "/custom/meta.db"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	cfg, err := Load(flags)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrent != 4 {
		t.Fatalf("expected MaxConcurrent 4, got %d", cfg.MaxConcurrent)
	}
	if cfg.DBPath != "/custom/meta.db" {
		t.Fatalf("expected explicit db path preserved, got %q", cfg.DBPath)
	}
}

func TestQueueStatePathIsFixedRelativeToTranscodedRoot(t *testing.T) {
	cfg := &Config{TranscodedRoot: "/data/out"}
	want := filepath.Join("/data/out", "queue-state.json")
	if got := cfg.QueueStatePath(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestLoadRejectsNonPositiveMaxConcurrentByClampingToOne(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	if err := flags.Set("max-concurrent", "0"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	cfg, err := Load(flags)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrent != 1 {
		t.Fatalf("expected clamp to 1, got %d", cfg.MaxConcurrent)
	}
}
