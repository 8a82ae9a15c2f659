package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Metric.Bins != 32 {
		t.Errorf("metric bins: got %d, want 32", cfg.Metric.Bins)
	}
	if cfg.Rigid.InitialStep != 4.0 || cfg.Rigid.MinimumStep != 0.01 {
		t.Errorf("rigid steps: got %g/%g, want 4.0/0.01", cfg.Rigid.InitialStep, cfg.Rigid.MinimumStep)
	}
	if cfg.Deformable.Bins != 50 {
		t.Errorf("deformable bins: got %d, want 50", cfg.Deformable.Bins)
	}
	if len(cfg.Deformable.Levels) != 2 {
		t.Fatalf("deformable levels: got %d, want 2", len(cfg.Deformable.Levels))
	}
	if cfg.Deformable.Levels[0].MeshSize != [3]int{4, 4, 4} ||
		cfg.Deformable.Levels[1].MeshSize != [3]int{8, 8, 8} {
		t.Errorf("mesh schedule: got %v then %v, want dyadic 4 -> 8",
			cfg.Deformable.Levels[0].MeshSize, cfg.Deformable.Levels[1].MeshSize)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig on a missing file should fall back to defaults, got %v", err)
	}
	if cfg.Rigid.Iterations != DefaultConfig().Rigid.Iterations {
		t.Errorf("missing file did not yield defaults")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volreg.yaml")

	cfg := DefaultConfig()
	cfg.Rigid.InitialStep = 2.5
	cfg.Deformable.Levels = []LevelConfig{{Shrink: 3, Sigma: 1.5, MeshSize: [3]int{5, 6, 7}}}

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Rigid.InitialStep != 2.5 {
		t.Errorf("rigid initial step: got %g, want 2.5", loaded.Rigid.InitialStep)
	}
	if len(loaded.Deformable.Levels) != 1 || loaded.Deformable.Levels[0].MeshSize != [3]int{5, 6, 7} {
		t.Errorf("levels did not survive the round trip: %+v", loaded.Deformable.Levels)
	}
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("rigid: [not a mapping"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("expected a parse error")
	}
}
