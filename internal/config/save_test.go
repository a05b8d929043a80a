package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Tools["dti"] = ToolConfig{Kind: "command", Command: "dtifit", Args: []string{"{in:dwi}"}}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
	if loaded.Tools["dti"].Command != "dtifit" {
		t.Errorf("Expected tool command 'dtifit', got '%s'", loaded.Tools["dti"].Command)
	}
}

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}
}

func TestSaveThenLoad(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			cfg := DefaultConfig()
			cfg.BIDSDir = "/data/bids"
			cfg.Execution.StageTimeout = Duration(90 * time.Minute)
			cfg.Branches["noeddy"] = BranchConfig{
				Lineage:   "XcNe",
				Diverges:  []string{"bse", "betmask", "ukf"},
				Overrides: map[string]map[string]string{"bse": {"mode": "avg"}},
			}

			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if loaded.BIDSDir != "/data/bids" {
				t.Errorf("bids_dir = %q", loaded.BIDSDir)
			}
			if loaded.Execution.StageTimeout.Std() != 90*time.Minute {
				t.Errorf("stage_timeout = %v", loaded.Execution.StageTimeout)
			}
			if got := loaded.Branches["noeddy"].Overrides["bse"]["mode"]; got != "avg" {
				t.Errorf("override mode = %q, want avg", got)
			}
		})
	}
}

func TestSaveYAMLWritesDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := DefaultConfig()
	cfg.Execution.StageTimeout = Duration(2 * time.Hour)

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "stage_timeout: 2h0m0s") {
		t.Errorf("expected duration string in YAML, got:\n%s", data)
	}
}
