package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.NodeSecretHex == "" {
		t.Fatal("expected a generated node secret")
	}
	secret, err := cfg.NodeSecret()
	if err != nil {
		t.Fatalf("NodeSecret: %v", err)
	}
	if len(secret) != 32 {
		t.Errorf("expected 32-byte secret, got %d", len(secret))
	}

	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Errorf("expected config file to be written: %v", err)
	}
}

func TestLoadIsStableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	second, err := Load(dir)
	if err != nil {
		t.Fatalf("Load (second): %v", err)
	}

	if first.NodeSecretHex != second.NodeSecretHex {
		t.Error("expected node secret to persist across Load calls")
	}
}

func TestNodeSecretRejectsWrongLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeSecretHex = hex.EncodeToString([]byte("too short"))

	if _, err := cfg.NodeSecret(); err == nil {
		t.Fatal("expected error for short node secret")
	}
}

func TestNodeSecretRejectsMissing(t *testing.T) {
	cfg := DefaultConfig()

	if _, err := cfg.NodeSecret(); err == nil {
		t.Fatal("expected error for unset node secret")
	}
}

func TestSaveRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	cfg := DefaultConfig()
	secret, err := GenerateNodeSecret()
	if err != nil {
		t.Fatalf("GenerateNodeSecret: %v", err)
	}
	cfg.NodeSecretHex = hex.EncodeToString(secret)
	cfg.Logging.Level = "debug"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Logging.Level != "debug" {
		t.Errorf("expected logging level debug, got %s", loaded.Logging.Level)
	}
	if loaded.NodeSecretHex != cfg.NodeSecretHex {
		t.Error("expected node secret to round-trip")
	}
}
