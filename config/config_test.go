package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"udpxfer/network"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, dataDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, dataDir)
	}
	if firstCfg.NodeID == "" {
		t.Fatalf("expected non-empty node ID")
	}
	if firstCfg.ChunkSize != DefaultChunkSize || firstCfg.BufferSize != DefaultBufferSize {
		t.Fatalf("unexpected size defaults: chunk=%d buffer=%d", firstCfg.ChunkSize, firstCfg.BufferSize)
	}
	if firstCfg.PhaseTimeout() != 15*time.Second {
		t.Fatalf("expected 15s phase timeout, got %s", firstCfg.PhaseTimeout())
	}
	if firstCfg.LossProbability != 0 {
		t.Fatalf("expected loss simulation disabled by default, got %v", firstCfg.LossProbability)
	}
	if !firstCfg.HistoryEnabled {
		t.Fatal("expected history enabled by default")
	}
	if firstCfg.ServeDirectory != filepath.Join(tempDir, "shared") {
		t.Fatalf("unexpected serve directory %q", firstCfg.ServeDirectory)
	}
	if err := firstCfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}
	for _, dir := range []string{"shared", "downloads"} {
		if info, err := os.Stat(filepath.Join(tempDir, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory to exist: %v", dir, err)
		}
	}

	secondCfg, secondPath, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.NodeID != firstCfg.NodeID {
		t.Fatalf("expected stable node ID, got %q then %q", firstCfg.NodeID, secondCfg.NodeID)
	}
}

func TestLoadOrCreateFillsMissingFieldsAndKeepsOverrides(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	partial := &TransferConfig{
		NodeID:          "fixed-node",
		ChunkSize:       512,
		LossProbability: 0.1,
		LogLevel:        "WARNING",
	}
	if err := Save(ConfigPath(tempDir), partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.NodeID != "fixed-node" || cfg.ChunkSize != 512 || cfg.LossProbability != 0.1 {
		t.Fatalf("expected overrides to be retained: %+v", cfg)
	}
	if cfg.MaxRetries != DefaultMaxRetries || cfg.MaxResendRequestSize != DefaultMaxResendRequestSize {
		t.Fatalf("expected missing fields to be defaulted: %+v", cfg)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected log level to normalize to warn, got %q", cfg.LogLevel)
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.DefaultBatchSize != DefaultBatchSize {
		t.Fatalf("expected normalized config to be persisted, got batch size %d", reloaded.DefaultBatchSize)
	}
}

func TestValidateRejectsImpossibleSettings(t *testing.T) {
	cfg := defaultConfig(t.TempDir())
	cfg.ChunkSize = 4096
	cfg.LossProbability = 1
	cfg.MaxRetries = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"buffer_size", "loss_probability", "max_retries"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %q, got %v", want, err)
		}
	}
}

func TestValidateUsesFrameHeaderBound(t *testing.T) {
	cfg := defaultConfig(t.TempDir())
	cfg.BufferSize = cfg.ChunkSize + network.MaxHeaderSize
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected buffer of chunk size plus header to be accepted: %v", err)
	}

	cfg.BufferSize--
	if err := cfg.Validate(); !errors.Is(err, network.ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
}

func TestValidateRejectsResendRequestLargerThanBuffer(t *testing.T) {
	cfg := defaultConfig(t.TempDir())
	cfg.MaxResendRequestSize = cfg.BufferSize
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected request size equal to buffer size to be accepted: %v", err)
	}

	cfg.MaxResendRequestSize = cfg.BufferSize + 1
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "max_resend_request_size") {
		t.Fatalf("expected max_resend_request_size error, got %v", err)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
