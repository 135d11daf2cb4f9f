package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"udpxfer/network"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "udpxfer"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "UDPXFER_DATA_DIR"
	// DefaultPort is the UDP port the sender binds when no user override exists.
	DefaultPort = 12345
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Transfer defaults shared by both ends. Chunk size must match between peers.
const (
	DefaultChunkSize            = network.DefaultChunkSize
	DefaultBufferSize           = network.DefaultBufferSize
	DefaultPhaseTimeoutMillis   = int(network.DefaultPhaseTimeout / time.Millisecond)
	DefaultMaxRetries           = network.DefaultMaxRetries
	DefaultMaxResendRequestSize = network.DefaultMaxResendRequestSize
	DefaultBatchSize            = network.DefaultBatchSize
	DefaultBatchShrinkStep      = network.DefaultBatchShrinkStep
	DefaultMaxReconcileRounds   = network.DefaultMaxReconcileRounds
	DefaultLogLevel             = "info"
)

// TransferConfig contains persistent node settings.
type TransferConfig struct {
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name"`

	ListenAddress     string `json:"listen_address"`
	ServerAddress     string `json:"server_address"`
	ServeDirectory    string `json:"serve_directory"`
	DownloadDirectory string `json:"download_directory"`

	ChunkSize            int     `json:"chunk_size"`
	BufferSize           int     `json:"buffer_size"`
	PhaseTimeoutMillis   int     `json:"phase_timeout_ms"`
	MaxRetries           int     `json:"max_retries"`
	LossProbability      float64 `json:"loss_probability"`
	MaxResendRequestSize int     `json:"max_resend_request_size"`
	DefaultBatchSize     int     `json:"default_batch_size"`
	BatchShrinkStep      int     `json:"batch_shrink_step"`
	MaxReconcileRounds   int     `json:"max_reconcile_rounds"`

	DiscoveryEnabled bool   `json:"discovery_enabled"`
	HistoryEnabled   bool   `json:"history_enabled"`
	LogLevel         string `json:"log_level"`
}

// PhaseTimeout returns the per-phase receive timeout.
func (c *TransferConfig) PhaseTimeout() time.Duration {
	return time.Duration(c.PhaseTimeoutMillis) * time.Millisecond
}

// Validate reports settings that would make a transfer impossible.
func (c *TransferConfig) Validate() error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if err := network.ValidateBufferSize(c.BufferSize, c.ChunkSize); err != nil {
		errs = append(errs, fmt.Errorf("buffer_size: %w", err))
	}
	if c.PhaseTimeoutMillis <= 0 {
		errs = append(errs, fmt.Errorf("phase_timeout_ms must be positive, got %d", c.PhaseTimeoutMillis))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries))
	}
	if c.LossProbability < 0 || c.LossProbability >= 1 {
		errs = append(errs, fmt.Errorf("loss_probability must be in [0, 1), got %v", c.LossProbability))
	}
	if c.MaxResendRequestSize <= 0 {
		errs = append(errs, fmt.Errorf("max_resend_request_size must be positive, got %d", c.MaxResendRequestSize))
	}
	// The sender reads a RESEND into a buffer_size datagram buffer.
	if c.MaxResendRequestSize > c.BufferSize {
		errs = append(errs, fmt.Errorf("max_resend_request_size %d must not exceed buffer_size %d", c.MaxResendRequestSize, c.BufferSize))
	}
	if c.DefaultBatchSize <= 0 || c.BatchShrinkStep <= 0 {
		errs = append(errs, errors.New("default_batch_size and batch_shrink_step must be positive"))
	}
	if c.MaxReconcileRounds <= 0 {
		errs = append(errs, fmt.Errorf("max_reconcile_rounds must be positive, got %d", c.MaxReconcileRounds))
	}
	if normalizeLogLevel(c.LogLevel) == "" {
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If UDPXFER_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "shared"),
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*TransferConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg TransferConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *TransferConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*TransferConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig(dataDir string) *TransferConfig {
	cfg := &TransferConfig{
		HistoryEnabled:   true,
		DiscoveryEnabled: true,
	}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultNodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "udpxfer node"
}

func normalizeDefaults(cfg *TransferConfig, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.NodeID, uuid.NewString())
	setString(&cfg.NodeName, defaultNodeName())
	setString(&cfg.ListenAddress, fmt.Sprintf(":%d", DefaultPort))
	setString(&cfg.ServerAddress, fmt.Sprintf("127.0.0.1:%d", DefaultPort))
	setString(&cfg.ServeDirectory, filepath.Join(dataDir, "shared"))
	setString(&cfg.DownloadDirectory, filepath.Join(dataDir, "downloads"))

	setInt(&cfg.ChunkSize, DefaultChunkSize)
	setInt(&cfg.BufferSize, DefaultBufferSize)
	setInt(&cfg.PhaseTimeoutMillis, DefaultPhaseTimeoutMillis)
	setInt(&cfg.MaxRetries, DefaultMaxRetries)
	setInt(&cfg.MaxResendRequestSize, DefaultMaxResendRequestSize)
	setInt(&cfg.DefaultBatchSize, DefaultBatchSize)
	setInt(&cfg.BatchShrinkStep, DefaultBatchShrinkStep)
	setInt(&cfg.MaxReconcileRounds, DefaultMaxReconcileRounds)

	level := normalizeLogLevel(cfg.LogLevel)
	if level == "" {
		level = DefaultLogLevel
	}
	if cfg.LogLevel != level {
		cfg.LogLevel = level
		updated = true
	}

	if cfg.LossProbability < 0 {
		cfg.LossProbability = 0
		updated = true
	}

	return updated
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "info", "":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return ""
	}
}
