// SPDX-License-Identifier: MIT

// Package config holds the daemon configuration. Environment variables
// (prefix MEDVAULT_) are the primary source; an optional YAML file can
// pre-seed values, with the environment always winning.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config is the effective daemon configuration after defaults, file
// overlay, and environment have been applied.
type Config struct {
	// Paths
	DataDir  string `yaml:"data_dir"`
	SpoolDir string `yaml:"spool_dir"`

	// Ops HTTP surface
	ListenAddr string `yaml:"listen_addr"`

	// Session store
	StoreBackend  string `yaml:"store_backend"` // memory, badger, redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Retention
	RetentionWindow time.Duration `yaml:"retention_window"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	VerifyInterval  time.Duration `yaml:"verify_interval"`
	VerifyGrace     time.Duration `yaml:"verify_grace"`

	// Audit
	AuditDir           string        `yaml:"audit_dir"`
	AuditPruneInterval time.Duration `yaml:"audit_prune_interval"`
	AuditRetention     time.Duration `yaml:"audit_retention"`

	// Health
	HealthInterval time.Duration `yaml:"health_interval"`
	StuckThreshold time.Duration `yaml:"stuck_threshold"`
	ErrorRateMax   int           `yaml:"error_rate_max"`

	// Pipeline
	Workers      int           `yaml:"workers"`
	QueueDepth   int           `yaml:"queue_depth"`
	StageRetries int           `yaml:"stage_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// Extraction
	OCRTimeout   time.Duration `yaml:"ocr_timeout"`
	OCRLanguages string        `yaml:"ocr_languages"`

	// Encryption
	MasterKey string `yaml:"master_key"`

	// Ingestion
	MaxUploadBytes int64   `yaml:"max_upload_bytes"`
	UploadRate     float64 `yaml:"upload_rate"` // uploads per second per owner
	UploadBurst    int     `yaml:"upload_burst"`
	IntakeEnabled  bool    `yaml:"intake_enabled"`

	// Telemetry
	LogLevel         string  `yaml:"log_level"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPProtocol     string  `yaml:"otlp_protocol"` // grpc or http
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		DataDir:            "./data",
		ListenAddr:         ":8080",
		StoreBackend:       "badger",
		RedisAddr:          "localhost:6379",
		RetentionWindow:    60 * time.Second,
		SweepInterval:      5 * time.Minute,
		VerifyInterval:     time.Hour,
		VerifyGrace:        10 * time.Second,
		AuditPruneInterval: 24 * time.Hour,
		AuditRetention:     90 * 24 * time.Hour,
		HealthInterval:     30 * time.Minute,
		StuckThreshold:     10 * time.Minute,
		ErrorRateMax:       10,
		Workers:            4,
		QueueDepth:         64,
		StageRetries:       2,
		RetryBackoff:       500 * time.Millisecond,
		OCRTimeout:         30 * time.Second,
		OCRLanguages:       "eng",
		MaxUploadBytes:     20 << 20,
		UploadRate:         1,
		UploadBurst:        5,
		LogLevel:           "info",
		OTLPProtocol:       "grpc",
		TraceSampleRatio:   0.1,
	}
}

// FromEnv builds the configuration: defaults, then the optional YAML file
// named by MEDVAULT_CONFIG_FILE, then environment overrides.
func FromEnv() (Config, error) {
	cfg := Default()
	if path := ParseString("MEDVAULT_CONFIG_FILE", ""); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DataDir = ParseString("MEDVAULT_DATA_DIR", cfg.DataDir)
	cfg.SpoolDir = ParseString("MEDVAULT_SPOOL_DIR", cfg.SpoolDir)
	cfg.ListenAddr = ParseString("MEDVAULT_LISTEN", cfg.ListenAddr)

	cfg.StoreBackend = ParseString("MEDVAULT_STORE", cfg.StoreBackend)
	cfg.RedisAddr = ParseString("MEDVAULT_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = ParseString("MEDVAULT_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = ParseInt("MEDVAULT_REDIS_DB", cfg.RedisDB)

	cfg.RetentionWindow = ParseDuration("MEDVAULT_RETENTION_WINDOW", cfg.RetentionWindow)
	cfg.SweepInterval = ParseDuration("MEDVAULT_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.VerifyInterval = ParseDuration("MEDVAULT_VERIFY_INTERVAL", cfg.VerifyInterval)
	cfg.VerifyGrace = ParseDuration("MEDVAULT_VERIFY_GRACE", cfg.VerifyGrace)

	cfg.AuditDir = ParseString("MEDVAULT_AUDIT_DIR", cfg.AuditDir)
	cfg.AuditPruneInterval = ParseDuration("MEDVAULT_AUDIT_PRUNE_INTERVAL", cfg.AuditPruneInterval)
	cfg.AuditRetention = ParseDuration("MEDVAULT_AUDIT_RETENTION", cfg.AuditRetention)

	cfg.HealthInterval = ParseDuration("MEDVAULT_HEALTH_INTERVAL", cfg.HealthInterval)
	cfg.StuckThreshold = ParseDuration("MEDVAULT_STUCK_THRESHOLD", cfg.StuckThreshold)
	cfg.ErrorRateMax = ParseInt("MEDVAULT_ERROR_RATE_MAX", cfg.ErrorRateMax)

	cfg.Workers = ParseInt("MEDVAULT_WORKERS", cfg.Workers)
	cfg.QueueDepth = ParseInt("MEDVAULT_QUEUE_DEPTH", cfg.QueueDepth)
	cfg.StageRetries = ParseInt("MEDVAULT_STAGE_RETRIES", cfg.StageRetries)
	cfg.RetryBackoff = ParseDuration("MEDVAULT_RETRY_BACKOFF", cfg.RetryBackoff)

	cfg.OCRTimeout = ParseDuration("MEDVAULT_OCR_TIMEOUT", cfg.OCRTimeout)
	cfg.OCRLanguages = ParseString("MEDVAULT_OCR_LANGS", cfg.OCRLanguages)

	cfg.MasterKey = ParseString("MEDVAULT_MASTER_KEY", cfg.MasterKey)

	cfg.MaxUploadBytes = int64(ParseInt("MEDVAULT_MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes)))
	cfg.UploadRate = ParseFloat("MEDVAULT_UPLOAD_RATE", cfg.UploadRate)
	cfg.UploadBurst = ParseInt("MEDVAULT_UPLOAD_BURST", cfg.UploadBurst)
	cfg.IntakeEnabled = ParseBool("MEDVAULT_INTAKE_ENABLED", cfg.IntakeEnabled)

	cfg.LogLevel = ParseString("MEDVAULT_LOG_LEVEL", cfg.LogLevel)
	cfg.OTLPEndpoint = ParseString("MEDVAULT_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.OTLPProtocol = ParseString("MEDVAULT_OTLP_PROTOCOL", cfg.OTLPProtocol)
	cfg.TraceSampleRatio = ParseFloat("MEDVAULT_TRACE_SAMPLE_RATIO", cfg.TraceSampleRatio)
}

// applyDerived fills paths that default relative to DataDir.
func (c *Config) applyDerived() {
	if c.SpoolDir == "" {
		c.SpoolDir = filepath.Join(c.DataDir, "spool")
	}
	if c.AuditDir == "" {
		c.AuditDir = filepath.Join(c.DataDir, "audit")
	}
}

// IntakeDir is the drop-folder root watched when intake ingestion is on.
func (c *Config) IntakeDir() string {
	return filepath.Join(c.SpoolDir, "intake")
}

// BadgerDir is the durable session store location.
func (c *Config) BadgerDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// RecordDBPath is the sqlite file holding encrypted records.
func (c *Config) RecordDBPath() string {
	return filepath.Join(c.DataDir, "records.db")
}

// Validate checks the configuration, collecting all problems.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case "memory", "badger", "redis":
	default:
		errs = append(errs, fmt.Errorf("MEDVAULT_STORE: unknown backend %q (want memory, badger or redis)", c.StoreBackend))
	}
	if c.StoreBackend == "redis" && strings.TrimSpace(c.RedisAddr) == "" {
		errs = append(errs, errors.New("MEDVAULT_REDIS_ADDR: required for the redis backend"))
	}

	if c.DataDir == "" {
		errs = append(errs, errors.New("MEDVAULT_DATA_DIR: must not be empty"))
	}
	if c.RetentionWindow <= 0 {
		errs = append(errs, fmt.Errorf("MEDVAULT_RETENTION_WINDOW: must be positive, got %s", c.RetentionWindow))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("MEDVAULT_SWEEP_INTERVAL: must be positive, got %s", c.SweepInterval))
	}
	if c.VerifyGrace < 0 {
		errs = append(errs, fmt.Errorf("MEDVAULT_VERIFY_GRACE: must not be negative, got %s", c.VerifyGrace))
	}
	if c.AuditRetention <= 0 {
		errs = append(errs, fmt.Errorf("MEDVAULT_AUDIT_RETENTION: must be positive, got %s", c.AuditRetention))
	}

	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("MEDVAULT_WORKERS: must be at least 1, got %d", c.Workers))
	}
	if c.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("MEDVAULT_QUEUE_DEPTH: must be at least 1, got %d", c.QueueDepth))
	}
	if c.StageRetries < 0 {
		errs = append(errs, fmt.Errorf("MEDVAULT_STAGE_RETRIES: must not be negative, got %d", c.StageRetries))
	}

	if c.MaxUploadBytes < 1 {
		errs = append(errs, fmt.Errorf("MEDVAULT_MAX_UPLOAD_BYTES: must be positive, got %d", c.MaxUploadBytes))
	}
	if c.UploadRate <= 0 {
		errs = append(errs, fmt.Errorf("MEDVAULT_UPLOAD_RATE: must be positive, got %g", c.UploadRate))
	}

	switch c.OTLPProtocol {
	case "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("MEDVAULT_OTLP_PROTOCOL: unknown protocol %q (want grpc or http)", c.OTLPProtocol))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("MEDVAULT_TRACE_SAMPLE_RATIO: must be in [0,1], got %g", c.TraceSampleRatio))
	}

	return errors.Join(errs...)
}
