// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/keyring"
	"github.com/medvault/medvault/internal/log"
)

// PerformStartupChecks validates the environment and dependencies before
// the daemon starts accepting documents.
func PerformStartupChecks(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}
	if err := checkDataDir(logger, cfg.SpoolDir); err != nil {
		return fmt.Errorf("spool directory check failed: %w", err)
	}
	if err := checkTargetedValidations(logger, cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("✓ Directory is writable")
	return nil
}

// checkTargetedValidations performs security and runtime-critical validations
func checkTargetedValidations(logger zerolog.Logger, cfg config.Config) error {
	// a. Listen Address (Parseable)
	if cfg.ListenAddr != "" {
		_, port, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("invalid listen address %q: %w", cfg.ListenAddr, err)
		}
		portNum, err := strconv.Atoi(port)
		if err != nil || portNum < 0 || portNum > 65535 {
			return fmt.Errorf("invalid listen port %q in %q", port, cfg.ListenAddr)
		}
		logger.Info().Str("addr", cfg.ListenAddr).Msg("✓ Listen address is valid")
	}

	// b. Master key must derive usable per-owner keys before any upload
	// arrives; probing with a throwaway owner id catches bad key material
	// at startup instead of at ENCRYPTING.
	kr, err := keyring.New(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("MEDVAULT_MASTER_KEY: %w", err)
	}
	if _, err := kr.KeyFor("startup-probe"); err != nil {
		return fmt.Errorf("key derivation probe failed: %w", err)
	}
	logger.Info().Msg("✓ Master key derives owner keys")

	// c. OCR languages
	if strings.TrimSpace(cfg.OCRLanguages) == "" {
		return fmt.Errorf("MEDVAULT_OCR_LANGS must not be empty")
	}
	logger.Info().Str("languages", cfg.OCRLanguages).Msg("✓ OCR languages configured")

	// d. Store backend persistence safety
	if strings.EqualFold(cfg.StoreBackend, "memory") {
		logger.Warn().
			Str("store_backend", cfg.StoreBackend).
			Msg("in-memory store; sessions are not persistent across restarts")
	}

	tempDir := filepath.Clean(os.TempDir())
	dataDir := filepath.Clean(cfg.DataDir)
	if tempDir != "." && (dataDir == tempDir || strings.HasPrefix(dataDir, tempDir+string(filepath.Separator))) {
		logger.Warn().
			Str("data_dir", cfg.DataDir).
			Msg("data directory is under temp; session state and audit log may be lost on reboot")
	}

	return nil
}
