package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/joho/godotenv"

	"shortform/internal/config"
)

// loadDotenv picks up a .env next to the binary or in the working
// directory. Missing files are fine; real errors are not worth dying for.
func loadDotenv() {
	_ = godotenv.Load()
	if exe, err := os.Executable(); err == nil {
		_ = godotenv.Load(filepath.Join(filepath.Dir(exe), ".env"))
	}
}

// acquireLock ensures a single daemon instance per workspace using an
// advisory file lock. The returned func releases the lock.
func acquireLock(cfg *config.Config) (func(), error) {
	if err := os.MkdirAll(cfg.Paths.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	lockPath := filepath.Join(cfg.Paths.WorkspaceDir, "shortformd.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s is held by another process", lockPath)
	}
	return func() { _ = lock.Unlock() }, nil
}
