package recorder

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fentz26/nvrpanel/internal/fsutil"
)

// ErrNotFound is returned by Load when the config file does not exist.
var ErrNotFound = fmt.Errorf("recorder config not found: %w", fs.ErrNotExist)

// ParseError is returned by Load when the file cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Manager reads and writes one recorder config file. It never caches the
// file: every Load reads it from disk.
type Manager struct {
	path   string
	logger *slog.Logger
}

// NewManager creates a manager for the config file at path.
func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{path: path, logger: logger.With("component", "recorder")}
}

// Path returns the config file path.
func (m *Manager) Path() string {
	return m.path
}

// BackupPath returns where Save keeps the previous file.
func (m *Manager) BackupPath() string {
	return m.path + ".backup"
}

// Exists reports whether the config file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Load reads and parses the config file.
func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading recorder config: %w", err)
	}
	cfg, err := Unmarshal(data)
	if err != nil {
		return nil, &ParseError{Path: m.path, Err: err}
	}
	return cfg, nil
}

// LoadOrDefault loads the config, falling back to Default when the file is
// missing or malformed. The returned warning is empty when the file loaded.
func (m *Manager) LoadOrDefault() (*Config, string) {
	cfg, err := m.Load()
	if err == nil {
		return cfg, ""
	}
	var perr *ParseError
	switch {
	case errors.Is(err, ErrNotFound):
		return Default(), ""
	case errors.As(err, &perr):
		m.logger.Warn("recorder config is malformed, using defaults", "path", m.path, "error", perr.Err)
		return Default(), fmt.Sprintf("%s could not be parsed (%v); showing defaults, saving will replace it", m.path, perr.Err)
	default:
		m.logger.Warn("recorder config is unreadable, using defaults", "path", m.path, "error", err)
		return Default(), fmt.Sprintf("%s could not be read (%v); showing defaults", m.path, err)
	}
}

// Save validates cfg and writes it atomically. An invalid config is
// refused with a *ValidationError and nothing on disk changes. The previous
// file, if any, is copied to BackupPath first. A config that was not loaded
// from a file, such as one decoded from JSON, is written over the current
// file so keys nvrpanel does not manage are kept.
func (m *Manager) Save(cfg *Config) error {
	if err := Validate(cfg).Err(); err != nil {
		return err
	}
	if cfg.src == nil {
		if cur, err := m.Load(); err == nil {
			adopted := *cfg
			adopted.src = cur.src
			cfg = &adopted
		}
	}
	data, err := Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding recorder config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if m.Exists() {
		if err := fsutil.CopyFileAtomic(m.path, m.BackupPath()); err != nil {
			return fmt.Errorf("backing up recorder config: %w", err)
		}
	}
	if err := fsutil.WriteFileAtomic(m.path, data, 0644); err != nil {
		return fmt.Errorf("writing recorder config: %w", err)
	}

	m.logger.Info("recorder config saved", "path", m.path, "cameras", len(cfg.Cameras))
	return nil
}
