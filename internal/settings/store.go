package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/notedown/internal/logger"
)

// FileName is the settings file name inside the config directory.
const FileName = "extension.yaml"

// DefaultPath returns $XDG_CONFIG_HOME/notedown/extension.yaml, or the
// platform equivalent.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config directory: %w", err)
	}
	return filepath.Join(dir, "notedown", FileName), nil
}

// On-disk form. ExtractOptions is a pointer so a file written before the
// key existed can be told apart from one that disables everything.
type document struct {
	Version        string          `yaml:"version"`
	AllowedDomains []string        `yaml:"allowedDomains"`
	ExtractOptions *ExtractOptions `yaml:"extractOptions,omitempty"`
}

// Store holds the live configuration. It is safe for concurrent use.
type Store struct {
	path    string
	version string

	mu     sync.RWMutex
	config Config
}

// NewMemoryStore returns a store that never touches disk.
func NewMemoryStore(cfg Config) *Store {
	return &Store{config: cfg.Clone()}
}

// Open loads the configuration at path. A missing file is created with
// the defaults. A file written by a different version has the defaults
// merged in under the keys it lacks, keeping everything the user set, and
// is rewritten with the current version.
func Open(path, version string) (*Store, error) {
	s := &Store{path: path, version: version}

	doc, err := readDocument(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.config = Defaults()
		logger.Info("settings initialised with defaults", "path", path)
		return s, s.save(s.config)
	case err != nil:
		return nil, err
	}

	cfg := mergeDefaults(doc, doc.Version != version)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.config = cfg

	if doc.Version != version {
		logger.Info("settings upgraded", "path", path, "from", doc.Version, "to", version)
		if err := s.save(cfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func readDocument(path string) (document, error) {
	var doc document
	b, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return doc, nil
}

// mergeDefaults fills keys the document lacks. On upgrade, default origins
// missing from the stored list are appended after the user's entries.
func mergeDefaults(doc document, upgrade bool) Config {
	cfg := Defaults()
	if doc.AllowedDomains != nil {
		domains := slices.Clone(doc.AllowedDomains)
		if upgrade {
			for _, d := range cfg.AllowedDomains {
				if !slices.Contains(domains, d) {
					domains = append(domains, d)
				}
			}
		}
		cfg.AllowedDomains = domains
	}
	if doc.ExtractOptions != nil {
		cfg.ExtractOptions = *doc.ExtractOptions
	}
	return cfg
}

// Path returns the backing file, or "" for a memory store.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Clone()
}

// Allowed reports whether origin passes the allow-list.
func (s *Store) Allowed(origin string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return MatchOrigin(s.config.AllowedDomains, origin)
}

// Apply merges p into the configuration, validates the result and
// persists it. An empty patch is rejected.
func (s *Store) Apply(p Patch) (Config, error) {
	if p.Empty() {
		return Config{}, fmt.Errorf("%w: no configuration provided", ErrInvalidConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := p.ApplyTo(s.config)
	if err := next.Validate(); err != nil {
		return Config{}, err
	}
	if err := s.save(next); err != nil {
		return Config{}, err
	}
	s.config = next
	return next.Clone(), nil
}

// Reset restores the defaults.
func (s *Store) Reset() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := Defaults()
	if err := s.save(next); err != nil {
		return Config{}, err
	}
	s.config = next
	return next.Clone(), nil
}

func (s *Store) save(cfg Config) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	opts := cfg.ExtractOptions
	b, err := yaml.Marshal(document{
		Version:        s.version,
		AllowedDomains: cfg.AllowedDomains,
		ExtractOptions: &opts,
	})
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	// Write then rename so a watcher never reads a half-written file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// Reload re-reads the backing file. An invalid file leaves the current
// configuration in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	doc, err := readDocument(s.path)
	if err != nil {
		return err
	}
	cfg := mergeDefaults(doc, false)
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	return nil
}

// Watch reloads the configuration whenever the backing file changes, until
// ctx is done. The parent directory is watched so editors that replace the
// file are picked up.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	log := logger.Component(logger.Settings)
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				log.Warn("settings reload rejected", "path", s.path, "error", err)
				continue
			}
			log.Info("settings reloaded", "path", s.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("fsnotify error", "error", err)
		}
	}
}
