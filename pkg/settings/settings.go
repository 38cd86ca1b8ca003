// Package settings owns the persisted application settings: the engine daemon
// address, the diagnostic verbosity, and the base generation parameters.
// The Store notifies subscribers on every change so dependent components
// (notably the diagnostics bridge) can re-apply settings reactively instead
// of reading them once at startup.
package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/avreli/modelhost/pkg/params"
	"github.com/avreli/modelhost/pkg/wire"
)

// Generation holds the persisted base generation parameters. Nil fields fall
// back to the built-in defaults.
type Generation struct {
	Model            *string  `yaml:"model,omitempty"`
	Temperature      *float64 `yaml:"temperature,omitempty"`
	TopP             *float64 `yaml:"top_p,omitempty"`
	MaxTokens        *int     `yaml:"max_tokens,omitempty"`
	PresencePenalty  *float64 `yaml:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty,omitempty"`
}

// Settings is the persisted application configuration.
type Settings struct {
	DaemonURL  string     `yaml:"daemon_url"`
	Verbosity  string     `yaml:"verbosity"`
	Generation Generation `yaml:"generation"`
}

// Defaults returns the settings used when no file exists yet.
func Defaults() Settings {
	return Settings{
		DaemonURL: "ws://127.0.0.1:8091/engine",
		Verbosity: "info",
	}
}

// BaseConfig resolves the persisted generation parameters onto the built-in
// defaults, yielding a fully concrete base config.
func (s Settings) BaseConfig() wire.GenConfig {
	return params.Resolve(params.Default, params.Overrides{
		Model:            s.Generation.Model,
		Temperature:      s.Generation.Temperature,
		TopP:             s.Generation.TopP,
		MaxTokens:        s.Generation.MaxTokens,
		PresencePenalty:  s.Generation.PresencePenalty,
		FrequencyPenalty: s.Generation.FrequencyPenalty,
	})
}

// Store is a thread-safe settings holder bound to a YAML file.
type Store struct {
	path string

	mu     sync.RWMutex
	cur    Settings
	signal chan struct{}
}

// Load reads the settings file at path. A missing file yields defaults;
// environment variables referenced as ${VAR} in the YAML are expanded before
// parsing.
func Load(path string) (*Store, error) {
	st := &Store{
		path:   path,
		cur:    Defaults(),
		signal: make(chan struct{}),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: load %s: %w", path, err)
	}

	cur, err := parse(data)
	if err != nil {
		return nil, err
	}
	st.cur = cur
	return st, nil
}

func parse(data []byte) (Settings, error) {
	cur := Defaults()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cur); err != nil {
		return Settings{}, fmt.Errorf("settings: parse: %w", err)
	}
	if cur.DaemonURL == "" {
		cur.DaemonURL = Defaults().DaemonURL
	}
	if cur.Verbosity == "" {
		cur.Verbosity = Defaults().Verbosity
	}
	return cur, nil
}

// Current returns a copy of the current settings.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update applies fn to the settings, persists the result, and notifies
// subscribers. The write is best-effort atomic (temp file and rename).
func (s *Store) Update(fn func(*Settings)) error {
	s.mu.Lock()
	fn(&s.cur)
	cur := s.cur
	s.notifyLocked()
	s.mu.Unlock()

	return s.save(cur)
}

// notifyLocked wakes all goroutines blocked in WaitChange. Must be called
// with mu held.
func (s *Store) notifyLocked() {
	close(s.signal)
	s.signal = make(chan struct{})
}

func (s *Store) save(cur Settings) error {
	data, err := yaml.Marshal(cur)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	return nil
}

// WaitChange blocks until the settings change or ctx is done, then returns
// the new settings.
func (s *Store) WaitChange(ctx context.Context) (Settings, error) {
	s.mu.RLock()
	sig := s.signal
	s.mu.RUnlock()

	select {
	case <-ctx.Done():
		return Settings{}, ctx.Err()
	case <-sig:
		return s.Current(), nil
	}
}

// WatchFile follows external edits of the settings file until ctx is done.
// Each change reloads the file and notifies subscribers; unreadable interim
// states (editors writing in place) are skipped.
func (s *Store) WatchFile(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: watch: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace the file by rename, which drops
	// a watch placed on the file itself.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("settings: watch: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if evt.Name != s.path {
				continue
			}
			if !evt.Op.Has(fsnotify.Write) && !evt.Op.Has(fsnotify.Create) {
				continue
			}
			s.reload()
		case _, ok := <-w.Errors:
			if !ok {
				return nil
			}
		}
	}
}

func (s *Store) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	cur, err := parse(data)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.cur = cur
	s.notifyLocked()
	s.mu.Unlock()
}
