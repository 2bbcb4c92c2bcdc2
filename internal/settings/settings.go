// Package settings holds the user's app preferences: an observable,
// file-backed store that every consumer reads at construction and re-reads
// whenever a change is emitted.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Prefs are the user-facing toggles.
type Prefs struct {
	Shake       bool   `yaml:"shake" json:"shake"`
	Haptics     bool   `yaml:"haptics" json:"haptics"`
	Autoplay    bool   `yaml:"autoplay" json:"autoplay"`
	Sensitivity string `yaml:"sensitivity" json:"sensitivity"` // "low", "med" or "high"
	OneHand     bool   `yaml:"one_hand" json:"oneHand"`
	Hand        string `yaml:"hand" json:"hand"` // "left", "right" or "auto"
}

// Patch is a partial update; nil fields are left alone.
type Patch struct {
	Shake       *bool   `json:"shake,omitempty"`
	Haptics     *bool   `json:"haptics,omitempty"`
	Autoplay    *bool   `json:"autoplay,omitempty"`
	Sensitivity *string `json:"sensitivity,omitempty"`
	OneHand     *bool   `json:"oneHand,omitempty"`
	Hand        *string `json:"hand,omitempty"`
}

// Observable is the read side consumed by the session controller and the
// global watcher.
type Observable interface {
	Get() Prefs
	Subscribe(fn func(Prefs)) (unsubscribe func())
}

// Defaults returns the preferences of a fresh install.
func Defaults() Prefs {
	return Prefs{
		Shake:       true,
		Haptics:     true,
		Autoplay:    false,
		Sensitivity: "med",
		OneHand:     false,
		Hand:        "auto",
	}
}

// Normalize replaces unknown enum values with their defaults.
func (p Prefs) Normalize() Prefs {
	switch p.Sensitivity {
	case "low", "med", "high":
	default:
		p.Sensitivity = "med"
	}
	switch p.Hand {
	case "left", "right", "auto":
	default:
		p.Hand = "auto"
	}
	return p
}

// Apply returns p with every non-nil patch field applied.
func (p Prefs) Apply(patch Patch) Prefs {
	if patch.Shake != nil {
		p.Shake = *patch.Shake
	}
	if patch.Haptics != nil {
		p.Haptics = *patch.Haptics
	}
	if patch.Autoplay != nil {
		p.Autoplay = *patch.Autoplay
	}
	if patch.Sensitivity != nil {
		p.Sensitivity = *patch.Sensitivity
	}
	if patch.OneHand != nil {
		p.OneHand = *patch.OneHand
	}
	if patch.Hand != nil {
		p.Hand = *patch.Hand
	}
	return p.Normalize()
}

// Store is a Prefs cache persisted to a YAML file. An empty path keeps the
// store in memory only.
type Store struct {
	path string
	log  *zap.SugaredLogger

	// writeMu keeps the file in step with the order of updates.
	writeMu sync.Mutex

	mu        sync.Mutex
	cache     Prefs
	listeners map[int]func(Prefs)
	nextID    int
}

// Open loads prefs from path, falling back to defaults when the file does
// not exist yet.
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Store{
		path:      path,
		log:       log,
		cache:     Defaults(),
		listeners: map[int]func(Prefs){},
	}
	if path == "" {
		return s, nil
	}
	p, err := readFile(path)
	if err != nil {
		return nil, err
	}
	s.cache = p
	return s, nil
}

// NewMemory returns a store that never touches disk.
func NewMemory(initial Prefs) *Store {
	return &Store{
		log:       zap.NewNop().Sugar(),
		cache:     initial.Normalize(),
		listeners: map[int]func(Prefs){},
	}
}

func readFile(path string) (Prefs, error) {
	p := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("settings: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Defaults(), fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return p.Normalize(), nil
}

func (s *Store) Get() Prefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache
}

// Update applies patch, persists the result and notifies listeners.
func (s *Store) Update(patch Patch) (Prefs, error) {
	s.writeMu.Lock()
	s.mu.Lock()
	next := s.cache.Apply(patch)
	s.cache = next
	s.mu.Unlock()

	var err error
	if s.path != "" {
		err = s.save(next)
	}
	s.writeMu.Unlock()

	s.emit(next)
	return next, err
}

func (s *Store) save(p Prefs) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("settings: create dir: %w", err)
	}
	return writeAtomic(s.path, data)
}

// writeAtomic replaces path through a temp file in the same directory, so
// readers and the watcher never see a partial file.
func writeAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+"-*.tmp")
	if err != nil {
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("settings: replace %s: %w", path, err)
	}
	return nil
}

// Subscribe registers fn for every change. The returned func is idempotent.
func (s *Store) Subscribe(fn func(Prefs)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) emit(p Prefs) {
	s.mu.Lock()
	fns := make([]func(Prefs), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

// Reload re-reads the file and notifies listeners if anything changed.
func (s *Store) Reload() (bool, error) {
	if s.path == "" {
		return false, nil
	}
	p, err := readFile(s.path)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	changed := p != s.cache
	s.cache = p
	s.mu.Unlock()
	if changed {
		s.emit(p)
	}
	return changed, nil
}

// Watch reloads the store whenever another process rewrites the file. It
// blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("settings: create dir: %w", err)
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("settings: watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if changed, err := s.Reload(); err != nil {
				s.log.Warnf("settings: reload failed: %v", err)
			} else if changed {
				s.log.Infof("settings: reloaded %s", s.path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warnf("settings: watch error: %v", err)
		}
	}
}
