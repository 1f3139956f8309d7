// Package personality loads response profiles from a directory of YAML
// files and serves them by name. A built-in default profile is always
// available so the bot can answer before any files exist.
package personality

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Profile describes one response personality.
type Profile struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	SystemPrompt string `yaml:"system_prompt"`
}

// DefaultProfile is served when no file provides the requested name.
func DefaultProfile() Profile {
	return Profile{
		Name:        "default",
		Description: "Friendly general-purpose assistant",
		SystemPrompt: "You are a helpful, concise chat assistant. " +
			"Reply in the language the contact writes in and keep answers short enough for a chat message.",
	}
}

// Registry holds the loaded profiles and optionally watches the directory
// for changes.
type Registry struct {
	mu       sync.RWMutex
	dir      string
	profiles map[string]Profile
	log      *zap.Logger

	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	doneCh    chan struct{}
	watching  bool
	debounce  time.Duration
	dirty     bool
	lastEvent time.Time
}

// NewRegistry scans dir once and returns the registry. A missing directory
// is not an error; the registry then serves only the built-in default.
func NewRegistry(dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		dir:      dir,
		profiles: make(map[string]Profile),
		log:      logger.Named("personality"),
		debounce: 500 * time.Millisecond,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-scans the directory and swaps the profile set. Files that fail
// to parse are skipped with a warning; they never abort the scan.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Info("personality directory missing, using built-in default", zap.String("dir", r.dir))
			r.mu.Lock()
			r.profiles = make(map[string]Profile)
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("personality: list %s: %w", r.dir, err)
	}

	loaded := make(map[string]Profile)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isProfileFile(name) {
			continue
		}
		path := filepath.Join(r.dir, name)
		profile, err := readProfile(path)
		if err != nil {
			r.log.Warn("skipping malformed personality file", zap.String("file", name), zap.Error(err))
			continue
		}
		if _, dup := loaded[profile.Name]; dup {
			r.log.Warn("duplicate personality name, later file wins",
				zap.String("name", profile.Name), zap.String("file", name))
		}
		loaded[profile.Name] = profile
	}

	r.mu.Lock()
	r.profiles = loaded
	r.mu.Unlock()

	r.log.Info("personalities loaded", zap.Int("count", len(loaded)), zap.String("dir", r.dir))
	return nil
}

func isProfileFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

// readProfile parses one file. An empty name falls back to the file stem.
func readProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("personality: read %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("personality: parse %s: %w", path, err)
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return Profile{}, fmt.Errorf("personality: %s: system_prompt is required", path)
	}
	if p.Name == "" {
		base := filepath.Base(path)
		p.Name = strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
	}
	return p, nil
}

// Get returns the profile by name. File-provided profiles shadow the
// built-in default; unknown names report ok=false.
func (r *Registry) Get(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.profiles[name]; ok {
		return p, true
	}
	if name == "default" {
		return DefaultProfile(), true
	}
	return Profile{}, false
}

// Names lists every available profile, sorted, including the built-in
// default.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.profiles)+1)
	seenDefault := false
	for name := range r.profiles {
		if name == "default" {
			seenDefault = true
		}
		names = append(names, name)
	}
	if !seenDefault {
		names = append(names, "default")
	}
	sort.Strings(names)
	return names
}

// Watch starts reloading the directory whenever its profile files change.
// Non-blocking; Stop shuts the loop down.
func (r *Registry) Watch() error {
	r.mu.Lock()
	if r.watching {
		r.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("personality: start watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		r.mu.Unlock()
		return fmt.Errorf("personality: watch %s: %w", r.dir, err)
	}

	r.watcher = watcher
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.watching = true
	r.mu.Unlock()

	go r.run()
	r.log.Info("watching personality directory", zap.String("dir", r.dir))
	return nil
}

// Stop halts the watcher, if running, and waits for the loop to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.watching {
		r.mu.Unlock()
		return
	}
	r.watching = false
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
	if err := r.watcher.Close(); err != nil {
		r.log.Warn("watcher close failed", zap.Error(err))
	}
}

// run consumes watcher events, reloading once writes settle.
func (r *Registry) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !isProfileFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.mu.Lock()
			r.dirty = true
			r.lastEvent = time.Now()
			r.mu.Unlock()

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("personality watcher error", zap.Error(err))

		case <-ticker.C:
			r.mu.Lock()
			settled := r.dirty && time.Since(r.lastEvent) >= r.debounce
			if settled {
				r.dirty = false
			}
			r.mu.Unlock()

			if settled {
				if err := r.Reload(); err != nil {
					r.log.Warn("personality reload failed", zap.Error(err))
				}
			}
		}
	}
}
