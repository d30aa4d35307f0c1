package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/port42/port42/internal/protocol"
)

// Registry resolves agent names to personas and hot-reloads agents.yaml when
// it changes on disk.
type Registry struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cfg Config
}

// NewRegistry loads the persona set from path (built-in defaults if the file
// is missing).
func NewRegistry(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	logger.Info("agent personas loaded", "path", path, "personas", len(cfg.Personas))
	return &Registry{path: path, logger: logger, cfg: cfg}, nil
}

// Lookup resolves an agent name (with or without the @ai- prefix) to its
// persona.
func (r *Registry) Lookup(name string) (Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.cfg.Personas[Normalize(name)]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %s", protocol.ErrUnknownAgent, name)
	}
	return p, nil
}

// Names returns the invocation names of all known personas.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.cfg.Personas))
	for _, p := range r.cfg.Personas {
		names = append(names, p.Name)
	}
	return names
}

// Settings returns the shared model settings personas inherit.
func (r *Registry) Settings() (defaultModel string, maxTokens int, guidance string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.DefaultModel, r.cfg.MaxTokens, r.cfg.Guidance
}

// Reload re-reads agents.yaml. A broken file keeps the previous persona set.
func (r *Registry) Reload() error {
	cfg, err := LoadConfig(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.logger.Info("agent personas reloaded", "personas", len(cfg.Personas))
	return nil
}

// Watch reloads the persona set whenever agents.yaml changes, until ctx is
// done. Events are debounced so editors that write in bursts trigger one
// reload.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file, which drops a
	// watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("watch agent config dir: %w", err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("agent config watcher error", "error", err)

		case <-pending:
			pending = nil
			if err := r.Reload(); err != nil {
				r.logger.Warn("agent config reload failed, keeping previous personas", "error", err)
			}
		}
	}
}
