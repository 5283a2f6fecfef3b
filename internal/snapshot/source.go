package snapshot

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Source serves the current manifest to the resolver and the registry. When
// constructed with a file path it hot-reloads on writes; without one it pins
// the compiled-in defaults.
type Source struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	manifest *Manifest
}

// NewSource loads the manifest at path, or the compiled-in defaults when path
// is empty. A broken file at startup is an error; a broken file during a
// reload keeps the previous manifest.
func NewSource(path string, logger *zap.Logger) (*Source, error) {
	s := &Source{path: path, logger: logger.Named("snapshot-manifest")}
	if path == "" {
		s.manifest = DefaultManifest()
		return s, nil
	}
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	s.manifest = m
	return s, nil
}

// Manifest returns the current table.
func (s *Source) Manifest() *Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest
}

func (s *Source) reload() {
	m, err := LoadManifest(s.path)
	if err != nil {
		s.logger.Warn("manifest reload failed, keeping previous",
			zap.String("path", s.path), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.manifest = m
	s.mu.Unlock()
	s.logger.Info("manifest reloaded",
		zap.String("path", s.path), zap.Int("presets", len(m.Presets)))
}

// Watch reloads the manifest whenever the file is rewritten. Blocks until ctx
// is done; callers run it in a goroutine. A nil error on return means clean
// shutdown.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors and configmap mounts replace the file,
	// which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			s.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("manifest watcher error", zap.Error(err))
		}
	}
}
