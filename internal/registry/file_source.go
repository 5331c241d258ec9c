package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileSource loads model routes from a YAML file and watches it for changes.
// Environment references in the form ${VAR} are expanded before parsing.
type FileSource struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewFileSource creates a file-backed model source.
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	return &FileSource{path: path, logger: logger}
}

// Name identifies the source in logs.
func (s *FileSource) Name() string { return fmt.Sprintf("file %s", s.path) }

// Load reads and parses the model file.
func (s *FileSource) Load(_ context.Context) ([]*Model, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var doc struct {
		Models []*Model `yaml:"models"`
	}
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("parse model file: %w", err)
	}
	return doc.Models, nil
}

// Watch starts an fsnotify watcher on the model file. Rapid write bursts
// (editors, kubelet config map updates) are debounced before notify fires.
func (s *FileSource) Watch(ctx context.Context, notify func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	if err := watcher.Add(s.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go s.watchLoop(ctx, notify)
	return nil
}

func (s *FileSource) watchLoop(ctx context.Context, notify func()) {
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = s.watcher.Close()
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, notify)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("model file watcher error", "error", err)
		}
	}
}
