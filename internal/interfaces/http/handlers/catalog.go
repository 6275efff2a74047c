package handlers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/pkg/safego"
)

// ModelCatalog serves the upstream model list from a JSON file and reloads
// it when the file changes, so the catalogue can be edited without a
// restart.
type ModelCatalog struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	data json.RawMessage

	watcher *fsnotify.Watcher
}

func NewModelCatalog(path string, logger *zap.Logger) *ModelCatalog {
	c := &ModelCatalog{path: path, logger: logger}
	if err := c.reload(); err != nil {
		logger.Warn("Model catalog unavailable", zap.String("path", path), zap.Error(err))
	}
	c.watch()
	return c
}

// Data returns the raw catalog JSON, or nil when the file is missing or
// invalid.
func (c *ModelCatalog) Data() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

func (c *ModelCatalog) Close() {
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
}

func (c *ModelCatalog) reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	if !json.Valid(raw) {
		return fmt.Errorf("invalid JSON in %s", c.path)
	}

	c.mu.Lock()
	c.data = raw
	c.mu.Unlock()
	return nil
}

// watch reloads the catalog on writes. The parent directory is watched
// because editors typically replace the file rather than write in place.
func (c *ModelCatalog) watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("Model catalog watcher unavailable", zap.Error(err))
		return
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		c.logger.Warn("Model catalog watch failed", zap.Error(err))
		_ = watcher.Close()
		return
	}
	c.watcher = watcher

	safego.Go(c.logger, "model-catalog-watcher", func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(c.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := c.reload(); err != nil {
					c.logger.Warn("Model catalog reload failed", zap.Error(err))
					continue
				}
				c.logger.Info("Model catalog reloaded", zap.String("path", c.path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("Model catalog watcher error", zap.Error(err))
			}
		}
	})
}
