package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce collapses the burst of events a single save produces
const reloadDebounce = 250 * time.Millisecond

// Watch monitors path and calls onChange with the newly loaded Config after
// each change. It runs until ctx is cancelled. A reload that fails to parse
// or validate is logged and the previous config stays in effect.
func Watch(ctx context.Context, path string, logger *logrus.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so atomic saves that replace the file are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	logger.WithField("path", path).Info("Watching configuration for changes")

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
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
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			cfg, err := LoadConfig(path)
			if err != nil {
				logger.WithError(err).WithField("path", path).Error("Configuration reload failed, keeping previous config")
				continue
			}
			logger.WithField("path", path).Info("Configuration reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Error("Configuration watcher error")
		}
	}
}
