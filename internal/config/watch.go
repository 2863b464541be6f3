package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadDelay coalesces the burst of events editors emit on save.
const ReloadDelay = 100 * time.Millisecond

// Watch reloads path whenever it is written or recreated and hands the new
// config to onChange. Files that fail to parse or validate are logged and
// skipped. The watcher stops when ctx is done.
func Watch(ctx context.Context, path string, log *slog.Logger, onChange func(*Config)) error {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch config %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config %s: %w", path, err)
	}
	// Watch the directory: editors replace the file rather than write in place.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		reload := func() {
			cfg, err := Load(abs)
			if err != nil {
				log.Warn("config reload rejected", "path", abs, "err", err)
				return
			}
			log.Info("config reloaded", "path", abs)
			onChange(cfg)
		}
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if name, _ := filepath.Abs(event.Name); name != abs {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(ReloadDelay, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("config watcher", "err", err)
			}
		}
	}()

	log.Debug("watching config", "path", abs)
	return nil
}
