package repocfg

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces the write bursts editors produce into one reload.
const debounce = 250 * time.Millisecond

// Watch reloads the config file on change and hands each valid parse to
// onChange. Invalid edits are logged and skipped; the previous config stays
// in effect. Blocks until ctx is done.
func Watch(ctx context.Context, repoRoot string, logger *log.Logger, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	// Watch the directory, not the file: editors replace the file on save,
	// which drops a direct file watch.
	dir := filepath.Join(repoRoot, ".gitswarm")
	if err := w.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != "config.yml" {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.Printf("config watch: %v", err)
			}
		case <-reload:
			cfg, found, err := Load(repoRoot)
			if err != nil {
				if logger != nil {
					logger.Printf("config reload rejected: %v", err)
				}
				continue
			}
			if !found {
				continue
			}
			onChange(cfg)
		}
	}
}
