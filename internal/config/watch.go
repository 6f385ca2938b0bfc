package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// watchDebounce coalesces the bursts of events editors produce on save.
const watchDebounce = 200 * time.Millisecond

// Watch calls onChange with the reloaded config whenever path is written,
// until ctx is done. Invalid files are logged and skipped. The directory is
// watched so editors that replace the file by rename are seen too.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					pending = time.After(watchDebounce)
				}
			case <-pending:
				pending = nil
				cfg, err := Load(abs)
				if err != nil {
					log.Warnf("config reload failed: %v", err)
					continue
				}
				log.Infof("config reloaded from %s", abs)
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher error: %v", err)
			}
		}
	}()
	return nil
}
