package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config at path whenever it is written or recreated and
// hands each valid result to onChange. An invalid file is logged and skipped,
// so the caller keeps whatever config it last accepted. Watch returns nil
// when ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Editors that save by rename give the file a new inode, so the watch
	// sits on the directory and events are filtered by name.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	log := slog.With("path", abs)
	log.Info("config: watching for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !affects(ev, abs) {
				continue
			}
			next, err := Load(abs)
			if err != nil {
				log.Error("config: reload rejected, previous config stays active", "err", err)
				continue
			}
			log.Info("config: reloaded", "log_level", next.Log.Level)
			onChange(next)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Error("config: watch error", "err", err)
		}
	}
}

// affects reports whether ev changed the contents of the file at abs.
func affects(ev fsnotify.Event, abs string) bool {
	if filepath.Clean(ev.Name) != abs {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)
}
