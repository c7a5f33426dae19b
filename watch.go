package arc

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch begins observing dir and its subdirectories, reloading any resident
// resource whose backing file is written. File paths map to resource paths
// relative to dir. Watching is best effort; resources that do not support
// recreation are skipped.
func (f *Factory) Watch(dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return err
	}

	f.mu.Lock()
	if f.watcher != nil {
		f.mu.Unlock()
		_ = w.Close()
		return errors.New("arc: watcher already running")
	}
	f.watcher = w
	f.mu.Unlock()

	f.watchWG.Add(1)
	go f.watchLoop(w, dir)
	f.log().Info("watching for resource changes", "dir", dir)
	return nil
}

func (f *Factory) watchLoop(w *fsnotify.Watcher, dir string) {
	defer f.watchWG.Done()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			f.handleEvent(w, dir, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.log().Warn("watch error", "error", err)
		}
	}
}

func (f *Factory) handleEvent(w *fsnotify.Watcher, dir string, ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
		return
	}
	if ev.Op.Has(fsnotify.Create) {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			_ = w.Add(ev.Name)
			return
		}
	}
	rel, err := filepath.Rel(dir, ev.Name)
	if err != nil {
		return
	}
	p := "/" + filepath.ToSlash(rel)
	switch err := f.Reload(p); {
	case err == nil:
		f.log().Info("hot reloaded", "path", p)
	case errors.Is(err, ErrNotLoaded), errors.Is(err, ErrNotSupported):
		f.log().Debug("change ignored", "path", p, "reason", err)
	default:
		f.log().Warn("hot reload failed", "path", p, "error", err)
	}
}

// stopWatcher shuts the watcher down and waits for its loop to exit.
func (f *Factory) stopWatcher() {
	f.mu.Lock()
	w := f.watcher
	f.watcher = nil
	f.mu.Unlock()
	if w == nil {
		return
	}
	_ = w.Close()
	f.watchWG.Wait()
}
