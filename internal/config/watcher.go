package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handler is called with the freshly loaded configuration after the
// watched file changes.
type Handler func(Config)

// Watcher reloads the configuration file when it is written.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	handler Handler
	done    chan struct{}
}

// Watch starts watching path. Editors often replace config files by
// rename, so the parent directory is watched and events are filtered to
// the file itself.
func Watch(path string, handler Handler) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create config watcher")
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "watch %s", filepath.Dir(path))
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		handler: handler,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				logrus.WithError(err).Warn("config reload failed")
				continue
			}
			w.handler(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("config watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
