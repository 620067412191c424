package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file when it changes on disk and hands the
// validated result to onChange. Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(Config)
	log      zerolog.Logger
	closed   chan struct{}
	done     chan struct{}
}

// Watch starts watching path. The parent directory is watched so editors
// that replace the file (write + rename) are still picked up.
func Watch(path string, log zerolog.Logger, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		onChange: onChange,
		log:      log,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn().Err(err).Msg("config reload rejected")
				continue
			}
			w.log.Info().Str("path", w.path).Msg("config reloaded")
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	select {
	case <-w.closed:
		return nil
	default:
		close(w.closed)
	}
	err := w.watcher.Close()
	<-w.done
	return err
}
