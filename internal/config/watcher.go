package config

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a configuration file when it changes on disk and hands each
// valid new version to a callback. Invalid versions are logged and skipped.
type Watcher struct {
	path     string
	loader   *Loader
	w        *fsnotify.Watcher
	onChange func(*WorkerConfig)
	log      logrus.FieldLogger
	settle   time.Duration
}

// NewWatcher watches path. The parent directory is watched rather than the
// file itself so that editors that replace the file are still seen.
func NewWatcher(path string, onChange func(*WorkerConfig), log logrus.FieldLogger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &Watcher{
		path:     abs,
		loader:   NewLoader(),
		w:        w,
		onChange: onChange,
		log:      log.WithField("config", abs),
		settle:   50 * time.Millisecond,
	}, nil
}

// Run delivers reloads until ctx is done, then closes the watcher.
func (cw *Watcher) Run(ctx context.Context) error {
	defer cw.w.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-cw.w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != cw.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Writes often arrive in bursts; reload once they settle.
			if timer == nil {
				timer = time.NewTimer(cw.settle)
			} else {
				timer.Reset(cw.settle)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			cw.reload()
		case err, ok := <-cw.w.Errors:
			if !ok {
				return nil
			}
			cw.log.WithError(err).Warn("config watch error")
		}
	}
}

func (cw *Watcher) reload() {
	cfg, err := cw.loader.LoadFromFile(cw.path)
	if err != nil {
		cw.log.WithError(err).Warn("ignoring invalid config change")
		return
	}
	cw.log.Info("config reloaded")
	cw.onChange(cfg)
}
