package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kellerow/modmount/pkg/modmount/config"
	"github.com/kellerow/modmount/pkg/modmount/logging"
)

// debounceWindow coalesces bursts of config-file events into one reload.
// Editors routinely produce several writes per save.
const debounceWindow = 250 * time.Millisecond

// ConfigWatcher watches the base directory for changes to the config and
// override files and invokes a callback after each settled change.
type ConfigWatcher struct {
	fsw   *fsnotify.Watcher
	files map[string]bool
	log   *logging.Logger
}

// NewConfigWatcher creates a watcher over the config files of cfg.
func NewConfigWatcher(cfg *config.Config) (*ConfigWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(cfg.BaseDir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &ConfigWatcher{
		fsw: fsw,
		files: map[string]bool{
			filepath.Clean(cfg.ConfigPath()):    true,
			filepath.Clean(cfg.OverridesPath()): true,
		},
		log: logging.Get("daemon"),
	}, nil
}

// Run blocks until the context is cancelled, invoking onChange after each
// debounced batch of relevant events. Writes land via temp-file renames,
// so Create events matter as much as Write events.
func (w *ConfigWatcher) Run(ctx context.Context, onChange func()) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.log.Debug("config change observed", "file", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				timer.Reset(debounceWindow)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			onChange()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("config watcher error", "error", err)
		}
	}
}

func (w *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return w.files[filepath.Clean(event.Name)]
}

// Close releases the watcher.
func (w *ConfigWatcher) Close() error {
	return w.fsw.Close()
}
