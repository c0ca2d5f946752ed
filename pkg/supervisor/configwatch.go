package supervisor

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/cloudsync/cloudsync/pkg/config"
)

// ConfigWatcher monitors the on-disk config file's directory for
// changes and republishes the reloaded config on a channel
// (Start/Events/Errors), scoped to a single path.
type ConfigWatcher struct {
	events chan config.Config
	errs   chan error
	w      *fsnotify.Watcher
	path   string

	lastHash uint64
}

// NewConfigWatcher builds a watcher over path, ready to Start.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ConfigWatcher{
		events: make(chan config.Config, 1),
		errs:   make(chan error, 1),
		w:      w,
		path:   path,
	}, nil
}

// Events returns the channel a caller should select on for reloaded
// config values.
func (c *ConfigWatcher) Events() <-chan config.Config { return c.events }

// Errors returns the channel watch or reload errors arrive on.
func (c *ConfigWatcher) Errors() <-chan error { return c.errs }

// Start begins watching c.path's parent directory (editors typically
// write-then-rename, which replaces the inode fsnotify would otherwise
// lose track of) and reloads + republishes the config on every write
// or rename event that targets the watched file, debounced briefly to
// coalesce an editor's multiple syscalls into one reload.
func (c *ConfigWatcher) Start(ctx context.Context) error {
	dir := filepath.Dir(c.path)
	if err := c.w.Add(dir); err != nil {
		return err
	}

	go func() {
		defer c.w.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-c.w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(c.path) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					cfg, err := config.Load(c.path)
					if err != nil {
						select {
						case c.errs <- err:
						default:
						}
						return
					}
					// An editor's write-then-rename can fire more than one
					// fsnotify event for a single logical save; only
					// republish when the parsed content actually changed.
					h, err := hashstructure.Hash(cfg, hashstructure.FormatV2, nil)
					if err != nil {
						select {
						case c.errs <- err:
						default:
						}
						return
					}
					if h == c.lastHash {
						return
					}
					c.lastHash = h
					select {
					case c.events <- cfg:
					default:
					}
				})
			case err, ok := <-c.w.Errors:
				if !ok {
					return
				}
				select {
				case c.errs <- err:
				default:
				}
			}
		}
	}()
	return nil
}
