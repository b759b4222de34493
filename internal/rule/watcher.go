package rule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits for file events to settle
// before reloading.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc is called after every reload attempt with the published
// snapshot or the error that kept the previous one active.
type ReloadFunc func(s *Snapshot, err error)

// Watcher reloads rule directories into a Registry when their YAML files
// change.
type Watcher struct {
	loader   *Loader
	registry *Registry
	dirs     []string
	debounce time.Duration
	logger   *zap.Logger
	onReload ReloadFunc
}

// NewWatcher creates a Watcher. A zero debounce uses DefaultDebounce.
func NewWatcher(loader *Loader, registry *Registry, dirs []string, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		loader:   loader,
		registry: registry,
		dirs:     dirs,
		debounce: debounce,
		logger:   logger,
	}
}

// OnReload registers a callback invoked after every reload attempt. It must
// be set before Run.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.onReload = fn
}

// Reload loads the directories and replaces the registry contents.
func (w *Watcher) Reload() (*Snapshot, error) {
	set, err := w.loader.LoadAll(w.dirs)
	if err == nil {
		var s *Snapshot
		s, err = w.registry.Replace(set)
		if err == nil {
			w.logger.Info("rules reloaded",
				zap.Int64("version", s.Version()),
				zap.String("checksum", s.Checksum()),
				zap.Int("active_rules", s.ActiveRules()),
			)
			w.notify(s, nil)
			return s, nil
		}
	}
	w.logger.Warn("rule reload rejected, keeping previous rule set",
		zap.Int64("active_version", w.registry.Version()),
		zap.Error(err),
	)
	w.notify(nil, err)
	return nil, err
}

func (w *Watcher) notify(s *Snapshot, err error) {
	if w.onReload != nil {
		w.onReload(s, err)
	}
}

// Run watches the directories until ctx is cancelled. Bursts of file events
// trigger a single reload after the debounce interval.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rule: creating watcher: %w", err)
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		if err := addRecursive(fw, dir); err != nil {
			return fmt.Errorf("rule: watching %s: %w", dir, err)
		}
	}
	w.logger.Info("watching rule directories", zap.Strings("dirs", w.dirs))

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addRecursive(fw, event.Name); err != nil {
						w.logger.Warn("failed to watch new directory", zap.String("dir", event.Name), zap.Error(err))
					}
					continue
				}
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("rule file changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			_, _ = w.Reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("rule watcher error", zap.Error(err))
		}
	}
}

func addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}
