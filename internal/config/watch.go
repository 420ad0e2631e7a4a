package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"remindflow/internal/channel"
)

const reloadDebounce = 250 * time.Millisecond

// ChannelWatcher reloads the channels file when it changes and publishes the
// new snapshot. A file that fails to parse leaves the current snapshot in
// place.
type ChannelWatcher struct {
	path     string
	holder   *channel.Holder
	debounce time.Duration
	onReload func(*channel.Set)
}

func NewChannelWatcher(path string, holder *channel.Holder) *ChannelWatcher {
	return &ChannelWatcher{path: path, holder: holder, debounce: reloadDebounce}
}

// OnReload registers a callback run after each successful swap.
func (w *ChannelWatcher) OnReload(fn func(*channel.Set)) { w.onReload = fn }

// Reload parses the file and swaps it in.
func (w *ChannelWatcher) Reload() error {
	set, err := channel.Load(w.path)
	if err != nil {
		return err
	}
	w.holder.Swap(set)
	log.Info().Str("path", w.path).Strs("channels", set.Names()).Strs("defaults", set.Defaults).Msg("channels loaded")
	if w.onReload != nil {
		w.onReload(set)
	}
	return nil
}

// Watch blocks until ctx ends. The parent directory is watched so editors
// that replace the file on save are picked up.
func (w *ChannelWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			if err := w.Reload(); err != nil {
				log.Warn().Err(err).Str("path", w.path).Msg("channel reload rejected, keeping previous channels")
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				log.Debug().Str("path", w.path).Str("op", ev.Op.String()).Msg("channels file changed")
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("channel watcher error")
		}
	}
}
