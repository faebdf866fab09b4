package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Holder publishes the current Engine. Readers never see a partly loaded ruleset.
type Holder struct {
	current atomic.Pointer[Engine]

	mu        sync.Mutex
	listeners []func(*Engine)
}

func NewHolder(e *Engine) *Holder {
	h := &Holder{}
	h.current.Store(e)
	return h
}

func (h *Holder) Get() *Engine {
	return h.current.Load()
}

// OnReload registers fn to run after every successful Reload with the new
// engine. State derived from the rules, such as the registry's normalizer,
// is rebuilt there.
func (h *Holder) OnReload(fn func(*Engine)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload compiles path and swaps it in. On error the previous engine stays.
func (h *Holder) Reload(path string) error {
	e, err := LoadFile(path)
	if err != nil {
		return err
	}
	h.current.Store(e)

	h.mu.Lock()
	listeners := append(([]func(*Engine))(nil), h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(e)
	}
	return nil
}

// Watch reloads the rules file whenever it is written or replaced, until ctx ends.
func (h *Holder) Watch(ctx context.Context, path string, logger *zap.Logger) error {
	if path == "" {
		return fmt.Errorf("no rules file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors often replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := h.Reload(path); err != nil {
					logger.Error("Rules reload failed, keeping previous rules",
						zap.String("path", path),
						zap.Error(err),
					)
					continue
				}
				logger.Info("Rules reloaded", zap.String("path", path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Rules watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
