package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the policy set whenever a *.json file in the policy
// directory changes. Events are debounced so a burst of writes
// triggers one reload. Blocks until the context is cancelled.
func (e *Engine) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(e.dir); err != nil {
		return fmt.Errorf("watch policy dir: %w", err)
	}
	e.log.Info("watching policy directory", "dir", e.dir)

	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if pending && !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(reloadDebounce)
			pending = true

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.log.Warn("policy watcher error", "error", err)

		case <-debounce.C:
			pending = false
			if err := e.Reload(); err != nil {
				e.log.Warn("policy reload failed", "error", err)
			}
		}
	}
}
