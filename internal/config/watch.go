// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"errors"

	"github.com/fsnotify/fsnotify"
	"github.com/resmon-go/resmond/internal/logx"
)

// WatchProfile watches a profile file for on-disk changes and logs when one
// is seen. It does not hot-apply the new profile: resmond's resource
// machines, timeouts, and monitor schedules are all derived once at startup,
// so picking up an edited profile mid-run would require tearing down and
// rebuilding the supervision tree. WatchProfile exists only to tell an
// operator "this profile changed on disk, a restart will pick it up" -
// applying the change is left to them.
//
// WatchProfile blocks until ctx is cancelled or the watch cannot continue.
func WatchProfile(ctx context.Context, path string, log logx.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				log.Info(path, "profile file changed on disk, restart resmond to apply it")
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// Editors often replace a file via rename-into-place; re-add
				// the watch so we keep following the new inode at the same
				// path instead of silently going blind.
				if err := watcher.Add(path); err != nil {
					log.Error(path, "re-watching profile after rename/remove: %v", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error(path, "watch error: %v", err)
		}
	}
}
