package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// WatchFingerprint calls onChange with the new fingerprint whenever the
// content of the file at path stops hashing to the last value seen, starting
// from initial. The parent directory is watched so editors that replace the
// file by rename are seen too. It blocks until ctx is done.
func WatchFingerprint(ctx context.Context, path, initial string, onChange func(fingerprint string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		mu        sync.Mutex
		last      = initial
		debouncer *time.Timer
	)
	check := func() {
		fp, err := FingerprintFile(path)
		if err != nil {
			// Mid-rename or deleted; the next event retries.
			return
		}
		mu.Lock()
		changed := fp != last
		last = fp
		mu.Unlock()
		if changed && ctx.Err() == nil {
			onChange(fp)
		}
	}
	defer func() {
		mu.Lock()
		if debouncer != nil {
			debouncer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			debouncer = time.AfterFunc(watchDebounce, check)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("config watcher: %w", err)
		}
	}
}
