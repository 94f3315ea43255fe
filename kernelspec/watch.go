package kernelspec

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// watchDebounce coalesces the burst of events an install produces.
	watchDebounce = 100 * time.Millisecond

	pollInterval = time.Second
)

// Watch sends the current spec list, then a fresh list whenever the search
// paths change. The channel holds at most one pending snapshot; a slow
// reader only sees the latest. It is closed when ctx is done.
// Uses fsnotify with a polling fallback.
func (c *Catalog) Watch(ctx context.Context) <-chan []*Spec {
	ch := make(chan []*Spec, 1)

	go func() {
		defer close(ch)

		last := c.publish(ch, "")

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			c.logger.Debug("fsnotify unavailable, polling kernel specs", slog.Any("error", err))
			c.watchPolling(ctx, ch, last)
			return
		}
		defer watcher.Close()

		watched := 0
		for _, dir := range c.paths {
			if err := watcher.Add(dir); err != nil {
				continue
			}
			watched++
			c.addSubdirs(watcher, dir)
		}
		if watched == 0 {
			// Nothing exists yet to watch; poll until something appears
			c.watchPolling(ctx, ch, last)
			return
		}

		c.watchEvents(ctx, ch, watcher, last)
	}()

	return ch
}

// watchEvents uses fsnotify for efficient directory watching.
func (c *Catalog) watchEvents(ctx context.Context, ch chan []*Spec, watcher *fsnotify.Watcher, last string) {
	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			timer.Reset(watchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			// Log but continue - usually recoverable
			c.logger.Debug("kernel spec watcher error", slog.Any("error", err))

		case <-timer.C:
			last = c.publish(ch, last)
		}
	}
}

// watchPolling re-lists the search paths on a fixed interval.
func (c *Catalog) watchPolling(ctx context.Context, ch chan []*Spec, last string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last = c.publish(ch, last)
		}
	}
}

// publish lists specs and sends them when they differ from the previous
// fingerprint. It returns the new fingerprint.
func (c *Catalog) publish(ch chan []*Spec, last string) string {
	specs, err := c.List()
	if err != nil {
		c.logger.Warn("kernel spec discovery failed", slog.Any("error", err))
		return last
	}
	fp := fingerprint(specs)
	if fp == last {
		return last
	}

	// Replace any snapshot the reader has not taken yet
	select {
	case <-ch:
	default:
	}
	ch <- specs
	return fp
}

func (c *Catalog) addSubdirs(watcher *fsnotify.Watcher, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if isDirEntry(dir, entry) {
			_ = watcher.Add(filepath.Join(dir, entry.Name()))
		}
	}
}

func fingerprint(specs []*Spec) string {
	var b strings.Builder
	b.WriteString("specs:")
	for _, s := range specs {
		fmt.Fprintf(&b, "%s|%s|%s|%q;", s.Name, s.ResourceDir, s.DisplayName, s.Argv)
	}
	return b.String()
}
