// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/autozimu/unison-fsmonitor/lib/sync"
)

// pollBackend re-enumerates each root on a timer and diffs the snapshots.
// It works everywhere, costs what it costs, and can never lose an event,
// so it never reports Overflow.
type pollBackend struct {
	matcher  Matcher
	interval time.Duration
	events   chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextHandle atomic.Uint64
	watches    *xsync.MapOf[Handle, *pollWatch]
	closed     atomic.Bool
}

type pollWatch struct {
	handle Handle
	target target
	cancel context.CancelFunc

	// snapshot is owned by the scan loop once it starts.
	snapshot map[string]pollEntry
}

type pollEntry struct {
	mode  fs.FileMode
	size  int64
	mtime time.Time
}

func newPollBackend(opts Options) (Backend, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &pollBackend{
		matcher:  opts.Matcher,
		interval: interval,
		events:   make(chan Event),
		ctx:      ctx,
		cancel:   cancel,
		wg:       sync.NewWaitGroup(),
		watches:  xsync.NewMapOf[Handle, *pollWatch](),
	}, nil
}

func (*pollBackend) String() string {
	return "poll"
}

func (b *pollBackend) Events() <-chan Event {
	return b.events
}

func (b *pollBackend) Watch(path string, recursive bool) (Handle, error) {
	t, err := resolveTarget(path, recursive)
	if err != nil {
		return 0, err
	}

	wctx, wcancel := context.WithCancel(b.ctx)
	w := &pollWatch{
		handle: Handle(b.nextHandle.Add(1)),
		target: t,
		cancel: wcancel,
	}
	// The baseline scan happens before the watch is live, anything that
	// changes afterwards is caught by the first tick.
	w.snapshot = b.scan(w)
	b.watches.Store(w.handle, w)

	b.wg.Add(1)
	go b.scanLoop(wctx, w)

	l.Debugln(b, "watch:", t.path, "handle", w.handle, "every", b.interval)
	return w.handle, nil
}

func (b *pollBackend) Unwatch(h Handle) {
	if w, ok := b.watches.LoadAndDelete(h); ok {
		w.cancel()
	}
}

func (b *pollBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.cancel()
	b.watches.Range(func(h Handle, _ *pollWatch) bool {
		b.watches.Delete(h)
		return true
	})
	b.wg.Wait()
	close(b.events)
	return nil
}

func (b *pollBackend) scanLoop(ctx context.Context, w *pollWatch) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			curr := b.scan(w)
			for _, ev := range diffSnapshots(w.handle, w.snapshot, curr, now) {
				if !b.send(ctx, ev) {
					return
				}
				l.Debugln(b, "watch:", w.target.path, "sending", ev)
			}
			w.snapshot = curr
		case <-ctx.Done():
			l.Debugln(b, "watch:", w.target.path, "stopped")
			return
		}
	}
}

// scan enumerates the target. Entries that cannot be statted are left out;
// a later scan settles the difference.
func (b *pollBackend) scan(w *pollWatch) map[string]pollEntry {
	snap := make(map[string]pollEntry)

	if w.target.only != "" {
		if fi, err := os.Lstat(filepath.Join(w.target.path, w.target.only)); err == nil {
			snap["."] = entryOf(fi)
		}
		return snap
	}

	if !w.target.recursive {
		if fi, err := os.Lstat(w.target.path); err == nil {
			snap["."] = entryOf(fi)
		}
		entries, err := os.ReadDir(w.target.path)
		if err != nil {
			return snap
		}
		for _, de := range entries {
			if ignores(b.matcher, de.Name()) {
				continue
			}
			if fi, err := de.Info(); err == nil {
				snap[de.Name()] = entryOf(fi)
			}
		}
		return snap
	}

	_ = filepath.WalkDir(w.target.path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, ok := w.target.rel(path)
		if !ok {
			return nil
		}
		if ignores(b.matcher, rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if fi, err := d.Info(); err == nil {
			snap[rel] = entryOf(fi)
		}
		return nil
	})
	return snap
}

func entryOf(fi fs.FileInfo) pollEntry {
	return pollEntry{
		mode:  fi.Mode(),
		size:  fi.Size(),
		mtime: fi.ModTime(),
	}
}

// diffSnapshots compares two scans of the same root. All resulting events
// carry the same timestamp: one scan is one frame.
func diffSnapshots(h Handle, prev, curr map[string]pollEntry, now time.Time) []Event {
	var evs []Event

	paths := make([]string, 0, len(curr))
	for path := range curr {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		ce := curr[path]
		pe, ok := prev[path]
		switch {
		case !ok:
			evs = append(evs, Event{Handle: h, Path: path, Kind: Created, Time: now})
		case ce.mode != pe.mode:
			evs = append(evs, Event{Handle: h, Path: path, Kind: AttrChanged, Time: now})
		case ce.mode.IsDir():
			// Directory size and mtime churn with every entry operation,
			// and the entries themselves are diffed above.
		case ce.size != pe.size || !ce.mtime.Equal(pe.mtime):
			evs = append(evs, Event{Handle: h, Path: path, Kind: Modified, Time: now})
		}
	}

	removed := make([]string, 0)
	for path := range prev {
		if _, ok := curr[path]; !ok {
			removed = append(removed, path)
		}
	}
	sort.Strings(removed)
	for _, path := range removed {
		evs = append(evs, Event{Handle: h, Path: path, Kind: Removed, Time: now})
	}

	return evs
}

func (b *pollBackend) send(ctx context.Context, ev Event) bool {
	select {
	case b.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
