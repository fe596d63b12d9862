// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/autozimu/unison-fsmonitor/lib/sync"
)

// fsnotifyBackend keeps one watch descriptor per directory. Recursive
// roots are walked at registration time and again whenever a new directory
// shows up, because events inside it may have been lost before its own
// watch landed.
type fsnotifyBackend struct {
	matcher Matcher
	watcher *fsnotify.Watcher
	events  chan Event

	mut     sync.RWMutex
	watches map[Handle]*fsnotifyWatch

	nextHandle atomic.Uint64
	closed     atomic.Bool
	done       chan struct{} // closed when shutting down
	readerDone chan struct{} // closed when the reader loop has exited
}

type fsnotifyWatch struct {
	handle Handle
	target target

	mut  sync.Mutex
	dirs map[string]struct{} // directories added to the watcher for this root
}

func (w *fsnotifyWatch) addDir(path string) {
	w.mut.Lock()
	w.dirs[path] = struct{}{}
	w.mut.Unlock()
}

func (w *fsnotifyWatch) removeDir(path string) {
	w.mut.Lock()
	delete(w.dirs, path)
	w.mut.Unlock()
}

func (w *fsnotifyWatch) dirList() []string {
	w.mut.Lock()
	dirs := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		dirs = append(dirs, d)
	}
	w.mut.Unlock()
	return dirs
}

func newFsnotifyBackend(opts Options) (Backend, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		if reachedMaxUserWatches(err) {
			err = fmt.Errorf("%w: %v", ErrWatchLimit, err)
		}
		return nil, err
	}
	b := &fsnotifyBackend{
		matcher:    opts.Matcher,
		watcher:    watcher,
		events:     make(chan Event),
		watches:    make(map[Handle]*fsnotifyWatch),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	b.mut = sync.NewRWMutex()
	go b.readerLoop()
	return b, nil
}

func (*fsnotifyBackend) String() string {
	return "fsnotify"
}

func (b *fsnotifyBackend) Events() <-chan Event {
	return b.events
}

func (b *fsnotifyBackend) Watch(path string, recursive bool) (Handle, error) {
	t, err := resolveTarget(path, recursive)
	if err != nil {
		return 0, err
	}

	w := &fsnotifyWatch{
		handle: Handle(b.nextHandle.Add(1)),
		target: t,
		mut:    sync.NewMutex(),
		dirs:   make(map[string]struct{}),
	}

	// Publish the watch before adding directories so events arriving
	// during the walk can already be routed.
	b.mut.Lock()
	b.watches[w.handle] = w
	b.mut.Unlock()

	if t.recursive {
		err = b.addTree(w, t.path, false, time.Time{})
	} else {
		if err = b.watcher.Add(t.path); err == nil {
			w.addDir(t.path)
		}
	}
	if err != nil {
		b.Unwatch(w.handle)
		if reachedMaxUserWatches(err) {
			err = fmt.Errorf("%w: %v", ErrWatchLimit, err)
		}
		return 0, err
	}

	l.Debugln(b, "watch:", t.path, "handle", w.handle)
	return w.handle, nil
}

func (b *fsnotifyBackend) Unwatch(h Handle) {
	b.mut.Lock()
	w, ok := b.watches[h]
	if ok {
		delete(b.watches, h)
	}
	others := make([]*fsnotifyWatch, 0, len(b.watches))
	for _, o := range b.watches {
		others = append(others, o)
	}
	b.mut.Unlock()
	if !ok {
		return
	}

	for _, dir := range w.dirList() {
		// Overlapping roots may still need the directory.
		if dirClaimed(others, dir) {
			continue
		}
		if err := b.watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			l.Debugln(b, "unwatch:", dir, err)
		}
	}
}

func dirClaimed(watches []*fsnotifyWatch, dir string) bool {
	for _, w := range watches {
		if _, ok := w.target.rel(dir); ok {
			return true
		}
	}
	return false
}

func (b *fsnotifyBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.done)
	err := b.watcher.Close()
	<-b.readerDone
	close(b.events)
	return err
}

func (b *fsnotifyBackend) readerLoop() {
	defer close(b.readerDone)
	for {
		select {
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			now := time.Now()
			if !b.handleEvent(ev, now) {
				return
			}
			// Whatever is already queued came out of the same kernel read
			// and shares the timestamp.
		drain:
			for {
				select {
				case ev, ok := <-b.watcher.Events:
					if !ok {
						return
					}
					if !b.handleEvent(ev, now) {
						return
					}
				default:
					break drain
				}
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			if !b.handleError(err) {
				return
			}
		}
	}
}

func (b *fsnotifyBackend) handleEvent(ev fsnotify.Event, now time.Time) bool {
	abs := filepath.Clean(ev.Name)

	b.mut.RLock()
	defer b.mut.RUnlock()

	routed := false
	for _, w := range b.watches {
		rel, ok := w.target.rel(abs)
		if !ok {
			continue
		}
		routed = true
		if ignores(b.matcher, rel) {
			l.Debugln(b, "watch:", w.target.path, "ignoring", rel)
			continue
		}

		kind := fsnotifyKind(ev.Op)
		if !b.emit(Event{Handle: w.handle, Path: rel, Kind: kind, Time: now}) {
			return false
		}
		l.Debugln(b, "watch:", w.target.path, "sending", rel, kind)

		switch kind {
		case Created:
			if w.target.recursive && isDir(abs) {
				// New directory: watch it and report what is already
				// inside, events there may have been lost.
				if err := b.addTree(w, abs, true, now); err != nil {
					l.Debugln(b, "watch:", w.target.path, "adding", abs, err)
				}
			}
		case Removed, RenamedFrom:
			w.removeDir(abs)
		}
	}
	if !routed {
		l.Debugln(b, "watch: unrouted event", ev)
	}
	return true
}

func (b *fsnotifyBackend) handleError(err error) bool {
	if !errors.Is(err, fsnotify.ErrEventOverflow) {
		l.Warnln("Watching for changes:", err)
		return true
	}

	// The kernel event queue is shared, so losing events taints every
	// watched root.
	now := time.Now()
	b.mut.RLock()
	defer b.mut.RUnlock()
	for _, w := range b.watches {
		if !b.emit(Event{Handle: w.handle, Kind: Overflow, Time: now}) {
			return false
		}
		l.Debugln(b, "watch:", w.target.path, "event overflow")
	}
	return true
}

// addTree walks base adding directory watches. With synthesize set, found
// entries are reported as created, timestamped now.
func (b *fsnotifyBackend) addTree(w *fsnotifyWatch, base string, synthesize bool, now time.Time) error {
	return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == base {
				return err
			}
			// Entries may vanish mid walk, the next event catches up.
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

		if synthesize && path != base {
			if !b.emit(Event{Handle: w.handle, Path: rel, Kind: Created, Time: now}) {
				return fs.SkipAll
			}
		}

		if d.IsDir() {
			if err := b.watcher.Add(path); err != nil {
				if synthesize {
					// Racing a concurrent removal of the new directory.
					l.Debugln(b, "watch:", w.target.path, "late add", path, err)
					return nil
				}
				return err
			}
			w.addDir(path)
		}
		return nil
	})
}

func (b *fsnotifyBackend) emit(ev Event) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.done:
		return false
	}
}

func fsnotifyKind(op fsnotify.Op) Kind {
	switch {
	case op.Has(fsnotify.Create):
		return Created
	case op.Has(fsnotify.Remove):
		return Removed
	case op.Has(fsnotify.Rename):
		return RenamedFrom
	case op.Has(fsnotify.Chmod):
		return AttrChanged
	}
	return Modified
}

// isDir is deliberately symlink shy, a link to a directory is not walked.
func isDir(path string) bool {
	fi, err := os.Lstat(path)
	return err == nil && fi.IsDir()
}
