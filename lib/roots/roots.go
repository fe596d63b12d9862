// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package roots tracks the replicas the client has asked us to watch and
// the changes seen for each since it last collected them.
package roots

import (
	"path/filepath"
	"sort"

	"github.com/autozimu/unison-fsmonitor/lib/sync"
	"github.com/autozimu/unison-fsmonitor/lib/watch"
)

// State is the change accounting state of one root.
type State int

const (
	// Clean means no changes since the last handoff.
	Clean State = iota
	// Dirty means specific paths changed and are recorded.
	Dirty
	// Overflowed means changes were lost and the whole root counts as
	// changed. It absorbs any further changes until the next handoff.
	Overflowed
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Overflowed:
		return "overflowed"
	}
	return "unknown"
}

// A Root describes one watched replica. The ID is the client's identifier
// for it and Handle is the watch backend's. Fields are fixed at Add time;
// the mutable change state lives in the Registry.
type Root struct {
	ID      string
	Fspath  string
	Subpath string
	Handle  watch.Handle
}

// WatchPath is the path being watched, the replica root or a subtree or
// single file within it.
func (r Root) WatchPath() string {
	if r.Subpath == "" {
		return r.Fspath
	}
	return filepath.Join(r.Fspath, r.Subpath)
}

type entry struct {
	root  Root
	state State
	dirty map[string]struct{}
}

// A Registry maps root IDs to their change state. All methods are safe for
// concurrent use; event delivery and the protocol session run in separate
// goroutines.
type Registry struct {
	mut     sync.RWMutex
	entries map[string]*entry
	handles map[watch.Handle]string
	changed chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		mut:     sync.NewRWMutex(),
		entries: make(map[string]*entry),
		handles: make(map[watch.Handle]string),
		changed: make(chan struct{}),
	}
}

// Add registers root, clean. Re-adding an ID replaces the previous watch;
// the replaced root is returned so the caller can release its handle.
func (reg *Registry) Add(root Root) (replaced Root, ok bool) {
	reg.mut.Lock()
	defer reg.mut.Unlock()

	if old, exists := reg.entries[root.ID]; exists {
		replaced, ok = old.root, true
		delete(reg.handles, old.root.Handle)
	}
	reg.entries[root.ID] = &entry{root: root}
	reg.handles[root.Handle] = root.ID
	l.Debugln("registry: add", root.ID, "->", root.WatchPath(), "handle", root.Handle)
	return replaced, ok
}

// Remove forgets the root. Removing an unknown ID is not an error.
func (reg *Registry) Remove(id string) (Root, bool) {
	reg.mut.Lock()
	defer reg.mut.Unlock()

	e, exists := reg.entries[id]
	if !exists {
		return Root{}, false
	}
	delete(reg.entries, id)
	delete(reg.handles, e.root.Handle)
	l.Debugln("registry: remove", id)
	return e.root, true
}

// Get returns the root registered under id.
func (reg *Registry) Get(id string) (Root, bool) {
	reg.mut.RLock()
	defer reg.mut.RUnlock()

	e, exists := reg.entries[id]
	if !exists {
		return Root{}, false
	}
	return e.root, true
}

// ByHandle returns the root owning the given watch handle.
func (reg *Registry) ByHandle(h watch.Handle) (Root, bool) {
	reg.mut.RLock()
	defer reg.mut.RUnlock()

	id, exists := reg.handles[h]
	if !exists {
		return Root{}, false
	}
	return reg.entries[id].root, true
}

// All returns the registered roots, ordered by ID.
func (reg *Registry) All() []Root {
	reg.mut.RLock()
	defer reg.mut.RUnlock()

	roots := make([]Root, 0, len(reg.entries))
	for _, e := range reg.entries {
		roots = append(roots, e.root)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	return roots
}

// MarkDirty records changed paths, relative to the watch path, against the
// root owning the handle. A "." entry stands for the whole subtree and
// swallows the rest. Unknown handles are stale events from a replaced or
// removed watch and are dropped.
func (reg *Registry) MarkDirty(h watch.Handle, paths []string) {
	if len(paths) == 0 {
		return
	}

	reg.mut.Lock()
	defer reg.mut.Unlock()

	id, exists := reg.handles[h]
	if !exists {
		l.Debugln("registry: dirty for stale handle", h)
		return
	}
	e := reg.entries[id]
	if e.state == Overflowed {
		return
	}

	if e.dirty == nil {
		e.dirty = make(map[string]struct{})
	}
	if _, whole := e.dirty["."]; !whole {
		for _, p := range paths {
			if p == "." {
				e.dirty = map[string]struct{}{".": {}}
				break
			}
			e.dirty[p] = struct{}{}
		}
	}

	l.Debugln("registry:", id, "dirty", paths)
	reg.becameUnclean(e, Dirty)
}

// MarkOverflowed drops the recorded paths for the root owning the handle
// and marks the whole of it changed.
func (reg *Registry) MarkOverflowed(h watch.Handle) {
	reg.mut.Lock()
	defer reg.mut.Unlock()

	id, exists := reg.handles[h]
	if !exists {
		l.Debugln("registry: overflow for stale handle", h)
		return
	}
	e := reg.entries[id]
	e.dirty = nil

	l.Debugln("registry:", id, "overflowed")
	reg.becameUnclean(e, Overflowed)
}

// becameUnclean moves e to state and wakes waiters on the first transition
// away from Clean. Callers hold the write lock.
func (reg *Registry) becameUnclean(e *entry, state State) {
	wasClean := e.state == Clean
	e.state = state
	if wasClean {
		close(reg.changed)
		reg.changed = make(chan struct{})
	}
}

// State returns the change accounting state of the root.
func (reg *Registry) State(id string) (State, bool) {
	reg.mut.RLock()
	defer reg.mut.RUnlock()

	e, exists := reg.entries[id]
	if !exists {
		return Clean, false
	}
	return e.state, true
}

// StateByHandle is State keyed by the watch handle.
func (reg *Registry) StateByHandle(h watch.Handle) (State, bool) {
	reg.mut.RLock()
	defer reg.mut.RUnlock()

	id, exists := reg.handles[h]
	if !exists {
		return Clean, false
	}
	return reg.entries[id].state, true
}

// NonClean filters ids down to those with changes to report, in the order
// given. Unknown ids are skipped.
func (reg *Registry) NonClean(ids []string) []string {
	reg.mut.RLock()
	defer reg.mut.RUnlock()

	var out []string
	for _, id := range ids {
		if e, exists := reg.entries[id]; exists && e.state != Clean {
			out = append(out, id)
		}
	}
	return out
}

// Acknowledge hands over the recorded changes and resets the root to
// clean. Each change is reported at most once: a second Acknowledge
// without new events returns nothing. Overflowed roots report overflowed
// true and no paths, the whole subtree is meant.
func (reg *Registry) Acknowledge(id string) (overflowed bool, paths []string, ok bool) {
	reg.mut.Lock()
	defer reg.mut.Unlock()

	e, exists := reg.entries[id]
	if !exists {
		return false, nil, false
	}

	overflowed = e.state == Overflowed
	if !overflowed {
		paths = make([]string, 0, len(e.dirty))
		for p := range e.dirty {
			paths = append(paths, p)
		}
		sort.Strings(paths)
	}

	e.state = Clean
	e.dirty = nil
	l.Debugln("registry:", id, "acknowledged, overflowed:", overflowed, "paths:", len(paths))
	return overflowed, paths, true
}

// Changed returns a channel closed on the next transition of any root from
// clean to not clean. Waiters re-check the states they care about and call
// Changed again for a fresh channel.
func (reg *Registry) Changed() <-chan struct{} {
	reg.mut.RLock()
	defer reg.mut.RUnlock()
	return reg.changed
}
