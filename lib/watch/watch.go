// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package watch normalizes the platform change notification APIs behind a
// single Backend interface. A backend multiplexes any number of watched
// roots onto one event channel; events carry the handle of the root they
// belong to.
package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Kind describes what happened to a path.
type Kind int

const (
	Created Kind = iota
	Modified
	Removed
	RenamedFrom
	RenamedTo
	AttrChanged
	// Overflow signals that the OS dropped events for this handle and the
	// whole subtree must be considered changed. It carries no path.
	Overflow
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case RenamedFrom:
		return "renamed-from"
	case RenamedTo:
		return "renamed-to"
	case AttrChanged:
		return "attr-changed"
	case Overflow:
		return "overflow"
	}
	return "unknown"
}

// A Handle identifies one watched root within its backend. The zero Handle
// is never allocated.
type Handle uint64

// An Event is one normalized change notification. Path is relative to the
// watched root, in native separators, with "." standing for the root
// itself. Events decoded from the same OS batch carry the same Time, so
// that pairs such as the two halves of a rename land in one debounce
// window.
type Event struct {
	Handle Handle
	Path   string
	Kind   Kind
	Time   time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("%v %q (handle %d)", e.Kind, e.Path, e.Handle)
}

// A Matcher decides whether a root-relative path is excluded from
// watching. Matched directories are pruned where the platform allows it.
type Matcher interface {
	ShouldIgnore(relPath string) bool
}

// A Backend watches filesystem roots and delivers normalized events.
// Implementations serialize all deliveries for one handle, so an Overflow
// is ordered with respect to the events preceding it.
type Backend interface {
	fmt.Stringer

	// Watch starts watching path, which must exist. Watching a regular
	// file observes just that file. The watch is effective when Watch
	// returns.
	Watch(path string, recursive bool) (Handle, error)

	// Unwatch releases the watch. Unknown or already released handles are
	// ignored.
	Unwatch(h Handle)

	// Events returns the shared delivery channel. It is closed by Close.
	Events() <-chan Event

	// Close releases all watches and closes the event channel.
	Close() error
}

// Backend names accepted by New.
const (
	BackendNotify   = "notify"
	BackendFsnotify = "fsnotify"
	BackendPoll     = "poll"
)

const defaultPollInterval = time.Second

// ErrWatchLimit is returned, wrapped, when the kernel refuses further
// watches. On Linux this maps to the inotify instance and watch quotas.
var ErrWatchLimit = errors.New("kernel watch limit reached")

// Options configure a backend at construction.
type Options struct {
	// Matcher excludes paths from watching. Nil keeps everything.
	Matcher Matcher
	// PollInterval is the scan cadence of the poll backend. Zero means
	// one second.
	PollInterval time.Duration
}

// New returns the named backend.
func New(name string, opts Options) (Backend, error) {
	switch name {
	case BackendNotify:
		return newNotifyBackend(opts)
	case BackendFsnotify:
		return newFsnotifyBackend(opts)
	case BackendPoll:
		return newPollBackend(opts)
	}
	return nil, fmt.Errorf("unknown watch backend %q", name)
}

// DefaultBackendName returns the preferred backend for this platform:
// recursive native watches where the OS has them, a watch per directory on
// inotify style systems, polling elsewhere.
func DefaultBackendName() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return BackendNotify
	case "linux", "android", "freebsd", "netbsd", "openbsd", "dragonfly":
		return BackendFsnotify
	}
	return BackendPoll
}

// A target is a watch request after resolving what kind of filesystem
// object it points at. Watching a regular file turns into watching its
// parent directory, filtered down to the one name.
type target struct {
	path      string // the directory to watch, absolute, symlinks resolved
	roots     []string
	only      string // non-empty: deliver events for this entry only
	recursive bool
}

// resolveTarget canonicalizes path and decides the watch shape. The
// returned roots list holds the path variants events may be reported
// under, used to relativize event paths.
func resolveTarget(path string, recursive bool) (target, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return target{}, err
	}

	fi, err := os.Lstat(abs)
	if err != nil {
		return target{}, err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		// The root itself being a symlink is resolved, matching how the
		// client addresses the replica.
		if abs, err = filepath.EvalSymlinks(abs); err != nil {
			return target{}, err
		}
		if fi, err = os.Lstat(abs); err != nil {
			return target{}, err
		}
	}

	t := target{path: abs, recursive: recursive}
	if !fi.IsDir() {
		t.path = filepath.Dir(abs)
		t.only = filepath.Base(abs)
		t.recursive = false
	}

	// Event paths may come back with symlinks in the prefix resolved, so
	// keep both spellings for relativizing.
	t.roots = []string{t.path}
	if eval, err := filepath.EvalSymlinks(t.path); err == nil && eval != t.path {
		t.roots = append(t.roots, eval)
	}
	return t, nil
}

// rel returns absPath relative to the target, and whether it belongs to
// the target at all. The target directory itself comes back as ".".
func (t target) rel(absPath string) (string, bool) {
	for _, root := range t.roots {
		if absPath == root {
			if t.only != "" {
				// The parent directory of a single watched file is not
				// itself interesting.
				return "", false
			}
			return ".", true
		}
		if rel, ok := strings.CutPrefix(absPath, root+string(filepath.Separator)); ok {
			if t.only != "" {
				if rel != t.only {
					return "", false
				}
				return ".", true
			}
			return rel, true
		}
	}
	return "", false
}

// ignores consults the matcher, treating nil as match nothing.
func ignores(m Matcher, relPath string) bool {
	return m != nil && relPath != "." && m.ShouldIgnore(relPath)
}
