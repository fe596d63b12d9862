// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build !(solaris && !cgo) && !(darwin && !cgo) && !(android && amd64)
// +build !solaris cgo
// +build !darwin cgo
// +build !android !amd64

package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/syncthing/notify"

	"github.com/autozimu/unison-fsmonitor/lib/sync"
)

// Notify does not block on sending to channel, so the channel must be buffered.
// The actual number is magic.
// Not meant to be changed, but must be changeable for tests
var backendBuffer = 500

// notifyBackend watches each root with one native recursive registration.
type notifyBackend struct {
	matcher Matcher
	events  chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextHandle atomic.Uint64
	watches    *xsync.MapOf[Handle, *notifyWatch]
	closed     atomic.Bool
}

type notifyWatch struct {
	handle      Handle
	target      target
	backendChan chan notify.EventInfo
	cancel      context.CancelFunc
}

func newNotifyBackend(opts Options) (Backend, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &notifyBackend{
		matcher: opts.Matcher,
		events:  make(chan Event),
		ctx:     ctx,
		cancel:  cancel,
		wg:      sync.NewWaitGroup(),
		watches: xsync.NewMapOf[Handle, *notifyWatch](),
	}, nil
}

func (*notifyBackend) String() string {
	return "notify"
}

func (b *notifyBackend) Events() <-chan Event {
	return b.events
}

func (b *notifyBackend) Watch(path string, recursive bool) (Handle, error) {
	t, err := resolveTarget(path, recursive)
	if err != nil {
		return 0, err
	}

	watchPath := t.path
	if t.recursive {
		watchPath = filepath.Join(t.path, "...")
	}

	backendChan := make(chan notify.EventInfo, backendBuffer)

	absShouldIgnore := func(absPath string) bool {
		if !utf8.ValidString(absPath) {
			return true
		}
		rel, ok := t.rel(absPath)
		if !ok {
			return true
		}
		return ignores(b.matcher, rel)
	}
	if err := notify.WatchWithFilter(watchPath, backendChan, absShouldIgnore, eventMask); err != nil {
		notify.Stop(backendChan)
		if reachedMaxUserWatches(err) {
			err = fmt.Errorf("%w: %v", ErrWatchLimit, err)
		}
		return 0, err
	}

	wctx, wcancel := context.WithCancel(b.ctx)
	w := &notifyWatch{
		handle:      Handle(b.nextHandle.Add(1)),
		target:      t,
		backendChan: backendChan,
		cancel:      wcancel,
	}
	b.watches.Store(w.handle, w)

	b.wg.Add(1)
	go b.watchLoop(wctx, w)

	l.Debugln(b, "watch:", watchPath, "handle", w.handle)
	return w.handle, nil
}

func (b *notifyBackend) Unwatch(h Handle) {
	if w, ok := b.watches.LoadAndDelete(h); ok {
		w.cancel()
	}
}

func (b *notifyBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.cancel()
	b.watches.Range(func(h Handle, _ *notifyWatch) bool {
		b.watches.Delete(h)
		return true
	})
	b.wg.Wait()
	close(b.events)
	return nil
}

func (b *notifyBackend) watchLoop(ctx context.Context, w *notifyWatch) {
	defer b.wg.Done()
	defer notify.Stop(w.backendChan)

	for {
		// Detect channel overflow
		if len(w.backendChan) == backendBuffer {
		outer:
			for {
				select {
				case <-w.backendChan:
				default:
					break outer
				}
			}
			// Events were lost, the whole subtree counts as changed.
			if !b.send(ctx, Event{Handle: w.handle, Kind: Overflow, Time: time.Now()}) {
				return
			}
			l.Debugln(b, "watch:", w.target.path, "event overflow")
		}

		select {
		case ev := <-w.backendChan:
			now := time.Now()
			if !b.dispatch(ctx, w, ev, now) {
				return
			}
			// Events already queued were decoded from the same batch and
			// share the timestamp. Stop short of draining a full buffer so
			// the overflow check above still triggers.
			for len(w.backendChan) > 0 && len(w.backendChan) < backendBuffer {
				if !b.dispatch(ctx, w, <-w.backendChan, now) {
					return
				}
			}
		case <-ctx.Done():
			l.Debugln(b, "watch:", w.target.path, "stopped")
			return
		}
	}
}

func (b *notifyBackend) dispatch(ctx context.Context, w *notifyWatch, ev notify.EventInfo, now time.Time) bool {
	rel, ok := w.target.rel(ev.Path())
	if !ok {
		if w.target.only != "" {
			// Some other entry in the parent directory of a watched file.
			return true
		}
		// A path we cannot place under the root. Do not drop it silently,
		// force a full rescan instead.
		l.Debugln(b, "watch:", w.target.path, "event outside root:", ev.Path())
		return b.send(ctx, Event{Handle: w.handle, Kind: Overflow, Time: now})
	}
	if ignores(b.matcher, rel) {
		l.Debugln(b, "watch:", w.target.path, "ignoring", rel)
		return true
	}

	out := Event{Handle: w.handle, Path: rel, Kind: eventKind(ev.Event()), Time: now}
	if !b.send(ctx, out) {
		return false
	}
	l.Debugln(b, "watch:", w.target.path, "sending", out)
	return true
}

func (b *notifyBackend) send(ctx context.Context, ev Event) bool {
	select {
	case b.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
