// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package watchaggregator turns the raw backend event stream into change
// records on the root registry, debouncing bursts so one save or one
// unpacked archive becomes one dirty transition instead of hundreds.
package watchaggregator

import (
	"context"
	"time"

	"github.com/autozimu/unison-fsmonitor/lib/roots"
	"github.com/autozimu/unison-fsmonitor/lib/svcutil"
	"github.com/autozimu/unison-fsmonitor/lib/watch"
)

// Not meant to be changed, but must be changeable for tests
var maxFiles = 512

const defaultDelay = 10 * time.Millisecond

// aggregatedEvent represents potentially multiple events at one path until
// it times out and is committed to the registry.
type aggregatedEvent struct {
	firstModTime time.Time
	lastModTime  time.Time
}

// pendingRoot holds the paths collected for one watch handle, keyed by
// root-relative path. A "." entry stands for the whole root.
type pendingRoot map[string]*aggregatedEvent

func (p pendingRoot) firstModTime() time.Time {
	first := time.Now()
	for _, ev := range p {
		if ev.firstModTime.Before(first) {
			first = ev.firstModTime
		}
	}
	return first
}

// An Aggregator owns all debounce state. It is a single goroutine; the
// registry is the only thing it shares with the protocol session.
type Aggregator struct {
	in  <-chan watch.Event
	reg *roots.Registry

	// Time after which an event is committed when no further
	// modifications occur.
	notifyDelay time.Duration
	// Time after which an event is committed even though modifications
	// keep occurring.
	notifyTimeout         time.Duration
	notifyTimer           *time.Timer
	notifyTimerNeedsReset bool

	pending map[watch.Handle]pendingRoot
}

// New returns an aggregator reading from in and committing to reg. A zero
// or negative delay means the default of 10ms.
func New(in <-chan watch.Event, reg *roots.Registry, delay time.Duration) *Aggregator {
	if delay <= 0 {
		delay = defaultDelay
	}
	return &Aggregator{
		in:            in,
		reg:           reg,
		notifyDelay:   delay,
		notifyTimeout: notifyTimeout(delay),
		notifyTimer:   time.NewTimer(delay),
		pending:       make(map[watch.Handle]pendingRoot),
	}
}

func (*Aggregator) String() string {
	return "aggregator"
}

// Serve runs the aggregation loop until ctx is cancelled or the event
// channel closes.
func (a *Aggregator) Serve(ctx context.Context) error {
	l.Debugln(a, "starting, delay", a.notifyDelay, "timeout", a.notifyTimeout)

	a.resetNotifyTimer(a.notifyDelay)
	defer a.notifyTimer.Stop()

	for {
		select {
		case ev, ok := <-a.in:
			if !ok {
				// The backend is gone, so no further events can
				// arrive. Don't restart on a closed channel.
				l.Debugln(a, "event channel closed")
				return svcutil.NoRestartErr(nil)
			}
			a.newEvent(ev)
		case <-a.notifyTimer.C:
			a.actOnTimer()
		case <-ctx.Done():
			l.Debugln(a, "stopped")
			return ctx.Err()
		}
	}
}

func (a *Aggregator) newEvent(ev watch.Event) {
	if ev.Kind == watch.Overflow {
		// Events were lost, the whole root is dirty. No point in
		// debouncing that, nothing can refine it.
		delete(a.pending, ev.Handle)
		a.reg.MarkOverflowed(ev.Handle)
		return
	}

	state, ok := a.reg.StateByHandle(ev.Handle)
	if !ok {
		// The watch was replaced or removed and this event raced the
		// teardown.
		l.Debugln(a, "dropping event for unknown handle:", ev)
		return
	}
	if state != roots.Clean {
		// The root already has changes to report, so there is nothing to
		// debounce against; recording the path right away keeps the next
		// handoff as complete as possible.
		a.reg.MarkDirty(ev.Handle, []string{ev.Path})
		return
	}

	a.aggregateEvent(ev)
}

func (a *Aggregator) aggregateEvent(ev watch.Event) {
	root, ok := a.pending[ev.Handle]
	if !ok {
		root = make(pendingRoot)
		a.pending[ev.Handle] = root
	}

	if _, whole := root["."]; whole {
		l.Debugln(a, "whole root already pending, dropping:", ev)
		return
	}

	if ev.Path == "." || len(root) >= maxFiles {
		l.Debugln(a, "tracking whole root for handle", ev.Handle)
		first := ev.Time
		if len(root) != 0 {
			first = root.firstModTime()
		}
		a.pending[ev.Handle] = pendingRoot{".": {firstModTime: first, lastModTime: ev.Time}}
		a.resetNotifyTimerIfNeeded()
		return
	}

	if ag, ok := root[ev.Path]; ok {
		ag.lastModTime = ev.Time
		l.Debugln(a, "already tracked:", ev)
		return
	}

	root[ev.Path] = &aggregatedEvent{firstModTime: ev.Time, lastModTime: ev.Time}
	l.Debugln(a, "tracking:", ev)
	a.resetNotifyTimerIfNeeded()
}

func (a *Aggregator) resetNotifyTimerIfNeeded() {
	if a.notifyTimerNeedsReset {
		a.resetNotifyTimer(a.notifyDelay)
	}
}

// resetNotifyTimer should only ever be called when notifyTimer has stopped
// and notifyTimer.C been read from. Otherwise, call
// resetNotifyTimerIfNeeded.
func (a *Aggregator) resetNotifyTimer(duration time.Duration) {
	a.notifyTimerNeedsReset = false
	a.notifyTimer.Reset(duration)
}

func (a *Aggregator) actOnTimer() {
	if len(a.pending) == 0 {
		l.Debugln(a, "no tracked events, waiting for new event")
		a.notifyTimerNeedsReset = true
		return
	}

	now := time.Now()
	for handle, root := range a.pending {
		var old []string
		for path, ev := range root {
			if a.isOld(ev, now) {
				old = append(old, path)
				delete(root, path)
			}
		}
		if len(root) == 0 {
			delete(a.pending, handle)
		}
		if len(old) != 0 {
			l.Debugln(a, "committing", len(old), "paths for handle", handle)
			a.reg.MarkDirty(handle, old)
		}
	}
	a.resetNotifyTimer(a.notifyDelay)
}

func (a *Aggregator) isOld(ev *aggregatedEvent, currTime time.Time) bool {
	// An event that has not registered any new modifications recently is
	// committed. As the timer fires at intervals of notifyDelay, the
	// effective delay of a single event lies between 0.5 and 1.5 times
	// notifyDelay.
	if 2*currTime.Sub(ev.lastModTime) > a.notifyDelay {
		return true
	}
	// A path that keeps registering modifications is held back, but after
	// notifyTimeout it is committed anyway.
	return currTime.Sub(ev.firstModTime) > a.notifyTimeout
}

// A continuously modified path must still be reported at some point. The
// timeout is six times the delay, with a floor of 100ms so very short
// delays do not degenerate into immediate commits.
func notifyTimeout(delay time.Duration) time.Duration {
	if timeout := 6 * delay; timeout > 100*time.Millisecond {
		return timeout
	}
	return 100 * time.Millisecond
}
