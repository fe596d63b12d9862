// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watchaggregator

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/d4l3k/messagediff"
	"github.com/thejerf/suture/v4"

	"github.com/autozimu/unison-fsmonitor/lib/roots"
	"github.com/autozimu/unison-fsmonitor/lib/watch"
)

func TestMain(m *testing.M) {
	maxFiles = 32

	ret := m.Run()

	maxFiles = 512

	os.Exit(ret)
}

const testDelay = 10 * time.Millisecond

func newTestAggregator() (*Aggregator, *roots.Registry) {
	reg := roots.NewRegistry()
	reg.Add(roots.Root{ID: "aa01", Fspath: "/sync/replica", Handle: 1})
	return New(nil, reg, testDelay), reg
}

func ev(h watch.Handle, path string) watch.Event {
	return watch.Event{Handle: h, Path: path, Kind: watch.Modified, Time: time.Now()}
}

func evAt(h watch.Handle, path string, t time.Time) watch.Event {
	return watch.Event{Handle: h, Path: path, Kind: watch.Modified, Time: t}
}

func pendingPaths(a *Aggregator, h watch.Handle) map[string]struct{} {
	paths := make(map[string]struct{})
	for path := range a.pending[h] {
		paths[path] = struct{}{}
	}
	return paths
}

// TestAggregateCollapse checks that more than maxFiles tracked paths
// collapse into the whole root.
func TestAggregateCollapse(t *testing.T) {
	a, _ := newTestAggregator()

	// maxFiles paths are kept as is
	for i := 0; i < maxFiles; i++ {
		a.newEvent(ev(1, strconv.Itoa(i)))
	}
	if got := len(a.pending[1]); got != maxFiles {
		t.Errorf("%d paths pending, expected %d", got, maxFiles)
	}

	// one more collapses everything into "."
	a.newEvent(ev(1, "one-more"))
	if diff, equal := messagediff.PrettyDiff(map[string]struct{}{".": {}}, pendingPaths(a, 1)); !equal {
		t.Errorf("pending differs: %s", diff)
	}

	// further events are noops while "." is pending
	a.newEvent(ev(1, "anything-else"))
	if diff, equal := messagediff.PrettyDiff(map[string]struct{}{".": {}}, pendingPaths(a, 1)); !equal {
		t.Errorf("pending differs: %s", diff)
	}
}

// An event for the root itself also swallows everything tracked so far.
func TestAggregateRootEvent(t *testing.T) {
	a, _ := newTestAggregator()

	a.newEvent(ev(1, "a"))
	a.newEvent(ev(1, "b"))
	a.newEvent(ev(1, "."))

	if diff, equal := messagediff.PrettyDiff(map[string]struct{}{".": {}}, pendingPaths(a, 1)); !equal {
		t.Errorf("pending differs: %s", diff)
	}
}

func TestAggregateRepeatExtends(t *testing.T) {
	a, _ := newTestAggregator()

	t0 := time.Now().Add(-50 * time.Millisecond)
	t1 := time.Now()
	a.newEvent(evAt(1, "file", t0))
	a.newEvent(evAt(1, "file", t1))

	if got := len(a.pending[1]); got != 1 {
		t.Fatalf("%d paths pending, expected 1", got)
	}
	ag := a.pending[1]["file"]
	if !ag.firstModTime.Equal(t0) || !ag.lastModTime.Equal(t1) {
		t.Errorf("got first %v last %v, expected %v and %v", ag.firstModTime, ag.lastModTime, t0, t1)
	}
}

func TestOverflowBypassesDebounce(t *testing.T) {
	a, reg := newTestAggregator()

	a.newEvent(ev(1, "pending-path"))
	a.newEvent(watch.Event{Handle: 1, Kind: watch.Overflow, Time: time.Now()})

	if state, _ := reg.State("aa01"); state != roots.Overflowed {
		t.Errorf("state %v, expected overflowed", state)
	}
	if len(a.pending) != 0 {
		t.Errorf("pending paths survived an overflow: %v", a.pending)
	}
}

// Events for roots that already have changes to report skip the debounce
// and are recorded right away.
func TestNonCleanAppendsDirectly(t *testing.T) {
	a, reg := newTestAggregator()

	reg.MarkDirty(1, []string{"x"})
	a.newEvent(ev(1, "y"))

	if len(a.pending) != 0 {
		t.Errorf("event for a dirty root went into debounce: %v", a.pending)
	}
	_, paths, _ := reg.Acknowledge("aa01")
	if diff, equal := messagediff.PrettyDiff([]string{"x", "y"}, paths); !equal {
		t.Errorf("paths differ: %s", diff)
	}
}

func TestUnknownHandleDropped(t *testing.T) {
	a, reg := newTestAggregator()

	a.newEvent(ev(99, "stray"))

	if len(a.pending) != 0 {
		t.Errorf("event for an unknown handle tracked: %v", a.pending)
	}
	if state, _ := reg.State("aa01"); state != roots.Clean {
		t.Errorf("state %v, expected clean", state)
	}
}

// Commit decisions depend only on the recorded event times, so they can be
// tested without waiting.
func TestActOnTimer(t *testing.T) {
	a, reg := newTestAggregator()

	now := time.Now()
	a.newEvent(evAt(1, "quiet", now.Add(-50*time.Millisecond)))
	a.newEvent(evAt(1, "busy", now.Add(-50*time.Millisecond)))
	a.newEvent(evAt(1, "busy", now))

	a.actOnTimer()

	// "quiet" has been silent for multiples of the delay and commits,
	// "busy" was modified just now and stays.
	_, paths, _ := reg.Acknowledge("aa01")
	if diff, equal := messagediff.PrettyDiff([]string{"quiet"}, paths); !equal {
		t.Errorf("paths differ: %s", diff)
	}
	if diff, equal := messagediff.PrettyDiff(map[string]struct{}{"busy": {}}, pendingPaths(a, 1)); !equal {
		t.Errorf("pending differs: %s", diff)
	}
}

// A path that keeps being modified must still commit once the timeout is
// reached.
func TestActOnTimerTimeout(t *testing.T) {
	a, reg := newTestAggregator()

	now := time.Now()
	a.newEvent(evAt(1, "hot", now.Add(-150*time.Millisecond)))
	a.newEvent(evAt(1, "hot", now))

	a.actOnTimer()

	_, paths, _ := reg.Acknowledge("aa01")
	if diff, equal := messagediff.PrettyDiff([]string{"hot"}, paths); !equal {
		t.Errorf("paths differ: %s", diff)
	}
}

func TestServe(t *testing.T) {
	reg := roots.NewRegistry()
	reg.Add(roots.Root{ID: "aa01", Fspath: "/sync/replica", Handle: 1})

	in := make(chan watch.Event)
	a := New(in, reg, testDelay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx) }()

	in <- ev(1, "a")
	in <- ev(1, "b")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if state, _ := reg.State("aa01"); state == roots.Dirty {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out before the root became dirty")
		}
		time.Sleep(time.Millisecond)
	}

	_, paths, _ := reg.Acknowledge("aa01")
	if diff, equal := messagediff.PrettyDiff([]string{"a", "b"}, paths); !equal {
		t.Errorf("paths differ: %s", diff)
	}

	close(in)
	select {
	case err := <-served:
		if !errors.Is(err, suture.ErrDoNotRestart) {
			t.Errorf("Serve returned %v on channel close, expected a no-restart error", err)
		}
	case <-time.After(time.Second):
		t.Error("Serve did not return on channel close")
	}
}

func TestServeCancel(t *testing.T) {
	a, _ := newTestAggregator()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx) }()

	cancel()
	select {
	case err := <-served:
		if err != context.Canceled {
			t.Errorf("Serve returned %v, expected context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Error("Serve did not return on cancellation")
	}
}
