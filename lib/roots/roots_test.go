// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package roots

import (
	"testing"

	"github.com/d4l3k/messagediff"
)

func TestRegistryAddRemove(t *testing.T) {
	reg := NewRegistry()

	if _, ok := reg.Add(Root{ID: "aa01", Fspath: "/sync/replica", Handle: 1}); ok {
		t.Error("nothing to replace on first add")
	}

	root, ok := reg.Get("aa01")
	if !ok {
		t.Fatal("root not found after add")
	}
	if root.WatchPath() != "/sync/replica" {
		t.Errorf("watch path %q", root.WatchPath())
	}

	if byHandle, ok := reg.ByHandle(1); !ok || byHandle.ID != "aa01" {
		t.Errorf("ByHandle(1) == %v, %v", byHandle, ok)
	}

	// Same ID again stands for a fresh watch of the same replica.
	replaced, ok := reg.Add(Root{ID: "aa01", Fspath: "/sync/replica", Handle: 2})
	if !ok || replaced.Handle != 1 {
		t.Errorf("expected to replace handle 1, got %v, %v", replaced, ok)
	}
	if _, ok := reg.ByHandle(1); ok {
		t.Error("stale handle still resolves")
	}
	if byHandle, ok := reg.ByHandle(2); !ok || byHandle.ID != "aa01" {
		t.Errorf("ByHandle(2) == %v, %v", byHandle, ok)
	}

	removed, ok := reg.Remove("aa01")
	if !ok || removed.Handle != 2 {
		t.Errorf("Remove == %v, %v", removed, ok)
	}
	if _, ok := reg.Remove("aa01"); ok {
		t.Error("second remove found something")
	}
	if _, ok := reg.ByHandle(2); ok {
		t.Error("handle resolves after remove")
	}
}

func TestRegistryDirtyAcknowledge(t *testing.T) {
	reg := NewRegistry()
	reg.Add(Root{ID: "aa01", Fspath: "/sync/replica", Handle: 1})

	if state, _ := reg.State("aa01"); state != Clean {
		t.Errorf("fresh root is %v, expected clean", state)
	}

	reg.MarkDirty(1, []string{"b", "a"})
	reg.MarkDirty(1, []string{"a", "c"})

	if state, _ := reg.State("aa01"); state != Dirty {
		t.Errorf("state %v, expected dirty", state)
	}

	overflowed, paths, ok := reg.Acknowledge("aa01")
	if !ok || overflowed {
		t.Fatalf("Acknowledge == %v, %v", overflowed, ok)
	}
	if diff, equal := messagediff.PrettyDiff([]string{"a", "b", "c"}, paths); !equal {
		t.Errorf("paths differ: %s", diff)
	}

	// The handoff is at most once.
	if state, _ := reg.State("aa01"); state != Clean {
		t.Error("root not clean after acknowledge")
	}
	if _, paths, _ := reg.Acknowledge("aa01"); len(paths) != 0 {
		t.Errorf("second acknowledge returned %v", paths)
	}

	if _, _, ok := reg.Acknowledge("unknown"); ok {
		t.Error("acknowledge of an unknown id succeeded")
	}
}

func TestRegistryWholeSubtree(t *testing.T) {
	reg := NewRegistry()
	reg.Add(Root{ID: "aa01", Fspath: "/sync/replica", Handle: 1})

	reg.MarkDirty(1, []string{"a", "b"})
	reg.MarkDirty(1, []string{"."})
	reg.MarkDirty(1, []string{"c"})

	_, paths, _ := reg.Acknowledge("aa01")
	if diff, equal := messagediff.PrettyDiff([]string{"."}, paths); !equal {
		t.Errorf("a \".\" should swallow the other paths: %s", diff)
	}
}

func TestRegistryOverflow(t *testing.T) {
	reg := NewRegistry()
	reg.Add(Root{ID: "aa01", Fspath: "/sync/replica", Handle: 1})

	reg.MarkDirty(1, []string{"a"})
	reg.MarkOverflowed(1)
	reg.MarkDirty(1, []string{"b"})

	if state, _ := reg.State("aa01"); state != Overflowed {
		t.Errorf("state %v, expected overflowed", state)
	}

	overflowed, paths, ok := reg.Acknowledge("aa01")
	if !ok || !overflowed {
		t.Fatalf("Acknowledge == %v, %v", overflowed, ok)
	}
	if len(paths) != 0 {
		t.Errorf("an overflowed root reports no individual paths, got %v", paths)
	}
	if state, _ := reg.State("aa01"); state != Clean {
		t.Error("root not clean after acknowledge")
	}
}

func TestRegistryStateByHandle(t *testing.T) {
	reg := NewRegistry()
	reg.Add(Root{ID: "aa01", Fspath: "/sync/replica", Handle: 1})

	if s, ok := reg.StateByHandle(1); !ok || s != Clean {
		t.Errorf("StateByHandle == %v, %v", s, ok)
	}
	reg.MarkDirty(1, []string{"a"})
	if s, ok := reg.StateByHandle(1); !ok || s != Dirty {
		t.Errorf("StateByHandle == %v, %v", s, ok)
	}
	if _, ok := reg.StateByHandle(99); ok {
		t.Error("StateByHandle resolved an unknown handle")
	}
}

func TestRegistryStaleHandle(t *testing.T) {
	reg := NewRegistry()
	reg.Add(Root{ID: "aa01", Fspath: "/sync/replica", Handle: 1})

	reg.MarkDirty(99, []string{"a"})
	reg.MarkOverflowed(99)

	if state, _ := reg.State("aa01"); state != Clean {
		t.Errorf("events for a stale handle changed the state to %v", state)
	}
}

func TestRegistryNonClean(t *testing.T) {
	reg := NewRegistry()
	reg.Add(Root{ID: "aa01", Fspath: "/a", Handle: 1})
	reg.Add(Root{ID: "bb02", Fspath: "/b", Handle: 2})
	reg.Add(Root{ID: "cc03", Fspath: "/c", Handle: 3})

	reg.MarkDirty(3, []string{"x"})
	reg.MarkOverflowed(1)

	got := reg.NonClean([]string{"aa01", "bb02", "cc03", "unknown"})
	if diff, equal := messagediff.PrettyDiff([]string{"aa01", "cc03"}, got); !equal {
		t.Errorf("NonClean differs: %s", diff)
	}
}

func TestRegistryChanged(t *testing.T) {
	reg := NewRegistry()
	reg.Add(Root{ID: "aa01", Fspath: "/a", Handle: 1})

	ch := reg.Changed()
	select {
	case <-ch:
		t.Fatal("channel closed before any change")
	default:
	}

	reg.MarkDirty(1, []string{"x"})
	select {
	case <-ch:
	default:
		t.Fatal("channel not closed on clean to dirty")
	}

	// Already dirty, no further wakeup until acknowledged.
	ch = reg.Changed()
	reg.MarkDirty(1, []string{"y"})
	select {
	case <-ch:
		t.Fatal("channel closed on dirty to dirty")
	default:
	}

	reg.Acknowledge("aa01")
	reg.MarkOverflowed(1)
	select {
	case <-ch:
	default:
		t.Fatal("channel not closed on clean to overflowed")
	}
}

