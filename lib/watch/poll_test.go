// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// The poll backend diffs scans, so unlike the native backends its event
// kinds are deterministic and worth pinning down.
func TestPollKinds(t *testing.T) {
	createTestDir(t, ".")
	defer os.RemoveAll(testDir)

	b, err := New(BackendPoll, Options{PollInterval: 25 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, err := b.Watch(testDir, true); err != nil {
		t.Fatalf("Failed to set up watch: %v", err)
	}

	steps := []struct {
		op   func()
		kind Kind
	}{
		{func() { createTestFile(t, "file") }, Created},
		{func() { writeTestFile(t, "file", "data") }, Modified},
		{func() {
			if err := os.Chmod(filepath.Join(testDir, "file"), 0o400); err != nil {
				panic(fmt.Sprintf("Failed to chmod test file: %s", err))
			}
		}, AttrChanged},
		{func() {
			if err := os.Remove(filepath.Join(testDir, "file")); err != nil {
				panic(fmt.Sprintf("Failed to remove test file: %s", err))
			}
		}, Removed},
	}

	for i, step := range steps {
		step.op()
		ev := nextEventFor(t, b.Events(), "file")
		if ev.Kind != step.kind {
			t.Errorf("step %d: got %v, expected kind %v", i, ev, step.kind)
		}
	}
}

// A root that disappears mid watch reports the removal of its contents and
// of the root itself, and the backend keeps scanning in case it returns.
func TestPollRootRemoved(t *testing.T) {
	createTestDir(t, ".")
	defer os.RemoveAll(testDir)
	createTestFile(t, "file")

	b, err := New(BackendPoll, Options{PollInterval: 25 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, err := b.Watch(testDir, true); err != nil {
		t.Fatalf("Failed to set up watch: %v", err)
	}

	if err := os.RemoveAll(testDir); err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{".": true, "file": true}
	timeout := time.After(2 * time.Second)
	for len(want) > 0 {
		select {
		case ev, ok := <-b.Events():
			if !ok {
				t.Fatal("event channel closed")
			}
			if ev.Kind != Removed {
				t.Errorf("got %v, expected a removal", ev)
			}
			delete(want, ev.Path)
		case <-timeout:
			t.Fatalf("Timed out, still expecting removals for %v", want)
		}
	}
}
