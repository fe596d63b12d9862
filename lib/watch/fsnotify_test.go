// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Two roots, one nested in the other, share directory watches on the one
// fsnotify watcher. Events go to both, and releasing the outer root must
// not strip the directories the inner root still needs.
func TestFsnotifyOverlappingRoots(t *testing.T) {
	createTestDir(t, ".")
	defer os.RemoveAll(testDir)
	createTestDir(t, filepath.Join("parent", "child"))

	b, err := New(BackendFsnotify, Options{})
	if err != nil {
		t.Skipf("fsnotify: %v", err)
	}
	defer b.Close()

	h1, err := b.Watch(filepath.Join(testDir, "parent"), true)
	if err != nil {
		t.Fatalf("Failed to set up outer watch: %v", err)
	}
	h2, err := b.Watch(filepath.Join(testDir, "parent", "child"), true)
	if err != nil {
		t.Fatalf("Failed to set up inner watch: %v", err)
	}

	createTestFile(t, filepath.Join("parent", "child", "file"))

	want := map[Handle]string{
		h1: filepath.Join("child", "file"),
		h2: "file",
	}
	timeout := time.After(2 * time.Second)
	for len(want) > 0 {
		select {
		case ev, ok := <-b.Events():
			if !ok {
				t.Fatal("event channel closed")
			}
			if path, exists := want[ev.Handle]; exists && path == ev.Path {
				delete(want, ev.Handle)
			}
		case <-timeout:
			t.Fatalf("Timed out, still expecting %v", want)
		}
	}

	b.Unwatch(h1)

	createTestFile(t, filepath.Join("parent", "child", "file2"))
	ev := nextEventFor(t, b.Events(), "file2")
	if ev.Handle != h2 {
		t.Errorf("event %v arrived for the released root", ev)
	}
}
