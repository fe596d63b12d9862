// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package ignore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestShouldIgnore(t *testing.T) {
	// The first matching pattern decides, so exceptions go first.
	m, err := New(
		"!keep.tmp",
		"*.tmp",
		"/build",
		".git/",
		"**/node_modules",
	)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		file    string
		ignored bool
	}{
		{"x.tmp", true},
		{filepath.Join("sub", "x.tmp"), true},
		{"keep.tmp", false},
		{filepath.Join("sub", "keep.tmp"), false},
		{"build", true},
		{filepath.Join("build", "out"), true},
		{filepath.Join("sub", "build"), false},
		{filepath.Join(".git", "HEAD"), true},
		{filepath.Join("sub", ".git", "HEAD"), true},
		{"node_modules", true},
		{filepath.Join("a", "b", "node_modules"), true},
		{filepath.Join("node_modules", "dep", "index.js"), true},
		{"regular.txt", false},
		{filepath.Join("sub", "regular.txt"), false},
	}

	for _, c := range cases {
		if got := m.ShouldIgnore(c.file); got != c.ignored {
			t.Errorf("ShouldIgnore(%q) == %v, expected %v", c.file, got, c.ignored)
		}
	}
}

func TestShouldIgnoreFoldCase(t *testing.T) {
	m, err := New("(?i)*.jpg")
	if err != nil {
		t.Fatal(err)
	}

	for _, file := range []string{"photo.jpg", "PHOTO.JPG", "Photo.Jpg"} {
		if !m.ShouldIgnore(file) {
			t.Errorf("ShouldIgnore(%q) == false, expected true", file)
		}
	}
	if m.ShouldIgnore("photo.png") {
		t.Error("ShouldIgnore(photo.png) == true, expected false")
	}
}

func TestShouldIgnoreNil(t *testing.T) {
	var m *Matcher
	if m.ShouldIgnore("anything") {
		t.Error("a nil Matcher must not ignore anything")
	}
	if m.Patterns() != nil {
		t.Error("a nil Matcher has no patterns")
	}

	m, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if m.ShouldIgnore("anything") {
		t.Error("an empty Matcher must not ignore anything")
	}
}

func TestInvalidPattern(t *testing.T) {
	if _, err := New("[unterminated"); err == nil {
		t.Error("expected an error for an invalid pattern")
	}
}

func TestParse(t *testing.T) {
	content := "// a comment\n\n!keep.tmp\n*.tmp\n"
	m, err := Parse(strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}

	if !m.ShouldIgnore("x.tmp") {
		t.Error("x.tmp should be ignored")
	}
	if m.ShouldIgnore("keep.tmp") {
		t.Error("keep.tmp should not be ignored")
	}
	for _, pat := range m.Patterns() {
		if strings.HasPrefix(pat, "//") {
			t.Errorf("comment line parsed as pattern %q", pat)
		}
	}
}

func TestLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ignores")
	if err := os.WriteFile(file, []byte("*.bak\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(file)
	if err != nil {
		t.Fatal(err)
	}
	if !m.ShouldIgnore("old.bak") {
		t.Error("old.bak should be ignored")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
