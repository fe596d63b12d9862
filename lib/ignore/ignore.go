// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ignore filters paths out of watching by glob patterns.
package ignore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gobwas/glob"
)

type Pattern struct {
	pattern  string
	match    glob.Glob
	include  bool
	foldCase bool
}

func (p Pattern) String() string {
	ret := p.pattern
	if !p.include {
		ret = "!" + ret
	}
	if p.foldCase {
		ret = "(?i)" + ret
	}
	return ret
}

// A Matcher holds a fixed list of ignore patterns. It is immutable once
// built; a nil Matcher ignores nothing.
//
// Patterns match against slash separated paths relative to the watched
// root. A "!" prefix turns a pattern into an exception, the first matching
// pattern decides. A "(?i)" prefix folds case, which is the default on
// darwin and windows. A "/" prefix roots the pattern at the watched
// directory; all other patterns match at any depth, as do their subtrees.
type Matcher struct {
	patterns []Pattern
}

// New builds a Matcher from pattern lines. Empty lines and lines starting
// with "//" are skipped.
func New(lines ...string) (*Matcher, error) {
	m := &Matcher{}
	for _, line := range lines {
		if err := m.add(line); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Load reads patterns from file, one per line.
func Load(file string) (*Matcher, error) {
	fd, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return Parse(fd)
}

// Parse reads patterns from r, one per line.
func Parse(r io.Reader) (*Matcher, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return New(lines...)
}

func (m *Matcher) add(line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, "//"):
		return nil
	}

	line = filepath.ToSlash(line)
	switch {
	case strings.HasSuffix(line, "/**"):
		return m.addPattern(line)
	case strings.HasSuffix(line, "/"):
		if err := m.addPattern(line); err != nil {
			return err
		}
		return m.addPattern(line + "**")
	default:
		if err := m.addPattern(line); err != nil {
			return err
		}
		return m.addPattern(line + "/**")
	}
}

func (m *Matcher) addPattern(line string) error {
	pattern := Pattern{
		pattern:  line,
		include:  true,
		foldCase: runtime.GOOS == "darwin" || runtime.GOOS == "windows",
	}

	if strings.HasPrefix(line, "!") {
		line = line[1:]
		pattern.include = false
	}

	if strings.HasPrefix(line, "(?i)") {
		line = strings.ToLower(line[4:])
		pattern.foldCase = true
	}

	var err error
	if strings.HasPrefix(line, "/") {
		// Pattern is rooted in the watched dir only
		pattern.match, err = glob.Compile(line[1:])
		if err != nil {
			return fmt.Errorf("invalid ignore pattern %q", line)
		}
		m.patterns = append(m.patterns, pattern)
		return nil
	}

	if strings.HasPrefix(line, "**/") {
		// Add the pattern as is, and without **/ so it matches in the
		// watched dir itself
		pattern.match, err = glob.Compile(line)
		if err != nil {
			return fmt.Errorf("invalid ignore pattern %q", line)
		}
		m.patterns = append(m.patterns, pattern)

		pattern.match, err = glob.Compile(line[3:])
		if err != nil {
			return fmt.Errorf("invalid ignore pattern %q", line)
		}
		m.patterns = append(m.patterns, pattern)
		return nil
	}

	// Path name or pattern, add it so it matches files both in the
	// watched directory and in subdirs.
	pattern.match, err = glob.Compile(line)
	if err != nil {
		return fmt.Errorf("invalid ignore pattern %q", line)
	}
	m.patterns = append(m.patterns, pattern)

	pattern.match, err = glob.Compile("**/" + line)
	if err != nil {
		return fmt.Errorf("invalid ignore pattern %q", line)
	}
	m.patterns = append(m.patterns, pattern)
	return nil
}

// ShouldIgnore reports whether file, in native or slash separators and
// relative to the watched root, matches the patterns.
func (m *Matcher) ShouldIgnore(file string) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}

	file = filepath.ToSlash(file)
	var lowercaseFile string
	for _, pattern := range m.patterns {
		if pattern.foldCase {
			if lowercaseFile == "" {
				lowercaseFile = strings.ToLower(file)
			}
			if pattern.match.Match(lowercaseFile) {
				return pattern.include
			}
		} else if pattern.match.Match(file) {
			return pattern.include
		}
	}

	return false
}

// Patterns returns a list of the loaded patterns, as they've been parsed
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}

	patterns := make([]string, len(m.patterns))
	for i, pat := range m.patterns {
		patterns[i] = pat.String()
	}
	return patterns
}
