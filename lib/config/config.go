// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config loads the monitor configuration. Unison spawns the
// monitor without arguments, so everything of consequence lives in a YAML
// file; command line flags and FSMONITOR_* environment variables override
// it for manual runs.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/autozimu/unison-fsmonitor/lib/watch"
)

// BackendAuto selects the preferred backend for the platform.
const BackendAuto = "auto"

// A Duration is a time.Duration that marshals as a string with a unit,
// the form people write in configuration files.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf(`durations take a unit, e.g. "10ms": %w`, err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the monitor configuration, as read from the configuration
// file. Durations take a unit ("10ms", "2s").
type Config struct {
	// Backend names the watch backend: notify, fsnotify, poll, or auto
	// to pick the platform default.
	Backend string `json:"backend,omitempty"`
	// Debounce is the quiescence interval before changes are reported.
	Debounce Duration `json:"debounce,omitempty"`
	// PollInterval is the scan cadence of the poll backend.
	PollInterval Duration `json:"pollInterval,omitempty"`
	// Ignore lists glob patterns for paths never worth reporting.
	Ignore []string `json:"ignore,omitempty"`
	// Debug enables debug logging for all facilities.
	Debug bool `json:"debug,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Backend:      BackendAuto,
		Debounce:     Duration(10 * time.Millisecond),
		PollInterval: Duration(time.Second),
	}
}

// DefaultPath returns the platform appropriate configuration file
// location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "unison-fsmonitor", "config.yaml"), nil
}

// Load reads the configuration file at path on top of the defaults. A
// missing file is not an error, it simply means the defaults. A file that
// exists but does not parse or validate is an error; falling back
// silently would hide a broken setup.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, err
	}

	// Unmarshalling on top of the defaults keeps them for keys the file
	// does not mention.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("in %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise surface as confusing
// runtime behavior.
func (c Config) Validate() error {
	switch c.Backend {
	case "", BackendAuto, watch.BackendNotify, watch.BackendFsnotify, watch.BackendPoll:
	default:
		return fmt.Errorf("unknown watch backend %q", c.Backend)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("debounce must be positive, not %s", c.Debounce)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, not %s", c.PollInterval)
	}
	return nil
}

// BackendName resolves the configured backend to a name watch.New
// accepts.
func (c Config) BackendName() string {
	if c.Backend == "" || c.Backend == BackendAuto {
		return watch.DefaultBackendName()
	}
	return c.Backend
}

// Overrides carries the settings given on the command line or in the
// environment. Nil fields are not overridden.
type Overrides struct {
	Backend      *string
	Debounce     *time.Duration
	PollInterval *time.Duration
	Debug        *bool
}

// WithOverrides returns the configuration with the given overrides
// applied on top.
func (c Config) WithOverrides(o Overrides) Config {
	if o.Backend != nil {
		c.Backend = *o.Backend
	}
	if o.Debounce != nil {
		c.Debounce = Duration(*o.Debounce)
	}
	if o.PollInterval != nil {
		c.PollInterval = Duration(*o.PollInterval)
	}
	if o.Debug != nil {
		c.Debug = *o.Debug
	}
	return c
}
