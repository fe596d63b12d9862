// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build linux
// +build linux

package watch

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// reachedMaxUserWatches reports whether err means the inotify watch or
// instance quota is exhausted (fs.inotify.max_user_watches and friends).
func reachedMaxUserWatches(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == unix.EMFILE || errno == unix.ENOSPC
	}
	return false
}
