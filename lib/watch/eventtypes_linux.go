// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build linux
// +build linux

package watch

import "github.com/syncthing/notify"

const eventMask = notify.Create | notify.Remove | notify.Write | notify.Rename | notify.InAttrib

// inotify delivers exactly one of the subscribed flags per event. Moves
// into the tree surface as Create, moves out as Rename.
func eventKind(ev notify.Event) Kind {
	switch {
	case ev&notify.Create != 0:
		return Created
	case ev&notify.Remove != 0:
		return Removed
	case ev&notify.Rename != 0:
		return RenamedFrom
	case ev&notify.InAttrib != 0:
		return AttrChanged
	}
	return Modified
}
