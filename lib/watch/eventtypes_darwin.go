// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build darwin && !kqueue && cgo
// +build darwin,!kqueue,cgo

package watch

import "github.com/syncthing/notify"

const eventMask = notify.Create | notify.Remove | notify.Write | notify.Rename | notify.FSEventsInodeMetaMod

// FSEvents coalesces flags, so one event may carry several bits. Creation
// wins over later modification, removal over the rest.
func eventKind(ev notify.Event) Kind {
	switch {
	case ev&notify.Create != 0:
		return Created
	case ev&notify.Remove != 0:
		return Removed
	case ev&notify.Rename != 0:
		return RenamedFrom
	case ev&notify.FSEventsInodeMetaMod != 0:
		return AttrChanged
	}
	return Modified
}
