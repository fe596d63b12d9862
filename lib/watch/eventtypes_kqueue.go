// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build dragonfly || freebsd || netbsd || openbsd || (darwin && kqueue)
// +build dragonfly freebsd netbsd openbsd darwin,kqueue

package watch

import "github.com/syncthing/notify"

const eventMask = notify.NoteDelete | notify.NoteWrite | notify.NoteRename | notify.NoteAttrib

// kqueue reports directory writes for entries coming and going; there is
// no distinct creation flag.
func eventKind(ev notify.Event) Kind {
	switch {
	case ev&notify.NoteDelete != 0:
		return Removed
	case ev&notify.NoteRename != 0:
		return RenamedFrom
	case ev&notify.NoteAttrib != 0:
		return AttrChanged
	}
	return Modified
}
