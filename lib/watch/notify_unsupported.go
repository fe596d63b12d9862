// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build (solaris && !cgo) || (darwin && !cgo) || (android && amd64)
// +build solaris,!cgo darwin,!cgo android,amd64

package watch

import "errors"

func newNotifyBackend(Options) (Backend, error) {
	return nil, errors.New("notify backend is not supported on this platform")
}
