// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package automaxprocs sets GOMAXPROCS to match the Linux container CPU
// quota, if any. It has effect through being imported.
package automaxprocs

import (
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/autozimu/unison-fsmonitor/lib/logger"
)

var l = logger.DefaultLogger.NewFacility("automaxprocs", "Set GOMAXPROCS automatically")

func init() {
	maxprocs.Set(maxprocs.Logger(l.Debugf))
}
