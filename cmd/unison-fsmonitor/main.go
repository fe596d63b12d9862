// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command unison-fsmonitor watches file system roots on behalf of a
// Unison instance. Unison starts it when given the -repeat watch option
// and speaks a line based protocol on stdin and stdout; this program
// answers with change notifications as they happen. Everything written
// to stdout belongs to that protocol, logging goes to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/posener/complete"
	"github.com/thejerf/suture/v4"
	"github.com/willabides/kongplete"

	"github.com/autozimu/unison-fsmonitor/lib/build"
	"github.com/autozimu/unison-fsmonitor/lib/config"
	"github.com/autozimu/unison-fsmonitor/lib/ignore"
	"github.com/autozimu/unison-fsmonitor/lib/logger"
	"github.com/autozimu/unison-fsmonitor/lib/monitor"
	"github.com/autozimu/unison-fsmonitor/lib/protocol"
	"github.com/autozimu/unison-fsmonitor/lib/roots"
	"github.com/autozimu/unison-fsmonitor/lib/svcutil"
	"github.com/autozimu/unison-fsmonitor/lib/watch"
	"github.com/autozimu/unison-fsmonitor/lib/watchaggregator"

	_ "github.com/autozimu/unison-fsmonitor/lib/automaxprocs"
)

var l = logger.DefaultLogger.NewFacility("main", "Startup and shutdown")

type cli struct {
	ConfigFile   string         `name:"config" placeholder:"PATH" env:"FSMONITOR_CONFIG" predictor:"file" help:"Configuration file to read"`
	Backend      *string        `placeholder:"NAME" env:"FSMONITOR_BACKEND" help:"Watch backend: auto, notify, fsnotify or poll"`
	Debounce     *time.Duration `placeholder:"DUR" env:"FSMONITOR_DEBOUNCE" help:"Quiet period before changes are reported"`
	PollInterval *time.Duration `placeholder:"DUR" env:"FSMONITOR_POLL_INTERVAL" help:"Scan interval of the poll backend"`
	Debug        *bool          `env:"FSMONITOR_DEBUG" help:"Enable debug logging"`
	Version      bool           `help:"Print version and exit"`

	Monitor            monitorCommand               `cmd:"" default:"1" help:"Answer a Unison instance on stdin and stdout (default)"`
	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Print commands to install shell completions"`
}

func main() {
	var params cli
	parser := kong.Must(&params,
		kong.Name(build.ProgramName),
		kong.Description("File watching helper for Unison."),
		kong.UsageOnError(),
	)
	kongplete.Complete(parser, kongplete.WithPredictor("file", complete.PredictFiles("*")))

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	err = ctx.Run(&params)
	parser.FatalIfErrorf(err)
}

type monitorCommand struct{}

func (monitorCommand) Run(params *cli) error {
	if params.Version {
		fmt.Println(build.LongVersion)
		return nil
	}
	return monitorMain(params)
}

func monitorMain(params *cli) error {
	path := params.ConfigFile
	if path == "" {
		// No user configuration directory just means no file to read.
		path, _ = config.DefaultPath()
	}
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}
	cfg = cfg.WithOverrides(config.Overrides{
		Backend:      params.Backend,
		Debounce:     params.Debounce,
		PollInterval: params.PollInterval,
		Debug:        params.Debug,
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Debug {
		for fac := range logger.DefaultLogger.Facilities() {
			logger.DefaultLogger.SetDebug(fac, true)
		}
	}
	l.Debugln("Starting", build.LongVersion)

	matcher, err := ignore.New(cfg.Ignore...)
	if err != nil {
		return fmt.Errorf("ignore patterns: %w", err)
	}
	backend, err := watch.New(cfg.BackendName(), watch.Options{
		Matcher:      matcher,
		PollInterval: time.Duration(cfg.PollInterval),
	})
	if err != nil {
		return fmt.Errorf("starting %s backend: %w", cfg.BackendName(), err)
	}

	reg := roots.NewRegistry()
	agg := watchaggregator.New(backend.Events(), reg, time.Duration(cfg.Debounce))
	session := monitor.New(protocol.NewConn(os.Stdin, os.Stdout), backend, reg)

	mainService := suture.New("main", svcutil.SpecWithDebugLogger(l))
	mainService.Add(agg)
	mainService.Add(session)
	mainService.Add(svcutil.AsService(waitForSignal, "main.waitForSignal"))
	stopped := make(chan struct{})
	svcutil.OnSupervisorDone(mainService, func() { close(stopped) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = <-mainService.ServeBackground(ctx)
	<-stopped
	if status := exitStatus(err); status != svcutil.ExitSuccess {
		os.Exit(status.AsInt())
	}
	return nil
}

// waitForSignal turns SIGINT and SIGTERM into a clean shutdown of the
// whole service tree.
func waitForSignal(ctx context.Context) error {
	stopSign := make(chan os.Signal, 1)
	sigTerm := syscall.Signal(15)
	signal.Notify(stopSign, os.Interrupt, sigTerm)
	defer signal.Stop(stopSign)

	select {
	case sig := <-stopSign:
		l.Debugf("Signal %d received; exiting", sig)
		return svcutil.AsFatalErr(fmt.Errorf("signal %d", sig), svcutil.ExitSuccess)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exitStatus maps the error the supervisor ended with to the status the
// process should exit with. A canceled context is a requested shutdown,
// not a failure.
func exitStatus(err error) svcutil.ExitStatus {
	if err == nil || errors.Is(err, context.Canceled) {
		return svcutil.ExitSuccess
	}
	var ferr *svcutil.FatalErr
	if errors.As(err, &ferr) {
		if ferr.Status != svcutil.ExitSuccess {
			l.Warnln("Exiting:", ferr.Err)
		}
		return ferr.Status
	}
	l.Warnln("Exiting:", err)
	return svcutil.ExitError
}
