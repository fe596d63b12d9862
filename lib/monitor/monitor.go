// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package monitor drives one client session over the monitor protocol:
// the version handshake, replica registration with its dialogue, and the
// wait, changes and reset commands. The session owns the command stream
// and the watch backend; it shares the root registry with the aggregator,
// which supplies the dirty state reported here.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strconv"
	"unicode/utf8"

	"github.com/autozimu/unison-fsmonitor/lib/logger"
	"github.com/autozimu/unison-fsmonitor/lib/protocol"
	"github.com/autozimu/unison-fsmonitor/lib/roots"
	"github.com/autozimu/unison-fsmonitor/lib/svcutil"
	"github.com/autozimu/unison-fsmonitor/lib/watch"
)

// linkErrorMsg is what Unison expects, verbatim, when it probes whether we
// can follow symlinks.
const linkErrorMsg = "link following is not supported, please disable this option (-links)"

var errStreamClosed = errors.New("command stream closed")

// A readResult is one parsed command, or the read error that ended the
// stream. Parse errors leave the stream usable and are answered inline.
type readResult struct {
	cmd protocol.Command
	err error
}

// A Session serves one client connection. It is a suture service; Serve
// returns a svcutil.FatalErr carrying the process exit status once the
// client goes away or the protocol is violated beyond repair.
type Session struct {
	conn    *protocol.Conn
	backend watch.Backend
	reg     *roots.Registry

	commands chan readResult
	deferred []readResult
}

// New returns a Session speaking the monitor protocol on conn, watching
// through backend and reporting the dirty state tracked in reg.
func New(conn *protocol.Conn, backend watch.Backend, reg *roots.Registry) *Session {
	return &Session{
		conn:     conn,
		backend:  backend,
		reg:      reg,
		commands: make(chan readResult),
	}
}

func (s *Session) String() string {
	return "session"
}

// Serve runs the session until the client closes the stream (clean exit),
// the protocol fails fatally, or ctx is cancelled. All watches are
// released and the backend closed on the way out.
func (s *Session) Serve(ctx context.Context) error {
	defer s.shutdown()

	go s.readCommands(ctx)

	if err := s.handshake(ctx); err != nil {
		return err
	}
	l.Debugln("handshake done, serving commands")

	for {
		res, ok := s.nextCommand(ctx)
		if !ok {
			return ctx.Err()
		}
		if res.err != nil {
			var perr *protocol.ParseError
			if errors.As(res.err, &perr) {
				if err := s.sendError(perr.Error()); err != nil {
					return err
				}
				continue
			}
			return s.streamEnded(res.err)
		}
		if err := s.dispatch(ctx, res.cmd); err != nil {
			return err
		}
	}
}

// readCommands feeds parsed commands to the session loop. It runs until
// the stream ends or ctx is cancelled. A read blocked on stdin cannot be
// interrupted; on cancellation the goroutine is left to die with the
// process.
func (s *Session) readCommands(ctx context.Context) {
	defer close(s.commands)
	for {
		cmd, err := s.conn.ReadCommand()
		select {
		case s.commands <- readResult{cmd: cmd, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			var perr *protocol.ParseError
			if !errors.As(err, &perr) {
				return
			}
		}
	}
}

// nextCommand returns the next command to process, deferred ones first.
// ok is false when ctx ended the session.
func (s *Session) nextCommand(ctx context.Context) (readResult, bool) {
	if len(s.deferred) > 0 {
		res := s.deferred[0]
		s.deferred = s.deferred[1:]
		return res, true
	}
	select {
	case res, ok := <-s.commands:
		if !ok {
			return readResult{err: io.EOF}, true
		}
		return res, true
	case <-ctx.Done():
		return readResult{}, false
	}
}

// handshake performs the version exchange. The first command must be
// VERSION with a positive version number; everything else, including a
// line we cannot parse, is fatal.
func (s *Session) handshake(ctx context.Context) error {
	res, ok := s.nextCommand(ctx)
	if !ok {
		return ctx.Err()
	}
	if res.err != nil {
		var perr *protocol.ParseError
		if errors.As(res.err, &perr) {
			return s.fatalf("expected version handshake: %s", perr.Error())
		}
		return s.streamEnded(res.err)
	}

	cmd := res.cmd
	if cmd.Name != protocol.CmdVersion || len(cmd.Args) == 0 {
		return s.fatalf("expected version handshake, not %s", cmd.Name)
	}
	if v, err := strconv.Atoi(cmd.Args[0]); err != nil || v < 1 {
		return s.fatalf("unsupported protocol version %q", cmd.Args[0])
	}
	return s.writeLine(protocol.RespVersion, strconv.Itoa(protocol.Version))
}

func (s *Session) dispatch(ctx context.Context, cmd protocol.Command) error {
	switch cmd.Name {
	case protocol.CmdDebug:
		s.enableDebug()
		return nil
	case protocol.CmdStart:
		return s.handleStart(ctx, cmd.Args)
	case protocol.CmdWait:
		return s.handleWait(ctx, cmd.Args)
	case protocol.CmdChanges:
		return s.handleChanges(cmd.Args)
	case protocol.CmdReset:
		return s.handleReset(cmd.Args)
	default:
		return s.sendError("unexpected command: " + cmd.Name)
	}
}

// handleStart registers a replica and runs the registration dialogue that
// follows a successful watch.
func (s *Session) handleStart(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return s.sendError("START expects a replica and a path")
	}
	id, fspath := args[0], args[1]
	var sub string
	if len(args) > 2 {
		sub = args[2]
	}
	if !utf8.ValidString(fspath) || !utf8.ValidString(sub) {
		return s.sendError("path is not valid UTF-8")
	}

	abs, err := filepath.Abs(fspath)
	if err != nil {
		return s.sendError(fmt.Sprintf("resolving %s: %s", fspath, err))
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	target := abs
	if sub != "" {
		target = filepath.Join(abs, filepath.FromSlash(sub))
	}

	handle, err := s.backend.Watch(target, true)
	if err != nil {
		l.Infof("watching %s: %v", target, err)
		if errors.Is(err, watch.ErrWatchLimit) {
			return s.sendError("failed to setup inotify handler. Please increase inotify limits (fs.inotify.max_user_watches)")
		}
		return s.sendError(err.Error())
	}

	if old, ok := s.reg.Add(roots.Root{ID: id, Fspath: abs, Subpath: sub, Handle: handle}); ok {
		// The client started this replica over. The watch belonging
		// to the previous registration is released, the new one
		// starts out clean.
		s.backend.Unwatch(old.Handle)
	}
	l.Debugf("watching replica %s at %s (handle %d)", id, target, handle)

	if err := s.writeLine(protocol.RespOK); err != nil {
		return err
	}
	return s.runDialogue(ctx)
}

// runDialogue consumes the registration dialogue following a successful
// START: the client announces directories and symlinks it knows about and
// finishes with DONE. The stream ending here is a fatal error, the client
// never abandons a registration half way.
func (s *Session) runDialogue(ctx context.Context) error {
	for {
		res, ok := s.nextCommand(ctx)
		if !ok {
			return ctx.Err()
		}
		if res.err != nil {
			var perr *protocol.ParseError
			if errors.As(res.err, &perr) {
				if err := s.sendError(perr.Error()); err != nil {
					return err
				}
				continue
			}
			return svcutil.AsFatalErr(fmt.Errorf("stream ended during registration: %w", res.err), svcutil.ExitError)
		}

		switch res.cmd.Name {
		case protocol.CmdDir, protocol.CmdAck:
			if err := s.writeLine(protocol.RespOK); err != nil {
				return err
			}
		case protocol.CmdLink:
			if err := s.sendError(linkErrorMsg); err != nil {
				return err
			}
		case protocol.CmdDone:
			return nil
		default:
			if err := s.sendError("unexpected command: " + res.cmd.Name); err != nil {
				return err
			}
		}
	}
}

// handleWait blocks until one of the named replicas has changes, then
// reports every named replica that does. Nothing is cleared; the client
// collects with CHANGES. Consecutive WAIT commands received while blocked
// join the same round, anything else is put aside until the round is
// over.
func (s *Session) handleWait(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return s.sendError("WAIT expects a replica")
	}

	waiting := make([]string, 0, len(args))
	if err := s.armWait(&waiting, args); err != nil {
		return err
	}
	if len(waiting) == 0 {
		// All named replicas were unknown; the error reply has been
		// sent and there is nothing to block on.
		return nil
	}

	for {
		// Grab the broadcast channel before checking so a transition
		// between the check and the select still wakes us.
		changed := s.reg.Changed()

		if dirty := s.reg.NonClean(waiting); len(dirty) > 0 {
			for _, id := range dirty {
				if err := s.writeLine(protocol.RespChanges, id); err != nil {
					return err
				}
			}
			return nil
		}

		select {
		case <-changed:
		case res, ok := <-s.commands:
			if !ok {
				res = readResult{err: io.EOF}
			}
			if res.err != nil {
				var perr *protocol.ParseError
				if errors.As(res.err, &perr) {
					if err := s.sendError(perr.Error()); err != nil {
						return err
					}
					continue
				}
				// Stream gone. Unblock and shut down instead of
				// waiting forever.
				return s.streamEnded(res.err)
			}
			if res.cmd.Name == protocol.CmdWait && len(s.deferred) == 0 {
				if err := s.armWait(&waiting, res.cmd.Args); err != nil {
					return err
				}
				continue
			}
			s.deferred = append(s.deferred, res)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// armWait validates ids and adds them to the current wait round. Unknown
// replicas fail the command without disturbing the ids already armed.
func (s *Session) armWait(waiting *[]string, ids []string) error {
	for _, id := range ids {
		if _, ok := s.reg.Get(id); !ok {
			return s.sendError("unknown replica: " + id)
		}
	}
	for _, id := range ids {
		found := false
		for _, w := range *waiting {
			if w == id {
				found = true
				break
			}
		}
		if !found {
			*waiting = append(*waiting, id)
		}
	}
	l.Debugln("waiting on", *waiting)
	return nil
}

// handleChanges reports and clears the recorded changes for one replica:
// zero or more RECURSIVE lines followed by DONE.
func (s *Session) handleChanges(args []string) error {
	if len(args) != 1 {
		return s.sendError("CHANGES expects a replica")
	}
	id := args[0]
	r, ok := s.reg.Get(id)
	if !ok {
		return s.sendError("unknown replica: " + id)
	}

	overflowed, paths, _ := s.reg.Acknowledge(id)
	if overflowed {
		// Detail was lost, so the whole watched subtree must be
		// rescanned.
		if err := s.writeLine(protocol.RespRecursive, filepath.ToSlash(r.Subpath)); err != nil {
			return err
		}
	} else {
		for _, p := range paths {
			if err := s.writeLine(protocol.RespRecursive, reportPath(r.Subpath, p)); err != nil {
				return err
			}
		}
	}
	return s.writeLine(protocol.RespDone)
}

// handleReset stops watching a replica. There is no reply, and resetting
// an unknown replica is not an error.
func (s *Session) handleReset(args []string) error {
	if len(args) != 1 {
		return s.sendError("RESET expects a replica")
	}
	r, ok := s.reg.Remove(args[0])
	if !ok {
		l.Debugln("reset of unknown replica:", args[0])
		return nil
	}
	s.backend.Unwatch(r.Handle)
	l.Debugf("stopped watching replica %s (handle %d)", r.ID, r.Handle)
	return nil
}

// enableDebug turns on debug logging for every facility. Logging goes to
// standard error so this cannot disturb the protocol stream.
func (s *Session) enableDebug() {
	for fac := range logger.DefaultLogger.Facilities() {
		logger.DefaultLogger.SetDebug(fac, true)
	}
	l.Infoln("debug logging enabled by client")
}

// shutdown releases every watch and closes the backend so that native
// resources never outlive the client, however the session ended.
func (s *Session) shutdown() {
	for _, r := range s.reg.All() {
		s.reg.Remove(r.ID)
		s.backend.Unwatch(r.Handle)
	}
	if err := s.backend.Close(); err != nil {
		l.Warnln("closing backend:", err)
	}
	l.Debugln("session closed")
}

// writeLine sends one response line. A failed write means the client is
// gone or the pipe is broken, which ends the session.
func (s *Session) writeLine(name string, args ...string) error {
	if err := s.conn.WriteLine(name, args...); err != nil {
		return svcutil.AsFatalErr(fmt.Errorf("writing response: %w", err), svcutil.ExitError)
	}
	return nil
}

// sendError reports a survivable protocol error to the client.
func (s *Session) sendError(msg string) error {
	l.Infoln("protocol error:", msg)
	return s.writeLine(protocol.RespError, msg)
}

// fatalf reports a protocol error the session cannot continue from and
// returns the fatal error to exit with.
func (s *Session) fatalf(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	l.Warnln("fatal protocol error:", msg)
	if err := s.writeLine(protocol.RespError, msg); err != nil {
		return err
	}
	return svcutil.AsFatalErr(errors.New(msg), svcutil.ExitError)
}

// streamEnded maps the error that ended the command stream to the session
// outcome. A clean end of file is the normal shutdown path.
func (s *Session) streamEnded(err error) error {
	if errors.Is(err, io.EOF) {
		l.Debugln("client closed the command stream")
		return svcutil.AsFatalErr(errStreamClosed, svcutil.ExitSuccess)
	}
	l.Warnln("reading command:", err)
	return svcutil.AsFatalErr(err, svcutil.ExitError)
}

// reportPath converts a path relative to the watch target into the
// replica relative, slash separated form used on RECURSIVE lines. The
// event path "." means the target itself.
func reportPath(sub, rel string) string {
	rel = filepath.ToSlash(rel)
	if rel == "." {
		rel = ""
	}
	joined := path.Join(filepath.ToSlash(sub), rel)
	if joined == "." {
		return ""
	}
	return joined
}
