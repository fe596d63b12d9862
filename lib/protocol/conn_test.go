// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestConnReadCommand(t *testing.T) {
	in := "VERSION 1\n\nWAIT a%20b\nBAD %zz\nDONE"
	conn := NewConn(strings.NewReader(in), io.Discard)

	cmd, err := conn.ReadCommand()
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Name != CmdVersion || len(cmd.Args) != 1 || cmd.Args[0] != "1" {
		t.Errorf("unexpected command %v", cmd)
	}

	// The empty line is skipped.
	cmd, err = conn.ReadCommand()
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Name != CmdWait || cmd.Args[0] != "a b" {
		t.Errorf("unexpected command %v", cmd)
	}

	// The malformed line surfaces as a ParseError, not a dead stream.
	_, err = conn.ReadCommand()
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}

	// The final line lacks a newline but is still a command.
	cmd, err = conn.ReadCommand()
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Name != CmdDone {
		t.Errorf("unexpected command %v", cmd)
	}

	if _, err = conn.ReadCommand(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestConnWriteLine(t *testing.T) {
	buf := new(bytes.Buffer)
	conn := NewConn(strings.NewReader(""), buf)

	if err := conn.WriteLine(RespOK); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteLine(RespChanges, "123abc"); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteLine(RespRecursive, "sub dir/x"); err != nil {
		t.Fatal(err)
	}

	want := "OK\nCHANGES 123abc\nRECURSIVE sub%20dir/x\n"
	if got := buf.String(); got != want {
		t.Errorf("unexpected output %q, expected %q", got, want)
	}
}

func TestConnWriteError(t *testing.T) {
	conn := NewConn(strings.NewReader(""), failWriter{})
	if err := conn.WriteLine(RespOK); err == nil {
		t.Error("expected write error")
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}
