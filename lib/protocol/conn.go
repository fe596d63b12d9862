// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/autozimu/unison-fsmonitor/lib/sync"
)

// A ParseError describes a request line that could not be parsed. The
// stream itself is still intact and the session may answer with an error
// response and carry on.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// A Conn reads commands from and writes responses to a byte stream,
// typically standard input and output. Responses go out one line per
// write, unbuffered, so that a reply is never stuck in this process while
// the client blocks waiting for it.
type Conn struct {
	br  *bufio.Reader
	w   io.Writer
	mut sync.Mutex
}

func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		br:  bufio.NewReader(r),
		w:   w,
		mut: sync.NewMutex(),
	}
}

// ReadCommand returns the next command on the stream, skipping empty
// lines. A line that cannot be parsed is returned as a *ParseError; the
// caller may keep reading afterwards. On a clean end of stream it returns
// io.EOF.
func (c *Conn) ReadCommand() (Command, error) {
	for {
		line, err := c.br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			if err != nil {
				return Command{}, err
			}
			continue
		}
		// A trailing line without a newline still counts; the next read
		// will report the EOF.

		l.Debugln("read:", line)
		cmd, perr := ParseLine(line)
		if perr != nil {
			return Command{}, &ParseError{Line: line, Err: perr}
		}
		return cmd, nil
	}
}

// WriteLine sends one response line, percent-encoding each argument.
func (c *Conn) WriteLine(name string, args ...string) error {
	var sb strings.Builder
	sb.WriteString(name)
	for _, arg := range args {
		sb.WriteByte(' ')
		sb.WriteString(Encode(arg))
	}

	c.mut.Lock()
	defer c.mut.Unlock()
	l.Debugln("write:", sb.String())
	sb.WriteByte('\n')
	_, err := io.WriteString(c.w, sb.String())
	return err
}
