// Copyright (C) 2024 The Unison-Fsmonitor Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package protocol implements the line oriented monitor protocol spoken
// between Unison and this process over standard input and output. Each
// message is one line: a command word followed by space separated,
// percent-encoded arguments.
package protocol

import (
	"fmt"
	"strings"
)

// Version is the protocol version we implement.
const Version = 1

// Commands sent by the client.
const (
	CmdVersion = "VERSION"
	CmdDebug   = "DEBUG"
	CmdStart   = "START"
	CmdDir     = "DIR"
	CmdLink    = "LINK"
	CmdDone    = "DONE"
	CmdWait    = "WAIT"
	CmdChanges = "CHANGES"
	CmdReset   = "RESET"
	CmdAck     = "ACK"
)

// Responses sent by the monitor.
const (
	RespVersion   = "VERSION"
	RespOK        = "OK"
	RespError     = "ERROR"
	RespChanges   = "CHANGES"
	RespRecursive = "RECURSIVE"
	RespDone      = "DONE"
)

// A Command is one parsed request line. Args are in decoded form.
type Command struct {
	Name string
	Args []string
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// ParseLine parses a single request line into a Command. The command word
// is taken verbatim, the remaining fields are percent-decoded.
func ParseLine(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command line")
	}
	cmd := Command{Name: fields[0]}
	if len(fields) > 1 {
		cmd.Args = make([]string, 0, len(fields)-1)
		for _, f := range fields[1:] {
			arg, err := Decode(f)
			if err != nil {
				return Command{}, err
			}
			cmd.Args = append(cmd.Args, arg)
		}
	}
	return cmd, nil
}

const upperhex = "0123456789ABCDEF"

// safeByte reports whether b may appear unescaped in an argument. The set
// deliberately excludes space so that arguments survive field splitting on
// the far side.
func safeByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '~' || b == '/' || b == '-':
		return true
	}
	return false
}

// Encode percent-encodes every byte of s outside the safe set.
func Encode(s string) string {
	i := 0
	for i < len(s) && safeByte(s[i]) {
		i++
	}
	if i == len(s) {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s) + 8)
	sb.WriteString(s[:i])
	for ; i < len(s); i++ {
		if b := s[i]; safeByte(b) {
			sb.WriteByte(b)
		} else {
			sb.WriteByte('%')
			sb.WriteByte(upperhex[b>>4])
			sb.WriteByte(upperhex[b&0xf])
		}
	}
	return sb.String()
}

// Decode reverses Encode. Hex digits are accepted in either case. A
// truncated or malformed escape is an error.
func Decode(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}

	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			sb.WriteByte(s[i])
			continue
		}
		if i+3 > len(s) {
			return "", fmt.Errorf("truncated percent escape in %q", s)
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("invalid percent escape %q", s[i:i+3])
		}
		sb.WriteByte(hi<<4 | lo)
		i += 2
	}
	return sb.String(), nil
}

func unhex(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}
