// Package wire implements the line-oriented text protocol framing and the
// Message type shared by clients and peer servers. See README in
// DESIGN.md for the grammar this codec implements.
package wire

import (
	"fmt"
	"strings"
)

// Message holds a parsed protocol message.
type Message struct {
	// Prefix may be blank. It's optional.
	Prefix string

	// Command is always uppercase letters/underscore.
	Command string

	// Params is the ordered parameter list. The last element may contain
	// spaces if it was sent as the trailing parameter.
	Params []string
}

func (m Message) String() string {
	return fmt.Sprintf("Prefix [%s] Command [%s] Params%q", m.Prefix, m.Command, m.Params)
}

// SourceNick retrieves the nick portion of the prefix, if any.
func (m Message) SourceNick() string {
	idx := strings.Index(m.Prefix, "!")
	if idx == -1 {
		return m.Prefix
	}
	return m.Prefix[:idx]
}

// Arity gives the exact number of parameters a known command requires.
// A negative value v encodes "at least (-v - 1)" params, for commands that
// take a variable-length nick list. Commands not present here are treated
// as unknown: arity is not enforced by Parse, and it is up to the caller
// (a peer state) to reject them.
var arity = map[string]int{
	// Client -> Server
	"REGISTER":   2,
	"LOGIN":      1,
	"PASSWORD":   1,
	"LOGOUT":     0,
	"UNREGISTER": 0,
	"LIST":       0,
	"ISON":       -1, // 0 or more nicks
	"HELP":       0,
	"CREATE":     -3, // name, mode, then any number of nicks
	"DELETE":     -1, // channel name in LoggedIn, none scoped inside Conversation
	"JOIN":       1,
	"QUIT":       -1, // channel name in LoggedIn, none scoped inside Conversation
	"ADD":        -2, // 1 or more nicks; a leading channel name only outside Conversation
	"KICK":       -2,
	"NAMES":      0,
	"MSG":        2,
	"LEAVE":      0,

	// Server <-> Server
	"CONNECT":    1,
	"DISCONNECT": 0,
	"SYNC":       0,
}

// checkArity returns whether n params is an acceptable count for command,
// and whether the command's arity is known at all.
func checkArity(command string, n int) (ok bool, known bool) {
	want, known := arity[command]
	if !known {
		return true, false
	}
	if want >= 0 {
		return n == want, true
	}
	min := -want - 1
	return n >= min, true
}

// Parse parses a single LF-terminated (or bare) protocol line into a
// Message. It implements the five parsing rules in order:
//
//  1. empty input is rejected
//  2. an optional leading ":prefix " is split off
//  3. everything after the first ':' in the remainder is split off as
//     the trailing parameter
//  4. what's left is split on whitespace into command + params, with
//     trailing appended if present
//  5. the command must match [A-Za-z_]+ and, if known, its arity must match
func Parse(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.ToValidUTF8(line, "�")

	if len(line) == 0 {
		return Message{}, fmt.Errorf("empty")
	}

	rest := line
	prefix := ""
	if rest[0] == ':' {
		sp := strings.IndexByte(rest, ' ')
		if sp == -1 {
			return Message{}, fmt.Errorf("prefix with no command")
		}
		prefix = rest[1:sp]
		if prefix == "" {
			return Message{}, fmt.Errorf("empty prefix")
		}
		rest = rest[sp+1:]
	}

	trailing := ""
	hasTrailing := false
	if idx := strings.IndexByte(rest, ':'); idx != -1 {
		trailing = rest[idx+1:]
		hasTrailing = true
		rest = rest[:idx]
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Message{}, fmt.Errorf("no command")
	}

	command := strings.ToUpper(fields[0])
	if !isValidCommand(command) {
		return Message{}, fmt.Errorf("bad command")
	}

	params := append([]string{}, fields[1:]...)
	if hasTrailing {
		params = append(params, trailing)
	}

	if ok, known := checkArity(command, len(params)); known && !ok {
		return Message{}, fmt.Errorf("bad number of parameters")
	}

	return Message{Prefix: prefix, Command: command, Params: params}, nil
}

func isValidCommand(c string) bool {
	if c == "" {
		return false
	}
	for _, r := range c {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// Encode serializes a Message back into wire form, without a trailing LF.
// It is the inverse of Parse: Parse(Encode(m)) == m for any Message with a
// known command and matching arity.
func (m Message) Encode() string {
	var b strings.Builder

	if m.Prefix != "" {
		b.WriteByte(':')
		b.WriteString(m.Prefix)
		b.WriteByte(' ')
	}

	b.WriteString(m.Command)

	for i, p := range m.Params {
		b.WriteByte(' ')
		last := i == len(m.Params)-1
		if last && (strings.Contains(p, " ") || p == "" || strings.HasPrefix(p, ":")) {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}

	return b.String()
}
