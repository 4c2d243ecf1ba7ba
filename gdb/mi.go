package gdb

import (
	"fmt"
	"strings"
)

// GDB's MI framing prefixes every output line with a sigil: streams
// (~ console, & log, @ target) carry a C-string payload, ^ carries the
// command result, and *, =, + carry async notifications. A bare
// "(gdb)" line terminates each output block.
type recordKind int

const (
	recordConsole recordKind = iota
	recordLog
	recordTarget
	recordAsync
	recordResult
	recordPrompt
	recordMalformed
)

type record struct {
	kind recordKind
	// text holds the unescaped stream payload, or the raw line for
	// async and malformed records.
	text string
	// class and msg are set on result records: class is "done",
	// "error", "connected" etc, msg the error message if any.
	class string
	msg   string
}

// parseRecord classifies one line of MI output. Lines that fit no MI
// production come back as recordMalformed rather than an error so the
// session can finish draining the block before reporting.
func parseRecord(line string) record {
	trimmed := strings.TrimRight(line, " \r")
	if strings.TrimSpace(trimmed) == "(gdb)" {
		return record{kind: recordPrompt}
	}
	if trimmed == "" {
		return record{kind: recordMalformed, text: line}
	}

	switch trimmed[0] {
	case '~':
		return streamRecord(recordConsole, trimmed[1:], line)
	case '&':
		return streamRecord(recordLog, trimmed[1:], line)
	case '@':
		return streamRecord(recordTarget, trimmed[1:], line)
	case '*', '=', '+':
		return record{kind: recordAsync, text: trimmed}
	case '^':
		class, detail, _ := strings.Cut(trimmed[1:], ",")
		if class == "" {
			return record{kind: recordMalformed, text: line}
		}
		rec := record{kind: recordResult, class: class}
		if msg, ok := extractMsg(detail); ok {
			rec.msg = msg
		}
		return rec
	}
	return record{kind: recordMalformed, text: line}
}

func streamRecord(kind recordKind, quoted, line string) record {
	payload, err := unquoteMI(quoted)
	if err != nil {
		return record{kind: recordMalformed, text: line}
	}
	return record{kind: kind, text: payload}
}

// unquoteMI strips the surrounding quotes from an MI C-string and
// resolves its escapes.
func unquoteMI(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", fmt.Errorf("not an MI string: %q", s)
	}
	return miUnescape(s[1 : len(s)-1]), nil
}

func miUnescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		default:
			// Unknown escape: keep it verbatim.
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// extractMsg pulls the msg="..." field out of a result record's
// detail, honoring escaped quotes.
func extractMsg(detail string) (string, bool) {
	const key = `msg="`
	start := strings.Index(detail, key)
	if start < 0 {
		return "", false
	}
	body := detail[start+len(key):]
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '\\':
			i++
		case '"':
			return miUnescape(body[:i]), true
		}
	}
	return "", false
}
