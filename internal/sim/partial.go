package sim

import (
	"encoding/json"
	"strings"
)

// CompletePartialJSON repairs a truncated JSON document so it parses.
// Streamed structured output arrives as a growing prefix of the final
// document; closing the open strings and containers lets each
// intermediate prefix decode into a partial value.
//
// Returns false when the input holds no JSON object or array prefix.
func CompletePartialJSON(data string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" {
		return nil, false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, false
	}

	var stack []byte
	inString := false
	escaped := false
	lastSignificant := byte(0)

	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]

		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
				lastSignificant = '"'
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
			lastSignificant = c
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			lastSignificant = c
		case ' ', '\t', '\n', '\r':
		default:
			lastSignificant = c
		}
	}

	var b strings.Builder
	b.WriteString(trimmed)

	if inString {
		if escaped {
			// Drop the dangling backslash before closing the string.
			s := b.String()
			b.Reset()
			b.WriteString(s[:len(s)-1])
		}
		b.WriteByte('"')
		lastSignificant = '"'
	}

	// A trailing comma or colon leaves the container invalid once
	// closed; a comma is dropped, a half-written pair gets null.
	switch lastSignificant {
	case ',':
		s := strings.TrimRight(b.String(), " \t\n\r")
		b.Reset()
		b.WriteString(s[:len(s)-1])
	case ':':
		b.WriteString("null")
	}

	var closers strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			closers.WriteByte('}')
		} else {
			closers.WriteByte(']')
		}
	}

	if out := json.RawMessage(b.String() + closers.String()); json.Valid(out) {
		return out, true
	}

	// The cut may have landed inside an object key, leaving a closed
	// string with no value. Pairing it with null salvages the prefix.
	if out := json.RawMessage(b.String() + ":null" + closers.String()); json.Valid(out) {
		return out, true
	}

	return nil, false
}
