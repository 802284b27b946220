// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package tirc

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	eventSpace     byte = 0x20 // Separator.
	maxLength           = 510 // Max line length, excluding the trailing CRLF.
	prefixTagValue byte = 0x3D // "="
	tagSeparator   byte = 0x3B // ";"
	maxTagLength   int  = 511
)

// ErrMalformedMessage is returned by ParseMessage when a line has no
// command token to extract.
var ErrMalformedMessage = errors.New("tirc: malformed message: missing command")

// Tags represents the key-value pairs of an IRCv3 message-tags prefix. Get
// and Set operate on the decoded (unescaped) value; the map itself stores
// the wire-encoded value.
type Tags map[string]string

// ParseTags parses the tag-only portion of a line, e.g.
// "aaa=bbb;ccc;example.com/ddd=eee" (no leading "@", no trailing space).
func ParseTags(raw string) Tags {
	t := make(Tags)

	if len(raw) > 0 && raw[0] == prefixTag {
		raw = raw[1:]
	}

	for _, part := range strings.Split(raw, string(tagSeparator)) {
		if part == "" {
			continue
		}

		eq := strings.IndexByte(part, prefixTagValue)
		if eq < 1 || len(part) < eq+1 {
			if validTagKey(part) {
				t[part] = ""
			}
			continue
		}

		key, val := part[:eq], part[eq+1:]
		if !validTagKey(key) {
			continue
		}

		t[key] = val
	}

	return t
}

// Get returns the decoded value of key, unescaping IRCv3 tag escapes
// (\: \s \\ \r \n; an unknown escape preserves the following character).
func (t Tags) Get(key string) (value string, ok bool) {
	raw, ok := t[key]
	if !ok {
		return "", false
	}
	return unescapeTagValue(raw), true
}

// Set escapes value and stores it under key.
func (t Tags) Set(key, value string) {
	t[key] = escapeTagValue(value)
}

func unescapeTagValue(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i == len(raw)-1 {
			b.WriteByte(raw[i])
			continue
		}

		next := raw[i+1]
		switch next {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			// Unknown escape: preserve the following character, drop the backslash.
			b.WriteByte(next)
		}
		i++
	}

	return b.String()
}

func escapeTagValue(value string) string {
	replacer := strings.NewReplacer(
		"\\", "\\\\",
		";", "\\:",
		" ", "\\s",
		"\r", "\\r",
		"\n", "\\n",
	)
	return replacer.Replace(value)
}

func validTagKey(key string) bool {
	if key == "" {
		return false
	}
	if key[0] == '+' {
		key = key[1:]
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		alnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !alnum && c != '-' && c != '.' && c != '/' && c != '_' {
			return false
		}
	}
	return true
}

func (t Tags) bytes() []byte {
	if len(t) == 0 {
		return nil
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(prefixTag)

	i, n := 0, len(t)
	for k, v := range t {
		if buf.Len()+len(k)+len(v)+2 > maxTagLength {
			break
		}
		buf.WriteString(k)
		if v != "" {
			buf.WriteByte(prefixTagValue)
			buf.WriteString(v)
		}
		if i < n-1 {
			buf.WriteByte(tagSeparator)
		}
		i++
	}

	return buf.Bytes()
}

// ParsedMessage is an immutable, fully decoded IRC line: tags, source,
// command (or numeric), middle parameters, and an optional trailing
// parameter.
type ParsedMessage struct {
	Tags          Tags
	Source        *Source
	Command       string // uppercase token, or the numeric's 3 digits.
	Numeric       int    // 0 if Command is not a 3-digit numeric.
	Params        []string
	Trailing      string
	HasTrailing   bool
	EmptyTrailing bool
}

// SourceNick returns the portion of the source before "!", or "" if there
// is no source.
func (m *ParsedMessage) SourceNick() string {
	if m.Source == nil {
		return ""
	}
	return m.Source.Name
}

// AllParams returns Params with Trailing appended, preserving wire order.
func (m *ParsedMessage) AllParams() []string {
	if !m.HasTrailing {
		return m.Params
	}
	out := make([]string, 0, len(m.Params)+1)
	out = append(out, m.Params...)
	out = append(out, m.Trailing)
	return out
}

// ParseMessage tokenizes a single wire line (without the trailing \r\n)
// into a ParsedMessage. It never panics; it returns ErrMalformedMessage
// only when no command token is present.
func ParseMessage(raw string) (*ParsedMessage, error) {
	raw = strings.TrimRight(raw, "\r\n")
	if raw == "" {
		return nil, ErrMalformedMessage
	}

	m := &ParsedMessage{}

	if raw[0] == prefixTag {
		sp := strings.IndexByte(raw, eventSpace)
		if sp < 2 {
			return nil, ErrMalformedMessage
		}
		m.Tags = ParseTags(raw[1:sp])
		raw = strings.TrimLeft(raw[sp+1:], " ")
	}

	if raw == "" {
		return nil, ErrMalformedMessage
	}

	if raw[0] == prefix {
		sp := strings.IndexByte(raw, eventSpace)
		if sp < 2 {
			return nil, ErrMalformedMessage
		}
		m.Source = ParseSource(raw[1:sp])
		raw = strings.TrimLeft(raw[sp+1:], " ")
	}

	if raw == "" {
		return nil, ErrMalformedMessage
	}

	// Split command from the rest.
	var rest string
	if sp := strings.IndexByte(raw, eventSpace); sp >= 0 {
		m.Command = strings.ToUpper(raw[:sp])
		rest = strings.TrimLeft(raw[sp+1:], " ")
	} else {
		m.Command = strings.ToUpper(raw)
		rest = ""
	}

	if m.Command == "" {
		return nil, ErrMalformedMessage
	}

	if len(m.Command) == 3 {
		if n, err := strconv.Atoi(m.Command); err == nil {
			m.Numeric = n
		}
	}

	for rest != "" {
		if rest[0] == prefix {
			m.Trailing = rest[1:]
			m.HasTrailing = true
			if m.Trailing == "" {
				m.EmptyTrailing = true
			}
			break
		}

		sp := strings.IndexByte(rest, eventSpace)
		if sp < 0 {
			m.Params = append(m.Params, rest)
			break
		}

		m.Params = append(m.Params, rest[:sp])
		rest = strings.TrimLeft(rest[sp+1:], " ")
	}

	return m, nil
}

// Serialize renders m back to wire form, without the trailing \r\n (added
// by the transport, not the codec). It panics if a parameter contains an
// embedded CR/LF; no outbound parameter may ever carry one.
func (m *ParsedMessage) Serialize() string {
	var b strings.Builder

	if len(m.Tags) > 0 {
		b.Write(m.Tags.bytes())
		b.WriteByte(eventSpace)
	}

	if m.Source != nil {
		b.WriteByte(prefix)
		b.WriteString(m.Source.String())
		b.WriteByte(eventSpace)
	}

	b.WriteString(m.Command)

	for _, p := range m.Params {
		if strings.ContainsAny(p, "\r\n") {
			panic(fmt.Sprintf("tirc: parameter contains CR/LF: %q", p))
		}
		b.WriteByte(eventSpace)
		b.WriteString(p)
	}

	if m.HasTrailing || m.EmptyTrailing {
		if strings.ContainsAny(m.Trailing, "\r\n") {
			panic(fmt.Sprintf("tirc: trailing parameter contains CR/LF: %q", m.Trailing))
		}
		b.WriteByte(eventSpace)
		b.WriteByte(prefix)
		b.WriteString(m.Trailing)
	} else if len(m.Params) > 0 {
		// A final parameter with a space or a leading ':' must be sent as
		// trailing.
		last := m.Params[len(m.Params)-1]
		if strings.ContainsRune(last, ' ') || strings.HasPrefix(last, ":") {
			// Re-render with the last param promoted to trailing.
			m2 := *m
			m2.Params = m.Params[:len(m.Params)-1]
			m2.Trailing = last
			m2.HasTrailing = true
			return m2.Serialize()
		}
	}

	out := b.String()
	if len(out) > maxLength {
		// Truncate, never split mid-rune.
		end := maxLength
		for end > 0 && !utf8.RuneStart(out[end]) {
			end--
		}
		out = out[:end]
	}

	return out
}

// NewMessage constructs a ParsedMessage with params and an optional
// trailing parameter (pass "" and false to omit trailing).
func NewMessage(command string, params []string, trailing string, hasTrailing bool) *ParsedMessage {
	return &ParsedMessage{
		Command:     strings.ToUpper(command),
		Params:      params,
		Trailing:    trailing,
		HasTrailing: hasTrailing,
	}
}

// Split512 splits an outbound message whose trailing text is too long to
// fit within the 512-byte wire limit into multiple messages, breaking on
// word boundaries where possible. prefixOverhead accounts for bytes the
// caller's own source prefix will add once the transport prepends it.
func Split512(m *ParsedMessage, prefixOverhead int) []*ParsedMessage {
	const maxIRCLen = 512 - 2 // minus \r\n

	base := *m
	base.Trailing = ""
	base.HasTrailing = false
	baseLen := len(base.Serialize()) + prefixOverhead

	maxTextLen := maxIRCLen - baseLen - len(" :")
	if maxTextLen <= 0 || !m.HasTrailing || len(m.Trailing) <= maxTextLen {
		return []*ParsedMessage{m}
	}

	var out []*ParsedMessage
	text := m.Trailing

	for len(text) > maxTextLen {
		cut := strings.LastIndexByte(text[:maxTextLen], ' ')
		if cut <= 0 {
			cut = maxTextLen
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		} else {
			cut++ // include the separator in the consumed prefix.
		}

		piece := *m
		piece.Trailing = text[:cut]
		piece.HasTrailing = true
		out = append(out, &piece)
		text = text[cut:]
	}

	last := *m
	last.Trailing = text
	last.HasTrailing = true
	out = append(out, &last)

	return out
}
