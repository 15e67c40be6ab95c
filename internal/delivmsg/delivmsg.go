// Package delivmsg builds the in-memory "delivery message" of spec §3 out
// of a raw DATA stream: dot-unstuffing and bare-LF canonicalization,
// Return-Path prepending, and a lowercased-header-name cache index parsed
// via emersion/go-message/textproto (the same package the teacher's
// internal/target/remote uses for header handling).
package delivmsg

import (
	"bufio"
	"bytes"
	"errors"

	"github.com/emersion/go-message/textproto"

	"github.com/cyrusgo/cyrusgo/internal/mailerr"
)

var (
	// ErrNoBlankLine is returned when a message has no header/body
	// separator at all (spec §7: "Message ... no blank line").
	ErrNoBlankLine = errors.New("delivmsg: no header/body blank line")
	ErrContainsNul = errors.New("delivmsg: message body contains NUL")
	ErrContains8Bit = errors.New("delivmsg: message body contains 8-bit data")
)

// Canonicalize converts a dot-stuffed DATA payload (spec §4.H: everything
// the client sent between the "354" reply and its terminating ".\r\n")
// into a clean message body: exactly one leading dot is stripped from any
// line beginning with one, and every line ending is normalized to CRLF
// regardless of whether the client sent a bare LF.
func Canonicalize(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	i, n := 0, len(raw)
	for i < n {
		j := i
		for j < n && raw[j] != '\n' {
			j++
		}
		hasNL := j < n
		line := raw[i:j]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		out = append(out, line...)
		if hasNL {
			out = append(out, '\r', '\n')
		}
		i = j
		if hasNL {
			i++
		}
	}
	return out
}

// Message is the parsed view of one canonicalized delivery: the full
// message bytes (with Return-Path prepended), the header parsed via
// go-message/textproto, and a lowercased-name header-cache index (spec §3:
// "variable-width cache of ... headers", "keyed by lowercased header
// name").
type Message struct {
	Raw         []byte
	HeaderSize  int
	Header      textproto.Header
	HeaderIndex map[string][]string
}

// Parse prepends a Return-Path header built from returnPath (spec §4.H:
// "prepending a Return-Path: header") to an already-canonicalized body,
// then splits and parses the header block.
func Parse(returnPath string, canonicalBody []byte) (*Message, error) {
	full := append([]byte("Return-Path: <"+returnPath+">\r\n"), canonicalBody...)

	sep := bytes.Index(full, []byte("\r\n\r\n"))
	if sep < 0 {
		return nil, mailerr.New(mailerr.MessageNoBlankLine, ErrNoBlankLine)
	}
	headerSize := sep + 4

	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(full[:headerSize])))
	if err != nil {
		return nil, mailerr.New(mailerr.MessageBadHeader, err)
	}

	idx := map[string][]string{}
	fields := hdr.Fields()
	for fields.Next() {
		name := asciiLower(fields.Key())
		idx[name] = append(idx[name], fields.Value())
	}

	return &Message{
		Raw:         full,
		HeaderSize:  headerSize,
		Header:      hdr,
		HeaderIndex: idx,
	}, nil
}

// Body returns the message bytes following the header block.
func (m *Message) Body() []byte { return m.Raw[m.HeaderSize:] }

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// CheckContent validates a canonicalized body against spec §7's content
// rules: NUL bytes always fail; non-ASCII bytes fail unless allow8Bit is
// set (an LMTP session that negotiated 8BITMIME). Bare-LF is deliberately
// not checked here — Canonicalize already normalizes it, so by the time
// a body reaches this check it can no longer be "bare."
func CheckContent(body []byte, allow8Bit bool) error {
	for _, b := range body {
		if b == 0 {
			return mailerr.New(mailerr.MessageContainsNul, ErrContainsNul)
		}
		if !allow8Bit && b >= 0x80 {
			return mailerr.New(mailerr.MessageContains8bit, ErrContains8Bit)
		}
	}
	return nil
}
