package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Header blob format: one "Name: value" pair per line, continuation lines of
// a multi-line value indented with whitespace, "#"-prefixed lines reserved
// for metadata and ignored, and a blank line (or EOF) terminating the block.

// continuationIndent is emitted before each continuation line of a
// multi-line value. Any run of spaces or tabs is accepted on decode.
const continuationIndent = "    "

var (
	// ErrMissingColon indicates a header line with no name/value separator.
	ErrMissingColon = errors.New("header line is missing a colon")
	// ErrEmptyHeaderName indicates a header line beginning with a colon.
	ErrEmptyHeaderName = errors.New("header line has an empty name")
	// ErrBareContinuation indicates a continuation line with no preceding
	// header.
	ErrBareContinuation = errors.New("continuation line precedes any header")
)

// HeaderParseError reports a malformed line in an encoded header blob.
type HeaderParseError struct {
	Line int
	Err  error
}

func (e *HeaderParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *HeaderParseError) Unwrap() error { return e.Err }

// EncodeHeaders renders headers into the storage blob format. The output
// round-trips exactly through DecodeHeaders.
func EncodeHeaders(h *Headers) string {
	var b strings.Builder
	for _, name := range h.Names() {
		value := h.Get(name)
		lines := strings.Split(value, "\n")
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(lines[0])
		b.WriteString("\n")
		for _, cont := range lines[1:] {
			b.WriteString(continuationIndent)
			b.WriteString(cont)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	return b.String()
}

// DecodeHeaders parses a header blob produced by EncodeHeaders. Parsing stops
// at the first blank line or at EOF.
func DecodeHeaders(r io.Reader) (*Headers, error) {
	h := NewHeaders()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		name    string
		value   strings.Builder
		pending bool
		lineNo  int
	)
	flush := func() {
		if pending {
			h.Set(name, value.String())
			value.Reset()
			pending = false
		}
	}

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if isWhitespace(line[0]) {
			if !pending {
				return nil, &HeaderParseError{Line: lineNo, Err: ErrBareContinuation}
			}
			value.WriteString("\n")
			value.WriteString(strings.TrimLeft(line, " \t"))
			continue
		}
		flush()
		colon := strings.IndexByte(line, ':')
		switch {
		case colon < 0:
			return nil, &HeaderParseError{Line: lineNo, Err: ErrMissingColon}
		case colon == 0:
			return nil, &HeaderParseError{Line: lineNo, Err: ErrEmptyHeaderName}
		}
		name = line[:colon]
		rest := line[colon+1:]
		value.WriteString(strings.TrimPrefix(rest, " "))
		pending = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading header blob: %w", err)
	}
	flush()
	return h, nil
}

// DecodeHeaderString is a convenience wrapper around DecodeHeaders.
func DecodeHeaderString(s string) (*Headers, error) {
	return DecodeHeaders(strings.NewReader(s))
}

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t'
}
