package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const confTag = "[CONF:"

// maxMarkerLen bounds how much leading text is held back while waiting for a
// confidence marker to close.
const maxMarkerLen = 32

var confRe = regexp.MustCompile(`^\s*\[CONF:\s*([^\]]*?)\s*\]`)

// ParseConfidencePrefix extracts a leading [CONF:x.xx] marker from chunk.
//
// Without a marker it returns confidence 1.0 and chunk unchanged. A marker
// whose value does not parse or lies outside [0,1] yields confidence 0 and an
// error wrapping [ErrMalformedConfidence]; the text after the marker is still
// returned. An opening "[CONF:" that never closes is malformed as well.
func ParseConfidencePrefix(chunk string) (float64, string, error) {
	m := confRe.FindStringSubmatchIndex(chunk)
	if m == nil {
		if strings.HasPrefix(strings.TrimLeft(chunk, " \t\r\n"), confTag) {
			return 0, "", fmt.Errorf("%w: unterminated marker", ErrMalformedConfidence)
		}
		return 1, chunk, nil
	}
	raw := chunk[m[2]:m[3]]
	rest := chunk[m[1]:]
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v != v {
		return 0, rest, fmt.Errorf("%w: %q", ErrMalformedConfidence, raw)
	}
	if v < 0 || v > 1 {
		return 0, rest, fmt.Errorf("%w: %v out of range", ErrMalformedConfidence, v)
	}
	return v, rest, nil
}

// markerScanner finds the confidence marker at the head of a token stream.
// Tokens may split the marker at any byte, so the head is held back until it
// either cannot be a marker or the marker has closed. Once settled, conf and
// err hold the parse result.
type markerScanner struct {
	head    string
	settled bool
	conf    float64
	err     error
}

// feed consumes one token and returns the text that may flow on to the
// sentence buffer. It returns "" while the head is still held back.
func (s *markerScanner) feed(tok string) string {
	if s.settled {
		return tok
	}
	s.head += tok
	trimmed := strings.TrimLeft(s.head, " \t\r\n")
	switch {
	case trimmed == "":
		return ""
	case len(trimmed) < len(confTag) && strings.HasPrefix(confTag, trimmed):
		return ""
	case strings.HasPrefix(trimmed, confTag) && !strings.Contains(trimmed, "]") && len(trimmed) < maxMarkerLen:
		return ""
	}
	return s.settle()
}

// flush settles whatever is held back at end of stream.
func (s *markerScanner) flush() string {
	if s.settled {
		return ""
	}
	return s.settle()
}

func (s *markerScanner) settle() string {
	s.settled = true
	conf, rest, err := ParseConfidencePrefix(s.head)
	s.head = ""
	s.conf, s.err = conf, err
	return rest
}
