// Package partialjson repairs truncated JSON so in-flight tool arguments can be
// rendered while they stream.
package partialjson

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// frame is an open container on the scan stack.
type frame struct {
	closer    byte
	expectKey bool
}

// scanner holds the single left-to-right pass over a prefix.
type scanner struct {
	body     []byte
	stack    []frame
	inString bool
	isKey    bool
	escape   bool
	// unicode escape bookkeeping: hex digits still expected and where the
	// escape began in body.
	uniRemain int
	uniStart  int
	// strStarts records the body offset of every string token's opening quote.
	strStarts []int
}

// Repair closes unterminated strings and containers in prefix and returns a
// valid JSON document. ok is false when the prefix is too short to be
// meaningful or is malformed (for example a mismatched closer). A prefix that
// is already a complete document is returned unchanged.
func Repair(prefix string) (string, bool) {
	if strings.TrimSpace(prefix) == "" {
		return "", false
	}
	if json.Valid([]byte(prefix)) {
		return prefix, true
	}

	s := &scanner{body: make([]byte, 0, len(prefix)+8)}
	for i := 0; i < len(prefix); i++ {
		if !s.step(prefix[i]) {
			return "", false
		}
	}
	s.closeString()

	for {
		candidate := s.candidate()
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
		if !s.trimOnce() {
			return "", false
		}
	}
}

// Parse repairs prefix and decodes the result.
func Parse(prefix string) (any, bool) {
	doc, ok := Repair(prefix)
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, false
	}
	return v, true
}

func (s *scanner) step(c byte) bool {
	if s.inString {
		s.stepString(c)
		return true
	}
	switch c {
	case '{':
		s.body = append(s.body, c)
		s.stack = append(s.stack, frame{closer: '}', expectKey: true})
	case '[':
		s.body = append(s.body, c)
		s.stack = append(s.stack, frame{closer: ']'})
	case '}', ']':
		if len(s.stack) == 0 || s.stack[len(s.stack)-1].closer != c {
			return false
		}
		s.stack = s.stack[:len(s.stack)-1]
		s.body = append(s.body, c)
	case '"':
		s.inString = true
		s.isKey = s.topExpectsKey()
		s.strStarts = append(s.strStarts, len(s.body))
		s.body = append(s.body, c)
	case ':':
		if top := s.top(); top != nil && top.closer == '}' {
			top.expectKey = false
		}
		s.body = append(s.body, c)
	case ',':
		if top := s.top(); top != nil && top.closer == '}' {
			top.expectKey = true
		}
		s.body = append(s.body, c)
	default:
		s.body = append(s.body, c)
	}
	return true
}

func (s *scanner) stepString(c byte) {
	switch {
	case s.uniRemain > 0:
		s.uniRemain--
		s.body = append(s.body, c)
	case s.escape:
		s.escape = false
		if c == 'u' {
			s.uniRemain = 4
		}
		s.body = append(s.body, c)
	case c == '\\':
		s.escape = true
		s.uniStart = len(s.body)
		s.body = append(s.body, c)
	case c == '"':
		s.inString = false
		s.body = append(s.body, c)
	case c == '\n':
		s.body = append(s.body, '\\', 'n')
	case c == '\r':
		s.body = append(s.body, '\\', 'r')
	case c == '\t':
		s.body = append(s.body, '\\', 't')
	case c < 0x20:
		const hex = "0123456789abcdef"
		s.body = append(s.body, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xf])
	default:
		s.body = append(s.body, c)
	}
}

// closeString terminates an open string at end of input. Dangling escapes
// are dropped; a dangling object key is removed entirely.
func (s *scanner) closeString() {
	if !s.inString {
		return
	}
	if s.escape || s.uniRemain > 0 {
		s.body = s.body[:s.uniStart]
	}
	s.body = trimPartialRune(s.body)
	s.inString = false
	if s.isKey {
		s.dropLastString()
		return
	}
	s.body = append(s.body, '"')
}

func (s *scanner) candidate() string {
	var b strings.Builder
	b.Grow(len(s.body) + len(s.stack))
	b.Write(s.body)
	for i := len(s.stack) - 1; i >= 0; i-- {
		b.WriteByte(s.stack[i].closer)
	}
	return b.String()
}

// trimOnce removes one trailing fragment that keeps the candidate from
// parsing. It reports false when nothing more can be removed.
func (s *scanner) trimOnce() bool {
	trimmed := strings.TrimRight(string(s.body), " \t\r\n")
	if len(trimmed) != len(s.body) {
		s.body = s.body[:len(trimmed)]
		return true
	}
	if len(s.body) == 0 {
		return false
	}
	switch last := s.body[len(s.body)-1]; {
	case last == ',' || last == ':':
		s.body = s.body[:len(s.body)-1]
		return true
	case last == '"':
		s.dropLastString()
		return true
	case isLiteralByte(last):
		end := len(s.body)
		for end > 0 && isLiteralByte(s.body[end-1]) {
			end--
		}
		s.body = s.body[:end]
		return true
	default:
		return false
	}
}

func (s *scanner) dropLastString() {
	if len(s.strStarts) == 0 {
		return
	}
	start := s.strStarts[len(s.strStarts)-1]
	s.strStarts = s.strStarts[:len(s.strStarts)-1]
	s.body = s.body[:start]
}

// trimPartialRune drops a multi-byte character cut off by the end of input.
func trimPartialRune(b []byte) []byte {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return b
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return b[:len(b)-i]
			}
			return b
		}
	}
	return b
}

func (s *scanner) top() *frame {
	if len(s.stack) == 0 {
		return nil
	}
	return &s.stack[len(s.stack)-1]
}

func (s *scanner) topExpectsKey() bool {
	top := s.top()
	return top != nil && top.closer == '}' && top.expectKey
}

func isLiteralByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '+' || c == '.':
		return true
	}
	return false
}
