package shell

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/haasonsaas/deckhand/internal/agent"
)

// drainGrace is how long buffered output is collected after the process
// exits.
const drainGrace = 200 * time.Millisecond

// readChunks decodes r as UTF-8, replacing invalid sequences, and delivers
// the text on the returned channel until r fails. The channel is then closed.
func readChunks(r io.Reader) <-chan string {
	chunks := make(chan string, 64)
	go func() {
		defer close(chunks)
		decoded := transform.NewReader(r, unicode.UTF8.NewDecoder())
		buf := make([]byte, 4096)
		for {
			n, err := decoded.Read(buf)
			if n > 0 {
				chunks <- string(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return chunks
}

type waitResult int

const (
	waitFound waitResult = iota
	waitClosed
	waitCancelled
	waitTimedOut
)

// outputStream accumulates one command's output and watches for the
// sentinel.
type outputStream struct {
	chunks   <-chan string
	sentinel string
	buf      strings.Builder
	scanned  int
	found    int
}

func newOutputStream(chunks <-chan string, sentinel string) *outputStream {
	return &outputStream{chunks: chunks, sentinel: sentinel, found: -1}
}

// wait reads until the sentinel shows up, the reader closes, the process
// exits, ctx ends or timeout elapses. A zero timeout waits indefinitely.
func (s *outputStream) wait(ctx context.Context, exited <-chan struct{}, timeout time.Duration) waitResult {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				return waitClosed
			}
			if s.append(chunk) {
				return waitFound
			}
		case <-exited:
			if s.drain(drainGrace) {
				return waitFound
			}
			return waitClosed
		case <-ctx.Done():
			return waitCancelled
		case <-timer:
			return waitTimedOut
		}
	}
}

// drain collects whatever the reader still delivers within grace.
func (s *outputStream) drain(grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				return false
			}
			if s.append(chunk) {
				return true
			}
		case <-deadline.C:
			return false
		}
	}
}

func (s *outputStream) append(chunk string) bool {
	s.buf.WriteString(chunk)
	text := s.buf.String()
	if idx := findSentinel(text, s.sentinel, s.scanned); idx >= 0 {
		s.found = idx
		return true
	}
	// The sentinel may straddle two chunks.
	s.scanned = max(0, len(text)-len(s.sentinel))
	return false
}

// output returns everything before the sentinel, or everything so far when
// it has not been seen.
func (s *outputStream) output() string {
	text := s.buf.String()
	if s.found >= 0 {
		return text[:s.found]
	}
	return text
}

// findSentinel locates the sentinel as printed by echo. An occurrence right
// after a quote is the command line itself being echoed by the terminal and
// is skipped.
func findSentinel(text, sentinel string, from int) int {
	for from <= len(text) {
		idx := strings.Index(text[from:], sentinel)
		if idx < 0 {
			return -1
		}
		pos := from + idx
		if pos == 0 || text[pos-1] != '\'' {
			return pos
		}
		from = pos + len(sentinel)
	}
	return -1
}

// cleanOutput strips terminal control sequences, normalizes line endings,
// trims, and truncates the middle of oversized output. Empty output becomes
// agent.NoOutput.
func cleanOutput(raw string, limit int) string {
	text := ansi.Strip(raw)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "")
	text = strings.TrimSpace(text)
	if text == "" {
		return agent.NoOutput
	}
	if limit > 0 && len(text) > limit {
		head := cutAtRune(text, limit/2)
		tail := suffixAtRune(text, limit/2)
		omitted := len(text) - len(head) - len(tail)
		text = head + fmt.Sprintf("\n... [%d bytes truncated] ...\n", omitted) + tail
	}
	return text
}

// cutAtRune returns the longest prefix of s no longer than n bytes that ends
// on a rune boundary.
func cutAtRune(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// suffixAtRune returns the longest suffix of s no longer than n bytes that
// starts on a rune boundary.
func suffixAtRune(s string, n int) string {
	if n >= len(s) {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
