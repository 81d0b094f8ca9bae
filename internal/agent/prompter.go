package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// maxPromptAttempts bounds how often an unrecognized answer is re-asked.
const maxPromptAttempts = 3

// ErrNotInteractive is returned when approval is needed but input is not a
// terminal.
var ErrNotInteractive = errors.New("approval input is not a terminal")

type promptLine struct {
	text string
	err  error
}

// TerminalPrompter asks for approval on a line-oriented input, accepting
// y, n or a. Lines are read on a dedicated goroutine so a cancelled context
// abandons the prompt without losing later input.
type TerminalPrompter struct {
	in          io.Reader
	out         io.Writer
	interactive bool

	once  sync.Once
	lines chan promptLine
}

// NewTerminalPrompter creates a prompter. When in is an *os.File that is not
// a terminal, every prompt fails with ErrNotInteractive so that piped input
// never approves anything by accident.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	interactive := true
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &TerminalPrompter{in: in, out: out, interactive: interactive}
}

// Prompt implements Prompter.
func (p *TerminalPrompter) Prompt(ctx context.Context, requests []ApprovalRequest) (ApprovalAnswer, error) {
	if !p.interactive {
		return AnswerNo, ErrNotInteractive
	}
	p.once.Do(p.startReader)

	p.describe(requests)
	for attempt := 0; attempt < maxPromptAttempts; attempt++ {
		fmt.Fprint(p.out, "Approve? [y]es / [n]o / [a]lways: ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(p.out)
			return AnswerNo, ctx.Err()
		case line, ok := <-p.lines:
			if !ok {
				return AnswerNo, io.EOF
			}
			if line.err != nil && line.text == "" {
				return AnswerNo, line.err
			}
			if answer, ok := ParseApprovalAnswer(line.text); ok {
				return answer, nil
			}
			fmt.Fprintf(p.out, "unrecognized answer %q\n", strings.TrimSpace(line.text))
		}
	}
	return AnswerNo, nil
}

func (p *TerminalPrompter) describe(requests []ApprovalRequest) {
	if len(requests) == 1 {
		req := requests[0]
		fmt.Fprintf(p.out, "\nThe agent wants to run %s: %s\n", req.ToolName, req.Subject)
		return
	}
	fmt.Fprintf(p.out, "\nThe agent wants to run %d tool calls (approved or denied together):\n", len(requests))
	for i, req := range requests {
		fmt.Fprintf(p.out, "  %d. %s: %s\n", i+1, req.ToolName, req.Subject)
	}
}

// ReadLine returns the next input line without its newline. Callers that
// read prompts from the same input must use it so that approval answers and
// prompts are not split between two readers.
func (p *TerminalPrompter) ReadLine(ctx context.Context) (string, error) {
	p.once.Do(p.startReader)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		if line.err != nil && line.text == "" {
			return "", line.err
		}
		return strings.TrimRight(line.text, "\r\n"), nil
	}
}

func (p *TerminalPrompter) startReader() {
	p.lines = make(chan promptLine)
	go func() {
		defer close(p.lines)
		reader := bufio.NewReader(p.in)
		for {
			text, err := reader.ReadString('\n')
			if text != "" || err != nil {
				p.lines <- promptLine{text: text, err: err}
			}
			if err != nil {
				return
			}
		}
	}()
}
