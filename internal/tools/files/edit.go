package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/deckhand/internal/agent"
)

func (s *Session) create(path, text string) *agent.ToolResult {
	if _, err := os.Stat(path); err == nil {
		return invalid("%s already exists; create does not overwrite files, use str_replace instead", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return failed("%s: %v", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failed("create parent directories: %v", err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return failed("write %s: %v", path, err)
	}
	s.remember(path, nil)
	s.logger.Debug("file created", "path", path, "bytes", len(text))
	return agent.OutputResult(fmt.Sprintf("File created successfully at: %s", path))
}

func (s *Session) strReplace(path, oldStr, newStr string) *agent.ToolResult {
	content, result := s.load(path)
	if result != nil {
		return result
	}
	if oldStr == "" {
		return invalid("old_str must not be empty")
	}

	switch count := strings.Count(content, oldStr); count {
	case 0:
		return invalid("no replacement was performed: old_str did not appear verbatim in %s", path)
	case 1:
	default:
		return invalid("no replacement was performed: old_str appears %d times in %s, on lines %s; make it unique",
			count, path, joinInts(matchLines(content, oldStr)))
	}

	at := strings.Index(content, oldStr)
	updated := content[:at] + newStr + content[at+len(oldStr):]
	if err := os.WriteFile(path, []byte(updated), filePerm(path)); err != nil {
		return failed("write %s: %v", path, err)
	}
	s.remember(path, &content)

	line := strings.Count(content[:at], "\n") + 1
	return agent.OutputResult(s.editedMessage(path, updated, line, strings.Count(newStr, "\n")))
}

func (s *Session) insert(path string, after int, text string) *agent.ToolResult {
	content, result := s.load(path)
	if result != nil {
		return result
	}
	lines := splitLines(content)
	if after < 0 || after > len(lines) {
		return invalid("insert_line %d must be between 0 and %d", after, len(lines))
	}

	added := splitLines(text)
	if len(added) == 0 {
		added = []string{""}
	}
	merged := make([]string, 0, len(lines)+len(added))
	merged = append(merged, lines[:after]...)
	merged = append(merged, added...)
	merged = append(merged, lines[after:]...)

	updated := strings.Join(merged, "\n")
	if content == "" || strings.HasSuffix(content, "\n") {
		updated += "\n"
	}
	if err := os.WriteFile(path, []byte(updated), filePerm(path)); err != nil {
		return failed("write %s: %v", path, err)
	}
	s.remember(path, &content)
	return agent.OutputResult(s.editedMessage(path, updated, after+1, len(added)-1))
}

func (s *Session) undo(path string) *agent.ToolResult {
	stack := s.history[path]
	if len(stack) == 0 {
		return invalid("no edit history found for %s", path)
	}
	last := stack[len(stack)-1]
	s.history[path] = stack[:len(stack)-1]

	if last.content == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return failed("remove %s: %v", path, err)
		}
		return agent.OutputResult(fmt.Sprintf("Last edit to %s undone; the file was removed.", path))
	}
	if err := os.WriteFile(path, []byte(*last.content), filePerm(path)); err != nil {
		return failed("write %s: %v", path, err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Last edit to %s undone successfully. Here's the result of running `cat -n` on %s:\n", path, path)
	writeNumbered(&b, splitLines(*last.content), 1)
	return agent.OutputResult(b.String())
}

// load reads a file that an edit is about to change.
func (s *Session) load(path string) (string, *agent.ToolResult) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", invalid("%s does not exist; use create first", path)
		}
		return "", failed("%s: %v", path, err)
	}
	if info.IsDir() {
		return "", invalid("%s is a directory; only view works on directories", path)
	}
	return s.readFile(path, info)
}

// editedMessage shows the edited region with a few lines of context.
func (s *Session) editedMessage(path, content string, firstLine, extraLines int) string {
	lines := splitLines(content)
	window := s.tool.cfg.SnippetLines
	start := max(1, firstLine-window)
	end := min(len(lines), firstLine+extraLines+window)

	var b strings.Builder
	fmt.Fprintf(&b, "The file %s has been edited. Here's the result of running `cat -n` on a snippet of %s:\n", path, path)
	if start <= end {
		writeNumbered(&b, lines[start-1:end], start)
	}
	b.WriteString("Review the changes and make sure they are as expected. Edit the file again if necessary.")
	return b.String()
}

func matchLines(content, needle string) []int {
	var lines []int
	offset := 0
	for {
		idx := strings.Index(content[offset:], needle)
		if idx < 0 {
			return lines
		}
		at := offset + idx
		lines = append(lines, strings.Count(content[:at], "\n")+1)
		offset = at + 1
	}
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}

func filePerm(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}
