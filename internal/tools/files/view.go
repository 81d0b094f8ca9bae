package files

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/deckhand/internal/agent"
)

// listDepth is how many directory levels view descends.
const listDepth = 2

func (s *Session) view(path string, viewRange []int) *agent.ToolResult {
	info, err := os.Stat(path)
	if err != nil {
		return failed("%s: %v", path, err)
	}
	if info.IsDir() {
		if len(viewRange) > 0 {
			return invalid("view_range is not allowed when path is a directory")
		}
		return s.listDir(path)
	}

	content, result := s.readFile(path, info)
	if result != nil {
		return result
	}
	lines := splitLines(content)

	start, end := 1, len(lines)
	if len(viewRange) > 0 {
		if len(viewRange) != 2 {
			return invalid("view_range must hold exactly two integers")
		}
		start, end = viewRange[0], viewRange[1]
		if start < 1 || start > max(len(lines), 1) {
			return invalid("view_range start %d is outside the file's %d lines", start, len(lines))
		}
		if end == -1 {
			end = len(lines)
		}
		if end < start || end > len(lines) {
			return invalid("view_range end %d must be -1 or between %d and %d", end, start, len(lines))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Here's the result of running `cat -n` on %s:\n", path)
	writeNumbered(&b, lines[min(start-1, len(lines)):end], start)
	return agent.OutputResult(b.String())
}

func (s *Session) listDir(root string) *agent.ToolResult {
	var entries []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		depth := strings.Count(rel, string(os.PathSeparator)) + 1
		if depth > listDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		name := path
		if d.IsDir() {
			name += string(os.PathSeparator)
		}
		entries = append(entries, name)
		return nil
	})
	if err != nil {
		return failed("list %s: %v", root, err)
	}
	sort.Strings(entries)

	var b strings.Builder
	fmt.Fprintf(&b, "Here's the files and directories up to %d levels deep in %s, excluding hidden items:\n", listDepth, root)
	for _, entry := range entries {
		b.WriteString(entry)
		b.WriteByte('\n')
	}
	return agent.OutputResult(strings.TrimRight(b.String(), "\n"))
}

func (s *Session) readFile(path string, info os.FileInfo) (string, *agent.ToolResult) {
	if info.Size() > s.tool.cfg.MaxFileBytes {
		return "", failed("%s is %d bytes, larger than the %d byte limit", path, info.Size(), s.tool.cfg.MaxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", failed("read %s: %v", path, err)
	}
	return string(data), nil
}

// splitLines splits content into lines without a phantom empty line for a
// trailing newline.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}

func writeNumbered(b *strings.Builder, lines []string, first int) {
	for i, line := range lines {
		fmt.Fprintf(b, "%6d\t%s\n", first+i, line)
	}
}
