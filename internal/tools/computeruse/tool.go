// Package computeruse drives an X display with xdotool so the model can click,
// type and take screenshots.
package computeruse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/deckhand/internal/agent"
)

// ToolName is the name the model calls the tool by.
const ToolName = "computer"

// Config controls the computer tool.
type Config struct {
	// Display is the X display, e.g. ":1".
	Display string

	// WidthPx and HeightPx are the screen size the model sees. Screenshots are
	// scaled to it and coordinates are scaled back. Zero uses the native size.
	WidthPx  int
	HeightPx int

	// Xdotool is the xdotool binary.
	Xdotool string

	// ScreenshotCommand writes a PNG of the screen to stdout.
	ScreenshotCommand []string

	// ScreenshotDelay is how long to wait after an action before capturing
	// the follow-up screenshot. Zero captures immediately.
	ScreenshotDelay time.Duration

	// Runner overrides command execution.
	Runner Runner

	Logger *slog.Logger
}

const typingChunk = 50

// Tool is the computer tool.
type Tool struct {
	cfg Config
}

// NewTool creates the computer tool.
func NewTool(cfg Config) *Tool {
	if cfg.Xdotool == "" {
		cfg.Xdotool = "xdotool"
	}
	if len(cfg.ScreenshotCommand) == 0 {
		cfg.ScreenshotCommand = []string{"import", "-window", "root", "png:-"}
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{Display: cfg.Display}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tool{cfg: cfg}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Control the desktop with the mouse and keyboard and take screenshots. " +
		"Coordinates are pixels in the most recent screenshot."
}

func (t *Tool) Schema() json.RawMessage { return json.RawMessage(SchemaJSON) }

// NewSession reads the display geometry.
func (t *Tool) NewSession(ctx context.Context) (agent.Session, error) {
	s := &Session{cfg: t.cfg, logger: t.cfg.Logger.With("component", "computer")}
	if err := s.Restart(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Input is the argument object of one action.
type Input struct {
	Action          string  `json:"action"`
	Coordinate      []int   `json:"coordinate,omitempty"`
	StartCoordinate []int   `json:"start_coordinate,omitempty"`
	Text            string  `json:"text,omitempty"`
	ScrollDirection string  `json:"scroll_direction,omitempty"`
	ScrollAmount    int     `json:"scroll_amount,omitempty"`
	Duration        float64 `json:"duration,omitempty"`
}

// Session holds the native and scaled screen geometry.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	native  size
	scaled  size
}

type size struct{ w, h int }

// Restart re-reads the native screen size.
func (s *Session) Restart(ctx context.Context) error {
	out, err := s.cfg.Runner.Run(ctx, s.cfg.Xdotool, "getdisplaygeometry")
	if err != nil {
		return fmt.Errorf("read display geometry: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) != 2 {
		return fmt.Errorf("unexpected display geometry %q", strings.TrimSpace(string(out)))
	}
	w, errW := strconv.Atoi(fields[0])
	h, errH := strconv.Atoi(fields[1])
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return fmt.Errorf("unexpected display geometry %q", strings.TrimSpace(string(out)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.native = size{w, h}
	s.scaled = s.native
	if s.cfg.WidthPx > 0 && s.cfg.HeightPx > 0 {
		s.scaled = size{s.cfg.WidthPx, s.cfg.HeightPx}
	}
	s.stopped = false
	s.logger.Debug("display geometry", "native", fmt.Sprintf("%dx%d", w, h),
		"scaled", fmt.Sprintf("%dx%d", s.scaled.w, s.scaled.h))
	return nil
}

// Stop marks the session stopped. There is no process to end.
func (s *Session) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

// Execute implements agent.Session.
func (s *Session) Execute(ctx context.Context, args json.RawMessage) (*agent.ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return agent.ErrorResult(agent.ErrorKindNeedsRestart, `computer session is stopped; call again with "restart": true`), nil
	}

	var input Input
	if err := json.Unmarshal(args, &input); err != nil {
		return invalid("invalid parameters: %v", err), nil
	}
	return s.run(ctx, input), nil
}

func (s *Session) run(ctx context.Context, in Input) *agent.ToolResult {
	switch in.Action {
	case "screenshot":
		return s.screenshot(ctx, "")
	case "cursor_position":
		return s.cursorPosition(ctx)
	case "wait":
		if in.Duration < 0 || in.Duration > 100 {
			return invalid("duration must be between 0 and 100 seconds")
		}
		select {
		case <-ctx.Done():
			return agent.CancelledResult("wait interrupted")
		case <-time.After(time.Duration(in.Duration * float64(time.Second))):
		}
		return s.screenshot(ctx, "")
	}

	args, result := s.xdotoolArgs(in)
	if result != nil {
		return result
	}
	for _, chunk := range args {
		if _, err := s.cfg.Runner.Run(ctx, s.cfg.Xdotool, chunk...); err != nil {
			if ctx.Err() != nil {
				return agent.CancelledResult(in.Action + " interrupted")
			}
			return agent.ErrorResult(agent.ErrorKindExecution, err.Error())
		}
	}

	if s.cfg.ScreenshotDelay > 0 {
		select {
		case <-ctx.Done():
			return agent.OutputResult(in.Action + " done")
		case <-time.After(s.cfg.ScreenshotDelay):
		}
	}
	return s.screenshot(ctx, in.Action+" done")
}

// xdotoolArgs translates an action into one or more xdotool invocations.
func (s *Session) xdotoolArgs(in Input) ([][]string, *agent.ToolResult) {
	switch in.Action {
	case "key":
		if in.Text == "" {
			return nil, invalid("text is required for key")
		}
		return [][]string{{"key", "--", in.Text}}, nil

	case "type":
		if in.Text == "" {
			return nil, invalid("text is required for type")
		}
		var calls [][]string
		runes := []rune(in.Text)
		for start := 0; start < len(runes); start += typingChunk {
			end := min(start+typingChunk, len(runes))
			calls = append(calls, []string{"type", "--delay", "12", "--", string(runes[start:end])})
		}
		return calls, nil

	case "mouse_move":
		x, y, result := s.point("coordinate", in.Coordinate)
		if result != nil {
			return nil, result
		}
		return [][]string{{"mousemove", "--sync", x, y}}, nil

	case "left_click", "right_click", "middle_click", "double_click", "triple_click":
		var cmd []string
		if in.Coordinate != nil {
			x, y, result := s.point("coordinate", in.Coordinate)
			if result != nil {
				return nil, result
			}
			cmd = append(cmd, "mousemove", "--sync", x, y)
		}
		cmd = append(cmd, clickArgs(in.Action)...)
		return [][]string{cmd}, nil

	case "left_click_drag":
		sx, sy, result := s.point("start_coordinate", in.StartCoordinate)
		if result != nil {
			return nil, result
		}
		ex, ey, result := s.point("coordinate", in.Coordinate)
		if result != nil {
			return nil, result
		}
		return [][]string{{"mousemove", "--sync", sx, sy, "mousedown", "1", "mousemove", "--sync", ex, ey, "mouseup", "1"}}, nil

	case "left_mouse_down":
		return [][]string{{"mousedown", "1"}}, nil
	case "left_mouse_up":
		return [][]string{{"mouseup", "1"}}, nil

	case "scroll":
		button, ok := scrollButtons[in.ScrollDirection]
		if !ok {
			return nil, invalid("scroll_direction must be one of up, down, left, right")
		}
		amount := in.ScrollAmount
		if amount == 0 {
			amount = 3
		}
		if amount < 0 {
			return nil, invalid("scroll_amount must be positive")
		}
		var cmd []string
		if in.Coordinate != nil {
			x, y, result := s.point("coordinate", in.Coordinate)
			if result != nil {
				return nil, result
			}
			cmd = append(cmd, "mousemove", "--sync", x, y)
		}
		cmd = append(cmd, "click", "--repeat", strconv.Itoa(amount), button)
		return [][]string{cmd}, nil

	case "":
		return nil, invalid("action is required")
	default:
		return nil, invalid("unknown action %q", in.Action)
	}
}

var scrollButtons = map[string]string{"up": "4", "down": "5", "left": "6", "right": "7"}

func clickArgs(action string) []string {
	switch action {
	case "right_click":
		return []string{"click", "3"}
	case "middle_click":
		return []string{"click", "2"}
	case "double_click":
		return []string{"click", "--repeat", "2", "--delay", "10", "1"}
	case "triple_click":
		return []string{"click", "--repeat", "3", "--delay", "10", "1"}
	default:
		return []string{"click", "1"}
	}
}

// point validates a model coordinate and converts it to native pixels.
func (s *Session) point(field string, coord []int) (string, string, *agent.ToolResult) {
	if coord == nil {
		return "", "", invalid("%s is required", field)
	}
	if len(coord) != 2 {
		return "", "", invalid("%s must be [x, y]", field)
	}
	x, y := coord[0], coord[1]
	if x < 0 || y < 0 || x >= s.scaled.w || y >= s.scaled.h {
		return "", "", invalid("%s [%d, %d] is outside the %dx%d screen", field, x, y, s.scaled.w, s.scaled.h)
	}
	nx := x * s.native.w / s.scaled.w
	ny := y * s.native.h / s.scaled.h
	return strconv.Itoa(nx), strconv.Itoa(ny), nil
}

func (s *Session) cursorPosition(ctx context.Context) *agent.ToolResult {
	out, err := s.cfg.Runner.Run(ctx, s.cfg.Xdotool, "getmouselocation", "--shell")
	if err != nil {
		return agent.ErrorResult(agent.ErrorKindExecution, err.Error())
	}
	var x, y int
	var seenX, seenY bool
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		switch key {
		case "X":
			x, seenX = n, true
		case "Y":
			y, seenY = n, true
		}
	}
	if !seenX || !seenY {
		return agent.ErrorResult(agent.ErrorKindExecution, fmt.Sprintf("unexpected mouse location %q", strings.TrimSpace(string(out))))
	}
	x = x * s.scaled.w / s.native.w
	y = y * s.scaled.h / s.native.h
	return agent.OutputResult(fmt.Sprintf("X=%d,Y=%d", x, y))
}

func invalid(format string, args ...any) *agent.ToolResult {
	return agent.ErrorResult(agent.ErrorKindInvalidArguments, fmt.Sprintf(format, args...))
}
