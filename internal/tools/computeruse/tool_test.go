package computeruse

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/deckhand/internal/agent"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	geometry string
	location string
	shot     []byte
	failOn   string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.calls = append(f.calls, call)
	if f.failOn != "" && strings.Contains(call, f.failOn) {
		return nil, errors.New("boom")
	}
	switch {
	case name == "import":
		return f.shot, nil
	case len(args) > 0 && args[0] == "getdisplaygeometry":
		return []byte(f.geometry), nil
	case len(args) > 0 && args[0] == "getmouselocation":
		return []byte(f.location), nil
	}
	return nil, nil
}

func (f *fakeRunner) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, "xdotool ") && !strings.Contains(c, "getdisplaygeometry") {
			out = append(out, strings.TrimPrefix(c, "xdotool "))
		}
	}
	return out
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// newSession opens a session on a 200x100 native screen scaled to 100x50.
func newSession(t *testing.T) (*fakeRunner, agent.Session) {
	t.Helper()
	runner := &fakeRunner{geometry: "200 100\n", location: "X=50\nY=30\nSCREEN=0\nWINDOW=123\n", shot: testPNG(t, 200, 100)}
	tool := NewTool(Config{WidthPx: 100, HeightPx: 50, Runner: runner})
	session, err := tool.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return runner, session
}

func execute(t *testing.T, session agent.Session, args string) *agent.ToolResult {
	t.Helper()
	result, err := session.Execute(context.Background(), json.RawMessage(args))
	if err != nil {
		t.Fatalf("Execute(%s): %v", args, err)
	}
	return result
}

func TestActionsTranslateToXdotool(t *testing.T) {
	tests := []struct {
		name string
		args string
		want []string
	}{
		{"key", `{"action":"key","text":"ctrl+s"}`, []string{"key -- ctrl+s"}},
		{"move scales", `{"action":"mouse_move","coordinate":[10,20]}`, []string{"mousemove --sync 20 40"}},
		{"click here", `{"action":"left_click"}`, []string{"click 1"}},
		{"click at", `{"action":"right_click","coordinate":[99,49]}`, []string{"mousemove --sync 198 98 click 3"}},
		{"double", `{"action":"double_click"}`, []string{"click --repeat 2 --delay 10 1"}},
		{"drag", `{"action":"left_click_drag","start_coordinate":[0,0],"coordinate":[50,25]}`,
			[]string{"mousemove --sync 0 0 mousedown 1 mousemove --sync 100 50 mouseup 1"}},
		{"scroll", `{"action":"scroll","scroll_direction":"down","scroll_amount":2}`, []string{"click --repeat 2 5"}},
		{"scroll default", `{"action":"scroll","scroll_direction":"left"}`, []string{"click --repeat 3 6"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner, session := newSession(t)
			result := execute(t, session, tt.args)
			if result.IsError {
				t.Fatalf("result = %+v", result)
			}
			if result.Image == "" {
				t.Fatal("action did not return a screenshot")
			}
			if got := runner.actions(); strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("xdotool calls = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTypeIsChunked(t *testing.T) {
	runner, session := newSession(t)
	text := strings.Repeat("a", typingChunk+5)
	if result := execute(t, session, `{"action":"type","text":"`+text+`"}`); result.IsError {
		t.Fatalf("result = %+v", result)
	}
	got := runner.actions()
	if len(got) != 2 {
		t.Fatalf("calls = %q, want two chunks", got)
	}
	if !strings.HasSuffix(got[1], "-- aaaaa") {
		t.Fatalf("second chunk = %q", got[1])
	}
}

func TestInvalidActions(t *testing.T) {
	tests := []string{
		`{"action":"left_click","coordinate":[100,0]}`,
		`{"action":"mouse_move","coordinate":[-1,5]}`,
		`{"action":"mouse_move"}`,
		`{"action":"mouse_move","coordinate":[1]}`,
		`{"action":"left_click_drag","coordinate":[1,1]}`,
		`{"action":"key"}`,
		`{"action":"scroll","scroll_direction":"sideways"}`,
		`{"action":"fly"}`,
		`{}`,
		`{"action":"wait","duration":500}`,
	}
	for _, args := range tests {
		runner, session := newSession(t)
		result := execute(t, session, args)
		if result.Kind != agent.ErrorKindInvalidArguments {
			t.Errorf("Execute(%s) = %+v, want invalid_arguments", args, result)
		}
		if calls := runner.actions(); len(calls) != 0 {
			t.Errorf("Execute(%s) ran %q", args, calls)
		}
	}
}

func TestScreenshotIsScaled(t *testing.T) {
	_, session := newSession(t)
	result := execute(t, session, `{"action":"screenshot"}`)
	if result.IsError || result.Output != "screenshot 100x50" {
		t.Fatalf("result = %+v", result)
	}
	data, err := base64.StdEncoding.DecodeString(result.Image)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if cfg.Width != 100 || cfg.Height != 50 {
		t.Fatalf("screenshot is %dx%d, want 100x50", cfg.Width, cfg.Height)
	}
}

func TestCursorPositionIsScaled(t *testing.T) {
	_, session := newSession(t)
	result := execute(t, session, `{"action":"cursor_position"}`)
	if result.Output != "X=25,Y=15" {
		t.Fatalf("result = %+v", result)
	}
}

func TestRunnerFailureIsExecutionError(t *testing.T) {
	runner, session := newSession(t)
	runner.failOn = "click"
	result := execute(t, session, `{"action":"left_click"}`)
	if result.Kind != agent.ErrorKindExecution {
		t.Fatalf("result = %+v, want execution error", result)
	}
}

func TestSessionNeedsGeometry(t *testing.T) {
	tool := NewTool(Config{Runner: &fakeRunner{geometry: "garbage"}})
	if _, err := tool.NewSession(context.Background()); err == nil {
		t.Fatal("NewSession succeeded without display geometry")
	}
}

func TestStopThenRestart(t *testing.T) {
	_, session := newSession(t)
	if err := session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if result := execute(t, session, `{"action":"screenshot"}`); !result.NeedsRestart() {
		t.Fatalf("result = %+v, want needs_restart", result)
	}
	if err := session.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if result := execute(t, session, `{"action":"screenshot"}`); result.IsError {
		t.Fatalf("after restart: %+v", result)
	}
}

func TestNativeSizeWhenUnscaled(t *testing.T) {
	runner := &fakeRunner{geometry: "200 100", shot: testPNG(t, 200, 100)}
	session, err := NewTool(Config{Runner: runner}).NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	result := execute(t, session, `{"action":"mouse_move","coordinate":[150,80]}`)
	if result.IsError {
		t.Fatalf("result = %+v", result)
	}
	if got := runner.actions(); len(got) != 1 || got[0] != "mousemove --sync 150 80" {
		t.Fatalf("calls = %q", got)
	}
}
