package computeruse

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"

	"github.com/haasonsaas/deckhand/internal/agent"
)

// screenshot captures the screen, scales it to the model's size and returns
// it as a base64 PNG. note, when set, becomes the text output.
func (s *Session) screenshot(ctx context.Context, note string) *agent.ToolResult {
	name, args := s.cfg.ScreenshotCommand[0], s.cfg.ScreenshotCommand[1:]
	raw, err := s.cfg.Runner.Run(ctx, name, args...)
	if err != nil {
		if ctx.Err() != nil {
			return agent.CancelledResult("screenshot interrupted")
		}
		return agent.ErrorResult(agent.ErrorKindExecution, fmt.Sprintf("capture screenshot: %v", err))
	}
	encoded, err := scalePNG(raw, s.scaled.w, s.scaled.h)
	if err != nil {
		return agent.ErrorResult(agent.ErrorKindExecution, err.Error())
	}

	if note == "" {
		note = fmt.Sprintf("screenshot %dx%d", s.scaled.w, s.scaled.h)
	}
	result := agent.OutputResult(note)
	result.Image = base64.StdEncoding.EncodeToString(encoded)
	return result
}

// scalePNG decodes a PNG and re-encodes it at width x height.
func scalePNG(data []byte, width, height int) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() == width && bounds.Dy() == height {
		return data, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}
