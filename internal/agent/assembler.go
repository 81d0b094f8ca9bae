package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/deckhand/internal/partialjson"
)

// AssemblerHooks receive live progress while blocks stream in. They are for
// display only and cannot influence assembly.
type AssemblerHooks struct {
	// OnText receives each text fragment as it arrives.
	OnText func(delta string)

	// OnArguments receives a repaired preview of a tool call's arguments
	// after every fragment that yields one.
	OnArguments func(id, name string, preview any)
}

// toolCallState exists only between a tool-use block's start and stop.
type toolCallState struct {
	id   string
	name string
	raw  strings.Builder
}

// Assembler turns a block event stream into finished content blocks.
// Exactly one block may be open at a time.
type Assembler struct {
	hooks AssemblerHooks

	open       bool
	kind       BlockKind
	text       strings.Builder
	call       *toolCallState
	blocks     []ContentBlock
	done       bool
	stopReason string
}

// NewAssembler creates an assembler for one round-trip.
func NewAssembler(hooks AssemblerHooks) *Assembler {
	return &Assembler{hooks: hooks}
}

// Feed consumes one event. It returns the finished block when ev closes one.
// Malformed sequences return a *ProtocolError; EventError returns an error
// wrapping ErrTransport.
func (a *Assembler) Feed(ev StreamEvent) (*ContentBlock, error) {
	if a.done {
		return nil, a.protocolErr(ev.Type, "event after turn completion", nil)
	}

	switch ev.Type {
	case EventBlockStart:
		return nil, a.start(ev)
	case EventDelta:
		return nil, a.delta(ev)
	case EventBlockStop:
		return a.stop()
	case EventTurnDone:
		if a.open {
			return nil, a.protocolErr(ev.Type, "turn ended with an open block", nil)
		}
		a.done = true
		a.stopReason = ev.StopReason
		return nil, nil
	case EventError:
		if ev.Err == nil {
			return nil, ErrTransport
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, ev.Err)
	default:
		return nil, a.protocolErr(ev.Type, "unknown event type", nil)
	}
}

func (a *Assembler) start(ev StreamEvent) error {
	if a.open {
		return a.protocolErr(ev.Type, "block started while another block is open", nil)
	}
	switch ev.Kind {
	case KindText:
		a.text.Reset()
	case KindToolUse:
		if strings.TrimSpace(ev.ToolName) == "" {
			return a.protocolErr(ev.Type, "tool-use block without a tool name", nil)
		}
		if strings.TrimSpace(ev.ToolID) == "" {
			return a.protocolErr(ev.Type, "tool-use block without an id", nil)
		}
		a.call = &toolCallState{id: ev.ToolID, name: ev.ToolName}
	default:
		return a.protocolErr(ev.Type, fmt.Sprintf("unknown block kind %q", ev.Kind), nil)
	}
	a.open = true
	a.kind = ev.Kind
	return nil
}

func (a *Assembler) delta(ev StreamEvent) error {
	if !a.open {
		return a.protocolErr(ev.Type, "delta without an open block", nil)
	}
	switch a.kind {
	case KindText:
		if ev.PartialJSON != "" {
			return a.protocolErr(ev.Type, "argument fragment inside a text block", nil)
		}
		a.text.WriteString(ev.Text)
		if a.hooks.OnText != nil && ev.Text != "" {
			a.hooks.OnText(ev.Text)
		}
	case KindToolUse:
		if ev.Text != "" {
			return a.protocolErr(ev.Type, "text fragment inside a tool-use block", nil)
		}
		a.call.raw.WriteString(ev.PartialJSON)
		if a.hooks.OnArguments != nil && ev.PartialJSON != "" {
			if preview, ok := partialjson.Parse(a.call.raw.String()); ok {
				a.hooks.OnArguments(a.call.id, a.call.name, preview)
			}
		}
	}
	return nil
}

func (a *Assembler) stop() (*ContentBlock, error) {
	if !a.open {
		return nil, a.protocolErr(EventBlockStop, "stop without an open block", nil)
	}
	a.open = false

	var block ContentBlock
	switch a.kind {
	case KindText:
		block = TextBlock(a.text.String())
	case KindToolUse:
		call := a.call
		a.call = nil
		raw := strings.TrimSpace(call.raw.String())
		if raw == "" {
			raw = "{}"
		}
		if !json.Valid([]byte(raw)) {
			var probe any
			err := json.Unmarshal([]byte(raw), &probe)
			return nil, a.protocolErr(EventBlockStop, fmt.Sprintf("arguments for %s (%s) are not a complete document", call.name, call.id), err)
		}
		block = ToolUseBlock(ToolUse{ID: call.id, Name: call.name, Arguments: json.RawMessage(raw)})
	}
	a.blocks = append(a.blocks, block)
	return &block, nil
}

// Finish validates the end of the stream. A stream that ends while a block is
// still open is a protocol error; one that ends without EventTurnDone but
// with every block closed is accepted.
func (a *Assembler) Finish() error {
	if a.open {
		return a.protocolErr(EventTurnDone, "stream closed with an open block", nil)
	}
	a.done = true
	return nil
}

// Blocks returns the finished blocks in emission order.
func (a *Assembler) Blocks() []ContentBlock {
	out := make([]ContentBlock, len(a.blocks))
	copy(out, a.blocks)
	return out
}

// Done reports whether EventTurnDone was seen.
func (a *Assembler) Done() bool {
	return a.done
}

// StopReason returns the reason carried by EventTurnDone.
func (a *Assembler) StopReason() string {
	return a.stopReason
}

func (a *Assembler) protocolErr(event EventType, reason string, cause error) error {
	return &ProtocolError{Event: event, Reason: reason, Cause: cause}
}
