package agent

// EventType identifies a model stream event.
type EventType string

const (
	EventBlockStart EventType = "block_start"
	EventDelta      EventType = "delta"
	EventBlockStop  EventType = "block_stop"
	EventTurnDone   EventType = "turn_done"
	EventError      EventType = "error"
)

// BlockKind is the kind of block opened by EventBlockStart.
type BlockKind string

const (
	KindText    BlockKind = "text"
	KindToolUse BlockKind = "tool_use"
)

// StreamEvent is one event of a model round-trip. Which fields are set
// depends on Type:
//
//   - EventBlockStart: Kind, plus ToolName and ToolID for tool-use blocks
//   - EventDelta: Text for text blocks, PartialJSON for tool-use blocks
//   - EventBlockStop: nothing
//   - EventTurnDone: StopReason
//   - EventError: Err
type StreamEvent struct {
	Type        EventType
	Kind        BlockKind
	ToolName    string
	ToolID      string
	Text        string
	PartialJSON string
	StopReason  string
	Err         error
}

// TextStart opens a text block.
func TextStart() StreamEvent {
	return StreamEvent{Type: EventBlockStart, Kind: KindText}
}

// ToolUseStart opens a tool-use block.
func ToolUseStart(id, name string) StreamEvent {
	return StreamEvent{Type: EventBlockStart, Kind: KindToolUse, ToolID: id, ToolName: name}
}

// TextDelta carries a text fragment.
func TextDelta(text string) StreamEvent {
	return StreamEvent{Type: EventDelta, Text: text}
}

// ArgumentsDelta carries a raw tool-argument fragment.
func ArgumentsDelta(fragment string) StreamEvent {
	return StreamEvent{Type: EventDelta, PartialJSON: fragment}
}

// BlockStop closes the open block.
func BlockStop() StreamEvent {
	return StreamEvent{Type: EventBlockStop}
}

// TurnDone marks the end of the round-trip.
func TurnDone(reason string) StreamEvent {
	return StreamEvent{Type: EventTurnDone, StopReason: reason}
}

// StreamError reports a transport failure.
func StreamError(err error) StreamEvent {
	return StreamEvent{Type: EventError, Err: err}
}
