package agent

import (
	"sync"
	"sync/atomic"
)

// History is the append-only conversation owned by one loop.
type History struct {
	mu       sync.RWMutex
	messages []Message
}

// NewHistory creates a history seeded with messages.
func NewHistory(messages ...Message) *History {
	return &History{messages: append([]Message(nil), messages...)}
}

// Append adds a message to the end of the history.
func (h *History) Append(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

// Messages returns a snapshot of the history.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Message(nil), h.messages...)
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Last returns the most recent message.
func (h *History) Last() (Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.messages) == 0 {
		return Message{}, false
	}
	return h.messages[len(h.messages)-1], true
}

// TurnCounter counts completed model round-trips. It only moves forward.
type TurnCounter struct {
	n atomic.Int64
}

// Inc records one round-trip and returns the new count.
func (c *TurnCounter) Inc() int {
	return int(c.n.Add(1))
}

// Value returns the current count.
func (c *TurnCounter) Value() int {
	return int(c.n.Load())
}
