// Package memory keeps the conversation sent to the language model.
package memory

import (
	"context"
	"slices"
	"sync"

	chat "github.com/hanpama/modelquery/internal/chat"
)

// DefaultMaxMessages is the window size used when none is given.
const DefaultMaxMessages = 10

// Memory stores the messages of one conversation.
type Memory interface {
	Add(ctx context.Context, msgs ...chat.Message) error
	Messages(ctx context.Context) ([]chat.Message, error)
	Clear(ctx context.Context) error
}

// appendWindow adds msgs and evicts the oldest messages beyond max. There is
// at most one system message; it is kept first and never evicted, and a new
// one replaces it.
func appendWindow(msgs []chat.Message, max int, add ...chat.Message) []chat.Message {
	for _, m := range add {
		if m.Role == chat.RoleSystem {
			msgs = slices.DeleteFunc(msgs, isSystem)
			msgs = slices.Insert(msgs, 0, m)
			continue
		}
		msgs = append(msgs, m)
	}
	for len(msgs) > max {
		i := 0
		if isSystem(msgs[0]) {
			i = 1
		}
		if i >= len(msgs) {
			break
		}
		msgs = slices.Delete(msgs, i, i+1)
	}
	return msgs
}

func isSystem(m chat.Message) bool { return m.Role == chat.RoleSystem }

// Window is an in-process Memory.
type Window struct {
	mu   sync.Mutex
	max  int
	msgs []chat.Message
}

var _ Memory = (*Window)(nil)

// NewWindow keeps at most max messages; max <= 0 means DefaultMaxMessages.
func NewWindow(max int) *Window {
	if max <= 0 {
		max = DefaultMaxMessages
	}
	return &Window{max: max}
}

func (w *Window) Add(_ context.Context, msgs ...chat.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = appendWindow(w.msgs, w.max, msgs...)
	return nil
}

func (w *Window) Messages(context.Context) ([]chat.Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.msgs), nil
}

func (w *Window) Clear(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = nil
	return nil
}
