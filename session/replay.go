package session

import (
	"strconv"

	"github.com/mcpwire/streamablehttp-go/jsonrpc"
)

// Event is one buffered outbound envelope together with its per-session
// event id. Ids are strictly increasing and never reused within a session's
// lifetime, even across stream detach/reattach.
type Event struct {
	ID   uint64
	Data jsonrpc.Message
}

// EventID returns the SSE wire form of the event id.
func (e Event) EventID() string {
	return strconv.FormatUint(e.ID, 10)
}

// parseCursor parses a client-supplied "last seen event id".
func parseCursor(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	return id, nil
}

// replayBuffer is a bounded, ordered log of emitted events. Once the cap is
// exceeded the oldest entries are evicted; a resume cursor older than the
// window replays only what is still retained.
type replayBuffer struct {
	cap    int
	events []Event
}

func newReplayBuffer(capacity int) *replayBuffer {
	return &replayBuffer{cap: capacity, events: make([]Event, 0, capacity)}
}

func (b *replayBuffer) append(ev Event) {
	b.events = append(b.events, ev)
	if len(b.events) > b.cap {
		// Shift rather than reslice so the backing array does not pin
		// evicted payloads.
		n := copy(b.events, b.events[len(b.events)-b.cap:])
		b.events = b.events[:n]
	}
}

// after returns a copy of every retained event with id greater than cursor,
// in id order.
func (b *replayBuffer) after(cursor uint64) []Event {
	idx := len(b.events)
	for i, ev := range b.events {
		if ev.ID > cursor {
			idx = i
			break
		}
	}
	out := make([]Event, len(b.events)-idx)
	copy(out, b.events[idx:])
	return out
}
