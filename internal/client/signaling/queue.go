package signaling

import (
	"sync"

	"github.com/dkeye/huddle/internal/protocol"
)

// eventQueue decouples the jsonrpc2 read loop from the consumer. It never
// blocks push, so a slow consumer cannot stall replies to pending calls.
type eventQueue struct {
	mu     sync.Mutex
	items  []protocol.Event
	closed bool
	wake   chan struct{}
	out    chan protocol.Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan protocol.Event),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(ev protocol.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		ev := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- ev
	}
}
