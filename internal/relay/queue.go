package relay

import (
	"sync"

	"lnd-nwc/internal/types"
)

// inbox holds events between the relay read loops and the consumer of
// Notifications. Read loops never wait on it, so OK replies keep flowing
// while the consumer is busy publishing.
type inbox struct {
	mu    sync.Mutex
	items []types.InboundEvent
	limit int
	ready chan struct{}
}

func newInbox(limit int) *inbox {
	return &inbox{limit: limit, ready: make(chan struct{}, 1)}
}

// push appends ev and reports false when the inbox is full.
func (q *inbox) push(ev types.InboundEvent) bool {
	q.mu.Lock()
	if len(q.items) >= q.limit {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *inbox) pop() (types.InboundEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return types.InboundEvent{}, false
	}
	ev := q.items[0]
	q.items[0] = types.InboundEvent{}
	q.items = q.items[1:]
	return ev, true
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// pump moves queued events to the notification channel in arrival order
// until the pool closes.
func (p *Pool) pump() {
	defer p.wg.Done()
	for {
		ev, ok := p.inbox.pop()
		if !ok {
			select {
			case <-p.inbox.ready:
				continue
			case <-p.ctx.Done():
				return
			}
		}
		select {
		case p.events <- ev:
		case <-p.ctx.Done():
			return
		}
	}
}
