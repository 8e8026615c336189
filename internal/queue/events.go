package queue

import "github.com/hollowcrest/pretranscode/internal/domain"

// EventType classifies a change broadcast to queue subscribers.
type EventType int

const (
	EventEnqueued EventType = iota
	EventStatusChanged
	EventRemoved
	EventReordered
)

// Event is one change to the queue's job tables, fanned out to subscribers
// so a UI layer can update live without polling GetStats.
type Event struct {
	Type EventType
	Job  *domain.TranscodeJob
}

// Subscribe registers a new listener for queue events. The returned
// channel is closed only by Unsubscribe.
func (q *Queue) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	q.subMu.Lock()
	q.subscribers[ch] = struct{}{}
	q.subMu.Unlock()
	return ch
}

// Unsubscribe removes a listener previously returned by Subscribe.
func (q *Queue) Unsubscribe(ch <-chan Event) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for c := range q.subscribers {
		if c == ch {
			delete(q.subscribers, c)
			close(c)
			return
		}
	}
}

func (q *Queue) publish(evt Event) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for ch := range q.subscribers {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; drop rather than block a mutation under lock.
		}
	}
}
