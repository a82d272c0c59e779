package computer

import (
	"sync"

	"github.com/Heliodex/cocraft/lua/vm"
)

// Event is a named message delivered to a program when it pulls events.
type Event struct {
	Name string
	Args []vm.Val
}

// values are what the program's pull returns.
func (e Event) values() []vm.Val {
	return append([]vm.Val{e.Name}, e.Args...)
}

// eventQueue is a bounded FIFO, safe for use from any goroutine.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

func newEventQueue(limit int) *eventQueue {
	return &eventQueue{limit: limit}
}

// push appends e, reporting false if the queue was full and e was dropped.
func (q *eventQueue) push(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && len(q.events) >= q.limit {
		return false
	}
	q.events = append(q.events, e)
	return true
}

func (q *eventQueue) pop() (e Event, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return
	}
	e = q.events[0]
	q.events[0] = Event{}
	q.events = q.events[1:]
	return e, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *eventQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = nil
}
