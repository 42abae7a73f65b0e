package d2e

import "sync"

// activityQueue buffers subscribe-stream activities between the background
// reader and turn draining. It is unbounded so the reader never blocks on a
// slow consumer. Once failed, the failure is returned by every read that
// finds the buffer empty.
type activityQueue struct {
	mu     sync.Mutex
	items  []*Activity
	err    error
	notify chan struct{}
}

func newActivityQueue() *activityQueue {
	return &activityQueue{notify: make(chan struct{}, 1)}
}

func (q *activityQueue) push(act *Activity) {
	q.mu.Lock()
	q.items = append(q.items, act)
	q.mu.Unlock()
	q.signal()
}

// fail records the first failure of the subscribe stream.
func (q *activityQueue) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

// pop returns the next buffered activity, or the recorded failure once the
// buffer is empty. ok is false when there is nothing to read yet.
func (q *activityQueue) pop() (act *Activity, err error, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		act = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		return act, nil, true
	}
	if q.err != nil {
		return nil, q.err, true
	}
	return nil, nil, false
}

// buffered reports how many activities are buffered.
func (q *activityQueue) buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ready fires after a push or fail. Readers must pop until !ok after each
// signal, since signals coalesce.
func (q *activityQueue) ready() <-chan struct{} {
	return q.notify
}

func (q *activityQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
