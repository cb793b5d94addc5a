package telegraph

import "sync"

// serialQueue runs submitted work one at a time per key, in submission
// order. Different keys run concurrently. A key's worker goroutine exits
// once its backlog is empty.
type serialQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	wg      sync.WaitGroup
}

func newSerialQueue() *serialQueue {
	return &serialQueue{pending: make(map[string][]func())}
}

// Submit schedules fn behind any work already queued for key.
func (q *serialQueue) Submit(key string, fn func()) {
	q.mu.Lock()
	backlog, running := q.pending[key]
	q.pending[key] = append(backlog, fn)
	q.mu.Unlock()

	if running {
		return
	}
	q.wg.Add(1)
	go q.drain(key)
}

func (q *serialQueue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		backlog := q.pending[key]
		if len(backlog) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		fn := backlog[0]
		q.pending[key] = backlog[1:]
		q.mu.Unlock()

		fn()
	}
}

// Wait blocks until every submitted function has returned.
func (q *serialQueue) Wait() {
	q.wg.Wait()
}

// Len returns the number of keys with queued or running work.
func (q *serialQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
