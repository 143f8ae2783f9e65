package orchestrator

import "sync"

// Lockset tracks which tasks are currently executing. A delivery for a
// task that is already running is dropped rather than queued; the
// platform re-delivers or the user re-triggers if the work mattered.
type Lockset struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLockset() *Lockset {
	return &Lockset{held: make(map[string]struct{})}
}

// TryAcquire claims the task, returning false if it is already held.
func (l *Lockset) TryAcquire(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[taskID]; ok {
		return false
	}
	l.held[taskID] = struct{}{}
	return true
}

// Release frees the task. Releasing an unheld task is a no-op.
func (l *Lockset) Release(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, taskID)
}

// Held reports whether the task is currently claimed.
func (l *Lockset) Held(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[taskID]
	return ok
}

// Active returns the number of claimed tasks.
func (l *Lockset) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
