package worker

import (
	"context"
	"sync"
)

// runningJobs tracks the cancel functions of executions in this process
type runningJobs struct {
	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

func newRunningJobs() *runningJobs {
	return &runningJobs{cancels: make(map[string]context.CancelCauseFunc)}
}

func (r *runningJobs) add(jobID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[jobID] = cancel
}

func (r *runningJobs) remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, jobID)
}

func (r *runningJobs) cancel(jobID string, cause error) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()

	if ok {
		cancel(cause)
	}
	return ok
}

func (r *runningJobs) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
