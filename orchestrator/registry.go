package orchestrator

import "sync"

// taskRegistry tracks live tasks by id.
type taskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*task
}

func (r *taskRegistry) init() {
	r.tasks = make(map[string]*task)
}

func (r *taskRegistry) put(id string, t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[id] = t
}

func (r *taskRegistry) get(id string) (*task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

func (r *taskRegistry) remove(id string) (*task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if ok {
		delete(r.tasks, id)
	}
	return t, ok
}
