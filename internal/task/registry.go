package task

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// ============================================================================
// Pid allocation and the task index
// ============================================================================

// Registry hands out pids and indexes live and zombie tasks by tid. The
// index does not keep tasks alive: a task leaves it when it is reaped.
type Registry struct {
	mutex    sync.RWMutex
	next     int
	recycled []int
	limit    int
	tasks    map[int]*Task
}

// NewRegistry creates a registry allowing at most limit tasks.
func NewRegistry(limit int) *Registry {
	return &Registry{next: 1, limit: limit, tasks: make(map[int]*Task)}
}

// alloc returns the lowest recycled pid, or a fresh one.
func (r *Registry) alloc() (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.limit > 0 && len(r.tasks) >= r.limit {
		return 0, fmt.Errorf("task limit %d reached: %w", r.limit, unix.EAGAIN)
	}
	if n := len(r.recycled); n > 0 {
		sort.Ints(r.recycled)
		pid := r.recycled[0]
		r.recycled = r.recycled[1:]
		r.tasks[pid] = nil
		return pid, nil
	}
	pid := r.next
	r.next++
	r.tasks[pid] = nil
	return pid, nil
}

func (r *Registry) insert(t *Task) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.tasks[t.tid] = t
}

// remove drops tid from the index and recycles the pid.
func (r *Registry) remove(tid int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.tasks[tid]; !ok {
		return
	}
	delete(r.tasks, tid)
	r.recycled = append(r.recycled, tid)
}

// Lookup returns the task with the given tid.
func (r *Registry) Lookup(tid int) *Task {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.tasks[tid]
}

// Len returns the number of allocated pids.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.tasks)
}

// Tasks returns the indexed tasks ordered by tid.
func (r *Registry) Tasks() []*Task {
	r.mutex.RLock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if t != nil {
			out = append(out, t)
		}
	}
	r.mutex.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].tid < out[j].tid })
	return out
}
