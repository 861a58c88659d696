package tasks

import (
	"errors"
	"maps"
	"sync"

	"github.com/stevecastle/stereoeye/jobqueue"
)

// ErrUnknownTask marks a job whose command has no registered task.
var ErrUnknownTask = errors.New("unknown task")

// TaskFunc runs a claimed job. Returning nil completes the job; an error
// marks it failed, or cancelled when the job's context is done.
type TaskFunc func(j *jobqueue.Job, q *jobqueue.Queue) error

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Fn   TaskFunc `json:"-"`
}

type TaskMap map[string]Task

// Registry maps job commands to tasks.
type Registry struct {
	mu    sync.RWMutex
	tasks TaskMap
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(TaskMap)}
}

// RegisterTask adds or replaces the task for id.
func (r *Registry) RegisterTask(id, name string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[id] = Task{
		ID:   id,
		Name: name,
		Fn:   fn,
	}
}

func (r *Registry) GetTask(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// GetTasks returns a copy of the registered tasks.
func (r *Registry) GetTasks() TaskMap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.tasks)
}

// Builtins returns a registry holding the render task.
func Builtins(deps RenderDeps) *Registry {
	r := NewRegistry()
	r.RegisterTask(RenderCommand, "Render stereo image", NewRenderTask(deps))
	return r
}
