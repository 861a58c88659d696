package runners

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stevecastle/stereoeye/jobqueue"
	"github.com/stevecastle/stereoeye/tasks"
)

// Runners claims jobs from the queue and runs them on the matching task.
// How many run at once is bounded by the queue's limit.
type Runners struct {
	queue    *jobqueue.Queue
	registry *tasks.Registry
	mu       sync.Mutex
	running  int
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	jobs     sync.WaitGroup
}

// New creates a new Runners instance listening on the queue's signal channel.
func New(queue *jobqueue.Queue, registry *tasks.Registry) *Runners {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runners{
		queue:    queue,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.queue.Signal:
				r.CheckForJobs()
			}
		}
	}()

	return r
}

// Shutdown stops the signal listener and waits for running jobs to return.
// Jobs still pending stay in the queue.
func (r *Runners) Shutdown() {
	r.cancel()
	r.wg.Wait()
	r.jobs.Wait()
}

// Running reports how many jobs this pool is executing.
func (r *Runners) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// CheckForJobs claims and starts jobs until the queue has nothing
// claimable. It can be called externally or triggered by signals.
func (r *Runners) CheckForJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tryFetchJobAndRun()
}

// runJob starts a single job in a separate goroutine. Once it returns the
// job is finalized, its queue slot released and the next one fetched.
func (r *Runners) runJob(j *jobqueue.Job) {
	r.running++
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer func() {
			r.queue.ReleaseJob(j)
			r.mu.Lock()
			r.running--
			r.tryFetchJobAndRun()
			r.mu.Unlock()
		}()

		log := logrus.WithFields(logrus.Fields{"job": j.ID, "command": j.Command})
		task, exists := r.registry.GetTask(j.Command)
		if !exists {
			log.Warn("Task not found")
			r.queue.PushJobLog(j.ID, "Task not found: "+j.Command)
			r.queue.ErrorJob(j.ID, tasks.ErrUnknownTask)
			return
		}

		err := task.Fn(j, r.queue)
		r.finalize(j, err, log)
	}()
}

// finalize settles the job state whatever the task left behind. A job that
// was cancelled or removed meanwhile is not touched.
func (r *Runners) finalize(j *jobqueue.Job, err error, log *logrus.Entry) {
	if err == nil {
		if cerr := r.queue.CompleteJob(j.ID); cerr != nil {
			log.WithError(cerr).Debug("Job already finalized")
		}
		return
	}

	select {
	case <-j.Ctx.Done():
		log.WithError(err).Info("Job cancelled")
		r.queue.CancelJob(j.ID)
	default:
		log.WithError(err).Error("Job failed")
		r.queue.PushJobLog(j.ID, "Error: "+err.Error())
		r.queue.ErrorJob(j.ID, err)
	}
}

// tryFetchJobAndRun claims jobs while capacity allows. Callers hold r.mu.
func (r *Runners) tryFetchJobAndRun() {
	for r.ctx.Err() == nil {
		job, err := r.queue.ClaimJob()
		if err != nil || job == nil {
			return
		}
		r.runJob(job)
	}
}
