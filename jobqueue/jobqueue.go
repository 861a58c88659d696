package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stevecastle/stereoeye/stream"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrInvalidState = errors.New("job is not in a valid state for this operation")
)

// JobState represents the current state of a job in the queue.
type JobState int

const (
	StatePending JobState = iota
	StateInProgress
	StateCompleted
	StateCancelled
	StateError
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Finished reports whether the job will never run again.
func (s JobState) Finished() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// Name is the lowercase form used in JSON and API responses.
func (s JobState) Name() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes JobState as a lowercase string for JSON.
func (s JobState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Name())
}

// UnmarshalJSON deserializes JobState from a string.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "pending":
		*s = StatePending
	case "in_progress":
		*s = StateInProgress
	case "completed":
		*s = StateCompleted
	case "cancelled":
		*s = StateCancelled
	case "error":
		*s = StateError
	default:
		*s = StatePending
	}
	return nil
}

// Output is what a finished job leaves in storage.
type Output struct {
	ResultKey    string          `json:"resultKey,omitempty"`
	ThumbnailKey string          `json:"thumbnailKey,omitempty"`
	ContentType  string          `json:"contentType,omitempty"`
	Stats        json.RawMessage `json:"stats,omitempty"`
}

// Job represents an individual task in the queue.
type Job struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
	// Storage keys owned by the job; removed together with it.
	Inputs []string           `json:"inputs"`
	Log    []string           `json:"log"`
	Output Output             `json:"output"`
	Error  string             `json:"error,omitempty"`
	State  JobState           `json:"state"`
	Ctx    context.Context    `json:"-"`
	Cancel context.CancelFunc `json:"-"`

	// Timestamps for various states
	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
	CompletedAt time.Time `json:"completed_at"`
	ErroredAt   time.Time `json:"errored_at"`

	// slot is set while the job counts against the limit.
	slot bool
}

// snapshot copies the job so callers can read it without the queue lock.
func (j *Job) snapshot() Job {
	c := *j
	c.Inputs = slices.Clone(j.Inputs)
	c.Log = slices.Clone(j.Log)
	return c
}

// Queue is a thread-safe FIFO of jobs, optionally persisted to SQLite.
type Queue struct {
	mu       sync.Mutex
	Jobs     map[string]*Job
	JobOrder []string // Keep track of the order in which jobs are added
	Signal   chan string
	Db       *sql.DB // Database connection for persistence
	// Events receives job updates when set.
	Events  *stream.Hub
	limit   int
	running int
}

// NewQueue initializes and returns a new in-memory Queue.
func NewQueue() *Queue {
	return &Queue{
		Jobs:   make(map[string]*Job),
		Signal: make(chan string, 100),
		limit:  1,
	}
}

// NewQueueWithDB initializes a Queue backed by db and loads the jobs already
// stored there. Jobs that were in progress are reset to pending.
func NewQueueWithDB(db *sql.DB) (*Queue, error) {
	q := NewQueue()
	q.Db = db

	if err := q.createJobsTable(); err != nil {
		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}
	if err := q.loadJobsFromDB(); err != nil {
		return nil, fmt.Errorf("failed to load jobs from database: %w", err)
	}
	return q, nil
}

// createJobsTable creates the jobs table if it doesn't exist
func (q *Queue) createJobsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		params TEXT, -- JSON object
		inputs TEXT, -- JSON array
		log TEXT, -- JSON array
		output TEXT, -- JSON object
		error TEXT,
		state INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		completed_at DATETIME,
		errored_at DATETIME,
		job_order_position INTEGER
	)`

	_, err := q.Db.Exec(query)
	return err
}

// saveJobToDB saves a single job to the database
func (q *Queue) saveJobToDB(job *Job) error {
	if q.Db == nil {
		return nil // No database connection
	}

	inputsJSON, _ := json.Marshal(job.Inputs)
	logJSON, _ := json.Marshal(job.Log)
	outputJSON, _ := json.Marshal(job.Output)
	params := string(job.Params)
	if params == "" {
		params = "null"
	}

	position := slices.Index(q.JobOrder, job.ID)

	query := `
	INSERT OR REPLACE INTO jobs (
		id, command, params, inputs, log, output, error, state,
		created_at, claimed_at, completed_at, errored_at, job_order_position
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.Db.Exec(query,
		job.ID,
		job.Command,
		params,
		string(inputsJSON),
		string(logJSON),
		string(outputJSON),
		job.Error,
		int(job.State),
		job.CreatedAt,
		job.ClaimedAt,
		job.CompletedAt,
		job.ErroredAt,
		position,
	)

	return err
}

// persist saves job and logs failures; the in-memory state stays
// authoritative.
func (q *Queue) persist(job *Job, what string) {
	if err := q.saveJobToDB(job); err != nil {
		logrus.WithError(err).WithField("job", job.ID).Errorf("Failed to save job (%s) to database", what)
	}
}

// loadJobsFromDB loads all jobs from the database
func (q *Queue) loadJobsFromDB() error {
	if q.Db == nil {
		return nil // No database connection
	}

	query := `
	SELECT id, command, COALESCE(params, 'null'), COALESCE(inputs, '[]'), COALESCE(log, '[]'),
		   COALESCE(output, '{}'), COALESCE(error, ''), state,
		   created_at, claimed_at, completed_at, errored_at, job_order_position
	FROM jobs
	ORDER BY job_order_position, created_at`

	rows, err := q.Db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	var resumedJobs []string

	for rows.Next() {
		var job Job
		var params, inputsJSON, logJSON, outputJSON string
		var state int
		var position int

		err := rows.Scan(
			&job.ID,
			&job.Command,
			&params,
			&inputsJSON,
			&logJSON,
			&outputJSON,
			&job.Error,
			&state,
			&job.CreatedAt,
			&job.ClaimedAt,
			&job.CompletedAt,
			&job.ErroredAt,
			&position,
		)
		if err != nil {
			logrus.WithError(err).Warn("Skipping unreadable job row")
			continue
		}

		if params != "null" {
			job.Params = json.RawMessage(params)
		}
		if err := json.Unmarshal([]byte(inputsJSON), &job.Inputs); err != nil {
			job.Inputs = nil
		}
		if err := json.Unmarshal([]byte(logJSON), &job.Log); err != nil {
			job.Log = nil
		}
		if err := json.Unmarshal([]byte(outputJSON), &job.Output); err != nil {
			job.Output = Output{}
		}

		job.State = JobState(state)

		// If job was in progress, reset it to pending so it can be resumed
		if job.State == StateInProgress {
			job.State = StatePending
			job.ClaimedAt = time.Time{}
			resumedJobs = append(resumedJobs, job.ID)
		}

		// Recreate context and cancel function
		ctx, cancel := context.WithCancel(context.Background())
		job.Ctx = ctx
		job.Cancel = cancel

		q.Jobs[job.ID] = &job
		q.JobOrder = append(q.JobOrder, job.ID)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if len(resumedJobs) > 0 {
		logrus.WithField("jobs", resumedJobs).Infof("Resumed %d jobs that were in progress", len(resumedJobs))
		for _, job := range resumedJobs {
			q.persist(q.Jobs[job], "resumed state")
		}
	}
	// Let runners pick up whatever is pending.
	for _, id := range q.JobOrder {
		if q.Jobs[id].State == StatePending {
			q.notify(id)
		}
	}

	return nil
}

// removeJobFromDB removes a job from the database
func (q *Queue) removeJobFromDB(jobID string) error {
	if q.Db == nil {
		return nil // No database connection
	}

	_, err := q.Db.Exec("DELETE FROM jobs WHERE id = ?", jobID)
	return err
}

// SaveAllJobsToDB saves all current jobs to the database
func (q *Queue) SaveAllJobsToDB() error {
	if q.Db == nil {
		return nil // No database connection
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var errs []error
	for _, job := range q.Jobs {
		if err := q.saveJobToDB(job); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
	}

	return errors.Join(errs...)
}

// notify wakes the runners without ever blocking the caller.
func (q *Queue) notify(id string) {
	select {
	case q.Signal <- id:
	default:
		// Channel full; the runners will find the job on their next pass.
	}
}

// SetLimit sets how many jobs may be in progress at once.
func (q *Queue) SetLimit(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limit = max(n, 1)
}

// Running returns the number of claimed jobs whose task has not yet
// returned.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// AddJob adds a new job to the queue and returns its generated ID. params is
// stored as JSON; inputs are the storage keys the job owns.
func (q *Queue) AddJob(command string, params any, inputs []string) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode job params: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        id,
		Command:   command,
		Params:    raw,
		Inputs:    inputs,
		State:     StatePending,
		Ctx:       ctx,
		Cancel:    cancel,
		CreatedAt: time.Now(),
	}
	q.Jobs[id] = job
	q.JobOrder = append(q.JobOrder, id)

	q.persist(job, "new job")
	q.publish("create", job)
	q.notify(id)

	return id, nil
}

// CopyJob queues a fresh pending copy of an existing job. The copy shares
// the original's inputs.
func (q *Queue) CopyJob(id string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return "", ErrJobNotFound
	}

	newID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	newJob := &Job{
		ID:        newID,
		Command:   job.Command,
		Params:    slices.Clone(job.Params),
		Inputs:    slices.Clone(job.Inputs),
		State:     StatePending,
		Ctx:       ctx,
		Cancel:    cancel,
		CreatedAt: time.Now(),
	}

	q.Jobs[newID] = newJob
	q.JobOrder = append(q.JobOrder, newID)

	q.persist(newJob, "copy")
	q.publish("create", newJob)
	q.notify(newID)

	return newID, nil
}

// ClaimJob returns the oldest pending job and marks it InProgress. It
// returns nil and no error when nothing is pending or the limit is reached.
func (q *Queue) ClaimJob() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running >= q.limit {
		return nil, nil
	}

	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State != StatePending {
			continue
		}

		job.State = StateInProgress
		job.ClaimedAt = time.Now()
		job.slot = true
		q.running++

		q.persist(job, "state")
		q.publish("update", job)
		return job, nil
	}

	// No claimable job found
	return nil, nil
}

// ErrorJob marks an in-progress job as failed with cause.
func (q *Queue) ErrorJob(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	if job.State != StateInProgress {
		return fmt.Errorf("cannot set error on %s job: %w", job.State, ErrInvalidState)
	}

	job.State = StateError
	job.ErroredAt = time.Now()
	if cause != nil {
		job.Error = cause.Error()
	}
	q.releaseLocked(job)
	job.Cancel()

	q.persist(job, "error state")
	q.publish("update", job)
	return nil
}

// CancelJob cancels a pending or in-progress job. A running task sees its
// context cancelled but keeps its slot until ReleaseJob.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	if job.State != StatePending && job.State != StateInProgress {
		return fmt.Errorf("cannot cancel %s job: %w", job.State, ErrInvalidState)
	}
	job.Cancel()
	job.State = StateCancelled

	q.persist(job, "cancellation")
	q.publish("update", job)
	return nil
}

// PushJobLog appends a progress line to the job.
func (q *Queue) PushJobLog(id string, line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	job.Log = append(job.Log, line)

	q.persist(job, "log")
	q.publishLine(id, line)
	return nil
}

// SetOutput records the storage keys produced by an in-progress job.
func (q *Queue) SetOutput(id string, out Output) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StateInProgress {
		return fmt.Errorf("cannot set output on %s job: %w", job.State, ErrInvalidState)
	}
	job.Output = out
	q.persist(job, "output")
	return nil
}

// CompleteJob marks the specified job as completed if it is currently InProgress.
func (q *Queue) CompleteJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	if job.State != StateInProgress {
		return fmt.Errorf("cannot complete %s job: %w", job.State, ErrInvalidState)
	}

	job.State = StateCompleted
	job.CompletedAt = time.Now()
	q.releaseLocked(job)
	job.Cancel()

	q.persist(job, "completion")
	q.publish("update", job)
	return nil
}

// GetJobs returns copies of all jobs, newest first.
func (q *Queue) GetJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, 0, len(q.JobOrder))
	for i := len(q.JobOrder) - 1; i >= 0; i-- {
		jobs = append(jobs, q.Jobs[q.JobOrder[i]].snapshot())
	}
	return jobs
}

// GetJob returns a copy of the job with id.
func (q *Queue) GetJob(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return Job{}, false
	}
	return job.snapshot(), true
}

// RemoveJob deletes a job, cancelling it first if it is still running, and
// returns what was removed so the caller can release its storage. A running
// task keeps its slot until ReleaseJob.
func (q *Queue) RemoveJob(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return Job{}, ErrJobNotFound
	}

	job.Cancel()
	q.removeLocked(id)
	return job.snapshot(), nil
}

// ClearFinishedJobs removes every completed, cancelled or failed job and
// returns them.
func (q *Queue) ClearFinishedJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []Job
	for _, jobID := range slices.Clone(q.JobOrder) {
		job := q.Jobs[jobID]
		if !job.State.Finished() {
			continue
		}
		q.removeLocked(jobID)
		removed = append(removed, job.snapshot())
	}
	return removed
}

// ReleaseJob frees the slot a claimed job holds once its task has returned.
// It is a no-op when the slot was already released.
func (q *Queue) ReleaseJob(j *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(j)
}

func (q *Queue) releaseLocked(j *Job) {
	if j.slot {
		j.slot = false
		q.running--
	}
}

func (q *Queue) removeLocked(id string) {
	delete(q.Jobs, id)
	if i := slices.Index(q.JobOrder, id); i >= 0 {
		q.JobOrder = slices.Delete(q.JobOrder, i, i+1)
	}

	if err := q.removeJobFromDB(id); err != nil {
		logrus.WithError(err).WithField("job", id).Error("Failed to remove job from database")
	}
	q.publish("delete", &Job{ID: id})
}

// SharedInputs reports which of keys are still referenced by a job other
// than except.
func (q *Queue) SharedInputs(except string, keys []string) map[string]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	shared := map[string]bool{}
	for id, job := range q.Jobs {
		if id == except {
			continue
		}
		for _, k := range job.Inputs {
			if slices.Contains(keys, k) {
				shared[k] = true
			}
		}
	}
	return shared
}

type SerializedJob struct {
	UpdateType string `json:"updateType"`
	Job        Job    `json:"job"`
}

type SerializedLog struct {
	UpdateType string `json:"updateType"`
	Line       string `json:"line"`
}

func (q *Queue) publish(updateType string, job *Job) {
	if q.Events == nil {
		return
	}
	j, err := json.Marshal(SerializedJob{UpdateType: updateType, Job: job.snapshot()})
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal job event")
		return
	}
	q.Events.Broadcast(stream.Message{Type: updateType, Msg: string(j)})
}

func (q *Queue) publishLine(id, line string) {
	if q.Events == nil {
		return
	}
	j, err := json.Marshal(SerializedLog{UpdateType: "log", Line: line})
	if err != nil {
		return
	}
	// Type is in the format `log-<job-id>`
	q.Events.Broadcast(stream.Message{Type: "log-" + id, Msg: string(j)})
}
