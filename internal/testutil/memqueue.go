package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"social-publisher/internal/queue"
)

// MemoryQueue implements queue.Port in memory. Jobs stay until cancelled
// or taken with Take.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]queue.JobInfo
	seq  map[string]int
	next int
	now  func() time.Time

	EnqueueErr error
	CancelErr  error
	LookupErr  error
	ScanErr    error
	// CancelCalls counts Cancel invocations.
	CancelCalls int
}

var _ queue.Port = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]queue.JobInfo),
		seq:  make(map[string]int),
		now:  time.Now,
	}
}

// WithClock makes ProcessAt relative to now.
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

func key(queueName, id string) string {
	return queueName + "/" + id
}

func (q *MemoryQueue) Enqueue(_ context.Context, taskType string, payload any, opts queue.EnqueueOptions) (*queue.JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.EnqueueErr != nil {
		return nil, q.EnqueueErr
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	k := key(opts.Queue, id)
	if _, ok := q.jobs[k]; ok {
		return nil, queue.ErrDuplicateJob
	}
	state := "pending"
	if opts.Delay > 0 {
		state = "scheduled"
	}
	maxRetry := 0
	if opts.MaxAttempts > 0 {
		maxRetry = opts.MaxAttempts - 1
	}
	job := queue.JobInfo{
		ID:        id,
		Type:      taskType,
		Queue:     opts.Queue,
		Payload:   data,
		State:     state,
		ProcessAt: q.now().Add(opts.Delay),
		MaxRetry:  maxRetry,
	}
	q.jobs[k] = job
	q.next++
	q.seq[k] = q.next
	return &job, nil
}

func (q *MemoryQueue) Cancel(_ context.Context, queueName, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.CancelCalls++
	if q.CancelErr != nil {
		return q.CancelErr
	}
	k := key(queueName, jobID)
	if _, ok := q.jobs[k]; !ok {
		return queue.ErrJobNotFound
	}
	delete(q.jobs, k)
	delete(q.seq, k)
	return nil
}

func (q *MemoryQueue) Lookup(_ context.Context, queueName, jobID string) (*queue.JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.LookupErr != nil {
		return nil, q.LookupErr
	}
	job, ok := q.jobs[key(queueName, jobID)]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return &job, nil
}

func (q *MemoryQueue) Scan(_ context.Context, queueName string, match func(queue.JobInfo) bool) ([]queue.JobInfo, error) {
	q.mu.Lock()
	scanErr := q.ScanErr
	q.mu.Unlock()
	if scanErr != nil {
		return nil, scanErr
	}
	var out []queue.JobInfo
	for _, job := range q.Jobs(queueName) {
		if match(job) {
			out = append(out, job)
		}
	}
	return out, nil
}

// Jobs returns the jobs waiting on queueName in enqueue order.
func (q *MemoryQueue) Jobs(queueName string) []queue.JobInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	type entry struct {
		seq int
		job queue.JobInfo
	}
	var entries []entry
	for k, job := range q.jobs {
		if job.Queue == queueName && waiting(job.State) {
			entries = append(entries, entry{q.seq[k], job})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]queue.JobInfo, len(entries))
	for i, e := range entries {
		out[i] = e.job
	}
	return out
}

// Archive moves a job to the archived state, as asynq does once a task
// exhausts its retries. Archived jobs keep their id but are not waiting.
func (q *MemoryQueue) Archive(queueName, jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := key(queueName, jobID)
	job, ok := q.jobs[k]
	if !ok {
		return false
	}
	job.State = "archived"
	q.jobs[k] = job
	return true
}

func waiting(state string) bool {
	switch state {
	case "pending", "scheduled", "retry":
		return true
	}
	return false
}

// Take removes and returns the earliest-due job on queueName.
func (q *MemoryQueue) Take(queueName string) (queue.JobInfo, bool) {
	jobs := q.Jobs(queueName)
	if len(jobs) == 0 {
		return queue.JobInfo{}, false
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].ProcessAt.Before(jobs[j].ProcessAt) })
	job := jobs[0]
	q.mu.Lock()
	delete(q.jobs, key(queueName, job.ID))
	delete(q.seq, key(queueName, job.ID))
	q.mu.Unlock()
	return job, true
}

// Decode unmarshals a job payload into v.
func Decode(job queue.JobInfo, v any) error {
	return json.Unmarshal(job.Payload, v)
}
