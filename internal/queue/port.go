package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("job with this id already exists")
	// ErrJobActive is returned when cancelling a job a worker has claimed.
	ErrJobActive = errors.New("job is already running")
)

type EnqueueOptions struct {
	Queue       string
	JobID       string
	Delay       time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// JobInfo is the queue-agnostic view of a job.
type JobInfo struct {
	ID        string
	Type      string
	Queue     string
	Payload   []byte
	State     string
	ProcessAt time.Time
	Retried   int
	MaxRetry  int
}

// Port is the durable delayed job queue used by the scheduler, publisher
// and engagement poller.
type Port interface {
	Enqueue(ctx context.Context, taskType string, payload any, opts EnqueueOptions) (*JobInfo, error)
	// Cancel removes a job that has not been claimed yet.
	Cancel(ctx context.Context, queue, jobID string) error
	Lookup(ctx context.Context, queue, jobID string) (*JobInfo, error)
	// Scan returns waiting jobs (pending, scheduled, retry) for which match
	// returns true.
	Scan(ctx context.Context, queue string, match func(JobInfo) bool) ([]JobInfo, error)
}

// AsynqPort implements Port on a Redis-backed asynq deployment.
type AsynqPort struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	pageSize  int
}

func NewAsynqPort(redisOpt asynq.RedisConnOpt) *AsynqPort {
	return &AsynqPort{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		pageSize:  100,
	}
}

func (p *AsynqPort) Close() error {
	return errors.Join(p.client.Close(), p.inspector.Close())
}

func (p *AsynqPort) Enqueue(ctx context.Context, taskType string, payload any, opts EnqueueOptions) (*JobInfo, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	taskOpts := []asynq.Option{asynq.Queue(opts.Queue)}
	if opts.JobID != "" {
		taskOpts = append(taskOpts, asynq.TaskID(opts.JobID))
	}
	if opts.Delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(opts.Delay))
	}
	if opts.MaxAttempts > 0 {
		taskOpts = append(taskOpts, asynq.MaxRetry(opts.MaxAttempts-1))
	}
	if opts.Timeout > 0 {
		taskOpts = append(taskOpts, asynq.Timeout(opts.Timeout))
	}

	info, err := p.client.EnqueueContext(ctx, asynq.NewTask(taskType, data), taskOpts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil, ErrDuplicateJob
		}
		return nil, err
	}
	return toJobInfo(info), nil
}

func (p *AsynqPort) Cancel(_ context.Context, queue, jobID string) error {
	err := p.inspector.DeleteTask(queue, jobID)
	if err == nil {
		return nil
	}
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return ErrJobNotFound
	}
	// DeleteTask refuses active tasks; report that distinctly.
	if info, infoErr := p.inspector.GetTaskInfo(queue, jobID); infoErr == nil && info.State == asynq.TaskStateActive {
		return ErrJobActive
	}
	return err
}

func (p *AsynqPort) Lookup(_ context.Context, queue, jobID string) (*JobInfo, error) {
	info, err := p.inspector.GetTaskInfo(queue, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return toJobInfo(info), nil
}

func (p *AsynqPort) Scan(ctx context.Context, queue string, match func(JobInfo) bool) ([]JobInfo, error) {
	listers := []func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error){
		p.inspector.ListScheduledTasks,
		p.inspector.ListPendingTasks,
		p.inspector.ListRetryTasks,
	}

	var found []JobInfo
	for _, list := range listers {
		for page := 1; ; page++ {
			if err := ctx.Err(); err != nil {
				return found, err
			}
			tasks, err := list(queue, asynq.PageSize(p.pageSize), asynq.Page(page))
			if err != nil {
				if errors.Is(err, asynq.ErrQueueNotFound) {
					break
				}
				return found, err
			}
			for _, t := range tasks {
				if job := toJobInfo(t); match(*job) {
					found = append(found, *job)
				}
			}
			if len(tasks) < p.pageSize {
				break
			}
		}
	}
	return found, nil
}

func toJobInfo(info *asynq.TaskInfo) *JobInfo {
	return &JobInfo{
		ID:        info.ID,
		Type:      info.Type,
		Queue:     info.Queue,
		Payload:   info.Payload,
		State:     info.State.String(),
		ProcessAt: info.NextProcessAt,
		Retried:   info.Retried,
		MaxRetry:  info.MaxRetry,
	}
}

// PayloadField decodes one string field of a JSON payload. Used by scan
// matchers.
func PayloadField(payload []byte, field string) string {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	s, _ := m[field].(string)
	return s
}
