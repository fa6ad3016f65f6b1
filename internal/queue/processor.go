package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/hibiken/asynq"

	"social-publisher/internal/apperr"
	"social-publisher/internal/telemetry"
)

type PublishHandler interface {
	HandlePublishJob(ctx context.Context, postID, userID string, attempt Attempt) error
}

type CollectHandler interface {
	Collect(ctx context.Context, platformID, userID string) error
}

// TaskProcessor adapts asynq tasks to the publish and collect handlers.
type TaskProcessor struct {
	publish PublishHandler
	collect CollectHandler
	log     *slog.Logger
	metrics *telemetry.Metrics
}

func NewTaskProcessor(publish PublishHandler, collect CollectHandler, log *slog.Logger, metrics *telemetry.Metrics) *TaskProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &TaskProcessor{publish: publish, collect: collect, log: log, metrics: metrics}
}

func (p *TaskProcessor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskPublishPost, p.ProcessPublish)
	mux.HandleFunc(TaskCollectEngagement, p.ProcessCollect)
}

func (p *TaskProcessor) ProcessPublish(ctx context.Context, t *asynq.Task) (err error) {
	var payload PublishPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.PostID == "" {
		p.log.Error("Discarding malformed publish task", "payload", string(t.Payload()))
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}
	defer p.recover(ctx, t, &err)

	attempt := AttemptFromContext(ctx)
	err = p.publish.HandlePublishJob(ctx, payload.PostID, payload.UserID, attempt)
	return p.finish(ctx, t, err)
}

func (p *TaskProcessor) ProcessCollect(ctx context.Context, t *asynq.Task) (err error) {
	var payload CollectPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.PlatformID == "" {
		p.log.Error("Discarding malformed collect task", "payload", string(t.Payload()))
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}
	defer p.recover(ctx, t, &err)

	err = p.collect.Collect(ctx, payload.PlatformID, payload.UserID)
	return p.finish(ctx, t, err)
}

func (p *TaskProcessor) finish(ctx context.Context, t *asynq.Task, err error) error {
	if err == nil {
		p.metrics.RecordJob(ctx, t.Type(), "success")
		return nil
	}
	if !apperr.KindOf(err).Retryable() {
		p.metrics.RecordJob(ctx, t.Type(), "failed")
		return Permanent(err)
	}
	p.metrics.RecordJob(ctx, t.Type(), "retry")
	return err
}

func (p *TaskProcessor) recover(ctx context.Context, t *asynq.Task, err *error) {
	r := recover()
	if r == nil {
		return
	}
	p.log.Error("Task handler panicked", "type", t.Type(), "panic", r, "stack", string(debug.Stack()))
	p.metrics.RecordJob(ctx, t.Type(), "panic")
	*err = fmt.Errorf("task %s panicked: %v", t.Type(), r)
}
