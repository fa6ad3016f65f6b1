package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"social-publisher/internal/apperr"
)

type publishFunc func(ctx context.Context, postID, userID string, attempt Attempt) error

func (f publishFunc) HandlePublishJob(ctx context.Context, postID, userID string, attempt Attempt) error {
	return f(ctx, postID, userID, attempt)
}

type collectFunc func(ctx context.Context, platformID, userID string) error

func (f collectFunc) Collect(ctx context.Context, platformID, userID string) error {
	return f(ctx, platformID, userID)
}

func TestProcessPublishPassesPayload(t *testing.T) {
	var gotPost, gotUser string
	var gotAttempt Attempt
	p := NewTaskProcessor(publishFunc(func(_ context.Context, postID, userID string, a Attempt) error {
		gotPost, gotUser, gotAttempt = postID, userID, a
		return nil
	}), nil, nil, nil)

	task := asynq.NewTask(TaskPublishPost, []byte(`{"post_id":"p1","user_id":"u1"}`))
	require.NoError(t, p.ProcessPublish(context.Background(), task))
	assert.Equal(t, "p1", gotPost)
	assert.Equal(t, "u1", gotUser)
	assert.Equal(t, Attempt{Number: 1, Max: 1}, gotAttempt)
}

func TestProcessPublishMalformedPayloadSkipsRetry(t *testing.T) {
	called := false
	p := NewTaskProcessor(publishFunc(func(context.Context, string, string, Attempt) error {
		called = true
		return nil
	}), nil, nil, nil)

	err := p.ProcessPublish(context.Background(), asynq.NewTask(TaskPublishPost, []byte(`{`)))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.False(t, called)

	err = p.ProcessPublish(context.Background(), asynq.NewTask(TaskPublishPost, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestProcessorErrorClassification(t *testing.T) {
	transient := apperr.Transient("upstream down", errors.New("503"))
	terminal := apperr.Terminal("bad request", errors.New("400"))

	tests := []struct {
		name      string
		err       error
		skipRetry bool
	}{
		{"transient retries", transient, false},
		{"unknown retries", errors.New("boom"), false},
		{"terminal is permanent", terminal, true},
		{"validation is permanent", apperr.Validation("nope"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewTaskProcessor(nil, collectFunc(func(context.Context, string, string) error {
				return tt.err
			}), nil, nil)
			err := p.ProcessCollect(context.Background(),
				asynq.NewTask(TaskCollectEngagement, []byte(`{"platform_id":"x1","user_id":"u1"}`)))
			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestProcessorRecoversPanic(t *testing.T) {
	p := NewTaskProcessor(publishFunc(func(context.Context, string, string, Attempt) error {
		panic("kaboom")
	}), nil, nil, nil)

	var err error
	assert.NotPanics(t, func() {
		err = p.ProcessPublish(context.Background(),
			asynq.NewTask(TaskPublishPost, []byte(`{"post_id":"p1"}`)))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}
