package reconcile

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
)

// Cron runs periodic maintenance jobs.
type Cron struct {
	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewCron() *Cron {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	s.SingletonModeAll()

	return &Cron{
		scheduler: s,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Cron) Start() {
	c.scheduler.StartAsync()
}

// Stop waits for running jobs and cancels the context they were given.
func (c *Cron) Stop() {
	c.scheduler.Stop()
	c.cancel()
}

// ScheduleCron registers job under tag using a standard five-field cron
// expression. The job receives a context cancelled by Stop.
func (c *Cron) ScheduleCron(tag, expr string, job func(ctx context.Context) error) error {
	_, err := c.scheduler.Cron(expr).Tag(tag).Do(func() error {
		return job(c.ctx)
	})
	return err
}

func (c *Cron) ScheduleInterval(tag string, every time.Duration, job func(ctx context.Context) error) error {
	_, err := c.scheduler.Every(every).Tag(tag).Do(func() error {
		return job(c.ctx)
	})
	return err
}

func (c *Cron) RemoveJob(tag string) error {
	return c.scheduler.RemoveByTag(tag)
}

func (c *Cron) Jobs() []*gocron.Job {
	return c.scheduler.Jobs()
}
