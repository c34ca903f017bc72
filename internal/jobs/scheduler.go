package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Task is one periodic piece of background work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler ticks every task on its own interval. A tick that is still
// running when the next one fires is skipped, and a panicking tick is
// logged instead of taking the process down.
type Scheduler struct {
	cron  *cron.Cron
	chain cron.Chain
	tasks []Task
	wg    sync.WaitGroup
}

func NewScheduler(tasks ...Task) *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cron:  cron.New(cron.WithLogger(logger)),
		chain: cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		tasks: tasks,
	}
}

// Start schedules every task and runs each one immediately. ctx is handed
// to every run; cancelling it is how callers abort in-flight work.
func (s *Scheduler) Start(ctx context.Context) {
	for _, task := range s.tasks {
		job := s.wrap(ctx, task)
		s.cron.Schedule(cron.Every(task.Interval), job)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			job.Run()
		}()
		log.Info().Str("task", task.Name).Dur("interval", task.Interval).Msg("scheduled task")
	}
	s.cron.Start()
}

// Stop prevents further ticks and waits for running ones until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) wrap(ctx context.Context, task Task) cron.Job {
	return s.chain.Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := task.Run(ctx); err != nil {
			log.Error().Err(err).Str("task", task.Name).Dur("elapsed", time.Since(start)).Msg("task failed")
			return
		}
		log.Debug().Str("task", task.Name).Dur("elapsed", time.Since(start)).Msg("task finished")
	}))
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
