package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// TaskSweepStale is the periodic stale-session task. Local tracking maps
// are trimmed by every replica on its own ticker.
const TaskSweepStale = "rooms:sweep_stale"

const queueName = "maintenance"

// AsynqScheduler runs the stale-session pass through a Redis-backed asynq
// scheduler so that only one replica performs each pass.
type AsynqScheduler struct {
	runner    *Runner
	scheduler *asynq.Scheduler
	server    *asynq.Server
	mux       *asynq.ServeMux
}

// NewAsynqScheduler connects to redisURL. The sweep is registered every
// runner.Interval().
func NewAsynqScheduler(redisURL string, runner *Runner) (*AsynqScheduler, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse REDIS_URL: %w", err)
	}

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		LogLevel: asynq.WarnLevel,
	})
	interval := runner.Interval()
	if _, err := scheduler.Register(
		fmt.Sprintf("@every %s", interval),
		asynq.NewTask(TaskSweepStale, nil),
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
		asynq.Unique(interval/2),
		asynq.Timeout(5*time.Minute),
	); err != nil {
		return nil, fmt.Errorf("asynq: register sweep: %w", err)
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{queueName: 1},
		LogLevel:    asynq.WarnLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error().Err(err).Str("task", task.Type()).Msg("asynq task failed")
		}),
	})

	s := &AsynqScheduler{runner: runner, scheduler: scheduler, server: server, mux: asynq.NewServeMux()}
	s.mux.HandleFunc(TaskSweepStale, s.handleSweep)
	return s, nil
}

func (s *AsynqScheduler) handleSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := s.runner.SweepSessions(ctx)
	return err
}

// Run starts the scheduler and worker and blocks until ctx is done.
func (s *AsynqScheduler) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("asynq: start worker: %w", err)
	}
	if err := s.scheduler.Start(); err != nil {
		s.server.Shutdown()
		return fmt.Errorf("asynq: start scheduler: %w", err)
	}
	log.Info().Str("task", TaskSweepStale).Dur("interval", s.runner.Interval()).Msg("asynq sweep scheduled")

	<-ctx.Done()
	s.scheduler.Shutdown()
	s.server.Shutdown()
	return nil
}
