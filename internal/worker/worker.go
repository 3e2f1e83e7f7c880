package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"cosession/api/internal/clock"
)

// Worker consumes the cleanup queue and enqueues the periodic sweep.
type Worker struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    *slog.Logger
}

func NewWorker(opt asynq.RedisConnOpt, handler *Handler, schedule string, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	queueLogger := &asynqLogger{logger: logger.With("component", "asynq")}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{QueueName: 1},
		Logger:      queueLogger,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("cleanup task failed", "type", task.Type(), "error", err)
		}),
	})
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Logger: queueLogger})
	task, err := NewCleanupTask("")
	if err != nil {
		return nil, err
	}
	if _, err := scheduler.Register(schedule, task, asynq.Queue(QueueName), asynq.MaxRetry(1)); err != nil {
		return nil, fmt.Errorf("register cleanup schedule %q: %w", schedule, err)
	}
	return &Worker{server: server, scheduler: scheduler, mux: handler.Mux(), logger: logger}, nil
}

// Run blocks until ctx is cancelled, then shuts the server and scheduler
// down.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start cleanup worker: %w", err)
	}
	if err := w.scheduler.Start(); err != nil {
		w.server.Shutdown()
		return fmt.Errorf("start cleanup scheduler: %w", err)
	}
	w.logger.Info("cleanup worker started")
	<-ctx.Done()
	w.scheduler.Shutdown()
	w.server.Shutdown()
	return nil
}

// Sweeper is the single-instance stand-in for the queue: it runs the sweep
// on a ticker.
type Sweeper struct {
	handler  *Handler
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(handler *Handler, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{handler: handler, clock: clk, interval: interval, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.handler.Sweep(ctx); err != nil {
				s.logger.Warn("cleanup sweep", "error", err)
			}
		}
	}
}

type asynqLogger struct {
	logger *slog.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
