package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"gatebridge/internal/infra/config"
)

const taskTimeout = 30 * time.Second

// Sender is the slice of the gateway client the scheduler depends on.
type Sender interface {
	SendMessage(ctx context.Context, to, message, channel, accountID string) (json.RawMessage, error)
}

// Scheduler delivers configured messages on a cron schedule through the
// gateway's outbound delivery channels.
type Scheduler struct {
	cron   *cron.Cron
	sender Sender
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler and registers the configured tasks.
// Invalid schedules fail construction so misconfiguration surfaces at
// startup rather than silently never firing.
func NewScheduler(sender Sender, cfg config.SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		sender: sender,
		logger: logger,
	}
	for _, task := range cfg.Tasks {
		if err := s.addTask(task); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) addTask(task config.ScheduledTaskConfig) error {
	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			s.logger.Debug("scheduler stopped, skipping task", "task", task.Name)
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
		defer cancel()

		start := time.Now()
		if _, err := s.sender.SendMessage(taskCtx, task.To, task.Message, task.Channel, task.AccountID); err != nil {
			s.logger.Warn("scheduled delivery failed",
				"task", task.Name,
				"to", task.To,
				"error", err,
				"duration", time.Since(start))
			return
		}
		s.logger.Info("scheduled delivery completed",
			"task", task.Name,
			"to", task.To,
			"duration", time.Since(start))
	}))

	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule)
	return nil
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return cron.Every(dur), nil
}
