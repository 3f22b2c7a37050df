// Package maintenance runs periodic upkeep of the index graphs and the
// SQLite file on a cron schedule.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyRunning = errors.New("maintenance: scheduler is already running")
	ErrTaskNotFound   = errors.New("maintenance: task not found")
	ErrDuplicateTask  = errors.New("maintenance: task already registered")
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler manages and executes maintenance tasks on a schedule
type Scheduler struct {
	config   Config
	schedule cron.Schedule
	cron     *cron.Cron
	entries  []cron.EntryID
	order    []string
	tasks    map[string]Task
	status   map[string]TaskStatus
	mu       sync.RWMutex
	running  bool
	logger   zerolog.Logger
	now      func() time.Time
}

// NewScheduler creates a scheduler. An unparseable schedule is an error even
// when the scheduler is disabled.
func NewScheduler(config Config, logger zerolog.Logger) (*Scheduler, error) {
	sched, err := parser.Parse(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance: invalid schedule %q: %w", config.Schedule, err)
	}

	return &Scheduler{
		config:   config,
		schedule: sched,
		cron:     cron.New(cron.WithParser(parser)),
		tasks:    make(map[string]Task),
		status:   make(map[string]TaskStatus),
		logger:   logger.With().Str("component", "maintenance").Logger(),
		now:      time.Now,
	}, nil
}

// RegisterTask registers a maintenance task with the scheduler
func (s *Scheduler) RegisterTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := task.Name()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	s.tasks[name] = task
	s.order = append(s.order, name)

	status := TaskStatus{
		Name:        name,
		Description: task.Description(),
		Enabled:     s.config.Enabled,
		Schedule:    s.config.Schedule,
	}
	if s.config.Enabled {
		status.NextRun = s.schedule.Next(s.now())
	}
	s.status[name] = status

	s.logger.Debug().Str("task", name).Msg("registered task")
	return nil
}

// Start begins the maintenance scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	if !s.config.Enabled {
		s.logger.Info().Msg("scheduler disabled in configuration")
		return nil
	}

	for _, name := range s.order {
		task := s.tasks[name]
		id := s.cron.Schedule(s.schedule, cron.FuncJob(func() {
			s.executeTask(ctx, name, task, false)
		}))
		s.entries = append(s.entries, id)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().Int("tasks", len(s.tasks)).Str("schedule", s.config.Schedule).Msg("scheduler started")
	return nil
}

// Stop stops the maintenance scheduler and waits up to 30s for running tasks.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("scheduler stop timed out")
	}

	s.mu.Lock()
	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = nil
	s.mu.Unlock()
	return nil
}

// Run starts the scheduler, blocks until ctx is cancelled, then stops it.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// RunNow executes every task immediately in registration order, ignoring
// the maintenance window.
func (s *Scheduler) RunNow(ctx context.Context) (map[string]TaskResult, error) {
	s.mu.RLock()
	order := append([]string(nil), s.order...)
	tasks := make(map[string]Task, len(s.tasks))
	for name, task := range s.tasks {
		tasks[name] = task
	}
	s.mu.RUnlock()

	s.logger.Info().Int("tasks", len(order)).Msg("running tasks immediately")

	results := make(map[string]TaskResult, len(order))
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results[name] = s.executeTask(ctx, name, tasks[name], true)
	}
	return results, nil
}

// RunTask executes a specific maintenance task by name, ignoring the
// maintenance window.
func (s *Scheduler) RunTask(ctx context.Context, taskName string) (TaskResult, error) {
	s.mu.RLock()
	task, exists := s.tasks[taskName]
	s.mu.RUnlock()

	if !exists {
		return TaskResult{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskName)
	}
	return s.executeTask(ctx, taskName, task, true), nil
}

// GetStatus returns the current status of all maintenance tasks
func (s *Scheduler) GetStatus() map[string]TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := make(map[string]TaskStatus, len(s.status))
	for name, stat := range s.status {
		status[name] = stat
	}
	return status
}

// Tasks returns the registered task names in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// IsRunning returns true if the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// executeTask runs a single maintenance task and updates its status.
// Scheduled runs outside the maintenance window are skipped.
func (s *Scheduler) executeTask(ctx context.Context, name string, task Task, manual bool) TaskResult {
	logger := s.logger.With().Str("task", name).Logger()

	if !manual && !s.isMaintenanceWindow() {
		logger.Debug().Msg("skipping task outside maintenance window")
		return TaskResult{Success: true, Skipped: true, Message: "outside maintenance window"}
	}

	logger.Debug().Msg("starting task")
	start := s.now()
	result := task.Execute(ctx)
	result.Duration = time.Since(start)

	s.mu.Lock()
	status := s.status[name]
	status.LastRun = start
	status.LastResult = result
	status.Runs++
	if s.config.Enabled {
		status.NextRun = s.schedule.Next(s.now())
	}
	s.status[name] = status
	s.mu.Unlock()

	if result.Success {
		logger.Info().
			Dur("duration", result.Duration).
			Int("records", result.RecordsProcessed).
			Int64("reclaimed_bytes", result.SpaceReclaimed).
			Msg(result.Message)
	} else {
		logger.Warn().
			Dur("duration", result.Duration).
			Str("error", result.Error).
			Msg(result.Message)
	}
	return result
}

// isMaintenanceWindow checks if current time is within the configured maintenance window
func (s *Scheduler) isMaintenanceWindow() bool {
	return inWindow(s.config.Window, s.now())
}

func inWindow(w WindowConfig, t time.Time) bool {
	if w.StartHour == w.EndHour {
		return true
	}

	loc, err := time.LoadLocation(w.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	hour := t.In(loc).Hour()

	// Handle window that crosses midnight
	if w.StartHour > w.EndHour {
		return hour >= w.StartHour || hour < w.EndHour
	}
	return hour >= w.StartHour && hour < w.EndHour
}
