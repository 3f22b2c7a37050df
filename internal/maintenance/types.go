package maintenance

import (
	"context"
	"time"
)

// Task is a maintenance job the scheduler can run.
type Task interface {
	// Name returns the task name used by RunTask and status output.
	Name() string

	// Description returns a human-readable description of what the task does.
	Description() string

	// Execute runs the task once.
	Execute(ctx context.Context) TaskResult
}

// TaskResult represents the result of executing a maintenance task
type TaskResult struct {
	Success          bool          `json:"success"`
	Skipped          bool          `json:"skipped,omitempty"`
	Duration         time.Duration `json:"duration"`
	Message          string        `json:"message"`
	RecordsProcessed int           `json:"records_processed,omitempty"`
	SpaceReclaimed   int64         `json:"space_reclaimed,omitempty"`
	Error            string        `json:"error,omitempty"`
}

func failed(msg string, err error) TaskResult {
	return TaskResult{Success: false, Message: msg, Error: err.Error()}
}

// TaskStatus represents the status of a maintenance task
type TaskStatus struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	LastRun     time.Time  `json:"last_run"`
	NextRun     time.Time  `json:"next_run"`
	LastResult  TaskResult `json:"last_result"`
	Runs        int        `json:"runs"`
	Enabled     bool       `json:"enabled"`
	Schedule    string     `json:"schedule"`
}

// Config represents maintenance configuration
type Config struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Schedule is a cron expression; a leading seconds field is optional.
	Schedule string       `mapstructure:"schedule" yaml:"schedule"`
	Window   WindowConfig `mapstructure:"window" yaml:"window"`
}

// WindowConfig restricts scheduled runs to a range of hours. Equal start and
// end hours mean no restriction.
type WindowConfig struct {
	StartHour int    `mapstructure:"start_hour" yaml:"start_hour"`
	EndHour   int    `mapstructure:"end_hour" yaml:"end_hour"`
	TimeZone  string `mapstructure:"time_zone" yaml:"time_zone"`
}

// DefaultConfig returns the default maintenance configuration
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Schedule: "0 */30 * * * *", // every 30 minutes
		Window: WindowConfig{
			TimeZone: "UTC",
		},
	}
}
