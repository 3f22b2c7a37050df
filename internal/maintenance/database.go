package maintenance

import (
	"context"
	"fmt"
	"os"
)

// Database is the storage upkeep surface. *segment.SQLite implements it.
type Database interface {
	Path() string
	Checkpoint(ctx context.Context) error
	Optimize(ctx context.Context) error
}

// OptimizeTask folds the WAL back into the database file and refreshes
// the query planner statistics.
type OptimizeTask struct {
	db Database
}

// NewOptimizeTask creates a sqlite-optimize task.
func NewOptimizeTask(db Database) *OptimizeTask {
	return &OptimizeTask{db: db}
}

// Name returns the task name
func (t *OptimizeTask) Name() string { return "sqlite-optimize" }

// Description returns the task description
func (t *OptimizeTask) Description() string {
	return "Checkpoint the SQLite write-ahead log and refresh planner statistics"
}

// Execute runs the task.
func (t *OptimizeTask) Execute(ctx context.Context) TaskResult {
	before := t.diskSize()

	if err := t.db.Checkpoint(ctx); err != nil {
		return failed("WAL checkpoint failed", err)
	}
	if err := t.db.Optimize(ctx); err != nil {
		return failed("optimize failed", err)
	}

	after := t.diskSize()
	reclaimed := max(before-after, 0)
	return TaskResult{
		Success:        true,
		SpaceReclaimed: reclaimed,
		Message:        fmt.Sprintf("database optimized, %.1f MB on disk", float64(after)/(1024*1024)),
	}
}

// diskSize returns the combined size of the database file and its WAL.
func (t *OptimizeTask) diskSize() int64 {
	var total int64
	for _, p := range []string{t.db.Path(), t.db.Path() + "-wal"} {
		if stat, err := os.Stat(p); err == nil {
			total += stat.Size()
		}
	}
	return total
}
