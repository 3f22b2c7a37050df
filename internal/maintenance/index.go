package maintenance

import (
	"context"
	"fmt"
)

// Index is the upkeep surface of one progressive index.
// *index.Progressive implements it.
type Index interface {
	Name() string
	Reconcile(ctx context.Context) (int, error)
	Checkpoint(ctx context.Context) error
}

// ReconcileTask re-enqueues stored vectors missing from their graph.
type ReconcileTask struct {
	indexes []Index
}

// NewReconcileTask creates an index-reconcile task over indexes.
func NewReconcileTask(indexes ...Index) *ReconcileTask {
	return &ReconcileTask{indexes: indexes}
}

func (t *ReconcileTask) Name() string { return "index-reconcile" }

func (t *ReconcileTask) Description() string {
	return "Enqueue stored segments that are missing from their index graph"
}

func (t *ReconcileTask) Execute(ctx context.Context) TaskResult {
	total := 0
	for _, idx := range t.indexes {
		n, err := idx.Reconcile(ctx)
		total += n
		if err != nil {
			res := failed(fmt.Sprintf("reconcile of %s index failed", idx.Name()), err)
			res.RecordsProcessed = total
			return res
		}
	}
	return TaskResult{
		Success:          true,
		RecordsProcessed: total,
		Message:          fmt.Sprintf("%d segments enqueued across %d indexes", total, len(t.indexes)),
	}
}

// CheckpointTask persists every index graph regardless of how many inserts
// happened since the last checkpoint.
type CheckpointTask struct {
	indexes []Index
}

// NewCheckpointTask creates an index-checkpoint task over indexes.
func NewCheckpointTask(indexes ...Index) *CheckpointTask {
	return &CheckpointTask{indexes: indexes}
}

func (t *CheckpointTask) Name() string { return "index-checkpoint" }

func (t *CheckpointTask) Description() string {
	return "Write a checkpoint of every index graph"
}

func (t *CheckpointTask) Execute(ctx context.Context) TaskResult {
	for i, idx := range t.indexes {
		if err := idx.Checkpoint(ctx); err != nil {
			res := failed(fmt.Sprintf("checkpoint of %s index failed", idx.Name()), err)
			res.RecordsProcessed = i
			return res
		}
	}
	return TaskResult{
		Success:          true,
		RecordsProcessed: len(t.indexes),
		Message:          fmt.Sprintf("%d index graphs checkpointed", len(t.indexes)),
	}
}
