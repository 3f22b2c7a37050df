package index

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"engram/internal/observability"
	"engram/internal/segment"
)

// Store is what the progressive index needs from durable storage: a place
// for its checkpoint artifact and a way to enumerate the segments it covers.
type Store interface {
	SaveGraph(ctx context.Context, name string, data []byte) error
	LoadGraph(ctx context.Context, name string) ([]byte, error)
	Scan(ctx context.Context, prefix string) iter.Seq2[segment.Segment, error]
}

// Options configures a Progressive index.
type Options struct {
	// Name identifies the checkpoint artifact.
	Name string

	// Prefix is the segment namespace covered. Graph ids are keys with this
	// prefix removed.
	Prefix string

	Graph GraphConfig

	TickInterval    time.Duration // default 5s
	BatchSize       int           // default 10
	CheckpointEvery int           // default 100
	MaxPending      int           // default 10000; inserts beyond run synchronously
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = strings.TrimSuffix(o.Prefix, "/")
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = 100
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 10000
	}
	return o
}

type pending struct {
	id  string
	vec []float32
}

// Progressive is an HNSW graph built incrementally in the background.
//
// Writers call InsertDeferred, which only appends to the pending queue. A
// single maintenance task (Run) drains the queue in batches, inserts into
// the graph under the writer lock, and checkpoints after every
// CheckpointEvery insertions. Every id handed to InsertDeferred is at all
// times either queued, in flight, or in the graph.
type Progressive struct {
	opts   Options
	store  Store
	graph  *Graph
	logger zerolog.Logger

	qmu      sync.Mutex
	queue    []pending
	queued   map[string]struct{}
	inflight int

	// writeMu serializes graph mutation and checkpoint bookkeeping.
	writeMu         sync.Mutex
	sinceCheckpoint int
	lastCheckpoint  time.Time
	checkpointErr   error

	running atomic.Bool
}

// NewProgressive creates an empty progressive index. Call Restore to load a
// previous checkpoint.
func NewProgressive(store Store, opts Options, logger zerolog.Logger) *Progressive {
	opts = opts.withDefaults()
	return &Progressive{
		opts:   opts,
		store:  store,
		graph:  NewGraph(opts.Graph),
		queued: make(map[string]struct{}),
		logger: logger.With().Str("component", "index").Str("index", opts.Name).Logger(),
	}
}

// Name returns the index name.
func (p *Progressive) Name() string { return p.opts.Name }

// Prefix returns the covered namespace.
func (p *Progressive) Prefix() string { return p.opts.Prefix }

// ID converts a segment key to a graph id.
func (p *Progressive) ID(key string) string { return strings.TrimPrefix(key, p.opts.Prefix) }

// Key converts a graph id back to a segment key.
func (p *Progressive) Key(id string) string { return p.opts.Prefix + id }

// InsertDeferred queues id for graph insertion. When the queue is at
// capacity the insert happens synchronously instead.
func (p *Progressive) InsertDeferred(ctx context.Context, id string, vec []float32) error {
	if p.graph.Contains(id) {
		return nil
	}

	p.qmu.Lock()
	if _, ok := p.queued[id]; ok {
		p.qmu.Unlock()
		return nil
	}
	if len(p.queue) < p.opts.MaxPending {
		p.queue = append(p.queue, pending{id: id, vec: vec})
		p.queued[id] = struct{}{}
		p.qmu.Unlock()
		return nil
	}
	p.qmu.Unlock()

	p.logger.Debug().Str("id", id).Int("max_pending", p.opts.MaxPending).Msg("pending queue full, inserting synchronously")
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.insertLocked(ctx, pending{id: id, vec: vec})
	return err
}

// IsComplete reports whether every deferred insert has reached the graph.
func (p *Progressive) IsComplete() bool {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return len(p.queue) == 0 && p.inflight == 0
}

// Pending returns the number of queued or in-flight inserts.
func (p *Progressive) Pending() int {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return len(p.queue) + p.inflight
}

// Contains reports whether id is already in the graph.
func (p *Progressive) Contains(id string) bool { return p.graph.Contains(id) }

// Search queries the graph only. Callers wanting full recall while the
// index is incomplete must fall back to a scan.
func (p *Progressive) Search(ctx context.Context, query []float32, k int) []Result {
	_, span := observability.StartSpan(ctx, "index.search",
		attribute.String("engram.index", p.opts.Name),
		attribute.Int("engram.k", k),
	)
	defer span.End()
	return p.graph.Search(query, k)
}

// Drain inserts every queued item in batches of BatchSize. It stops early,
// between batches, when ctx is cancelled. It returns how many nodes were
// added to the graph.
func (p *Progressive) Drain(ctx context.Context) (int, error) {
	ctx, span := observability.StartSpan(ctx, "index.drain", attribute.String("engram.index", p.opts.Name))
	defer span.End()

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch := p.takeBatch()
		if len(batch) == 0 {
			break
		}
		total += p.insertBatch(ctx, batch)
	}
	span.SetAttributes(attribute.Int("engram.inserted", total))

	// retry a checkpoint that failed earlier
	p.writeMu.Lock()
	if p.sinceCheckpoint >= p.opts.CheckpointEvery {
		p.checkpointLocked(ctx)
	}
	p.writeMu.Unlock()

	if total > 0 {
		p.logger.Debug().Int("inserted", total).Int("nodes", p.graph.Len()).Msg("drained pending queue")
	}
	return total, nil
}

func (p *Progressive) takeBatch() []pending {
	p.qmu.Lock()
	defer p.qmu.Unlock()

	n := min(p.opts.BatchSize, len(p.queue))
	if n == 0 {
		return nil
	}
	batch := make([]pending, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	for _, it := range batch {
		delete(p.queued, it.id)
	}
	p.inflight += n
	return batch
}

func (p *Progressive) insertBatch(ctx context.Context, batch []pending) int {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	inserted := 0
	for _, it := range batch {
		added, err := p.insertLocked(ctx, it)
		if err != nil {
			p.logger.Warn().Err(err).Str("id", it.id).Msg("dropping item that cannot be indexed")
			continue
		}
		if added {
			inserted++
		}
	}

	p.qmu.Lock()
	p.inflight -= len(batch)
	p.qmu.Unlock()
	return inserted
}

// insertLocked adds one item to the graph and checkpoints when the
// threshold is reached. Caller holds writeMu.
func (p *Progressive) insertLocked(ctx context.Context, it pending) (bool, error) {
	added, err := p.graph.Insert(it.id, it.vec)
	if err != nil {
		return false, &IndexError{Op: "insert", Index: p.opts.Name, Err: err}
	}
	if !added {
		return false, nil
	}
	p.sinceCheckpoint++
	// after a failure, retries happen once per drain rather than per insert
	if p.sinceCheckpoint >= p.opts.CheckpointEvery && p.checkpointErr == nil {
		p.checkpointLocked(ctx)
	}
	return true, nil
}

// checkpointLocked persists the graph. Failures are logged and leave the
// counter untouched so the next drain retries. Caller holds writeMu.
func (p *Progressive) checkpointLocked(ctx context.Context) {
	err := p.saveLocked(ctx)
	p.checkpointErr = err
	if err != nil {
		p.logger.Warn().Err(err).Int("unsaved", p.sinceCheckpoint).Msg("checkpoint failed, continuing with in-memory graph")
		return
	}
	p.logger.Info().Int("nodes", p.graph.Len()).Int("since_last", p.sinceCheckpoint).Msg("checkpoint written")
	p.sinceCheckpoint = 0
	p.lastCheckpoint = time.Now()
}

func (p *Progressive) saveLocked(ctx context.Context) error {
	data, err := p.graph.MarshalBinary()
	if err != nil {
		return &IndexError{Op: "checkpoint", Index: p.opts.Name, Err: err}
	}
	if err := p.store.SaveGraph(ctx, p.opts.Name, data); err != nil {
		return &IndexError{Op: "checkpoint", Index: p.opts.Name, Err: err}
	}
	return nil
}

// Checkpoint forces a checkpoint of the current graph.
func (p *Progressive) Checkpoint(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.checkpointLocked(ctx)
	return p.checkpointErr
}

// Flush drains the whole queue and checkpoints if anything changed.
func (p *Progressive) Flush(ctx context.Context) error {
	if _, err := p.Drain(ctx); err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.sinceCheckpoint == 0 {
		return nil
	}
	p.checkpointLocked(ctx)
	return p.checkpointErr
}

// Restore loads the last checkpoint. A missing checkpoint leaves the graph
// empty; an undecodable one is logged and discarded since the graph can be
// rebuilt from the store.
func (p *Progressive) Restore(ctx context.Context) error {
	data, err := p.store.LoadGraph(ctx, p.opts.Name)
	if err != nil {
		return &IndexError{Op: "restore", Index: p.opts.Name, Err: err}
	}
	if data == nil {
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.graph.UnmarshalBinary(data); err != nil {
		p.logger.Warn().Err(err).Msg("discarding unreadable checkpoint, graph will be rebuilt")
		return nil
	}
	p.lastCheckpoint = time.Now()
	p.logger.Info().Int("nodes", p.graph.Len()).Msg("restored checkpoint")
	return nil
}

// Reconcile enqueues every embedded segment under the prefix that is neither
// in the graph nor already queued. It returns the number enqueued.
func (p *Progressive) Reconcile(ctx context.Context) (int, error) {
	n := 0
	for seg, err := range p.store.Scan(ctx, p.opts.Prefix) {
		if err != nil {
			return n, &IndexError{Op: "reconcile", Index: p.opts.Name, Err: err}
		}
		if !seg.Embedded() {
			continue
		}
		id := p.ID(seg.Key)
		if p.graph.Contains(id) || p.isQueued(id) {
			continue
		}
		if err := p.InsertDeferred(ctx, id, seg.Embedding); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		p.logger.Info().Int("enqueued", n).Msg("reconciled index with store")
	}
	return n, nil
}

func (p *Progressive) isQueued(id string) bool {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	_, ok := p.queued[id]
	return ok
}

// Run is the background maintenance task. It drains on every tick until ctx
// is cancelled, then writes a final checkpoint of whatever was inserted and
// returns nil.
func (p *Progressive) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return &IndexError{Op: "run", Index: p.opts.Name, Err: ErrAlreadyRunning}
	}
	defer p.running.Store(false)

	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.opts.TickInterval).Msg("index maintenance started")
	for {
		select {
		case <-ctx.Done():
			p.finalCheckpoint(ctx)
			return nil
		case <-ticker.C:
			if _, err := p.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn().Err(err).Msg("drain failed, retrying next tick")
			}
		}
	}
}

func (p *Progressive) finalCheckpoint(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.sinceCheckpoint > 0 {
		p.checkpointLocked(ctx)
	}
	p.logger.Info().Int("nodes", p.graph.Len()).Int("pending", p.Pending()).Msg("index maintenance stopped")
}

// Stats is a point-in-time view of the index.
type Stats struct {
	Name            string    `json:"name"`
	Nodes           int       `json:"nodes"`
	Layers          int       `json:"layers"`
	Pending         int       `json:"pending"`
	Complete        bool      `json:"complete"`
	SinceCheckpoint int       `json:"since_checkpoint"`
	LastCheckpoint  time.Time `json:"last_checkpoint,omitempty"`
	CheckpointError string    `json:"checkpoint_error,omitempty"`
}

// Stats returns the current index status.
func (p *Progressive) Stats() Stats {
	p.writeMu.Lock()
	since, last, cerr := p.sinceCheckpoint, p.lastCheckpoint, p.checkpointErr
	p.writeMu.Unlock()

	s := Stats{
		Name:            p.opts.Name,
		Nodes:           p.graph.Len(),
		Layers:          p.graph.Layers(),
		Pending:         p.Pending(),
		Complete:        p.IsComplete(),
		SinceCheckpoint: since,
		LastCheckpoint:  last,
	}
	if cerr != nil {
		s.CheckpointError = cerr.Error()
	}
	return s
}
