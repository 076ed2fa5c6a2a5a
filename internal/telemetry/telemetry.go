// Package telemetry delivers connection records from the proxy data plane to
// the store and the dashboard subscribers.  Submission is fire-and-forget:
// the data plane never blocks on persistence, and a full queue sheds its
// oldest entries first.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/proxymon/proxymon/internal/rules"
)

// Default queue parameters.
const (
	DefaultQueueSize = 512
	DefaultWorkers   = 2
)

// dashboardGroup is the subscriber group that receives new-request events.
const dashboardGroup = "dashboard"

// Storage persists records and their aggregates.  The increment operations
// must be atomic read-modify-write updates.
type Storage interface {
	// UpsertDomainStat folds rec into the aggregate of its hostname.
	UpsertDomainStat(ctx context.Context, rec *Record) (err error)

	// AppendRecord persists rec, assigning its ID.
	AppendRecord(ctx context.Context, rec *Record) (err error)

	// IncrementDomainHit adds one to the hit count of the domain entry with
	// the given ID.
	IncrementDomainHit(ctx context.Context, id uint64) (err error)

	// IncrementIPHit adds one to the hit count of the IP entry with the
	// given ID.
	IncrementIPHit(ctx context.Context, id uint64) (err error)

	// IncrementPortHit adds one to the hit count of the port entry with the
	// given ID.
	IncrementPortHit(ctx context.Context, id uint64) (err error)

	// IncrementRuleHit adds one to the hit count of the rule with the given
	// ID.
	IncrementRuleHit(ctx context.Context, id uint64) (err error)
}

// Broadcaster pushes events to subscriber groups.
type Broadcaster interface {
	// Broadcast sends event to every subscriber of group.  It must not
	// block.
	Broadcast(ctx context.Context, group string, event any)
}

// EmptyBroadcaster is a [Broadcaster] that does nothing.
type EmptyBroadcaster struct{}

// type check
var _ Broadcaster = EmptyBroadcaster{}

// Broadcast implements the [Broadcaster] interface for EmptyBroadcaster.
func (EmptyBroadcaster) Broadcast(_ context.Context, _ string, _ any) {}

// Metrics counts the events of the telemetry queue.
type Metrics interface {
	// SetQueueLength reports the current queue depth.
	SetQueueLength(ctx context.Context, n int)

	// IncDropped counts a record shed on overflow.
	IncDropped(ctx context.Context)

	// IncStoreErrors counts a failed store operation.
	IncStoreErrors(ctx context.Context)
}

// EmptyMetrics is a [Metrics] implementation that does nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// SetQueueLength implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) SetQueueLength(_ context.Context, _ int) {}

// IncDropped implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncDropped(_ context.Context) {}

// IncStoreErrors implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncStoreErrors(_ context.Context) {}

// newRequestEvent is the dashboard event sent for every finished connection.
type newRequestEvent struct {
	Request *ListView `json:"request"`
	Type    string    `json:"type"`
}

// Config is the configuration for the telemetry pipeline.
type Config struct {
	// Logger is used for logging the operation of the pipeline.  It must not
	// be nil.
	Logger *slog.Logger

	// Storage persists the records.  It must not be nil.
	Storage Storage

	// Broadcaster delivers dashboard events.  It must not be nil.
	Broadcaster Broadcaster

	// Metrics counts queue events.  It must not be nil.
	Metrics Metrics

	// QueueSize is the submission queue capacity.  Zero means
	// [DefaultQueueSize].
	QueueSize int

	// Workers is the number of queue draining goroutines.  Zero means
	// [DefaultWorkers].
	Workers int
}

// Telemetry is the record delivery pipeline.
type Telemetry struct {
	logger      *slog.Logger
	storage     Storage
	broadcaster Broadcaster
	metrics     Metrics

	queue chan *Record
	done  chan struct{}
	wg    sync.WaitGroup

	workers int
}

// New returns a properly initialized *Telemetry.  conf must not be nil.
func New(conf *Config) (t *Telemetry) {
	queueSize := conf.QueueSize
	if queueSize == 0 {
		queueSize = DefaultQueueSize
	}

	workers := conf.Workers
	if workers == 0 {
		workers = DefaultWorkers
	}

	return &Telemetry{
		logger:      conf.Logger,
		storage:     conf.Storage,
		broadcaster: conf.Broadcaster,
		metrics:     conf.Metrics,
		queue:       make(chan *Record, queueSize),
		done:        make(chan struct{}),
		workers:     workers,
	}
}

// type check
var _ service.Interface = (*Telemetry)(nil)

// Start implements the [service.Interface] interface for *Telemetry.
func (t *Telemetry) Start(_ context.Context) (err error) {
	for range t.workers {
		t.wg.Add(1)
		go t.worker()
	}

	return nil
}

// Shutdown implements the [service.Interface] interface for *Telemetry.  It
// stops accepting records and waits for the workers to drain the queue until
// ctx is done.
func (t *Telemetry) Shutdown(ctx context.Context) (err error) {
	close(t.done)

	drained := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the current queue depth.
func (t *Telemetry) Len() (n int) {
	return len(t.queue)
}

// Submit queues rec for delivery.  It never blocks: when the queue is full,
// the oldest queued record is dropped to make room.  Records submitted after
// shutdown are discarded.
func (t *Telemetry) Submit(ctx context.Context, rec *Record) {
	select {
	case <-t.done:
		return
	default:
	}

	for {
		select {
		case t.queue <- rec:
			t.metrics.SetQueueLength(ctx, len(t.queue))

			return
		default:
		}

		select {
		case old := <-t.queue:
			t.metrics.IncDropped(ctx)
			t.logger.DebugContext(ctx, "queue full, dropped oldest", "hostname", old.Hostname)
		default:
		}
	}
}

// worker drains the queue until shutdown, then finishes whatever is left.
func (t *Telemetry) worker() {
	defer t.wg.Done()

	ctx := context.Background()
	defer slogutil.RecoverAndLog(ctx, t.logger)

	for {
		select {
		case rec := <-t.queue:
			t.process(ctx, rec)
		case <-t.done:
			t.drain(ctx)

			return
		}
	}
}

// drain processes the records still queued after shutdown started.
func (t *Telemetry) drain(ctx context.Context) {
	for {
		select {
		case rec := <-t.queue:
			t.process(ctx, rec)
		default:
			return
		}
	}
}

// process applies the full delivery sequence to rec: aggregate upsert,
// record append, dashboard broadcast, rule hit accounting.  Store failures
// are logged and counted, never propagated to the data plane.
func (t *Telemetry) process(ctx context.Context, rec *Record) {
	t.metrics.SetQueueLength(ctx, len(t.queue))

	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	err := t.storage.UpsertDomainStat(ctx, rec)
	if err != nil {
		t.metrics.IncStoreErrors(ctx)
		t.logger.ErrorContext(ctx, "upserting domain stat", slogutil.KeyError, err)
	}

	err = t.storage.AppendRecord(ctx, rec)
	if err != nil {
		t.metrics.IncStoreErrors(ctx)
		t.logger.ErrorContext(ctx, "appending record", slogutil.KeyError, err)
	}

	if rec.Broadcast {
		t.broadcaster.Broadcast(ctx, dashboardGroup, &newRequestEvent{
			Type:    "new_request",
			Request: rec.ListView(),
		})
	}

	t.countHits(ctx, rec)
}

// countHits increments the hit counters of the entities that acted on rec:
// the deciding blocklist entry, if any, and the composite rules whose allow,
// block, or log action applied.
func (t *Telemetry) countHits(ctx context.Context, rec *Record) {
	if rec.EntityID != 0 {
		var err error
		switch rec.MatchKind {
		case rules.MatchDomain:
			err = t.storage.IncrementDomainHit(ctx, rec.EntityID)
		case rules.MatchSourceIP, rules.MatchDestIP:
			err = t.storage.IncrementIPHit(ctx, rec.EntityID)
		case rules.MatchSourcePort, rules.MatchDestPort:
			err = t.storage.IncrementPortHit(ctx, rec.EntityID)
		}

		if err != nil {
			t.metrics.IncStoreErrors(ctx)
			t.logger.ErrorContext(
				ctx,
				"incrementing entity hit",
				"kind", rec.MatchKind,
				"entity_id", rec.EntityID,
				slogutil.KeyError, err,
			)
		}
	}

	var ids []uint64
	if rec.RuleID != 0 {
		ids = append(ids, rec.RuleID)
	}

	if rec.LogRuleID != 0 && rec.LogRuleID != rec.RuleID {
		ids = append(ids, rec.LogRuleID)
	}

	for _, id := range ids {
		err := t.storage.IncrementRuleHit(ctx, id)
		if err != nil {
			t.metrics.IncStoreErrors(ctx)
			t.logger.ErrorContext(ctx, "incrementing rule hit", "rule_id", id, slogutil.KeyError, err)
		}
	}
}
