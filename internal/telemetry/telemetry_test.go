package telemetry_test

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/proxymon/proxymon/internal/rules"
	"github.com/proxymon/proxymon/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

// fakeStorage is a [telemetry.Storage] for tests.
type fakeStorage struct {
	onUpsertDomainStat   func(ctx context.Context, rec *telemetry.Record) (err error)
	onAppendRecord       func(ctx context.Context, rec *telemetry.Record) (err error)
	onIncrementDomainHit func(ctx context.Context, id uint64) (err error)
	onIncrementIPHit     func(ctx context.Context, id uint64) (err error)
	onIncrementPortHit   func(ctx context.Context, id uint64) (err error)
	onIncrementRuleHit   func(ctx context.Context, id uint64) (err error)
}

// type check
var _ telemetry.Storage = (*fakeStorage)(nil)

func (s *fakeStorage) UpsertDomainStat(ctx context.Context, rec *telemetry.Record) (err error) {
	return s.onUpsertDomainStat(ctx, rec)
}

func (s *fakeStorage) AppendRecord(ctx context.Context, rec *telemetry.Record) (err error) {
	return s.onAppendRecord(ctx, rec)
}

func (s *fakeStorage) IncrementDomainHit(ctx context.Context, id uint64) (err error) {
	return s.onIncrementDomainHit(ctx, id)
}

func (s *fakeStorage) IncrementIPHit(ctx context.Context, id uint64) (err error) {
	return s.onIncrementIPHit(ctx, id)
}

func (s *fakeStorage) IncrementPortHit(ctx context.Context, id uint64) (err error) {
	return s.onIncrementPortHit(ctx, id)
}

func (s *fakeStorage) IncrementRuleHit(ctx context.Context, id uint64) (err error) {
	return s.onIncrementRuleHit(ctx, id)
}

// fakeBroadcaster is a [telemetry.Broadcaster] for tests.
type fakeBroadcaster struct {
	onBroadcast func(ctx context.Context, group string, event any)
}

// type check
var _ telemetry.Broadcaster = (*fakeBroadcaster)(nil)

func (b *fakeBroadcaster) Broadcast(ctx context.Context, group string, event any) {
	b.onBroadcast(ctx, group, event)
}

// newTestRecord returns a record with realistic fields.
func newTestRecord() (rec *telemetry.Record) {
	return &telemetry.Record{
		Time:          time.Now(),
		Method:        "CONNECT",
		Hostname:      "example.org",
		URL:           "https://example.org",
		SourceIP:      netip.MustParseAddr("192.0.2.1"),
		DestIP:        netip.MustParseAddr("203.0.113.1"),
		SourcePort:    51234,
		DestPort:      443,
		StatusCode:    200,
		ContentLength: 4096,
		ResponseTime:  37,
		Broadcast:     true,
	}
}

func TestTelemetry_Submit_order(t *testing.T) {
	type call struct {
		name string
		rec  *telemetry.Record
		id   uint64
	}

	calls := make(chan call, 8)

	st := &fakeStorage{
		onUpsertDomainStat: func(_ context.Context, rec *telemetry.Record) (err error) {
			calls <- call{name: "upsert", rec: rec}

			return nil
		},
		onAppendRecord: func(_ context.Context, rec *telemetry.Record) (err error) {
			calls <- call{name: "append", rec: rec}

			return nil
		},
		onIncrementRuleHit: func(_ context.Context, id uint64) (err error) {
			calls <- call{name: "hit", id: id}

			return nil
		},
	}

	br := &fakeBroadcaster{
		onBroadcast: func(_ context.Context, group string, _ any) {
			calls <- call{name: "broadcast:" + group}
		},
	}

	tel := telemetry.New(&telemetry.Config{
		Logger:      slogutil.NewDiscardLogger(),
		Storage:     st,
		Broadcaster: br,
		Metrics:     telemetry.EmptyMetrics{},
		Workers:     1,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, tel.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return tel.Shutdown(context.Background())
	})

	rec := newTestRecord()
	rec.MatchKind = rules.MatchCombined
	rec.EntityID = 7
	rec.RuleID = 7
	rec.LogRuleID = 9

	tel.Submit(ctx, rec)

	want := []string{"upsert", "append", "broadcast:dashboard", "hit", "hit"}
	var gotIDs []uint64
	for _, wantName := range want {
		got, _ := testutil.RequireReceive(t, calls, testTimeout)
		assert.Equal(t, wantName, got.name)

		if got.name == "hit" {
			gotIDs = append(gotIDs, got.id)
		}
	}

	assert.Equal(t, []uint64{7, 9}, gotIDs)
}

func TestTelemetry_entityHits(t *testing.T) {
	type hit struct {
		kind string
		id   uint64
	}

	hits := make(chan hit, 8)

	st := &fakeStorage{
		onUpsertDomainStat: func(_ context.Context, _ *telemetry.Record) (err error) { return nil },
		onAppendRecord:     func(_ context.Context, _ *telemetry.Record) (err error) { return nil },
		onIncrementDomainHit: func(_ context.Context, id uint64) (err error) {
			hits <- hit{kind: "domain", id: id}

			return nil
		},
		onIncrementIPHit: func(_ context.Context, id uint64) (err error) {
			hits <- hit{kind: "ip", id: id}

			return nil
		},
		onIncrementPortHit: func(_ context.Context, id uint64) (err error) {
			hits <- hit{kind: "port", id: id}

			return nil
		},
		onIncrementRuleHit: func(_ context.Context, id uint64) (err error) {
			hits <- hit{kind: "rule", id: id}

			return nil
		},
	}

	br := &fakeBroadcaster{
		onBroadcast: func(_ context.Context, _ string, _ any) {
			hits <- hit{kind: "broadcast"}
		},
	}

	tel := telemetry.New(&telemetry.Config{
		Logger:      slogutil.NewDiscardLogger(),
		Storage:     st,
		Broadcaster: br,
		Metrics:     telemetry.EmptyMetrics{},
		Workers:     1,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, tel.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return tel.Shutdown(context.Background())
	})

	testCases := []struct {
		name string
		kind rules.MatchKind
		want string
	}{{
		name: "domain",
		kind: rules.MatchDomain,
		want: "domain",
	}, {
		name: "source_ip",
		kind: rules.MatchSourceIP,
		want: "ip",
	}, {
		name: "dest_ip",
		kind: rules.MatchDestIP,
		want: "ip",
	}, {
		name: "source_port",
		kind: rules.MatchSourcePort,
		want: "port",
	}, {
		name: "dest_port",
		kind: rules.MatchDestPort,
		want: "port",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := newTestRecord()
			rec.Broadcast = false
			rec.Blocked = true
			rec.StatusCode = 403
			rec.MatchKind = tc.kind
			rec.EntityID = 42

			tel.Submit(ctx, rec)

			got, _ := testutil.RequireReceive(t, hits, testTimeout)
			assert.Equal(t, tc.want, got.kind)
			assert.EqualValues(t, 42, got.id)
		})
	}
}

func TestTelemetry_Submit_dropOldest(t *testing.T) {
	processed := make(chan *telemetry.Record, 8)

	st := &fakeStorage{
		onUpsertDomainStat: func(_ context.Context, _ *telemetry.Record) (err error) { return nil },
		onAppendRecord: func(_ context.Context, rec *telemetry.Record) (err error) {
			processed <- rec

			return nil
		},
		onIncrementRuleHit: func(_ context.Context, _ uint64) (err error) { return nil },
	}

	var dropped atomic.Int64
	m := &countingMetrics{dropped: &dropped}

	tel := telemetry.New(&telemetry.Config{
		Logger:      slogutil.NewDiscardLogger(),
		Storage:     st,
		Broadcaster: telemetry.EmptyBroadcaster{},
		Metrics:     m,
		QueueSize:   1,
		Workers:     1,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	first, second := newTestRecord(), newTestRecord()
	first.Hostname = "first.example.org"
	second.Hostname = "second.example.org"

	// Workers are not started yet, so the queue can only hold one record and
	// the second submission sheds the first.
	tel.Submit(ctx, first)
	tel.Submit(ctx, second)

	assert.Equal(t, int64(1), dropped.Load())

	require.NoError(t, tel.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return tel.Shutdown(context.Background())
	})

	got, _ := testutil.RequireReceive(t, processed, testTimeout)
	assert.Equal(t, "second.example.org", got.Hostname)
}

func TestTelemetry_Shutdown_drains(t *testing.T) {
	processed := make(chan *telemetry.Record, 8)

	st := &fakeStorage{
		onUpsertDomainStat: func(_ context.Context, _ *telemetry.Record) (err error) { return nil },
		onAppendRecord: func(_ context.Context, rec *telemetry.Record) (err error) {
			processed <- rec

			return nil
		},
		onIncrementRuleHit: func(_ context.Context, _ uint64) (err error) { return nil },
	}

	tel := telemetry.New(&telemetry.Config{
		Logger:      slogutil.NewDiscardLogger(),
		Storage:     st,
		Broadcaster: telemetry.EmptyBroadcaster{},
		Metrics:     telemetry.EmptyMetrics{},
		QueueSize:   8,
		Workers:     1,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	for range 3 {
		tel.Submit(ctx, newTestRecord())
	}

	require.NoError(t, tel.Start(ctx))
	require.NoError(t, tel.Shutdown(ctx))

	for range 3 {
		testutil.RequireReceive(t, processed, testTimeout)
	}

	// Submissions after shutdown are discarded.
	tel.Submit(ctx, newTestRecord())
	select {
	case rec := <-processed:
		t.Fatalf("unexpected record after shutdown: %v", rec)
	default:
	}
}

// countingMetrics is a [telemetry.Metrics] that counts drops.
type countingMetrics struct {
	dropped *atomic.Int64
}

// type check
var _ telemetry.Metrics = (*countingMetrics)(nil)

func (m *countingMetrics) SetQueueLength(_ context.Context, _ int) {}

func (m *countingMetrics) IncDropped(_ context.Context) {
	m.dropped.Add(1)
}

func (m *countingMetrics) IncStoreErrors(_ context.Context) {}
