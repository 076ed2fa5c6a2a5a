package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/proxymon/proxymon/internal/telemetry"
	bolt "go.etcd.io/bbolt"
)

// DomainStat is the per-hostname traffic aggregate, folded incrementally
// from connection records.
type DomainStat struct {
	FirstAccessed   time.Time `json:"first_accessed"`
	LastAccessed    time.Time `json:"last_accessed"`
	Hostname        string    `json:"hostname"`
	RequestCount    int64     `json:"request_count"`
	BlockedCount    int64     `json:"blocked_count"`
	ErrorCount      int64     `json:"error_count"`
	TotalBytes      int64     `json:"total_bytes"`
	AvgResponseTime float64   `json:"avg_response_time"`
}

// UpsertDomainStat folds rec into the aggregate of its hostname, creating
// the aggregate on first sight.
func (s *Store) UpsertDomainStat(ctx context.Context, rec *telemetry.Record) (err error) {
	if rec.Hostname == "" {
		return nil
	}

	return s.update(bucketDomainStats, func(bkt *bolt.Bucket) (err error) {
		key := []byte(rec.Hostname)

		st := &DomainStat{
			Hostname:      rec.Hostname,
			FirstAccessed: rec.Time,
		}
		if data := bkt.Get(key); data != nil {
			if err = json.Unmarshal(data, st); err != nil {
				return fmt.Errorf("decoding stat %q: %w", rec.Hostname, err)
			}
		}

		st.RequestCount++
		st.TotalBytes += rec.ContentLength
		if rec.Blocked {
			st.BlockedCount++
		} else if rec.StatusCode >= 400 {
			st.ErrorCount++
		}

		n := float64(st.RequestCount)
		st.AvgResponseTime = (st.AvgResponseTime*(n-1) + float64(rec.ResponseTime)) / n
		st.LastAccessed = rec.Time

		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encoding stat %q: %w", rec.Hostname, err)
		}

		return bkt.Put(key, data)
	})
}

// DomainStats returns up to limit aggregates ordered by request count,
// busiest first.  A non-positive limit returns all of them.
func (s *Store) DomainStats(ctx context.Context, limit int) (sts []*DomainStat, err error) {
	err = s.view(bucketDomainStats, func(bkt *bolt.Bucket) (err error) {
		return bkt.ForEach(func(k, data []byte) (ferr error) {
			st := &DomainStat{}
			if ferr = json.Unmarshal(data, st); ferr != nil {
				return fmt.Errorf("decoding stat %q: %w", k, ferr)
			}

			sts = append(sts, st)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortStatsByCount(sts, func(st *DomainStat) (n int64) { return st.RequestCount })
	if limit > 0 && len(sts) > limit {
		sts = sts[:limit]
	}

	return sts, nil
}

// TopBlockedDomains returns up to limit aggregates with at least one blocked
// connection, most blocked first.
func (s *Store) TopBlockedDomains(ctx context.Context, limit int) (sts []*DomainStat, err error) {
	all, err := s.DomainStats(ctx, 0)
	if err != nil {
		return nil, err
	}

	for _, st := range all {
		if st.BlockedCount > 0 {
			sts = append(sts, st)
		}
	}

	sortStatsByCount(sts, func(st *DomainStat) (n int64) { return st.BlockedCount })
	if limit > 0 && len(sts) > limit {
		sts = sts[:limit]
	}

	return sts, nil
}

// ClearDomainStats removes all aggregates.
func (s *Store) ClearDomainStats(ctx context.Context) (err error) {
	return s.db.Update(func(tx *bolt.Tx) (uerr error) {
		if uerr = tx.DeleteBucket(bucketDomainStats); uerr != nil {
			return fmt.Errorf("dropping stats: %w", uerr)
		}

		_, uerr = tx.CreateBucket(bucketDomainStats)

		return uerr
	})
}

// sortStatsByCount orders sts by the counter that key extracts, descending,
// breaking ties by hostname for a stable listing.
func sortStatsByCount(sts []*DomainStat, key func(st *DomainStat) (n int64)) {
	slices.SortFunc(sts, func(a, b *DomainStat) (cmp int) {
		ka, kb := key(a), key(b)
		switch {
		case ka > kb:
			return -1
		case ka < kb:
			return 1
		default:
			return strings.Compare(a.Hostname, b.Hostname)
		}
	})
}
