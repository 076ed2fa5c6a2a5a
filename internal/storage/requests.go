package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/proxymon/proxymon/internal/telemetry"
	bolt "go.etcd.io/bbolt"
)

// DefaultQueryLimit is the record listing cap used when a query does not set
// one.
const DefaultQueryLimit = 500

// Connection outcome filter values of [RequestQuery.Status].
const (
	StatusBlocked = "blocked"
	StatusSuccess = "success"
	StatusError   = "error"
)

// RequestQuery narrows a connection record listing.  Zero-valued fields do
// not filter.
type RequestQuery struct {
	// Hostname is matched as a case-insensitive substring.
	Hostname string

	// Method is matched exactly.
	Method string

	// Status is one of [StatusBlocked], [StatusSuccess], and [StatusError].
	Status string

	// SourceIP is matched as a substring of the textual source address.
	SourceIP string

	// Blocked, when set, filters by the blocked flag alone.
	Blocked *bool

	// Limit caps the result.  Zero means [DefaultQueryLimit].
	Limit int
}

// match reports whether rec passes every set filter.
func (q *RequestQuery) match(rec *telemetry.Record) (ok bool) {
	if q.Hostname != "" &&
		!strings.Contains(strings.ToLower(rec.Hostname), strings.ToLower(q.Hostname)) {
		return false
	}

	if q.Method != "" && rec.Method != q.Method {
		return false
	}

	switch q.Status {
	case "":
		// No outcome filter.
	case StatusBlocked:
		if !rec.Blocked {
			return false
		}
	case StatusSuccess:
		if rec.Blocked || rec.StatusCode >= 400 {
			return false
		}
	case StatusError:
		if rec.StatusCode < 400 {
			return false
		}
	}

	if q.SourceIP != "" && !strings.Contains(rec.SourceIP.String(), q.SourceIP) {
		return false
	}

	if q.Blocked != nil && rec.Blocked != *q.Blocked {
		return false
	}

	return true
}

// AppendRecord persists rec, assigning its ID, and prunes the oldest records
// beyond the retention cap.
func (s *Store) AppendRecord(ctx context.Context, rec *telemetry.Record) (err error) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	return s.update(bucketRequests, func(bkt *bolt.Bucket) (err error) {
		if rec.ID, err = nextID(bkt); err != nil {
			return err
		}

		if err = putJSON(bkt, rec.ID, rec); err != nil {
			return err
		}

		s.reqCount.Add(1)
		for s.reqCount.Load() > int64(s.maxRequests) {
			k, _ := bkt.Cursor().First()
			if k == nil {
				break
			}

			if err = bkt.Delete(k); err != nil {
				return fmt.Errorf("pruning record: %w", err)
			}

			s.reqCount.Add(-1)
		}

		return nil
	})
}

// Requests returns the connection records that pass q, newest first.  A nil
// q lists the most recent records up to [DefaultQueryLimit].
func (s *Store) Requests(
	ctx context.Context,
	q *RequestQuery,
) (recs []*telemetry.Record, err error) {
	if q == nil {
		q = &RequestQuery{}
	}

	limit := q.Limit
	if limit == 0 {
		limit = DefaultQueryLimit
	}

	err = s.view(bucketRequests, func(bkt *bolt.Bucket) (err error) {
		c := bkt.Cursor()
		for k, data := c.Last(); k != nil && len(recs) < limit; k, data = c.Prev() {
			rec := &telemetry.Record{}
			if err = json.Unmarshal(data, rec); err != nil {
				return fmt.Errorf("decoding record %d: %w", btoi(k), err)
			}

			if q.match(rec) {
				recs = append(recs, rec)
			}
		}

		return nil
	})

	return recs, err
}

// RequestCount returns the number of retained connection records.
func (s *Store) RequestCount() (n int64) {
	return s.reqCount.Load()
}

// ClearRequests removes all connection records and returns how many were
// removed.
func (s *Store) ClearRequests(ctx context.Context) (n int64, err error) {
	err = s.db.Update(func(tx *bolt.Tx) (uerr error) {
		if uerr = tx.DeleteBucket(bucketRequests); uerr != nil {
			return fmt.Errorf("dropping records: %w", uerr)
		}

		_, uerr = tx.CreateBucket(bucketRequests)

		return uerr
	})
	if err != nil {
		return 0, err
	}

	return s.reqCount.Swap(0), nil
}
