package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/proxymon/proxymon/internal/rules"
	"github.com/proxymon/proxymon/internal/telemetry"
	bolt "go.etcd.io/bbolt"
)

// Listing caps of the analytics report.
const (
	topListLimit    = 20
	statusCodeLimit = 10
)

// ClientStat is the per-client slice of the analytics report.
type ClientStat struct {
	SourceIP string `json:"source_ip"`
	Count    int64  `json:"count"`
	Blocked  int64  `json:"blocked"`
	Bytes    int64  `json:"bytes"`
}

// HourStat is one hour of traffic.
type HourStat struct {
	Hour    time.Time `json:"hour"`
	Count   int64     `json:"count"`
	Blocked int64     `json:"blocked"`
	Bytes   int64     `json:"bytes"`
}

// MethodStat is the usage count of one HTTP method.
type MethodStat struct {
	Method string `json:"method"`
	Count  int64  `json:"count"`
}

// StatusCodeStat is the occurrence count of one status code.
type StatusCodeStat struct {
	StatusCode int   `json:"status_code"`
	Count      int64 `json:"count"`
}

// Analytics is the traffic report of the analytics endpoint.  The client,
// hourly, and window aggregates cover connections since the requested time;
// the method, status code, and domain aggregates cover everything retained.
type Analytics struct {
	TopClients      []*ClientStat     `json:"top_clients"`
	TopDomains      []*DomainStat     `json:"top_domains"`
	TopBlocked      []*DomainStat     `json:"top_blocked"`
	Hourly          []*HourStat       `json:"hourly_data"`
	Methods         []*MethodStat     `json:"methods"`
	StatusCodes     []*StatusCodeStat `json:"status_codes"`
	TotalBytes      int64             `json:"total_bytes"`
	AvgResponseTime float64           `json:"avg_response_time"`
}

// Summary is the windowed aggregate of the analytics endpoint.
type Summary struct {
	Total           int64   `json:"total"`
	Blocked         int64   `json:"blocked"`
	TotalBytes      int64   `json:"total_bytes"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

// Overview is the instance-wide counter set of the status endpoint.
type Overview struct {
	TotalRequests   int64 `json:"total_requests"`
	BlockedRequests int64 `json:"blocked_requests"`
	TotalBytes      int64 `json:"total_bytes"`
	UniqueDomains   int64 `json:"unique_domains"`
	BlockedDomains  int64 `json:"blocked_domains"`
}

// Analytics builds the traffic report.  Windowed aggregates cover records
// with timestamps at or after since.
func (s *Store) Analytics(ctx context.Context, since time.Time) (a *Analytics, err error) {
	a = &Analytics{}

	clients := map[string]*ClientStat{}
	hours := map[time.Time]*HourStat{}
	methods := map[string]*MethodStat{}
	codes := map[int]*StatusCodeStat{}

	var rtSum, rtCount int64
	err = s.view(bucketRequests, func(bkt *bolt.Bucket) (err error) {
		return eachJSON(bkt, func(rec *telemetry.Record) (cont bool) {
			m := methods[rec.Method]
			if m == nil {
				m = &MethodStat{Method: rec.Method}
				methods[rec.Method] = m
			}
			m.Count++

			if rec.StatusCode != 0 {
				c := codes[rec.StatusCode]
				if c == nil {
					c = &StatusCodeStat{StatusCode: rec.StatusCode}
					codes[rec.StatusCode] = c
				}
				c.Count++
			}

			rtSum += rec.ResponseTime
			rtCount++

			if rec.Time.Before(since) {
				return true
			}

			src := rec.SourceIP.String()
			cl := clients[src]
			if cl == nil {
				cl = &ClientStat{SourceIP: src}
				clients[src] = cl
			}

			hour := rec.Time.Truncate(time.Hour)
			h := hours[hour]
			if h == nil {
				h = &HourStat{Hour: hour}
				hours[hour] = h
			}

			cl.Count++
			h.Count++
			cl.Bytes += rec.ContentLength
			h.Bytes += rec.ContentLength
			if rec.Blocked {
				cl.Blocked++
				h.Blocked++
			}

			return true
		})
	})
	if err != nil {
		return nil, err
	}

	if rtCount > 0 {
		a.AvgResponseTime = float64(rtSum) / float64(rtCount)
	}

	for _, cl := range clients {
		a.TopClients = append(a.TopClients, cl)
	}
	slices.SortFunc(a.TopClients, func(x, y *ClientStat) (cmp int) {
		if x.Count != y.Count {
			if x.Count > y.Count {
				return -1
			}

			return 1
		}

		return strings.Compare(x.SourceIP, y.SourceIP)
	})
	if len(a.TopClients) > topListLimit {
		a.TopClients = a.TopClients[:topListLimit]
	}

	for _, h := range hours {
		a.Hourly = append(a.Hourly, h)
	}
	slices.SortFunc(a.Hourly, func(x, y *HourStat) (cmp int) {
		return x.Hour.Compare(y.Hour)
	})

	for _, m := range methods {
		a.Methods = append(a.Methods, m)
	}
	slices.SortFunc(a.Methods, func(x, y *MethodStat) (cmp int) {
		if x.Count != y.Count {
			if x.Count > y.Count {
				return -1
			}

			return 1
		}

		return strings.Compare(x.Method, y.Method)
	})

	for _, c := range codes {
		a.StatusCodes = append(a.StatusCodes, c)
	}
	slices.SortFunc(a.StatusCodes, func(x, y *StatusCodeStat) (cmp int) {
		if x.Count != y.Count {
			if x.Count > y.Count {
				return -1
			}

			return 1
		}

		return x.StatusCode - y.StatusCode
	})
	if len(a.StatusCodes) > statusCodeLimit {
		a.StatusCodes = a.StatusCodes[:statusCodeLimit]
	}

	all, err := s.DomainStats(ctx, 0)
	if err != nil {
		return nil, err
	}

	for _, st := range all {
		a.TotalBytes += st.TotalBytes
		if st.BlockedCount > 0 {
			a.TopBlocked = append(a.TopBlocked, st)
		}
	}

	a.TopDomains = all
	if len(a.TopDomains) > topListLimit {
		a.TopDomains = a.TopDomains[:topListLimit]
	}

	sortStatsByCount(a.TopBlocked, func(st *DomainStat) (n int64) { return st.BlockedCount })
	if len(a.TopBlocked) > topListLimit {
		a.TopBlocked = a.TopBlocked[:topListLimit]
	}

	return a, nil
}

// Summary aggregates the records with timestamps at or after since.
func (s *Store) Summary(ctx context.Context, since time.Time) (sum *Summary, err error) {
	sum = &Summary{}

	var rtSum int64
	err = s.view(bucketRequests, func(bkt *bolt.Bucket) (err error) {
		return eachJSON(bkt, func(rec *telemetry.Record) (cont bool) {
			if rec.Time.Before(since) {
				return true
			}

			sum.Total++
			sum.TotalBytes += rec.ContentLength
			rtSum += rec.ResponseTime
			if rec.Blocked {
				sum.Blocked++
			}

			return true
		})
	})
	if err != nil {
		return nil, err
	}

	if sum.Total > 0 {
		sum.AvgResponseTime = float64(rtSum) / float64(sum.Total)
	}

	return sum, nil
}

// Overview counts the retained records, the aggregates, and the active
// domain entries.
func (s *Store) Overview(ctx context.Context) (o *Overview, err error) {
	o = &Overview{}

	err = s.db.View(func(tx *bolt.Tx) (verr error) {
		reqBkt := tx.Bucket(bucketRequests)
		o.TotalRequests = int64(reqBkt.Stats().KeyN)

		verr = eachJSON(reqBkt, func(rec *telemetry.Record) (cont bool) {
			if rec.Blocked {
				o.BlockedRequests++
			}

			return true
		})
		if verr != nil {
			return verr
		}

		statsBkt := tx.Bucket(bucketDomainStats)
		o.UniqueDomains = int64(statsBkt.Stats().KeyN)
		verr = statsBkt.ForEach(func(k, data []byte) (ferr error) {
			st := &DomainStat{}
			if ferr = json.Unmarshal(data, st); ferr != nil {
				return fmt.Errorf("decoding stat %q: %w", k, ferr)
			}

			o.TotalBytes += st.TotalBytes

			return nil
		})
		if verr != nil {
			return verr
		}

		return eachJSON(tx.Bucket(bucketDomains), func(d *rules.BlockedDomain) (cont bool) {
			if d.IsActive {
				o.BlockedDomains++
			}

			return true
		})
	})
	if err != nil {
		return nil, err
	}

	return o, nil
}
