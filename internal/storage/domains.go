package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/proxymon/proxymon/internal/rules"
	bolt "go.etcd.io/bbolt"
)

// CreateDomain validates and stores d, assigning its ID and creation time.
// A pattern already present, active or not, is rejected with [ErrDuplicate].
func (s *Store) CreateDomain(ctx context.Context, d *rules.BlockedDomain) (err error) {
	d.Pattern = strings.ToLower(strings.TrimSpace(d.Pattern))
	if err = d.Validate(); err != nil {
		return fmt.Errorf("validating domain: %w", err)
	}

	if d.Category == "" {
		d.Category = rules.CategoryManual
	}

	return s.update(bucketDomains, func(bkt *bolt.Bucket) (err error) {
		ok, err := domainPatternFree(bkt, d.Pattern, 0)
		if err != nil {
			return err
		} else if !ok {
			return ErrDuplicate
		}

		if d.ID, err = nextID(bkt); err != nil {
			return err
		}

		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now()
		}

		return putJSON(bkt, d.ID, d)
	})
}

// domainPatternFree reports whether no entry other than the one with skipID
// stores pattern.
func domainPatternFree(bkt *bolt.Bucket, pattern string, skipID uint64) (ok bool, err error) {
	ok = true
	err = eachJSON(bkt, func(d *rules.BlockedDomain) (cont bool) {
		if d.ID != skipID && d.Pattern == pattern {
			ok = false

			return false
		}

		return true
	})

	return ok, err
}

// Domain returns the domain entry with the given ID.
func (s *Store) Domain(ctx context.Context, id uint64) (d *rules.BlockedDomain, err error) {
	err = s.view(bucketDomains, func(bkt *bolt.Bucket) (err error) {
		d, err = getJSON[rules.BlockedDomain](bkt, id)

		return err
	})

	return d, err
}

// UpdateDomain replaces the stored entry with the ID of d.  The creation
// time and the hit counter of the stored entry are preserved.
func (s *Store) UpdateDomain(ctx context.Context, d *rules.BlockedDomain) (err error) {
	d.Pattern = strings.ToLower(strings.TrimSpace(d.Pattern))
	if err = d.Validate(); err != nil {
		return fmt.Errorf("validating domain: %w", err)
	}

	return s.update(bucketDomains, func(bkt *bolt.Bucket) (err error) {
		prev, err := getJSON[rules.BlockedDomain](bkt, d.ID)
		if err != nil {
			return err
		}

		ok, err := domainPatternFree(bkt, d.Pattern, d.ID)
		if err != nil {
			return err
		} else if !ok {
			return ErrDuplicate
		}

		d.CreatedAt = prev.CreatedAt
		d.HitCount = prev.HitCount

		return putJSON(bkt, d.ID, d)
	})
}

// DeleteDomain removes the domain entry with the given ID.
func (s *Store) DeleteDomain(ctx context.Context, id uint64) (err error) {
	return s.update(bucketDomains, func(bkt *bolt.Bucket) (err error) {
		return deleteChecked(bkt, id)
	})
}

// ToggleDomain flips the active flag of the domain entry with the given ID
// and returns the new state.
func (s *Store) ToggleDomain(ctx context.Context, id uint64) (active bool, err error) {
	err = s.update(bucketDomains, func(bkt *bolt.Bucket) (err error) {
		d, err := getJSON[rules.BlockedDomain](bkt, id)
		if err != nil {
			return err
		}

		d.IsActive = !d.IsActive
		active = d.IsActive

		return putJSON(bkt, id, d)
	})

	return active, err
}

// ResetDomainHits zeroes the hit counter of the domain entry with the given
// ID.
func (s *Store) ResetDomainHits(ctx context.Context, id uint64) (err error) {
	return s.update(bucketDomains, func(bkt *bolt.Bucket) (err error) {
		d, err := getJSON[rules.BlockedDomain](bkt, id)
		if err != nil {
			return err
		}

		d.HitCount = 0

		return putJSON(bkt, id, d)
	})
}

// IncrementDomainHit adds one to the hit counter of the domain entry with
// the given ID.
func (s *Store) IncrementDomainHit(ctx context.Context, id uint64) (err error) {
	return s.update(bucketDomains, func(bkt *bolt.Bucket) (err error) {
		d, err := getJSON[rules.BlockedDomain](bkt, id)
		if err != nil {
			return err
		}

		d.HitCount++

		return putJSON(bkt, id, d)
	})
}

// Domains returns all domain entries, newest first.
func (s *Store) Domains(ctx context.Context) (ds []*rules.BlockedDomain, err error) {
	err = s.view(bucketDomains, func(bkt *bolt.Bucket) (err error) {
		ds, err = listJSONReverse[rules.BlockedDomain](bkt)

		return err
	})

	return ds, err
}

// ActiveDomains returns the active domain entries in creation order.
func (s *Store) ActiveDomains(ctx context.Context) (ds []*rules.BlockedDomain, err error) {
	err = s.view(bucketDomains, func(bkt *bolt.Bucket) (err error) {
		return eachJSON(bkt, func(d *rules.BlockedDomain) (cont bool) {
			if d.IsActive {
				ds = append(ds, d)
			}

			return true
		})
	})

	return ds, err
}

// BulkAddDomains normalizes and stores the patterns that are not yet
// present, all with the same category and notes.  It returns the number of
// entries actually created.
func (s *Store) BulkAddDomains(
	ctx context.Context,
	patterns []string,
	category string,
	notes string,
) (created int, err error) {
	if category == "" {
		category = rules.CategoryManual
	}

	err = s.update(bucketDomains, func(bkt *bolt.Bucket) (err error) {
		existing := map[string]struct{}{}
		err = eachJSON(bkt, func(d *rules.BlockedDomain) (cont bool) {
			existing[d.Pattern] = struct{}{}

			return true
		})
		if err != nil {
			return err
		}

		now := time.Now()
		for _, p := range patterns {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}

			if _, dup := existing[p]; dup {
				continue
			}

			d := &rules.BlockedDomain{
				CreatedAt: now,
				Pattern:   p,
				Category:  category,
				Notes:     notes,
				IsActive:  true,
			}
			if err = d.Validate(); err != nil {
				s.logger.WarnContext(ctx, "bulk add: skipping pattern", "pattern", p)

				continue
			}

			if d.ID, err = nextID(bkt); err != nil {
				return err
			}

			if err = putJSON(bkt, d.ID, d); err != nil {
				return err
			}

			existing[p] = struct{}{}
			created++
		}

		return nil
	})

	return created, err
}
