package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/proxymon/proxymon/internal/rules"
	bolt "go.etcd.io/bbolt"
)

// CreateRule validates and stores r, assigning its ID and creation time.  A
// name already in use is rejected with [ErrDuplicate].
func (s *Store) CreateRule(ctx context.Context, r *rules.BlockRule) (err error) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Action == "" {
		r.Action = rules.ActionBlock
	}

	if err = r.Validate(); err != nil {
		return fmt.Errorf("validating rule: %w", err)
	}

	return s.update(bucketRules, func(bkt *bolt.Bucket) (err error) {
		ok, err := ruleNameFree(bkt, r.Name, 0)
		if err != nil {
			return err
		} else if !ok {
			return ErrDuplicate
		}

		if r.ID, err = nextID(bkt); err != nil {
			return err
		}

		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}

		return putJSON(bkt, r.ID, r)
	})
}

// ruleNameFree reports whether no rule other than the one with skipID has
// the given name.
func ruleNameFree(bkt *bolt.Bucket, name string, skipID uint64) (ok bool, err error) {
	ok = true
	err = eachJSON(bkt, func(r *rules.BlockRule) (cont bool) {
		if r.ID != skipID && r.Name == name {
			ok = false

			return false
		}

		return true
	})

	return ok, err
}

// Rule returns the rule with the given ID.
func (s *Store) Rule(ctx context.Context, id uint64) (r *rules.BlockRule, err error) {
	err = s.view(bucketRules, func(bkt *bolt.Bucket) (err error) {
		r, err = getJSON[rules.BlockRule](bkt, id)

		return err
	})

	return r, err
}

// UpdateRule replaces the stored rule with the ID of r, preserving the
// creation time and the hit counter.
func (s *Store) UpdateRule(ctx context.Context, r *rules.BlockRule) (err error) {
	r.Name = strings.TrimSpace(r.Name)
	if err = r.Validate(); err != nil {
		return fmt.Errorf("validating rule: %w", err)
	}

	return s.update(bucketRules, func(bkt *bolt.Bucket) (err error) {
		prev, err := getJSON[rules.BlockRule](bkt, r.ID)
		if err != nil {
			return err
		}

		ok, err := ruleNameFree(bkt, r.Name, r.ID)
		if err != nil {
			return err
		} else if !ok {
			return ErrDuplicate
		}

		r.CreatedAt = prev.CreatedAt
		r.HitCount = prev.HitCount

		return putJSON(bkt, r.ID, r)
	})
}

// DeleteRule removes the rule with the given ID.
func (s *Store) DeleteRule(ctx context.Context, id uint64) (err error) {
	return s.update(bucketRules, func(bkt *bolt.Bucket) (err error) {
		return deleteChecked(bkt, id)
	})
}

// ToggleRule flips the active flag of the rule with the given ID and returns
// the new state.
func (s *Store) ToggleRule(ctx context.Context, id uint64) (active bool, err error) {
	err = s.update(bucketRules, func(bkt *bolt.Bucket) (err error) {
		r, err := getJSON[rules.BlockRule](bkt, id)
		if err != nil {
			return err
		}

		r.IsActive = !r.IsActive
		active = r.IsActive

		return putJSON(bkt, id, r)
	})

	return active, err
}

// ResetRuleHits zeroes the hit counter of the rule with the given ID.
func (s *Store) ResetRuleHits(ctx context.Context, id uint64) (err error) {
	return s.update(bucketRules, func(bkt *bolt.Bucket) (err error) {
		r, err := getJSON[rules.BlockRule](bkt, id)
		if err != nil {
			return err
		}

		r.HitCount = 0

		return putJSON(bkt, id, r)
	})
}

// IncrementRuleHit adds one to the hit counter of the rule with the given
// ID.
func (s *Store) IncrementRuleHit(ctx context.Context, id uint64) (err error) {
	return s.update(bucketRules, func(bkt *bolt.Bucket) (err error) {
		r, err := getJSON[rules.BlockRule](bkt, id)
		if err != nil {
			return err
		}

		r.HitCount++

		return putJSON(bkt, id, r)
	})
}

// Rules returns all rules, newest first.
func (s *Store) Rules(ctx context.Context) (rs []*rules.BlockRule, err error) {
	err = s.view(bucketRules, func(bkt *bolt.Bucket) (err error) {
		rs, err = listJSONReverse[rules.BlockRule](bkt)

		return err
	})

	return rs, err
}

// ActiveRules returns the active rules in evaluation order: ascending
// priority, most recently created first within a priority.
func (s *Store) ActiveRules(ctx context.Context) (rs []*rules.BlockRule, err error) {
	err = s.view(bucketRules, func(bkt *bolt.Bucket) (err error) {
		return eachJSON(bkt, func(r *rules.BlockRule) (cont bool) {
			if r.IsActive {
				rs = append(rs, r)
			}

			return true
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(rs, func(a, b *rules.BlockRule) (cmp int) {
		if a.Priority != b.Priority {
			if a.Priority < b.Priority {
				return -1
			}

			return 1
		}

		return b.CreatedAt.Compare(a.CreatedAt)
	})

	return rs, nil
}
