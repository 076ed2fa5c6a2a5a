package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/proxymon/proxymon/internal/rules"
	bolt "go.etcd.io/bbolt"
)

// CreatePort validates and stores p, assigning its ID and creation time.  A
// port or range already present with the same direction is rejected with
// [ErrDuplicate].
func (s *Store) CreatePort(ctx context.Context, p *rules.BlockedPort) (err error) {
	if p.Direction == "" {
		p.Direction = rules.DirectionBoth
	}

	if p.Protocol == "" {
		p.Protocol = "tcp"
	}

	if err = p.Validate(); err != nil {
		return fmt.Errorf("validating port: %w", err)
	}

	return s.update(bucketPorts, func(bkt *bolt.Bucket) (err error) {
		ok, err := portFree(bkt, p, 0)
		if err != nil {
			return err
		} else if !ok {
			return ErrDuplicate
		}

		if p.ID, err = nextID(bkt); err != nil {
			return err
		}

		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}

		return putJSON(bkt, p.ID, p)
	})
}

// portFree reports whether no entry other than the one with skipID stores
// the same port span and direction.
func portFree(bkt *bolt.Bucket, p *rules.BlockedPort, skipID uint64) (ok bool, err error) {
	ok = true
	err = eachJSON(bkt, func(prev *rules.BlockedPort) (cont bool) {
		if prev.ID != skipID &&
			prev.Port == p.Port &&
			prev.PortEnd == p.PortEnd &&
			prev.Direction == p.Direction {
			ok = false

			return false
		}

		return true
	})

	return ok, err
}

// Port returns the port entry with the given ID.
func (s *Store) Port(ctx context.Context, id uint64) (p *rules.BlockedPort, err error) {
	err = s.view(bucketPorts, func(bkt *bolt.Bucket) (err error) {
		p, err = getJSON[rules.BlockedPort](bkt, id)

		return err
	})

	return p, err
}

// UpdatePort replaces the stored entry with the ID of p, preserving the
// creation time and the hit counter.
func (s *Store) UpdatePort(ctx context.Context, p *rules.BlockedPort) (err error) {
	if err = p.Validate(); err != nil {
		return fmt.Errorf("validating port: %w", err)
	}

	return s.update(bucketPorts, func(bkt *bolt.Bucket) (err error) {
		prev, err := getJSON[rules.BlockedPort](bkt, p.ID)
		if err != nil {
			return err
		}

		ok, err := portFree(bkt, p, p.ID)
		if err != nil {
			return err
		} else if !ok {
			return ErrDuplicate
		}

		p.CreatedAt = prev.CreatedAt
		p.HitCount = prev.HitCount

		return putJSON(bkt, p.ID, p)
	})
}

// DeletePort removes the port entry with the given ID.
func (s *Store) DeletePort(ctx context.Context, id uint64) (err error) {
	return s.update(bucketPorts, func(bkt *bolt.Bucket) (err error) {
		return deleteChecked(bkt, id)
	})
}

// TogglePort flips the active flag of the port entry with the given ID and
// returns the new state.
func (s *Store) TogglePort(ctx context.Context, id uint64) (active bool, err error) {
	err = s.update(bucketPorts, func(bkt *bolt.Bucket) (err error) {
		p, err := getJSON[rules.BlockedPort](bkt, id)
		if err != nil {
			return err
		}

		p.IsActive = !p.IsActive
		active = p.IsActive

		return putJSON(bkt, id, p)
	})

	return active, err
}

// ResetPortHits zeroes the hit counter of the port entry with the given ID.
func (s *Store) ResetPortHits(ctx context.Context, id uint64) (err error) {
	return s.update(bucketPorts, func(bkt *bolt.Bucket) (err error) {
		p, err := getJSON[rules.BlockedPort](bkt, id)
		if err != nil {
			return err
		}

		p.HitCount = 0

		return putJSON(bkt, id, p)
	})
}

// IncrementPortHit adds one to the hit counter of the port entry with the
// given ID.
func (s *Store) IncrementPortHit(ctx context.Context, id uint64) (err error) {
	return s.update(bucketPorts, func(bkt *bolt.Bucket) (err error) {
		p, err := getJSON[rules.BlockedPort](bkt, id)
		if err != nil {
			return err
		}

		p.HitCount++

		return putJSON(bkt, id, p)
	})
}

// Ports returns all port entries, newest first.
func (s *Store) Ports(ctx context.Context) (ps []*rules.BlockedPort, err error) {
	err = s.view(bucketPorts, func(bkt *bolt.Bucket) (err error) {
		ps, err = listJSONReverse[rules.BlockedPort](bkt)

		return err
	})

	return ps, err
}

// ActivePorts returns the active port entries in creation order.
func (s *Store) ActivePorts(ctx context.Context) (ps []*rules.BlockedPort, err error) {
	err = s.view(bucketPorts, func(bkt *bolt.Bucket) (err error) {
		return eachJSON(bkt, func(p *rules.BlockedPort) (cont bool) {
			if p.IsActive {
				ps = append(ps, p)
			}

			return true
		})
	})

	return ps, err
}
