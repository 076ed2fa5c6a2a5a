package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/proxymon/proxymon/internal/rules"
	bolt "go.etcd.io/bbolt"
)

// CreateIP validates and stores ip, assigning its ID and creation time.  An
// address already present with the same direction is rejected with
// [ErrDuplicate].
func (s *Store) CreateIP(ctx context.Context, ip *rules.BlockedIP) (err error) {
	ip.Address = strings.TrimSpace(ip.Address)
	if ip.Direction == "" {
		ip.Direction = rules.DirectionBoth
	}

	if err = ip.Validate(); err != nil {
		return fmt.Errorf("validating ip: %w", err)
	}

	return s.update(bucketIPs, func(bkt *bolt.Bucket) (err error) {
		ok, err := ipAddressFree(bkt, ip.Address, ip.Direction, 0)
		if err != nil {
			return err
		} else if !ok {
			return ErrDuplicate
		}

		if ip.ID, err = nextID(bkt); err != nil {
			return err
		}

		if ip.CreatedAt.IsZero() {
			ip.CreatedAt = time.Now()
		}

		return putJSON(bkt, ip.ID, ip)
	})
}

// ipAddressFree reports whether no entry other than the one with skipID
// stores the same address and direction.
func ipAddressFree(
	bkt *bolt.Bucket,
	addr string,
	dir rules.Direction,
	skipID uint64,
) (ok bool, err error) {
	ok = true
	err = eachJSON(bkt, func(ip *rules.BlockedIP) (cont bool) {
		if ip.ID != skipID && ip.Address == addr && ip.Direction == dir {
			ok = false

			return false
		}

		return true
	})

	return ok, err
}

// IP returns the IP entry with the given ID.
func (s *Store) IP(ctx context.Context, id uint64) (ip *rules.BlockedIP, err error) {
	err = s.view(bucketIPs, func(bkt *bolt.Bucket) (err error) {
		ip, err = getJSON[rules.BlockedIP](bkt, id)

		return err
	})

	return ip, err
}

// UpdateIP replaces the stored entry with the ID of ip, preserving the
// creation time and the hit counter.
func (s *Store) UpdateIP(ctx context.Context, ip *rules.BlockedIP) (err error) {
	ip.Address = strings.TrimSpace(ip.Address)
	if err = ip.Validate(); err != nil {
		return fmt.Errorf("validating ip: %w", err)
	}

	return s.update(bucketIPs, func(bkt *bolt.Bucket) (err error) {
		prev, err := getJSON[rules.BlockedIP](bkt, ip.ID)
		if err != nil {
			return err
		}

		ok, err := ipAddressFree(bkt, ip.Address, ip.Direction, ip.ID)
		if err != nil {
			return err
		} else if !ok {
			return ErrDuplicate
		}

		ip.CreatedAt = prev.CreatedAt
		ip.HitCount = prev.HitCount

		return putJSON(bkt, ip.ID, ip)
	})
}

// DeleteIP removes the IP entry with the given ID.
func (s *Store) DeleteIP(ctx context.Context, id uint64) (err error) {
	return s.update(bucketIPs, func(bkt *bolt.Bucket) (err error) {
		return deleteChecked(bkt, id)
	})
}

// ToggleIP flips the active flag of the IP entry with the given ID and
// returns the new state.
func (s *Store) ToggleIP(ctx context.Context, id uint64) (active bool, err error) {
	err = s.update(bucketIPs, func(bkt *bolt.Bucket) (err error) {
		ip, err := getJSON[rules.BlockedIP](bkt, id)
		if err != nil {
			return err
		}

		ip.IsActive = !ip.IsActive
		active = ip.IsActive

		return putJSON(bkt, id, ip)
	})

	return active, err
}

// ResetIPHits zeroes the hit counter of the IP entry with the given ID.
func (s *Store) ResetIPHits(ctx context.Context, id uint64) (err error) {
	return s.update(bucketIPs, func(bkt *bolt.Bucket) (err error) {
		ip, err := getJSON[rules.BlockedIP](bkt, id)
		if err != nil {
			return err
		}

		ip.HitCount = 0

		return putJSON(bkt, id, ip)
	})
}

// IncrementIPHit adds one to the hit counter of the IP entry with the given
// ID.
func (s *Store) IncrementIPHit(ctx context.Context, id uint64) (err error) {
	return s.update(bucketIPs, func(bkt *bolt.Bucket) (err error) {
		ip, err := getJSON[rules.BlockedIP](bkt, id)
		if err != nil {
			return err
		}

		ip.HitCount++

		return putJSON(bkt, id, ip)
	})
}

// IPs returns all IP entries, newest first.
func (s *Store) IPs(ctx context.Context) (ips []*rules.BlockedIP, err error) {
	err = s.view(bucketIPs, func(bkt *bolt.Bucket) (err error) {
		ips, err = listJSONReverse[rules.BlockedIP](bkt)

		return err
	})

	return ips, err
}

// ActiveIPs returns the active IP entries in creation order.
func (s *Store) ActiveIPs(ctx context.Context) (ips []*rules.BlockedIP, err error) {
	err = s.view(bucketIPs, func(bkt *bolt.Bucket) (err error) {
		return eachJSON(bkt, func(ip *rules.BlockedIP) (cont bool) {
			if ip.IsActive {
				ips = append(ips, ip)
			}

			return true
		})
	})

	return ips, err
}
