// Package rdns caches forward and reverse DNS lookups for the data plane and
// the dashboard.
package rdns

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/bluele/gcache"
)

// Default cache parameters.
const (
	DefaultCacheSize   = 1024
	DefaultCacheTTL    = 10 * time.Minute
	DefaultNegativeTTL = 30 * time.Second
)

// ErrNotResolved is returned for lookups served from a cached failure.
const ErrNotResolved errors.Error = "not resolved"

// Exchanger performs the uncached lookups.
type Exchanger interface {
	// LookupHost resolves host to its first usable address.
	LookupHost(ctx context.Context, host string) (addr netip.Addr, err error)

	// LookupPTR resolves the reverse record of ip.
	LookupPTR(ctx context.Context, ip netip.Addr) (host string, err error)
}

// Config is the configuration for the lookup cache.
type Config struct {
	// Logger is used for logging the operation of the cache.  It must not be
	// nil.
	Logger *slog.Logger

	// Exchanger resolves whatever the cache does not hold.  It must not be
	// nil.
	Exchanger Exchanger

	// CacheSize is the maximum number of entries per direction.  Zero means
	// [DefaultCacheSize].
	CacheSize int

	// CacheTTL is how long successful lookups stay fresh.  Zero means
	// [DefaultCacheTTL].
	CacheTTL time.Duration

	// NegativeTTL is how long failed lookups are remembered, preventing
	// repeated attempts for the same name or address.  Zero means
	// [DefaultNegativeTTL].
	NegativeTTL time.Duration
}

// Cache is the caching lookup layer.  Entries carry their own expiry: an
// expired entry is resolved again on the next request, and a failed lookup
// stays for a while so that further requests do not hit the upstreams.
type Cache struct {
	logger    *slog.Logger
	exchanger Exchanger

	forward gcache.Cache
	reverse gcache.Cache

	ttl    time.Duration
	negTTL time.Duration
}

// New returns a properly initialized *Cache.  conf must not be nil.
func New(conf *Config) (c *Cache) {
	size := conf.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}

	ttl := conf.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}

	negTTL := conf.NegativeTTL
	if negTTL == 0 {
		negTTL = DefaultNegativeTTL
	}

	return &Cache{
		logger:    conf.Logger,
		exchanger: conf.Exchanger,
		forward:   gcache.New(size).LRU().Build(),
		reverse:   gcache.New(size).LRU().Build(),
		ttl:       ttl,
		negTTL:    negTTL,
	}
}

// forwardItem is a cached address lookup.  An invalid address is a remembered
// failure.
type forwardItem struct {
	expiry time.Time
	addr   netip.Addr
}

// reverseItem is a cached name lookup.  An empty host is a remembered
// failure.
type reverseItem struct {
	expiry time.Time
	host   string
}

// LookupHost resolves host to its first usable address through the cache.
func (c *Cache) LookupHost(ctx context.Context, host string) (addr netip.Addr, err error) {
	host = strings.ToLower(host)

	if item, ok := c.findForward(ctx, host); ok {
		if !item.addr.IsValid() {
			return netip.Addr{}, ErrNotResolved
		}

		return item.addr, nil
	}

	addr, err = c.exchanger.LookupHost(ctx, host)
	if err != nil {
		c.put(ctx, c.forward, host, &forwardItem{expiry: time.Now().Add(c.negTTL)})

		return netip.Addr{}, err
	}

	c.put(ctx, c.forward, host, &forwardItem{
		expiry: time.Now().Add(c.ttl),
		addr:   addr,
	})

	return addr, nil
}

// LookupPTR resolves the reverse record of ip through the cache.
func (c *Cache) LookupPTR(ctx context.Context, ip netip.Addr) (host string, err error) {
	ip = ip.Unmap()

	if item, ok := c.findReverse(ctx, ip); ok {
		if item.host == "" {
			return "", ErrNotResolved
		}

		return item.host, nil
	}

	host, err = c.exchanger.LookupPTR(ctx, ip)
	if err != nil {
		c.put(ctx, c.reverse, ip, &reverseItem{expiry: time.Now().Add(c.negTTL)})

		return "", err
	}

	c.put(ctx, c.reverse, ip, &reverseItem{
		expiry: time.Now().Add(c.ttl),
		host:   host,
	})

	return host, nil
}

// findForward retrieves the unexpired forward entry for host.
func (c *Cache) findForward(ctx context.Context, host string) (item *forwardItem, ok bool) {
	val, err := c.forward.Get(host)
	if err != nil {
		if !errors.Is(err, gcache.KeyNotFoundError) {
			c.logger.DebugContext(
				ctx,
				"retrieving item from cache",
				"key", host,
				slogutil.KeyError, err,
			)
		}

		return nil, false
	}

	item = val.(*forwardItem)
	if time.Now().After(item.expiry) {
		return nil, false
	}

	return item, true
}

// findReverse retrieves the unexpired reverse entry for ip.
func (c *Cache) findReverse(ctx context.Context, ip netip.Addr) (item *reverseItem, ok bool) {
	val, err := c.reverse.Get(ip)
	if err != nil {
		if !errors.Is(err, gcache.KeyNotFoundError) {
			c.logger.DebugContext(
				ctx,
				"retrieving item from cache",
				"key", ip,
				slogutil.KeyError, err,
			)
		}

		return nil, false
	}

	item = val.(*reverseItem)
	if time.Now().After(item.expiry) {
		return nil, false
	}

	return item, true
}

// put stores val, logging a storage failure instead of returning it: a
// lookup that could not be cached is still a served lookup.
func (c *Cache) put(ctx context.Context, cache gcache.Cache, key, val any) {
	err := cache.Set(key, val)
	if err != nil {
		c.logger.DebugContext(ctx, "adding item to cache", "key", key, slogutil.KeyError, err)
	}
}

// Entry is one cached lookup of the cache contents report.  Remembered
// failures have an empty value.
type Entry struct {
	Expires time.Time `json:"expires"`
	Key     string    `json:"key"`
	Value   string    `json:"value,omitempty"`
}

// Contents is the current state of both lookup directions.
type Contents struct {
	Forward []*Entry `json:"forward"`
	Reverse []*Entry `json:"reverse"`
}

// Contents returns a snapshot of the unexpired entries, sorted by key.
func (c *Cache) Contents() (cont *Contents) {
	now := time.Now()
	cont = &Contents{
		Forward: []*Entry{},
		Reverse: []*Entry{},
	}

	for key, val := range c.forward.GetALL(false) {
		host, _ := key.(string)
		item, _ := val.(*forwardItem)
		if item == nil || now.After(item.expiry) {
			continue
		}

		e := &Entry{
			Expires: item.expiry,
			Key:     host,
		}
		if item.addr.IsValid() {
			e.Value = item.addr.String()
		}

		cont.Forward = append(cont.Forward, e)
	}

	for key, val := range c.reverse.GetALL(false) {
		ip, _ := key.(netip.Addr)
		item, _ := val.(*reverseItem)
		if item == nil || now.After(item.expiry) {
			continue
		}

		cont.Reverse = append(cont.Reverse, &Entry{
			Expires: item.expiry,
			Key:     ip.String(),
			Value:   item.host,
		})
	}

	slices.SortFunc(cont.Forward, func(a, b *Entry) (res int) {
		return strings.Compare(a.Key, b.Key)
	})
	slices.SortFunc(cont.Reverse, func(a, b *Entry) (res int) {
		return strings.Compare(a.Key, b.Key)
	})

	return cont
}
