package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/ioutil"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/c2h5oh/datasize"
	"github.com/proxymon/proxymon/internal/rules"
	"github.com/proxymon/proxymon/internal/storage"
	"github.com/proxymon/proxymon/internal/websvc"
)

// maxBlocklistSize bounds a supplemental blocklist file read.
const maxBlocklistSize = 4 * datasize.MB

// policyReloader rebuilds the policy snapshot from the store and the
// optional blocklist file and swaps it into the engine.
type policyReloader struct {
	logger  *slog.Logger
	store   *storage.Store
	engine  *rules.Engine
	metrics rules.Metrics

	// filePath is the path to the supplemental blocklist file.  Empty means
	// no file is loaded.
	filePath string
}

// type checks
var (
	_ websvc.Reloader   = (*policyReloader)(nil)
	_ service.Refresher = (*policyReloader)(nil)
)

// Reload implements the [websvc.Reloader] interface for *policyReloader.  It
// reads the active entities, compiles them, and replaces the engine snapshot.
func (r *policyReloader) Reload(ctx context.Context) (err error) {
	domains, err := r.store.ActiveDomains(ctx)
	if err != nil {
		return fmt.Errorf("loading domains: %w", err)
	}

	ips, err := r.store.ActiveIPs(ctx)
	if err != nil {
		return fmt.Errorf("loading ips: %w", err)
	}

	ports, err := r.store.ActivePorts(ctx)
	if err != nil {
		return fmt.Errorf("loading ports: %w", err)
	}

	blockRules, err := r.store.ActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}

	if r.filePath != "" {
		fileDomains, ferr := loadBlocklistFile(r.filePath)
		if ferr != nil {
			// A broken or missing file must not lose the stored policy, so
			// reload with what the store has.
			r.logger.WarnContext(
				ctx,
				"loading blocklist file",
				"path", r.filePath,
				slogutil.KeyError, ferr,
			)
		} else {
			// Stored entries go last so that they win pattern collisions and
			// keep their hit accounting.
			domains = append(fileDomains, domains...)
		}
	}

	snap := rules.NewSnapshot(ctx, &rules.SnapshotConfig{
		Logger:  r.logger,
		Metrics: r.metrics,
		Domains: domains,
		IPs:     ips,
		Ports:   ports,
		Rules:   blockRules,
	})

	r.engine.SetSnapshot(snap)

	c := snap.Counts()
	r.logger.InfoContext(
		ctx,
		"policy reloaded",
		"domains", c.Domains,
		"ips", c.IPs,
		"ports", c.Ports,
		"rules", c.Rules,
	)

	return nil
}

// Refresh implements the [service.Refresher] interface for *policyReloader.
func (r *policyReloader) Refresh(ctx context.Context) (err error) {
	return r.Reload(ctx)
}

// loadBlocklistFile reads a plain-text blocklist: one domain pattern per
// line, with empty lines and "#" comments skipped.  The entries carry no
// store IDs, so they take no part in hit accounting.
func loadBlocklistFile(path string) (domains []*rules.BlockedDomain, err error) {
	// #nosec G304 -- Trust the file path that is given in the configuration.
	f, err := os.Open(path)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}
	defer func() { err = errors.WithDeferred(err, f.Close()) }()

	s := bufio.NewScanner(ioutil.LimitReader(f, maxBlocklistSize.Bytes()))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		domains = append(domains, &rules.BlockedDomain{
			Pattern:  strings.ToLower(line),
			Category: rules.CategoryFile,
			IsActive: true,
		})
	}

	err = s.Err()
	if err != nil {
		return nil, fmt.Errorf("reading blocklist: %w", err)
	}

	return domains, nil
}
