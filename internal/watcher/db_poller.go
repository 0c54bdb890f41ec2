package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/throttlekit/throttled/internal/policystore"
	"github.com/throttlekit/throttled/internal/settings"
)

// defaultQueryTimeout bounds DB query duration.
const defaultQueryTimeout = 10 * time.Second

// DBPoller reloads enabled database policies into a PolicySet when the table changes.
type DBPoller struct {
	store    *policystore.Store
	set      *PolicySet
	interval time.Duration

	mu      sync.Mutex
	last    policystore.Fingerprint
	hasLast bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDBPoller constructs a DBPoller.
func NewDBPoller(store *policystore.Store, set *PolicySet, interval time.Duration) *DBPoller {
	if interval <= 0 {
		interval = settings.DefaultPolicyPollInterval
	}
	return &DBPoller{store: store, set: set, interval: interval}
}

// Start loads the policies once and then polls until Stop or ctx is done.
func (p *DBPoller) Start(ctx context.Context) error {
	if p == nil || p.store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, errRefresh := p.Refresh(ctx, true); errRefresh != nil {
		return errRefresh
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(runCtx)
	}()

	log.Infof("db policy poller started (poll_interval=%s)", p.interval)
	return nil
}

// Stop ends the poll loop and waits for it to exit.
func (p *DBPoller) Stop() {
	if p == nil || p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.cancel = nil
}

func (p *DBPoller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, errRefresh := p.Refresh(ctx, false); errRefresh != nil && !errors.Is(errRefresh, context.Canceled) {
				log.WithError(errRefresh).Warn("db policy poller: refresh failed")
			}
		}
	}
}

// Refresh republishes the enabled policies when the table changed since the last
// refresh, or unconditionally when force is set. It reports whether it republished.
func (p *DBPoller) Refresh(ctx context.Context, force bool) (bool, error) {
	qctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	fp, errFP := p.store.Fingerprint(qctx)
	if errFP != nil {
		return false, errFP
	}
	if !force && p.hasLast && fp.Equal(p.last) {
		return false, nil
	}

	policies, errLoad := p.store.LoadEnabled(qctx)
	if errLoad != nil {
		return false, errLoad
	}
	if errSet := p.set.Set(SourceDatabase, policies); errSet != nil {
		return false, errSet
	}
	p.last = fp
	p.hasLast = true
	log.Infof("db policy poller: policies changed, reloaded %d (max_updated_at=%s max_id=%d)", len(policies), fp.LatestAt.Format(time.RFC3339Nano), fp.LatestID)
	return true, nil
}
