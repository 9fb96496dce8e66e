// Package scheduler drives the periodic maintenance loop: refreshing the
// routing table, installing newly-configured hosts, and kicking off
// auto-renewal on a coarser sub-timer. It is grounded on
// caddytls/maintain.go's maintainAssets ticker-select loop, generalized
// to also own the host-config refresh that loop never had to do (Caddy
// reloads its whole config through a different path).
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mikesi/mproxy/internal/acmeclient"
	"github.com/mikesi/mproxy/internal/certstore"
	"github.com/mikesi/mproxy/internal/hostconfig"
	"github.com/mikesi/mproxy/internal/mlog"
)

// AutoRenewThresholdDays is how long before expiration a certificate is
// renewed, fixed per spec (the source left this unconfigured).
const AutoRenewThresholdDays = 30

// AutoRenewInterval is how often the coarser sub-timer inside the tick
// loop opportunistically invokes auto-renewal.
const AutoRenewInterval = time.Hour

// Scheduler is the single-threaded periodic driver for components A
// (host config refresh) and D (ACME auto-renewal). It serializes its own
// work: one tick always finishes before the next begins, so ACME
// operations for a given hostname never run concurrently with themselves
// from the scheduler's side (the acmeclient.Client's singleflight group
// gives the same guarantee against the CLI calling in at the same time).
type Scheduler struct {
	loader *hostconfig.Loader
	store  *certstore.Store
	acme   *acmeclient.Client

	tickInterval time.Duration
	lastRenewal  time.Time
}

// New builds a Scheduler that ticks every tickInterval.
func New(loader *hostconfig.Loader, store *certstore.Store, acme *acmeclient.Client, tickInterval time.Duration) *Scheduler {
	return &Scheduler{
		loader:       loader,
		store:        store,
		acme:         acme,
		tickInterval: tickInterval,
	}
}

// Run blocks, ticking every s.tickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs one maintenance pass: refresh the host list, install any
// newly-configured hosts, and opportunistically auto-renew once per hour.
func (s *Scheduler) tick(ctx context.Context) {
	s.loader.Refresh()
	list := s.loader.Load()
	s.store.LoadFromHostConfigs(list)

	if time.Since(s.lastRenewal) < AutoRenewInterval {
		return
	}
	s.lastRenewal = time.Now()

	mlog.Log().Info("scanning for expiring certificates")
	report := s.acme.AutoRenew(ctx, time.Now(), AutoRenewThresholdDays)
	for _, host := range report.Renewed {
		mlog.Log().Info("renewed certificate", zap.String("host", host))
	}
	for _, failure := range report.Failed {
		mlog.Log().Error("renewing certificate",
			zap.String("host", failure.HostName), zap.Error(failure.Err))
	}
}
