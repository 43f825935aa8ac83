// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

// Package scheduler runs the periodic eviction pass: suspend desktops whose
// sessions idled out or hit their duration cap, and reconcile desktops left
// running without a session.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/toeirei/vdimaster/internal/db"
	"github.com/toeirei/vdimaster/internal/i18n"
	"github.com/toeirei/vdimaster/internal/logging"
	"github.com/toeirei/vdimaster/internal/model"
	"github.com/toeirei/vdimaster/internal/power"
	"github.com/toeirei/vdimaster/internal/provider"
	"github.com/toeirei/vdimaster/internal/relay"
)

// DefaultInterval is the wall-clock spacing between passes.
const DefaultInterval = 5 * time.Minute

// ProviderFactory builds a provider API for one tenant's endpoint and
// credentials.
type ProviderFactory func(tenant model.Tenant) (power.API, error)

// RelayCloser tears down a native session's relay. *relay.Manager satisfies
// it.
type RelayCloser interface {
	Close(r relay.Relay) error
}

// Scheduler owns the eviction loop. One pass runs at a time; a pass still
// in flight when the next tick fires makes that tick a no-op.
type Scheduler struct {
	store    db.Store
	relays   RelayCloser
	factory  ProviderFactory
	interval time.Duration

	inFlight atomic.Bool
	now      func() time.Time
}

// New builds a Scheduler. An interval of 0 selects DefaultInterval.
func New(store db.Store, relays RelayCloser, factory ProviderFactory, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    store,
		relays:   relays,
		factory:  factory,
		interval: interval,
		now:      time.Now,
	}
}

// Run executes passes until the context is cancelled. The first pass runs
// immediately.
func (s *Scheduler) Run(ctx context.Context) {
	logging.Infof(i18n.T("scheduler.starting"), s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			logging.Infof("%s", i18n.T("scheduler.stopped"))
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		logging.Warnf("scheduler: previous pass still running, skipping tick")
		return
	}
	defer s.inFlight.Store(false)
	if err := s.RunPass(ctx); err != nil {
		logging.Errorf(i18n.T("scheduler.pass_error"), err)
	}
}

// RunPass performs one full eviction pass. Work within the pass is strictly
// sequential; the provider is rate limited and a reconciliation job gains
// nothing from bursts.
func (s *Scheduler) RunPass(ctx context.Context) error {
	tenants, err := s.store.GetActiveTenants()
	if err != nil {
		return err
	}
	tenantsByID := make(map[string]model.Tenant, len(tenants))
	apis := make(map[string]power.API, len(tenants))
	for _, t := range tenants {
		tenantsByID[t.ID] = t
		api, err := s.factory(t)
		if err != nil {
			logging.Errorf("scheduler: provider client for tenant %s: %v", t.Slug, err)
			continue
		}
		apis[t.ID] = api

		if err := power.ReconcileTenant(ctx, s.store, api, t); err != nil {
			logging.Errorf("scheduler: reconcile tenant %s: %v", t.Slug, err)
		}
	}

	s.evictActiveSessions(ctx, tenantsByID, apis)
	s.evictAbandonedDesktops(ctx, tenantsByID, apis)
	return nil
}

// evictActiveSessions applies the duration cap and idle threshold to every
// active session. The duration cap dominates: it fires regardless of
// heartbeats.
func (s *Scheduler) evictActiveSessions(ctx context.Context, tenants map[string]model.Tenant, apis map[string]power.API) {
	sessions, err := s.store.GetActiveSessions()
	if err != nil {
		logging.Errorf("scheduler: load active sessions: %v", err)
		return
	}
	now := s.now()

	for _, sess := range sessions {
		desktop, err := s.store.GetDesktop(sess.DesktopID)
		if err != nil || desktop == nil {
			logging.Warnf("scheduler: session %s references missing desktop %s", sess.ID, sess.DesktopID)
			continue
		}
		tenant, ok := tenants[desktop.TenantID]
		if !ok {
			continue
		}
		api, ok := apis[desktop.TenantID]
		if !ok {
			continue
		}

		var reason model.EndReason
		switch {
		case now.Sub(sess.StartedAt) > tenant.MaxSessionDuration():
			reason = model.EndMaxDuration
		case now.Sub(sess.IdleSince()) > tenant.SuspendThreshold():
			reason = model.EndIdleTimeout
		default:
			continue
		}
		s.evict(ctx, api, *desktop, &sess, reason)
	}
}

// evictAbandonedDesktops is the defensive branch: desktops running with no
// active session, covering clients that crashed without a disconnect.
// Occupancy is not hard-enforced by the data layer, so this must reconcile
// what the session branch misses.
func (s *Scheduler) evictAbandonedDesktops(ctx context.Context, tenants map[string]model.Tenant, apis map[string]power.API) {
	desktops, err := s.store.GetDesktopsByState(model.StateOn, model.StateStarting)
	if err != nil {
		logging.Errorf("scheduler: load running desktops: %v", err)
		return
	}
	now := s.now()

	for _, desktop := range desktops {
		tenant, ok := tenants[desktop.TenantID]
		if !ok {
			continue
		}
		api, ok := apis[desktop.TenantID]
		if !ok {
			continue
		}

		active, err := s.store.GetActiveSessionForDesktop(desktop.ID)
		if err != nil {
			logging.Errorf("scheduler: session lookup for desktop %s: %v", desktop.ID, err)
			continue
		}
		if active != nil {
			continue
		}

		idleSince := desktop.CreatedAt
		if last, err := s.store.GetLastEndedSession(desktop.ID); err == nil && last != nil && last.EndedAt != nil {
			idleSince = *last.EndedAt
		}
		if now.Sub(idleSince) > tenant.SuspendThreshold() {
			s.evict(ctx, api, desktop, nil, model.EndIdleTimeout)
		}
	}
}

// evict suspends a desktop and, when a session drove the eviction, ends it
// and tears down its relay. A failed suspend is re-checked against observed
// provider state: a VM already suspended or off is a success. Anything else
// stays untouched and retries next pass; a billed-and-running VM must never
// be dropped because one call errored.
func (s *Scheduler) evict(ctx context.Context, api power.API, desktop model.Desktop, sess *model.Session, reason model.EndReason) {
	if err := api.Suspend(ctx, desktop.ServerID); err != nil {
		state, stateErr := api.GetServerState(ctx, desktop.ServerID)
		if stateErr != nil || (state != provider.PowerSuspended && state != provider.PowerOff) {
			logging.Errorf("scheduler: suspend %s failed, retrying next pass: %v", desktop.ServerID, err)
			return
		}
		logging.Debugf("scheduler: suspend %s failed but VM is %s, treating as done", desktop.ServerID, state)
	}

	now := s.now()
	if err := s.store.UpdateDesktopState(desktop.ID, model.StateSuspended, now); err != nil {
		logging.Errorf("scheduler: record suspended state for %s: %v", desktop.ID, err)
	}

	if sess == nil {
		logging.Infof("scheduler: suspended abandoned desktop %s", desktop.ID)
		return
	}

	ended, err := s.store.EndSession(sess.ID, reason, now)
	if err != nil {
		logging.Errorf("scheduler: end session %s: %v", sess.ID, err)
		return
	}
	if ended {
		logging.Infof(i18n.T("session.ended"), sess.ID, reason)
	}
	if sess.Native() && sess.RelayPort > 0 {
		if err := s.relays.Close(relay.Relay{Port: sess.RelayPort, PID: sess.RelayPID, ClientIP: sess.ClientIP}); err != nil {
			logging.Warnf("scheduler: relay teardown for session %s: %v", sess.ID, err)
		}
	}
}
