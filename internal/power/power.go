// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

// Package power turns desired desktop states into provider power calls and
// keeps stored states in line with what the provider actually reports.
package power

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/toeirei/vdimaster/internal/db"
	"github.com/toeirei/vdimaster/internal/logging"
	"github.com/toeirei/vdimaster/internal/model"
	"github.com/toeirei/vdimaster/internal/provider"
)

const (
	// resumeReadyBudget bounds the wait after a resume; waking from suspend
	// is fast, so a stall here means the resume did not take.
	resumeReadyBudget = 60 * time.Second
	// bootReadyBudget bounds a cold boot including Windows startup.
	bootReadyBudget = 180 * time.Second
)

// API is the slice of the provider client the power layer needs.
type API interface {
	GetServer(ctx context.Context, serverID string) (provider.ServerInfo, error)
	GetServerState(ctx context.Context, serverID string) (provider.PowerState, error)
	PowerOn(ctx context.Context, serverID string) error
	PowerOff(ctx context.Context, serverID string) error
	Restart(ctx context.Context, serverID string) error
	Suspend(ctx context.Context, serverID string) error
	Resume(ctx context.Context, serverID string) error
	WaitUntilReady(ctx context.Context, serverID string, budget time.Duration) error
	ListServers(ctx context.Context) ([]provider.ServerInfo, error)
}

// StateFromPower maps an observed provider power state onto the desktop
// state machine.
func StateFromPower(p provider.PowerState) model.DesktopState {
	switch p {
	case provider.PowerOn:
		return model.StateOn
	case provider.PowerOff:
		return model.StateOff
	case provider.PowerSuspended:
		return model.StateSuspended
	default:
		return model.StateUnknown
	}
}

// EnsureRunning brings a VM to the running state. Returns true once the VM
// reports on. A VM already on is left untouched. Suspended VMs get a resume
// with a short readiness wait; if that stalls the VM is cold-booted instead.
// State read errors are treated as unknown and handled like a powered-off VM.
func EnsureRunning(ctx context.Context, api API, serverID string) (bool, error) {
	state, err := api.GetServerState(ctx, serverID)
	if err != nil {
		logging.Debugf("power: state read for %s failed, assuming unknown: %v", serverID, err)
		state = provider.PowerUnknown
	}

	switch state {
	case provider.PowerOn:
		return true, nil
	case provider.PowerSuspended:
		if err := api.Resume(ctx, serverID); err != nil {
			return false, fmt.Errorf("resume %s: %w", serverID, err)
		}
		if err := api.WaitUntilReady(ctx, serverID, resumeReadyBudget); err == nil {
			return true, nil
		}
		logging.Warnf("power: resume of %s stalled, falling back to cold boot", serverID)
	}

	if err := api.PowerOn(ctx, serverID); err != nil {
		return false, fmt.Errorf("power on %s: %w", serverID, err)
	}
	if err := api.WaitUntilReady(ctx, serverID, bootReadyBudget); err != nil {
		return false, fmt.Errorf("boot %s: %w", serverID, err)
	}
	return true, nil
}

// Apply executes a manual power action and returns the desktop state to
// record. When the VM already sits in the action's target state the provider
// call is skipped. On failure the returned state is re-read from the
// provider so the stored state reflects reality, not the failed intent.
func Apply(ctx context.Context, api API, serverID string, action model.PowerAction) (model.DesktopState, error) {
	observed, err := api.GetServerState(ctx, serverID)
	if err != nil {
		observed = provider.PowerUnknown
	}
	if target, ok := action.Target(); ok && StateFromPower(observed) == target {
		logging.Debugf("power: %s already %s, skipping %s", serverID, target, action)
		return target, nil
	}

	switch action {
	case model.ActionSuspend:
		err = api.Suspend(ctx, serverID)
	case model.ActionResume:
		err = api.Resume(ctx, serverID)
	case model.ActionPowerOn:
		err = api.PowerOn(ctx, serverID)
	case model.ActionPowerOff:
		err = api.PowerOff(ctx, serverID)
	case model.ActionRestart:
		err = api.Restart(ctx, serverID)
	default:
		return StateFromPower(observed), fmt.Errorf("power: unknown action %q", action)
	}

	if err != nil {
		resynced, stateErr := api.GetServerState(ctx, serverID)
		if stateErr != nil {
			resynced = provider.PowerUnknown
		}
		return StateFromPower(resynced), fmt.Errorf("power: %s on %s: %w", action, serverID, err)
	}

	if target, ok := action.Target(); ok {
		return target, nil
	}
	// Restart has no settled target; report on, the reconciler corrects it.
	return model.StateOn, nil
}

// ReconcileTenant refreshes stored desktop states from one list-servers
// call. Desktops still carrying a pending numeric operation ID are matched
// against server names and adopt the real server identity when found.
func ReconcileTenant(ctx context.Context, store db.Store, api API, tenant model.Tenant) error {
	desktops, err := store.GetDesktopsForTenant(tenant.ID)
	if err != nil {
		return err
	}
	if len(desktops) == 0 {
		return nil
	}

	servers, err := api.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers for tenant %s: %w", tenant.Slug, err)
	}
	byID := make(map[string]provider.ServerInfo, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}

	now := time.Now().UTC()
	for _, d := range desktops {
		if !d.IsActive {
			continue
		}
		srv, found := byID[d.ServerID]

		if !found && d.PendingServerID() {
			if adopted, ok := recoverPendingDesktop(ctx, store, api, d, servers); ok {
				srv, found = adopted, true
			}
		}
		if !found {
			// Never downgrade a desktop that is still being provisioned; its
			// VM may simply not exist yet.
			if d.CurrentState == model.StateProvisioning {
				continue
			}
			if err := store.UpdateDesktopState(d.ID, model.StateUnknown, now); err != nil {
				logging.Errorf("power: update state for %s: %v", d.ID, err)
			}
			continue
		}

		state := StateFromPower(srv.State())
		if err := store.UpdateDesktopState(d.ID, state, now); err != nil {
			logging.Errorf("power: update state for %s: %v", d.ID, err)
			continue
		}

		if d.CPU == "" && srv.CPU != "" {
			if err := store.UpdateDesktopSpecs(d.ID, srv.CPU, srv.RAMMB, srv.DiskGB); err != nil {
				logging.Debugf("power: spec backfill for %s: %v", d.ID, err)
			}
		}
	}
	return nil
}

// recoverPendingDesktop resolves a desktop whose ServerID is still the
// numeric creation command ID by matching its display-name slug against
// server names.
func recoverPendingDesktop(ctx context.Context, store db.Store, api API, d model.Desktop, servers []provider.ServerInfo) (provider.ServerInfo, bool) {
	slug := d.NameSlug()
	if slug == "" {
		return provider.ServerInfo{}, false
	}
	for _, s := range servers {
		if !strings.Contains(strings.ToLower(s.Name), slug) {
			continue
		}
		// A freshly created VM boots powered on; a matching name on a
		// stopped server is a stale leftover, not our machine.
		if s.State() != provider.PowerOn {
			continue
		}
		ip := s.FirstIP()
		if ip == "" {
			// The list payload may omit NICs; fetch the full record.
			if full, err := api.GetServer(ctx, s.ID); err == nil {
				ip = full.FirstIP()
			}
		}
		if err := store.AdoptServerIdentity(d.ID, s.ID, ip); err != nil {
			logging.Errorf("power: adopt server %s for desktop %s: %v", s.ID, d.ID, err)
			return provider.ServerInfo{}, false
		}
		logging.Infof("power: desktop %s adopted server %s", d.ID, s.ID)
		return s, true
	}
	return provider.ServerInfo{}, false
}
