// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toeirei/vdimaster/internal/db"
	"github.com/toeirei/vdimaster/internal/model"
	"github.com/toeirei/vdimaster/internal/power"
	"github.com/toeirei/vdimaster/internal/provider"
	"github.com/toeirei/vdimaster/internal/relay"
)

// fakeAPI implements power.API with scripted suspend behavior.
type fakeAPI struct {
	suspends   []string
	suspendErr error
	state      provider.PowerState
	servers    []provider.ServerInfo
}

func (f *fakeAPI) GetServer(_ context.Context, id string) (provider.ServerInfo, error) {
	return provider.ServerInfo{ID: id, Power: string(f.state)}, nil
}

func (f *fakeAPI) GetServerState(_ context.Context, _ string) (provider.PowerState, error) {
	return f.state, nil
}

func (f *fakeAPI) PowerOn(_ context.Context, _ string) error  { return nil }
func (f *fakeAPI) PowerOff(_ context.Context, _ string) error { return nil }
func (f *fakeAPI) Restart(_ context.Context, _ string) error  { return nil }
func (f *fakeAPI) Resume(_ context.Context, _ string) error   { return nil }

func (f *fakeAPI) Suspend(_ context.Context, id string) error {
	f.suspends = append(f.suspends, id)
	return f.suspendErr
}

func (f *fakeAPI) WaitUntilReady(_ context.Context, _ string, _ time.Duration) error { return nil }

func (f *fakeAPI) ListServers(_ context.Context) ([]provider.ServerInfo, error) {
	return f.servers, nil
}

type fakeRelays struct {
	closed []relay.Relay
}

func (f *fakeRelays) Close(r relay.Relay) error {
	f.closed = append(f.closed, r)
	return nil
}

type fixture struct {
	store  db.Store
	api    *fakeAPI
	relays *fakeRelays
	sched  *Scheduler
	tenant model.Tenant
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := "file:test_sched_" + t.Name() + "?mode=memory&cache=shared"
	store, err := db.NewStoreFromDSN("sqlite", dsn)
	if err != nil {
		t.Fatalf("NewStoreFromDSN: %v", err)
	}
	tenant, err := store.AddTenant(model.Tenant{
		Name: "T", Slug: "t",
		SuspendThresholdMinutes: 30,
		MaxSessionHours:         10,
		IsActive:                true,
	})
	if err != nil {
		t.Fatal(err)
	}

	api := &fakeAPI{state: provider.PowerOn}
	relays := &fakeRelays{}
	factory := func(model.Tenant) (power.API, error) { return api, nil }
	sched := New(store, relays, factory, time.Minute)

	f := &fixture{store: store, api: api, relays: relays, sched: sched, tenant: tenant}
	f.now = time.Now().UTC().Truncate(time.Second)
	sched.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addDesktop(t *testing.T, state model.DesktopState) model.Desktop {
	t.Helper()
	d, err := f.store.AddDesktop(model.Desktop{
		TenantID: f.tenant.ID, UserID: "alice", ServerID: "srv-1",
		DisplayName: "Alice Desk", CurrentState: state, IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Reconciliation will not find srv-1 in the fake's empty server list;
	// report it, so state refresh keeps the VM visible.
	f.api.servers = []provider.ServerInfo{{ID: "srv-1", Name: "vdim-42-alice-desk", Power: string(f.api.state)}}
	return d
}

func (f *fixture) addSession(t *testing.T, desktopID string, started time.Time, heartbeat *time.Time, kind model.ConnectionKind, port, pid int) model.Session {
	t.Helper()
	sess, err := f.store.AddSession(model.Session{
		UserID: "alice", DesktopID: desktopID, Kind: kind,
		StartedAt: started, ClientIP: "198.51.100.7", RelayPort: port, RelayPID: pid,
	})
	if err != nil {
		t.Fatal(err)
	}
	if heartbeat != nil {
		if err := f.store.RecordHeartbeat(sess.ID, *heartbeat); err != nil {
			t.Fatal(err)
		}
		sess.LastHeartbeat = heartbeat
	}
	return sess
}

func TestIdleBoundaryNotEvicted(t *testing.T) {
	f := newFixture(t)
	d := f.addDesktop(t, model.StateOn)
	hb := f.now.Add(-30 * time.Minute) // exactly at the threshold
	f.addSession(t, d.ID, f.now.Add(-2*time.Hour), &hb, model.KindGateway, 0, 0)

	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(f.api.suspends) != 0 {
		t.Error("session at the exact threshold must not be evicted")
	}
}

func TestIdlePastBoundaryEvicted(t *testing.T) {
	f := newFixture(t)
	d := f.addDesktop(t, model.StateOn)
	hb := f.now.Add(-30*time.Minute - time.Second)
	sess := f.addSession(t, d.ID, f.now.Add(-2*time.Hour), &hb, model.KindGateway, 0, 0)

	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(f.api.suspends) != 1 {
		t.Fatalf("suspends = %v, want 1", f.api.suspends)
	}
	got, _ := f.store.GetSession(sess.ID)
	if got.EndReason != model.EndIdleTimeout {
		t.Errorf("end reason = %s, want idle_timeout", got.EndReason)
	}
	desk, _ := f.store.GetDesktop(d.ID)
	if desk.CurrentState != model.StateSuspended {
		t.Errorf("desktop state = %s, want suspended", desk.CurrentState)
	}
}

func TestMaxDurationDominatesFreshHeartbeat(t *testing.T) {
	f := newFixture(t)
	d := f.addDesktop(t, model.StateOn)
	hb := f.now.Add(-time.Minute) // heartbeat is current
	sess := f.addSession(t, d.ID, f.now.Add(-11*time.Hour), &hb, model.KindGateway, 0, 0)

	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	got, _ := f.store.GetSession(sess.ID)
	if got.EndReason != model.EndMaxDuration {
		t.Errorf("end reason = %s, want max_duration", got.EndReason)
	}
}

func TestNoHeartbeatFallsBackToStart(t *testing.T) {
	f := newFixture(t)
	d := f.addDesktop(t, model.StateOn)
	sess := f.addSession(t, d.ID, f.now.Add(-31*time.Minute), nil, model.KindGateway, 0, 0)

	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	got, _ := f.store.GetSession(sess.ID)
	if got.EndReason != model.EndIdleTimeout {
		t.Errorf("end reason = %s, want idle_timeout", got.EndReason)
	}
}

func TestSuspendFailureKeepsSessionForRetry(t *testing.T) {
	f := newFixture(t)
	f.api.suspendErr = errors.New("rate limited")
	f.api.state = provider.PowerOn
	d := f.addDesktop(t, model.StateOn)
	hb := f.now.Add(-time.Hour)
	sess := f.addSession(t, d.ID, f.now.Add(-2*time.Hour), &hb, model.KindGateway, 0, 0)

	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	got, _ := f.store.GetSession(sess.ID)
	if !got.Active() {
		t.Error("session must stay active when suspend fails on a running VM")
	}
}

func TestSuspendFailureReconciledAgainstObservedState(t *testing.T) {
	f := newFixture(t)
	f.api.suspendErr = errors.New("already transitioning")
	f.api.state = provider.PowerSuspended
	d := f.addDesktop(t, model.StateOn)
	hb := f.now.Add(-time.Hour)
	sess := f.addSession(t, d.ID, f.now.Add(-2*time.Hour), &hb, model.KindGateway, 0, 0)

	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	got, _ := f.store.GetSession(sess.ID)
	if got.Active() {
		t.Error("suspend failure on an already-suspended VM is a success")
	}
	if got.EndReason != model.EndIdleTimeout {
		t.Errorf("end reason = %s", got.EndReason)
	}
}

func TestNativeEvictionTearsDownRelay(t *testing.T) {
	f := newFixture(t)
	d := f.addDesktop(t, model.StateOn)
	hb := f.now.Add(-time.Hour)
	f.addSession(t, d.ID, f.now.Add(-2*time.Hour), &hb, model.KindNative, 33901, 4242)

	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(f.relays.closed) != 1 {
		t.Fatalf("relay closes = %v, want 1", f.relays.closed)
	}
	r := f.relays.closed[0]
	if r.Port != 33901 || r.PID != 4242 || r.ClientIP != "198.51.100.7" {
		t.Errorf("relay teardown wrong: %+v", r)
	}
}

func TestAbandonedDesktopSuspended(t *testing.T) {
	f := newFixture(t)
	// Desktop created well past the threshold, never had a session.
	d, err := f.store.AddDesktop(model.Desktop{
		TenantID: f.tenant.ID, ServerID: "srv-1", DisplayName: "Alice Desk",
		CurrentState: model.StateOn, CreatedAt: f.now.Add(-time.Hour), IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.api.servers = []provider.ServerInfo{{ID: "srv-1", Power: "on"}}

	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(f.api.suspends) != 1 {
		t.Fatalf("suspends = %v, want 1", f.api.suspends)
	}
	got, _ := f.store.GetDesktop(d.ID)
	if got.CurrentState != model.StateSuspended {
		t.Errorf("state = %s, want suspended", got.CurrentState)
	}
}

func TestAbandonedDesktopUsesLastEndedSession(t *testing.T) {
	f := newFixture(t)
	d := f.addDesktop(t, model.StateOn)
	// Session ended 5 minutes ago; well under the 30 minute threshold.
	sess := f.addSession(t, d.ID, f.now.Add(-2*time.Hour), nil, model.KindGateway, 0, 0)
	if _, err := f.store.EndSession(sess.ID, model.EndUserDisconnect, f.now.Add(-5*time.Minute)); err != nil {
		t.Fatal(err)
	}

	if err := f.sched.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(f.api.suspends) != 0 {
		t.Error("recently vacated desktop must not be suspended yet")
	}
}

func TestRunOnceSkipsWhenPassInFlight(t *testing.T) {
	f := newFixture(t)
	var calls int
	f.sched.factory = func(model.Tenant) (power.API, error) {
		calls++
		return f.api, nil
	}

	f.sched.inFlight.Store(true)
	f.sched.runOnce(context.Background())
	if calls != 0 {
		t.Error("tick must be skipped while a pass is in flight")
	}

	f.sched.inFlight.Store(false)
	f.sched.runOnce(context.Background())
	if calls != 1 {
		t.Errorf("factory calls = %d, want 1", calls)
	}
}
