// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package broker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/toeirei/vdimaster/internal/db"
	"github.com/toeirei/vdimaster/internal/model"
	"github.com/toeirei/vdimaster/internal/power"
	"github.com/toeirei/vdimaster/internal/provider"
	"github.com/toeirei/vdimaster/internal/relay"
)

type fakeAPI struct {
	state      provider.PowerState
	stateCalls int
	powerOns   int
	resumes    int
	suspends   int
}

func (f *fakeAPI) GetServer(_ context.Context, id string) (provider.ServerInfo, error) {
	return provider.ServerInfo{ID: id, Power: string(f.state)}, nil
}

func (f *fakeAPI) GetServerState(context.Context, string) (provider.PowerState, error) {
	f.stateCalls++
	return f.state, nil
}

func (f *fakeAPI) PowerOn(context.Context, string) error {
	f.powerOns++
	f.state = provider.PowerOn
	return nil
}

func (f *fakeAPI) PowerOff(context.Context, string) error { return nil }
func (f *fakeAPI) Restart(context.Context, string) error  { return nil }

func (f *fakeAPI) Suspend(context.Context, string) error {
	f.suspends++
	f.state = provider.PowerSuspended
	return nil
}

func (f *fakeAPI) Resume(context.Context, string) error {
	f.resumes++
	f.state = provider.PowerOn
	return nil
}

func (f *fakeAPI) WaitUntilReady(context.Context, string, time.Duration) error { return nil }

func (f *fakeAPI) ListServers(context.Context) ([]provider.ServerInfo, error) { return nil, nil }

type fakeRelays struct {
	opened  []string
	closed  []relay.Relay
	openErr error
	nextPID int
}

func (f *fakeRelays) Open(vmIP, clientIP string) (relay.Relay, error) {
	if f.openErr != nil {
		return relay.Relay{}, f.openErr
	}
	f.opened = append(f.opened, vmIP+"<-"+clientIP)
	f.nextPID++
	return relay.Relay{Port: 33900 + f.nextPID, PID: 5000 + f.nextPID, ClientIP: clientIP}, nil
}

func (f *fakeRelays) Close(r relay.Relay) error {
	f.closed = append(f.closed, r)
	return nil
}

type fixture struct {
	store  db.Store
	api    *fakeAPI
	relays *fakeRelays
	broker *Broker
	desk   model.Desktop
}

func newFixture(t *testing.T, state provider.PowerState) *fixture {
	t.Helper()
	dsn := "file:test_broker_" + t.Name() + "?mode=memory&cache=shared"
	store, err := db.NewStoreFromDSN("sqlite", dsn)
	if err != nil {
		t.Fatalf("NewStoreFromDSN: %v", err)
	}
	tenant, err := store.AddTenant(model.Tenant{
		Name: "T", Slug: "t", SuspendThresholdMinutes: 30, MaxSessionHours: 10, IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	desk, err := store.AddDesktop(model.Desktop{
		TenantID: tenant.ID, UserID: "alice", ServerID: "srv-1",
		DisplayName: "Alice Desk", PrivateIP: "10.0.0.9", RDPUsername: "Administrator",
		CurrentState: model.StateOff, IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	api := &fakeAPI{state: state}
	relays := &fakeRelays{}
	factory := func(model.Tenant) (power.API, error) { return api, nil }
	b := New(store, relays, factory, "vdi.example.com")
	return &fixture{store: store, api: api, relays: relays, broker: b, desk: desk}
}

func TestEnsureRunningPowersOnOffDesktop(t *testing.T) {
	f := newFixture(t, provider.PowerOff)
	ready, err := f.broker.EnsureRunning(context.Background(), f.desk.ID)
	if err != nil || !ready {
		t.Fatalf("EnsureRunning: %v %v", ready, err)
	}
	if f.api.powerOns != 1 {
		t.Errorf("powerOns = %d, want 1", f.api.powerOns)
	}
	got, _ := f.store.GetDesktop(f.desk.ID)
	if got.CurrentState != model.StateOn {
		t.Errorf("state = %s, want on", got.CurrentState)
	}
}

func TestEnsureRunningTrustsFreshState(t *testing.T) {
	f := newFixture(t, provider.PowerOn)
	if err := f.store.UpdateDesktopState(f.desk.ID, model.StateOn, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	ready, err := f.broker.EnsureRunning(context.Background(), f.desk.ID)
	if err != nil || !ready {
		t.Fatalf("EnsureRunning: %v %v", ready, err)
	}
	if f.api.stateCalls != 0 {
		t.Errorf("fresh state should skip the provider, got %d calls", f.api.stateCalls)
	}
}

func TestEnsureRunningStaleStateReverifies(t *testing.T) {
	f := newFixture(t, provider.PowerOn)
	stale := time.Now().UTC().Add(-time.Minute)
	if err := f.store.UpdateDesktopState(f.desk.ID, model.StateOn, stale); err != nil {
		t.Fatal(err)
	}

	ready, err := f.broker.EnsureRunning(context.Background(), f.desk.ID)
	if err != nil || !ready {
		t.Fatalf("EnsureRunning: %v %v", ready, err)
	}
	if f.api.stateCalls == 0 {
		t.Error("stale state must be re-verified against the provider")
	}
}

func TestConnectNativeOpensScopedRelay(t *testing.T) {
	f := newFixture(t, provider.PowerOn)
	sess, err := f.broker.Connect(context.Background(), f.desk.ID, "alice", model.KindNative, "198.51.100.7")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess.RelayPort == 0 || sess.RelayPID == 0 {
		t.Errorf("relay not recorded on session: %+v", sess)
	}
	if len(f.relays.opened) != 1 || f.relays.opened[0] != "10.0.0.9<-198.51.100.7" {
		t.Errorf("relay opened wrong: %v", f.relays.opened)
	}
}

func TestConnectGatewaySkipsRelay(t *testing.T) {
	f := newFixture(t, provider.PowerOn)
	sess, err := f.broker.Connect(context.Background(), f.desk.ID, "alice", model.KindGateway, "198.51.100.7")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess.RelayPort != 0 || len(f.relays.opened) != 0 {
		t.Error("gateway connection must not open a relay")
	}
}

func TestConnectReusesActiveSession(t *testing.T) {
	f := newFixture(t, provider.PowerOn)
	ctx := context.Background()
	first, err := f.broker.Connect(ctx, f.desk.ID, "alice", model.KindGateway, "198.51.100.7")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.broker.Connect(ctx, f.desk.ID, "alice", model.KindGateway, "198.51.100.7")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("reconnect created duplicate session %s != %s", second.ID, first.ID)
	}
	got, _ := f.store.GetSession(first.ID)
	if got.LastHeartbeat == nil {
		t.Error("reconnect should refresh the heartbeat")
	}
}

func TestConnectRelayFailureDoesNotRecordSession(t *testing.T) {
	f := newFixture(t, provider.PowerOn)
	f.relays.openErr = relay.ErrPortRangeExhausted

	_, err := f.broker.Connect(context.Background(), f.desk.ID, "alice", model.KindNative, "198.51.100.7")
	if !errors.Is(err, relay.ErrPortRangeExhausted) {
		t.Fatalf("err = %v, want ErrPortRangeExhausted", err)
	}
	if sess, _ := f.store.GetActiveSessionForDesktop(f.desk.ID); sess != nil {
		t.Error("failed connect must not leave a session behind")
	}
}

func TestOpenRelayRequiresPrivateIP(t *testing.T) {
	f := newFixture(t, provider.PowerOn)
	bare, err := f.store.AddDesktop(model.Desktop{
		TenantID: f.desk.TenantID, ServerID: "srv-2", DisplayName: "No IP", IsActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.broker.OpenRelay(context.Background(), bare.ID, "198.51.100.7"); !errors.Is(err, ErrNoPrivateIP) {
		t.Errorf("err = %v, want ErrNoPrivateIP", err)
	}
	if _, err := f.broker.Connect(context.Background(), bare.ID, "alice", model.KindNative, "198.51.100.7"); !errors.Is(err, ErrNoPrivateIP) {
		t.Errorf("Connect err = %v, want ErrNoPrivateIP", err)
	}
	if len(f.relays.opened) != 0 {
		t.Errorf("no relay should be opened without a private IP: %v", f.relays.opened)
	}
}

func TestDisconnectEndsSessionAndRelay(t *testing.T) {
	f := newFixture(t, provider.PowerOn)
	ctx := context.Background()
	sess, err := f.broker.Connect(ctx, f.desk.ID, "alice", model.KindNative, "198.51.100.7")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.broker.Disconnect(ctx, f.desk.ID, "alice"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	got, _ := f.store.GetSession(sess.ID)
	if got.Active() || got.EndReason != model.EndUserDisconnect {
		t.Errorf("session not ended cleanly: %+v", got)
	}
	if len(f.relays.closed) != 1 {
		t.Errorf("relay closes = %d, want 1", len(f.relays.closed))
	}
	if f.api.suspends != 0 {
		t.Error("user disconnect must not suspend the VM")
	}

	if err := f.broker.Disconnect(ctx, f.desk.ID, "alice"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second disconnect: %v, want ErrSessionNotFound", err)
	}
}

func TestAdminTerminateSuspendsDesktop(t *testing.T) {
	f := newFixture(t, provider.PowerOn)
	ctx := context.Background()
	sess, err := f.broker.Connect(ctx, f.desk.ID, "alice", model.KindGateway, "198.51.100.7")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.broker.EndSession(ctx, sess.ID, model.EndAdminTerminate); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if f.api.suspends != 1 {
		t.Errorf("suspends = %d, want 1", f.api.suspends)
	}
	got, _ := f.store.GetDesktop(f.desk.ID)
	if got.CurrentState != model.StateSuspended {
		t.Errorf("state = %s, want suspended", got.CurrentState)
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	f := newFixture(t, provider.PowerOn)
	ctx := context.Background()
	sess, err := f.broker.Connect(ctx, f.desk.ID, "alice", model.KindNative, "198.51.100.7")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.broker.EndSession(ctx, sess.ID, model.EndUserDisconnect); err != nil {
		t.Fatal(err)
	}
	if err := f.broker.EndSession(ctx, sess.ID, model.EndAdminTerminate); err != nil {
		t.Fatalf("repeated EndSession: %v", err)
	}
	got, _ := f.store.GetSession(sess.ID)
	if got.EndReason != model.EndUserDisconnect {
		t.Errorf("end reason overwritten: %s", got.EndReason)
	}
	if len(f.relays.closed) != 1 {
		t.Errorf("relay closed %d times, want 1", len(f.relays.closed))
	}
	if f.api.suspends != 0 {
		t.Error("no-op end must not suspend")
	}
}

func TestHeartbeatUnknownSession(t *testing.T) {
	f := newFixture(t, provider.PowerOn)
	if err := f.broker.Heartbeat("no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestRDPFileUsesPublicHostAndUsername(t *testing.T) {
	f := newFixture(t, provider.PowerOn)
	content, err := f.broker.RDPFile(f.desk.ID, 33901)
	if err != nil {
		t.Fatalf("RDPFile: %v", err)
	}
	if !strings.Contains(content, "full address:s:vdi.example.com:33901") {
		t.Errorf("address line wrong:\n%s", content)
	}
	if !strings.Contains(content, "username:s:Administrator") {
		t.Errorf("username missing:\n%s", content)
	}
}
