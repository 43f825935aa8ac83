// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"testing"
	"time"

	"github.com/toeirei/vdimaster/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:test_" + t.Name() + "?mode=memory&cache=shared"
	store, err := NewStoreFromDSN("sqlite", dsn)
	if err != nil {
		t.Fatalf("NewStoreFromDSN: %v", err)
	}
	return store
}

func addTestTenant(t *testing.T, store Store) model.Tenant {
	t.Helper()
	tenant, err := store.AddTenant(model.Tenant{
		Name:                    "Acme Corp",
		Slug:                    "acme",
		APIURL:                  "https://cloud.example.com/api",
		ClientID:                "client-1",
		SecretSealed:            "sealed-secret",
		Datacenter:              "EU",
		DefaultNetwork:          "lan-1",
		SuspendThresholdMinutes: 30,
		MaxSessionHours:         10,
		IsActive:                true,
	})
	if err != nil {
		t.Fatalf("AddTenant: %v", err)
	}
	return tenant
}

func TestTenantRoundTrip(t *testing.T) {
	store := newTestStore(t)
	tenant := addTestTenant(t, store)
	if tenant.ID == "" {
		t.Fatal("expected generated tenant ID")
	}

	got, err := store.GetTenant(tenant.ID)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if got == nil {
		t.Fatal("tenant not found")
	}
	if got.Slug != "acme" || got.SuspendThresholdMinutes != 30 {
		t.Errorf("unexpected tenant: %+v", got)
	}

	bySlug, err := store.GetTenantBySlug("acme")
	if err != nil || bySlug == nil {
		t.Fatalf("GetTenantBySlug: %v %v", bySlug, err)
	}
	if bySlug.ID != tenant.ID {
		t.Errorf("slug lookup returned wrong tenant: %s", bySlug.ID)
	}
}

func TestTenantDuplicateSlug(t *testing.T) {
	store := newTestStore(t)
	addTestTenant(t, store)
	_, err := store.AddTenant(model.Tenant{Name: "Other", Slug: "acme"})
	if err != ErrDuplicate {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestUpdateTenantPolicy(t *testing.T) {
	store := newTestStore(t)
	tenant := addTestTenant(t, store)

	if err := store.UpdateTenantPolicy(tenant.ID, 45, 12); err != nil {
		t.Fatalf("UpdateTenantPolicy: %v", err)
	}
	got, _ := store.GetTenant(tenant.ID)
	if got.SuspendThresholdMinutes != 45 || got.MaxSessionHours != 12 {
		t.Errorf("policy not updated: %+v", got)
	}

	if err := store.UpdateTenantPolicy("missing", 1, 1); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for missing tenant, got %v", err)
	}
}

func TestDesktopLifecycle(t *testing.T) {
	store := newTestStore(t)
	tenant := addTestTenant(t, store)

	desk, err := store.AddDesktop(model.Desktop{
		TenantID:    tenant.ID,
		UserID:      "alice",
		ServerID:    "cmd-4711",
		DisplayName: "vdim-1001-alice",
		IsActive:    true,
	})
	if err != nil {
		t.Fatalf("AddDesktop: %v", err)
	}
	if desk.CurrentState != model.StateUnknown {
		t.Errorf("new desktop should default to unknown, got %s", desk.CurrentState)
	}

	now := time.Now().UTC()
	if err := store.UpdateDesktopState(desk.ID, model.StateOn, now); err != nil {
		t.Fatalf("UpdateDesktopState: %v", err)
	}
	got, _ := store.GetDesktop(desk.ID)
	if got.CurrentState != model.StateOn {
		t.Errorf("state = %s, want on", got.CurrentState)
	}
	if got.LastStateCheck == nil {
		t.Error("last state check not recorded")
	}

	if err := store.AdoptServerIdentity(desk.ID, "srv-abc123", "10.0.0.15"); err != nil {
		t.Fatalf("AdoptServerIdentity: %v", err)
	}
	got, _ = store.GetDesktop(desk.ID)
	if got.ServerID != "srv-abc123" || got.PrivateIP != "10.0.0.15" {
		t.Errorf("identity not adopted: %+v", got)
	}

	if err := store.UpdateDesktopSpecs(desk.ID, "4B", 8192, 100); err != nil {
		t.Fatalf("UpdateDesktopSpecs: %v", err)
	}
	got, _ = store.GetDesktop(desk.ID)
	if got.CPU != "4B" || got.RAMMB != 8192 || got.DiskGB != 100 {
		t.Errorf("specs not updated: %+v", got)
	}

	if err := store.SetDesktopActive(desk.ID, false); err != nil {
		t.Fatalf("SetDesktopActive: %v", err)
	}
	active, _ := store.GetDesktopsForUser("alice")
	if len(active) != 0 {
		t.Errorf("deactivated desktop still listed: %d", len(active))
	}
}

func TestGetDesktopsByState(t *testing.T) {
	store := newTestStore(t)
	tenant := addTestTenant(t, store)

	for i, st := range []model.DesktopState{model.StateOn, model.StateOff, model.StateSuspended} {
		d, err := store.AddDesktop(model.Desktop{
			TenantID:    tenant.ID,
			ServerID:    "srv-" + string(rune('a'+i)),
			DisplayName: "desk",
			IsActive:    true,
		})
		if err != nil {
			t.Fatalf("AddDesktop: %v", err)
		}
		if err := store.UpdateDesktopState(d.ID, st, time.Now().UTC()); err != nil {
			t.Fatalf("UpdateDesktopState: %v", err)
		}
	}

	got, err := store.GetDesktopsByState(model.StateOn, model.StateSuspended)
	if err != nil {
		t.Fatalf("GetDesktopsByState: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d desktops, want 2", len(got))
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	tenant := addTestTenant(t, store)
	desk, _ := store.AddDesktop(model.Desktop{
		TenantID: tenant.ID, UserID: "bob", ServerID: "srv-1",
		DisplayName: "vdim-1-bob", IsActive: true,
	})

	sess, err := store.AddSession(model.Session{
		UserID:    "bob",
		DesktopID: desk.ID,
		Kind:      model.KindGateway,
		ClientIP:  "198.51.100.7",
		RelayPort: 33901,
		RelayPID:  1234,
	})
	if err != nil {
		t.Fatalf("AddSession: %v", err)
	}

	active, err := store.GetActiveSessionForDesktop(desk.ID)
	if err != nil || active == nil {
		t.Fatalf("GetActiveSessionForDesktop: %v %v", active, err)
	}
	if active.ID != sess.ID {
		t.Errorf("wrong active session: %s", active.ID)
	}

	byUser, err := store.GetActiveSessionForUser(desk.ID, "bob")
	if err != nil || byUser == nil || byUser.ID != sess.ID {
		t.Fatalf("GetActiveSessionForUser: %v %v", byUser, err)
	}
	if other, _ := store.GetActiveSessionForUser(desk.ID, "mallory"); other != nil {
		t.Error("foreign user should not see session")
	}

	hb := time.Now().UTC().Add(5 * time.Minute)
	if err := store.RecordHeartbeat(sess.ID, hb); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	got, _ := store.GetSession(sess.ID)
	if got.LastHeartbeat == nil {
		t.Fatal("heartbeat not recorded")
	}

	ended, err := store.EndSession(sess.ID, model.EndUserDisconnect, time.Now().UTC())
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if !ended {
		t.Error("first EndSession should report true")
	}

	// Second end must be a no-op and must not change the reason.
	ended, err = store.EndSession(sess.ID, model.EndIdleTimeout, time.Now().UTC())
	if err != nil {
		t.Fatalf("EndSession (repeat): %v", err)
	}
	if ended {
		t.Error("repeated EndSession should report false")
	}
	got, _ = store.GetSession(sess.ID)
	if got.EndReason != model.EndUserDisconnect {
		t.Errorf("end reason overwritten: %s", got.EndReason)
	}

	if again, _ := store.GetActiveSessionForDesktop(desk.ID); again != nil {
		t.Error("ended session still reported active")
	}

	last, err := store.GetLastEndedSession(desk.ID)
	if err != nil || last == nil {
		t.Fatalf("GetLastEndedSession: %v %v", last, err)
	}
	if last.ID != sess.ID {
		t.Errorf("wrong last ended session: %s", last.ID)
	}
}

func TestRecordHeartbeatOnEndedSession(t *testing.T) {
	store := newTestStore(t)
	tenant := addTestTenant(t, store)
	desk, _ := store.AddDesktop(model.Desktop{
		TenantID: tenant.ID, ServerID: "srv-1", DisplayName: "d", IsActive: true,
	})
	sess, _ := store.AddSession(model.Session{UserID: "u", DesktopID: desk.ID})
	if _, err := store.EndSession(sess.ID, model.EndAdminTerminate, time.Now().UTC()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := store.RecordHeartbeat(sess.ID, time.Now().UTC()); err != ErrNotFound {
		t.Errorf("heartbeat on ended session: want ErrNotFound, got %v", err)
	}
}

func TestAuditLog(t *testing.T) {
	store := newTestStore(t)
	addTestTenant(t, store)
	if err := store.LogAction("TEST_ACTION", "details here"); err != nil {
		t.Fatalf("LogAction: %v", err)
	}
	entries, err := store.GetAllAuditLogEntries()
	if err != nil {
		t.Fatalf("GetAllAuditLogEntries: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one audit entry")
	}
	if entries[0].Action != "TEST_ACTION" {
		t.Errorf("newest entry = %s, want TEST_ACTION", entries[0].Action)
	}
}
