// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

// Package broker exposes the request-path operations: bring a desktop up,
// connect and disconnect users, track heartbeats, and end sessions. The
// admin/API surface calls into this package; the scheduler works the same
// records from the other side.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/toeirei/vdimaster/internal/db"
	"github.com/toeirei/vdimaster/internal/logging"
	"github.com/toeirei/vdimaster/internal/model"
	"github.com/toeirei/vdimaster/internal/power"
	"github.com/toeirei/vdimaster/internal/relay"
)

// stateFreshFor is how long a stored "on" state is trusted without asking
// the provider again. Keeps repeated connects from hammering the API.
const stateFreshFor = 30 * time.Second

// ErrDesktopNotFound is returned for unknown or inactive desktops.
var ErrDesktopNotFound = errors.New("broker: desktop not found")

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("broker: session not found")

// ErrNoPrivateIP marks a desktop whose VM address is not known yet; native
// relays cannot be opened without it.
var ErrNoPrivateIP = errors.New("broker: desktop has no private address")

// ProviderFactory builds a provider API bound to one tenant's endpoint and
// credentials.
type ProviderFactory func(tenant model.Tenant) (power.API, error)

// RelayManager is the slice of the relay manager the broker uses.
type RelayManager interface {
	Open(vmIP, clientIP string) (relay.Relay, error)
	Close(r relay.Relay) error
}

// Broker wires the store, relay manager, and per-tenant provider clients
// into the connect/disconnect operations.
type Broker struct {
	store      db.Store
	relays     RelayManager
	factory    ProviderFactory
	publicHost string

	now func() time.Time
}

// New builds a Broker. publicHost is the address native clients reach the
// relay on.
func New(store db.Store, relays RelayManager, factory ProviderFactory, publicHost string) *Broker {
	return &Broker{
		store:      store,
		relays:     relays,
		factory:    factory,
		publicHost: publicHost,
		now:        time.Now,
	}
}

func (b *Broker) desktopAndAPI(desktopID string) (*model.Desktop, model.Tenant, power.API, error) {
	desktop, err := b.store.GetDesktop(desktopID)
	if err != nil {
		return nil, model.Tenant{}, nil, err
	}
	if desktop == nil || !desktop.IsActive {
		return nil, model.Tenant{}, nil, ErrDesktopNotFound
	}
	tenant, err := b.store.GetTenant(desktop.TenantID)
	if err != nil {
		return nil, model.Tenant{}, nil, err
	}
	if tenant == nil {
		return nil, model.Tenant{}, nil, fmt.Errorf("broker: desktop %s references missing tenant", desktopID)
	}
	api, err := b.factory(*tenant)
	if err != nil {
		return nil, model.Tenant{}, nil, err
	}
	return desktop, *tenant, api, nil
}

// EnsureRunning brings a desktop's VM to the running state and reports
// readiness. A desktop already recorded on with a fresh state check is
// trusted without a provider round trip. The desktop sits in starting while
// the power-on is in flight; a failed or timed-out power-on drops it to
// unknown rather than claiming anything.
func (b *Broker) EnsureRunning(ctx context.Context, desktopID string) (bool, error) {
	desktop, _, api, err := b.desktopAndAPI(desktopID)
	if err != nil {
		return false, err
	}

	now := b.now().UTC()
	if desktop.CurrentState == model.StateOn && desktop.LastStateCheck != nil &&
		now.Sub(*desktop.LastStateCheck) <= stateFreshFor {
		return true, nil
	}

	if err := b.store.UpdateDesktopState(desktop.ID, model.StateStarting, now); err != nil {
		return false, err
	}
	ready, err := power.EnsureRunning(ctx, api, desktop.ServerID)
	now = b.now().UTC()
	if err != nil || !ready {
		if stateErr := b.store.UpdateDesktopState(desktop.ID, model.StateUnknown, now); stateErr != nil {
			logging.Errorf("broker: record unknown state for %s: %v", desktop.ID, stateErr)
		}
		return false, err
	}
	if err := b.store.UpdateDesktopState(desktop.ID, model.StateOn, now); err != nil {
		return false, err
	}
	return true, nil
}

// Connect powers the desktop on, opens a relay for native connections, and
// records the session. A caller already holding an active session on the
// desktop gets that session back instead of a duplicate.
func (b *Broker) Connect(ctx context.Context, desktopID, userID string, kind model.ConnectionKind, clientIP string) (model.Session, error) {
	desktop, _, _, err := b.desktopAndAPI(desktopID)
	if err != nil {
		return model.Session{}, err
	}

	existing, err := b.store.GetActiveSessionForUser(desktopID, userID)
	if err != nil {
		return model.Session{}, err
	}
	if existing != nil {
		if err := b.store.RecordHeartbeat(existing.ID, b.now().UTC()); err != nil {
			logging.Debugf("broker: heartbeat on reconnect for %s: %v", existing.ID, err)
		}
		return *existing, nil
	}

	ready, err := b.EnsureRunning(ctx, desktopID)
	if err != nil {
		return model.Session{}, err
	}
	if !ready {
		return model.Session{}, fmt.Errorf("broker: desktop %s did not become ready", desktopID)
	}

	sess := model.Session{
		UserID:    userID,
		DesktopID: desktopID,
		Kind:      kind,
		StartedAt: b.now().UTC(),
		ClientIP:  clientIP,
	}
	if kind == model.KindNative {
		if desktop.PrivateIP == "" {
			return model.Session{}, ErrNoPrivateIP
		}
		r, err := b.relays.Open(desktop.PrivateIP, clientIP)
		if err != nil {
			return model.Session{}, err
		}
		sess.RelayPort = r.Port
		sess.RelayPID = r.PID
	}

	sess, err = b.store.AddSession(sess)
	if err != nil {
		if sess.RelayPID > 0 {
			_ = b.relays.Close(relay.Relay{Port: sess.RelayPort, PID: sess.RelayPID, ClientIP: clientIP})
		}
		return model.Session{}, err
	}
	logging.Infof("broker: session %s opened for %s on desktop %s (%s)", sess.ID, userID, desktopID, kind)
	return sess, nil
}

// OpenRelay starts a scoped TCP relay to the desktop's VM.
func (b *Broker) OpenRelay(_ context.Context, desktopID, clientIP string) (relay.Relay, error) {
	desktop, err := b.store.GetDesktop(desktopID)
	if err != nil {
		return relay.Relay{}, err
	}
	if desktop == nil {
		return relay.Relay{}, ErrDesktopNotFound
	}
	if desktop.PrivateIP == "" {
		return relay.Relay{}, ErrNoPrivateIP
	}
	return b.relays.Open(desktop.PrivateIP, clientIP)
}

// CloseRelay tears down a relay. Idempotent.
func (b *Broker) CloseRelay(r relay.Relay) error {
	return b.relays.Close(r)
}

// RDPFile renders the .rdp artifact for a native session's relay port.
func (b *Broker) RDPFile(desktopID string, port int) (string, error) {
	desktop, err := b.store.GetDesktop(desktopID)
	if err != nil {
		return "", err
	}
	if desktop == nil {
		return "", ErrDesktopNotFound
	}
	return relay.RDPFile(b.publicHost, port, desktop.RDPUsername), nil
}

// Heartbeat records client liveness for an active session.
func (b *Broker) Heartbeat(sessionID string) error {
	err := b.store.RecordHeartbeat(sessionID, b.now().UTC())
	if errors.Is(err, db.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// Disconnect is the clean client-initiated end of a user's session on a
// desktop. The VM keeps running; the eviction scheduler suspends it later
// if nobody comes back.
func (b *Broker) Disconnect(ctx context.Context, desktopID, userID string) error {
	sess, err := b.store.GetActiveSessionForUser(desktopID, userID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	return b.EndSession(ctx, sess.ID, model.EndUserDisconnect)
}

// EndSession ends a session with the given reason, tears down its relay,
// and on admin termination also suspends the VM. Ending an already-ended
// session is a no-op.
func (b *Broker) EndSession(ctx context.Context, sessionID string, reason model.EndReason) error {
	sess, err := b.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}

	ended, err := b.store.EndSession(sessionID, reason, b.now().UTC())
	if err != nil {
		return err
	}
	if !ended {
		return nil
	}

	if sess.Native() && sess.RelayPort > 0 {
		if err := b.relays.Close(relay.Relay{Port: sess.RelayPort, PID: sess.RelayPID, ClientIP: sess.ClientIP}); err != nil {
			logging.Warnf("broker: relay teardown for session %s: %v", sessionID, err)
		}
	}

	if reason == model.EndAdminTerminate {
		desktop, _, api, err := b.desktopAndAPI(sess.DesktopID)
		if err != nil {
			logging.Warnf("broker: suspend after admin terminate: %v", err)
			return nil
		}
		if err := api.Suspend(ctx, desktop.ServerID); err != nil {
			logging.Warnf("broker: suspend %s after admin terminate: %v", desktop.ServerID, err)
			return nil
		}
		if err := b.store.UpdateDesktopState(desktop.ID, model.StateSuspended, b.now().UTC()); err != nil {
			logging.Errorf("broker: record suspended state for %s: %v", desktop.ID, err)
		}
	}
	return nil
}
