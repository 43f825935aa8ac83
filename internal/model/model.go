// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model defines the core data types of VDIMaster: tenants, desktop
// assignments and remote-desktop sessions, together with the closed
// enumerations that describe their lifecycle.
package model

import (
	"strings"
	"time"
)

// DesktopState is the lifecycle state of a desktop VM as last known to us.
// The provider is the authority; this is our possibly-stale view of it.
type DesktopState string

const (
	StateUnknown      DesktopState = "unknown"
	StateProvisioning DesktopState = "provisioning"
	StateStarting     DesktopState = "starting"
	StateOn           DesktopState = "on"
	StateOff          DesktopState = "off"
	StateSuspending   DesktopState = "suspending"
	StateSuspended    DesktopState = "suspended"
	StateError        DesktopState = "error"
)

// Valid reports whether s is one of the known desktop states.
func (s DesktopState) Valid() bool {
	switch s {
	case StateUnknown, StateProvisioning, StateStarting, StateOn,
		StateOff, StateSuspending, StateSuspended, StateError:
		return true
	}
	return false
}

// EndReason records why a session ended. Immutable once set.
type EndReason string

const (
	EndUserDisconnect EndReason = "user_disconnect"
	EndIdleTimeout    EndReason = "idle_timeout"
	EndMaxDuration    EndReason = "max_duration"
	EndAdminTerminate EndReason = "admin_terminate"
	EndError          EndReason = "error"
)

// ConnectionKind distinguishes sessions brokered through the remote-desktop
// gateway from native sessions that need a point-to-point TCP relay.
type ConnectionKind string

const (
	KindGateway ConnectionKind = "gateway"
	KindNative  ConnectionKind = "native"
)

// PowerAction is a manual power transition requested by an operator.
type PowerAction string

const (
	ActionSuspend  PowerAction = "suspend"
	ActionResume   PowerAction = "resume"
	ActionPowerOn  PowerAction = "power_on"
	ActionPowerOff PowerAction = "power_off"
	ActionRestart  PowerAction = "restart"
)

// Valid reports whether a is a known power action.
func (a PowerAction) Valid() bool {
	switch a {
	case ActionSuspend, ActionResume, ActionPowerOn, ActionPowerOff, ActionRestart:
		return true
	}
	return false
}

// Target returns the desktop state the action drives towards, and whether a
// no-op short-circuit applies when the VM is already in that state. Restart
// has no short-circuit: restarting an "on" VM is a real operation.
func (a PowerAction) Target() (DesktopState, bool) {
	switch a {
	case ActionSuspend:
		return StateSuspended, true
	case ActionResume, ActionPowerOn:
		return StateOn, true
	case ActionPowerOff:
		return StateOff, true
	case ActionRestart:
		return StateOn, false
	}
	return StateUnknown, false
}

// Tenant holds per-tenant provider credentials and session policy.
// The policy fields are pure configuration consumed by the scheduler and the
// power reconciler.
type Tenant struct {
	ID                      string
	Name                    string
	Slug                    string
	APIURL                  string
	ClientID                string
	SecretSealed            string
	Datacenter              string
	DefaultNetwork          string
	SuspendThresholdMinutes int
	MaxSessionHours         int
	CreatedAt               time.Time
	IsActive                bool
}

// SuspendThreshold returns the idle duration after which a session is evicted.
func (t Tenant) SuspendThreshold() time.Duration {
	return time.Duration(t.SuspendThresholdMinutes) * time.Minute
}

// MaxSessionDuration returns the hard cap on session duration.
func (t Tenant) MaxSessionDuration() time.Duration {
	return time.Duration(t.MaxSessionHours) * time.Hour
}

// Desktop is one assigned (or unassigned) VM at the provider.
type Desktop struct {
	ID                string
	TenantID          string
	UserID            string // empty when unassigned
	ServerID          string // provider VM id; transiently a pending command id
	DisplayName       string
	PrivateIP         string
	RDPUsername       string
	RDPPasswordSealed string
	CurrentState      DesktopState
	LastStateCheck    *time.Time
	CPU               string
	RAMMB             int
	DiskGB            int
	CreatedAt         time.Time
	IsActive          bool
}

// PendingServerID reports whether the stored provider identifier is still the
// transient pending-operation handle from VM creation. The provider's real
// server identifiers are never purely numeric; command queue ids always are.
func (d Desktop) PendingServerID() bool {
	if d.ServerID == "" {
		return false
	}
	for _, r := range d.ServerID {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// NameSlug returns the lowercase dashed form of the display name, the token
// embedded in provider-side VM names and used for identity recovery.
func (d Desktop) NameSlug() string {
	return strings.ReplaceAll(strings.ToLower(d.DisplayName), " ", "-")
}

// Session is one remote-desktop occupation of a desktop by a user.
type Session struct {
	ID            string
	UserID        string
	DesktopID     string
	Kind          ConnectionKind
	StartedAt     time.Time
	LastHeartbeat *time.Time
	EndedAt       *time.Time
	EndReason     EndReason
	ClientIP      string
	RelayPort     int // native sessions only
	RelayPID      int // native sessions only
}

// Active reports whether the session has not yet ended.
func (s Session) Active() bool { return s.EndedAt == nil }

// IdleSince returns the reference time for idle eviction: the last heartbeat,
// or the session start when no heartbeat has arrived yet.
func (s Session) IdleSince() time.Time {
	if s.LastHeartbeat != nil {
		return *s.LastHeartbeat
	}
	return s.StartedAt
}

// Native reports whether the session owns an ephemeral relay.
func (s Session) Native() bool { return s.Kind == KindNative }
