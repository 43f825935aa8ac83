// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"time"

	"github.com/toeirei/vdimaster/internal/model"
)

// Store defines the interface for all database operations in VDIMaster.
// This allows for multiple database backends to be implemented.
type Store interface {
	// Tenant methods
	AddTenant(t model.Tenant) (model.Tenant, error)
	GetTenant(id string) (*model.Tenant, error)
	GetTenantBySlug(slug string) (*model.Tenant, error)
	GetAllTenants() ([]model.Tenant, error)
	GetActiveTenants() ([]model.Tenant, error)
	UpdateTenantPolicy(id string, suspendThresholdMinutes, maxSessionHours int) error
	UpdateTenantProvider(id, apiURL, clientID, secretSealed string) error

	// Desktop methods
	AddDesktop(d model.Desktop) (model.Desktop, error)
	GetDesktop(id string) (*model.Desktop, error)
	GetAllDesktops() ([]model.Desktop, error)
	GetDesktopsForTenant(tenantID string) ([]model.Desktop, error)
	GetDesktopsForUser(userID string) ([]model.Desktop, error)
	GetDesktopsByState(states ...model.DesktopState) ([]model.Desktop, error)
	UpdateDesktopState(id string, state model.DesktopState, checkedAt time.Time) error
	AdoptServerIdentity(id, serverID, privateIP string) error
	UpdateDesktopSpecs(id, cpu string, ramMB, diskGB int) error
	UpdateDesktopCredentials(id, username, passwordSealed string) error
	SetDesktopActive(id string, active bool) error

	// Session methods
	AddSession(s model.Session) (model.Session, error)
	GetSession(id string) (*model.Session, error)
	GetAllSessions() ([]model.Session, error)
	GetActiveSessions() ([]model.Session, error)
	GetActiveSessionForDesktop(desktopID string) (*model.Session, error)
	GetActiveSessionForUser(desktopID, userID string) (*model.Session, error)
	RecordHeartbeat(id string, at time.Time) error
	// EndSession sets the end time and reason once. It reports whether the
	// session was ended by this call; ending an already-ended session is a
	// no-op returning false.
	EndSession(id string, reason model.EndReason, at time.Time) (bool, error)
	GetLastEndedSession(desktopID string) (*model.Session, error)

	// Audit log methods
	LogAction(action string, details string) error
	GetAllAuditLogEntries() ([]model.AuditLogEntry, error)
}
