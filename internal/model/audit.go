// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package model

// AuditLogEntry is one recorded state-changing operation: provisioning,
// power actions, evictions, relay teardowns.
type AuditLogEntry struct {
	ID        int
	Timestamp string
	Action    string
	Details   string
}
