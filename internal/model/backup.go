// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import "time"

// BackupData is the serialized form of a full database dump, written as
// zstd-compressed JSON by the backup command.
type BackupData struct {
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	Tenants   []Tenant        `json:"tenants"`
	Desktops  []Desktop       `json:"desktops"`
	Sessions  []Session       `json:"sessions"`
	AuditLog  []AuditLogEntry `json:"audit_log"`
}
