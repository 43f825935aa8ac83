// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/toeirei/vdimaster/internal/model"
	"github.com/uptrace/bun"
)

// TenantModel maps the `tenants` table for Bun queries.
type TenantModel struct {
	bun.BaseModel           `bun:"table:tenants"`
	ID                      string         `bun:"id,pk"`
	Name                    string         `bun:"name"`
	Slug                    string         `bun:"slug"`
	APIURL                  sql.NullString `bun:"api_url"`
	ClientID                sql.NullString `bun:"client_id"`
	SecretSealed            sql.NullString `bun:"secret_sealed"`
	Datacenter              sql.NullString `bun:"datacenter"`
	DefaultNetwork          sql.NullString `bun:"default_network"`
	SuspendThresholdMinutes int            `bun:"suspend_threshold_minutes"`
	MaxSessionHours         int            `bun:"max_session_hours"`
	CreatedAt               time.Time      `bun:"created_at"`
	IsActive                bool           `bun:"is_active"`
}

// DesktopModel maps the `desktops` table for Bun queries.
type DesktopModel struct {
	bun.BaseModel     `bun:"table:desktops"`
	ID                string         `bun:"id,pk"`
	TenantID          string         `bun:"tenant_id"`
	UserID            sql.NullString `bun:"user_id"`
	ServerID          string         `bun:"server_id"`
	DisplayName       string         `bun:"display_name"`
	PrivateIP         sql.NullString `bun:"private_ip"`
	RDPUsername       sql.NullString `bun:"rdp_username"`
	RDPPasswordSealed sql.NullString `bun:"rdp_password_sealed"`
	CurrentState      string         `bun:"current_state"`
	LastStateCheck    *time.Time     `bun:"last_state_check,nullzero"`
	CPU               sql.NullString `bun:"cpu"`
	RAMMB             sql.NullInt64  `bun:"ram_mb"`
	DiskGB            sql.NullInt64  `bun:"disk_gb"`
	CreatedAt         time.Time      `bun:"created_at"`
	IsActive          bool           `bun:"is_active"`
}

// SessionModel maps the `sessions` table for Bun queries.
type SessionModel struct {
	bun.BaseModel `bun:"table:sessions"`
	ID            string         `bun:"id,pk"`
	UserID        string         `bun:"user_id"`
	DesktopID     string         `bun:"desktop_id"`
	Kind          string         `bun:"kind"`
	StartedAt     time.Time      `bun:"started_at"`
	LastHeartbeat *time.Time     `bun:"last_heartbeat,nullzero"`
	EndedAt       *time.Time     `bun:"ended_at,nullzero"`
	EndReason     sql.NullString `bun:"end_reason"`
	ClientIP      sql.NullString `bun:"client_ip"`
	RelayPort     int            `bun:"relay_port"`
	RelayPID      int            `bun:"relay_pid"`
}

// AuditLogModel maps the audit_log table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int    `bun:"id,pk,autoincrement"`
	Timestamp     string `bun:"timestamp"`
	Action        string `bun:"action"`
	Details       string `bun:"details"`
}

// BunStore is the Bun-backed implementation of the Store interface. Dialect
// differences are handled by the bun.DB it wraps.
type BunStore struct {
	bun *bun.DB
}

// NewBunStore wraps an existing bun.DB in a Store. Used by tests that build
// their own database handles.
func NewBunStore(b *bun.DB) *BunStore {
	return &BunStore{bun: b}
}

func tenantModelToModel(m TenantModel) model.Tenant {
	return model.Tenant{
		ID:                      m.ID,
		Name:                    m.Name,
		Slug:                    m.Slug,
		APIURL:                  m.APIURL.String,
		ClientID:                m.ClientID.String,
		SecretSealed:            m.SecretSealed.String,
		Datacenter:              m.Datacenter.String,
		DefaultNetwork:          m.DefaultNetwork.String,
		SuspendThresholdMinutes: m.SuspendThresholdMinutes,
		MaxSessionHours:         m.MaxSessionHours,
		CreatedAt:               m.CreatedAt,
		IsActive:                m.IsActive,
	}
}

func tenantModelFromModel(t model.Tenant) TenantModel {
	return TenantModel{
		ID:                      t.ID,
		Name:                    t.Name,
		Slug:                    t.Slug,
		APIURL:                  nullString(t.APIURL),
		ClientID:                nullString(t.ClientID),
		SecretSealed:            nullString(t.SecretSealed),
		Datacenter:              nullString(t.Datacenter),
		DefaultNetwork:          nullString(t.DefaultNetwork),
		SuspendThresholdMinutes: t.SuspendThresholdMinutes,
		MaxSessionHours:         t.MaxSessionHours,
		CreatedAt:               t.CreatedAt,
		IsActive:                t.IsActive,
	}
}

func desktopModelToModel(m DesktopModel) model.Desktop {
	return model.Desktop{
		ID:                m.ID,
		TenantID:          m.TenantID,
		UserID:            m.UserID.String,
		ServerID:          m.ServerID,
		DisplayName:       m.DisplayName,
		PrivateIP:         m.PrivateIP.String,
		RDPUsername:       m.RDPUsername.String,
		RDPPasswordSealed: m.RDPPasswordSealed.String,
		CurrentState:      model.DesktopState(m.CurrentState),
		LastStateCheck:    m.LastStateCheck,
		CPU:               m.CPU.String,
		RAMMB:             int(m.RAMMB.Int64),
		DiskGB:            int(m.DiskGB.Int64),
		CreatedAt:         m.CreatedAt,
		IsActive:          m.IsActive,
	}
}

func desktopModelFromModel(d model.Desktop) DesktopModel {
	return DesktopModel{
		ID:                d.ID,
		TenantID:          d.TenantID,
		UserID:            nullString(d.UserID),
		ServerID:          d.ServerID,
		DisplayName:       d.DisplayName,
		PrivateIP:         nullString(d.PrivateIP),
		RDPUsername:       nullString(d.RDPUsername),
		RDPPasswordSealed: nullString(d.RDPPasswordSealed),
		CurrentState:      string(d.CurrentState),
		LastStateCheck:    d.LastStateCheck,
		CPU:               nullString(d.CPU),
		RAMMB:             nullInt(d.RAMMB),
		DiskGB:            nullInt(d.DiskGB),
		CreatedAt:         d.CreatedAt,
		IsActive:          d.IsActive,
	}
}

func sessionModelToModel(m SessionModel) model.Session {
	return model.Session{
		ID:            m.ID,
		UserID:        m.UserID,
		DesktopID:     m.DesktopID,
		Kind:          model.ConnectionKind(m.Kind),
		StartedAt:     m.StartedAt,
		LastHeartbeat: m.LastHeartbeat,
		EndedAt:       m.EndedAt,
		EndReason:     model.EndReason(m.EndReason.String),
		ClientIP:      m.ClientIP.String,
		RelayPort:     m.RelayPort,
		RelayPID:      m.RelayPID,
	}
}

func sessionModelFromModel(s model.Session) SessionModel {
	return SessionModel{
		ID:            s.ID,
		UserID:        s.UserID,
		DesktopID:     s.DesktopID,
		Kind:          string(s.Kind),
		StartedAt:     s.StartedAt,
		LastHeartbeat: s.LastHeartbeat,
		EndedAt:       s.EndedAt,
		EndReason:     nullString(string(s.EndReason)),
		ClientIP:      nullString(s.ClientIP),
		RelayPort:     s.RelayPort,
		RelayPID:      s.RelayPID,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

// ── Tenant methods ──

func (s *BunStore) AddTenant(t model.Tenant) (model.Tenant, error) {
	ctx := context.Background()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m := tenantModelFromModel(t)
	if _, err := s.bun.NewInsert().Model(&m).Exec(ctx); err != nil {
		return model.Tenant{}, MapDBError(err)
	}
	_ = s.LogAction("ADD_TENANT", "tenant: "+t.Slug)
	return t, nil
}

func (s *BunStore) GetTenant(id string) (*model.Tenant, error) {
	ctx := context.Background()
	var m TenantModel
	err := s.bun.NewSelect().Model(&m).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t := tenantModelToModel(m)
	return &t, nil
}

func (s *BunStore) GetTenantBySlug(slug string) (*model.Tenant, error) {
	ctx := context.Background()
	var m TenantModel
	err := s.bun.NewSelect().Model(&m).Where("slug = ?", slug).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t := tenantModelToModel(m)
	return &t, nil
}

func (s *BunStore) GetAllTenants() ([]model.Tenant, error) {
	ctx := context.Background()
	var ms []TenantModel
	if err := s.bun.NewSelect().Model(&ms).Order("created_at ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Tenant, 0, len(ms))
	for _, m := range ms {
		out = append(out, tenantModelToModel(m))
	}
	return out, nil
}

func (s *BunStore) GetActiveTenants() ([]model.Tenant, error) {
	ctx := context.Background()
	var ms []TenantModel
	if err := s.bun.NewSelect().Model(&ms).Where("is_active = ?", true).Order("created_at ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Tenant, 0, len(ms))
	for _, m := range ms {
		out = append(out, tenantModelToModel(m))
	}
	return out, nil
}

func (s *BunStore) UpdateTenantPolicy(id string, suspendThresholdMinutes, maxSessionHours int) error {
	ctx := context.Background()
	res, err := s.bun.NewUpdate().Model((*TenantModel)(nil)).
		Set("suspend_threshold_minutes = ?", suspendThresholdMinutes).
		Set("max_session_hours = ?", maxSessionHours).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_ = s.LogAction("UPDATE_TENANT_POLICY", "tenant: "+id)
	return nil
}

func (s *BunStore) UpdateTenantProvider(id, apiURL, clientID, secretSealed string) error {
	ctx := context.Background()
	res, err := s.bun.NewUpdate().Model((*TenantModel)(nil)).
		Set("api_url = ?", apiURL).
		Set("client_id = ?", clientID).
		Set("secret_sealed = ?", secretSealed).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_ = s.LogAction("UPDATE_TENANT_PROVIDER", "tenant: "+id)
	return nil
}

// ── Desktop methods ──

func (s *BunStore) AddDesktop(d model.Desktop) (model.Desktop, error) {
	ctx := context.Background()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.CurrentState == "" {
		d.CurrentState = model.StateUnknown
	}
	m := desktopModelFromModel(d)
	if _, err := s.bun.NewInsert().Model(&m).Exec(ctx); err != nil {
		return model.Desktop{}, MapDBError(err)
	}
	_ = s.LogAction("ADD_DESKTOP", "desktop: "+d.DisplayName+" server: "+d.ServerID)
	return d, nil
}

func (s *BunStore) GetDesktop(id string) (*model.Desktop, error) {
	ctx := context.Background()
	var m DesktopModel
	err := s.bun.NewSelect().Model(&m).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	d := desktopModelToModel(m)
	return &d, nil
}

func (s *BunStore) GetAllDesktops() ([]model.Desktop, error) {
	return s.selectDesktops(func(q *bun.SelectQuery) *bun.SelectQuery { return q })
}

func (s *BunStore) GetDesktopsForTenant(tenantID string) ([]model.Desktop, error) {
	return s.selectDesktops(func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("tenant_id = ?", tenantID)
	})
}

func (s *BunStore) GetDesktopsForUser(userID string) ([]model.Desktop, error) {
	return s.selectDesktops(func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("user_id = ?", userID).Where("is_active = ?", true)
	})
}

func (s *BunStore) GetDesktopsByState(states ...model.DesktopState) ([]model.Desktop, error) {
	ss := make([]string, 0, len(states))
	for _, st := range states {
		ss = append(ss, string(st))
	}
	return s.selectDesktops(func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("current_state IN (?)", bun.In(ss)).Where("is_active = ?", true)
	})
}

func (s *BunStore) selectDesktops(apply func(*bun.SelectQuery) *bun.SelectQuery) ([]model.Desktop, error) {
	ctx := context.Background()
	var ms []DesktopModel
	q := s.bun.NewSelect().Model(&ms).Order("created_at ASC")
	if err := apply(q).Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Desktop, 0, len(ms))
	for _, m := range ms {
		out = append(out, desktopModelToModel(m))
	}
	return out, nil
}

func (s *BunStore) UpdateDesktopState(id string, state model.DesktopState, checkedAt time.Time) error {
	ctx := context.Background()
	res, err := s.bun.NewUpdate().Model((*DesktopModel)(nil)).
		Set("current_state = ?", string(state)).
		Set("last_state_check = ?", checkedAt).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *BunStore) AdoptServerIdentity(id, serverID, privateIP string) error {
	ctx := context.Background()
	q := s.bun.NewUpdate().Model((*DesktopModel)(nil)).
		Set("server_id = ?", serverID).
		Where("id = ?", id)
	if privateIP != "" {
		q = q.Set("private_ip = ?", privateIP)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_ = s.LogAction("ADOPT_SERVER", "desktop: "+id+" server: "+serverID)
	return nil
}

func (s *BunStore) UpdateDesktopSpecs(id, cpu string, ramMB, diskGB int) error {
	ctx := context.Background()
	res, err := s.bun.NewUpdate().Model((*DesktopModel)(nil)).
		Set("cpu = ?", cpu).
		Set("ram_mb = ?", ramMB).
		Set("disk_gb = ?", diskGB).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *BunStore) UpdateDesktopCredentials(id, username, passwordSealed string) error {
	ctx := context.Background()
	res, err := s.bun.NewUpdate().Model((*DesktopModel)(nil)).
		Set("rdp_username = ?", username).
		Set("rdp_password_sealed = ?", passwordSealed).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *BunStore) SetDesktopActive(id string, active bool) error {
	ctx := context.Background()
	res, err := s.bun.NewUpdate().Model((*DesktopModel)(nil)).
		Set("is_active = ?", active).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Session methods ──

func (s *BunStore) AddSession(sess model.Session) (model.Session, error) {
	ctx := context.Background()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	if sess.Kind == "" {
		sess.Kind = model.KindGateway
	}
	m := sessionModelFromModel(sess)
	if _, err := s.bun.NewInsert().Model(&m).Exec(ctx); err != nil {
		return model.Session{}, MapDBError(err)
	}
	return sess, nil
}

func (s *BunStore) GetSession(id string) (*model.Session, error) {
	ctx := context.Background()
	var m SessionModel
	err := s.bun.NewSelect().Model(&m).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sess := sessionModelToModel(m)
	return &sess, nil
}

func (s *BunStore) GetAllSessions() ([]model.Session, error) {
	ctx := context.Background()
	var ms []SessionModel
	if err := s.bun.NewSelect().Model(&ms).Order("started_at ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Session, 0, len(ms))
	for _, m := range ms {
		out = append(out, sessionModelToModel(m))
	}
	return out, nil
}

func (s *BunStore) GetActiveSessions() ([]model.Session, error) {
	ctx := context.Background()
	var ms []SessionModel
	err := s.bun.NewSelect().Model(&ms).
		Where("ended_at IS NULL").
		Order("started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Session, 0, len(ms))
	for _, m := range ms {
		out = append(out, sessionModelToModel(m))
	}
	return out, nil
}

func (s *BunStore) GetActiveSessionForDesktop(desktopID string) (*model.Session, error) {
	ctx := context.Background()
	var m SessionModel
	err := s.bun.NewSelect().Model(&m).
		Where("desktop_id = ?", desktopID).
		Where("ended_at IS NULL").
		Order("started_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sess := sessionModelToModel(m)
	return &sess, nil
}

func (s *BunStore) GetActiveSessionForUser(desktopID, userID string) (*model.Session, error) {
	ctx := context.Background()
	var m SessionModel
	err := s.bun.NewSelect().Model(&m).
		Where("desktop_id = ?", desktopID).
		Where("user_id = ?", userID).
		Where("ended_at IS NULL").
		Order("started_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sess := sessionModelToModel(m)
	return &sess, nil
}

func (s *BunStore) RecordHeartbeat(id string, at time.Time) error {
	ctx := context.Background()
	res, err := s.bun.NewUpdate().Model((*SessionModel)(nil)).
		Set("last_heartbeat = ?", at).
		Where("id = ?", id).
		Where("ended_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EndSession sets the end time and reason exactly once. The WHERE clause on
// ended_at makes the double-end a no-op at the SQL level, which is what lets
// eviction safely double-fire (see scheduler).
func (s *BunStore) EndSession(id string, reason model.EndReason, at time.Time) (bool, error) {
	ctx := context.Background()
	res, err := s.bun.NewUpdate().Model((*SessionModel)(nil)).
		Set("ended_at = ?", at).
		Set("end_reason = ?", string(reason)).
		Where("id = ?", id).
		Where("ended_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		_ = s.LogAction("END_SESSION", "session: "+id+" reason: "+string(reason))
	}
	return n > 0, nil
}

func (s *BunStore) GetLastEndedSession(desktopID string) (*model.Session, error) {
	ctx := context.Background()
	var m SessionModel
	err := s.bun.NewSelect().Model(&m).
		Where("desktop_id = ?", desktopID).
		Where("ended_at IS NOT NULL").
		Order("ended_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sess := sessionModelToModel(m)
	return &sess, nil
}

// ── Audit log methods ──

func (s *BunStore) LogAction(action, details string) error {
	ctx := context.Background()
	m := AuditLogModel{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Action:    action,
		Details:   details,
	}
	_, err := s.bun.NewInsert().Model(&m).Exec(ctx)
	return err
}

func (s *BunStore) GetAllAuditLogEntries() ([]model.AuditLogEntry, error) {
	ctx := context.Background()
	var ms []AuditLogModel
	if err := s.bun.NewSelect().Model(&ms).Order("id DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AuditLogEntry, 0, len(ms))
	for _, m := range ms {
		out = append(out, model.AuditLogEntry{
			ID:        m.ID,
			Timestamp: m.Timestamp,
			Action:    m.Action,
			Details:   m.Details,
		})
	}
	return out, nil
}
