// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

// Package provision runs asynchronous VM creation: submit, track the queued
// command under a supervised goroutine, and adopt the finished VM's identity
// into the desktop record.
package provision

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/toeirei/vdimaster/internal/db"
	"github.com/toeirei/vdimaster/internal/logging"
	"github.com/toeirei/vdimaster/internal/model"
	"github.com/toeirei/vdimaster/internal/provider"
	"github.com/toeirei/vdimaster/internal/secret"
)

// commandBudget bounds how long one creation command may stay pending
// before the desktop is marked failed.
const commandBudget = 600 * time.Second

// API is the slice of the provider client provisioning needs.
type API interface {
	AccountUserID(ctx context.Context) (string, error)
	TrafficID(ctx context.Context, datacenter string) (string, error)
	CreateServer(ctx context.Context, params provider.ServerParams) (int, error)
	WaitForCommand(ctx context.Context, commandID int, budget time.Duration) error
	FindServerByName(ctx context.Context, name string) (*provider.ServerInfo, error)
	GetServer(ctx context.Context, serverID string) (provider.ServerInfo, error)
}

// Request carries the parameters of one desktop creation.
type Request struct {
	Tenant      model.Tenant
	UserID      string
	DisplayName string
	Password    string
	ImageID     string
	DiskGB      int
	CPU         string
	RAMMB       int
	NetworkName string
}

// Supervisor owns the background completion tasks. Each provisioning
// desktop has exactly one tracked, cancellable goroutine; Shutdown waits
// for all of them.
type Supervisor struct {
	store  db.Store
	sealer *secret.Sealer

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
	wg    sync.WaitGroup
}

// NewSupervisor builds a Supervisor persisting through store and sealing
// RDP credentials with sealer.
func NewSupervisor(store db.Store, sealer *secret.Sealer) *Supervisor {
	return &Supervisor{
		store:  store,
		sealer: sealer,
		tasks:  make(map[string]context.CancelFunc),
	}
}

// VMName derives the deterministic provider-side VM name for a desktop.
func VMName(accountID, displayName string) string {
	d := model.Desktop{DisplayName: displayName}
	return "vdim-" + accountID + "-" + d.NameSlug()
}

// Start submits the creation and records the desktop as provisioning with
// the pending command ID as its transient server identifier. The returned
// desktop is already persisted; completion happens in the background.
func (s *Supervisor) Start(ctx context.Context, api API, req Request) (model.Desktop, error) {
	accountID, err := api.AccountUserID(ctx)
	if err != nil {
		logging.Warnf("provision: account lookup failed, using tenant slug: %v", err)
		accountID = req.Tenant.Slug
	}
	vmName := VMName(accountID, req.DisplayName)

	trafficID, err := api.TrafficID(ctx, req.Tenant.Datacenter)
	if err != nil {
		return model.Desktop{}, fmt.Errorf("provision: resolve traffic package: %w", err)
	}

	network := req.NetworkName
	if network == "" {
		network = req.Tenant.DefaultNetwork
	}
	if network == "" {
		network = "wan"
	}

	commandID, err := api.CreateServer(ctx, provider.ServerParams{
		Name:        vmName,
		Password:    req.Password,
		Datacenter:  req.Tenant.Datacenter,
		DiskSrc0:    req.ImageID,
		DiskSize0:   req.DiskGB,
		CPU:         req.CPU,
		RAM:         req.RAMMB,
		NetworkName: network,
		NetworkIP:   "auto",
		Billing:     "hourly",
		Traffic:     trafficID,
		PowerOn:     true,
	})
	if err != nil {
		return model.Desktop{}, fmt.Errorf("provision: create server: %w", err)
	}

	desktop, err := s.store.AddDesktop(model.Desktop{
		TenantID:     req.Tenant.ID,
		UserID:       req.UserID,
		ServerID:     strconv.Itoa(commandID),
		DisplayName:  req.DisplayName,
		CurrentState: model.StateProvisioning,
		CPU:          req.CPU,
		RAMMB:        req.RAMMB,
		DiskGB:       req.DiskGB,
		IsActive:     true,
	})
	if err != nil {
		return model.Desktop{}, err
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.tasks[desktop.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.tasks, desktop.ID)
			s.mu.Unlock()
			cancel()
		}()
		s.complete(taskCtx, api, desktop.ID, commandID, vmName, req.Password)
	}()

	logging.Infof("provision: desktop %s submitted as %s (command %d)", desktop.ID, vmName, commandID)
	return desktop, nil
}

// complete polls the creation command and finalizes the desktop record.
func (s *Supervisor) complete(ctx context.Context, api API, desktopID string, commandID int, vmName, password string) {
	if err := api.WaitForCommand(ctx, commandID, commandBudget); err != nil {
		logging.Errorf("provision: command %d for desktop %s failed: %v", commandID, desktopID, err)
		s.fail(desktopID, err)
		return
	}

	// The command completing only proves creation finished; resolve the
	// real server identity by its deterministic name.
	serverID := strconv.Itoa(commandID)
	var privateIP string
	if info, err := api.FindServerByName(ctx, vmName); err != nil {
		logging.Warnf("provision: could not resolve server %s by name: %v", vmName, err)
	} else if info != nil {
		serverID = info.ID
		privateIP = info.FirstIP()
	}
	if privateIP == "" {
		if full, err := api.GetServer(ctx, serverID); err == nil {
			privateIP = full.FirstIP()
		}
	}

	if err := s.store.AdoptServerIdentity(desktopID, serverID, privateIP); err != nil {
		logging.Errorf("provision: adopt identity for %s: %v", desktopID, err)
		s.fail(desktopID, err)
		return
	}

	if password != "" && s.sealer != nil {
		if sealed, err := s.sealer.Seal(password); err != nil {
			logging.Errorf("provision: seal RDP credential for %s: %v", desktopID, err)
		} else if err := s.store.UpdateDesktopCredentials(desktopID, "Administrator", sealed); err != nil {
			logging.Errorf("provision: store RDP credential for %s: %v", desktopID, err)
		}
	}

	if err := s.store.UpdateDesktopState(desktopID, model.StateOn, time.Now().UTC()); err != nil {
		logging.Errorf("provision: final state for %s: %v", desktopID, err)
		return
	}
	_ = s.store.LogAction("PROVISION_COMPLETE", "desktop: "+desktopID+" server: "+serverID)
	logging.Infof("provision: desktop %s ready (server %s, ip %s)", desktopID, serverID, privateIP)
}

func (s *Supervisor) fail(desktopID string, cause error) {
	if err := s.store.UpdateDesktopState(desktopID, model.StateError, time.Now().UTC()); err != nil {
		logging.Errorf("provision: mark desktop %s failed: %v", desktopID, err)
	}
	_ = s.store.LogAction("PROVISION_FAILED", "desktop: "+desktopID+" cause: "+cause.Error())
}

// Cancel aborts the completion task of a desktop, used when the desktop is
// deleted while still provisioning. Unknown IDs are a no-op.
func (s *Supervisor) Cancel(desktopID string) {
	s.mu.Lock()
	cancel, ok := s.tasks[desktopID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until every in-flight task has finished on its own.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown cancels every in-flight task and waits for them to finish.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	for _, cancel := range s.tasks {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
