// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/toeirei/vdimaster/internal/db"
	"github.com/toeirei/vdimaster/internal/i18n"
	"github.com/toeirei/vdimaster/internal/model"
	"github.com/toeirei/vdimaster/internal/power"
	"github.com/toeirei/vdimaster/internal/provision"
)

func newDesktopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "desktop",
		Short: "Manage desktop VMs",
	}
	cmd.AddCommand(newDesktopListCmd())
	cmd.AddCommand(newDesktopProvisionCmd())
	cmd.AddCommand(newDesktopImportCmd())
	cmd.AddCommand(desktopPowerCmd)
	cmd.AddCommand(newDesktopConnectCmd())
	cmd.AddCommand(desktopDisconnectCmd)
	cmd.AddCommand(newDesktopRDPFileCmd())
	cmd.AddCommand(desktopRetireCmd)
	return cmd
}

func newDesktopListCmd() *cobra.Command {
	var tenantSlug string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List desktops",
		Run: func(cmd *cobra.Command, args []string) {
			var desktops []model.Desktop
			var err error
			if tenantSlug != "" {
				t := mustTenant(tenantSlug)
				desktops, err = db.Get().GetDesktopsForTenant(t.ID)
			} else {
				desktops, err = db.Get().GetAllDesktops()
			}
			if err != nil {
				log.Fatalf("desktop list: %v", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tUSER\tSERVER\tSTATE\tPRIVATE IP\tACTIVE")
			for _, d := range desktops {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
					d.ID, d.DisplayName, d.UserID, d.ServerID,
					d.CurrentState, d.PrivateIP, d.IsActive)
			}
			_ = w.Flush()
		},
	}
	cmd.Flags().StringVar(&tenantSlug, "tenant", "", "restrict to one tenant")
	return cmd
}

func newDesktopProvisionCmd() *cobra.Command {
	var (
		userID  string
		image   string
		diskGB  int
		cpu     string
		ramMB   int
		network string
		noWait  bool
	)
	cmd := &cobra.Command{
		Use:   "provision <tenant-slug> <display-name>",
		Short: "Create a new desktop VM at the provider",
		Long: `Creates a new VM through the cloud provider and tracks it as a desktop.
The VM's administrator password is read interactively and stored sealed
for RDP file generation.

By default the command waits for the provider to finish building the VM;
with --no-wait it returns as soon as the creation is queued and the
scheduler's reconcile pass adopts the VM once it exists.`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			t := mustTenant(args[0])
			sealer, err := newSealer()
			if err != nil {
				log.Fatalf("desktop provision: %v", err)
			}
			api, err := providerClientFor(sealer, t)
			if err != nil {
				log.Fatalf("desktop provision: %v", err)
			}
			password, err := promptSecret("Administrator password: ")
			if err != nil {
				log.Fatalf("desktop provision: %v", err)
			}
			if password == "" {
				log.Fatalf("desktop provision: a password is required")
			}

			sup := provision.NewSupervisor(db.Get(), sealer)
			desk, err := sup.Start(context.Background(), api, provision.Request{
				Tenant:      t,
				UserID:      userID,
				DisplayName: args[1],
				Password:    password,
				ImageID:     image,
				DiskGB:      diskGB,
				CPU:         cpu,
				RAMMB:       ramMB,
				NetworkName: network,
			})
			if err != nil {
				log.Fatalf("desktop provision: %v", err)
			}
			fmt.Printf(i18n.T("desktop.provision_started")+"\n", desk.ID, desk.ServerID)
			if !noWait {
				sup.Wait()
				refreshed, err := db.Get().GetDesktop(desk.ID)
				if err != nil || refreshed == nil {
					log.Fatalf("desktop provision: %v", err)
				}
				if refreshed.CurrentState == model.StateError {
					log.Fatalf("desktop provision: VM creation failed, see audit log")
				}
				fmt.Printf(i18n.T("desktop.ready")+"\n", refreshed.ID)
			}
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "assign the desktop to this user")
	cmd.Flags().StringVar(&image, "image", "", "provider disk image id")
	cmd.Flags().IntVar(&diskGB, "disk", 40, "disk size in GB")
	cmd.Flags().StringVar(&cpu, "cpu", "2B", "provider CPU descriptor")
	cmd.Flags().IntVar(&ramMB, "ram", 4096, "RAM in MB")
	cmd.Flags().StringVar(&network, "network", "", "private network (defaults to the tenant's)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "do not wait for the provider to finish")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func newDesktopImportCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "import <tenant-slug> <server-id>",
		Short: "Adopt an existing provider VM as a desktop",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			t := mustTenant(args[0])
			api, err := providerClientFor(optionalSealer(), t)
			if err != nil {
				log.Fatalf("desktop import: %v", err)
			}
			srv, err := api.GetServer(context.Background(), args[1])
			if err != nil {
				log.Fatalf("desktop import: %v", err)
			}
			desk, err := db.Get().AddDesktop(model.Desktop{
				TenantID:     t.ID,
				UserID:       userID,
				ServerID:     srv.ID,
				DisplayName:  srv.Name,
				PrivateIP:    srv.FirstIP(),
				CurrentState: power.StateFromPower(srv.State()),
				CPU:          srv.CPU,
				RAMMB:        srv.RAMMB,
				DiskGB:       srv.DiskGB,
				IsActive:     true,
			})
			if err != nil {
				log.Fatalf("desktop import: %v", err)
			}
			fmt.Printf(i18n.T("desktop.imported")+"\n", srv.ID, desk.ID)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "assign the desktop to this user")
	return cmd
}

var desktopPowerCmd = &cobra.Command{
	Use:   "power <desktop-id> <suspend|resume|power_on|power_off|restart>",
	Short: "Execute a manual power action on a desktop",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		action := model.PowerAction(args[1])
		if !action.Valid() {
			log.Fatalf("desktop power: unknown action %q", args[1])
		}
		d, t := mustDesktop(args[0])
		api, err := providerClientFor(optionalSealer(), t)
		if err != nil {
			log.Fatalf("desktop power: %v", err)
		}
		state, err := power.Apply(context.Background(), api, d.ServerID, action)
		if uerr := db.Get().UpdateDesktopState(d.ID, state, time.Now().UTC()); uerr != nil {
			log.Fatalf("desktop power: %v", uerr)
		}
		if err != nil {
			log.Fatalf("desktop power: %v", err)
		}
		fmt.Printf(i18n.T("desktop.power_done")+"\n", action, state)
	},
}

func newDesktopConnectCmd() *cobra.Command {
	var (
		kind     string
		clientIP string
	)
	cmd := &cobra.Command{
		Use:   "connect <desktop-id> <user-id>",
		Short: "Start a session on a desktop, powering it on if needed",
		Long: `Starts (or resumes) a session for a user on their desktop. The VM is
powered on or resumed first when necessary. Gateway sessions are routed
through the remote-desktop gateway; native sessions get an ephemeral
TCP relay scoped to the client's IP address.`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			k := model.ConnectionKind(kind)
			if k != model.KindGateway && k != model.KindNative {
				log.Fatalf("desktop connect: unknown kind %q", kind)
			}
			if k == model.KindNative && clientIP == "" {
				log.Fatalf("desktop connect: --client-ip is required for native sessions")
			}
			b, _ := newBroker(optionalSealer())
			sess, err := b.Connect(context.Background(), args[0], args[1], k, clientIP)
			if err != nil {
				log.Fatalf(i18n.T("desktop.error_not_ready"), err)
			}
			fmt.Printf(i18n.T("desktop.ready")+"\n", sess.DesktopID)
			if sess.Native() {
				fmt.Printf(i18n.T("relay.opened")+"\n", sess.RelayPort, sess.RelayPID)
			}
			fmt.Printf("session %s\n", sess.ID)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(model.KindGateway), "connection kind: gateway or native")
	cmd.Flags().StringVar(&clientIP, "client-ip", "", "client address for native relay scoping")
	return cmd
}

var desktopDisconnectCmd = &cobra.Command{
	Use:   "disconnect <desktop-id> <user-id>",
	Short: "End the user's session on a desktop",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		b, _ := newBroker(optionalSealer())
		if err := b.Disconnect(context.Background(), args[0], args[1]); err != nil {
			log.Fatalf("desktop disconnect: %v", err)
		}
	},
}

func newDesktopRDPFileCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "rdp-file <desktop-id>",
		Short: "Print an .rdp connection file for a desktop",
		Long: `Prints an .rdp file pointing at the relay's public endpoint. Redirect to
a file and open it with any RDP client. The port must be the one
reported when the native session was opened.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			b, _ := newBroker(optionalSealer())
			content, err := b.RDPFile(args[0], port)
			if err != nil {
				log.Fatalf("desktop rdp-file: %v", err)
			}
			fmt.Print(content)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "relay port of the open native session")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}

var desktopRetireCmd = &cobra.Command{
	Use:   "retire <desktop-id>",
	Short: "Deactivate a desktop so it is no longer brokered",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		d, _ := mustDesktop(args[0])
		if err := db.Get().SetDesktopActive(d.ID, false); err != nil {
			log.Fatalf("desktop retire: %v", err)
		}
	},
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage sessions",
	}
	cmd.AddCommand(sessionListCmd)
	cmd.AddCommand(sessionEndCmd)
	cmd.AddCommand(sessionHeartbeatCmd)
	return cmd
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions",
	Run: func(cmd *cobra.Command, args []string) {
		sessions, err := db.Get().GetActiveSessions()
		if err != nil {
			log.Fatalf("session list: %v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tDESKTOP\tKIND\tSTARTED\tLAST HEARTBEAT\tRELAY")
		for _, s := range sessions {
			heartbeat := "-"
			if s.LastHeartbeat != nil {
				heartbeat = s.LastHeartbeat.Format(time.RFC3339)
			}
			relayCol := "-"
			if s.Native() {
				relayCol = strconv.Itoa(s.RelayPort)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.UserID, s.DesktopID, s.Kind,
				s.StartedAt.Format(time.RFC3339), heartbeat, relayCol)
		}
		_ = w.Flush()
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <session-id> [reason]",
	Short: "Terminate a session (default reason: admin_terminate)",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		reason := model.EndAdminTerminate
		if len(args) == 2 {
			reason = model.EndReason(args[1])
			switch reason {
			case model.EndUserDisconnect, model.EndIdleTimeout, model.EndMaxDuration,
				model.EndAdminTerminate, model.EndError:
			default:
				log.Fatalf("session end: unknown reason %q", args[1])
			}
		}
		b, _ := newBroker(optionalSealer())
		if err := b.EndSession(context.Background(), args[0], reason); err != nil {
			log.Fatalf("session end: %v", err)
		}
		fmt.Printf(i18n.T("session.ended")+"\n", args[0], reason)
	},
}

var sessionHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <session-id>",
	Short: "Record activity on a session, deferring idle eviction",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		b, _ := newBroker(optionalSealer())
		if err := b.Heartbeat(args[0]); err != nil {
			log.Fatalf("session heartbeat: %v", err)
		}
		fmt.Printf(i18n.T("session.heartbeat_recorded")+"\n", args[0])
	},
}

// mustDesktop resolves a desktop id together with its tenant, or exits.
func mustDesktop(id string) (model.Desktop, model.Tenant) {
	d, err := db.Get().GetDesktop(id)
	if err != nil {
		log.Fatalf("desktop lookup: %v", err)
	}
	if d == nil {
		log.Fatalf(i18n.T("desktop.error_not_found"), id)
	}
	t, err := db.Get().GetTenant(d.TenantID)
	if err != nil {
		log.Fatalf("tenant lookup: %v", err)
	}
	if t == nil {
		log.Fatalf(i18n.T("tenant.error_not_found"), d.TenantID)
	}
	return *d, *t
}
