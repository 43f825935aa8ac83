// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for VDIMaster using Cobra. It
// defines the root command, the long-running scheduler, and the admin
// subcommands (tenant/desktop/session management, backup, audit).

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"github.com/toeirei/vdimaster/internal/broker"
	"github.com/toeirei/vdimaster/internal/config"
	"github.com/toeirei/vdimaster/internal/db"
	"github.com/toeirei/vdimaster/internal/i18n"
	"github.com/toeirei/vdimaster/internal/logging"
	"github.com/toeirei/vdimaster/internal/model"
	"github.com/toeirei/vdimaster/internal/power"
	"github.com/toeirei/vdimaster/internal/provider"
	"github.com/toeirei/vdimaster/internal/relay"
	"github.com/toeirei/vdimaster/internal/scheduler"
	"github.com/toeirei/vdimaster/internal/secret"
	"golang.org/x/term"
)

var version = "dev" // set by the linker
var cfgFile string
var cfg config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		// The error is already printed by Cobra on failure.
		os.Exit(1)
	}
}

var rootCmd *cobra.Command

func init() {
	rootCmd = newRootCmd()
}

// configDefaults are applied when neither config file, environment, nor
// flags set a value.
func configDefaults() map[string]any {
	return map[string]any{
		"database.type":              "sqlite",
		"database.dsn":               "./vdimaster.db",
		"language":                   "en",
		"relay.port_min":             relay.DefaultPortMin,
		"relay.port_max":             relay.DefaultPortMax,
		"relay.idle_timeout_seconds": int(relay.DefaultIdleTimeout.Seconds()),
		"scheduler.interval_minutes": int(scheduler.DefaultInterval.Minutes()),
	}
}

// newRootCmd creates and configures a new root cobra command. Fresh
// instances are also used for isolated testing.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vdimaster",
		Short: "VDIMaster brokers remote-desktop sessions to cloud VMs.",
		Long: `VDIMaster provisions Windows VMs through a cloud provider, tracks who
is assigned to which desktop, powers machines on and off to control
cost, and routes RDP sessions to them while enforcing idle and
maximum-duration limits.

The 'scheduler' subcommand runs the long-lived eviction loop; the other
subcommands administer tenants, desktops and sessions.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var extra *string
			if cfgFile != "" {
				extra = &cfgFile
			}
			c, err := config.LoadConfig[config.Config](cmd, configDefaults(), extra)
			if err != nil {
				return fmt.Errorf(i18n.T("config.error_load"), err)
			}
			cfg = c

			i18n.Init(cfg.Language)
			logging.SetDebug(cfg.Debug)
			db.SetDebug(cfg.Debug)
			if err := db.InitDB(cfg.Database.Type, cfg.Database.DSN); err != nil {
				return fmt.Errorf(i18n.T("config.error_init_db"), err)
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.AddCommand(schedulerCmd)
	cmd.AddCommand(sweepCmd)
	cmd.AddCommand(newTenantCmd())
	cmd.AddCommand(newDesktopCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(backupCmd)
	cmd.AddCommand(auditCmd)
	cmd.AddCommand(maintenanceCmd)
	cmd.AddCommand(genKeyCmd)

	cmd.Version = version

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the user or system vdimaster.yaml)")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	return cmd
}

// newSealer builds the secret sealer from the configured key. Commands that
// store secrets require it.
func newSealer() (*secret.Sealer, error) {
	if cfg.SealKey == "" {
		return nil, errors.New("seal_key is not configured; generate one with 'vdimaster genkey'")
	}
	return secret.NewSealer(cfg.SealKey)
}

// optionalSealer returns the sealer when a key is configured, nil otherwise.
// Read paths work without one as long as no tenant carries sealed secrets.
func optionalSealer() *secret.Sealer {
	if cfg.SealKey == "" {
		return nil
	}
	s, err := secret.NewSealer(cfg.SealKey)
	if err != nil {
		log.Fatalf("seal_key: %v", err)
	}
	return s
}

// catalogCache is shared by every provider client in the process so tenants
// on the same endpoint and credentials reuse catalog entries.
var catalogCache = provider.NewCache(provider.DefaultCatalogTTL)

// providerClientFor builds a provider client for one tenant, falling back to
// the process-wide provider settings where the tenant carries none of its own.
func providerClientFor(sealer *secret.Sealer, t model.Tenant) (*provider.Client, error) {
	apiURL := t.APIURL
	if apiURL == "" {
		apiURL = cfg.Provider.APIURL
	}
	clientID := t.ClientID
	if clientID == "" {
		clientID = cfg.Provider.ClientID
	}
	apiSecret := cfg.Provider.Secret
	if t.SecretSealed != "" {
		if sealer == nil {
			return nil, fmt.Errorf("tenant %s has a sealed secret but no seal_key is configured", t.Slug)
		}
		s, err := sealer.Open(t.SecretSealed)
		if err != nil {
			return nil, fmt.Errorf("unseal provider secret for tenant %s: %w", t.Slug, err)
		}
		apiSecret = s
	}
	if apiURL == "" || clientID == "" || apiSecret == "" {
		return nil, fmt.Errorf("provider API not configured for tenant %s", t.Slug)
	}
	return provider.NewClient(apiURL, clientID, apiSecret, catalogCache), nil
}

// providerFactory adapts providerClientFor for the scheduler and broker.
func providerFactory(sealer *secret.Sealer) func(t model.Tenant) (power.API, error) {
	return func(t model.Tenant) (power.API, error) {
		return providerClientFor(sealer, t)
	}
}

func newRelayManager() *relay.Manager {
	runner := relay.ExecRunner{}
	return relay.NewManager(
		runner,
		relay.IptablesFilter{Runner: runner},
		cfg.Relay.PortMin,
		cfg.Relay.PortMax,
		time.Duration(cfg.Relay.IdleTimeoutSeconds)*time.Second,
	)
}

func newBroker(sealer *secret.Sealer) (*broker.Broker, *relay.Manager) {
	mgr := newRelayManager()
	return broker.New(db.Get(), mgr, providerFactory(sealer), cfg.Relay.PublicHost), mgr
}

// schedulerCmd runs the long-lived eviction loop.
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the periodic eviction scheduler",
	Long: `Runs the eviction loop: every pass reconciles desktop states against the
provider, suspends desktops whose sessions idled out or exceeded their
duration cap, and tears down the relays of evicted sessions.

Leftover relay processes and firewall rules from a previous crash are
swept up before the first pass.`,
	Run: func(cmd *cobra.Command, args []string) {
		sealer := optionalSealer()
		mgr := newRelayManager()
		killed, cleared := mgr.Sweep()
		logging.Infof(i18n.T("sweep.done"), killed, cleared)

		sched := scheduler.New(
			db.Get(),
			mgr,
			providerFactory(sealer),
			time.Duration(cfg.Scheduler.IntervalMinutes)*time.Minute,
		)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		sched.Run(ctx)
	},
}

// sweepCmd removes orphaned relays without starting the scheduler.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove leftover relay processes and firewall rules",
	Run: func(cmd *cobra.Command, args []string) {
		killed, cleared := newRelayManager().Sweep()
		fmt.Printf(i18n.T("sweep.done")+"\n", killed, cleared)
	},
}

// backupCmd dumps the whole database into a zstd-compressed JSON file.
var backupCmd = &cobra.Command{
	Use:   "backup [output-file]",
	Short: "Create a compressed (zstd) JSON backup of the database",
	Long: `Dumps the entire contents of the VDIMaster database (tenants, desktops,
sessions, audit log) into a single Zstandard-compressed JSON file.

If no output file is specified, a default filename
'vdimaster-backup-YYYY-MM-DD.json.zst' is used.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store := db.Get()
		data := model.BackupData{Version: 1, CreatedAt: time.Now().UTC()}

		var err error
		if data.Tenants, err = store.GetAllTenants(); err != nil {
			log.Fatalf("backup: %v", err)
		}
		if data.Desktops, err = store.GetAllDesktops(); err != nil {
			log.Fatalf("backup: %v", err)
		}
		if data.Sessions, err = store.GetAllSessions(); err != nil {
			log.Fatalf("backup: %v", err)
		}
		if data.AuditLog, err = store.GetAllAuditLogEntries(); err != nil {
			log.Fatalf("backup: %v", err)
		}

		filename := "vdimaster-backup-" + time.Now().Format("2006-01-02") + ".json.zst"
		if len(args) == 1 {
			filename = args[0]
			if !strings.HasSuffix(filename, ".zst") {
				filename += ".zst"
			}
		}

		file, err := os.Create(filename)
		if err != nil {
			log.Fatalf("backup: %v", err)
		}
		defer func() { _ = file.Close() }()

		zw, err := zstd.NewWriter(file)
		if err != nil {
			log.Fatalf("backup: %v", err)
		}
		if err := json.NewEncoder(zw).Encode(data); err != nil {
			log.Fatalf("backup: %v", err)
		}
		if err := zw.Close(); err != nil {
			log.Fatalf("backup: %v", err)
		}
		fmt.Printf(i18n.T("backup.done")+"\n", filename)
	},
}

// auditCmd prints the audit log, newest first.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit log",
	Run: func(cmd *cobra.Command, args []string) {
		entries, err := db.Get().GetAllAuditLogEntries()
		if err != nil {
			log.Fatalf("audit: %v", err)
		}
		for _, e := range entries {
			fmt.Printf("%s  %-24s %s\n", e.Timestamp, e.Action, e.Details)
		}
	},
}

// maintenanceCmd runs backend-specific database housekeeping.
var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run database maintenance (vacuum, optimize, integrity check)",
	Run: func(cmd *cobra.Command, args []string) {
		if err := db.RunDBMaintenance(cfg.Database.Type, cfg.Database.DSN); err != nil {
			log.Fatalf("maintenance: %v", err)
		}
	},
}

// genKeyCmd prints a fresh seal key for the config file.
var genKeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new seal key for encrypting stored secrets",
	Run: func(cmd *cobra.Command, args []string) {
		key, err := secret.NewKey()
		if err != nil {
			log.Fatalf("genkey: %v", err)
		}
		fmt.Println(key)
	},
}

// promptSecret reads a secret from the terminal without echo.
func promptSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()
	value, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	return string(value), nil
}
