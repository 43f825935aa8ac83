// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cfg "github.com/toeirei/vdimaster/internal/config"
)

func resetViper() {
	viper.Reset()
}

func TestLoadConfig_DefaultsApplied(t *testing.T) {
	tmp := t.TempDir()
	os.Setenv("XDG_CONFIG_HOME", tmp)
	defer os.Unsetenv("XDG_CONFIG_HOME")
	wd, _ := os.Getwd()
	if err := os.Chdir(tmp); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer func() { _ = os.Chdir(wd) }()

	resetViper()
	defer resetViper()

	defaults := map[string]any{
		"database.type":              "sqlite",
		"database.dsn":               "./vdimaster.db",
		"relay.port_min":             33890,
		"relay.port_max":             33990,
		"scheduler.interval_minutes": 5,
		"language":                   "en",
	}
	c, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, defaults, nil)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.Database.Type != "sqlite" {
		t.Errorf("database.type = %q", c.Database.Type)
	}
	if c.Relay.PortMin != 33890 || c.Relay.PortMax != 33990 {
		t.Errorf("relay range = %d-%d", c.Relay.PortMin, c.Relay.PortMax)
	}
	if c.Scheduler.IntervalMinutes != 5 {
		t.Errorf("scheduler interval = %d", c.Scheduler.IntervalMinutes)
	}
}

func TestLoadConfig_ExplicitFileOverridesDefaults(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "override.yaml")
	content := "database:\n  type: postgres\n  dsn: postgres://vdim@localhost/vdim\nrelay:\n  port_min: 40000\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	resetViper()
	defer resetViper()

	defaults := map[string]any{"database.type": "sqlite", "relay.port_min": 33890}
	c, err := cfg.LoadConfig[cfg.Config](&cobra.Command{}, defaults, &path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.Database.Type != "postgres" {
		t.Errorf("database.type = %q, want postgres", c.Database.Type)
	}
	if c.Relay.PortMin != 40000 {
		t.Errorf("relay.port_min = %d, want 40000", c.Relay.PortMin)
	}
}

func TestWriteConfigFile_CreatesFile(t *testing.T) {
	tmp := t.TempDir()
	os.Setenv("XDG_CONFIG_HOME", tmp)
	defer os.Unsetenv("XDG_CONFIG_HOME")

	resetViper()
	defer resetViper()

	c := cfg.Config{}
	c.Database.Type = "sqlite"
	c.Database.DSN = "./vdimaster.db"
	c.Language = "en"

	if err := cfg.WriteConfigFile(&c, false); err != nil {
		t.Fatalf("WriteConfigFile failed: %v", err)
	}

	path, err := cfg.GetConfigPath(false)
	if err != nil {
		t.Fatalf("GetConfigPath failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file missing: %v", err)
	}
}
