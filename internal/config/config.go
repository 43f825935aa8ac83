// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads and writes the VDIMaster configuration file.
// Configuration is resolved from flags, environment variables (prefix
// VDIMASTER_) and vdimaster.yaml in the usual locations, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Database holds the store backend selection.
type Database struct {
	Type string `mapstructure:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

// Provider holds process-wide defaults for the cloud provider API. Tenants
// can carry their own endpoint and credentials; these are the fallbacks.
type Provider struct {
	APIURL   string `mapstructure:"api_url" yaml:"api_url"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	Secret   string `mapstructure:"secret" yaml:"secret"`
}

// Relay configures the ephemeral TCP relay manager.
type Relay struct {
	PortMin            int    `mapstructure:"port_min" yaml:"port_min"`
	PortMax            int    `mapstructure:"port_max" yaml:"port_max"`
	PublicHost         string `mapstructure:"public_host" yaml:"public_host"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
}

// Scheduler configures the periodic eviction pass.
type Scheduler struct {
	IntervalMinutes int `mapstructure:"interval_minutes" yaml:"interval_minutes"`
}

// Config is the root configuration for VDIMaster.
type Config struct {
	Database  Database  `mapstructure:"database" yaml:"database"`
	Provider  Provider  `mapstructure:"provider" yaml:"provider"`
	Relay     Relay     `mapstructure:"relay" yaml:"relay"`
	Scheduler Scheduler `mapstructure:"scheduler" yaml:"scheduler"`
	// SealKey is the base64 key used to seal stored secrets (provider
	// secrets, RDP credentials). Opaque to the core.
	SealKey  string `mapstructure:"seal_key" yaml:"seal_key"`
	Language string `mapstructure:"language" yaml:"language"`
	Debug    bool   `mapstructure:"debug" yaml:"debug"`
}

// GetConfigPath returns the full path for the configuration file.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "VDIMaster")
		default: // Linux, macOS, etc.
			configDir = "/etc/vdimaster"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "vdimaster")
	}

	return filepath.Join(configDir, "vdimaster.yaml"), nil
}

// LoadConfig resolves the configuration for a command. Defaults are applied
// first, then the config file, then environment variables, then flags.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, additionalConfigFilePath *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("vdimaster")
	v.SetConfigType("yaml")

	// An explicit --config flag has the highest precedence for file-based
	// configuration.
	if additionalConfigFilePath != nil {
		v.SetConfigFile(*additionalConfigFilePath)
	}

	if userConfigPath, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, anything else is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, err
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("vdimaster")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}

	return c, nil
}

// WriteConfigFile persists the configuration to the user or system config
// location.
func WriteConfigFile[T any](c *T, system bool) error {
	path, err := GetConfigPath(system)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	// 0600: the file may contain secrets.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}

	return nil
}
