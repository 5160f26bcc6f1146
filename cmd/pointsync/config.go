package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/pointsync/pkg/pointsclient"
)

// cliConfig is the YAML config file; flags override each field.
type cliConfig struct {
	Server         string        `yaml:"server"`
	Password       string        `yaml:"password,omitempty"`
	Session        string        `yaml:"session,omitempty"`
	Timeout        time.Duration `yaml:"timeout"`
	QueueDir       string        `yaml:"queueDir,omitempty"`
	ResyncInterval time.Duration `yaml:"resyncInterval"`
	LogLevel       string        `yaml:"logLevel"`
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		Server:         "http://localhost:8080",
		Timeout:        pointsclient.DefaultTimeout,
		ResyncInterval: 2 * time.Minute,
		LogLevel:       "warn",
	}
}

// defaultConfigPath is ~/.pointsync/config.yaml, or empty when the home
// directory is unknown.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pointsync", "config.yaml")
}

// loadCLIConfig reads path over the defaults. A missing file is only an
// error when the path was given explicitly.
func loadCLIConfig(path string, explicit bool) (cliConfig, error) {
	cfg := defaultCLIConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags overrides cfg with every flag the user set.
func applyFlags(cmd *cobra.Command, cfg *cliConfig) error {
	flags := cmd.Flags()
	var err error
	if flags.Changed("server") {
		cfg.Server, err = flags.GetString("server")
		if err != nil {
			return err
		}
	}
	if flags.Changed("password") {
		cfg.Password, err = flags.GetString("password")
		if err != nil {
			return err
		}
	}
	if flags.Changed("session") {
		cfg.Session, err = flags.GetString("session")
		if err != nil {
			return err
		}
	}
	if flags.Changed("timeout") {
		cfg.Timeout, err = flags.GetDuration("timeout")
		if err != nil {
			return err
		}
	}
	if flags.Changed("queue-dir") {
		cfg.QueueDir, err = flags.GetString("queue-dir")
		if err != nil {
			return err
		}
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, err = flags.GetString("log-level")
		if err != nil {
			return err
		}
	}
	if env := os.Getenv("POINTSYNC_PASSWORD"); env != "" && !flags.Changed("password") {
		cfg.Password = env
	}
	return nil
}

func (c cliConfig) validate() error {
	if c.Server == "" {
		return errors.New("server URL is required")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}
