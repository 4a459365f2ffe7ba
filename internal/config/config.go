// Package config loads environment-based configuration for the client
// and relay binaries.
package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for ghostchat.
type Config struct {
	// Relay server address the client connects to, host[:port].
	RelayHost string `env:"GHOSTCHAT_RELAY_HOST" envDefault:"localhost:8420"`

	// Insecure disables TLS for the relay connection (local development).
	Insecure bool `env:"GHOSTCHAT_INSECURE" envDefault:"false"`

	// Passphrase that unlocks the hidden chat surface. The room id is
	// derived from it, so clients sharing a passphrase converge on the
	// same room. Required for the client.
	Passphrase string `env:"GHOSTCHAT_PASSPHRASE"`

	// UnlockGesture is the secret key combination that toggles the decoy
	// screen. TapCount/TapWindowMs configure the hidden rapid-click
	// alternative.
	UnlockGesture string `env:"GHOSTCHAT_UNLOCK_GESTURE" envDefault:"ctrl+shift+g"`
	TapCount      int    `env:"GHOSTCHAT_TAP_COUNT" envDefault:"3"`
	TapWindowMs   int    `env:"GHOSTCHAT_TAP_WINDOW_MS" envDefault:"1500"`

	// Local runs the client against an in-process store instead of the
	// relay. Useful for demos and offline smoke testing.
	Local bool `env:"GHOSTCHAT_LOCAL" envDefault:"false"`

	// Relay server settings.
	ListenAddr string `env:"GHOSTCHAT_LISTEN_ADDR" envDefault:":8420"`
	DBPath     string `env:"GHOSTCHAT_DB_PATH" envDefault:"ghostchat.db"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file carries the chat passphrase,
// so group or world readable modes expose it to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// ValidateClient checks the settings the chat client requires.
func (c *Config) ValidateClient() error {
	if strings.TrimSpace(c.Passphrase) == "" {
		return fmt.Errorf("GHOSTCHAT_PASSPHRASE is required")
	}

	if !c.Local && c.RelayHost == "" {
		return fmt.Errorf("GHOSTCHAT_RELAY_HOST is required unless GHOSTCHAT_LOCAL is set")
	}

	if c.TapCount < 2 {
		return fmt.Errorf("GHOSTCHAT_TAP_COUNT must be at least 2, got %d", c.TapCount)
	}

	if c.TapWindowMs <= 0 {
		return fmt.Errorf("GHOSTCHAT_TAP_WINDOW_MS must be positive, got %d", c.TapWindowMs)
	}

	return nil
}

// ValidateServer checks the settings the relay server requires.
func (c *Config) ValidateServer() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("GHOSTCHAT_LISTEN_ADDR is required")
	}

	if c.DBPath == "" {
		return fmt.Errorf("GHOSTCHAT_DB_PATH is required")
	}

	return nil
}
