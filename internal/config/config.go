// ABOUTME: Connection configuration loaded from the environment
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the recognized connection options.
type Config struct {
	Host           string        `envconfig:"ROON_HOST"`
	Port           int           `envconfig:"ROON_PORT" default:"9330"`
	ExtensionID    string        `envconfig:"ROON_EXTENSION_ID"`
	DisplayName    string        `envconfig:"ROON_DISPLAY_NAME" default:"Roon Go Extension"`
	DisplayVersion string        `envconfig:"ROON_DISPLAY_VERSION" default:"1.0.0"`
	Publisher      string        `envconfig:"ROON_PUBLISHER"`
	Email          string        `envconfig:"ROON_EMAIL"`
	Token          string        `envconfig:"ROON_TOKEN"`
	Timeout        time.Duration `envconfig:"ROON_TIMEOUT" default:"30s"`
	AutoReconnect  bool          `envconfig:"ROON_AUTO_RECONNECT" default:"true"`
	BackoffInitial time.Duration `envconfig:"ROON_BACKOFF_INITIAL" default:"1s"`
	BackoffMax     time.Duration `envconfig:"ROON_BACKOFF_MAX" default:"60s"`
	StateFile      string        `envconfig:"ROON_STATE_FILE" default:"roon-state.yaml"`
}

// LoadDotEnv loads a .env file from the working directory if present. A
// missing file is not an error — most deployments set real environment
// variables instead.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// LoadFromEnv reads Config from the process environment, applying
// defaults for unset fields.
func LoadFromEnv() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

// Validate checks that the fields required to open a connection are
// present.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: ROON_HOST is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("config: ROON_PORT must be positive")
	}
	return nil
}
