package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadFromEnvAppliesDefaults(t *testing.T) {
	os.Unsetenv("ROON_PORT")
	os.Unsetenv("ROON_TIMEOUT")
	os.Setenv("ROON_HOST", "192.168.1.10")
	t.Cleanup(func() { os.Unsetenv("ROON_HOST") })

	c, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if c.Host != "192.168.1.10" {
		t.Errorf("Host = %q", c.Host)
	}
	if c.Port != 9330 {
		t.Errorf("Port = %d, want default 9330", c.Port)
	}
	if c.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want default 30s", c.Timeout)
	}
	if !c.AutoReconnect {
		t.Error("AutoReconnect default should be true")
	}
}

func TestValidateRequiresHost(t *testing.T) {
	c := &Config{Port: 9330}
	if err := c.Validate(); err == nil {
		t.Error("expected error for missing Host")
	}

	c.Host = "core.local"
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
