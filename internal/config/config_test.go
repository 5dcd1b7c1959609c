package config

import (
	"flag"
	"testing"
	"time"
)

// TestParseDefaults tests the documented defaults
func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(flag.NewFlagSet("livesockd", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Addr != ":8080" || cfg.Path != "/ws" {
		t.Errorf("Addr, Path = %s, %s", cfg.Addr, cfg.Path)
	}
	if cfg.MaxConnsPerIP != 10 || cfg.MaxConnsPerMember != 5 {
		t.Errorf("limits = %d, %d, want 10, 5", cfg.MaxConnsPerIP, cfg.MaxConnsPerMember)
	}
	if cfg.EchoDeadline != 5*time.Second || cfg.ConnectionLifetime != 15*time.Minute {
		t.Errorf("EchoDeadline, ConnectionLifetime = %v, %v", cfg.EchoDeadline, cfg.ConnectionLifetime)
	}
	if cfg.InactivityInterval != 10*time.Second || cfg.NoSubscriptionGrace != 10*time.Second {
		t.Errorf("InactivityInterval, NoSubscriptionGrace = %v, %v", cfg.InactivityInterval, cfg.NoSubscriptionGrace)
	}
	if cfg.TokenCookie != "session" || cfg.DeviceCookie != "device" {
		t.Errorf("cookies = %s, %s", cfg.TokenCookie, cfg.DeviceCookie)
	}
}

// TestParseFlagsOverrideEnv tests precedence of flags over the environment
func TestParseFlagsOverrideEnv(t *testing.T) {
	t.Setenv("LIVESOCK_ADDR", "127.0.0.1:9000")
	t.Setenv("LIVESOCK_ORIGIN", "https://env.example.com")
	t.Setenv("LIVESOCK_ECHO_DEADLINE", "2s")

	cfg, err := Parse(flag.NewFlagSet("livesockd", flag.ContinueOnError), []string{"-addr", "127.0.0.1:9100", "-local-dev"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Addr != "127.0.0.1:9100" {
		t.Errorf("Addr = %s, want flag value", cfg.Addr)
	}
	if cfg.Origin != "https://env.example.com" {
		t.Errorf("Origin = %s, want env value", cfg.Origin)
	}
	if cfg.EchoDeadline != 2*time.Second {
		t.Errorf("EchoDeadline = %v, want 2s", cfg.EchoDeadline)
	}
	if !cfg.LocalDev {
		t.Error("LocalDev = false, want true")
	}
}

// TestParseEnvError tests that malformed environment values are reported
func TestParseEnvError(t *testing.T) {
	t.Setenv("LIVESOCK_MAX_CONNS_PER_IP", "many")

	if _, err := Parse(flag.NewFlagSet("livesockd", flag.ContinueOnError), nil); err == nil {
		t.Error("Parse() error = nil, want parse failure")
	}
}

// TestValidate tests rejection of invalid settings
func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Addr:                ":8080",
			Path:                "/ws",
			Origin:              "https://localhost",
			MaxConnsPerIP:       10,
			MaxConnsPerMember:   5,
			EchoDeadline:        5 * time.Second,
			InactivityInterval:  10 * time.Second,
			ConnectionLifetime:  15 * time.Minute,
			NoSubscriptionGrace: 10 * time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"bad addr", func(c *Config) { c.Addr = "8080" }, true},
		{"relative path", func(c *Config) { c.Path = "ws" }, true},
		{"missing origin", func(c *Config) { c.Origin = "" }, true},
		{"missing origin in local dev", func(c *Config) { c.Origin = ""; c.LocalDev = true }, false},
		{"zero limit", func(c *Config) { c.MaxConnsPerIP = 0 }, true},
		{"zero deadline", func(c *Config) { c.EchoDeadline = 0 }, true},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
