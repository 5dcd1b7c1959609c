// Package config parses server configuration from the environment and flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds livesockd configuration. Flags override environment values.
type Config struct {
	Addr          string `env:"LIVESOCK_ADDR"           envDefault:":8080"`
	Path          string `env:"LIVESOCK_PATH"           envDefault:"/ws"`
	Origin        string `env:"LIVESOCK_ORIGIN"         envDefault:"https://localhost"`
	LocalDev      bool   `env:"LIVESOCK_LOCAL_DEV"      envDefault:"false"`
	AllowInsecure bool   `env:"LIVESOCK_ALLOW_INSECURE" envDefault:"false"`
	TrustProxy    bool   `env:"LIVESOCK_TRUST_PROXY"    envDefault:"false"`

	TokenSecret  string `env:"LIVESOCK_TOKEN_SECRET"`
	TokenIssuer  string `env:"LIVESOCK_TOKEN_ISSUER"`
	TokenCookie  string `env:"LIVESOCK_TOKEN_COOKIE"  envDefault:"session"`
	DeviceCookie string `env:"LIVESOCK_DEVICE_COOKIE" envDefault:"device"`

	MaxConnsPerIP       int           `env:"LIVESOCK_MAX_CONNS_PER_IP"     envDefault:"10"`
	MaxConnsPerMember   int           `env:"LIVESOCK_MAX_CONNS_PER_MEMBER" envDefault:"5"`
	EchoDeadline        time.Duration `env:"LIVESOCK_ECHO_DEADLINE"        envDefault:"5s"`
	InactivityInterval  time.Duration `env:"LIVESOCK_INACTIVITY_INTERVAL"  envDefault:"10s"`
	ConnectionLifetime  time.Duration `env:"LIVESOCK_CONNECTION_LIFETIME"  envDefault:"15m"`
	NoSubscriptionGrace time.Duration `env:"LIVESOCK_NO_SUBSCRIPTION_GRACE" envDefault:"10s"`

	RateLimit float64 `env:"LIVESOCK_RATE_LIMIT" envDefault:"100"`
	RateBurst int     `env:"LIVESOCK_RATE_BURST" envDefault:"200"`

	LogLevel  string `env:"LIVESOCK_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LIVESOCK_LOG_FORMAT" envDefault:"console"`

	ShutdownTimeout time.Duration `env:"LIVESOCK_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// ParseEnv loads environment values into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Parse loads the environment and then applies flags from args.
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Path, "path", cfg.Path, "WebSocket endpoint path")
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "application origin allowed to connect")
	fs.BoolVar(&cfg.LocalDev, "local-dev", cfg.LocalDev, "accept any origin")
	fs.BoolVar(&cfg.AllowInsecure, "allow-insecure", cfg.AllowInsecure, "accept plain ws:// connections")
	fs.BoolVar(&cfg.TrustProxy, "trust-proxy", cfg.TrustProxy, "honour X-Forwarded-Proto and X-Forwarded-For")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "HMAC secret for identity tokens")
	fs.StringVar(&cfg.TokenIssuer, "token-issuer", cfg.TokenIssuer, "required identity token issuer")
	fs.IntVar(&cfg.MaxConnsPerIP, "max-conns-per-ip", cfg.MaxConnsPerIP, "concurrent connections per client IP")
	fs.IntVar(&cfg.MaxConnsPerMember, "max-conns-per-member", cfg.MaxConnsPerMember, "concurrent connections per signed-in member")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("addr %q: %w", c.Addr, err)
	}
	if c.Path == "" || c.Path[0] != '/' {
		return fmt.Errorf("path %q: must start with /", c.Path)
	}
	if !c.LocalDev && c.Origin == "" {
		return errors.New("origin is required outside local-dev mode")
	}
	if c.MaxConnsPerIP <= 0 || c.MaxConnsPerMember <= 0 {
		return errors.New("connection limits must be positive")
	}
	for name, d := range map[string]time.Duration{
		"echo deadline":         c.EchoDeadline,
		"inactivity interval":   c.InactivityInterval,
		"connection lifetime":   c.ConnectionLifetime,
		"no-subscription grace": c.NoSubscriptionGrace,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.New("rate limit must not be negative")
	}
	return nil
}
