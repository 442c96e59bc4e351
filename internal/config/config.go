package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/portal-session/internal/state"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends for SESSION_STORE.
const (
	StoreBolt   = "bolt"
	StoreMemory = "memory"
)

// Config holds all environment-based configuration for portal-session.
type Config struct {
	// Identity service base URL.
	APIURL         string        `env:"PORTAL_API_URL" envDefault:"https://spring-boot-jobportal-system-devops-2.onrender.com"`
	RequestTimeout time.Duration `env:"PORTAL_REQUEST_TIMEOUT" envDefault:"30s"`

	// Where the session token lives. StatePath defaults to
	// ~/.portal-session/state.db.
	Store     string `env:"SESSION_STORE" envDefault:"bolt"`
	StatePath string `env:"SESSION_STATE_PATH"`

	// Optional HS256 key. When empty tokens are decoded without
	// signature verification.
	VerifySecret string `env:"SESSION_VERIFY_SECRET"`

	// YAML route table. The built-in table is used when empty.
	RoutesFile string `env:"ROUTES_FILE"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8095"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Optional credentials for non-interactive CLI login.
	Email    string `env:"PORTAL_EMAIL"`
	Password string `env:"PORTAL_PASSWORD"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. It may hold the portal password.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
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

	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.Store == StoreBolt {
		if cfg.StatePath == "" {
			p, err := state.DefaultPath()
			if err != nil {
				return nil, err
			}

			cfg.StatePath = p
		}

		absPath, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = absPath
	}

	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("PORTAL_API_URL must be an absolute http(s) URL, got %q", c.APIURL)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("PORTAL_REQUEST_TIMEOUT must be positive")
	}

	switch c.Store {
	case StoreBolt, StoreMemory:
	default:
		return fmt.Errorf("SESSION_STORE must be %q or %q, got %q", StoreBolt, StoreMemory, c.Store)
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("LISTEN_ADDR %q: %w", c.ListenAddr, err)
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// HasCredentials reports whether both PORTAL_EMAIL and PORTAL_PASSWORD
// are set.
func (c *Config) HasCredentials() bool {
	return c.Email != "" && c.Password != ""
}

// IsLoopback reports whether LISTEN_ADDR binds only the loopback
// interface. An empty host binds every interface.
func (c *Config) IsLoopback() bool {
	host, _, err := net.SplitHostPort(c.ListenAddr)
	if err != nil || host == "" {
		return false
	}

	if strings.EqualFold(host, "localhost") {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}
