package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models klawfield.yml.
type Config struct {
	Server struct {
		Port     int    `yaml:"port"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret        string   `yaml:"jwt_secret"`
		TokenTTLHours    int      `yaml:"token_ttl_hours"`
		AdminEmails      []string `yaml:"admin_emails"`
		AdminDisplayName string   `yaml:"admin_display_name"`
	} `yaml:"auth"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	RateLimits struct {
		RegisterPerMinute    int `yaml:"register_per_minute"`
		LoginPerMinute       int `yaml:"login_per_minute"`
		StorySubmitPerMinute int `yaml:"story_submit_per_minute"`
		ProofSubmitPerMinute int `yaml:"proof_submit_per_minute"`
	} `yaml:"rate_limits"`
	Webhooks []Webhook `yaml:"webhooks"`

	adminSet map[string]struct{}
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "klawfield.yml")
}

// Default returns a config with every knob at its baseline value.
func Default() *Config {
	var cfg Config
	cfg.Server.Port = 8787
	cfg.Server.BasePath = "/v1"
	cfg.Auth.TokenTTLHours = 24
	cfg.Auth.AdminDisplayName = "Lobstar"
	cfg.RateLimits.RegisterPerMinute = 5
	cfg.RateLimits.LoginPerMinute = 10
	cfg.RateLimits.StorySubmitPerMinute = 8
	cfg.RateLimits.ProofSubmitPerMinute = 12
	return &cfg
}

// Load reads klawfield.yml from the workspace, falling back to defaults when
// the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Missing fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate checks ranges and normalizes the admin allow-list.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port must be in 1-65535")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Auth.TokenTTLHours <= 0 {
		return fmt.Errorf("config.auth.token_ttl_hours must be positive")
	}
	for _, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.webhooks contains entry without url")
		}
	}
	c.adminSet = make(map[string]struct{}, len(c.Auth.AdminEmails))
	for _, email := range c.Auth.AdminEmails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		c.adminSet[email] = struct{}{}
	}
	return nil
}

// IsAdminEmail checks the allow-list, case-insensitively.
func (c *Config) IsAdminEmail(email string) bool {
	if c.adminSet == nil {
		_ = c.Validate()
	}
	_, ok := c.adminSet[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// TokenTTL returns the session lifetime as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLHours) * time.Hour
}

// GenerateDefault returns default config YAML for bootstrapping a workspace.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  port: 8787
  base_path: /v1

auth:
  jwt_secret: ""
  token_ttl_hours: 24
  admin_emails: []
  admin_display_name: Lobstar

redis:
  addr: ""
  password: ""
  db: 0

rate_limits:
  register_per_minute: 5
  login_per_minute: 10
  story_submit_per_minute: 8
  proof_submit_per_minute: 12

webhooks: []
`
