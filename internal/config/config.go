package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/horsyncd/internal/registry"
)

// Policy defines how a sync pass reacts to a failing project
type Policy string

const (
	// PolicyFailFast stops the pass at the first failing project
	PolicyFailFast Policy = "fail-fast"
	// PolicyIsolate attempts every project and reports all failures
	PolicyIsolate Policy = "isolate"
)

// Config represents the complete horsyncd configuration
type Config struct {
	GitHub   GitHubConfig       `yaml:"github"`
	Projects []registry.Project `yaml:"projects"`
	Registry RegistryConfig     `yaml:"registry"`
	Sync     SyncConfig         `yaml:"sync"`
	Serve    ServeConfig        `yaml:"serve"`
}

// GitHubConfig configures the GitHub API client
type GitHubConfig struct {
	APIURL    string        `yaml:"api_url"`
	TokenFile string        `yaml:"token_file"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RegistryConfig points at an external project list
type RegistryConfig struct {
	File string `yaml:"file"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Policy      Policy `yaml:"policy"`
	Concurrency int    `yaml:"concurrency"`
	DryRun      bool   `yaml:"dry_run"`
}

// ServeConfig configures the long-running service
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	Schedule                string   `yaml:"schedule"`
	Metrics                 bool     `yaml:"metrics"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.GitHub.APIURL = os.ExpandEnv(c.GitHub.APIURL)
	c.GitHub.TokenFile = os.ExpandEnv(c.GitHub.TokenFile)
	c.Registry.File = os.ExpandEnv(c.Registry.File)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
	for i := range c.Projects {
		c.Projects[i].Owner = os.ExpandEnv(c.Projects[i].Owner)
		c.Projects[i].Repo = os.ExpandEnv(c.Projects[i].Repo)
		c.Projects[i].Environment = os.ExpandEnv(c.Projects[i].Environment)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.GitHub.Timeout == 0 {
		c.GitHub.Timeout = 30 * time.Second
	}
	if c.Sync.Policy == "" {
		c.Sync.Policy = PolicyFailFast
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 1
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
	if len(c.Serve.AllowedEventTypes) == 0 {
		c.Serve.AllowedEventTypes = []string{"push"}
	}
	for i := range c.Projects {
		if c.Projects[i].Kind == "" {
			c.Projects[i].Kind = registry.KindGitHub
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Projects) == 0 && c.Registry.File == "" {
		return fmt.Errorf("either projects or registry.file is required")
	}
	if len(c.Projects) > 0 && c.Registry.File != "" {
		return fmt.Errorf("only one of projects or registry.file may be set")
	}

	for i, p := range c.Projects {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("projects[%d]: %w", i, err)
		}
	}

	if c.GitHub.APIURL != "" {
		u, err := url.Parse(c.GitHub.APIURL)
		if err != nil || u.Scheme != "https" && u.Scheme != "http" || u.Host == "" {
			return fmt.Errorf("github.api_url must be an absolute http(s) URL: %s", c.GitHub.APIURL)
		}
	}
	if c.GitHub.Timeout < 0 {
		return fmt.Errorf("github.timeout must not be negative")
	}

	switch c.Sync.Policy {
	case PolicyFailFast, PolicyIsolate:
		// valid
	default:
		return fmt.Errorf("invalid sync.policy: %s (must be fail-fast or isolate)", c.Sync.Policy)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1")
	}

	if c.Serve.Schedule != "" {
		if _, err := cron.ParseStandard(c.Serve.Schedule); err != nil {
			return fmt.Errorf("invalid serve.schedule %q: %w", c.Serve.Schedule, err)
		}
	}

	return nil
}

// ProjectRegistry builds the registry described by the configuration
func (c *Config) ProjectRegistry() (registry.Registry, error) {
	if c.Registry.File != "" {
		return registry.LoadFile(c.Registry.File)
	}
	return registry.NewStatic(c.Projects), nil
}

// WebhookEnabled reports whether the webhook endpoint should be served
func (c *Config) WebhookEnabled() bool {
	return c.Serve.GitHubWebhookSecretFile != ""
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.GitHub.TokenFile != "" {
		return "token"
	}
	return "none"
}
