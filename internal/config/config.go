package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the config file nor the environment
// provides a value.
const (
	DefaultUpstreamRepo   = "LoopKit/LoopWorkspace"
	DefaultUpstreamBranch = "main"
	DefaultTargetBranch   = "main"
	DefaultTargetRemote   = "origin"
	DefaultUpstreamRemote = "upstream"
	DefaultRepoDir        = "."
	DefaultStatusFile     = ".github/sync-status.txt"
)

// DryRunToken is the sentinel credential value that selects dry-run mode:
// all local operations run, but nothing is pushed.
const DryRunToken = "dummy"

// Environment variables that override file values. These are the primary
// configuration surface when running inside CI.
const (
	EnvUpstreamRepo   = "UPSTREAM_REPO"
	EnvUpstreamBranch = "UPSTREAM_BRANCH"
	EnvTargetBranch   = "TARGET_BRANCH"
	EnvToken          = "GH_PAT"
	EnvOutputFile     = "GITHUB_OUTPUT"
)

var repoSlugRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// Config represents the complete forksyncd configuration
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Target   TargetConfig   `yaml:"target"`
	Paths    PathsConfig    `yaml:"paths"`
	Auth     AuthConfig     `yaml:"auth"`
	Serve    ServeConfig    `yaml:"serve"`
}

// UpstreamConfig identifies the repository this fork tracks
type UpstreamConfig struct {
	// Repo is the upstream repository slug, "owner/name".
	Repo   string `yaml:"repo"`
	Branch string `yaml:"branch"`
	Remote string `yaml:"remote"`
	// URL overrides the fetch URL derived from Repo. Mainly useful for
	// mirrors and for pointing tests at local repositories.
	URL string `yaml:"url"`
}

// TargetConfig identifies where merge results are pushed
type TargetConfig struct {
	Branch string `yaml:"branch"`
	Remote string `yaml:"remote"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	// RepoDir is the working checkout of the fork. In CI this is the
	// workflow's own checkout, hence the "." default.
	RepoDir string `yaml:"repo_dir"`
	// StatusFile receives the keep-alive timestamp, relative to RepoDir.
	StatusFile string `yaml:"status_file"`
	// OutputFile is the key/value output-capture file (GITHUB_OUTPUT
	// format). Empty means output reporting is silently skipped.
	OutputFile string `yaml:"output_file"`
}

// AuthConfig configures the credential used for fetch and push
type AuthConfig struct {
	// Token holds the credential. Sourced from GH_PAT; accepted in the
	// config file for local use but normally left out of it.
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Load builds the configuration from an optional YAML file, the
// environment, and defaults. Environment values override file values;
// defaults fill whatever remains.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		path = os.ExpandEnv(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.expandEnv()
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.resolveToken(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Upstream.Repo = os.ExpandEnv(c.Upstream.Repo)
	c.Upstream.Branch = os.ExpandEnv(c.Upstream.Branch)
	c.Upstream.Remote = os.ExpandEnv(c.Upstream.Remote)
	c.Upstream.URL = os.ExpandEnv(c.Upstream.URL)
	c.Target.Branch = os.ExpandEnv(c.Target.Branch)
	c.Target.Remote = os.ExpandEnv(c.Target.Remote)
	c.Paths.RepoDir = os.ExpandEnv(c.Paths.RepoDir)
	c.Paths.StatusFile = os.ExpandEnv(c.Paths.StatusFile)
	c.Paths.OutputFile = os.ExpandEnv(c.Paths.OutputFile)
	c.Auth.TokenFile = os.ExpandEnv(c.Auth.TokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyEnv overrides file values with the CI environment surface.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvUpstreamRepo); v != "" {
		c.Upstream.Repo = v
	}
	if v := os.Getenv(EnvUpstreamBranch); v != "" {
		c.Upstream.Branch = v
	}
	if v := os.Getenv(EnvTargetBranch); v != "" {
		c.Target.Branch = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv(EnvOutputFile); v != "" {
		c.Paths.OutputFile = v
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Upstream.Repo == "" {
		c.Upstream.Repo = DefaultUpstreamRepo
	}
	if c.Upstream.Branch == "" {
		c.Upstream.Branch = DefaultUpstreamBranch
	}
	if c.Upstream.Remote == "" {
		c.Upstream.Remote = DefaultUpstreamRemote
	}
	if c.Target.Branch == "" {
		c.Target.Branch = DefaultTargetBranch
	}
	if c.Target.Remote == "" {
		c.Target.Remote = DefaultTargetRemote
	}
	if c.Paths.RepoDir == "" {
		c.Paths.RepoDir = DefaultRepoDir
	}
	if c.Paths.StatusFile == "" {
		c.Paths.StatusFile = DefaultStatusFile
	}
}

// resolveToken reads the token file when no token is set directly.
func (c *Config) resolveToken() error {
	if c.Auth.Token != "" || c.Auth.TokenFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.Auth.TokenFile)
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}
	c.Auth.Token = strings.TrimSpace(string(data))
	return nil
}

// Validate checks the configuration for errors. The credential check runs
// here so a missing token is fatal before any network operation.
func (c *Config) Validate() error {
	if c.Auth.Token == "" {
		return fmt.Errorf("credential is required: set %s or auth.token_file", EnvToken)
	}

	if c.Upstream.Repo == "" {
		return fmt.Errorf("upstream.repo is required")
	}
	if !repoSlugRe.MatchString(c.Upstream.Repo) {
		return fmt.Errorf("upstream.repo must be an owner/name slug: %s", c.Upstream.Repo)
	}
	if c.Upstream.Branch == "" {
		return fmt.Errorf("upstream.branch is required")
	}
	if c.Target.Branch == "" {
		return fmt.Errorf("target.branch is required")
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// UpstreamURL returns the fetch URL for the upstream repository
func (c *Config) UpstreamURL() string {
	if c.Upstream.URL != "" {
		return c.Upstream.URL
	}
	return fmt.Sprintf("https://github.com/%s.git", c.Upstream.Repo)
}

// DryRun returns true when the credential is the dry-run sentinel
func (c *Config) DryRun() bool {
	return c.Auth.Token == DryRunToken
}
