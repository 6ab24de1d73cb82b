package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"gopkg.in/yaml.v3"

	"github.com/drewdunne/rebasebot/internal/provider"
)

// Config represents the bot configuration.
type Config struct {
	// Workspace is the root directory for local clones, laid out as
	// <workspace>/<host>/<team>/<repo>.
	Workspace string `yaml:"workspace"`

	// GCCountdown is the number of cleanups between two git gc runs.
	GCCountdown int `yaml:"gc_countdown"`

	// BranchPattern selects the source branches that are handled at all.
	BranchPattern string `yaml:"branch_pattern"`

	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`

	// ConflictComment overrides the comment posted when a rebase conflicts.
	ConflictComment string `yaml:"conflict_comment"`

	Git      GitConfig      `yaml:"git"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Hosts    []HostConfig   `yaml:"hosts"`
}

// GitConfig holds the committer identity used for rebases.
type GitConfig struct {
	UserName  string `yaml:"user_name"`
	UserEmail string `yaml:"user_email"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WebhooksConfig holds webhook secrets. An empty secret disables the endpoint.
type WebhooksConfig struct {
	GitHubSecret string `yaml:"github_secret"`
	GitLabSecret string `yaml:"gitlab_secret"`
}

// HostConfig describes one hosting provider instance.
type HostConfig struct {
	Type   string       `yaml:"type"`
	URL    string       `yaml:"url"`
	APIURL string       `yaml:"api_url"`
	Teams  []TeamConfig `yaml:"teams"`
}

// TeamConfig holds the credentials shared by a team's repositories.
type TeamConfig struct {
	Name  string       `yaml:"name"`
	User  string       `yaml:"user"`
	Pass  string       `yaml:"pass"`
	Repos []RepoConfig `yaml:"repos"`
}

// RepoConfig names a repository and its integration branch.
type RepoConfig struct {
	Name   string `yaml:"name"`
	Branch string `yaml:"branch"`
}

type hostDefaults struct {
	url    string
	apiURL string
}

// knownHosts holds the public endpoints used when a host omits its URLs.
var knownHosts = map[string]hostDefaults{
	"github":    {url: "https://github.com", apiURL: "https://api.github.com"},
	"gitlab":    {url: "https://gitlab.com", apiURL: "https://gitlab.com/api/v4"},
	"bitbucket": {url: "https://bitbucket.org", apiURL: "https://api.bitbucket.org"},
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

const (
	DefaultBranchPattern = "^feature/.*"
	DefaultBranch        = "master"
)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Workspace:     "rebasebot-workspace",
		GCCountdown:   20,
		BranchPattern: DefaultBranchPattern,
		PollInterval:  60 * time.Second,
		Workers:       1,
		Git: GitConfig{
			UserName:  "rebasebot",
			UserEmail: "rebasebot@localhost",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 7000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads, parses and validates the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Substitute environment variables
	data = envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in values that depend on other settings.
func (c *Config) applyDefaults() {
	for i := range c.Hosts {
		h := &c.Hosts[i]
		if d, ok := knownHosts[h.Type]; ok {
			if h.URL == "" {
				h.URL = d.url
			}
			if h.APIURL == "" {
				h.APIURL = d.apiURL
			}
		}
		for j := range h.Teams {
			t := &h.Teams[j]
			if t.User == "" {
				t.User = t.Name
			}
			for k := range t.Repos {
				if t.Repos[k].Branch == "" {
					t.Repos[k].Branch = DefaultBranch
				}
			}
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workspace, validation.Required),
		validation.Field(&c.GCCountdown, validation.Required, validation.Min(1)),
		validation.Field(&c.BranchPattern, validation.Required, validation.By(validRegexp)),
		validation.Field(&c.PollInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.Server),
		validation.Field(&c.Logging),
		validation.Field(&c.Hosts, validation.Required),
	)
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Min(0), validation.Max(65535)),
	)
}

func (l LoggingConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.Required, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.Required, validation.In("text", "json")),
	)
}

func (h HostConfig) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.Type, validation.Required, validation.In("github", "gitlab", "bitbucket")),
		validation.Field(&h.URL, validation.Required),
		validation.Field(&h.APIURL, validation.Required),
		validation.Field(&h.Teams, validation.Required),
	)
}

func (t TeamConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Name, validation.Required),
		validation.Field(&t.Repos, validation.Required),
	)
}

func (r RepoConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.Branch, validation.Required),
	)
}

func validRegexp(value interface{}) error {
	s, _ := value.(string)
	if _, err := regexp.Compile(s); err != nil {
		return fmt.Errorf("not a valid regular expression: %w", err)
	}
	return nil
}

// Repositories expands the host/team/repo tree into one entry per repository,
// in configuration order.
func (c *Config) Repositories() []provider.Repository {
	var repos []provider.Repository
	for _, h := range c.Hosts {
		for _, t := range h.Teams {
			for _, r := range t.Repos {
				repos = append(repos, provider.Repository{
					Type:           h.Type,
					GitHost:        h.URL,
					APIHost:        h.APIURL,
					Team:           t.Name,
					Name:           r.Name,
					User:           t.User,
					Pass:           t.Pass,
					FallbackBranch: r.Branch,
				})
			}
		}
	}
	return repos
}
