// Package config assembles commit-headless settings from defaults, an
// optional TOML file and the environment. Flags are layered on top by the
// command line.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/odvcencio/commit-headless/pkg/commit"
	"github.com/odvcencio/commit-headless/pkg/remote"
)

// TokenEnv lists the variables consulted for the access token, in order.
var TokenEnv = []string{"HEADLESS_TOKEN", "GITHUB_TOKEN", "GH_TOKEN"}

// Config holds every setting an invocation needs. Core packages receive the
// values they need from it; none of them read the environment themselves.
type Config struct {
	Target    string `toml:"target"`
	Branch    string `toml:"branch"`
	Transport string `toml:"transport"`

	// ServerURL is the host that owner/repo targets are resolved against.
	ServerURL string `toml:"server_url"`
	APIURL    string `toml:"api_url"`
	Username  string `toml:"username"`
	// Token is only read from the environment.
	Token string `toml:"-"`

	Timeout           time.Duration `toml:"timeout"`
	CompressThreshold int           `toml:"compress_threshold"`
	Retry             Retry         `toml:"retry"`

	Commit Commit `toml:"commit"`
	Log    Log    `toml:"log"`

	// Actions is set when running inside GitHub Actions.
	Actions bool `toml:"-"`
	// Source names the file the config was read from, if any.
	Source string `toml:"-"`
}

// Retry mirrors remote.RetryPolicy.
type Retry struct {
	Attempts       int           `toml:"attempts"`
	InitialBackoff time.Duration `toml:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff"`
}

// Commit holds defaults for constructed commits.
type Commit struct {
	Author          string   `toml:"author"`
	Committer       string   `toml:"committer"`
	MessageTemplate string   `toml:"message_template"`
	Trailers        []string `toml:"trailers"`
	SigningKey      string   `toml:"signing_key"`
}

// Log configures diagnostics.
type Log struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
	Color string `toml:"color"` // auto, always, never
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Transport: string(remote.TransportAuto),
		ServerURL: remote.DefaultServerURL,
		Username:  "x-access-token",
		Timeout:   60 * time.Second,
		Retry: Retry{
			Attempts:       remote.DefaultRetryPolicy.MaxAttempts,
			InitialBackoff: remote.DefaultRetryPolicy.InitialBackoff,
			MaxBackoff:     remote.DefaultRetryPolicy.MaxBackoff,
		},
		Commit: Commit{
			Committer: commit.DefaultIdentity.String(),
		},
		Log: Log{Level: "info", Color: "auto"},
	}
}

// Load builds a Config from defaults, the TOML file at path (or at
// $HEADLESS_CONFIG when path is empty) and the environment read through
// getenv. A nil getenv reads the process environment.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if path == "" {
		path = getenv("HEADLESS_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: %s does not exist", path)
		}
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	c.Source = path
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	c.Token = Token(getenv)
	c.Actions = getenv("GITHUB_ACTIONS") == "true"

	if v := getenv("GITHUB_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := getenv("GITHUB_API_URL"); v != "" {
		c.APIURL = v
	}
	if c.Target == "" {
		c.Target = getenv("GITHUB_REPOSITORY")
	}

	strs := map[string]*string{
		"HEADLESS_TARGET":       &c.Target,
		"HEADLESS_BRANCH":       &c.Branch,
		"HEADLESS_TRANSPORT":    &c.Transport,
		"HEADLESS_SERVER_URL":   &c.ServerURL,
		"HEADLESS_API_URL":      &c.APIURL,
		"HEADLESS_USERNAME":     &c.Username,
		"HEADLESS_AUTHOR":       &c.Commit.Author,
		"HEADLESS_COMMITTER":    &c.Commit.Committer,
		"HEADLESS_SIGNING_KEY":  &c.Commit.SigningKey,
		"HEADLESS_LOG_LEVEL":    &c.Log.Level,
		"HEADLESS_LOG_FILE":     &c.Log.File,
		"HEADLESS_COLOR":        &c.Log.Color,
		"HEADLESS_MESSAGE_TMPL": &c.Commit.MessageTemplate,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	if v := getenv("HEADLESS_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: HEADLESS_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}
	if v := getenv("HEADLESS_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: HEADLESS_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	return nil
}

// Token returns the first non-empty variable named in TokenEnv.
func Token(getenv func(string) string) string {
	for _, k := range TokenEnv {
		if v := getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Validate checks values that do not depend on the command being run.
func (c *Config) Validate() error {
	if _, err := remote.ParseTransport(c.Transport); err != nil {
		return &commit.ValidationError{Field: "transport", Message: err.Error()}
	}
	if c.Timeout <= 0 {
		return &commit.ValidationError{Field: "timeout", Message: "must be positive"}
	}
	if c.Retry.Attempts < 1 {
		return &commit.ValidationError{Field: "retry.attempts", Message: "must be at least 1"}
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 {
		return &commit.ValidationError{Field: "retry", Message: "backoff must not be negative"}
	}
	if _, err := c.LogLevel(); err != nil {
		return &commit.ValidationError{Field: "log.level", Message: err.Error()}
	}
	switch c.Log.Color {
	case "", "auto", "always", "never":
	default:
		return &commit.ValidationError{Field: "log.color", Message: fmt.Sprintf("unknown color mode %q", c.Log.Color)}
	}
	return nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return lvl, nil
}

// RetryPolicy converts Retry for the transport.
func (c *Config) RetryPolicy() remote.RetryPolicy {
	return remote.RetryPolicy{
		MaxAttempts:    c.Retry.Attempts,
		InitialBackoff: c.Retry.InitialBackoff,
		MaxBackoff:     c.Retry.MaxBackoff,
	}
}

// RemoteOptions returns transport options for this configuration.
func (c *Config) RemoteOptions(logger *slog.Logger, userAgent string) remote.Options {
	return remote.Options{
		Token:             c.Token,
		Username:          c.Username,
		Timeout:           c.Timeout,
		Retry:             c.RetryPolicy(),
		APIURL:            c.APIURL,
		CompressThreshold: c.CompressThreshold,
		UserAgent:         userAgent,
		Logger:            logger,
	}
}
