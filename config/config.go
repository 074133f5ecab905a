// Package config loads the service configuration: a YAML file for structure
// and tunables, with secrets overlaid from the environment (optionally via a
// .env file) so credentials never live in the config file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/seance/letterboxd"
	"github.com/hazyhaar/seance/notify"
	"github.com/hazyhaar/seance/plex"
	"github.com/hazyhaar/seance/poll"
)

// Config is the top-level service configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Plex       PlexConfig       `yaml:"plex"`
	Discord    DiscordConfig    `yaml:"discord"`
	Letterboxd LetterboxdConfig `yaml:"letterboxd"`
	Poll       PollConfig       `yaml:"poll"`
	HTTP       HTTPConfig       `yaml:"http"`
	LogLevel   string           `yaml:"log_level"` // debug | info | warn | error
}

// DatabaseConfig locates the viewing store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// LegacyJSONPath is the flat-file snapshot of the first deployment,
	// migrated into the store once at startup.
	LegacyJSONPath string `yaml:"legacy_json_path"`
}

// PlexConfig configures the media server connection.
type PlexConfig struct {
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	Username        string        `yaml:"username"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectDelay    time.Duration `yaml:"connect_delay"`
	Timeout         time.Duration `yaml:"timeout"`
}

// DiscordConfig configures the bot session and target channel.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
	// MentionUserID, when set, is mentioned on every notification.
	MentionUserID string `yaml:"mention_user_id"`
	// ChannelAttempts bounds channel resolution retries at startup.
	ChannelAttempts int           `yaml:"channel_attempts"`
	ChannelDelay    time.Duration `yaml:"channel_delay"`
	// ReconcileLimit is how many recent unrated notifications get their
	// buttons reattached after a restart.
	ReconcileLimit int `yaml:"reconcile_limit"`
}

// LetterboxdConfig configures the film-logging account. Leaving the
// username empty disables the rating flow.
type LetterboxdConfig struct {
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	DateThresholdHour int           `yaml:"date_threshold_hour"`
	// BrowserRemoteURL points at an external Chrome for the search fallback.
	// Empty launches a local one on demand.
	BrowserRemoteURL string `yaml:"browser_remote_url"`
}

// PollConfig configures the history polling loop.
type PollConfig struct {
	Interval          time.Duration `yaml:"interval"`
	HistorySize       int           `yaml:"history_size"`
	Freshness         time.Duration `yaml:"freshness"`
	ExcludedLibraries []string      `yaml:"excluded_libraries"`
}

// HTTPConfig configures the status endpoint.
type HTTPConfig struct {
	// Addr to listen on, e.g. ":8080". Empty disables the endpoint.
	Addr string `yaml:"addr"`
}

// Load reads the YAML file at path (missing file = all defaults), loads a
// .env file when present, and overlays secrets from the environment.
func Load(path string) (*Config, error) {
	// .env is a development convenience; absence is the normal case.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults only
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.overlayEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overlayEnv maps environment variables onto the secret-bearing fields.
// Environment wins over the file.
func (c *Config) overlayEnv() {
	overlay := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	overlay(&c.Plex.URL, "PLEX_URL")
	overlay(&c.Plex.Token, "PLEX_TOKEN")
	overlay(&c.Plex.Username, "PLEX_USERNAME")
	overlay(&c.Discord.Token, "DISCORD_TOKEN")
	overlay(&c.Discord.ChannelID, "DISCORD_CHANNEL_ID")
	overlay(&c.Discord.MentionUserID, "DISCORD_USER_ID")
	overlay(&c.Letterboxd.Username, "LETTERBOXD_USERNAME")
	overlay(&c.Letterboxd.Password, "LETTERBOXD_PASSWORD")
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "data/seance.db"
	}
	if c.Database.LegacyJSONPath == "" {
		c.Database.LegacyJSONPath = "data/movie_data.json"
	}
	if c.Plex.ConnectAttempts <= 0 {
		c.Plex.ConnectAttempts = 7
	}
	if c.Plex.ConnectDelay <= 0 {
		c.Plex.ConnectDelay = 30 * time.Second
	}
	if c.Plex.Timeout <= 0 {
		c.Plex.Timeout = 15 * time.Second
	}
	if c.Discord.ChannelAttempts <= 0 {
		c.Discord.ChannelAttempts = 5
	}
	if c.Discord.ChannelDelay <= 0 {
		c.Discord.ChannelDelay = 10 * time.Second
	}
	if c.Discord.ReconcileLimit <= 0 {
		c.Discord.ReconcileLimit = 4
	}
	if c.Letterboxd.BaseURL == "" {
		c.Letterboxd.BaseURL = letterboxd.DefaultBaseURL
	}
	if c.Letterboxd.Timeout <= 0 {
		c.Letterboxd.Timeout = 30 * time.Second
	}
	if c.Letterboxd.DateThresholdHour == 0 {
		c.Letterboxd.DateThresholdHour = 7
	}
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = 15 * time.Minute
	}
	if c.Poll.HistorySize <= 0 {
		c.Poll.HistorySize = 50
	}
	if c.Poll.Freshness <= 0 {
		c.Poll.Freshness = 30 * time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if c.Plex.URL == "" {
		return fmt.Errorf("config: plex.url (or PLEX_URL) is required")
	}
	if c.Plex.Token == "" {
		return fmt.Errorf("config: plex.token (or PLEX_TOKEN) is required")
	}
	if c.Discord.Token == "" {
		return fmt.Errorf("config: discord.token (or DISCORD_TOKEN) is required")
	}
	if c.Discord.ChannelID == "" {
		return fmt.Errorf("config: discord.channel_id (or DISCORD_CHANNEL_ID) is required")
	}
	if c.Letterboxd.Username != "" && c.Letterboxd.Password == "" {
		return fmt.Errorf("config: letterboxd.password (or LETTERBOXD_PASSWORD) is required when a username is set")
	}
	return nil
}

// LetterboxdEnabled reports whether the rating flow is configured.
func (c *Config) LetterboxdEnabled() bool {
	return c.Letterboxd.Username != ""
}

// PlexClientConfig converts to the media client's own config type.
func (c *Config) PlexClientConfig() plex.Config {
	return plex.Config{
		URL:             c.Plex.URL,
		Token:           c.Plex.Token,
		Username:        c.Plex.Username,
		ConnectAttempts: c.Plex.ConnectAttempts,
		ConnectDelay:    c.Plex.ConnectDelay,
		Timeout:         c.Plex.Timeout,
	}
}

// LetterboxdClientConfig converts to the site client's own config type.
func (c *Config) LetterboxdClientConfig() letterboxd.Config {
	return letterboxd.Config{
		Username:          c.Letterboxd.Username,
		Password:          c.Letterboxd.Password,
		BaseURL:           c.Letterboxd.BaseURL,
		Timeout:           c.Letterboxd.Timeout,
		DateThresholdHour: c.Letterboxd.DateThresholdHour,
	}
}

// PollPipelineConfig converts to the pipeline's own config type.
func (c *Config) PollPipelineConfig() poll.Config {
	return poll.Config{
		Interval:          c.Poll.Interval,
		HistorySize:       c.Poll.HistorySize,
		Freshness:         c.Poll.Freshness,
		ExcludedLibraries: c.Poll.ExcludedLibraries,
	}
}

// DispatcherConfig converts to the notification dispatcher's config type.
func (c *Config) DispatcherConfig() notify.DispatcherConfig {
	return notify.DispatcherConfig{
		ChannelID:     c.Discord.ChannelID,
		MentionUserID: c.Discord.MentionUserID,
	}
}
