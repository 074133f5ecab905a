package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seance.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PLEX_URL", "http://plex.local:32400")
	t.Setenv("PLEX_TOKEN", "tok")
	t.Setenv("DISCORD_TOKEN", "bot-tok")
	t.Setenv("DISCORD_CHANNEL_ID", "chan-1")
}

func TestLoad_FileWithEnvOverlay(t *testing.T) {
	// WHAT: File values load, environment values win over them, and defaults
	// fill the rest.
	setRequiredEnv(t)
	t.Setenv("PLEX_USERNAME", "alice")

	path := writeConfig(t, `
plex:
  username: from-file
poll:
  history_size: 10
  excluded_libraries: [Kids]
letterboxd:
  username: cinephile
  password: hunter2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Plex.Username != "alice" {
		t.Errorf("username = %q, env must win over file", cfg.Plex.Username)
	}
	if cfg.Poll.HistorySize != 10 {
		t.Errorf("history_size = %d", cfg.Poll.HistorySize)
	}
	if cfg.Poll.Interval != 15*time.Minute {
		t.Errorf("interval default = %v", cfg.Poll.Interval)
	}
	if !cfg.LetterboxdEnabled() {
		t.Error("letterboxd should be enabled")
	}
	if cfg.Letterboxd.DateThresholdHour != 7 {
		t.Errorf("date threshold default = %d", cfg.Letterboxd.DateThresholdHour)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	// WHAT: No config file is fine as long as the required secrets come from
	// the environment.
	setRequiredEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Plex.ConnectAttempts != 7 {
		t.Errorf("connect attempts = %d, want default 7", cfg.Plex.ConnectAttempts)
	}
	if cfg.LetterboxdEnabled() {
		t.Error("letterboxd enabled without credentials")
	}
}

func TestLoad_MissingRequiredFails(t *testing.T) {
	// WHAT: Each missing required secret is its own load failure.
	required := []string{"PLEX_URL", "PLEX_TOKEN", "DISCORD_TOKEN", "DISCORD_CHANNEL_ID"}
	for _, skip := range required {
		t.Run(skip, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(skip, "")
			if _, err := Load(""); err == nil {
				t.Errorf("load succeeded without %s", skip)
			}
		})
	}
}

func TestLoad_LetterboxdUsernameWithoutPassword(t *testing.T) {
	// WHAT: A half-configured rating account fails fast instead of failing
	// on the first login attempt days later.
	setRequiredEnv(t)
	t.Setenv("LETTERBOXD_USERNAME", "cinephile")

	if _, err := Load(""); err == nil {
		t.Error("expected validation error")
	}
}
