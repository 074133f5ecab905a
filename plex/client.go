// Package plex is a typed client for the slice of the Plex Media Server API
// the poller needs: play history, item metadata, active sessions, and server
// account resolution.
//
// Responses are decoded into explicit structs and adapted into domain records
// in one place (adapter.go); no field probing happens outside this package.
package plex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config configures the Plex client.
type Config struct {
	// URL is the server base URL, e.g. "http://127.0.0.1:32400".
	URL string
	// Token is the X-Plex-Token.
	Token string
	// Username is the server account whose viewings are tracked. History
	// entries from other accounts are discarded.
	Username string
	// ConnectAttempts bounds connection establishment retries. Default: 7.
	ConnectAttempts int
	// ConnectDelay is the fixed delay between attempts. Default: 30s.
	ConnectDelay time.Duration
	// Timeout applies per request. Default: 15s.
	Timeout time.Duration
}

func (c *Config) defaults() {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 7
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
}

// Client talks to one Plex server. Safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Client. Call Connect before first use to verify the
// server is reachable.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Username returns the configured tracked account name.
func (c *Client) Username() string { return c.cfg.Username }

// Connect verifies the server identity endpoint, retrying a bounded number
// of times with a fixed delay. Used both at startup and when a polling tick
// loses the upstream connection.
func (c *Client) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		c.logger.Info("plex: connecting", "attempt", attempt, "max", c.cfg.ConnectAttempts)
		if err := c.get(ctx, "/identity", nil, &struct{}{}); err == nil {
			c.logger.Info("plex: connection established")
			return nil
		} else {
			lastErr = err
			c.logger.Warn("plex: connection failed", "attempt", attempt, "error", err)
		}
		if attempt == c.cfg.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ConnectDelay):
		}
	}
	return fmt.Errorf("plex: connect after %d attempts: %w", c.cfg.ConnectAttempts, lastErr)
}

// get performs an authenticated JSON GET and decodes the response into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.cfg.URL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("plex: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Token", c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("plex: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("plex: GET %s: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("plex: decode %s: %w", path, err)
	}
	return nil
}

// resourceURL builds an authenticated absolute URL for a server resource
// path such as a poster thumb.
func (c *Client) resourceURL(path string) string {
	if path == "" {
		return ""
	}
	return c.cfg.URL + path + "?X-Plex-Token=" + url.QueryEscape(c.cfg.Token)
}

// --- API shapes ---

// HistoryEntry is one row of the server's play history, newest first.
type HistoryEntry struct {
	RatingKey           string `json:"ratingKey"`
	Title               string `json:"title"`
	Type                string `json:"type"`
	AccountID           int    `json:"accountID"`
	ViewedAt            int64  `json:"viewedAt"`
	LibrarySectionTitle string `json:"librarySectionTitle"`
}

// Item is the full metadata of a library item.
type Item struct {
	RatingKey           string    `json:"ratingKey"`
	Title               string    `json:"title"`
	OriginalTitle       string    `json:"originalTitle"`
	Year                int       `json:"year"`
	Duration            int64     `json:"duration"` // milliseconds
	Rating              float64   `json:"rating"`
	Thumb               string    `json:"thumb"`
	Summary             string    `json:"summary"`
	LibrarySectionTitle string    `json:"librarySectionTitle"`
	LastViewedAt        int64     `json:"lastViewedAt"`
	ViewCount           int       `json:"viewCount"`
	Genres              []tagRef  `json:"Genre"`
	Directors           []tagRef  `json:"Director"`
	Guids               []guidRef `json:"Guid"`
}

// Session is one currently playing item.
type Session struct {
	Title string `json:"title"`
	Type  string `json:"type"`
	User  struct {
		Title string `json:"title"`
	} `json:"User"`
}

// Account is a server account.
type Account struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type tagRef struct {
	Tag string `json:"tag"`
}

type guidRef struct {
	ID string `json:"id"`
}

// History fetches up to size recent play-history entries, newest first.
func (c *Client) History(ctx context.Context, size int) ([]HistoryEntry, error) {
	var out struct {
		MediaContainer struct {
			Metadata []HistoryEntry `json:"Metadata"`
		} `json:"MediaContainer"`
	}
	q := url.Values{
		"sort":                  {"viewedAt:desc"},
		"X-Plex-Container-Size": {strconv.Itoa(size)},
	}
	if err := c.get(ctx, "/status/sessions/history/all", q, &out); err != nil {
		return nil, err
	}
	return out.MediaContainer.Metadata, nil
}

// Item fetches full metadata for one library item, including cross-reference
// ids (Guid entries such as "tmdb://603").
func (c *Client) Item(ctx context.Context, ratingKey string) (*Item, error) {
	var out struct {
		MediaContainer struct {
			Metadata []Item `json:"Metadata"`
		} `json:"MediaContainer"`
	}
	q := url.Values{"includeGuids": {"1"}}
	if err := c.get(ctx, "/library/metadata/"+url.PathEscape(ratingKey), q, &out); err != nil {
		return nil, err
	}
	if len(out.MediaContainer.Metadata) == 0 {
		return nil, fmt.Errorf("plex: item %s: not found", ratingKey)
	}
	return &out.MediaContainer.Metadata[0], nil
}

// Sessions returns the currently playing items.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var out struct {
		MediaContainer struct {
			Metadata []Session `json:"Metadata"`
		} `json:"MediaContainer"`
	}
	if err := c.get(ctx, "/status/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.MediaContainer.Metadata, nil
}

// AccountID resolves a server account name to its numeric id. History entries
// are attributed by id, so the poller resolves the configured username once
// per tick.
func (c *Client) AccountID(ctx context.Context, name string) (int, error) {
	var out struct {
		MediaContainer struct {
			Accounts []Account `json:"Account"`
		} `json:"MediaContainer"`
	}
	if err := c.get(ctx, "/accounts", nil, &out); err != nil {
		return 0, err
	}
	for _, a := range out.MediaContainer.Accounts {
		if a.Name == name {
			return a.ID, nil
		}
	}
	return 0, fmt.Errorf("plex: account %q not found", name)
}
