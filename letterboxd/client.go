// Package letterboxd logs film viewings to a letterboxd.com account.
//
// The site has no public write API, so this package drives the same form
// endpoints the web client uses: a CSRF-protected session login, then diary
// entry saves. Film page ids are resolved through an ordered list of
// strategies (filmid.go), the last of which drives a stealth browser because
// the site's search is bot-gated.
package letterboxd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DefaultBaseURL is the production site.
const DefaultBaseURL = "https://letterboxd.com"

// Config configures the site client.
type Config struct {
	Username string
	Password string
	// BaseURL overrides the site root. Default: DefaultBaseURL.
	BaseURL string
	// Timeout applies per request. Default: 30s.
	Timeout time.Duration
	// DateThresholdHour shifts diary dates before this wall-clock hour to the
	// previous day. A film finished at 01:30 belongs to the evening before.
	// Default: 7.
	DateThresholdHour int
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DateThresholdHour == 0 {
		c.DateThresholdHour = 7
	}
}

// Client is an authenticated letterboxd.com session. Not safe for concurrent
// use; the service serializes diary operations.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	csrf   string
}

// NewClient creates a Client with a fresh cookie jar. Call Login before
// diary operations.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("letterboxd: cookie jar: %w", err)
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Jar: jar, Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Login establishes a session: fetch the sign-in page, extract the CSRF
// token from its form, and post the credentials. The CSRF token is kept for
// subsequent form posts.
func (c *Client) Login(ctx context.Context) error {
	doc, err := c.getDocument(ctx, "/sign-in/")
	if err != nil {
		return fmt.Errorf("letterboxd: sign-in page: %w", err)
	}

	csrf, ok := doc.Find(`input[name="__csrf"]`).First().Attr("value")
	if !ok || csrf == "" {
		return fmt.Errorf("letterboxd: csrf token not found on sign-in page")
	}
	c.csrf = csrf

	form := url.Values{
		"__csrf":   {csrf},
		"username": {c.cfg.Username},
		"password": {c.cfg.Password},
	}
	var res struct {
		Result   string   `json:"result"`
		Messages []string `json:"messages"`
	}
	if err := c.postForm(ctx, "/user/login.do", form, &res); err != nil {
		return fmt.Errorf("letterboxd: login: %w", err)
	}
	if res.Result != "success" {
		return fmt.Errorf("letterboxd: login rejected: %s", strings.Join(res.Messages, "; "))
	}

	c.logger.Info("letterboxd: session established", "username", c.cfg.Username)
	return nil
}

// DiaryEntry is one viewing to record.
type DiaryEntry struct {
	FilmID string
	// Stars in half-star steps, 0.5 to 5.0. Zero means no rating.
	Stars   float64
	Rewatch bool
	Liked   bool
	Tags    []string
	Review  string
	// WatchedAt is the local wall-clock time of the viewing. The diary date
	// derives from it via the threshold-hour rule.
	WatchedAt time.Time
}

// SaveDiaryEntry posts one diary entry. The site's rating scale is integer
// half-stars, so 3.5 stars posts as 7.
func (c *Client) SaveDiaryEntry(ctx context.Context, e DiaryEntry) error {
	if c.csrf == "" {
		return fmt.Errorf("letterboxd: not logged in")
	}
	if e.FilmID == "" {
		return fmt.Errorf("letterboxd: diary entry without film id")
	}

	form := url.Values{
		"__csrf":            {c.csrf},
		"filmId":            {e.FilmID},
		"specifiedDate":     {"true"},
		"viewingDateStr":    {diaryDate(e.WatchedAt, c.cfg.DateThresholdHour)},
		"rating":            {strconv.Itoa(int(e.Stars * 2))},
		"liked":             {strconv.FormatBool(e.Liked)},
		"rewatch":           {strconv.FormatBool(e.Rewatch)},
		"review":            {e.Review},
		"tags":              {strings.Join(e.Tags, ",")},
		"shouldShareOnFeed": {"true"},
	}

	var res struct {
		Result   bool     `json:"result"`
		Messages []string `json:"messages"`
	}
	if err := c.postForm(ctx, "/s/save-diary-entry", form, &res); err != nil {
		return fmt.Errorf("letterboxd: save diary entry: %w", err)
	}
	if !res.Result {
		return fmt.Errorf("letterboxd: diary entry rejected: %s", strings.Join(res.Messages, "; "))
	}

	c.logger.Info("letterboxd: diary entry saved",
		"film_id", e.FilmID, "stars", e.Stars, "rewatch", e.Rewatch)
	return nil
}

// diaryDate renders the diary date for a viewing, shifting times before the
// threshold hour to the previous calendar day.
func diaryDate(t time.Time, thresholdHour int) string {
	if t.Hour() < thresholdHour {
		t = t.AddDate(0, 0, -1)
	}
	return t.Format("2006-01-02")
}

// getDocument fetches a page and parses it.
func (c *Client) getDocument(ctx context.Context, path string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}

// postForm posts a form and decodes the JSON response. A non-JSON body is a
// hard failure: it means the site served an error or challenge page, and the
// entry must not be silently assumed saved.
func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("POST %s: non-JSON response (%d bytes)", path, len(body))
	}
	return nil
}

// browserUserAgent matches the site's expectations; the default Go UA is
// served a challenge page.
const browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
