package letterboxd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures the headless browser used for search fallback.
type BrowserConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string
	// IdleTimeout shuts Chrome down after this much inactivity; the next
	// WithPage call relaunches it. Rating a film is a rare event and Chrome
	// is too heavy to keep warm. Default: 5m.
	IdleTimeout time.Duration

	Logger *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Browser manages a Chrome instance launched on demand. Pages are created
// with the stealth patches applied, since the target site gates its search
// behind bot detection.
type Browser struct {
	cfg    BrowserConfig
	mu     sync.Mutex
	rod    *rod.Browser
	lnch   *launcher.Launcher
	idleAt time.Time
	closed bool
}

// NewBrowser creates a Browser. Chrome launches lazily on first use.
func NewBrowser(cfg BrowserConfig) *Browser {
	cfg.defaults()
	return &Browser{cfg: cfg}
}

// WithPage runs fn with a fresh stealth page. The page is always closed
// afterwards, and Chrome itself is torn down once idle.
func (b *Browser) WithPage(ctx context.Context, fn func(page *rod.Page) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("letterboxd: browser is closed")
	}
	if err := b.ensureLaunched(); err != nil {
		return err
	}
	b.idleAt = time.Now().Add(b.cfg.IdleTimeout)

	page, err := stealth.Page(b.rod)
	if err != nil {
		// A dead Chrome is the usual cause; relaunch once.
		b.teardown()
		if err := b.ensureLaunched(); err != nil {
			return err
		}
		if page, err = stealth.Page(b.rod); err != nil {
			return fmt.Errorf("letterboxd: open stealth page: %w", err)
		}
	}
	defer page.Close()

	return fn(page.Context(ctx))
}

// Close shuts Chrome down. Safe to call multiple times.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.teardown()
	return nil
}

func (b *Browser) ensureLaunched() error {
	if b.rod != nil {
		return nil
	}
	log := b.cfg.Logger

	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("letterboxd: launch chrome: %w", err)
		}
		wsURL = u
		b.lnch = l
		log.Info("letterboxd: launched local chrome")
	} else {
		log.Info("letterboxd: connecting to remote chrome", "url", wsURL)
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		b.teardown()
		return fmt.Errorf("letterboxd: connect chrome: %w", err)
	}
	b.rod = br

	go b.idleLoop()
	return nil
}

// idleLoop tears Chrome down after the idle deadline passes.
func (b *Browser) idleLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		b.mu.Lock()
		if b.rod == nil || b.closed {
			b.mu.Unlock()
			return
		}
		if time.Now().After(b.idleAt) {
			b.cfg.Logger.Info("letterboxd: chrome idle, shutting down")
			b.teardown()
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
	}
}

func (b *Browser) teardown() {
	if b.rod != nil {
		b.rod.Close()
		b.rod = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
}
