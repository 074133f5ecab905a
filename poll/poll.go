// Package poll periodically reads the media server's play history, filters
// it down to fresh finished movie viewings by the tracked account, classifies
// each against the viewing store, and hands qualifying events to the
// notification dispatcher.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/seance/plex"
	"github.com/hazyhaar/seance/viewing"
)

// Config configures the polling pipeline.
type Config struct {
	// Interval between ticks. Default: 15m.
	Interval time.Duration
	// HistorySize is how many history entries each tick examines. Default: 50.
	HistorySize int
	// Freshness discards history entries older than this; stale entries were
	// either handled by a previous tick or predate this deployment.
	// Default: 30m.
	Freshness time.Duration
	// ExcludedLibraries are library section names whose viewings are ignored.
	ExcludedLibraries []string
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	if c.Freshness <= 0 {
		c.Freshness = 30 * time.Minute
	}
}

// MediaServer is the slice of the media server client the pipeline uses.
// *plex.Client satisfies it.
type MediaServer interface {
	History(ctx context.Context, size int) ([]plex.HistoryEntry, error)
	Item(ctx context.Context, ratingKey string) (*plex.Item, error)
	Sessions(ctx context.Context) ([]plex.Session, error)
	AccountID(ctx context.Context, name string) (int, error)
	Connect(ctx context.Context) error
	Adapt(it *plex.Item) *viewing.MovieRecord
	Username() string
}

// Dispatcher delivers one qualifying viewing. *notify.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev viewing.Event, dec viewing.Decision) error
}

// Stats is a snapshot of pipeline counters for the status endpoint.
type Stats struct {
	Ticks    int64     `json:"ticks"`
	Events   int64     `json:"events"`
	Notified int64     `json:"notified"`
	Errors   int64     `json:"errors"`
	LastTick time.Time `json:"last_tick"`
}

// Pipeline is the polling loop. Run it under a supervisor via Serve.
type Pipeline struct {
	cfg      Config
	server   MediaServer
	store    *viewing.Store
	dispatch Dispatcher
	logger   *slog.Logger
	now      func() time.Time

	ticks    atomic.Int64
	events   atomic.Int64
	notified atomic.Int64
	errors   atomic.Int64
	lastTick atomic.Int64
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg Config, server MediaServer, store *viewing.Store, dispatch Dispatcher, logger *slog.Logger) *Pipeline {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		server:   server,
		store:    store,
		dispatch: dispatch,
		logger:   logger,
		now:      time.Now,
	}
}

// Serve runs the polling loop until ctx is canceled: one immediate tick,
// then one per interval. Tick errors are logged and counted, not fatal;
// the supervisor restarts the loop only on panic.
func (p *Pipeline) Serve(ctx context.Context) error {
	p.logger.Info("poll: pipeline started",
		"interval", p.cfg.Interval, "history_size", p.cfg.HistorySize)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.errors.Add(1)
			p.logger.Error("poll: tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Ticks:    p.ticks.Load(),
		Events:   p.events.Load(),
		Notified: p.notified.Load(),
		Errors:   p.errors.Load(),
		LastTick: time.Unix(p.lastTick.Load(), 0),
	}
}

// RunOnce executes a single polling tick.
func (p *Pipeline) RunOnce(ctx context.Context) error {
	p.ticks.Add(1)
	p.lastTick.Store(p.now().Unix())

	entries, err := p.history(ctx)
	if err != nil {
		return err
	}

	accountID := 0
	if name := p.server.Username(); name != "" {
		if accountID, err = p.server.AccountID(ctx, name); err != nil {
			return fmt.Errorf("poll: resolve account: %w", err)
		}
	}

	playing := p.currentlyPlaying(ctx)

	for _, entry := range entries {
		if !p.relevant(entry, accountID, playing) {
			continue
		}
		p.events.Add(1)

		// Per-item isolation: one unresolvable item must not sink the tick.
		if err := p.handleEntry(ctx, entry); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.errors.Add(1)
			p.logger.Error("poll: entry failed",
				"title", entry.Title, "rating_key", entry.RatingKey, "error", err)
		}
	}
	return nil
}

// history fetches the play history, re-establishing the connection and
// retrying once when the first read fails.
func (p *Pipeline) history(ctx context.Context) ([]plex.HistoryEntry, error) {
	entries, err := p.server.History(ctx, p.cfg.HistorySize)
	if err == nil {
		return entries, nil
	}
	p.logger.Warn("poll: history read failed, reconnecting", "error", err)

	if err := p.server.Connect(ctx); err != nil {
		return nil, fmt.Errorf("poll: reconnect: %w", err)
	}
	entries, err = p.server.History(ctx, p.cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("poll: history after reconnect: %w", err)
	}
	return entries, nil
}

// relevant filters one history entry: movies only, tracked account only,
// fresh only, not in an excluded library, not still playing.
func (p *Pipeline) relevant(entry plex.HistoryEntry, accountID int, playing map[string]bool) bool {
	if entry.Type != "movie" {
		return false
	}
	if accountID != 0 && entry.AccountID != accountID {
		return false
	}
	if entry.ViewedAt <= 0 ||
		p.now().Unix()-entry.ViewedAt > int64(p.cfg.Freshness/time.Second) {
		return false
	}
	if slices.Contains(p.cfg.ExcludedLibraries, entry.LibrarySectionTitle) {
		return false
	}
	if playing[entry.Title] {
		p.logger.Info("poll: still playing, deferring", "title", entry.Title)
		return false
	}
	return true
}

// currentlyPlaying returns the titles of movies the tracked account is
// playing right now. Other accounts' sessions must not defer notifications.
// A session read failure degrades to "nothing playing"; deferral is an
// optimization, not a correctness guard.
func (p *Pipeline) currentlyPlaying(ctx context.Context) map[string]bool {
	sessions, err := p.server.Sessions(ctx)
	if err != nil {
		p.logger.Warn("poll: session read failed", "error", err)
		return nil
	}
	user := p.server.Username()
	playing := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		if s.Type != "movie" {
			continue
		}
		if user != "" && s.User.Title != user {
			continue
		}
		playing[s.Title] = true
	}
	return playing
}

func (p *Pipeline) handleEntry(ctx context.Context, entry plex.HistoryEntry) error {
	item, err := p.server.Item(ctx, entry.RatingKey)
	if err != nil {
		return err
	}

	rec := p.server.Adapt(item)
	// The history row's timestamp is the viewing event; the item's own
	// lastViewedAt lags behind it on some server versions.
	rec.LastViewedAt = entry.ViewedAt
	if rec.Library == "" {
		rec.Library = entry.LibrarySectionTitle
	}

	ev := viewing.Event{
		Identity:  rec.Identity,
		ViewedAt:  entry.ViewedAt,
		ViewCount: rec.ViewCount,
		Library:   rec.Library,
		Record:    *rec,
	}

	dec, err := viewing.Classify(ctx, p.store, ev)
	if err != nil {
		return err
	}
	if !dec.Notify {
		return nil
	}

	if err := p.dispatch.Dispatch(ctx, ev, dec); err != nil {
		return err
	}
	p.notified.Add(1)
	return nil
}
