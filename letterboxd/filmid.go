package letterboxd

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-rod/rod"
)

// A filmIDStrategy attempts one way of finding a film's page id.
// Returning ("", err) moves the resolver to the next strategy.
type filmIDStrategy struct {
	name    string
	resolve func(ctx context.Context, tmdbID, title string, year int) (string, error)
}

// Resolver finds the site's internal film id for a movie. Strategies run in
// order of cost: a plain HTTP lookup by film-database id first, then a
// stealth browser search for items without one.
type Resolver struct {
	client     *Client
	browser    *Browser
	strategies []filmIDStrategy
}

// NewResolver creates a Resolver. browser may be nil, in which case only the
// HTTP strategy is available.
func NewResolver(client *Client, browser *Browser) *Resolver {
	r := &Resolver{client: client, browser: browser}
	r.strategies = []filmIDStrategy{
		{name: "tmdb-redirect", resolve: r.resolveByTMDB},
	}
	if browser != nil {
		r.strategies = append(r.strategies,
			filmIDStrategy{name: "browser-search", resolve: r.resolveBySearch})
	}
	return r
}

// ResolveFilmID tries each strategy in order and returns the first hit.
func (r *Resolver) ResolveFilmID(ctx context.Context, tmdbID, title string, year int) (string, error) {
	var lastErr error
	for _, s := range r.strategies {
		id, err := s.resolve(ctx, tmdbID, title, year)
		if err == nil && id != "" {
			r.client.logger.Info("letterboxd: film id resolved",
				"strategy", s.name, "title", title, "film_id", id)
			return id, nil
		}
		if err != nil {
			lastErr = err
			r.client.logger.Warn("letterboxd: film id strategy failed",
				"strategy", s.name, "title", title, "error", err)
		}
	}
	return "", fmt.Errorf("letterboxd: film id for %q (%d): all strategies failed: %w",
		title, year, lastErr)
}

// resolveByTMDB follows the site's /tmdb/<id>/ redirect to the film page and
// reads the id from its data-film-id attribute.
func (r *Resolver) resolveByTMDB(ctx context.Context, tmdbID, _ string, _ int) (string, error) {
	if tmdbID == "" {
		return "", fmt.Errorf("no film-database id on record")
	}
	doc, err := r.client.getDocument(ctx, "/tmdb/"+url.PathEscape(tmdbID)+"/")
	if err != nil {
		return "", err
	}
	id, ok := doc.Find("[data-film-id]").First().Attr("data-film-id")
	if !ok || id == "" {
		return "", fmt.Errorf("no data-film-id on film page for tmdb %s", tmdbID)
	}
	return id, nil
}

// resolveBySearch drives the site's film search in a stealth browser tab.
// The search endpoint serves a challenge to plain HTTP clients.
func (r *Resolver) resolveBySearch(ctx context.Context, _, title string, year int) (string, error) {
	query := title
	if year > 0 {
		query += " " + strconv.Itoa(year)
	}

	var filmID string
	err := r.browser.WithPage(ctx, func(page *rod.Page) error {
		target := r.client.cfg.BaseURL + "/search/films/" + url.PathEscape(query) + "/"
		if err := page.Timeout(20 * time.Second).Navigate(target); err != nil {
			return fmt.Errorf("navigate search: %w", err)
		}
		el, err := page.Timeout(10 * time.Second).Element("[data-film-id]")
		if err != nil {
			return fmt.Errorf("no search results for %q: %w", query, err)
		}
		attr, err := el.Attribute("data-film-id")
		if err != nil || attr == nil || *attr == "" {
			return fmt.Errorf("search result without film id")
		}
		filmID = *attr
		return nil
	})
	return filmID, err
}
