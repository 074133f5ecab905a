package plex

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/seance/viewing"
)

const crossRefScheme = "tmdb://"

// Adapt converts a library item into a domain record. All defaulting for
// absent upstream fields happens here and nowhere else.
func (c *Client) Adapt(it *Item) *viewing.MovieRecord {
	rec := &viewing.MovieRecord{
		Identity: viewing.Identity{
			TMDBID: crossRefID(it.Guids),
			Title:  it.Title,
			Year:   it.Year,
		},
		RatingKey:     it.RatingKey,
		Title:         it.Title,
		OriginalTitle: it.OriginalTitle,
		Year:          it.Year,
		Duration:      formatDuration(it.Duration),
		Genres:        tagNames(it.Genres),
		Directors:     tagNames(it.Directors),
		Rating:        formatRating(it.Rating),
		PosterURL:     c.resourceURL(it.Thumb),
		Summary:       it.Summary,
		Library:       it.LibrarySectionTitle,
		LastViewedAt:  it.LastViewedAt,
		ViewCount:     it.ViewCount,
	}
	if rec.OriginalTitle == "" {
		rec.OriginalTitle = it.Title
	}
	return rec
}

// crossRefID extracts the film-database id from the item's Guid list,
// e.g. "tmdb://603" yields "603". Empty when the item carries none.
func crossRefID(guids []guidRef) string {
	for _, g := range guids {
		if rest, ok := strings.CutPrefix(g.ID, crossRefScheme); ok {
			return rest
		}
	}
	return ""
}

// formatDuration renders a millisecond runtime as "2h 50min".
// Unknown runtime renders as "Unknown".
func formatDuration(ms int64) string {
	if ms <= 0 {
		return "Unknown"
	}
	total := ms / 60000
	h, m := total/60, total%60
	if h == 0 {
		return fmt.Sprintf("%dmin", m)
	}
	return fmt.Sprintf("%dh %dmin", h, m)
}

func formatRating(r float64) string {
	if r <= 0 {
		return "No Rating"
	}
	return strconv.FormatFloat(r, 'f', 1, 64)
}

func tagNames(tags []tagRef) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.Tag
	}
	return out
}
