// Package viewing owns the persistent record of everything ever watched and
// the rules that decide which observed viewings deserve a notification.
//
// The media server exposes only coarse counters and timestamps, not an event
// log, so "a new viewing happened" is derived state: the poller produces
// candidate Events, Classify checks them against the Store, and only
// qualifying events reach the notification layer. The Store is the single
// owner of MovieRecord; no other component caches records beyond one polling
// cycle.
package viewing

import (
	"fmt"
	"strconv"
	"strings"
)

// Identity is the key used to deduplicate a film across data sources.
// The cross-reference id (a film-database id such as TMDB's) wins over
// title+year whenever present: titles are not unique across years or regions,
// but the cross-reference id is stable on both the media server and the
// film-logging service.
type Identity struct {
	TMDBID string
	Title  string
	Year   int
}

// Key returns the deterministic storage key for this identity.
func (id Identity) Key() string {
	if id.TMDBID != "" {
		return "tmdb:" + id.TMDBID
	}
	return fmt.Sprintf("%s (%d)", id.Title, id.Year)
}

// ParseKey inverts Key. The notification layer round-trips identities
// through message component ids, which only carry strings.
func ParseKey(key string) Identity {
	if rest, ok := strings.CutPrefix(key, "tmdb:"); ok {
		return Identity{TMDBID: rest}
	}
	id := Identity{Title: key}
	if open := strings.LastIndex(key, " ("); open >= 0 && strings.HasSuffix(key, ")") {
		if year, err := strconv.Atoi(key[open+2 : len(key)-1]); err == nil {
			id.Title, id.Year = key[:open], year
		}
	}
	return id
}

// NotificationRef is a weak reference to the chat message representing the
// latest unrated notification for a movie. The referenced message may have
// been deleted externally; a dangling ref is a miss, not a fault.
type NotificationRef struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
}

// MovieRecord is the durable state for one distinct film. Created on the
// first qualifying viewing, mutated on every later one, never deleted.
type MovieRecord struct {
	Identity      Identity
	RatingKey     string // media-server item id (legacy store key)
	Title         string
	OriginalTitle string
	Year          int
	Duration      string // display form, e.g. "2h 16min"
	Genres        []string
	Directors     []string
	Rating        string // display form of the server's critic rating
	PosterURL     string
	Summary       string
	Library       string
	LastViewedAt  int64 // unix seconds, 0 = unknown
	ViewCount     int
	IsRated       bool
	Notification  *NotificationRef
	CreatedAt     int64
	UpdatedAt     int64

	// key is the identity column value the record was loaded under. It can
	// differ from Identity.Key() when a title+year record later gained a
	// cross-reference id; Upsert migrates the row to the stronger key.
	key string
}

// Event is one candidate viewing observed by the poller. Ephemeral: produced
// during a polling tick, consumed by Classify, then discarded.
type Event struct {
	Identity  Identity
	ViewedAt  int64 // observed viewing timestamp (unix seconds)
	ViewCount int   // server view counter at observation time
	Library   string

	// Record carries freshly resolved metadata to persist if the event
	// qualifies.
	Record MovieRecord
}
