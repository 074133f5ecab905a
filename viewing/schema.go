package viewing

import "database/sql"

// Schema is the movies table: one row per distinct film ever watched.
// identity is an opaque key derived from Identity.Key(). Secondary indexes
// back the store's matching queries (by cross-reference id, by title+year,
// by recency, by rated flag).
const Schema = `
CREATE TABLE IF NOT EXISTS movies (
    identity          TEXT PRIMARY KEY,
    rating_key        TEXT NOT NULL DEFAULT '',
    title             TEXT NOT NULL,
    original_title    TEXT NOT NULL DEFAULT '',
    year              INTEGER NOT NULL DEFAULT 0,
    duration          TEXT NOT NULL DEFAULT '',
    genres            TEXT NOT NULL DEFAULT '[]',
    directors         TEXT NOT NULL DEFAULT '[]',
    rating            TEXT NOT NULL DEFAULT '',
    poster_url        TEXT NOT NULL DEFAULT '',
    summary           TEXT NOT NULL DEFAULT '',
    library           TEXT NOT NULL DEFAULT '',
    tmdb_id           TEXT NOT NULL DEFAULT '',
    last_viewed_at    INTEGER,
    view_count        INTEGER NOT NULL DEFAULT 0,
    is_rated          INTEGER NOT NULL DEFAULT 0,
    notification_data TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_movies_last_viewed ON movies(last_viewed_at DESC);
CREATE INDEX IF NOT EXISTS idx_movies_rated ON movies(is_rated);
CREATE INDEX IF NOT EXISTS idx_movies_tmdb ON movies(tmdb_id);
CREATE INDEX IF NOT EXISTS idx_movies_title_year ON movies(title, year);
`

// ApplySchema creates the movies table and its indexes.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
