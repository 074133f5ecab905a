package viewing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Store persists MovieRecords in SQLite. All read-modify-write sequences run
// inside a transaction so that a rating handler and the polling task touching
// the same identity never interleave into a torn row.
type Store struct {
	DB *sql.DB

	// now is injectable for tests.
	now func() time.Time
}

// NewStore wraps an open database. The caller applies Schema first.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, now: time.Now}
}

const movieColumns = `identity, rating_key, title, original_title, year, duration,
	genres, directors, rating, poster_url, summary, library, tmdb_id,
	last_viewed_at, view_count, is_rated, notification_data, created_at, updated_at`

// Upsert inserts or replaces the record for rec's identity. Idempotent:
// upserting identical content leaves the row untouched, including its
// updated_at stamp. When an existing row matches the identity under a weaker
// key (title+year row later resolved to a cross-reference id), the row is
// migrated to the stronger key instead of duplicated.
func (s *Store) Upsert(ctx context.Context, rec *MovieRecord) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("viewing: begin upsert: %w", err)
	}
	defer tx.Rollback()

	existing, err := getMatch(ctx, tx, rec.Identity)
	if err != nil {
		return err
	}

	now := s.now().Unix()
	if existing == nil {
		if rec.CreatedAt == 0 {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		if err := insertMovie(ctx, tx, rec); err != nil {
			return err
		}
		return tx.Commit()
	}

	if existing.key == rec.Identity.Key() && sameContent(existing, rec) {
		// Nothing changed. No version bump.
		rec.CreatedAt = existing.CreatedAt
		rec.UpdatedAt = existing.UpdatedAt
		return nil
	}

	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = now
	if err := updateMovie(ctx, tx, existing.key, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// Get retrieves the record for an identity: first by its storage key, then by
// cross-reference id, then by title+year. A miss is a normal condition and
// returns (nil, nil).
func (s *Store) Get(ctx context.Context, id Identity) (*MovieRecord, error) {
	return getMatch(ctx, s.DB, id)
}

// WasPreviouslyRated reports whether any record matching the identity is
// already rated. Cross-reference id matches take precedence: when any row
// carries this id, title+year is not consulted at all.
func (s *Store) WasPreviouslyRated(ctx context.Context, id Identity) (bool, error) {
	if id.TMDBID != "" {
		var matched, rated int
		err := s.DB.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(is_rated), 0) FROM movies WHERE tmdb_id = ?`,
			id.TMDBID).Scan(&matched, &rated)
		if err != nil {
			return false, fmt.Errorf("viewing: rated check: %w", err)
		}
		if matched > 0 {
			return rated > 0, nil
		}
	}
	var rated int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM movies WHERE title = ? AND year = ? AND is_rated = 1`,
		id.Title, id.Year).Scan(&rated)
	if err != nil {
		return false, fmt.Errorf("viewing: rated check: %w", err)
	}
	return rated > 0, nil
}

// PreviousViewingTimestamp returns the most recent last_viewed_at among rated
// records matching the identity, or 0 when there is none. Used to render the
// "previously viewed" field on rewatch notifications.
func (s *Store) PreviousViewingTimestamp(ctx context.Context, id Identity) (int64, error) {
	if id.TMDBID != "" {
		var matched int
		if err := s.DB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM movies WHERE tmdb_id = ?`, id.TMDBID).Scan(&matched); err != nil {
			return 0, fmt.Errorf("viewing: previous viewing: %w", err)
		}
		if matched > 0 {
			var ts int64
			err := s.DB.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(last_viewed_at), 0) FROM movies
				WHERE tmdb_id = ? AND is_rated = 1`, id.TMDBID).Scan(&ts)
			if err != nil {
				return 0, fmt.Errorf("viewing: previous viewing: %w", err)
			}
			return ts, nil
		}
	}
	var ts int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(last_viewed_at), 0) FROM movies
		WHERE title = ? AND year = ? AND is_rated = 1`, id.Title, id.Year).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("viewing: previous viewing: %w", err)
	}
	return ts, nil
}

// WasRecentlyNotified reports whether a record matching the identity already
// carries a notification ref with a last_viewed_at within threshold of
// viewedAt. This is the cross-library duplicate guard: the same physical
// viewing can surface under two library scans with slightly different
// timestamps and must not notify twice.
func (s *Store) WasRecentlyNotified(ctx context.Context, id Identity, viewedAt int64, threshold time.Duration) (bool, error) {
	lo := viewedAt - int64(threshold/time.Second)
	hi := viewedAt + int64(threshold/time.Second)

	if id.TMDBID != "" {
		var matched int
		if err := s.DB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM movies WHERE tmdb_id = ?`, id.TMDBID).Scan(&matched); err != nil {
			return false, fmt.Errorf("viewing: notified check: %w", err)
		}
		if matched > 0 {
			var n int
			err := s.DB.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM movies
				WHERE tmdb_id = ? AND notification_data != ''
				  AND last_viewed_at BETWEEN ? AND ?`, id.TMDBID, lo, hi).Scan(&n)
			if err != nil {
				return false, fmt.Errorf("viewing: notified check: %w", err)
			}
			return n > 0, nil
		}
	}
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM movies
		WHERE title = ? AND year = ? AND notification_data != ''
		  AND last_viewed_at BETWEEN ? AND ?`, id.Title, id.Year, lo, hi).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("viewing: notified check: %w", err)
	}
	return n > 0, nil
}

// MarkRated flips is_rated on the record matching the identity.
func (s *Store) MarkRated(ctx context.Context, id Identity) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("viewing: mark rated: no record for %s", id.Key())
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE movies SET is_rated = 1, updated_at = ? WHERE identity = ?`,
		s.now().Unix(), rec.key)
	if err != nil {
		return fmt.Errorf("viewing: mark rated: %w", err)
	}
	return nil
}

// ClearNotification drops a stale notification ref, e.g. after the referenced
// chat message turned out to be deleted.
func (s *Store) ClearNotification(ctx context.Context, id Identity) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE movies SET notification_data = '', updated_at = ? WHERE identity = ?`,
		s.now().Unix(), rec.key)
	if err != nil {
		return fmt.Errorf("viewing: clear notification: %w", err)
	}
	return nil
}

// RecentUnratedWithNotification returns the most recent unrated records that
// still carry a notification ref, newest first. Used by the startup
// reconciler to reattach interactive controls.
func (s *Store) RecentUnratedWithNotification(ctx context.Context, limit int) ([]*MovieRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+movieColumns+` FROM movies
		WHERE is_rated = 0 AND notification_data != ''
		ORDER BY last_viewed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("viewing: recent unrated: %w", err)
	}
	defer rows.Close()

	var recs []*MovieRecord
	for rows.Next() {
		rec, err := scanMovie(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- internals ---

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getMatch resolves an identity to its record: storage key first, then
// cross-reference id, then title+year.
func getMatch(ctx context.Context, q querier, id Identity) (*MovieRecord, error) {
	rec, err := getOne(ctx, q, `identity = ?`, id.Key())
	if err != nil || rec != nil {
		return rec, err
	}
	if id.TMDBID != "" {
		rec, err = getOne(ctx, q, `tmdb_id = ?`, id.TMDBID)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	if id.Title != "" {
		return getOne(ctx, q, `title = ? AND year = ?`, id.Title, id.Year)
	}
	return nil, nil
}

func getOne(ctx context.Context, q querier, where string, args ...any) (*MovieRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+movieColumns+` FROM movies WHERE `+where+
			` ORDER BY last_viewed_at DESC LIMIT 1`, args...)
	rec, err := scanMovie(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("viewing: get: %w", err)
	}
	return rec, nil
}

func insertMovie(ctx context.Context, tx *sql.Tx, rec *MovieRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO movies (`+movieColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		movieArgs(rec.Identity.Key(), rec)...)
	if err != nil {
		return fmt.Errorf("viewing: insert: %w", err)
	}
	return nil
}

func updateMovie(ctx context.Context, tx *sql.Tx, oldKey string, rec *MovieRecord) error {
	args := movieArgs(rec.Identity.Key(), rec)
	args = append(args, oldKey)
	_, err := tx.ExecContext(ctx,
		`UPDATE movies SET identity=?, rating_key=?, title=?, original_title=?, year=?,
		duration=?, genres=?, directors=?, rating=?, poster_url=?, summary=?, library=?,
		tmdb_id=?, last_viewed_at=?, view_count=?, is_rated=?, notification_data=?,
		created_at=?, updated_at=?
		WHERE identity=?`, args...)
	if err != nil {
		return fmt.Errorf("viewing: update: %w", err)
	}
	return nil
}

func movieArgs(key string, rec *MovieRecord) []any {
	var lastViewed any
	if rec.LastViewedAt > 0 {
		lastViewed = rec.LastViewedAt
	}
	return []any{
		key, rec.RatingKey, rec.Title, rec.OriginalTitle, rec.Year, rec.Duration,
		marshalList(rec.Genres), marshalList(rec.Directors), rec.Rating,
		rec.PosterURL, rec.Summary, rec.Library, rec.Identity.TMDBID,
		lastViewed, rec.ViewCount, boolInt(rec.IsRated),
		marshalRef(rec.Notification), rec.CreatedAt, rec.UpdatedAt,
	}
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMovie(row scanner) (*MovieRecord, error) {
	var rec MovieRecord
	var genres, directors, refJSON string
	var lastViewed sql.NullInt64
	var rated int
	err := row.Scan(
		&rec.key, &rec.RatingKey, &rec.Title, &rec.OriginalTitle, &rec.Year,
		&rec.Duration, &genres, &directors, &rec.Rating, &rec.PosterURL,
		&rec.Summary, &rec.Library, &rec.Identity.TMDBID, &lastViewed,
		&rec.ViewCount, &rated, &refJSON, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Identity.Title = rec.Title
	rec.Identity.Year = rec.Year
	rec.LastViewedAt = lastViewed.Int64
	rec.IsRated = rated != 0

	// Malformed JSON sub-fields degrade to empty values rather than failing
	// the whole record load.
	rec.Genres = unmarshalList(genres)
	rec.Directors = unmarshalList(directors)
	rec.Notification = unmarshalRef(refJSON)
	return &rec, nil
}

func sameContent(a, b *MovieRecord) bool {
	return a.RatingKey == b.RatingKey &&
		a.Title == b.Title &&
		a.OriginalTitle == b.OriginalTitle &&
		a.Year == b.Year &&
		a.Duration == b.Duration &&
		slices.Equal(a.Genres, b.Genres) &&
		slices.Equal(a.Directors, b.Directors) &&
		a.Rating == b.Rating &&
		a.PosterURL == b.PosterURL &&
		a.Summary == b.Summary &&
		a.Library == b.Library &&
		a.Identity.TMDBID == b.Identity.TMDBID &&
		a.LastViewedAt == b.LastViewedAt &&
		a.ViewCount == b.ViewCount &&
		a.IsRated == b.IsRated &&
		sameRef(a.Notification, b.Notification)
}

func sameRef(a, b *NotificationRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func marshalList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil
	}
	return list
}

func marshalRef(ref *NotificationRef) string {
	if ref == nil {
		return ""
	}
	data, err := json.Marshal(ref)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalRef(s string) *NotificationRef {
	if s == "" {
		return nil
	}
	var ref NotificationRef
	if err := json.Unmarshal([]byte(s), &ref); err != nil || ref.MessageID == "" {
		return nil
	}
	return &ref
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
