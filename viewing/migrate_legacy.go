package viewing

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// legacyMovie mirrors the flat-file snapshot the first deployment kept:
// a JSON map keyed by the media server's internal item id. Field types are
// deliberately loose — the file was written by hand-rolled serialization and
// contains strings where numbers belong ("year": "Unknown").
type legacyMovie struct {
	Title         string           `json:"title"`
	OriginalTitle string           `json:"original_title"`
	Year          any              `json:"year"`
	Duration      string           `json:"duration"`
	Genres        []string         `json:"genres"`
	Directors     []string         `json:"directors"`
	Rating        any              `json:"rating"`
	Thumb         string           `json:"thumb"`
	TMDBID        string           `json:"tmdb_id"`
	Library       string           `json:"library"`
	LastViewedAt  string           `json:"last_viewed_at"`
	ViewCount     int              `json:"view_count"`
	Summary       string           `json:"summary"`
	IsRated       bool             `json:"is_rated"`
	Notification  *NotificationRef `json:"notification"`
}

// MigrateLegacyFile bootstraps the movies table from a legacy flat-file
// snapshot, then renames the file with a ".backup" suffix so the migration
// runs at most once. A missing file is a no-op. Entries without a title are
// skipped. The legacy "notification" field maps onto notification_data.
//
// Returns the number of migrated records.
func MigrateLegacyFile(db *sql.DB, path string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("viewing: read legacy file: %w", err)
	}

	var entries map[string]legacyMovie
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("viewing: parse legacy file: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("viewing: begin migration: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	migrated, skipped := 0, 0

	for ratingKey, m := range entries {
		if m.Title == "" {
			skipped++
			continue
		}

		year := coerceInt(m.Year)
		id := Identity{TMDBID: m.TMDBID, Title: m.Title, Year: year}

		var lastViewed any
		if ts := parseLegacyTime(m.LastViewedAt); ts > 0 {
			lastViewed = ts
		}

		// INSERT OR IGNORE: records already present (from a previous partial
		// run) win over the snapshot.
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO movies (`+movieColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id.Key(), ratingKey, m.Title, m.OriginalTitle, year, m.Duration,
			marshalList(m.Genres), marshalList(m.Directors), coerceString(m.Rating),
			m.Thumb, m.Summary, m.Library, m.TMDBID,
			lastViewed, m.ViewCount, boolInt(m.IsRated),
			marshalRef(m.Notification), now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("viewing: migrate %q: %w", ratingKey, err)
		}
		// IGNOREd rows were already present; only actual inserts count.
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			migrated++
		} else {
			skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("viewing: commit migration: %w", err)
	}

	if err := os.Rename(path, path+".backup"); err != nil {
		return migrated, fmt.Errorf("viewing: archive legacy file: %w", err)
	}

	logger.Info("viewing: legacy store migrated",
		"migrated", migrated, "skipped", skipped, "backup", path+".backup")
	return migrated, nil
}

// parseLegacyTime accepts the ISO-8601 variants the old snapshot contains.
func parseLegacyTime(s string) int64 {
	if s == "" {
		return 0
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.Unix()
		}
	}
	return 0
}

func coerceInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func coerceString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', 1, 64)
	default:
		return ""
	}
}
