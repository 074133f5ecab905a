package viewing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/seance/dbopen"
	_ "modernc.org/sqlite"
)

const legacySnapshot = `{
  "1001": {
    "title": "Heat",
    "original_title": "Heat",
    "year": 1995,
    "duration": "2h 50min",
    "genres": ["Crime", "Thriller"],
    "directors": ["Michael Mann"],
    "rating": 8.3,
    "thumb": "http://plex.local/thumb/1001",
    "tmdb_id": "949",
    "last_viewed_at": "2024-11-02T21:15:00",
    "view_count": 2,
    "summary": "A group of professional bank robbers start to feel the heat.",
    "is_rated": true,
    "notification": {"message_id": "m1", "channel_id": "c1"}
  },
  "1002": {
    "title": "Stalker",
    "year": "Unknown",
    "view_count": 1,
    "last_viewed_at": "2024-12-24T23:05:00"
  },
  "1003": {
    "year": 2001,
    "view_count": 1
  }
}`

func TestMigrateLegacyFile(t *testing.T) {
	// WHAT: Valid legacy entries land in the movies table, the entry without
	// a title is skipped, and the file is renamed with a .backup suffix.
	// WHY: The first deployment kept a JSON flat file; upgrades must carry
	// its history over exactly once.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	st := NewStore(db)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "movie_data.json")
	if err := os.WriteFile(path, []byte(legacySnapshot), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := MigrateLegacyFile(db, path, nil)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if n != 2 {
		t.Errorf("migrated = %d, want 2 (entry without title skipped)", n)
	}

	// The legacy "notification" field maps onto notification_data.
	heat, err := st.Get(ctx, Identity{TMDBID: "949"})
	if err != nil || heat == nil {
		t.Fatalf("heat after migration: rec=%v err=%v", heat, err)
	}
	if !heat.IsRated {
		t.Error("is_rated lost in migration")
	}
	if heat.Notification == nil || heat.Notification.MessageID != "m1" {
		t.Errorf("notification ref = %+v, want m1/c1", heat.Notification)
	}
	if heat.RatingKey != "1001" {
		t.Errorf("rating_key = %q, want legacy map key", heat.RatingKey)
	}
	if heat.ViewCount != 2 {
		t.Errorf("view_count = %d, want 2", heat.ViewCount)
	}

	// Non-numeric year degrades to 0 instead of failing the entry.
	stalker, err := st.Get(ctx, Identity{Title: "Stalker", Year: 0})
	if err != nil || stalker == nil {
		t.Fatalf("stalker after migration: rec=%v err=%v", stalker, err)
	}

	// Original file archived; only the backup remains.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("legacy file still present after migration")
	}
	if _, err := os.Stat(path + ".backup"); err != nil {
		t.Errorf("backup file missing: %v", err)
	}
}

func TestMigrateLegacyFile_MissingFileIsNoop(t *testing.T) {
	// WHAT: No legacy file means no work and no error.
	// WHY: The migration runs unconditionally at every startup.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))

	n, err := MigrateLegacyFile(db, filepath.Join(t.TempDir(), "absent.json"), nil)
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if n != 0 {
		t.Errorf("migrated = %d, want 0", n)
	}
}

func TestMigrateLegacyFile_CountsOnlyActualInserts(t *testing.T) {
	// WHAT: Entries already present in the store are skipped by the insert
	// and excluded from the migrated count.
	// WHY: After a partial run the count feeds the startup log; inflating it
	// with pre-existing rows makes failed migrations look complete.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	st := NewStore(db)
	ctx := context.Background()

	// Heat is already in the store under the same identity key.
	existing := testRecord("949")
	if err := st.Upsert(ctx, existing); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "movie_data.json")
	if err := os.WriteFile(path, []byte(legacySnapshot), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := MigrateLegacyFile(db, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("migrated = %d, want 1 (pre-existing entry must not count)", n)
	}
}

func TestMigrateLegacyFile_RunsAtMostOnce(t *testing.T) {
	// WHAT: A second call after the rename migrates nothing.
	// WHY: The .backup rename is what guarantees at-most-once ingestion.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))

	path := filepath.Join(t.TempDir(), "movie_data.json")
	if err := os.WriteFile(path, []byte(legacySnapshot), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := MigrateLegacyFile(db, path, nil); err != nil {
		t.Fatal(err)
	}
	n, err := MigrateLegacyFile(db, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second run migrated %d records, want 0", n)
	}
}
