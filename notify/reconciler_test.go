package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/seance/viewing"
)

type fakeFetcher struct {
	// missing holds message ids that return the API's unknown-message error.
	missing map[string]bool
	// failing holds message ids that return a transient error.
	failing map[string]bool
	edited  []string
}

func (f *fakeFetcher) ChannelMessage(channelID, messageID string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.missing[messageID] {
		return nil, &discordgo.RESTError{
			Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownMessage},
		}
	}
	if f.failing[messageID] {
		return nil, errors.New("rate limited")
	}
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

func (f *fakeFetcher) ChannelMessageEditComplex(m *discordgo.MessageEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.edited = append(f.edited, m.ID)
	return &discordgo.Message{ID: m.ID}, nil
}

func seedUnrated(t *testing.T, st *viewing.Store, tmdbID, messageID string, viewedAt int64) viewing.Identity {
	t.Helper()
	rec := &viewing.MovieRecord{
		Identity:     viewing.Identity{TMDBID: tmdbID, Title: "Film " + tmdbID, Year: 2020},
		Title:        "Film " + tmdbID,
		Year:         2020,
		LastViewedAt: viewedAt,
		ViewCount:    1,
		Notification: &viewing.NotificationRef{MessageID: messageID, ChannelID: "chan-1"},
	}
	if err := st.Upsert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec.Identity
}

func TestReconcile_RestoresAndClears(t *testing.T) {
	// WHAT: Live messages get their diary button reattached; refs to deleted
	// messages are cleared; transient fetch failures leave the ref alone.
	// WHY: Restart recovery must self-heal without wiping usable state.
	st := newTestStore(t)
	ctx := context.Background()

	liveID := seedUnrated(t, st, "1", "m-live", 1_700_000_000)
	goneID := seedUnrated(t, st, "2", "m-gone", 1_700_003_600)
	flakyID := seedUnrated(t, st, "3", "m-flaky", 1_700_007_200)

	f := &fakeFetcher{
		missing: map[string]bool{"m-gone": true},
		failing: map[string]bool{"m-flaky": true},
	}
	r := NewReconciler(st, f, 4, nil)

	if err := r.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	if len(f.edited) != 1 || f.edited[0] != "m-live" {
		t.Errorf("edited = %v, want [m-live]", f.edited)
	}

	live, _ := st.Get(ctx, liveID)
	if live.Notification == nil {
		t.Error("live message ref cleared")
	}
	gone, _ := st.Get(ctx, goneID)
	if gone.Notification != nil {
		t.Errorf("deleted message ref kept: %+v", gone.Notification)
	}
	flaky, _ := st.Get(ctx, flakyID)
	if flaky.Notification == nil {
		t.Error("transient failure cleared the ref")
	}
}

func TestReconcile_ClearsDegradedMessageRef(t *testing.T) {
	// WHAT: A row whose notification_data lost its message id loads with no
	// usable ref; the reconciler clears it and still handles the other rows.
	// WHY: Such rows match the unrated-with-notification query but cannot be
	// fetched, and the run must not die on them at startup.
	st := newTestStore(t)
	ctx := context.Background()

	liveID := seedUnrated(t, st, "1", "m-live", 1_700_000_000)
	badID := seedUnrated(t, st, "2", "m-bad", 1_700_003_600)
	_, err := st.DB.Exec(`UPDATE movies SET notification_data = ? WHERE identity = ?`,
		`{"message_id":"","channel_id":"chan-1"}`, badID.Key())
	if err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{}
	r := NewReconciler(st, f, 4, nil)
	if err := r.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	if len(f.edited) != 1 || f.edited[0] != "m-live" {
		t.Errorf("edited = %v, want [m-live]", f.edited)
	}
	live, _ := st.Get(ctx, liveID)
	if live.Notification == nil {
		t.Error("live message ref cleared")
	}

	// The degraded row must be scrubbed so it stops turning up as a candidate.
	var data string
	err = st.DB.QueryRow(`SELECT notification_data FROM movies WHERE identity = ?`,
		badID.Key()).Scan(&data)
	if err != nil {
		t.Fatal(err)
	}
	if data != "" {
		t.Errorf("notification_data = %q, want cleared", data)
	}
}

func TestReconcile_SkipsRatedMovies(t *testing.T) {
	// WHAT: Rated movies keep their disabled button; the reconciler never
	// touches their messages.
	st := newTestStore(t)
	ctx := context.Background()

	id := seedUnrated(t, st, "1", "m-1", 1_700_000_000)
	if err := st.MarkRated(ctx, id); err != nil {
		t.Fatal(err)
	}

	f := &fakeFetcher{}
	r := NewReconciler(st, f, 4, nil)
	if err := r.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.edited) != 0 {
		t.Errorf("edited = %v, want none", f.edited)
	}
}

func TestReconcile_HonorsLimit(t *testing.T) {
	// WHAT: Only the configured number of most recent notifications are
	// reconciled.
	// WHY: The channel history beyond the last few messages is stale; old
	// viewings do not deserve API calls on every restart.
	st := newTestStore(t)
	ctx := context.Background()

	for i, tmdb := range []string{"1", "2", "3"} {
		seedUnrated(t, st, tmdb, "m-"+tmdb, 1_700_000_000+int64(i)*3600)
	}

	f := &fakeFetcher{}
	r := NewReconciler(st, f, 2, nil)
	if err := r.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.edited) != 2 {
		t.Fatalf("edited = %v, want the 2 newest", f.edited)
	}
	// Newest first.
	if f.edited[0] != "m-3" || f.edited[1] != "m-2" {
		t.Errorf("order = %v, want [m-3 m-2]", f.edited)
	}
}
