package plex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Plex-Token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient(Config{URL: srv.URL, Token: "tok", Username: "alice"}, nil)
}

func TestHistory(t *testing.T) {
	// WHAT: History decodes the play-history container and passes the
	// requested size through.
	// WHY: The poller's entire input comes from this one endpoint.
	srv := testServer(t, map[string]string{
		"/status/sessions/history/all": `{"MediaContainer":{"Metadata":[
			{"ratingKey":"4711","title":"Heat","type":"movie","accountID":1,
			 "viewedAt":1700000000,"librarySectionTitle":"Movies"},
			{"ratingKey":"4712","title":"Twin Peaks","type":"episode","accountID":2,
			 "viewedAt":1699990000,"librarySectionTitle":"TV"}]}}`,
	})
	c := testClient(t, srv)

	entries, err := c.History(context.Background(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].RatingKey != "4711" || entries[0].Type != "movie" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].AccountID != 2 {
		t.Errorf("account id = %d, want 2", entries[1].AccountID)
	}
}

func TestItem_AdaptsToRecord(t *testing.T) {
	// WHAT: Item metadata converts to a domain record with the cross-reference
	// id extracted, runtime rendered as "2h 50min", and the poster URL carrying
	// the token.
	// WHY: The adapter is the single point where upstream shape becomes
	// domain shape; every default lives here.
	srv := testServer(t, map[string]string{
		"/library/metadata/4711": `{"MediaContainer":{"Metadata":[
			{"ratingKey":"4711","title":"Heat","year":1995,"duration":10200000,
			 "rating":8.3,"thumb":"/library/metadata/4711/thumb/1","summary":"s",
			 "librarySectionTitle":"Movies","lastViewedAt":1700000000,"viewCount":2,
			 "Genre":[{"tag":"Crime"},{"tag":"Thriller"}],
			 "Director":[{"tag":"Michael Mann"}],
			 "Guid":[{"id":"imdb://tt0113277"},{"id":"tmdb://949"}]}]}}`,
	})
	c := testClient(t, srv)

	it, err := c.Item(context.Background(), "4711")
	if err != nil {
		t.Fatal(err)
	}
	rec := c.Adapt(it)

	if rec.Identity.TMDBID != "949" {
		t.Errorf("cross-ref id = %q, want 949 (imdb guid skipped)", rec.Identity.TMDBID)
	}
	if rec.Duration != "2h 50min" {
		t.Errorf("duration = %q, want 2h 50min", rec.Duration)
	}
	if rec.Rating != "8.3" {
		t.Errorf("rating = %q", rec.Rating)
	}
	if rec.OriginalTitle != "Heat" {
		t.Errorf("original title default = %q, want Heat", rec.OriginalTitle)
	}
	want := srv.URL + "/library/metadata/4711/thumb/1?X-Plex-Token=tok"
	if rec.PosterURL != want {
		t.Errorf("poster url = %q, want %q", rec.PosterURL, want)
	}
}

func TestAdapt_Defaults(t *testing.T) {
	// WHAT: Absent runtime, rating, guids, and thumb degrade to explicit
	// placeholder values rather than zero-value noise.
	srv := testServer(t, nil)
	c := testClient(t, srv)

	rec := c.Adapt(&Item{RatingKey: "1", Title: "Sans Soleil", Year: 1983})
	if rec.Duration != "Unknown" {
		t.Errorf("duration = %q, want Unknown", rec.Duration)
	}
	if rec.Rating != "No Rating" {
		t.Errorf("rating = %q, want No Rating", rec.Rating)
	}
	if rec.Identity.TMDBID != "" {
		t.Errorf("cross-ref id = %q, want empty", rec.Identity.TMDBID)
	}
	if rec.PosterURL != "" {
		t.Errorf("poster url = %q, want empty", rec.PosterURL)
	}
	if rec.Identity.Key() != "Sans Soleil (1983)" {
		t.Errorf("identity key = %q", rec.Identity.Key())
	}
}

func TestAccountID(t *testing.T) {
	// WHAT: AccountID resolves a name to its id and reports unknown names.
	// WHY: History rows attribute plays by numeric id only.
	srv := testServer(t, map[string]string{
		"/accounts": `{"MediaContainer":{"Account":[
			{"id":1,"name":"alice"},{"id":2,"name":"bob"}]}}`,
	})
	c := testClient(t, srv)

	id, err := c.AccountID(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if id != 2 {
		t.Errorf("id = %d, want 2", id)
	}

	if _, err := c.AccountID(context.Background(), "mallory"); err == nil {
		t.Error("unknown account: expected error")
	}
}

func TestSessions(t *testing.T) {
	// WHAT: Sessions surfaces currently playing items with their user.
	// WHY: In-progress viewings are skipped until playback finishes.
	srv := testServer(t, map[string]string{
		"/status/sessions": `{"MediaContainer":{"Metadata":[
			{"title":"Heat","type":"movie","User":{"title":"alice"}}]}}`,
	})
	c := testClient(t, srv)

	sessions, err := c.Sessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].User.Title != "alice" {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestConnect_BoundedRetry(t *testing.T) {
	// WHAT: Connect retries up to the configured attempt count and then fails;
	// a flaky server that recovers within the budget succeeds.
	// WHY: The media server often boots slower than this process after a host
	// restart.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		URL: srv.URL, Token: "tok",
		ConnectAttempts: 3, ConnectDelay: time.Millisecond,
	}, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect within budget: %v", err)
	}

	calls.Store(-100) // stays failing for all attempts
	if err := c.Connect(context.Background()); err == nil {
		t.Error("exhausted budget: expected error")
	}
}

func TestGet_NonOKStatus(t *testing.T) {
	// WHAT: A non-200 response is an error, not an empty decode.
	srv := testServer(t, nil)
	c := NewClient(Config{URL: srv.URL, Token: "wrong"}, nil)

	if _, err := c.History(context.Background(), 10); err == nil {
		t.Error("unauthorized: expected error")
	}
}
