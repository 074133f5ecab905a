package letterboxd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// LogRequest identifies a film and the diary entry to record for it.
// FilmID on the embedded entry is resolved here; callers leave it empty.
type LogRequest struct {
	TMDBID string
	Title  string
	Year   int
	Entry  DiaryEntry
}

// Service serializes diary operations against one account: resolve the film
// id, make sure the session is live, post the entry.
type Service struct {
	client   *Client
	resolver *Resolver
	logger   *slog.Logger

	mu       sync.Mutex
	loggedIn bool
}

// NewService creates a Service. browser may be nil to disable the search
// fallback.
func NewService(client *Client, browser *Browser, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:   client,
		resolver: NewResolver(client, browser),
		logger:   logger,
	}
}

// LogFilm records one diary entry. The session is established lazily and
// re-established once if the site rejects the post, which is what an expired
// session looks like from outside.
func (s *Service) LogFilm(ctx context.Context, req LogRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLogin(ctx); err != nil {
		return err
	}

	filmID, err := s.resolver.ResolveFilmID(ctx, req.TMDBID, req.Title, req.Year)
	if err != nil {
		return err
	}
	entry := req.Entry
	entry.FilmID = filmID

	if err := s.client.SaveDiaryEntry(ctx, entry); err != nil {
		s.logger.Warn("letterboxd: save failed, retrying with fresh session",
			"title", req.Title, "error", err)
		s.loggedIn = false
		if err := s.ensureLogin(ctx); err != nil {
			return err
		}
		if err := s.client.SaveDiaryEntry(ctx, entry); err != nil {
			return fmt.Errorf("letterboxd: log %q: %w", req.Title, err)
		}
	}
	return nil
}

func (s *Service) ensureLogin(ctx context.Context) error {
	if s.loggedIn {
		return nil
	}
	if err := s.client.Login(ctx); err != nil {
		return err
	}
	s.loggedIn = true
	return nil
}
