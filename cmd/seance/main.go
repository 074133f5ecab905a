// Command seance watches a Plex server's play history, announces finished
// movie viewings in a Discord channel, and logs ratings submitted through
// those notifications to a Letterboxd diary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/seance/config"
	"github.com/hazyhaar/seance/dbopen"
	"github.com/hazyhaar/seance/letterboxd"
	"github.com/hazyhaar/seance/notify"
	"github.com/hazyhaar/seance/plex"
	"github.com/hazyhaar/seance/poll"
	"github.com/hazyhaar/seance/viewing"
)

func main() {
	configPath := flag.String("config", "seance.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("seance: fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Viewing store.
	db, err := dbopen.Open(cfg.Database.Path,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(viewing.Schema))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if n, err := viewing.MigrateLegacyFile(db, cfg.Database.LegacyJSONPath, logger); err != nil {
		return fmt.Errorf("legacy migration: %w", err)
	} else if n > 0 {
		logger.Info("seance: legacy records migrated", "count", n)
	}
	store := viewing.NewStore(db)

	// Media server.
	plexClient := plex.NewClient(cfg.PlexClientConfig(), logger)
	if err := plexClient.Connect(ctx); err != nil {
		return err
	}

	// Discord session.
	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages
	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	defer session.Close()

	if err := resolveChannel(ctx, session, cfg.Discord, logger); err != nil {
		return err
	}

	// Film logging. Without credentials the buttons still render but
	// submissions report the feature as unconfigured.
	var diary notify.DiaryLogger = disabledDiary{}
	if cfg.LetterboxdEnabled() {
		lbClient, err := letterboxd.NewClient(cfg.LetterboxdClientConfig(), logger)
		if err != nil {
			return err
		}
		browser := letterboxd.NewBrowser(letterboxd.BrowserConfig{
			RemoteURL: cfg.Letterboxd.BrowserRemoteURL,
			Logger:    logger,
		})
		defer browser.Close()
		diary = letterboxd.NewService(lbClient, browser, logger)
	} else {
		logger.Warn("seance: letterboxd credentials absent, rating flow disabled")
	}

	handler := notify.NewHandler(store, diary, logger)
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		handler.HandleInteraction(s, i)
	})

	// Reattach diary buttons from before the restart. Failure here only
	// costs old buttons, not new notifications.
	reconciler := notify.NewReconciler(store, session, cfg.Discord.ReconcileLimit, logger)
	if err := reconciler.Reconcile(ctx); err != nil {
		logger.Error("seance: reconciliation failed", "error", err)
	}

	dispatcher := notify.NewDispatcher(cfg.DispatcherConfig(), store, session, logger)
	pipeline := poll.NewPipeline(cfg.PollPipelineConfig(), plexClient, store, dispatcher, logger)

	hook := &sutureslog.Handler{Logger: logger}
	root := suture.New("seance", suture.Spec{EventHook: hook.MustHook()})
	root.Add(pipeline)
	if cfg.HTTP.Addr != "" {
		root.Add(&statusServer{addr: cfg.HTTP.Addr, pipeline: pipeline, logger: logger})
	}

	logger.Info("seance: started", "config", configPath)
	err = root.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("seance: shutting down")
		return nil
	}
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveChannel verifies the notification channel exists, retrying a
// bounded number of times. The gateway sometimes serves channel lookups a
// few seconds late right after connecting.
func resolveChannel(ctx context.Context, session *discordgo.Session, cfg config.DiscordConfig, logger *slog.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.ChannelAttempts; attempt++ {
		ch, err := session.Channel(cfg.ChannelID)
		if err == nil {
			logger.Info("seance: notification channel resolved", "channel", ch.Name)
			return nil
		}
		lastErr = err
		logger.Warn("seance: channel lookup failed",
			"attempt", attempt, "max", cfg.ChannelAttempts, "error", err)
		if attempt == cfg.ChannelAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.ChannelDelay):
		}
	}
	return fmt.Errorf("channel %s not reachable after %d attempts: %w",
		cfg.ChannelID, cfg.ChannelAttempts, lastErr)
}

// disabledDiary answers every submission with a configuration error.
type disabledDiary struct{}

func (disabledDiary) LogFilm(context.Context, letterboxd.LogRequest) error {
	return fmt.Errorf("letterboxd credentials are not configured")
}

// statusServer exposes liveness and pipeline counters. Runs under the
// supervisor next to the pipeline.
type statusServer struct {
	addr     string
	pipeline *poll.Pipeline
	logger   *slog.Logger
	started  time.Time
}

func (s *statusServer) Serve(ctx context.Context) error {
	s.started = time.Now()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Uptime string     `json:"uptime"`
			Poll   poll.Stats `json:"poll"`
		}{
			Uptime: time.Since(s.started).Round(time.Second).String(),
			Poll:   s.pipeline.Stats(),
		})
	})

	srv := &http.Server{Addr: s.addr, Handler: r}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	s.logger.Info("seance: status endpoint listening", "addr", s.addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errc:
		return err
	}
}
