package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hazyhaar/seance/letterboxd"
	"github.com/hazyhaar/seance/viewing"
)

// InteractionSession is the slice of the Discord session the handler uses.
// *discordgo.Session satisfies it.
type InteractionSession interface {
	InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(i *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiaryLogger records one film viewing on the film-logging service.
// *letterboxd.Service satisfies it.
type DiaryLogger interface {
	LogFilm(ctx context.Context, req letterboxd.LogRequest) error
}

// Handler drives the rating flow: diary button opens the form, a submission
// goes to the film-logging service, then the notification's button flips to
// a disabled "Rated" label and the record is marked rated.
type Handler struct {
	store  *viewing.Store
	diary  DiaryLogger
	logger *slog.Logger

	// timeout bounds one diary submission end to end, browser fallback
	// included.
	timeout time.Duration
}

// NewHandler creates a Handler.
func NewHandler(store *viewing.Store, diary DiaryLogger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:   store,
		diary:   diary,
		logger:  logger,
		timeout: 2 * time.Minute,
	}
}

// HandleInteraction dispatches component and modal interactions. Register it
// on the session via AddHandler.
func (h *Handler) HandleInteraction(s InteractionSession, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		data := i.MessageComponentData()
		if id, ok := identityFromCustomID(data.CustomID, diaryButtonPrefix); ok {
			h.openDiaryModal(s, i, id)
		}
	case discordgo.InteractionModalSubmit:
		data := i.ModalSubmitData()
		if id, ok := identityFromCustomID(data.CustomID, diarySubmitPrefix); ok {
			h.submitDiaryEntry(s, i, id, data)
		}
	}
}

func (h *Handler) openDiaryModal(s InteractionSession, i *discordgo.InteractionCreate, id viewing.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := h.store.Get(ctx, id)
	if err != nil || rec == nil {
		h.logger.Error("notify: diary button for unknown movie", "key", id.Key(), "error", err)
		h.respondText(s, i, "This movie is no longer in the viewing history.")
		return
	}

	// Pre-select rewatch when the history already knows this film.
	isRewatch, err := h.store.WasPreviouslyRated(ctx, rec.Identity)
	if err != nil {
		h.logger.Warn("notify: rewatch check failed", "key", id.Key(), "error", err)
	}

	err = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: diaryModal(rec, isRewatch),
	})
	if err != nil {
		h.logger.Error("notify: open modal failed", "key", id.Key(), "error", err)
	}
}

func (h *Handler) submitDiaryEntry(s InteractionSession, i *discordgo.InteractionCreate, id viewing.Identity, data discordgo.ModalSubmitInteractionData) {
	// Acknowledge immediately; film id resolution can take tens of seconds.
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		h.logger.Error("notify: defer modal response failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	form, err := parseDiaryForm(data)
	if err != nil {
		h.followupEmbed(s, i, failureEmbed(err))
		return
	}

	rec, err := h.store.Get(ctx, id)
	if err != nil {
		h.logger.Error("notify: diary submit lookup failed", "key", id.Key(), "error", err)
		h.followupEmbed(s, i, failureEmbed(err))
		return
	}
	if rec == nil {
		h.logger.Error("notify: diary submit for unknown movie", "key", id.Key())
		h.followupEmbed(s, i, failureEmbed(fmt.Errorf("movie %s is no longer in the viewing history", id.Key())))
		return
	}

	watchedAt := time.Now()
	if rec.LastViewedAt > 0 {
		watchedAt = time.Unix(rec.LastViewedAt, 0)
	}

	searchTitle := rec.OriginalTitle
	if searchTitle == "" {
		searchTitle = rec.Title
	}
	err = h.diary.LogFilm(ctx, letterboxd.LogRequest{
		TMDBID: rec.Identity.TMDBID,
		Title:  searchTitle,
		Year:   rec.Year,
		Entry: letterboxd.DiaryEntry{
			Stars:     form.Stars,
			Rewatch:   form.Rewatch,
			Liked:     form.Liked,
			Tags:      form.Tags,
			Review:    form.Review,
			WatchedAt: watchedAt,
		},
	})
	if err != nil {
		h.logger.Error("notify: diary entry failed",
			"title", rec.Title, "year", rec.Year, "error", err)
		h.followupEmbed(s, i, failureEmbed(err))
		return
	}

	h.followupEmbed(s, i, successEmbed(rec, form.Stars, watchedAt))

	// Swap the button for a disabled "Rated" label on the original message.
	if i.Message != nil {
		components := ratedButtonRow(id.Key(), form.Stars, watchedAt)
		_, err := s.ChannelMessageEditComplex(&discordgo.MessageEdit{
			Channel:    i.Message.ChannelID,
			ID:         i.Message.ID,
			Components: &components,
		})
		if err != nil {
			h.logger.Warn("notify: disable diary button failed",
				"message_id", i.Message.ID, "error", err)
		}
	}

	if err := h.store.MarkRated(ctx, id); err != nil {
		h.logger.Error("notify: mark rated failed", "key", id.Key(), "error", err)
	} else {
		h.logger.Info("notify: movie rated",
			"title", rec.Title, "year", rec.Year, "stars", form.Stars)
	}
}

func (h *Handler) followupEmbed(s InteractionSession, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	_, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
		Flags:  discordgo.MessageFlagsEphemeral,
	})
	if err != nil {
		h.logger.Error("notify: followup failed", "error", err)
	}
}

func (h *Handler) respondText(s InteractionSession, i *discordgo.InteractionCreate, text string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		h.logger.Error("notify: respond failed", "error", err)
	}
}
