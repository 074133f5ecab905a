package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/seance/viewing"
)

// MessageFetcher is the slice of the Discord session the reconciler uses.
// *discordgo.Session satisfies it.
type MessageFetcher interface {
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Reconciler reattaches diary buttons after a restart. Interactions on
// components only reach us while the process runs, so messages sent by a
// previous incarnation need their components re-established; refs to
// messages deleted in the meantime are cleared from the store.
type Reconciler struct {
	store   *viewing.Store
	session MessageFetcher
	logger  *slog.Logger

	// limit bounds how many recent unrated notifications are reconciled.
	limit int
	// limiter paces the message fetches; reconciliation is not urgent and
	// must not eat the API budget at startup.
	limiter *rate.Limiter
}

// NewReconciler creates a Reconciler covering the limit most recent unrated
// notifications.
func NewReconciler(store *viewing.Store, session MessageFetcher, limit int, logger *slog.Logger) *Reconciler {
	if limit <= 0 {
		limit = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   store,
		session: session,
		logger:  logger,
		limit:   limit,
		limiter: rate.NewLimiter(rate.Limit(2), 1),
	}
}

// Reconcile fetches each referenced message and restores its diary button.
// A missing message clears the stored ref; any other fetch error leaves the
// ref in place for the next restart.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	recs, err := r.store.RecentUnratedWithNotification(ctx, r.limit)
	if err != nil {
		return fmt.Errorf("notify: load unrated notifications: %w", err)
	}

	restored, cleared := 0, 0
	for _, rec := range recs {
		// Degraded refs (empty message id, unparseable notification_data) load
		// as nil; clear them so they stop surfacing as candidates.
		ref := rec.Notification
		if ref == nil {
			r.logger.Warn("notify: unusable message ref, clearing", "title", rec.Title)
			if err := r.store.ClearNotification(ctx, rec.Identity); err != nil {
				r.logger.Error("notify: clear ref failed", "error", err)
			}
			cleared++
			continue
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		msg, err := r.session.ChannelMessage(ref.ChannelID, ref.MessageID)
		if err != nil {
			if isUnknownMessage(err) {
				r.logger.Info("notify: notification message gone, clearing ref",
					"title", rec.Title, "message_id", ref.MessageID)
				if err := r.store.ClearNotification(ctx, rec.Identity); err != nil {
					r.logger.Error("notify: clear ref failed", "error", err)
				}
				cleared++
				continue
			}
			r.logger.Warn("notify: message fetch failed, keeping ref",
				"title", rec.Title, "message_id", ref.MessageID, "error", err)
			continue
		}

		components := diaryButtonRow(rec.Identity.Key())
		_, err = r.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
			Channel:    msg.ChannelID,
			ID:         msg.ID,
			Components: &components,
		})
		if err != nil {
			r.logger.Warn("notify: reattach button failed",
				"title", rec.Title, "message_id", msg.ID, "error", err)
			continue
		}
		restored++
	}

	r.logger.Info("notify: reconciliation done",
		"candidates", len(recs), "restored", restored, "cleared", cleared)
	return nil
}

func isUnknownMessage(err error) bool {
	var rerr *discordgo.RESTError
	return errors.As(err, &rerr) &&
		rerr.Message != nil && rerr.Message.Code == discordgo.ErrCodeUnknownMessage
}
