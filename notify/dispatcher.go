package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hazyhaar/seance/viewing"
)

// Sender is the slice of the Discord session the dispatcher uses.
// *discordgo.Session satisfies it.
type Sender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// SendError reports a failed notification send.
type SendError struct {
	ChannelID string
	Cause     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("notify: send to channel %s: %v", e.ChannelID, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

// DispatcherConfig configures notification delivery.
type DispatcherConfig struct {
	// ChannelID is the Discord channel notifications go to.
	ChannelID string
	// MentionUserID, when set, prepends a user mention to every notification.
	MentionUserID string
}

// Dispatcher persists a qualifying viewing and sends its notification.
//
// The record is upserted before the send: state advances first, so a send
// failure loses the notification rather than risking a duplicate on the next
// tick. The message ref lands in a second upsert after the send succeeds.
type Dispatcher struct {
	cfg    DispatcherConfig
	store  *viewing.Store
	sender Sender
	http   *http.Client
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig, store *viewing.Store, sender Sender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		sender: sender,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// Dispatch records the viewing and sends its notification message.
func (d *Dispatcher) Dispatch(ctx context.Context, ev viewing.Event, dec viewing.Decision) error {
	rec := ev.Record
	rec.Notification = nil

	if err := d.store.Upsert(ctx, &rec); err != nil {
		return fmt.Errorf("notify: record viewing: %w", err)
	}

	msg := &discordgo.MessageSend{
		Embed:      BuildEmbed(&rec, dec),
		Components: diaryButtonRow(rec.Identity.Key()),
	}
	if d.cfg.MentionUserID != "" {
		msg.Content = "<@" + d.cfg.MentionUserID + ">"
	}

	// Poster attachment is best effort; the embed still renders without it.
	if file := d.fetchPoster(ctx, rec.PosterURL); file != nil {
		msg.Files = []*discordgo.File{file}
		msg.Embed.Image = &discordgo.MessageEmbedImage{URL: "attachment://" + posterFilename}
	}

	sent, err := d.sender.ChannelMessageSendComplex(d.cfg.ChannelID, msg)
	if err != nil {
		return &SendError{ChannelID: d.cfg.ChannelID, Cause: err}
	}

	rec.Notification = &viewing.NotificationRef{MessageID: sent.ID, ChannelID: sent.ChannelID}
	if err := d.store.Upsert(ctx, &rec); err != nil {
		return fmt.Errorf("notify: record message ref: %w", err)
	}

	d.logger.Info("notify: notification sent",
		"title", rec.Title, "year", rec.Year, "rewatch", dec.IsRewatch,
		"message_id", sent.ID)
	return nil
}

func (d *Dispatcher) fetchPoster(ctx context.Context, url string) *discordgo.File {
	if url == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	resp, err := d.http.Do(req)
	if err != nil {
		d.logger.Warn("notify: poster fetch failed", "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		d.logger.Warn("notify: poster fetch failed", "status", resp.StatusCode)
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		d.logger.Warn("notify: poster read failed", "error", err)
		return nil
	}
	return &discordgo.File{
		Name:        posterFilename,
		ContentType: resp.Header.Get("Content-Type"),
		Reader:      bytes.NewReader(data),
	}
}
