// Package notify turns qualifying viewings into Discord messages and drives
// the rating flow behind them: a button on each notification opens a diary
// form, submissions go to the film-logging service, and a startup reconciler
// reattaches controls to messages that survived a restart.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hazyhaar/seance/viewing"
)

const (
	// PlexLogo decorates watch notifications.
	PlexLogo = "https://i.imgur.com/AdmDnsP.png"
	// LetterboxdLogo decorates rating results.
	LetterboxdLogo = "https://i.imgur.com/0Yd2L4i.png"

	colorOrange = 0xe67e22
	colorGreen  = 0x2ecc71
	colorRed    = 0xe74c3c

	posterFilename = "movie_poster.jpg"
)

// summary truncation bounds, in bytes.
const (
	summaryMin = 300
	summaryMax = 400
)

// ShortenSummary truncates a plot summary at a sentence boundary. Summaries
// within maxLen pass through untouched. Otherwise the cut lands on the last
// period between minLen and maxLen, falling back to the last period before
// minLen, falling back to a hard cut at maxLen.
func ShortenSummary(s string, minLen, maxLen int) string {
	if len(s) <= maxLen {
		return strings.TrimSpace(s)
	}
	if i := strings.LastIndex(s[minLen:maxLen], "."); i >= 0 {
		return strings.TrimSpace(s[:minLen+i+1])
	}
	if i := strings.LastIndex(s[:minLen], "."); i >= 0 {
		return strings.TrimSpace(s[:i+1])
	}
	return strings.TrimSpace(s[:maxLen])
}

// BuildEmbed renders the watch notification for one movie. On a rewatch the
// "Last Viewed" field shows the previous viewing from the decision, not the
// record's own timestamp, which already carries the current event.
func BuildEmbed(rec *viewing.MovieRecord, dec viewing.Decision) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s (%d)", rec.Title, rec.Year),
		Description: "📜 **Description**: " + ShortenSummary(rec.Summary, summaryMin, summaryMax),
		Color:       colorOrange,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Author: &discordgo.MessageEmbedAuthor{
			Name:    "Plex Movie Notification 🎬",
			IconURL: PlexLogo,
		},
		Thumbnail: &discordgo.MessageEmbedThumbnail{URL: PlexLogo},
		Footer: &discordgo.MessageEmbedFooter{
			Text:    "Watched",
			IconURL: PlexLogo,
		},
	}

	e.Fields = []*discordgo.MessageEmbedField{
		{Name: "⏳ Duration", Value: rec.Duration, Inline: true},
		{Name: "🎭 Genre", Value: joinOrUnknown(firstN(rec.Genres, 3)), Inline: true},
		{Name: "🎬 Director", Value: joinOrUnknown(rec.Directors), Inline: true},
		{Name: "⭐ Rating", Value: rec.Rating, Inline: true},
	}

	lastViewed := int64(0)
	switch {
	case dec.IsRewatch && dec.PreviousViewedAt > 0:
		lastViewed = dec.PreviousViewedAt
	case rec.ViewCount > 1 && rec.LastViewedAt > 0:
		lastViewed = rec.LastViewedAt
	}
	if lastViewed > 0 {
		e.Fields = append(e.Fields,
			&discordgo.MessageEmbedField{
				Name:   "👀 Last Viewed",
				Value:  formatViewedAt(lastViewed),
				Inline: true,
			},
			&discordgo.MessageEmbedField{
				Name:   "📊 View Count",
				Value:  fmt.Sprintf("%d", rec.ViewCount),
				Inline: true,
			})
	}

	return e
}

// successEmbed renders the ephemeral confirmation after a diary entry lands.
func successEmbed(rec *viewing.MovieRecord, stars float64, at time.Time) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "Rating Successful!",
		Description: fmt.Sprintf("**%s (%d)** rated **%s ★** on Letterboxd.",
			rec.Title, rec.Year, formatStars(stars)),
		Color:     colorGreen,
		Timestamp: at.UTC().Format(time.RFC3339),
		Author: &discordgo.MessageEmbedAuthor{
			Name:    "Letterboxd Rating",
			IconURL: LetterboxdLogo,
		},
	}
}

// failureEmbed renders the ephemeral error after a diary entry fails.
func failureEmbed(err error) *discordgo.MessageEmbed {
	msg := err.Error()
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return &discordgo.MessageEmbed{
		Title:       "❌ Diary Entry Failed!",
		Description: "Error: " + msg,
		Color:       colorRed,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Author: &discordgo.MessageEmbedAuthor{
			Name:    "Letterboxd Error",
			IconURL: LetterboxdLogo,
		},
	}
}

func formatViewedAt(unix int64) string {
	return time.Unix(unix, 0).Format("02.01.2006 15:04")
}

// formatStars renders "4" for whole stars and "3.5" for half stars.
func formatStars(stars float64) string {
	if stars == float64(int(stars)) {
		return fmt.Sprintf("%d", int(stars))
	}
	return fmt.Sprintf("%.1f", stars)
}

func joinOrUnknown(vals []string) string {
	if len(vals) == 0 {
		return "Unknown"
	}
	return strings.Join(vals, ", ")
}

func firstN(vals []string, n int) []string {
	if len(vals) > n {
		return vals[:n]
	}
	return vals
}
