package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/hazyhaar/seance/viewing"
)

// Message component custom ids carry the movie identity key after a pipe, so
// interactions survive process restarts without any in-memory session state.
const (
	diaryButtonPrefix = "diary|"
	diarySubmitPrefix = "diarysubmit|"
)

// modal text input ids
const (
	inputRating  = "rating"
	inputRewatch = "rewatch"
	inputLiked   = "liked"
	inputTags    = "tags"
	inputReview  = "review"
)

// diaryButtonRow builds the action row attached to every notification.
func diaryButtonRow(identityKey string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "📝 Diary Entry",
					Style:    discordgo.PrimaryButton,
					CustomID: diaryButtonPrefix + identityKey,
				},
			},
		},
	}
}

// ratedButtonRow replaces the diary button after a successful rating.
func ratedButtonRow(identityKey string, stars float64, at time.Time) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    fmt.Sprintf("Rated %s ★ for %s", formatStars(stars), at.Format("02.01.2006 15:04")),
					Style:    discordgo.SecondaryButton,
					CustomID: diaryButtonPrefix + identityKey,
					Disabled: true,
				},
			},
		},
	}
}

// diaryModal builds the rating form. Discord modals only carry text inputs,
// so rewatch and liked are yes/no fields; rewatch is pre-filled when the
// viewing history already says so.
func diaryModal(rec *viewing.MovieRecord, isRewatch bool) *discordgo.InteractionResponseData {
	title := rec.Title
	if len(title) > 35 {
		title = title[:35] + "..."
	}

	rewatchValue := "no"
	if isRewatch {
		rewatchValue = "yes"
	}

	return &discordgo.InteractionResponseData{
		CustomID: diarySubmitPrefix + rec.Identity.Key(),
		Title:    "Log: " + title,
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.TextInput{
					CustomID:    inputRating,
					Label:       "⭐ Rating (0.5 - 5)",
					Style:       discordgo.TextInputShort,
					Placeholder: "3.5",
					Required:    true,
					MaxLength:   3,
				},
			}},
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.TextInput{
					CustomID:    inputRewatch,
					Label:       "🔄 Rewatch? (yes/no)",
					Style:       discordgo.TextInputShort,
					Value:       rewatchValue,
					Required:    false,
					MaxLength:   3,
				},
			}},
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.TextInput{
					CustomID:    inputLiked,
					Label:       "❤️ Liked? (yes/no)",
					Style:       discordgo.TextInputShort,
					Value:       "no",
					Required:    false,
					MaxLength:   3,
				},
			}},
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.TextInput{
					CustomID:    inputTags,
					Label:       "🏷️ Tags",
					Style:       discordgo.TextInputShort,
					Placeholder: "horror, cinema, rewatched with friends",
					Required:    false,
					MaxLength:   200,
				},
			}},
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.TextInput{
					CustomID:    inputReview,
					Label:       "📝 Review",
					Style:       discordgo.TextInputParagraph,
					Placeholder: "What did you think of the film?",
					Required:    false,
					MaxLength:   1000,
				},
			}},
		},
	}
}

// diaryForm is a parsed modal submission.
type diaryForm struct {
	Stars   float64
	Rewatch bool
	Liked   bool
	Tags    []string
	Review  string
}

// parseDiaryForm validates the submitted text inputs.
func parseDiaryForm(data discordgo.ModalSubmitInteractionData) (diaryForm, error) {
	values := map[string]string{}
	for _, row := range data.Components {
		ar, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, c := range ar.Components {
			if in, ok := c.(*discordgo.TextInput); ok {
				values[in.CustomID] = strings.TrimSpace(in.Value)
			}
		}
	}

	stars, err := strconv.ParseFloat(values[inputRating], 64)
	if err != nil {
		return diaryForm{}, fmt.Errorf("rating %q is not a number", values[inputRating])
	}
	if stars < 0.5 || stars > 5 || stars*2 != float64(int(stars*2)) {
		return diaryForm{}, fmt.Errorf("rating %v must be 0.5 to 5 in half-star steps", stars)
	}

	f := diaryForm{
		Stars:   stars,
		Rewatch: strings.EqualFold(values[inputRewatch], "yes"),
		Liked:   strings.EqualFold(values[inputLiked], "yes"),
		Review:  values[inputReview],
	}
	for _, tag := range strings.Split(values[inputTags], ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			f.Tags = append(f.Tags, tag)
		}
	}
	return f, nil
}

// identityFromCustomID strips a component prefix and parses the identity key.
func identityFromCustomID(customID, prefix string) (viewing.Identity, bool) {
	key, ok := strings.CutPrefix(customID, prefix)
	if !ok || key == "" {
		return viewing.Identity{}, false
	}
	return viewing.ParseKey(key), true
}
