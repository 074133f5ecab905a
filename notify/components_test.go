package notify

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/hazyhaar/seance/viewing"
)

func modalData(values map[string]string) discordgo.ModalSubmitInteractionData {
	var rows []discordgo.MessageComponent
	for id, v := range values {
		rows = append(rows, &discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				&discordgo.TextInput{CustomID: id, Value: v},
			},
		})
	}
	return discordgo.ModalSubmitInteractionData{Components: rows}
}

func TestParseDiaryForm(t *testing.T) {
	// WHAT: A complete submission parses stars, flags, comma-split tags, and
	// the review text.
	f, err := parseDiaryForm(modalData(map[string]string{
		inputRating:  "3.5",
		inputRewatch: "yes",
		inputLiked:   "no",
		inputTags:    " cinema, 35mm ,",
		inputReview:  "Still holds up.",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if f.Stars != 3.5 || !f.Rewatch || f.Liked {
		t.Errorf("parsed = %+v", f)
	}
	if len(f.Tags) != 2 || f.Tags[0] != "cinema" || f.Tags[1] != "35mm" {
		t.Errorf("tags = %v", f.Tags)
	}
}

func TestParseDiaryForm_InvalidRating(t *testing.T) {
	// WHAT: Non-numeric, out-of-range, and off-grid ratings are rejected.
	// WHY: The site silently records a wrong rating for out-of-scale values.
	for _, bad := range []string{"", "abc", "0", "5.5", "3.3", "-1"} {
		_, err := parseDiaryForm(modalData(map[string]string{inputRating: bad}))
		if err == nil {
			t.Errorf("rating %q accepted", bad)
		}
	}
}

func TestIdentityFromCustomID(t *testing.T) {
	// WHAT: Component ids round-trip the identity through button and modal
	// prefixes; foreign ids are ignored.
	id := viewing.Identity{Title: "Heat", Year: 1995}

	got, ok := identityFromCustomID(diaryButtonPrefix+id.Key(), diaryButtonPrefix)
	if !ok || got.Key() != id.Key() {
		t.Errorf("button id parsed to %+v", got)
	}

	if _, ok := identityFromCustomID("otherbot|x", diaryButtonPrefix); ok {
		t.Error("foreign custom id accepted")
	}
	if _, ok := identityFromCustomID(diaryButtonPrefix, diaryButtonPrefix); ok {
		t.Error("empty key accepted")
	}
}

func TestDiaryModal_RewatchPrefill(t *testing.T) {
	// WHAT: The rewatch field pre-fills "yes" when the history already knows
	// the film, and long titles are trimmed for the modal header.
	rec := &viewing.MovieRecord{
		Identity: viewing.Identity{TMDBID: "949"},
		Title:    "The Assassination of Jesse James by the Coward Robert Ford",
		Year:     2007,
	}

	data := diaryModal(rec, true)
	if len(data.Title) > 45 {
		t.Errorf("modal title too long: %q", data.Title)
	}

	row := data.Components[1].(discordgo.ActionsRow)
	in := row.Components[0].(discordgo.TextInput)
	if in.CustomID != inputRewatch || in.Value != "yes" {
		t.Errorf("rewatch input = %+v", in)
	}

	data = diaryModal(rec, false)
	row = data.Components[1].(discordgo.ActionsRow)
	if row.Components[0].(discordgo.TextInput).Value != "no" {
		t.Error("rewatch not pre-filled with no")
	}
}
