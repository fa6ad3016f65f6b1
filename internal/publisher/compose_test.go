package publisher

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"social-publisher/models"
)

func TestComposeText(t *testing.T) {
	loc := &models.Location{Lat: 48.85, Lng: 2.35, Address: "Paris"}
	suffix := "\n📍 Paris"
	fits := strings.Repeat("a", CharacterLimit-utf8.RuneCountInString(suffix))

	tests := []struct {
		name    string
		content string
		loc     *models.Location
		want    string
	}{
		{"no location", "hello", nil, "hello"},
		{"location without address", "hello", &models.Location{Lat: 1, Lng: 2}, "hello"},
		{"short content gets suffix", "hello", loc, "hello" + suffix},
		{"exactly at limit", fits, loc, fits + suffix},
		{"one over limit keeps content", fits + "a", loc, fits + "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComposeText(tt.content, tt.loc)
			assert.Equal(t, tt.want, got)
			if tt.loc != nil && tt.loc.Address != "" && got != tt.content {
				assert.LessOrEqual(t, utf8.RuneCountInString(got), CharacterLimit)
			}
		})
	}
}

func TestComposeTextCountsRunesNotBytes(t *testing.T) {
	loc := &models.Location{Address: "Zürich"}
	suffix := LocationSuffix(loc)
	content := strings.Repeat("é", CharacterLimit-utf8.RuneCountInString(suffix))

	assert.Equal(t, content+suffix, ComposeText(content, loc))
}
