package publisher

import (
	"unicode/utf8"

	"social-publisher/models"
)

// CharacterLimit is the platform's maximum post length in characters.
const CharacterLimit = 280

// LocationSuffix renders the line appended for a tagged place.
func LocationSuffix(loc *models.Location) string {
	if loc == nil || loc.Address == "" {
		return ""
	}
	return "\n📍 " + loc.Address
}

// ComposeText appends the location suffix only when the result fits the
// character limit. Content is never truncated.
func ComposeText(content string, loc *models.Location) string {
	suffix := LocationSuffix(loc)
	if suffix == "" {
		return content
	}
	if utf8.RuneCountInString(content)+utf8.RuneCountInString(suffix) > CharacterLimit {
		return content
	}
	return content + suffix
}
