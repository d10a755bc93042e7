package requestid

import (
	"regexp"

	"github.com/google/uuid"
)

// Header carries the request id in both directions
const Header = "X-Request-ID"

// MaxLength matches the length of a generated UUID
const MaxLength = 36

var validRe = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// Resolve returns incoming when it is a usable id (alphanumerics and
// hyphens, at most MaxLength) and a fresh UUID otherwise.
func Resolve(incoming string) string {
	if incoming != "" && len(incoming) <= MaxLength && validRe.MatchString(incoming) {
		return incoming
	}
	return uuid.New().String()
}
