package auth

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxUsernameBytes bounds a username's encoded length.
const MaxUsernameBytes = 255

const forbiddenUsernameChars = "#<>[]|{}/@:"

// NormalizeUsername returns the canonical form of a proposed username and
// whether it is valid. Underscores become spaces, runs of whitespace
// collapse, the text is NFC normalized and the first letter upper-cased.
// Names containing reserved characters or control characters, or that end
// up empty or too long, are invalid.
func NormalizeUsername(name string) (string, bool) {
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.Join(strings.Fields(name), " ")
	name = norm.NFC.String(name)
	if name == "" || len(name) > MaxUsernameBytes || !utf8.ValidString(name) {
		return "", false
	}
	for _, r := range name {
		if unicode.IsControl(r) || strings.ContainsRune(forbiddenUsernameChars, r) || r == utf8.RuneError {
			return "", false
		}
	}
	first, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(first)) + name[size:], true
}
