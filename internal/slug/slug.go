// Package slug turns media file and folder names into catalog identifiers.
package slug

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	separatorRuns = regexp.MustCompile(`[\s_-]+`)
	categoryRE    = regexp.MustCompile(`(?i)^LSM_(.+?)_Web`)
)

// Make returns an ASCII, lowercase, dash-separated slug of text. Accented
// letters lose their marks; other non-ASCII characters are dropped.
func Make(text string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r >= utf8.RuneSelf
	})))
	ascii, _, err := transform.String(t, text)
	if err != nil {
		ascii = text
	}

	var b strings.Builder
	for _, r := range ascii {
		switch {
		case r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '-' || r == '_' || unicode.IsSpace(r):
			b.WriteRune(r)
		}
	}
	s := separatorRuns.ReplaceAllString(b.String(), "-")
	return strings.ToLower(strings.Trim(s, "-"))
}

// Category derives a category from a media folder name such as
// "LSM_Abecedario_Web". Other names are slugged whole.
func Category(folder string) string {
	if m := categoryRE.FindStringSubmatch(folder); m != nil {
		folder = m[1]
	}
	return strings.ReplaceAll(Make(folder), "-", "_")
}

// Title builds a display title from a file name.
func Title(fileName string) string {
	base := filepath.Base(fileName)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimSpace(strings.ReplaceAll(base, "_", " "))
	r, size := utf8.DecodeRuneInString(base)
	if size == 0 {
		return ""
	}
	return string(unicode.ToUpper(r)) + base[size:]
}
