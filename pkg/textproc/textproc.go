// Package textproc holds the text normalization applied before and after translation
package textproc

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/tataru-assistant/tataru"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/width"
)

var (
	lineBreaks = strings.NewReplacer("\r", "", "\n", "")
	whitespace = regexp.MustCompile(`\s+`)
)

// StripLineBreaks removes carriage returns and newlines
func StripLineBreaks(text string) string {
	return lineBreaks.Replace(text)
}

// NormalizeKey folds text into the form used for cache identity:
// no line breaks, trimmed, lowercase, single spaces, no [r] markers.
func NormalizeKey(text string) string {
	text = strings.TrimSpace(StripLineBreaks(text))
	text = strings.ToLower(text)
	text = whitespace.ReplaceAllString(text, " ")
	return strings.ReplaceAll(text, "[r]", "")
}

// isWideLetter matches full-width Latin letters and the ideographic space.
// Full-width digits and punctuation such as ，。！？ are left alone.
func isWideLetter(r rune) bool {
	switch {
	case r >= 'Ａ' && r <= 'Ｚ', r >= 'ａ' && r <= 'ｚ':
		return true
	case r == '　':
		return true
	}
	return false
}

// FullToHalf converts full-width Latin letters and spaces to their ASCII forms
func FullToHalf(text string) string {
	t := runes.If(runes.Predicate(isWideLetter), width.Narrow, nil)
	out, _, err := transform.String(t, text)
	if err != nil {
		return text
	}
	return out
}

// RestoreCodes collapses runs of each placeholder code, in any case, into one uppercase code
func RestoreCodes(text string, table tataru.Table) string {
	for _, p := range table {
		code := strings.TrimFunc(p.Code, unicode.IsSpace)
		if code == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)(?:` + regexp.QuoteMeta(code) + `)+`)
		if err != nil {
			continue
		}
		text = re.ReplaceAllLiteralString(text, strings.ToUpper(code))
	}
	return text
}

// PostProcess applies the output normalization every translation goes through
func PostProcess(text string, table tataru.Table) string {
	return RestoreCodes(FullToHalf(text), table)
}
