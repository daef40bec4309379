// Package batch merges independent translation requests into fewer upstream calls
package batch

import (
	"context"
	"math"
	"strings"
	"unicode/utf8"
)

// result is delivered to a waiting caller once its batch is processed
type result struct {
	value string
	err   error
}

// Join combines texts into one upstream payload
func Join(texts []string, separator string) string {
	return strings.Join(texts, separator)
}

// Split undoes Join on a translated payload. Engines tend to reflow whitespace
// around the separator, so only its visible token is matched and each
// segment is trimmed.
func Split(text, separator string) []string {
	token := strings.TrimSpace(separator)
	if token == "" {
		token = separator
	}
	parts := strings.Split(text, token)
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// SplitProportional cuts text into n consecutive pieces of roughly equal rune length.
// It is a lossy last resort for a payload whose separators were dropped.
func SplitProportional(text string, n int) []string {
	if n <= 0 {
		return nil
	}
	runes := []rune(text)
	avg := float64(len(runes)) / float64(n)

	parts := make([]string, n)
	for i := 0; i < n; i++ {
		start := int(math.Floor(float64(i) * avg))
		end := int(math.Floor(float64(i+1) * avg))
		if i == n-1 {
			end = len(runes)
		}
		parts[i] = strings.TrimSpace(string(runes[start:end]))
	}
	return parts
}

// textLength counts characters the way upstream length limits do
func textLength(s string) int {
	return utf8.RuneCountInString(s)
}

// wait blocks until the item's result arrives or ctx ends
func wait(ctx context.Context, ch <-chan result) (string, error) {
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
