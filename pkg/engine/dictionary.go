package engine

import (
	"context"
	"strings"

	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/pkg/textproc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Dictionary is an offline engine backed by a phrase table.
//
// Text is translated line by line. Lines without an entry are kept as they
// are, which lets batch separators pass through untouched. A text where no
// line matches fails with NotFound so the fallback chain can move on.
type Dictionary struct {
	name    string
	entries map[string]string
}

// NewDictionary creates a dictionary engine from source text to translation.
// Lookups ignore case and surrounding whitespace.
func NewDictionary(name string, entries map[string]string) *Dictionary {
	d := &Dictionary{name: name, entries: make(map[string]string, len(entries))}
	for src, dst := range entries {
		d.entries[textproc.NormalizeKey(src)] = dst
	}
	return d
}

// Name returns the engine name
func (d *Dictionary) Name() string {
	return d.name
}

// Len returns the number of phrases
func (d *Dictionary) Len() int {
	return len(d.entries)
}

// Translate implements Engine
func (d *Dictionary) Translate(ctx context.Context, req *tataru.Request) (string, error) {
	return d.TranslateStream(ctx, req, nil)
}

// TranslateStream implements StreamingEngine, emitting one delta per line
func (d *Dictionary) TranslateStream(ctx context.Context, req *tataru.Request, onDelta func(string)) (string, error) {
	lines := strings.Split(req.Text, "\n")
	out := make([]string, len(lines))

	matched := false
	for i, line := range lines {
		out[i] = line
		if strings.TrimSpace(line) == "" {
			continue
		}
		if dst, ok := d.entries[textproc.NormalizeKey(line)]; ok {
			out[i] = dst
			matched = true
		}
	}
	if !matched {
		return "", status.Errorf(codes.NotFound, "%s: no entry for %q", d.name, req.Text)
	}

	if onDelta != nil {
		for i, line := range out {
			if err := ctx.Err(); err != nil {
				return "", status.FromContextError(err).Err()
			}
			if i > 0 {
				line = "\n" + line
			}
			onDelta(line)
		}
	}

	return strings.Join(out, "\n"), nil
}
