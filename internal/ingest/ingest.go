// Package ingest turns each supported dataset source into a stream of
// labelled samples. Every variant implements Ingestor; per-sample problems
// are tallied as drops and only source-level problems surface as errors.
package ingest

import (
	"context"
	"errors"
	"iter"
	"strings"
	"unicode"

	"github.com/signlearn/trainer/internal/dataset"
)

// ErrSourceFormat reports a source that cannot be interpreted at all.
var ErrSourceFormat = errors.New("unsupported source format")

// Ingestor produces the samples of one dataset source. Samples is lazy:
// nothing is read until the sequence is ranged over, and ranging over it
// again re-reads the source.
type Ingestor interface {
	Samples(ctx context.Context) iter.Seq2[dataset.Sample, error]
	Representation() dataset.Representation
	Name() string
}

// NormalizeLabel canonicalises a raw label to a single uppercase letter or
// digit. Whitespace is trimmed, the text lowercased, a trailing "-web"
// removed and everything from the first dot on discarded. Anything that is
// not then exactly one letter or digit is rejected.
func NormalizeLabel(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "-web")
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if len(r) != 1 {
		return "", false
	}
	switch {
	case unicode.IsLetter(r[0]):
		return string(unicode.ToUpper(r[0])), true
	case unicode.IsDigit(r[0]):
		return s, true
	}
	return "", false
}

// allowSet returns nil for an empty list, meaning every label is allowed.
func allowSet(labels []string) map[string]bool {
	if len(labels) == 0 {
		return nil
	}
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[strings.ToUpper(strings.TrimSpace(l))] = true
	}
	return set
}

// emit yields samples until the consumer stops; it reports whether the
// consumer wants more.
func emit(samples []dataset.Sample, yield func(dataset.Sample, error) bool) bool {
	for _, s := range samples {
		if !yield(s, nil) {
			return false
		}
	}
	return true
}
