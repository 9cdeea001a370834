package chain

import (
	"strings"

	"github.com/velchev/marky/internal/marky/store"
)

// punctuation is the ASCII punctuation set stripped from word boundaries.
const punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Tokenize splits text into lowercased content words: whitespace-split,
// leading/trailing punctuation stripped, empty tokens dropped. Because the
// angle brackets of the sequence markers are punctuation, no token that
// survives tokenization can ever collide with a marker; the final check is
// there so untokenized callers of RecordSequence stay safe too.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.Trim(f, punctuation)
		if w == "" || w == store.StartMarker || w == store.EndMarker {
			continue
		}
		tokens = append(tokens, w)
	}
	return tokens
}
