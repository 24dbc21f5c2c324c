// Package chunker splits long utterances into synthesizable units on
// sentence boundaries so downstream synthesis can run per chunk.
package chunker

import (
	"strings"
	"unicode"

	"github.com/sonoralabs/sonora-core/internal/config"
)

// Chunk is one ordered unit of text produced by a split. Seq is the
// 0-based position of the chunk within the original utterance.
type Chunk struct {
	Seq  int
	Text string
}

// Chunker packs sentences into chunks bounded by a maximum length,
// merging fragments shorter than the minimum forward into the next
// sentence. Lengths are measured in runes, not bytes, so multi-byte
// scripts are bounded the same way as ASCII.
type Chunker struct {
	maxLen int
	minLen int
}

func New(cfg config.ChunkerConfig) *Chunker {
	return &Chunker{
		maxLen: cfg.MaxChunkLen,
		minLen: cfg.MinChunkLen,
	}
}

// Split divides text into ordered chunks. Text at or under the maximum
// length comes back as a single chunk without any scanning work. A
// chunk may exceed the maximum when the alternative would leave a
// fragment under the minimum; short synthesis units sound worse than
// slightly long ones.
func (c *Chunker) Split(text string) []Chunk {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	// Byte length bounds rune length, so the common short case
	// returns without scanning.
	if len(trimmed) <= c.maxLen || runeLen(trimmed) <= c.maxLen {
		return []Chunk{{Seq: 0, Text: trimmed}}
	}

	sentences := splitSentences(trimmed)

	var chunks []Chunk
	var current string
	for _, sentence := range sentences {
		candidate := sentence
		if current != "" {
			candidate = current + " " + sentence
		}
		if runeLen(candidate) <= c.maxLen {
			current = candidate
			continue
		}
		if runeLen(current) >= c.minLen {
			chunks = append(chunks, Chunk{Seq: len(chunks), Text: current})
			current = sentence
		} else {
			// Too short to stand alone; carry the sentence even
			// though the chunk now exceeds the maximum.
			current = candidate
		}
	}
	if current != "" {
		chunks = append(chunks, Chunk{Seq: len(chunks), Text: current})
	}
	return chunks
}

// Texts returns just the chunk contents in sequence order.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, ch := range chunks {
		out[i] = ch.Text
	}
	return out
}

// sentenceTerminator reports whether r ends a sentence. Covers Latin
// punctuation plus the Devanagari danda forms used by several Indic
// languages.
func sentenceTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '।', '॥':
		return true
	}
	return false
}

// splitSentences cuts text after runs of sentence-ending punctuation
// that are followed by whitespace. Terminators stay attached to their
// sentence so the concatenation of the pieces reproduces the input.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	i := 0
	for i < len(runes) {
		if !sentenceTerminator(runes[i]) {
			i++
			continue
		}
		for i < len(runes) && sentenceTerminator(runes[i]) {
			i++
		}
		if i < len(runes) && !unicode.IsSpace(runes[i]) {
			// Mid-token punctuation, e.g. "3.14" or "e.g.x".
			continue
		}
		if s := strings.TrimSpace(string(runes[start:i])); s != "" {
			sentences = append(sentences, s)
		}
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
		start = i
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
