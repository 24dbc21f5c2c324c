package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Settings are the synthesis parameters that participate in cache
// identity. Requests differing only in fields outside this set share
// audio.
type Settings struct {
	Language     string
	Emotion      []float64
	SpeakingRate float64
	PitchStd     float64
}

// Key addresses one rendered utterance. It is the hex form of a SHA-256
// digest over the canonicalized (text, model, settings) tuple, which
// doubles as the disk filename stem.
type Key string

// KeyFor derives the cache key. Text is trimmed and case-folded so
// cosmetic differences collide; field order in the digest is fixed, so
// the key is independent of request arrival order.
func KeyFor(text, model string, s Settings) Key {
	h := sha256.New()
	writeField := func(name, value string) {
		h.Write([]byte(name))
		h.Write([]byte{0x1f})
		h.Write([]byte(value))
		h.Write([]byte{0x1e})
	}

	writeField("text", strings.ToLower(strings.TrimSpace(text)))
	writeField("model", model)
	writeField("language", s.Language)

	var emotion strings.Builder
	for i, v := range s.Emotion {
		if i > 0 {
			emotion.WriteByte(',')
		}
		emotion.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	writeField("emotion", emotion.String())
	writeField("speaking_rate", strconv.FormatFloat(s.SpeakingRate, 'g', -1, 64))
	writeField("pitch_std", strconv.FormatFloat(s.PitchStd, 'g', -1, 64))

	return Key(hex.EncodeToString(h.Sum(nil)))
}
