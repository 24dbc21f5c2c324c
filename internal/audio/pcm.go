// Package audio holds the small PCM primitives shared by the synthesis
// pipeline: all audio inside the runtime is mono 16-bit little-endian PCM.
package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// BytesPerSample is the width of one PCM16 sample on the wire.
const BytesPerSample = 2

// Buffer is an owned PCM16 byte buffer with its sample rate.
type Buffer struct {
	PCM        []byte
	SampleRate int
}

// Clone returns a deep copy. Cache reads hand out clones so eviction can
// never mutate audio a stream is still sending.
func (b Buffer) Clone() Buffer {
	out := Buffer{PCM: make([]byte, len(b.PCM)), SampleRate: b.SampleRate}
	copy(out.PCM, b.PCM)
	return out
}

// Duration reports the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	samples := len(b.PCM) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(b.SampleRate)
}

// Samples decodes the buffer into int16 samples.
func (b Buffer) Samples() ([]int16, error) {
	if len(b.PCM)%BytesPerSample != 0 {
		return nil, fmt.Errorf("pcm payload not aligned: %d bytes", len(b.PCM))
	}
	samples := make([]int16, len(b.PCM)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b.PCM[i*BytesPerSample:]))
	}
	return samples, nil
}

// FromSamples encodes int16 samples into a Buffer.
func FromSamples(samples []int16, sampleRate int) Buffer {
	pcm := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*BytesPerSample:], uint16(s))
	}
	return Buffer{PCM: pcm, SampleRate: sampleRate}
}

// Silence returns a zero-valued buffer of the given duration.
func Silence(d time.Duration, sampleRate int) Buffer {
	samples := int(d.Seconds() * float64(sampleRate))
	if samples < 0 {
		samples = 0
	}
	return Buffer{PCM: make([]byte, samples*BytesPerSample), SampleRate: sampleRate}
}

// Concat joins buffers in order. All inputs must share a sample rate;
// empty buffers are skipped.
func Concat(buffers ...Buffer) (Buffer, error) {
	var out Buffer
	for _, b := range buffers {
		if len(b.PCM) == 0 {
			continue
		}
		if out.SampleRate == 0 {
			out.SampleRate = b.SampleRate
		} else if b.SampleRate != out.SampleRate {
			return Buffer{}, fmt.Errorf("sample rate mismatch: %d vs %d", out.SampleRate, b.SampleRate)
		}
		out.PCM = append(out.PCM, b.PCM...)
	}
	return out, nil
}
