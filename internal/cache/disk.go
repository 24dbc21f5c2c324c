package cache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/sonoralabs/sonora-core/internal/audio"
)

// Disk entry layout: magic, uint32 header length, JSON header,
// zstd-compressed PCM16. The header carries the sample rate plus a text
// excerpt so entries stay inspectable with nothing but this file.
const (
	entryMagic = "SNR1"
	entryExt   = ".sza"

	// headerTextLimit bounds the debugging excerpt stored on disk.
	headerTextLimit = 100
)

type entryHeader struct {
	SampleRate int    `json:"sample_rate"`
	Text       string `json:"text,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

func entryPath(dir string, key Key) string {
	return filepath.Join(dir, string(key)+entryExt)
}

func encodeEntry(enc *zstd.Encoder, buf audio.Buffer, hdr entryHeader) ([]byte, error) {
	if r := []rune(hdr.Text); len(r) > headerTextLimit {
		hdr.Text = string(r[:headerTextLimit])
	}
	headerJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("marshal entry header: %w", err)
	}

	out := make([]byte, 0, len(entryMagic)+4+len(headerJSON)+len(buf.PCM)/2)
	out = append(out, entryMagic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(headerJSON)))
	out = append(out, headerJSON...)
	out = enc.EncodeAll(buf.PCM, out)
	return out, nil
}

func decodeEntry(dec *zstd.Decoder, data []byte) (audio.Buffer, entryHeader, error) {
	if len(data) < len(entryMagic)+4 || string(data[:len(entryMagic)]) != entryMagic {
		return audio.Buffer{}, entryHeader{}, fmt.Errorf("not a cache entry")
	}
	data = data[len(entryMagic):]
	headerLen := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) < headerLen {
		return audio.Buffer{}, entryHeader{}, fmt.Errorf("truncated entry header")
	}

	var hdr entryHeader
	if err := json.Unmarshal(data[:headerLen], &hdr); err != nil {
		return audio.Buffer{}, entryHeader{}, fmt.Errorf("decode entry header: %w", err)
	}
	if hdr.SampleRate <= 0 {
		return audio.Buffer{}, entryHeader{}, fmt.Errorf("entry header has invalid sample rate %d", hdr.SampleRate)
	}

	pcm, err := dec.DecodeAll(data[headerLen:], nil)
	if err != nil {
		return audio.Buffer{}, entryHeader{}, fmt.Errorf("decompress entry: %w", err)
	}
	if len(pcm)%audio.BytesPerSample != 0 {
		return audio.Buffer{}, entryHeader{}, fmt.Errorf("entry pcm not aligned")
	}
	return audio.Buffer{PCM: pcm, SampleRate: hdr.SampleRate}, hdr, nil
}

// writeEntryFile writes atomically via a temp file so a crash mid-write
// never leaves a half-entry behind under the real key.
func writeEntryFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "entry_*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
