// Package wav writes captured PCM audio to RIFF/WAVE files.
//
// The writer accumulates raw S16LE frames in memory for the lifetime of a
// session and produces a single WAV file on close. Real-time capture never
// touches disk; the file write happens once, at session end.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/meetscribe/meetscribe/pkg/types"
)

// headerSize is the fixed RIFF/WAVE header length for PCM files.
const headerSize = 44

// ErrNoAudio is returned by WriteFile when no PCM bytes were captured.
var ErrNoAudio = errors.New("wav: no audio captured")

// Recorder buffers raw PCM for one session and renders it as a WAV file.
// Safe for concurrent use.
type Recorder struct {
	format types.AudioFormat

	mu      sync.Mutex
	buf     []byte
	started time.Time
}

// NewRecorder creates a Recorder for the given audio format.
func NewRecorder(format types.AudioFormat) *Recorder {
	return &Recorder{format: format}
}

// Append adds a raw PCM chunk to the in-memory capture buffer. The first
// append records the capture start time used for the output file name.
func (r *Recorder) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.IsZero() {
		r.started = time.Now()
	}
	r.buf = append(r.buf, chunk...)
}

// Len returns the number of PCM bytes captured so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// WriteFile renders the captured audio as a WAV file under dir, creating the
// directory recursively if needed. The file name embeds the capture start
// time. Returns the written file path, or ErrNoAudio when nothing was
// captured.
func (r *Recorder) WriteFile(dir string) (string, error) {
	r.mu.Lock()
	data := r.buf
	started := r.started
	r.mu.Unlock()

	if len(data) == 0 {
		return "", ErrNoAudio
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("wav: create dir %q: %w", dir, err)
	}

	path := filepath.Join(dir, FileName(started))
	out := make([]byte, 0, headerSize+len(data))
	out = append(out, EncodeHeader(r.format, len(data))...)
	out = append(out, data...)

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("wav: write %q: %w", path, err)
	}
	return path, nil
}

// FileName builds the recording file name for a capture that started at t.
// Colons and dots are not portable across filesystems and are replaced.
func FileName(t time.Time) string {
	stamp := t.Format(time.RFC3339Nano)
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return "recording_" + stamp + ".wav"
}

// EncodeHeader renders the 44-byte RIFF/WAVE header for a PCM payload of
// dataLen bytes in the given format. Little-endian throughout, format code 1
// (uncompressed PCM).
func EncodeHeader(f types.AudioFormat, dataLen int) []byte {
	h := make([]byte, headerSize)

	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")

	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16) // fmt sub-chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.SampleRate*f.Channels*2)) // byte rate
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.Channels*2))              // block align
	binary.LittleEndian.PutUint16(h[34:36], 16)                                // bits per sample

	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))

	return h
}
