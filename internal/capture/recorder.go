package capture

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"

	"greenroom/internal/domain"
)

// answerRecorder accumulates microphone PCM for one interview answer. It is
// fed from the capture pump and drained into a WAV clip on stop.
type answerRecorder struct {
	sampleRate int
	maxSamples int

	mu            sync.Mutex
	active        bool
	correlationID string
	samples       []int16
	truncated     bool
}

func newAnswerRecorder(sampleRate int, limit time.Duration) *answerRecorder {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	maxSamples := int(limit.Seconds() * float64(sampleRate))
	if maxSamples <= 0 {
		maxSamples = sampleRate * 600
	}
	return &answerRecorder{sampleRate: sampleRate, maxSamples: maxSamples}
}

// Start begins a new answer. Returns the correlation ID, or "" when a
// recording is already in progress.
func (r *answerRecorder) Start() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ""
	}
	r.active = true
	r.correlationID = uuid.NewString()
	r.samples = r.samples[:0]
	r.truncated = false
	return r.correlationID
}

// Append adds one PCM frame to the active answer. Frames beyond the size
// limit are dropped and the clip is marked truncated.
func (r *answerRecorder) Append(frame []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	room := r.maxSamples - len(r.samples)
	if room <= 0 {
		r.truncated = true
		return
	}
	if len(frame) > room {
		frame = frame[:room]
		r.truncated = true
	}
	r.samples = append(r.samples, frame...)
}

// StopClip finalizes the active answer and returns it as a WAV clip, or nil
// when no recording was in progress.
func (r *answerRecorder) StopClip() (*domain.AudioClip, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return nil, false
	}
	r.active = false
	clip := &domain.AudioClip{
		WAV:           buildWAV(pcm16Bytes(r.samples), r.sampleRate, 1, 16),
		Duration:      time.Duration(len(r.samples)) * time.Second / time.Duration(r.sampleRate),
		CorrelationID: r.correlationID,
	}
	truncated := r.truncated
	r.samples = nil
	r.correlationID = ""
	return clip, truncated
}

// Discard drops any in-progress answer without producing a clip.
func (r *answerRecorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.samples = nil
	r.correlationID = ""
	r.truncated = false
}

func (r *answerRecorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *answerRecorder) SampleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func pcm16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// buildWAV creates a simple RIFF/WAVE header for 16-bit PCM and returns the
// concatenated bytes (header + data). sampleRate in Hz, channels and
// bitsPerSample (commonly 16) populate the header.
func buildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(pcm)
	return buf.Bytes()
}
