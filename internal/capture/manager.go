package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"greenroom/internal/domain"
	"greenroom/internal/logging"
	"greenroom/internal/ports"
)

// Options configure the media manager.
type Options struct {
	Video          ports.DeviceConfig
	Audio          ports.DeviceConfig
	RecordingDir   string
	RecordingLimit time.Duration

	// OnAudioLost and OnVideoLost run when a stream dies outside Cleanup,
	// for example when the device is unplugged mid-call.
	OnAudioLost func()
	OnVideoLost func()
}

// Manager owns the locally captured camera and microphone streams. Every
// acquisition, toggle, recording and release goes through it so teardown can
// never miss a track.
type Manager struct {
	opener   ports.DeviceOpener
	opts     Options
	recorder *answerRecorder
	taps     []ports.PCMTap

	mu           sync.Mutex
	video        ports.DeviceSession
	audio        ports.DeviceSession
	videoEnabled bool
	audioEnabled bool
	grant        domain.MediaGrant
	pumpDone     chan struct{}
	drainDone    chan struct{}
}

func NewManager(opener ports.DeviceOpener, opts Options) *Manager {
	return &Manager{
		opener:   opener,
		opts:     opts,
		recorder: newAnswerRecorder(opts.Audio.SampleRate, opts.RecordingLimit),
	}
}

// AddTap registers a PCM consumer. Must be called before Acquire.
func (m *Manager) AddTap(tap ports.PCMTap) {
	m.taps = append(m.taps, tap)
}

// Acquire opens the camera and microphone. A denied or missing device is
// reported in the grant, never as an error: the interview continues with
// whatever was granted. Any previously held streams are released first.
func (m *Manager) Acquire(ctx context.Context) domain.MediaGrant {
	m.Cleanup()

	video, videoErr := m.opener.Open(ctx, m.opts.Video)
	if videoErr != nil {
		logging.Warnw("camera unavailable",
			append(logging.DeviceFields(string(domain.DeviceVideo), m.opts.Video.InputDevice), "error", videoErr)...)
	}
	audio, audioErr := m.opener.Open(ctx, m.opts.Audio)
	if audioErr != nil {
		logging.Warnw("microphone unavailable",
			append(logging.DeviceFields(string(domain.DeviceAudio), m.opts.Audio.InputDevice), "error", audioErr)...)
	}

	grant := domain.MediaGrant{
		VideoGranted: video != nil,
		AudioGranted: audio != nil,
		Reason:       grantReason(video != nil, audio != nil),
	}

	m.mu.Lock()
	m.video = video
	m.audio = audio
	m.videoEnabled = video != nil
	m.audioEnabled = audio != nil
	m.grant = grant
	if audio != nil {
		m.pumpDone = make(chan struct{})
		go m.pump(audio, m.pumpDone)
	}
	if video != nil {
		m.drainDone = make(chan struct{})
		go m.drainVideo(video, m.drainDone)
	}
	m.mu.Unlock()

	logging.Infow("media acquired", "video", grant.VideoGranted, "audio", grant.AudioGranted)
	return grant
}

func grantReason(video, audio bool) string {
	switch {
	case video && audio:
		return ""
	case !video && !audio:
		return "Camera and microphone are unavailable. Check permissions and try again."
	case !video:
		return "Camera is unavailable; continuing with microphone only."
	default:
		return "Microphone is unavailable; continuing with camera only."
	}
}

// pump reads 20ms PCM frames from the microphone and fans them out to taps
// and the answer recorder. A muted microphone keeps the stream flowing but
// delivers silence, mirroring a disabled track.
func (m *Manager) pump(session ports.DeviceSession, done chan struct{}) {
	defer close(done)

	frame := make([]byte, m.pcmFrameBytes())
	samples := make([]int16, len(frame)/2)
	for {
		if _, err := io.ReadFull(session, frame); err != nil {
			if m.clearAudio(session) {
				logging.Warnw("microphone stream ended", "error", err)
				if m.opts.OnAudioLost != nil {
					m.opts.OnAudioLost()
				}
			}
			return
		}
		muted := !m.audioOn()
		for i := range samples {
			if muted {
				samples[i] = 0
			} else {
				samples[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
			}
		}
		m.recorder.Append(samples)
		for _, tap := range m.taps {
			tap.OnPCM(samples)
		}
	}
}

// drainVideo keeps the camera pipe from stalling; local preview is rendered
// by the UI shell, not this process.
func (m *Manager) drainVideo(session ports.DeviceSession, done chan struct{}) {
	defer close(done)
	_, err := io.Copy(io.Discard, session)
	if m.clearVideo(session) {
		logging.Warnw("camera stream ended", "error", err)
		if m.opts.OnVideoLost != nil {
			m.opts.OnVideoLost()
		}
	}
}

func (m *Manager) pcmFrameBytes() int {
	rate := m.opts.Audio.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	channels := m.opts.Audio.Channels
	if channels <= 0 {
		channels = 1
	}
	return rate / 50 * channels * 2
}

func (m *Manager) audioOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

// clearAudio forgets the given session if it is still the active one.
// Returns false when Cleanup already took ownership.
func (m *Manager) clearAudio(session ports.DeviceSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audio != session {
		return false
	}
	m.audio = nil
	m.audioEnabled = false
	return true
}

func (m *Manager) clearVideo(session ports.DeviceSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video != session {
		return false
	}
	m.video = nil
	m.videoEnabled = false
	return true
}

// ToggleVideo flips the camera track. Returns the new enabled state; a
// missing stream is a safe no-op reporting false.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video == nil {
		return false
	}
	m.videoEnabled = !m.videoEnabled
	return m.videoEnabled
}

// ToggleAudio flips the microphone track. Returns the new enabled state; a
// missing stream is a safe no-op reporting false.
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audio == nil {
		return false
	}
	m.audioEnabled = !m.audioEnabled
	return m.audioEnabled
}

// StartRecording begins capturing the current answer. Without a microphone
// stream this is a no-op.
func (m *Manager) StartRecording() {
	m.mu.Lock()
	hasAudio := m.audio != nil
	m.mu.Unlock()
	if !hasAudio {
		logging.Warnw("recording requested without microphone stream")
		return
	}
	if id := m.recorder.Start(); id != "" {
		logging.Infow("answer recording started", "clip.id", id)
	}
}

// StopRecording finalizes the current answer and returns the clip, or nil
// when no recording was in progress.
func (m *Manager) StopRecording() *domain.AudioClip {
	clip, truncated := m.recorder.StopClip()
	if clip == nil {
		return nil
	}
	if truncated {
		logging.Warnw("answer recording hit the size limit", "clip.id", clip.CorrelationID)
	}
	samples := (len(clip.WAV) - 44) / 2
	logging.Infow("answer recording finished",
		logging.ClipFields(clip.CorrelationID, samples, int(clip.Duration.Milliseconds()))...)
	if m.opts.RecordingDir != "" {
		m.saveClip(clip)
	}
	return clip
}

func (m *Manager) saveClip(clip *domain.AudioClip) {
	if err := os.MkdirAll(m.opts.RecordingDir, 0o755); err != nil {
		logging.Errorw("failed to create recording directory", "dir", m.opts.RecordingDir, "error", err)
		return
	}
	name := fmt.Sprintf("%s-%s.wav", time.Now().Format("20060102-150405"), clip.CorrelationID)
	path := filepath.Join(m.opts.RecordingDir, name)
	if err := os.WriteFile(path, clip.WAV, 0o600); err != nil {
		logging.Errorw("failed to save answer clip", "path", path, "error", err)
		return
	}
	logging.Infow("answer clip saved", "path", path)
}

// Cleanup stops every owned stream and clears the handles. Safe to call any
// number of times, including when nothing was acquired.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	video, audio := m.video, m.audio
	pumpDone, drainDone := m.pumpDone, m.drainDone
	m.video, m.audio = nil, nil
	m.pumpDone, m.drainDone = nil, nil
	m.videoEnabled, m.audioEnabled = false, false
	m.mu.Unlock()

	if m.recorder.Active() {
		logging.Warnw("discarding in-progress recording during media release")
		m.recorder.Discard()
	}
	if video != nil {
		if err := video.Stop(); err != nil {
			logging.Warnw("camera stop reported error", "error", err)
		}
	}
	if audio != nil {
		if err := audio.Stop(); err != nil {
			logging.Warnw("microphone stop reported error", "error", err)
		}
	}
	if pumpDone != nil {
		<-pumpDone
	}
	if drainDone != nil {
		<-drainDone
	}
}

// ListDevices enumerates selectable capture devices of the given kind.
func (m *Manager) ListDevices(ctx context.Context, kind domain.DeviceKind) ([]domain.DeviceInfo, error) {
	return m.opener.ListDevices(ctx, kind)
}

// Status reports the current stream and recording state.
func (m *Manager) Status() domain.MediaStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.MediaStatus{
		VideoGranted: m.grant.VideoGranted,
		AudioGranted: m.grant.AudioGranted,
		VideoLive:    m.video != nil,
		AudioLive:    m.audio != nil,
		VideoEnabled: m.videoEnabled,
		AudioEnabled: m.audioEnabled,
		Recording:    m.recorder.Active(),
	}
}
