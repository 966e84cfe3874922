package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"greenroom/internal/domain"
	"greenroom/internal/ports"
)

type fakeSession struct {
	r *io.PipeReader
	w *io.PipeWriter

	stops    int32
	stopOnce sync.Once
}

func newFakeSession() *fakeSession {
	r, w := io.Pipe()
	return &fakeSession{r: r, w: w}
}

func (s *fakeSession) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *fakeSession) Close() error               { return s.Stop() }

func (s *fakeSession) Stop() error {
	atomic.AddInt32(&s.stops, 1)
	s.stopOnce.Do(func() {
		_ = s.w.Close()
		_ = s.r.Close()
	})
	return nil
}

func (s *fakeSession) stopCount() int32 { return atomic.LoadInt32(&s.stops) }

type fakeOpener struct {
	videoErr error
	audioErr error

	mu       sync.Mutex
	sessions map[domain.DeviceKind][]*fakeSession
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{sessions: make(map[domain.DeviceKind][]*fakeSession)}
}

func (f *fakeOpener) Open(ctx context.Context, cfg ports.DeviceConfig) (ports.DeviceSession, error) {
	switch cfg.Kind {
	case domain.DeviceVideo:
		if f.videoErr != nil {
			return nil, f.videoErr
		}
	case domain.DeviceAudio:
		if f.audioErr != nil {
			return nil, f.audioErr
		}
	}
	s := newFakeSession()
	f.mu.Lock()
	f.sessions[cfg.Kind] = append(f.sessions[cfg.Kind], s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeOpener) ListDevices(ctx context.Context, kind domain.DeviceKind) ([]domain.DeviceInfo, error) {
	return nil, nil
}

func (f *fakeOpener) last(kind domain.DeviceKind) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.sessions[kind]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// frameTap copies each delivered PCM frame into a channel so tests can wait
// for pump progress.
type frameTap struct {
	frames chan []int16
}

func newFrameTap() *frameTap {
	return &frameTap{frames: make(chan []int16, 16)}
}

func (t *frameTap) OnPCM(frame []int16) {
	copied := make([]int16, len(frame))
	copy(copied, frame)
	select {
	case t.frames <- copied:
	default:
	}
}

func (t *frameTap) next(tb testing.TB) []int16 {
	tb.Helper()
	select {
	case frame := <-t.frames:
		return frame
	case <-time.After(2 * time.Second):
		tb.Fatalf("timed out waiting for PCM frame")
		return nil
	}
}

func pcmFrame(sampleRate int, value int16) []byte {
	samples := sampleRate / 50
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(value))
	}
	return out
}

func newTestManager(opener ports.DeviceOpener, opts Options) *Manager {
	if opts.Audio.Kind == "" {
		opts.Audio = ports.DeviceConfig{Kind: domain.DeviceAudio, SampleRate: 8000, Channels: 1}
	}
	if opts.Video.Kind == "" {
		opts.Video = ports.DeviceConfig{Kind: domain.DeviceVideo}
	}
	if opts.RecordingLimit == 0 {
		opts.RecordingLimit = time.Minute
	}
	return NewManager(opener, opts)
}

func TestAcquireGrantsBothStreams(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	m := newTestManager(opener, Options{})
	defer m.Cleanup()

	grant := m.Acquire(context.Background())
	if !grant.VideoGranted || !grant.AudioGranted || grant.Reason != "" {
		t.Fatalf("unexpected grant: %+v", grant)
	}

	status := m.Status()
	if !status.VideoLive || !status.AudioLive || !status.VideoEnabled || !status.AudioEnabled {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestAcquireCameraDeniedContinuesAudioOnly(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.videoErr = errors.New("permission denied")
	m := newTestManager(opener, Options{})
	defer m.Cleanup()

	grant := m.Acquire(context.Background())
	if grant.VideoGranted || !grant.AudioGranted {
		t.Fatalf("unexpected grant: %+v", grant)
	}
	if grant.Reason == "" {
		t.Fatalf("expected a user-facing reason")
	}

	if m.ToggleVideo() {
		t.Fatalf("camera toggle must be a no-op without a stream")
	}
	if m.ToggleAudio() {
		t.Fatalf("expected mic toggle to report muted")
	}
	if !m.ToggleAudio() {
		t.Fatalf("expected mic toggle to report unmuted")
	}
}

func TestAcquireBothDeniedStillUsable(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.videoErr = errors.New("permission denied")
	opener.audioErr = errors.New("permission denied")
	m := newTestManager(opener, Options{})
	defer m.Cleanup()

	grant := m.Acquire(context.Background())
	if grant.VideoGranted || grant.AudioGranted {
		t.Fatalf("unexpected grant: %+v", grant)
	}
	if grant.Reason == "" {
		t.Fatalf("expected a user-facing reason")
	}

	status := m.Status()
	if status.VideoLive || status.AudioLive {
		t.Fatalf("expected no live streams: %+v", status)
	}
	if m.ToggleVideo() || m.ToggleAudio() {
		t.Fatalf("expected toggles to no-op without streams")
	}
	m.Cleanup()
}

func TestTogglesAreNoOpsBeforeAcquire(t *testing.T) {
	t.Parallel()

	m := newTestManager(newFakeOpener(), Options{})
	if m.ToggleVideo() || m.ToggleAudio() {
		t.Fatalf("expected toggles to report false with no streams")
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	m := newTestManager(opener, Options{})
	m.Acquire(context.Background())

	video := opener.last(domain.DeviceVideo)
	audio := opener.last(domain.DeviceAudio)

	m.Cleanup()
	m.Cleanup()
	m.Cleanup()

	if video.stopCount() != 1 || audio.stopCount() != 1 {
		t.Fatalf("expected each session stopped exactly once, got video=%d audio=%d", video.stopCount(), audio.stopCount())
	}

	status := m.Status()
	if status.VideoLive || status.AudioLive || status.VideoEnabled || status.AudioEnabled {
		t.Fatalf("expected cleared status, got %+v", status)
	}
	if m.ToggleVideo() || m.ToggleAudio() {
		t.Fatalf("expected toggles to no-op after cleanup")
	}
}

func TestReacquireReplacesPreviousStreams(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	m := newTestManager(opener, Options{})
	defer m.Cleanup()

	m.Acquire(context.Background())
	firstVideo := opener.last(domain.DeviceVideo)
	firstAudio := opener.last(domain.DeviceAudio)

	m.Acquire(context.Background())
	if firstVideo.stopCount() != 1 || firstAudio.stopCount() != 1 {
		t.Fatalf("expected first streams released on re-acquire")
	}
	if !m.Status().AudioLive {
		t.Fatalf("expected fresh audio stream live")
	}
}

func TestRecordingProducesWAVClip(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.videoErr = errors.New("no camera")
	tap := newFrameTap()
	m := newTestManager(opener, Options{})
	m.AddTap(tap)
	defer m.Cleanup()

	m.Acquire(context.Background())
	m.StartRecording()
	if !m.Status().Recording {
		t.Fatalf("expected recording status")
	}

	audio := opener.last(domain.DeviceAudio)
	if _, err := audio.w.Write(pcmFrame(8000, 7)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	tap.next(t)

	clip := m.StopRecording()
	if clip == nil {
		t.Fatalf("expected a clip")
	}
	if clip.CorrelationID == "" {
		t.Fatalf("expected a correlation id")
	}
	if string(clip.WAV[:4]) != "RIFF" || string(clip.WAV[8:12]) != "WAVE" {
		t.Fatalf("unexpected WAV header: %q", clip.WAV[:12])
	}
	dataLen := binary.LittleEndian.Uint32(clip.WAV[40:44])
	if int(dataLen) != 8000/50*2 {
		t.Fatalf("unexpected data length: %d", dataLen)
	}
	sample := int16(binary.LittleEndian.Uint16(clip.WAV[44:46]))
	if sample != 7 {
		t.Fatalf("unexpected first sample: %d", sample)
	}
	if clip.Duration != 20*time.Millisecond {
		t.Fatalf("unexpected duration: %s", clip.Duration)
	}
}

func TestRecordingWithoutMicrophoneIsNoOp(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.videoErr = errors.New("denied")
	opener.audioErr = errors.New("denied")
	m := newTestManager(opener, Options{})
	defer m.Cleanup()

	m.Acquire(context.Background())
	m.StartRecording()
	if m.Status().Recording {
		t.Fatalf("expected recording to stay off without a microphone")
	}
	if clip := m.StopRecording(); clip != nil {
		t.Fatalf("expected nil clip, got %+v", clip)
	}
}

func TestStopRecordingWithoutStartReturnsNil(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	m := newTestManager(opener, Options{})
	defer m.Cleanup()

	m.Acquire(context.Background())
	if clip := m.StopRecording(); clip != nil {
		t.Fatalf("expected nil clip, got %+v", clip)
	}
}

func TestMutedMicrophoneDeliversSilence(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.videoErr = errors.New("no camera")
	tap := newFrameTap()
	m := newTestManager(opener, Options{})
	m.AddTap(tap)
	defer m.Cleanup()

	m.Acquire(context.Background())
	if m.ToggleAudio() {
		t.Fatalf("expected toggle to mute")
	}

	audio := opener.last(domain.DeviceAudio)
	if _, err := audio.w.Write(pcmFrame(8000, 12345)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	frame := tap.next(t)
	for i, s := range frame {
		if s != 0 {
			t.Fatalf("expected silence at %d, got %d", i, s)
		}
	}
}

func TestSavedClipWrittenToRecordingDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opener := newFakeOpener()
	opener.videoErr = errors.New("no camera")
	tap := newFrameTap()
	m := newTestManager(opener, Options{RecordingDir: dir})
	m.AddTap(tap)
	defer m.Cleanup()

	m.Acquire(context.Background())
	m.StartRecording()

	audio := opener.last(domain.DeviceAudio)
	if _, err := audio.w.Write(pcmFrame(8000, 3)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	tap.next(t)

	if clip := m.StopRecording(); clip == nil {
		t.Fatalf("expected a clip")
	}

	saved, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil || len(saved) != 1 {
		t.Fatalf("expected one saved clip, got %v err=%v", saved, err)
	}
}

func TestAudioLossClearsStreamAndNotifies(t *testing.T) {
	t.Parallel()

	opener := newFakeOpener()
	opener.videoErr = errors.New("no camera")
	lost := make(chan struct{}, 1)
	m := newTestManager(opener, Options{OnAudioLost: func() { lost <- struct{}{} }})
	defer m.Cleanup()

	m.Acquire(context.Background())
	audio := opener.last(domain.DeviceAudio)
	_ = audio.w.Close()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for audio loss callback")
	}
	if m.Status().AudioLive {
		t.Fatalf("expected audio stream cleared after loss")
	}
}
