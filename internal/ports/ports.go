package ports

import (
	"context"
	"io"
	"time"

	"greenroom/internal/domain"
)

// DeviceConfig describes how one capture device should be opened.
type DeviceConfig struct {
	Kind        domain.DeviceKind
	InputFormat string
	InputDevice string

	// Audio capture settings.
	SampleRate int
	Channels   int

	// Video capture settings.
	Width     int
	Height    int
	FrameRate int
}

// DeviceSession is a live device capture stream.
type DeviceSession interface {
	io.ReadCloser
	Stop() error
}

// DeviceOpener opens capture sessions and enumerates devices.
type DeviceOpener interface {
	Open(ctx context.Context, cfg DeviceConfig) (DeviceSession, error)
	ListDevices(ctx context.Context, kind domain.DeviceKind) ([]domain.DeviceInfo, error)
}

// PCMTap receives read-only copies of microphone PCM frames. Implementations
// must not retain or mutate the slice.
type PCMTap interface {
	OnPCM(frame []int16)
}

// MediaDevices owns the locally captured camera and microphone streams.
type MediaDevices interface {
	Acquire(ctx context.Context) domain.MediaGrant
	ToggleVideo() bool
	ToggleAudio() bool
	StartRecording()
	StopRecording() *domain.AudioClip
	Cleanup()
	Status() domain.MediaStatus
	ListDevices(ctx context.Context, kind domain.DeviceKind) ([]domain.DeviceInfo, error)
}

// LevelMeter produces the rolling audio level series for the UI.
type LevelMeter interface {
	SetActive(active bool)
	Levels() []int
}

// SessionConfig describes how to join one call session.
type SessionConfig struct {
	Room        string
	ClientID    string
	DisplayName string
}

// FrameSource supplies decoded remote video frames, polled once per render
// tick. CurrentFrame returns the most recent frame and is safe to call from
// the render goroutine.
type FrameSource interface {
	FrameReady() bool
	CurrentFrame() (domain.VideoFrame, bool)
}

// CallSession is an active conversational video session.
type CallSession interface {
	FrameSource
	Events() <-chan domain.SessionEvent
	SetLocalAudio(enabled bool) error
	SetLocalVideo(enabled bool) error
	SessionURL() string
	Leave() error
	Wait() error
	Close() error
}

// CallProvider starts call sessions.
type CallProvider interface {
	Join(ctx context.Context, cfg SessionConfig) (CallSession, error)
}

// RosterView tracks participants from session events and hands out
// snapshots.
type RosterView interface {
	Reset()
	SetLocal(p domain.Participant)
	UpdateLocalTracks(cameraOn, micOn bool) bool
	Apply(ev domain.SessionEvent) (changed bool)
	Snapshot() domain.Roster
}

// RenderProgram and RenderTexture identify resources owned by a
// RenderContext.
type (
	RenderProgram uint32
	RenderTexture uint32
)

// RenderContext abstracts the drawing surface the compositor renders into.
// The production implementation rasterizes in software; tests substitute a
// counting fake to verify resource lifecycles.
type RenderContext interface {
	// CompileProgram links the chroma-key pipeline: a full-screen quad
	// sampled with flipped rows, hard-cutoff key removal in the fragment
	// stage, non-premultiplied alpha output.
	CompileProgram() (RenderProgram, error)
	// CreateTexture allocates the reusable frame texture with
	// clamp-to-edge wrapping and linear filtering.
	CreateTexture() (RenderTexture, error)
	// Resize matches the destination surface and viewport to the source
	// frame dimensions. Implementations must treat same-size calls as
	// no-ops.
	Resize(width, height int) error
	// Upload replaces the texture contents with the given frame.
	Upload(tex RenderTexture, frame domain.VideoFrame) error
	// Draw runs the keying pass across the whole surface with the given
	// key color bound as uniforms.
	Draw(prog RenderProgram, tex RenderTexture, key domain.KeyColor) error
	// Snapshot encodes the current surface contents as PNG.
	Snapshot() ([]byte, error)
	DeleteProgram(prog RenderProgram)
	DeleteTexture(tex RenderTexture)
}

// RenderSession is one compositing run bound to a single frame source.
type RenderSession interface {
	Start(source FrameSource) error
	Stop()
	State() domain.CompositorState
	Snapshot() ([]byte, error)
}

// FrameClock paces periodic per-frame work. Tick delivers animation ticks
// and Now supplies the wall-clock reading used for frame-rate decisions, so
// tests can drive both deterministically.
type FrameClock interface {
	Now() time.Time
	Tick() <-chan time.Time
	Stop()
}

// Fullscreen toggles the host window's fullscreen state.
type Fullscreen interface {
	Enter(ctx context.Context) error
	Exit(ctx context.Context) error
}

// Clipboard writes text into the system clipboard.
type Clipboard interface {
	SetText(ctx context.Context, text string) error
}

// EventSink emits backend state/events to the UI.
type EventSink interface {
	CallStateChanged(state domain.CallState, reason domain.CallStateReason)
	RosterChanged(roster domain.Roster)
	AudioLevels(levels []int)
	SessionError(code domain.ErrorCode, detail string)
}
