package domain

import "time"

// CallState models the interview call lifecycle.
type CallState string

const (
	CallStateIdle    CallState = "idle"
	CallStateLive    CallState = "live"
	CallStateLeaving CallState = "leaving"
	CallStateEnded   CallState = "ended"
	CallStateError   CallState = "error"
)

// CallStateReason provides a structured reason for state transitions.
type CallStateReason string

const (
	CallReasonDevicesCold       CallStateReason = "devices_cold"
	CallReasonCallJoined        CallStateReason = "call_joined"
	CallReasonCallRejoined      CallStateReason = "call_rejoined"
	CallReasonCallLeft          CallStateReason = "call_left"
	CallReasonSessionEnded      CallStateReason = "session_ended"
	CallReasonSessionFailed     CallStateReason = "session_failed"
	CallReasonRecordingStarted  CallStateReason = "recording_started"
	CallReasonRecordingFinished CallStateReason = "recording_finished"
)

// ErrorCode identifies non-fatal backend errors surfaced to the UI.
type ErrorCode string

const (
	ErrorCodeStartup     ErrorCode = "startup"
	ErrorCodePermissions ErrorCode = "permissions"
	ErrorCodeCapture     ErrorCode = "capture"
	ErrorCodeSession     ErrorCode = "session"
	ErrorCodeCompositor  ErrorCode = "compositor"
	ErrorCodeRecording   ErrorCode = "recording"
	ErrorCodeFullscreen  ErrorCode = "fullscreen"
	ErrorCodeClipboard   ErrorCode = "clipboard"
)

// DeviceKind distinguishes capture devices.
type DeviceKind string

const (
	DeviceVideo DeviceKind = "video"
	DeviceAudio DeviceKind = "audio"
)

// DeviceInfo describes one selectable capture device.
type DeviceInfo struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Kind    DeviceKind `json:"kind"`
	Default bool       `json:"default"`
}

// MediaGrant reports the outcome of a device acquisition attempt. Denial is
// not fatal: the interview proceeds without the denied device and Reason
// carries the user-facing explanation.
type MediaGrant struct {
	VideoGranted bool   `json:"videoGranted"`
	AudioGranted bool   `json:"audioGranted"`
	Reason       string `json:"reason,omitempty"`
}

// MediaStatus summarizes the state of the locally owned device streams.
type MediaStatus struct {
	VideoGranted bool `json:"videoGranted"`
	AudioGranted bool `json:"audioGranted"`
	VideoLive    bool `json:"videoLive"`
	AudioLive    bool `json:"audioLive"`
	VideoEnabled bool `json:"videoEnabled"`
	AudioEnabled bool `json:"audioEnabled"`
	Recording    bool `json:"recording"`
}

// AudioClip is one recorded interview answer, wrapped as WAV.
type AudioClip struct {
	WAV           []byte        `json:"-"`
	Duration      time.Duration `json:"duration"`
	CorrelationID string        `json:"correlationId"`
}

// TrackKind identifies a participant's media track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Participant is one identity connected to the call session.
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Local    bool   `json:"local"`
	CameraOn bool   `json:"cameraOn"`
	MicOn    bool   `json:"micOn"`
	Speaking bool   `json:"speaking"`
}

// RosterPhase describes what the participant area should present.
type RosterPhase string

const (
	// RosterConnecting means no remote participant has joined yet; the UI
	// shows the connecting placeholder, never an empty video area.
	RosterConnecting RosterPhase = "connecting"
	RosterLive       RosterPhase = "live"
	RosterEnded      RosterPhase = "ended"
)

// Roster is a point-in-time snapshot of the call session's participants.
type Roster struct {
	Phase  RosterPhase   `json:"phase"`
	Local  *Participant  `json:"local,omitempty"`
	Remote []Participant `json:"remote"`
}

// SessionEventKind tags events delivered by the call-session provider.
type SessionEventKind string

const (
	EventParticipantJoined SessionEventKind = "participant_joined"
	EventParticipantLeft   SessionEventKind = "participant_left"
	EventTrackUpdated      SessionEventKind = "track_updated"
	EventAudio             SessionEventKind = "audio"
	EventStats             SessionEventKind = "stats"
	EventSessionEnded      SessionEventKind = "session_ended"
	EventSessionError      SessionEventKind = "session_error"
)

// SessionEvent is one roster, track, audio or lifecycle update from the call
// session. Fields beyond Kind are populated per kind: Participant for joins,
// leaves, track updates and audio; Track and Enabled for track updates; PCM
// for decoded remote audio; Stats for bitrate reports; Detail for ended and
// error events.
type SessionEvent struct {
	Kind        SessionEventKind
	Participant Participant
	Track       TrackKind
	Enabled     bool
	PCM         []int16
	Stats       SessionStats
	Detail      string
}

// SessionStats carries per-participant transport statistics.
type SessionStats struct {
	ParticipantID string `json:"participantId"`
	AudioKbps     int    `json:"audioKbps"`
	VideoKbps     int    `json:"videoKbps"`
}

// VideoFrame is one decoded remote video frame in tightly packed RGBA,
// ordered top row first.
type VideoFrame struct {
	Width  int
	Height int
	RGBA   []byte
}

// Valid reports whether the frame has readable dimensions and a pixel buffer
// that matches them.
func (f VideoFrame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.RGBA) == f.Width*f.Height*4
}

// KeyColor is the chroma-key configuration: a normalized RGB triple plus the
// largest Euclidean distance still treated as background.
type KeyColor struct {
	R         float64 `json:"r"`
	G         float64 `json:"g"`
	B         float64 `json:"b"`
	Threshold float64 `json:"threshold"`
}

// CompositorState is the render session lifecycle.
type CompositorState string

const (
	CompositorUninitialized CompositorState = "uninitialized"
	CompositorReady         CompositorState = "ready"
	CompositorRendering     CompositorState = "rendering"
	CompositorTornDown      CompositorState = "torn_down"
)

// CallStatus summarizes the current backend status for the UI.
type CallStatus struct {
	State       CallState   `json:"state"`
	Active      bool        `json:"active"`
	RosterPhase RosterPhase `json:"rosterPhase"`
	Media       MediaStatus `json:"media"`
	Message     string      `json:"message,omitempty"`
}
