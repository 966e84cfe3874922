// Package mirage implements the call-session transport against the Mirage
// conversational video API. One websocket carries JSON control events plus
// binary media: remote video frames land in a latest-frame slot polled by
// the compositor, remote audio packets are opus-decoded into PCM events.
package mirage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hraban/opus"

	"greenroom/internal/domain"
	"greenroom/internal/logging"
	"greenroom/internal/ports"
)

// Binary message layout: kind byte, participant id length byte, id bytes,
// then the kind-specific body.
const (
	binaryVideoFrame  = 0x01
	binaryAudioPacket = 0x02
)

// Remote audio arrives as 48 kHz mono opus packets of at most 20 ms.
const (
	remoteSampleRate = 48000
	remoteChannels   = 1
)

// Config controls the Mirage API connection.
type Config struct {
	APIKey     string
	APIBaseURL string
	// JoinTimeout bounds the websocket handshake, not the session itself.
	JoinTimeout time.Duration
}

// Provider implements ports.CallProvider for Mirage rooms.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.mirage.dev/v1"
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Join(ctx context.Context, cfg ports.SessionConfig) (ports.CallSession, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, errors.New("MIRAGE_API_KEY is not configured")
	}
	if strings.TrimSpace(cfg.Room) == "" {
		return nil, errors.New("session room is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	wsURL, shareURL, err := buildRoomURLs(p.cfg, cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.cfg.APIKey)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: p.cfg.JoinTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 15 * time.Second
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Mirage session: %w", err)
	}

	session := &callSession{
		conn:     conn,
		shareURL: shareURL,
		events:   make(chan domain.SessionEvent, 64),
		commands: make(chan []byte, 16),
		done:     make(chan struct{}),
		stopping: make(chan struct{}),
		decoders: make(map[string]*opus.Decoder),
	}

	session.wg.Add(2)
	go session.readLoop()
	go session.writeLoop()
	go func() {
		session.wg.Wait()
		close(session.events)
		close(session.done)
		_ = conn.Close()
	}()

	go func() {
		<-ctx.Done()
		_ = session.Close()
	}()

	logging.Infow("joined session", "room", cfg.Room, "client_id", cfg.ClientID)
	return session, nil
}

type callSession struct {
	conn     *websocket.Conn
	shareURL string

	events   chan domain.SessionEvent
	commands chan []byte
	done     chan struct{}
	stopping chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool

	frameMu    sync.Mutex
	frame      domain.VideoFrame
	frameReady bool

	decMu    sync.Mutex
	decoders map[string]*opus.Decoder
}

type command struct {
	Type    string `json:"type"`
	Track   string `json:"track,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func (s *callSession) SetLocalAudio(enabled bool) error {
	return s.send(command{Type: "set_track", Track: string(domain.TrackAudio), Enabled: &enabled})
}

func (s *callSession) SetLocalVideo(enabled bool) error {
	return s.send(command{Type: "set_track", Track: string(domain.TrackVideo), Enabled: &enabled})
}

func (s *callSession) send(cmd command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode session command: %w", err)
	}

	// The read lock is held across the enqueue so closeSend cannot close the
	// command channel mid-send. The stopping and done arms keep a closing
	// session from pinning the lock.
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return errors.New("session command stream is already closed")
	}

	select {
	case s.commands <- payload:
		return nil
	case <-s.stopping:
		return errors.New("session closed")
	case <-s.done:
		if err := s.waitErr(); err != nil {
			return err
		}
		return errors.New("session closed")
	}
}

// Leave announces departure and closes the command stream. The write loop
// follows with the websocket close handshake; errors surface through Wait.
func (s *callSession) Leave() error {
	_ = s.send(command{Type: "leave"})
	s.closeSend()
	return nil
}

func (s *callSession) closeSend() {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.commands)
		s.sendMu.Unlock()
	})
}

func (s *callSession) Events() <-chan domain.SessionEvent {
	return s.events
}

func (s *callSession) SessionURL() string {
	return s.shareURL
}

func (s *callSession) FrameReady() bool {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	return s.frameReady
}

func (s *callSession) CurrentFrame() (domain.VideoFrame, bool) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	return s.frame, s.frameReady
}

func (s *callSession) Wait() error {
	<-s.done
	return s.waitErr()
}

func (s *callSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopping)
		s.closeSend()
		_ = s.conn.Close()
	})
	<-s.done
	return s.waitErr()
}

func (s *callSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *callSession) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *callSession) writeLoop() {
	defer s.wg.Done()

	for payload := range s.commands {
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.setErr(fmt.Errorf("failed to send session command: %w", err))
			return
		}
	}

	goodbye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving")
	if err := s.conn.WriteMessage(websocket.CloseMessage, goodbye); err != nil {
		s.setErr(fmt.Errorf("failed to close session: %w", err))
	}
}

func (s *callSession) readLoop() {
	defer s.wg.Done()

	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("failed to read session event: %w", err))
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.handleBinary(payload)
		case websocket.TextMessage:
			if done := s.handleControl(payload); done {
				return
			}
		}
	}
}

// handleControl decodes one JSON control event. It returns true when the
// session is over and the read loop should exit.
func (s *callSession) handleControl(payload []byte) bool {
	var msg serverMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false
	}

	switch strings.ToLower(strings.TrimSpace(msg.Type)) {
	case "participant_joined":
		s.emit(domain.SessionEvent{Kind: domain.EventParticipantJoined, Participant: msg.participant()})
	case "participant_left":
		s.emit(domain.SessionEvent{Kind: domain.EventParticipantLeft, Participant: msg.participant()})
	case "track_updated":
		s.emit(domain.SessionEvent{
			Kind:        domain.EventTrackUpdated,
			Participant: msg.participant(),
			Track:       domain.TrackKind(msg.Track),
			Enabled:     msg.Enabled,
		})
	case "stats":
		s.emitLossy(domain.SessionEvent{Kind: domain.EventStats, Stats: msg.stats()})
	case "session_ended":
		s.emit(domain.SessionEvent{Kind: domain.EventSessionEnded, Detail: msg.detail("session ended")})
		return true
	case "error":
		detail := msg.detail("session error")
		s.emit(domain.SessionEvent{Kind: domain.EventSessionError, Detail: detail})
		s.setErr(errors.New(detail))
		return true
	}
	return false
}

func (s *callSession) handleBinary(payload []byte) {
	if len(payload) < 2 {
		return
	}
	idLen := int(payload[1])
	if len(payload) < 2+idLen {
		return
	}
	id := string(payload[2 : 2+idLen])
	body := payload[2+idLen:]

	switch payload[0] {
	case binaryVideoFrame:
		s.storeFrame(body)
	case binaryAudioPacket:
		s.decodeAudio(id, body)
	}
}

// storeFrame parses a video frame body (big-endian uint16 width and height,
// then tightly packed RGBA) into the latest-frame slot.
func (s *callSession) storeFrame(body []byte) {
	if len(body) < 4 {
		return
	}
	frame := domain.VideoFrame{
		Width:  int(binary.BigEndian.Uint16(body[0:2])),
		Height: int(binary.BigEndian.Uint16(body[2:4])),
		RGBA:   body[4:],
	}
	if !frame.Valid() {
		return
	}

	s.frameMu.Lock()
	s.frame = frame
	s.frameReady = true
	s.frameMu.Unlock()
}

func (s *callSession) decodeAudio(id string, packet []byte) {
	if id == "" || len(packet) == 0 {
		return
	}
	dec := s.decoderFor(id)
	if dec == nil {
		return
	}

	pcm := make([]int16, remoteSampleRate/50)
	n, err := dec.Decode(packet, pcm)
	if err != nil {
		logging.Errorw("opus decode error", "participant", id, "error", err)
		return
	}

	samples := make([]int16, n)
	copy(samples, pcm[:n])
	s.emitLossy(domain.SessionEvent{
		Kind:        domain.EventAudio,
		Participant: domain.Participant{ID: id},
		PCM:         samples,
	})
}

// Opus decoders are stateful per stream, so each participant gets its own.
func (s *callSession) decoderFor(id string) *opus.Decoder {
	s.decMu.Lock()
	defer s.decMu.Unlock()
	if dec, ok := s.decoders[id]; ok {
		return dec
	}
	dec, err := opus.NewDecoder(remoteSampleRate, remoteChannels)
	if err != nil {
		logging.Errorw("failed to create opus decoder", "participant", id, "error", err)
		return nil
	}
	s.decoders[id] = dec
	return dec
}

// emit delivers roster and lifecycle events, blocking so none are lost. A
// forced Close unblocks it via the stopping channel.
func (s *callSession) emit(event domain.SessionEvent) {
	select {
	case s.events <- event:
	case <-s.stopping:
	}
}

// emitLossy delivers high-rate events; a slow consumer drops them instead
// of stalling the read loop.
func (s *callSession) emitLossy(event domain.SessionEvent) {
	select {
	case s.events <- event:
	case <-s.stopping:
	default:
	}
}

type serverMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Track   string `json:"track"`
	Enabled bool   `json:"enabled"`

	Participant struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		CameraOn bool   `json:"camera_on"`
		MicOn    bool   `json:"mic_on"`
	} `json:"participant"`

	Stats struct {
		ParticipantID string `json:"participant_id"`
		AudioKbps     int    `json:"audio_kbps"`
		VideoKbps     int    `json:"video_kbps"`
	} `json:"stats"`
}

func (m serverMessage) participant() domain.Participant {
	return domain.Participant{
		ID:       m.Participant.ID,
		Name:     m.Participant.Name,
		CameraOn: m.Participant.CameraOn,
		MicOn:    m.Participant.MicOn,
	}
}

func (m serverMessage) stats() domain.SessionStats {
	return domain.SessionStats{
		ParticipantID: m.Stats.ParticipantID,
		AudioKbps:     m.Stats.AudioKbps,
		VideoKbps:     m.Stats.VideoKbps,
	}
}

func (m serverMessage) detail(fallback string) string {
	if detail := strings.TrimSpace(m.Message); detail != "" {
		return detail
	}
	return fallback
}

// buildRoomURLs turns the API base into the room websocket endpoint plus the
// shareable https room link.
func buildRoomURLs(providerCfg Config, sessionCfg ports.SessionConfig) (wsURL, shareURL string, err error) {
	base := strings.TrimSpace(providerCfg.APIBaseURL)
	if base == "" {
		base = "https://api.mirage.dev/v1"
	}
	base = strings.TrimRight(base, "/")

	pageURL, err := url.Parse(base + "/rooms/" + url.PathEscape(sessionCfg.Room))
	if err != nil {
		return "", "", fmt.Errorf("invalid Mirage API base URL: %w", err)
	}

	socketURL := *pageURL
	socketURL.Path += "/ws"
	switch socketURL.Scheme {
	case "https":
		socketURL.Scheme = "wss"
	case "http":
		socketURL.Scheme = "ws"
	}

	query := socketURL.Query()
	query.Set("client_id", sessionCfg.ClientID)
	if sessionCfg.DisplayName != "" {
		query.Set("name", sessionCfg.DisplayName)
	}
	socketURL.RawQuery = query.Encode()

	return socketURL.String(), pageURL.String(), nil
}
