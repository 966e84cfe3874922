package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"greenroom/internal/domain"
	"greenroom/internal/logging"
	"greenroom/internal/ports"
)

var ErrNoActiveCall = errors.New("no active call session")

// Config controls call orchestration behavior.
type Config struct {
	Session ports.SessionConfig
	// LeaveTimeout bounds how long a graceful leave waits for the session
	// socket to drain before forcing it closed.
	LeaveTimeout time.Duration
}

// CallController orchestrates the interview call: local device streams, the
// Mirage session, the participant roster and the chroma-key compositor, all
// surfaced to the UI through the event sink.
type CallController struct {
	media      ports.MediaDevices
	provider   ports.CallProvider
	levels     ports.LevelMeter
	roster     ports.RosterView
	newRender  func() ports.RenderSession
	fullscreen ports.Fullscreen
	clipboard  ports.Clipboard
	events     ports.EventSink
	cfg        Config

	mu      sync.Mutex
	current *activeCall
}

func NewCallController(
	media ports.MediaDevices,
	provider ports.CallProvider,
	levels ports.LevelMeter,
	roster ports.RosterView,
	newRender func() ports.RenderSession,
	fullscreen ports.Fullscreen,
	clipboard ports.Clipboard,
	events ports.EventSink,
	cfg Config,
) *CallController {
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = 5 * time.Second
	}
	return &CallController{
		media:      media,
		provider:   provider,
		levels:     levels,
		roster:     roster,
		newRender:  newRender,
		fullscreen: fullscreen,
		clipboard:  clipboard,
		events:     events,
		cfg:        cfg,
	}
}

// AcquireDevices requests camera and microphone access ahead of a join so
// the user sees their preview and level meter on the lobby screen. Denial
// is reported, never fatal.
func (c *CallController) AcquireDevices(ctx context.Context) domain.MediaGrant {
	grant := c.media.Acquire(ctx)
	c.levels.SetActive(grant.AudioGranted)
	if grant.Reason != "" {
		c.events.SessionError(domain.ErrorCodePermissions, grant.Reason)
	}
	return grant
}

// Join connects to the interview room. Device denial degrades the call to
// no-media mode instead of aborting; a previous call is torn down first.
func (c *CallController) Join(ctx context.Context, room string) error {
	if strings.TrimSpace(room) == "" {
		return errors.New("interview room is required")
	}

	var previous *activeCall
	c.mu.Lock()
	if c.current != nil {
		previous = c.current
		c.current = nil
	}
	c.mu.Unlock()

	if previous != nil {
		c.teardownCall(previous)
	}

	grant := c.media.Acquire(ctx)
	if grant.Reason != "" {
		c.events.SessionError(domain.ErrorCodePermissions, grant.Reason)
	}
	c.levels.SetActive(grant.AudioGranted)

	sessionCfg := c.cfg.Session
	sessionCfg.Room = room
	if sessionCfg.ClientID == "" {
		sessionCfg.ClientID = uuid.NewString()
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	session, err := c.provider.Join(sessionCtx, sessionCfg)
	if err != nil {
		cancel()
		c.levels.SetActive(false)
		c.media.Cleanup()
		c.events.SessionError(domain.ErrorCodeSession, fmt.Sprintf("failed to join interview: %v", err))
		c.events.CallStateChanged(domain.CallStateError, domain.CallReasonSessionFailed)
		return err
	}

	active := &activeCall{
		cancel:     cancel,
		session:    session,
		state:      domain.CallStateLive,
		eventsDone: make(chan struct{}),
	}

	c.mu.Lock()
	c.current = active
	c.mu.Unlock()

	status := c.media.Status()
	c.roster.Reset()
	c.roster.SetLocal(domain.Participant{
		ID:       sessionCfg.ClientID,
		Name:     sessionCfg.DisplayName,
		Local:    true,
		CameraOn: status.VideoLive && status.VideoEnabled,
		MicOn:    status.AudioLive && status.AudioEnabled,
	})

	go c.consumeSessionEvents(active)

	reason := domain.CallReasonCallJoined
	if previous != nil {
		reason = domain.CallReasonCallRejoined
	}
	c.events.CallStateChanged(domain.CallStateLive, reason)
	c.events.RosterChanged(c.roster.Snapshot())
	logging.Infow("joined interview", "room", room, "video", grant.VideoGranted, "audio", grant.AudioGranted)
	return nil
}

// Leave ends the call. Local camera and microphone are released before the
// far end is signalled, so no OS capture indicator outlives the interview.
func (c *CallController) Leave(ctx context.Context) error {
	active, err := c.getCurrent()
	if err != nil {
		return err
	}

	active.setState(domain.CallStateLeaving)
	c.events.CallStateChanged(domain.CallStateLeaving, domain.CallReasonCallLeft)

	if clip := c.media.StopRecording(); clip != nil {
		logging.Infow("discarding unfinished answer recording", "correlation_id", clip.CorrelationID)
	}
	c.levels.SetActive(false)
	c.media.Cleanup()

	_ = active.session.Leave()
	if sessionErr := waitForSession(active.session, c.cfg.LeaveTimeout); sessionErr != nil {
		logging.Warnw("session closed with error", "error", sessionErr)
	}
	<-active.eventsDone
	c.stopRender(active)

	c.finishCall(active, domain.CallStateIdle, domain.CallReasonCallLeft)
	return nil
}

// ToggleCamera flips the local camera and mirrors the new state onto the
// session's device command channel.
func (c *CallController) ToggleCamera() bool {
	enabled := c.media.ToggleVideo()
	if active, err := c.getCurrent(); err == nil {
		if err := active.session.SetLocalVideo(enabled); err != nil {
			logging.Warnw("failed to update remote video track", "error", err)
		}
	}
	c.publishLocalTracks()
	return enabled
}

// ToggleMicrophone flips the local microphone and mirrors the new state
// onto the session's device command channel.
func (c *CallController) ToggleMicrophone() bool {
	enabled := c.media.ToggleAudio()
	if active, err := c.getCurrent(); err == nil {
		if err := active.session.SetLocalAudio(enabled); err != nil {
			logging.Warnw("failed to update remote audio track", "error", err)
		}
	}
	c.publishLocalTracks()
	return enabled
}

func (c *CallController) publishLocalTracks() {
	status := c.media.Status()
	cameraOn := status.VideoLive && status.VideoEnabled
	micOn := status.AudioLive && status.AudioEnabled
	if c.roster.UpdateLocalTracks(cameraOn, micOn) {
		c.events.RosterChanged(c.roster.Snapshot())
	}
}

// SetFullscreen is best effort: failures are logged and swallowed.
func (c *CallController) SetFullscreen(ctx context.Context, on bool) {
	var err error
	if on {
		err = c.fullscreen.Enter(ctx)
	} else {
		err = c.fullscreen.Exit(ctx)
	}
	if err != nil {
		logging.Warnw("fullscreen toggle failed", "fullscreen", on, "error", err)
	}
}

// CopySessionLink puts the shareable room link on the clipboard and reports
// whether it got there.
func (c *CallController) CopySessionLink(ctx context.Context) bool {
	active, err := c.getCurrent()
	if err != nil {
		return false
	}
	link := active.session.SessionURL()
	if link == "" {
		return false
	}
	if err := c.clipboard.SetText(ctx, link); err != nil {
		c.events.SessionError(domain.ErrorCodeClipboard, "failed to copy the session link")
		return false
	}
	return true
}

// StartAnswerRecording begins capturing the candidate's answer. Without a
// live microphone this is a no-op and returns false.
func (c *CallController) StartAnswerRecording() bool {
	c.media.StartRecording()
	recording := c.media.Status().Recording
	if recording {
		c.events.CallStateChanged(c.currentState(), domain.CallReasonRecordingStarted)
	}
	return recording
}

// StopAnswerRecording finishes the active answer recording, if any.
func (c *CallController) StopAnswerRecording() *domain.AudioClip {
	clip := c.media.StopRecording()
	if clip != nil {
		c.events.CallStateChanged(c.currentState(), domain.CallReasonRecordingFinished)
	}
	return clip
}

// SnapshotFrame returns the current composed frame as PNG for the UI's
// still-capture control.
func (c *CallController) SnapshotFrame() ([]byte, error) {
	active, err := c.getCurrent()
	if err != nil {
		return nil, err
	}
	render := active.currentRender()
	if render == nil {
		return nil, errors.New("no composited video yet")
	}
	return render.Snapshot()
}

// Levels returns the most recent audio level series.
func (c *CallController) Levels() []int {
	return c.levels.Levels()
}

// Roster returns the current participant snapshot.
func (c *CallController) Roster() domain.Roster {
	return c.roster.Snapshot()
}

// ListDevices enumerates capture devices of the given kind.
func (c *CallController) ListDevices(ctx context.Context, kind domain.DeviceKind) ([]domain.DeviceInfo, error) {
	return c.media.ListDevices(ctx, kind)
}

// Status returns the current backend status.
func (c *CallController) Status() domain.CallStatus {
	state := c.currentState()
	return domain.CallStatus{
		State:       state,
		Active:      state == domain.CallStateLive || state == domain.CallStateLeaving,
		RosterPhase: c.roster.Snapshot().Phase,
		Media:       c.media.Status(),
	}
}

// Shutdown releases every held resource on application exit.
func (c *CallController) Shutdown() {
	if active, err := c.getCurrent(); err == nil {
		c.teardownCall(active)
		c.mu.Lock()
		if c.current == active {
			c.current = nil
		}
		c.mu.Unlock()
		return
	}
	c.levels.SetActive(false)
	c.media.Cleanup()
}

func (c *CallController) consumeSessionEvents(active *activeCall) {
	defer close(active.eventsDone)

	for ev := range active.session.Events() {
		if c.roster.Apply(ev) {
			c.events.RosterChanged(c.roster.Snapshot())
		}

		switch ev.Kind {
		case domain.EventParticipantJoined, domain.EventParticipantLeft:
			c.syncRender(active)
		case domain.EventSessionEnded:
			c.stopRender(active)
			active.setState(domain.CallStateEnded)
			c.events.CallStateChanged(domain.CallStateEnded, domain.CallReasonSessionEnded)
		case domain.EventSessionError:
			c.stopRender(active)
			active.setState(domain.CallStateError)
			c.events.SessionError(domain.ErrorCodeSession, ev.Detail)
			c.events.CallStateChanged(domain.CallStateError, domain.CallReasonSessionFailed)
		}
	}

	// The socket can drop without a closing control event. A call still
	// marked live at this point lost its session.
	sessionErr := active.session.Wait()
	if active.getState() != domain.CallStateLive {
		return
	}
	c.stopRender(active)
	if sessionErr != nil {
		active.setState(domain.CallStateError)
		c.events.SessionError(domain.ErrorCodeSession, fmt.Sprintf("session lost: %v", sessionErr))
		c.events.CallStateChanged(domain.CallStateError, domain.CallReasonSessionFailed)
		return
	}
	active.setState(domain.CallStateEnded)
	c.events.CallStateChanged(domain.CallStateEnded, domain.CallReasonSessionEnded)
}

// syncRender mounts the compositor while a remote participant is present
// and unmounts it when the last one disappears. A compositor that cannot
// start leaves the placeholder visible; the call goes on.
func (c *CallController) syncRender(active *activeCall) {
	snapshot := c.roster.Snapshot()
	hasRemote := snapshot.Phase == domain.RosterLive && len(snapshot.Remote) > 0

	active.renderMu.Lock()
	defer active.renderMu.Unlock()

	if hasRemote && active.render == nil {
		render := c.newRender()
		if err := render.Start(active.session); err != nil {
			c.events.SessionError(domain.ErrorCodeCompositor, fmt.Sprintf("compositor unavailable: %v", err))
			return
		}
		active.render = render
		return
	}
	if !hasRemote && active.render != nil {
		active.render.Stop()
		active.render = nil
	}
}

func (c *CallController) stopRender(active *activeCall) {
	active.renderMu.Lock()
	defer active.renderMu.Unlock()
	if active.render != nil {
		active.render.Stop()
		active.render = nil
	}
}

func (c *CallController) currentState() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return domain.CallStateIdle
	}
	return c.current.getState()
}

func (c *CallController) getCurrent() (*activeCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNoActiveCall
	}
	return c.current, nil
}

// teardownCall force-closes a call during rejoin or shutdown. Local media
// goes first, mirroring the graceful leave ordering.
func (c *CallController) teardownCall(active *activeCall) {
	active.setState(domain.CallStateLeaving)
	if clip := c.media.StopRecording(); clip != nil {
		logging.Infow("discarding unfinished answer recording", "correlation_id", clip.CorrelationID)
	}
	c.levels.SetActive(false)
	c.media.Cleanup()

	active.cancel()
	_ = active.session.Leave()
	_ = active.session.Close()
	<-active.eventsDone
	c.stopRender(active)
}

func (c *CallController) finishCall(active *activeCall, state domain.CallState, reason domain.CallStateReason) {
	active.cancel()
	active.setState(state)

	c.mu.Lock()
	if c.current == active {
		c.current = nil
	}
	c.mu.Unlock()

	c.events.CallStateChanged(state, reason)
}

func waitForSession(session ports.CallSession, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = session.Close()
		return <-done
	}
}
