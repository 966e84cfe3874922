package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"greenroom/internal/bootstrap"
	"greenroom/internal/config"
	"greenroom/internal/domain"
	"greenroom/internal/levels"
	"greenroom/internal/usecase"
)

const (
	eventCall   = "greenroom:call"
	eventRoster = "greenroom:roster"
	eventLevels = "greenroom:levels"
	eventError  = "greenroom:error"
)

// App is the Wails application root.
type App struct {
	ctx context.Context

	controller *usecase.CallController
	analyzer   *levels.Analyzer
	cfg        config.Config
	bootErr    error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a, &wailsClipboard{}, &wailsFullscreen{})
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.cfg = services.Config
	a.controller = services.Controller
	a.analyzer = services.Levels
	a.analyzer.Start()
	a.CallStateChanged(domain.CallStateIdle, domain.CallReasonDevicesCold)
}

func (a *App) shutdown(_ context.Context) {
	if a.controller != nil {
		a.controller.Shutdown()
	}
	if a.analyzer != nil {
		a.analyzer.Stop()
	}
}

// AcquireDevices requests camera and microphone access for the lobby
// preview. Denial is reported in the grant, never as an error.
func (a *App) AcquireDevices() (domain.MediaGrant, error) {
	if err := a.requireReady(); err != nil {
		return domain.MediaGrant{}, err
	}
	return a.controller.AcquireDevices(a.ctx), nil
}

// JoinInterview connects to the given interview room. Joining while a call
// is active tears the previous call down first.
func (a *App) JoinInterview(room string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.Join(a.ctx, room)
}

// LeaveInterview ends the active call. Leaving twice is not an error.
func (a *App) LeaveInterview() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if err := a.controller.Leave(a.ctx); err != nil {
		if errors.Is(err, usecase.ErrNoActiveCall) {
			return nil
		}
		return err
	}
	return nil
}

// ToggleCamera flips the local camera and returns the new enabled state.
func (a *App) ToggleCamera() (bool, error) {
	if err := a.requireReady(); err != nil {
		return false, err
	}
	return a.controller.ToggleCamera(), nil
}

// ToggleMicrophone flips the local microphone and returns the new enabled
// state.
func (a *App) ToggleMicrophone() (bool, error) {
	if err := a.requireReady(); err != nil {
		return false, err
	}
	return a.controller.ToggleMicrophone(), nil
}

// SetFullscreen toggles the window's fullscreen state. Best effort.
func (a *App) SetFullscreen(on bool) {
	if a.controller == nil {
		return
	}
	a.controller.SetFullscreen(a.ctx, on)
}

// StartAnswerRecording begins capturing the candidate's answer. Returns
// false when no live microphone exists.
func (a *App) StartAnswerRecording() (bool, error) {
	if err := a.requireReady(); err != nil {
		return false, err
	}
	return a.controller.StartAnswerRecording(), nil
}

// StopAnswerRecording finishes the active answer recording and returns the
// clip metadata, or nil when nothing was recording.
func (a *App) StopAnswerRecording() (*domain.AudioClip, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}
	return a.controller.StopAnswerRecording(), nil
}

// CopySessionLink puts the shareable interview link on the clipboard.
func (a *App) CopySessionLink() (bool, error) {
	if err := a.requireReady(); err != nil {
		return false, err
	}
	return a.controller.CopySessionLink(a.ctx), nil
}

// SnapshotFrame returns the current composed remote frame as PNG bytes.
func (a *App) SnapshotFrame() ([]byte, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}
	return a.controller.SnapshotFrame()
}

// ListDevices enumerates capture devices of the given kind, "video" or
// "audio".
func (a *App) ListDevices(kind string) ([]domain.DeviceInfo, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}
	parsed, err := parseDeviceKind(kind)
	if err != nil {
		return nil, err
	}
	return a.controller.ListDevices(a.ctx, parsed)
}

// GetRoster returns the current participant snapshot.
func (a *App) GetRoster() domain.Roster {
	if a.controller == nil {
		return domain.Roster{Phase: domain.RosterConnecting}
	}
	return a.controller.Roster()
}

// GetLevels returns the most recent audio level series.
func (a *App) GetLevels() []int {
	if a.controller == nil {
		return nil
	}
	return a.controller.Levels()
}

// GetStatus returns the current call status.
func (a *App) GetStatus() domain.CallStatus {
	if a.controller == nil {
		if a.bootErr != nil {
			return domain.CallStatus{State: domain.CallStateError}
		}
		return domain.CallStatus{State: domain.CallStateIdle}
	}
	return a.controller.Status()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"provider":     "Mirage",
		"apiBase":      a.cfg.Mirage.APIBaseURL,
		"displayName":  a.cfg.Mirage.DisplayName,
		"videoDevice":  a.cfg.Capture.VideoDevice,
		"audioDevice":  a.cfg.Capture.AudioDevice,
		"keyColor":     a.cfg.Compositor.KeyColorHex,
		"maxFPS":       fmt.Sprintf("%d", a.cfg.Compositor.MaxFPS),
		"recordingDir": a.cfg.Capture.RecordingDir,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func parseDeviceKind(kind string) (domain.DeviceKind, error) {
	switch kind {
	case "video":
		return domain.DeviceVideo, nil
	case "audio":
		return domain.DeviceAudio, nil
	default:
		return "", fmt.Errorf("unknown device kind %q", kind)
	}
}

// CallStateChanged emits call lifecycle updates to the frontend.
func (a *App) CallStateChanged(state domain.CallState, reason domain.CallStateReason) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventCall, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": callReasonMessage(reason),
	})
}

// RosterChanged emits the participant snapshot.
func (a *App) RosterChanged(roster domain.Roster) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventRoster, roster)
}

// AudioLevels emits the level meter series.
func (a *App) AudioLevels(levels []int) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventLevels, levels)
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func callReasonMessage(reason domain.CallStateReason) string {
	switch reason {
	case domain.CallReasonDevicesCold:
		return "Ready to join"
	case domain.CallReasonCallJoined:
		return "Interview joined"
	case domain.CallReasonCallRejoined:
		return "Rejoined; previous call closed"
	case domain.CallReasonCallLeft:
		return "Left the interview"
	case domain.CallReasonSessionEnded:
		return "The interview has ended"
	case domain.CallReasonSessionFailed:
		return "Connection to the interview failed"
	case domain.CallReasonRecordingStarted:
		return "Answer recording started"
	case domain.CallReasonRecordingFinished:
		return "Answer recording saved"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodePermissions:
		return "Camera or microphone unavailable"
	case domain.ErrorCodeCapture:
		return "Device capture issue"
	case domain.ErrorCodeSession:
		return "Interview connection issue"
	case domain.ErrorCodeCompositor:
		return "Video compositing unavailable"
	case domain.ErrorCodeRecording:
		return "Answer recording failed"
	case domain.ErrorCodeFullscreen:
		return "Fullscreen unavailable"
	case domain.ErrorCodeClipboard:
		return "Clipboard write failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

type wailsClipboard struct{}

func (c *wailsClipboard) SetText(ctx context.Context, text string) error {
	return runtime.ClipboardSetText(ctx, text)
}

// wailsFullscreen drives the window through the Wails runtime. The runtime
// panics when called before startup finishes, so both calls recover and
// report the rejection as an error.
type wailsFullscreen struct{}

func (f *wailsFullscreen) Enter(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fullscreen request rejected: %v", r)
		}
	}()
	runtime.WindowFullscreen(ctx)
	return nil
}

func (f *wailsFullscreen) Exit(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fullscreen request rejected: %v", r)
		}
	}()
	runtime.WindowUnfullscreen(ctx)
	return nil
}
