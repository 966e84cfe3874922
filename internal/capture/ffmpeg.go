package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"greenroom/internal/domain"
	"greenroom/internal/ports"
)

// FFMPEGOpener streams camera frames and microphone PCM using ffmpeg.
type FFMPEGOpener struct {
	command string
}

func NewFFMPEGOpener(command string) *FFMPEGOpener {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGOpener{command: command}
}

func (c *FFMPEGOpener) Open(ctx context.Context, cfg ports.DeviceConfig) (ports.DeviceSession, error) {
	var args []string
	switch cfg.Kind {
	case domain.DeviceVideo:
		args = videoArgs(cfg)
	case domain.DeviceAudio:
		args = audioArgs(cfg)
	default:
		return nil, fmt.Errorf("unsupported device kind %q", cfg.Kind)
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// A denied or missing device makes ffmpeg exit almost immediately, so a
	// short probe window separates "capture running" from "capture refused".
	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegSession{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

func videoArgs(cfg ports.DeviceConfig) []string {
	format := cfg.InputFormat
	if format == "" {
		format = "v4l2"
	}
	device := cfg.InputDevice
	if device == "" {
		device = "/dev/video0"
	}
	width, height := cfg.Width, cfg.Height
	if width <= 0 || height <= 0 {
		width, height = 1280, 720
	}
	rate := cfg.FrameRate
	if rate <= 0 {
		rate = 30
	}
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", format,
		"-framerate", strconv.Itoa(rate),
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-i", device,
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	}
}

func audioArgs(cfg ports.DeviceConfig) []string {
	format := cfg.InputFormat
	if format == "" {
		format = "pulse"
	}
	device := cfg.InputDevice
	if device == "" {
		device = "default"
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", format,
		"-i", device,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(rate),
		"-f", "s16le",
		"-",
	}
}

// ListDevices enumerates capture devices. Video devices come from the v4l2
// device nodes; audio sources from ffmpeg's pulse source listing. Failures
// degrade to a single system-default entry so the picker always has an
// option.
func (c *FFMPEGOpener) ListDevices(ctx context.Context, kind domain.DeviceKind) ([]domain.DeviceInfo, error) {
	switch kind {
	case domain.DeviceVideo:
		return listVideoNodes()
	case domain.DeviceAudio:
		out, err := exec.CommandContext(ctx, c.command, "-hide_banner", "-sources", "pulse").CombinedOutput()
		if err != nil {
			return []domain.DeviceInfo{{ID: "default", Name: "System default", Kind: domain.DeviceAudio, Default: true}}, nil
		}
		return parsePulseSources(string(out)), nil
	default:
		return nil, fmt.Errorf("unsupported device kind %q", kind)
	}
}

func listVideoNodes() ([]domain.DeviceInfo, error) {
	nodes, err := filepath.Glob("/dev/video*")
	if err != nil || len(nodes) == 0 {
		return []domain.DeviceInfo{{ID: "/dev/video0", Name: "Default camera", Kind: domain.DeviceVideo, Default: true}}, nil
	}
	sort.Strings(nodes)
	devices := make([]domain.DeviceInfo, 0, len(nodes))
	for i, node := range nodes {
		devices = append(devices, domain.DeviceInfo{
			ID:      node,
			Name:    node,
			Kind:    domain.DeviceVideo,
			Default: i == 0,
		})
	}
	return devices, nil
}

// parsePulseSources reads the "Auto-detected sources for pulse" listing.
// Each entry is "<id> [<description>]" with a leading "*" on the default.
func parsePulseSources(output string) []domain.DeviceInfo {
	var devices []domain.DeviceInfo
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		isDefault := strings.HasPrefix(line, "*")
		line = strings.TrimSpace(strings.TrimPrefix(line, "*"))
		id, rest, _ := strings.Cut(line, " ")
		if id == "" {
			continue
		}
		name := strings.Trim(strings.TrimSpace(rest), "[]")
		if name == "" {
			name = id
		}
		devices = append(devices, domain.DeviceInfo{
			ID:      id,
			Name:    name,
			Kind:    domain.DeviceAudio,
			Default: isDefault,
		})
	}
	if len(devices) == 0 {
		devices = append(devices, domain.DeviceInfo{ID: "default", Name: "System default", Kind: domain.DeviceAudio, Default: true})
	}
	return devices
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSession) Close() error {
	return s.Stop()
}

func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})

	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
