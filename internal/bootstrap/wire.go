package bootstrap

import (
	"greenroom/internal/capture"
	"greenroom/internal/clock"
	"greenroom/internal/compositor"
	"greenroom/internal/config"
	"greenroom/internal/diag"
	"greenroom/internal/domain"
	"greenroom/internal/levels"
	"greenroom/internal/logging"
	"greenroom/internal/ports"
	"greenroom/internal/providers/mirage"
	"greenroom/internal/render"
	"greenroom/internal/roster"
	"greenroom/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.CallController
	Levels     *levels.Analyzer
	Config     config.Config
}

// Build wires all backend dependencies for the current runtime.
func Build(eventSink ports.EventSink, clipboard ports.Clipboard, fullscreen ports.Fullscreen) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	key, err := compositor.ParseKeyColor(cfg.Compositor.KeyColorHex, cfg.Compositor.KeyThreshold)
	if err != nil {
		return Services{}, err
	}

	analyzer := levels.NewAnalyzer(levels.Options{
		Bands:    cfg.Levels.Bands,
		FFTSize:  cfg.Levels.FFTSize,
		Clock:    clock.NewTicker(cfg.Levels.TickHz),
		OnLevels: eventSink.AudioLevels,
	})

	media := capture.NewManager(capture.NewFFMPEGOpener(cfg.Capture.FFmpegCommand), capture.Options{
		Video: ports.DeviceConfig{
			Kind:        domain.DeviceVideo,
			InputFormat: cfg.Capture.VideoInputFormat,
			InputDevice: cfg.Capture.VideoDevice,
			Width:       cfg.Capture.VideoWidth,
			Height:      cfg.Capture.VideoHeight,
			FrameRate:   cfg.Capture.VideoFrameRate,
		},
		Audio: ports.DeviceConfig{
			Kind:        domain.DeviceAudio,
			InputFormat: cfg.Capture.AudioInputFormat,
			InputDevice: cfg.Capture.AudioDevice,
			SampleRate:  cfg.Capture.SampleRate,
			Channels:    cfg.Capture.Channels,
		},
		RecordingDir:   cfg.Capture.RecordingDir,
		RecordingLimit: cfg.Capture.RecordingLimit,
		OnAudioLost: func() {
			analyzer.SetActive(false)
			eventSink.SessionError(domain.ErrorCodeCapture, "microphone stream lost")
		},
		OnVideoLost: func() {
			eventSink.SessionError(domain.ErrorCodeCapture, "camera stream lost")
		},
	})
	media.AddTap(analyzer)

	newRender := func() ports.RenderSession {
		return compositor.New(compositor.Options{
			NewContext: func() (ports.RenderContext, error) { return render.NewContext(), nil },
			Clock:      clock.NewTicker(cfg.Compositor.TickHz),
			Key:        key,
			MaxFPS:     cfg.Compositor.MaxFPS,
		})
	}

	controller := usecase.NewCallController(
		media,
		mirage.NewProvider(mirage.Config{
			APIKey:      cfg.Mirage.APIKey,
			APIBaseURL:  cfg.Mirage.APIBaseURL,
			JoinTimeout: cfg.Mirage.JoinTimeout,
		}),
		analyzer,
		roster.NewTracker(),
		newRender,
		fullscreen,
		clipboard,
		eventSink,
		usecase.Config{
			Session: ports.SessionConfig{DisplayName: cfg.Mirage.DisplayName},
		},
	)

	if cfg.Diag.MetricsAddr != "" {
		go func(addr string) {
			if err := diag.Serve(addr); err != nil {
				logging.Errorw("diagnostics server stopped", "error", err)
			}
		}(cfg.Diag.MetricsAddr)
	}

	return Services{Controller: controller, Levels: analyzer, Config: cfg}, nil
}
