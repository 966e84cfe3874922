// Package compositor runs the chroma-key render loop that turns the remote
// interviewer's green-screen video into transparent-background frames.
package compositor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"greenroom/internal/domain"
	"greenroom/internal/logging"
	"greenroom/internal/ports"
)

var (
	framesRendered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greenroom_compositor_frames_rendered_total",
		Help: "The total number of frames composed onto the destination surface",
	})
	framesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greenroom_compositor_frames_skipped_total",
		Help: "The total number of ticks skipped by the frame-rate cap",
	})
	renderErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greenroom_compositor_render_errors_total",
		Help: "The total number of failed render passes",
	})
)

var (
	// ErrTornDown is returned when a torn-down compositor is started again.
	ErrTornDown = errors.New("compositor torn down")
	// ErrAlreadyStarted is returned on a second Start; each render session
	// binds to exactly one frame source.
	ErrAlreadyStarted = errors.New("compositor already started")
)

// Options configure one render session.
type Options struct {
	// NewContext acquires the drawing surface lazily on Start.
	NewContext func() (ports.RenderContext, error)
	Clock      ports.FrameClock
	Key        domain.KeyColor
	MaxFPS     int
}

// Compositor owns the render resources of one session: a compiled keying
// program, a single reusable frame texture and the paced draw loop. The
// lifecycle is uninitialized, ready, rendering, torn down; teardown is
// idempotent and releases every resource exactly once.
type Compositor struct {
	newContext func() (ports.RenderContext, error)
	clock      ports.FrameClock
	key        domain.KeyColor
	interval   time.Duration

	mu       sync.Mutex
	state    domain.CompositorState
	ctx      ports.RenderContext
	prog     ports.RenderProgram
	tex      ports.RenderTexture
	source   ports.FrameSource
	lastDraw time.Time
	rendered uint64
	skipped  uint64

	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

func New(opts Options) *Compositor {
	maxFPS := opts.MaxFPS
	if maxFPS <= 0 {
		maxFPS = 30
	}
	return &Compositor{
		newContext: opts.NewContext,
		clock:      opts.Clock,
		key:        opts.Key,
		interval:   time.Second / time.Duration(maxFPS),
		state:      domain.CompositorUninitialized,
	}
}

// Start acquires render resources and begins the draw loop against the
// given frame source. A failed acquisition leaves the compositor
// uninitialized so the caller can fall back to a placeholder.
func (c *Compositor) Start(source ports.FrameSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case domain.CompositorTornDown:
		return ErrTornDown
	case domain.CompositorReady, domain.CompositorRendering:
		return ErrAlreadyStarted
	}

	ctx, err := c.newContext()
	if err != nil {
		return fmt.Errorf("failed to acquire render context: %w", err)
	}
	prog, err := ctx.CompileProgram()
	if err != nil {
		return fmt.Errorf("failed to compile keying program: %w", err)
	}
	tex, err := ctx.CreateTexture()
	if err != nil {
		ctx.DeleteProgram(prog)
		return fmt.Errorf("failed to allocate frame texture: %w", err)
	}

	c.ctx, c.prog, c.tex = ctx, prog, tex
	c.source = source
	c.state = domain.CompositorReady

	c.done = make(chan struct{})
	c.loopDone = make(chan struct{})
	c.state = domain.CompositorRendering
	go c.loop()

	logging.Infow("compositor started", "max_fps", int(time.Second/c.interval))
	return nil
}

func (c *Compositor) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.done:
			return
		case <-c.clock.Tick():
			c.step()
		}
	}
}

// step draws at most one frame. The frame-rate cap compares wall-clock time
// since the last successful draw against the target interval; throttled
// ticks count as skipped. The surface is resized to the source dimensions
// on every draw so late resolution changes can never fault the pass.
func (c *Compositor) step() {
	c.mu.Lock()
	if c.state != domain.CompositorRendering {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	if !c.lastDraw.IsZero() && now.Sub(c.lastDraw) < c.interval {
		c.skipped++
		c.mu.Unlock()
		framesSkipped.Inc()
		return
	}
	source, ctx, prog, tex, key := c.source, c.ctx, c.prog, c.tex, c.key
	c.mu.Unlock()

	if !source.FrameReady() {
		return
	}
	frame, ok := source.CurrentFrame()
	if !ok || !frame.Valid() {
		return
	}

	if err := ctx.Resize(frame.Width, frame.Height); err != nil {
		c.fail("resize failed", err)
		return
	}
	if err := ctx.Upload(tex, frame); err != nil {
		c.fail("frame upload failed", err)
		return
	}
	if err := ctx.Draw(prog, tex, key); err != nil {
		c.fail("draw failed", err)
		return
	}

	c.mu.Lock()
	c.lastDraw = now
	c.rendered++
	c.mu.Unlock()
	framesRendered.Inc()
}

func (c *Compositor) fail(msg string, err error) {
	renderErrors.Inc()
	logging.Warnw(msg, "error", err)
}

// Stop tears the render session down: the loop exits, then the program,
// texture and clock are released exactly once. Safe to call any number of
// times and in any state.
func (c *Compositor) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		ctx, prog, tex := c.ctx, c.prog, c.tex
		started := c.done != nil
		rendered, skipped := c.rendered, c.skipped
		c.state = domain.CompositorTornDown
		c.mu.Unlock()

		if started {
			close(c.done)
			<-c.loopDone
		}
		if ctx != nil {
			ctx.DeleteTexture(tex)
			ctx.DeleteProgram(prog)
		}
		if c.clock != nil {
			c.clock.Stop()
		}

		c.mu.Lock()
		c.ctx = nil
		c.source = nil
		c.mu.Unlock()

		if started {
			logging.Infow("compositor torn down", "frames_rendered", rendered, "frames_skipped", skipped)
		}
	})
}

// State reports the lifecycle state.
func (c *Compositor) State() domain.CompositorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats reports rendered and throttled frame counts for this session.
func (c *Compositor) Stats() (rendered, skipped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rendered, c.skipped
}

// Snapshot encodes the current composed surface as PNG.
func (c *Compositor) Snapshot() ([]byte, error) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return nil, errors.New("no active render session")
	}
	return ctx.Snapshot()
}

// ParseKeyColor converts a "#RRGGBB" hex string and threshold into the
// normalized key configuration. Thresholds outside [0,1] are rejected.
func ParseKeyColor(hex string, threshold float64) (domain.KeyColor, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(cleaned) != 6 {
		return domain.KeyColor{}, fmt.Errorf("invalid key color %q", hex)
	}
	value, err := strconv.ParseUint(cleaned, 16, 32)
	if err != nil {
		return domain.KeyColor{}, fmt.Errorf("invalid key color %q: %w", hex, err)
	}
	if threshold < 0 || threshold > 1 {
		return domain.KeyColor{}, fmt.Errorf("key threshold %v outside [0,1]", threshold)
	}
	return domain.KeyColor{
		R:         float64(value>>16&0xff) / 255,
		G:         float64(value>>8&0xff) / 255,
		B:         float64(value&0xff) / 255,
		Threshold: threshold,
	}, nil
}
