package compositor

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"greenroom/internal/domain"
	"greenroom/internal/ports"
	"greenroom/internal/render"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	ticks chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0), ticks: make(chan time.Time)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Tick() <-chan time.Time { return c.ticks }
func (c *fakeClock) Stop()                  {}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) tick(tb testing.TB) {
	tb.Helper()
	select {
	case c.ticks <- c.Now():
	case <-time.After(2 * time.Second):
		tb.Fatalf("render loop never consumed tick")
	}
}

type fakeSource struct {
	mu    sync.Mutex
	ready bool
	frame domain.VideoFrame
}

func (s *fakeSource) set(frame domain.VideoFrame) {
	s.mu.Lock()
	s.ready = true
	s.frame = frame
	s.mu.Unlock()
}

func (s *fakeSource) clear() {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
}

func (s *fakeSource) FrameReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSource) CurrentFrame() (domain.VideoFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.ready
}

// countingContext tracks resource lifecycles so tests can assert leak-free
// teardown.
type countingContext struct {
	mu          sync.Mutex
	nextHandle  uint32
	programs    map[ports.RenderProgram]struct{}
	textures    map[ports.RenderTexture]struct{}
	compiled    int
	texCreated  int
	progDeleted int
	texDeleted  int
	resizes     int
	uploads     int
	draws       int
	compileErr  error
	textureErr  error
	drawErr     error
}

func newCountingContext() *countingContext {
	return &countingContext{
		programs: make(map[ports.RenderProgram]struct{}),
		textures: make(map[ports.RenderTexture]struct{}),
	}
}

func (c *countingContext) CompileProgram() (ports.RenderProgram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.compileErr != nil {
		return 0, c.compileErr
	}
	c.nextHandle++
	c.compiled++
	prog := ports.RenderProgram(c.nextHandle)
	c.programs[prog] = struct{}{}
	return prog, nil
}

func (c *countingContext) CreateTexture() (ports.RenderTexture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.textureErr != nil {
		return 0, c.textureErr
	}
	c.nextHandle++
	c.texCreated++
	tex := ports.RenderTexture(c.nextHandle)
	c.textures[tex] = struct{}{}
	return tex, nil
}

func (c *countingContext) Resize(width, height int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resizes++
	return nil
}

func (c *countingContext) Upload(tex ports.RenderTexture, frame domain.VideoFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads++
	return nil
}

func (c *countingContext) Draw(prog ports.RenderProgram, tex ports.RenderTexture, key domain.KeyColor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drawErr != nil {
		return c.drawErr
	}
	c.draws++
	return nil
}

func (c *countingContext) Snapshot() ([]byte, error) { return nil, errors.New("not implemented") }

func (c *countingContext) DeleteProgram(prog ports.RenderProgram) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.programs[prog]; ok {
		delete(c.programs, prog)
		c.progDeleted++
	}
}

func (c *countingContext) DeleteTexture(tex ports.RenderTexture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.textures[tex]; ok {
		delete(c.textures, tex)
		c.texDeleted++
	}
}

func (c *countingContext) live() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.programs), len(c.textures)
}

func smallFrame(width, height int) domain.VideoFrame {
	return domain.VideoFrame{Width: width, Height: height, RGBA: make([]byte, width*height*4)}
}

func TestLifecycleStates(t *testing.T) {
	t.Parallel()

	ctx := newCountingContext()
	clock := newFakeClock()
	c := New(Options{
		NewContext: func() (ports.RenderContext, error) { return ctx, nil },
		Clock:      clock,
		MaxFPS:     30,
	})

	if got := c.State(); got != domain.CompositorUninitialized {
		t.Fatalf("expected uninitialized, got %q", got)
	}

	source := &fakeSource{}
	if err := c.Start(source); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := c.State(); got != domain.CompositorRendering {
		t.Fatalf("expected rendering, got %q", got)
	}
	if err := c.Start(source); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected already-started error, got %v", err)
	}

	c.Stop()
	c.Stop()
	if got := c.State(); got != domain.CompositorTornDown {
		t.Fatalf("expected torn down, got %q", got)
	}
	if err := c.Start(source); !errors.Is(err, ErrTornDown) {
		t.Fatalf("expected torn-down error, got %v", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()

	c := New(Options{Clock: newFakeClock()})
	c.Stop()
	if got := c.State(); got != domain.CompositorTornDown {
		t.Fatalf("expected torn down, got %q", got)
	}
}

func TestContextAcquisitionFailureIsRecoverable(t *testing.T) {
	t.Parallel()

	boom := errors.New("no gpu")
	fail := true
	ctx := newCountingContext()
	c := New(Options{
		NewContext: func() (ports.RenderContext, error) {
			if fail {
				return nil, boom
			}
			return ctx, nil
		},
		Clock: newFakeClock(),
	})

	if err := c.Start(&fakeSource{}); !errors.Is(err, boom) {
		t.Fatalf("expected acquisition error, got %v", err)
	}
	if got := c.State(); got != domain.CompositorUninitialized {
		t.Fatalf("expected uninitialized after failure, got %q", got)
	}

	fail = false
	if err := c.Start(&fakeSource{}); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	defer c.Stop()
	if got := c.State(); got != domain.CompositorRendering {
		t.Fatalf("expected rendering after recovery, got %q", got)
	}
}

func TestTextureFailureReleasesProgram(t *testing.T) {
	t.Parallel()

	ctx := newCountingContext()
	ctx.textureErr = errors.New("out of memory")
	c := New(Options{
		NewContext: func() (ports.RenderContext, error) { return ctx, nil },
		Clock:      newFakeClock(),
	})

	if err := c.Start(&fakeSource{}); err == nil {
		t.Fatalf("expected start failure")
	}
	if progs, texs := ctx.live(); progs != 0 || texs != 0 {
		t.Fatalf("expected partial init released, got %d/%d", progs, texs)
	}
}

func TestFrameRateCap(t *testing.T) {
	t.Parallel()

	run := func(t *testing.T, step time.Duration, ticks int) (rendered, skipped uint64) {
		t.Helper()
		ctx := newCountingContext()
		clock := newFakeClock()
		source := &fakeSource{}
		source.set(smallFrame(4, 4))

		c := New(Options{
			NewContext: func() (ports.RenderContext, error) { return ctx, nil },
			Clock:      clock,
			MaxFPS:     30,
		})
		if err := c.Start(source); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		defer c.Stop()

		for i := 0; i < ticks; i++ {
			clock.advance(step)
			clock.tick(t)
		}
		source.clear()
		clock.advance(step)
		clock.tick(t)

		return c.Stats()
	}

	t.Run("ticks slower than cap all render", func(t *testing.T) {
		t.Parallel()
		rendered, skipped := run(t, 34*time.Millisecond, 30)
		if rendered != 30 || skipped != 0 {
			t.Fatalf("expected 30 rendered 0 skipped, got %d/%d", rendered, skipped)
		}
	})

	t.Run("fast ticks are throttled to the cap", func(t *testing.T) {
		t.Parallel()
		rendered, skipped := run(t, 10*time.Millisecond, 100)
		if rendered > 31 {
			t.Fatalf("cap exceeded: %d draws in one second", rendered)
		}
		if rendered != 25 || skipped != 75 {
			t.Fatalf("expected 25 rendered 75 skipped, got %d/%d", rendered, skipped)
		}
	})
}

func TestResizeFollowsFrameDimensions(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	source := &fakeSource{}
	c := New(Options{
		NewContext: func() (ports.RenderContext, error) { return render.NewContext(), nil },
		Clock:      clock,
		Key:        domain.KeyColor{R: 0, G: 1, B: 0, Threshold: 0.3},
		MaxFPS:     30,
	})
	if err := c.Start(source); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Stop()

	source.set(smallFrame(4, 4))
	clock.advance(40 * time.Millisecond)
	clock.tick(t)

	source.set(smallFrame(6, 2))
	clock.advance(40 * time.Millisecond)
	clock.tick(t)

	// An empty frame is ignored and must not disturb the surface.
	source.set(domain.VideoFrame{})
	clock.advance(40 * time.Millisecond)
	clock.tick(t)

	source.clear()
	clock.advance(40 * time.Millisecond)
	clock.tick(t)

	data, err := c.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png decode failed: %v", err)
	}
	if img.Bounds().Dx() != 6 || img.Bounds().Dy() != 2 {
		t.Fatalf("expected surface to match latest frame 6x2, got %v", img.Bounds())
	}

	rendered, _ := c.Stats()
	if rendered != 2 {
		t.Fatalf("expected 2 rendered frames, got %d", rendered)
	}
}

func TestComposedFrameKeysOutGreen(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	source := &fakeSource{}
	key, err := ParseKeyColor("#00d100", 0.3)
	if err != nil {
		t.Fatalf("parse key failed: %v", err)
	}
	c := New(Options{
		NewContext: func() (ports.RenderContext, error) { return render.NewContext(), nil },
		Clock:      clock,
		Key:        key,
		MaxFPS:     30,
	})
	if err := c.Start(source); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Stop()

	source.set(domain.VideoFrame{Width: 2, Height: 1, RGBA: []byte{
		0, 209, 0, 255, // key green
		200, 150, 120, 255, // skin tone
	}})
	clock.advance(40 * time.Millisecond)
	clock.tick(t)
	source.clear()
	clock.advance(40 * time.Millisecond)
	clock.tick(t)

	data, err := c.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png decode failed: %v", err)
	}
	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		t.Fatalf("expected non-premultiplied image, got %T", img)
	}
	if a := nrgba.NRGBAAt(0, 0).A; a != 0 {
		t.Fatalf("expected keyed pixel transparent, got a=%d", a)
	}
	keep := nrgba.NRGBAAt(1, 0)
	if keep.A != 255 || keep.R != 200 || keep.G != 150 || keep.B != 120 {
		t.Fatalf("expected opaque preserved pixel, got %+v", keep)
	}
}

func TestDrawErrorKeepsLoopAlive(t *testing.T) {
	t.Parallel()

	ctx := newCountingContext()
	ctx.drawErr = errors.New("context lost")
	clock := newFakeClock()
	source := &fakeSource{}
	source.set(smallFrame(4, 4))

	c := New(Options{
		NewContext: func() (ports.RenderContext, error) { return ctx, nil },
		Clock:      clock,
		MaxFPS:     30,
	})
	if err := c.Start(source); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Stop()

	for i := 0; i < 3; i++ {
		clock.advance(40 * time.Millisecond)
		clock.tick(t)
	}
	source.clear()
	clock.advance(40 * time.Millisecond)
	clock.tick(t)

	if got := c.State(); got != domain.CompositorRendering {
		t.Fatalf("expected loop still rendering, got %q", got)
	}
	rendered, _ := c.Stats()
	if rendered != 0 {
		t.Fatalf("expected no successful draws, got %d", rendered)
	}
}

func TestRepeatedMountCyclesLeakNothing(t *testing.T) {
	t.Parallel()

	ctx := newCountingContext()
	source := &fakeSource{}

	for i := 0; i < 100; i++ {
		c := New(Options{
			NewContext: func() (ports.RenderContext, error) { return ctx, nil },
			Clock:      newFakeClock(),
			MaxFPS:     30,
		})
		if err := c.Start(source); err != nil {
			t.Fatalf("cycle %d start failed: %v", i, err)
		}
		c.Stop()
		c.Stop()
	}

	if progs, texs := ctx.live(); progs != 0 || texs != 0 {
		t.Fatalf("leaked %d programs and %d textures", progs, texs)
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.compiled != 100 || ctx.texCreated != 100 {
		t.Fatalf("expected 100 allocations each, got %d/%d", ctx.compiled, ctx.texCreated)
	}
	if ctx.progDeleted != 100 || ctx.texDeleted != 100 {
		t.Fatalf("expected 100 releases each, got %d/%d", ctx.progDeleted, ctx.texDeleted)
	}
}

func TestSnapshotRequiresActiveSession(t *testing.T) {
	t.Parallel()

	c := New(Options{Clock: newFakeClock()})
	if _, err := c.Snapshot(); err == nil {
		t.Fatalf("expected error before start")
	}

	ctx := newCountingContext()
	c2 := New(Options{
		NewContext: func() (ports.RenderContext, error) { return ctx, nil },
		Clock:      newFakeClock(),
	})
	if err := c2.Start(&fakeSource{}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	c2.Stop()
	if _, err := c2.Snapshot(); err == nil {
		t.Fatalf("expected error after teardown")
	}
}

func TestParseKeyColor(t *testing.T) {
	t.Parallel()

	key, err := ParseKeyColor("#00d100", 0.3)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if key.R != 0 || key.B != 0 || key.Threshold != 0.3 {
		t.Fatalf("unexpected key: %+v", key)
	}
	if key.G <= 0.81 || key.G >= 0.83 {
		t.Fatalf("unexpected green component: %v", key.G)
	}

	if _, err := ParseKeyColor("nope", 0.3); err == nil {
		t.Fatalf("expected error for bad hex")
	}
	if _, err := ParseKeyColor("#00d100", 1.5); err == nil {
		t.Fatalf("expected error for threshold outside range")
	}
}
