// Package render provides the software rasterizer behind the chroma-key
// compositor. It mirrors the GPU pipeline shape: compiled program, one
// reusable texture uploaded bottom-up, and a draw pass that samples with
// flipped rows so the composed surface comes out upright.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"sync"

	"greenroom/internal/domain"
	"greenroom/internal/ports"
)

type texture struct {
	width  int
	height int
	pixels []byte
}

// Context rasterizes the keying pass into an in-memory surface. The surface
// is non-premultiplied so keyed pixels keep their color under zero alpha,
// matching what readPixels hands back. It implements ports.RenderContext and
// is safe for concurrent use.
type Context struct {
	mu         sync.Mutex
	nextHandle uint32
	programs   map[ports.RenderProgram]struct{}
	textures   map[ports.RenderTexture]*texture
	surface    *image.NRGBA
	width      int
	height     int
}

func NewContext() *Context {
	return &Context{
		programs: make(map[ports.RenderProgram]struct{}),
		textures: make(map[ports.RenderTexture]*texture),
	}
}

func (c *Context) CompileProgram() (ports.RenderProgram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	prog := ports.RenderProgram(c.nextHandle)
	c.programs[prog] = struct{}{}
	return prog, nil
}

func (c *Context) CreateTexture() (ports.RenderTexture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	tex := ports.RenderTexture(c.nextHandle)
	c.textures[tex] = &texture{}
	return tex, nil
}

// Resize matches the surface to the given dimensions. Same-size calls keep
// the existing backing store.
func (c *Context) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid surface size %dx%d", width, height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.width == width && c.height == height && c.surface != nil {
		return nil
	}
	c.surface = image.NewNRGBA(image.Rect(0, 0, width, height))
	c.width, c.height = width, height
	return nil
}

// Upload replaces the texture contents with the frame, stored bottom-up the
// way the GPU pipeline keeps texel rows.
func (c *Context) Upload(tex ports.RenderTexture, frame domain.VideoFrame) error {
	if !frame.Valid() {
		return fmt.Errorf("invalid frame %dx%d with %d bytes", frame.Width, frame.Height, len(frame.RGBA))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.textures[tex]
	if !ok {
		return fmt.Errorf("upload to unknown texture %d", tex)
	}
	stride := frame.Width * 4
	if len(t.pixels) != len(frame.RGBA) {
		t.pixels = make([]byte, len(frame.RGBA))
	}
	for row := 0; row < frame.Height; row++ {
		src := frame.RGBA[row*stride : (row+1)*stride]
		dst := t.pixels[(frame.Height-1-row)*stride:]
		copy(dst[:stride], src)
	}
	t.width, t.height = frame.Width, frame.Height
	return nil
}

// Draw runs the keying pass over the whole surface. Pixels within the key
// threshold (Euclidean distance in normalized RGB) become fully transparent;
// everything else is opaque with its color preserved. Rows are sampled
// flipped, undoing the bottom-up texture layout.
func (c *Context) Draw(prog ports.RenderProgram, tex ports.RenderTexture, key domain.KeyColor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.programs[prog]; !ok {
		return fmt.Errorf("draw with unknown program %d", prog)
	}
	t, ok := c.textures[tex]
	if !ok {
		return fmt.Errorf("draw with unknown texture %d", tex)
	}
	if c.surface == nil {
		return errors.New("draw before surface was sized")
	}
	if t.width <= 0 || t.height <= 0 {
		return errors.New("draw with empty texture")
	}

	stride := t.width * 4
	for y := 0; y < c.height; y++ {
		sy := t.height - 1 - y*t.height/c.height
		row := t.pixels[sy*stride:]
		out := c.surface.Pix[y*c.surface.Stride:]
		for x := 0; x < c.width; x++ {
			sx := x * t.width / c.width
			r := row[sx*4]
			g := row[sx*4+1]
			b := row[sx*4+2]

			dr := float64(r)/255 - key.R
			dg := float64(g)/255 - key.G
			db := float64(b)/255 - key.B
			dist := math.Sqrt(dr*dr + dg*dg + db*db)

			out[x*4] = r
			out[x*4+1] = g
			out[x*4+2] = b
			if dist < key.Threshold {
				out[x*4+3] = 0
			} else {
				out[x*4+3] = 255
			}
		}
	}
	return nil
}

// Snapshot encodes the current surface as PNG.
func (c *Context) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.surface == nil {
		return nil, errors.New("no composed surface yet")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, c.surface); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Context) DeleteProgram(prog ports.RenderProgram) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.programs, prog)
}

func (c *Context) DeleteTexture(tex ports.RenderTexture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.textures, tex)
}

// ResourceCounts reports live program and texture handles.
func (c *Context) ResourceCounts() (programs, textures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.programs), len(c.textures)
}

// Pixel returns the composed RGBA value at (x, y). Intended for tests and
// diagnostics.
func (c *Context) Pixel(x, y int) (r, g, b, a byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.surface == nil {
		return 0, 0, 0, 0, errors.New("no composed surface yet")
	}
	if x < 0 || y < 0 || x >= c.width || y >= c.height {
		return 0, 0, 0, 0, fmt.Errorf("pixel (%d,%d) outside %dx%d", x, y, c.width, c.height)
	}
	i := y*c.surface.Stride + x*4
	return c.surface.Pix[i], c.surface.Pix[i+1], c.surface.Pix[i+2], c.surface.Pix[i+3], nil
}
