// Package levels computes the rolling microphone level series that drives
// the recording indicator bars.
package levels

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"greenroom/internal/logging"
	"greenroom/internal/ports"
)

// Spectrum byte mapping range, in decibels. Magnitudes at or below floorDb
// map to 0, at or above ceilDb to 255.
const (
	floorDb = -100.0
	ceilDb  = -30.0
)

// staleAfter is how long the analyzer keeps trusting the last PCM frame.
// A microphone that stops delivering resets the series to silence.
const staleAfter = 250 * time.Millisecond

// Options configure the analyzer.
type Options struct {
	Bands   int
	FFTSize int
	Clock   ports.FrameClock
	// OnLevels receives each published series. The slice must not be
	// retained.
	OnLevels func(levels []int)
}

// Analyzer converts microphone PCM into a fixed-length series of band
// levels in [0,100]. It consumes PCM as a capture tap and publishes one
// series per clock tick while active.
type Analyzer struct {
	bands    int
	fftSize  int
	clock    ports.FrameClock
	onLevels func([]int)
	fft      *fourier.FFT

	mu       sync.Mutex
	ring     []int16
	lastPCM  time.Time
	active   bool
	latest   []int
	wasQuiet bool

	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

func NewAnalyzer(opts Options) *Analyzer {
	bands := opts.Bands
	if bands <= 0 {
		logging.Warnw("invalid band count, using default", "bands", opts.Bands)
		bands = 20
	}
	fftSize := opts.FFTSize
	if fftSize < 256 || fftSize&(fftSize-1) != 0 {
		logging.Warnw("invalid fft size, using default", "fft_size", opts.FFTSize)
		fftSize = 1024
	}
	return &Analyzer{
		bands:    bands,
		fftSize:  fftSize,
		clock:    opts.Clock,
		onLevels: opts.OnLevels,
		fft:      fourier.NewFFT(fftSize),
		ring:     make([]int16, fftSize),
		latest:   make([]int, bands),
	}
}

// Start launches the analysis loop. Stop must be called to release it.
func (a *Analyzer) Start() {
	a.done = make(chan struct{})
	a.loopDone = make(chan struct{})
	go a.loop()
}

// Stop halts the analysis loop. Safe to call more than once.
func (a *Analyzer) Stop() {
	a.stopOnce.Do(func() {
		if a.done == nil {
			return
		}
		close(a.done)
		<-a.loopDone
	})
}

// OnPCM implements the capture tap. Frames slide through a ring of the last
// fftSize samples.
func (a *Analyzer) OnPCM(frame []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(frame) >= len(a.ring) {
		copy(a.ring, frame[len(frame)-len(a.ring):])
	} else {
		copy(a.ring, a.ring[len(frame):])
		copy(a.ring[len(a.ring)-len(frame):], frame)
	}
	a.lastPCM = a.clock.Now()
}

// SetActive tells the analyzer whether a microphone source exists. While
// inactive the series resets to zeros on the next tick.
func (a *Analyzer) SetActive(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active && !active {
		for i := range a.ring {
			a.ring[i] = 0
		}
	}
	a.active = active
}

// Levels returns a copy of the most recent series.
func (a *Analyzer) Levels() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, len(a.latest))
	copy(out, a.latest)
	return out
}

func (a *Analyzer) loop() {
	defer close(a.loopDone)
	for {
		select {
		case <-a.done:
			return
		case <-a.clock.Tick():
			a.step()
		}
	}
}

func (a *Analyzer) step() {
	a.mu.Lock()
	live := a.active && a.clock.Now().Sub(a.lastPCM) <= staleAfter
	if !live {
		quietAlready := a.wasQuiet
		for i := range a.latest {
			a.latest[i] = 0
		}
		a.wasQuiet = true
		a.mu.Unlock()
		if !quietAlready {
			a.publish(make([]int, a.bands))
		}
		return
	}

	seq := make([]float64, a.fftSize)
	for i, s := range a.ring {
		seq[i] = float64(s) / 32768.0
	}
	a.mu.Unlock()

	spectrum := a.byteSpectrum(seq)
	series := bandLevels(spectrum, a.bands)

	a.mu.Lock()
	copy(a.latest, series)
	a.wasQuiet = false
	a.mu.Unlock()

	a.publish(series)
}

func (a *Analyzer) publish(series []int) {
	if a.onLevels != nil {
		a.onLevels(series)
	}
}

// byteSpectrum mirrors the byte frequency data of a browser analyser node:
// windowed FFT magnitudes in decibels, mapped linearly onto 0..255 within
// [floorDb, ceilDb].
func (a *Analyzer) byteSpectrum(seq []float64) []byte {
	window.Blackman(seq)
	coeffs := a.fft.Coefficients(nil, seq)

	bins := a.fftSize / 2
	out := make([]byte, bins)
	for i := 0; i < bins; i++ {
		re := real(coeffs[i])
		im := imag(coeffs[i])
		mag := math.Sqrt(re*re+im*im) / float64(a.fftSize)
		db := floorDb
		if mag > 0 {
			db = 20 * math.Log10(mag)
		}
		switch {
		case db <= floorDb:
			out[i] = 0
		case db >= ceilDb:
			out[i] = 255
		default:
			out[i] = byte(math.Round((db - floorDb) / (ceilDb - floorDb) * 255))
		}
	}
	return out
}

// bandLevels folds the byte spectrum into equal-width bands scaled to
// [0,100]. The last band may be narrower when the spectrum does not divide
// evenly; an empty band reads as 0.
func bandLevels(spectrum []byte, bands int) []int {
	out := make([]int, bands)
	if len(spectrum) == 0 || bands <= 0 {
		return out
	}
	width := (len(spectrum) + bands - 1) / bands
	for b := 0; b < bands; b++ {
		start := b * width
		if start >= len(spectrum) {
			break
		}
		end := start + width
		if end > len(spectrum) {
			end = len(spectrum)
		}
		sum := 0
		for _, v := range spectrum[start:end] {
			sum += int(v)
		}
		mean := float64(sum) / float64(end-start)
		level := int(math.Round(mean * 100 / 255))
		if level < 0 {
			level = 0
		}
		if level > 100 {
			level = 100
		}
		out[b] = level
	}
	return out
}
