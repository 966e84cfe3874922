package roster

import (
	"math"
	"time"
)

type levelSample struct {
	level float64
	at    time.Time
}

// speechDetector derives a speaking flag from decoded PCM. Mean absolute
// amplitude samples are averaged over a sliding window and compared against
// a fixed threshold.
type speechDetector struct {
	threshold float64
	window    time.Duration
	levels    []levelSample
	speaking  bool
}

func newSpeechDetector() *speechDetector {
	return &speechDetector{
		threshold: 0.3,
		window:    500 * time.Millisecond,
	}
}

func (d *speechDetector) process(pcm []int16, now time.Time) {
	if len(pcm) == 0 {
		return
	}
	var sum float64
	for _, s := range pcm {
		sum += math.Abs(float64(s))
	}
	level := sum / float64(len(pcm)) / 32768.0

	d.levels = append(d.levels, levelSample{level: level, at: now})

	cutoff := now.Add(-d.window)
	for i, sample := range d.levels {
		if sample.at.After(cutoff) {
			d.levels = d.levels[i:]
			break
		}
	}

	var total float64
	for _, sample := range d.levels {
		total += sample.level
	}
	d.speaking = total/float64(len(d.levels)) > d.threshold
}

func (d *speechDetector) isSpeaking() bool { return d.speaking }
