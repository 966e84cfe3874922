// Package roster tracks who is in the call session and what the participant
// area should present.
package roster

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"greenroom/internal/domain"
	"greenroom/internal/logging"
)

var (
	joinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greenroom_participant_joins_total",
		Help: "The total number of remote participants that joined the session",
	})
	leavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "greenroom_participant_leaves_total",
		Help: "The total number of remote participants that left the session",
	})
	audioKbps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "greenroom_participant_audio_kbps",
		Help: "Reported audio bitrate per participant",
	}, []string{"participant"})
	videoKbps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "greenroom_participant_video_kbps",
		Help: "Reported video bitrate per participant",
	}, []string{"participant"})
)

// Tracker folds session events into a participant roster. Snapshots are
// cheap copies so the UI can read while the event consumer writes.
type Tracker struct {
	mu        sync.RWMutex
	local     *domain.Participant
	order     []string
	remote    map[string]*domain.Participant
	detectors map[string]*speechDetector
	ended     bool
}

func NewTracker() *Tracker {
	return &Tracker{
		remote:    make(map[string]*domain.Participant),
		detectors: make(map[string]*speechDetector),
	}
}

// Reset clears all participants for a fresh session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = nil
	t.order = nil
	t.remote = make(map[string]*domain.Participant)
	t.detectors = make(map[string]*speechDetector)
	t.ended = false
}

// SetLocal seeds the local participant entry.
func (t *Tracker) SetLocal(p domain.Participant) {
	p.Local = true
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = &p
}

// UpdateLocalTracks records the local camera and microphone state. Returns
// whether anything changed.
func (t *Tracker) UpdateLocalTracks(cameraOn, micOn bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil {
		return false
	}
	changed := t.local.CameraOn != cameraOn || t.local.MicOn != micOn
	t.local.CameraOn = cameraOn
	t.local.MicOn = micOn
	return changed
}

// Apply folds one session event into the roster. Returns whether a snapshot
// taken now would differ from one taken before the call.
func (t *Tracker) Apply(ev domain.SessionEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case domain.EventParticipantJoined:
		if ev.Participant.Local {
			p := ev.Participant
			t.local = &p
			return true
		}
		id := ev.Participant.ID
		if existing, ok := t.remote[id]; ok {
			existing.Name = ev.Participant.Name
			return true
		}
		p := ev.Participant
		t.remote[id] = &p
		t.order = append(t.order, id)
		t.detectors[id] = newSpeechDetector()
		joinsTotal.Inc()
		logging.Infow("participant joined", logging.ParticipantFields(id, p.Name)...)
		return true

	case domain.EventParticipantLeft:
		id := ev.Participant.ID
		if _, ok := t.remote[id]; !ok {
			return false
		}
		delete(t.remote, id)
		delete(t.detectors, id)
		for i, existing := range t.order {
			if existing == id {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
		audioKbps.DeleteLabelValues(id)
		videoKbps.DeleteLabelValues(id)
		leavesTotal.Inc()
		logging.Infow("participant left", logging.ParticipantFields(id, "")...)
		return true

	case domain.EventTrackUpdated:
		p := t.find(ev.Participant.ID)
		if p == nil {
			return false
		}
		switch ev.Track {
		case domain.TrackVideo:
			if p.CameraOn == ev.Enabled {
				return false
			}
			p.CameraOn = ev.Enabled
		case domain.TrackAudio:
			if p.MicOn == ev.Enabled {
				return false
			}
			p.MicOn = ev.Enabled
		default:
			return false
		}
		return true

	case domain.EventAudio:
		id := ev.Participant.ID
		p, ok := t.remote[id]
		if !ok {
			return false
		}
		d := t.detectors[id]
		if d == nil {
			d = newSpeechDetector()
			t.detectors[id] = d
		}
		d.process(ev.PCM, time.Now())
		if p.Speaking == d.isSpeaking() {
			return false
		}
		p.Speaking = d.isSpeaking()
		return true

	case domain.EventStats:
		audioKbps.WithLabelValues(ev.Stats.ParticipantID).Set(float64(ev.Stats.AudioKbps))
		videoKbps.WithLabelValues(ev.Stats.ParticipantID).Set(float64(ev.Stats.VideoKbps))
		return false

	case domain.EventSessionEnded:
		if t.ended {
			return false
		}
		t.ended = true
		return true

	default:
		return false
	}
}

func (t *Tracker) find(id string) *domain.Participant {
	if t.local != nil && t.local.ID == id {
		return t.local
	}
	return t.remote[id]
}

// Snapshot returns a copy of the roster. The phase is derived on read: a
// session with no remote participants presents as connecting rather than an
// empty video area.
func (t *Tracker) Snapshot() domain.Roster {
	t.mu.RLock()
	defer t.mu.RUnlock()

	roster := domain.Roster{Remote: make([]domain.Participant, 0, len(t.order))}
	for _, id := range t.order {
		if p, ok := t.remote[id]; ok {
			roster.Remote = append(roster.Remote, *p)
		}
	}
	if t.local != nil {
		local := *t.local
		roster.Local = &local
	}
	switch {
	case t.ended:
		roster.Phase = domain.RosterEnded
	case len(roster.Remote) == 0:
		roster.Phase = domain.RosterConnecting
	default:
		roster.Phase = domain.RosterLive
	}
	return roster
}
