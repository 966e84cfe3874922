package usecase

import (
	"sync"

	"greenroom/internal/domain"
	"greenroom/internal/ports"
)

type activeCall struct {
	cancel  func()
	session ports.CallSession

	stateMu sync.Mutex
	state   domain.CallState

	// render is the compositor session mounted while a remote participant
	// is present. Nil when unmounted.
	renderMu sync.Mutex
	render   ports.RenderSession

	eventsDone chan struct{}
}

func (s *activeCall) setState(state domain.CallState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

func (s *activeCall) getState() domain.CallState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *activeCall) currentRender() ports.RenderSession {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()
	return s.render
}
