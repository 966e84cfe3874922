package bootstrap

import (
	"context"
	"testing"

	"greenroom/internal/domain"
)

func TestBuildSuccess(t *testing.T) {
	t.Setenv("MIRAGE_API_KEY", "test-key")

	services, err := Build(noopEventSink{}, noopClipboard{}, noopFullscreen{})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if services.Controller == nil {
		t.Fatalf("expected controller")
	}
	if services.Levels == nil {
		t.Fatalf("expected level analyzer")
	}
}

func TestBuildFailsOnInvalidKeyColor(t *testing.T) {
	t.Setenv("GREENROOM_KEY_COLOR", "chartreuse")

	_, err := Build(noopEventSink{}, noopClipboard{}, noopFullscreen{})
	if err == nil {
		t.Fatalf("expected build error due to invalid key color")
	}
}

type noopEventSink struct{}

func (noopEventSink) CallStateChanged(_ domain.CallState, _ domain.CallStateReason) {}
func (noopEventSink) RosterChanged(_ domain.Roster)                                 {}
func (noopEventSink) AudioLevels(_ []int)                                           {}
func (noopEventSink) SessionError(_ domain.ErrorCode, _ string)                     {}

type noopClipboard struct{}

func (noopClipboard) SetText(_ context.Context, _ string) error { return nil }

type noopFullscreen struct{}

func (noopFullscreen) Enter(_ context.Context) error { return nil }
func (noopFullscreen) Exit(_ context.Context) error  { return nil }
