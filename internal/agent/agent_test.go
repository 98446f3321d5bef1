package agent

import (
	"testing"

	"github.com/oxvale/drover/internal/stream"
)

func TestValidResumeID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"", false},
		{"not-a-uuid", false},
		{"12345678-1234-1234-1234-123456789012", true},
		{"F47AC10B-58CC-4372-A567-0E02B2C3D479", true},
		{"f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"f47ac10b58cc4372a5670e02b2c3d479extra", false},
	}
	for _, tt := range tests {
		if got := ValidResumeID(tt.id); got != tt.want {
			t.Errorf("ValidResumeID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestPickAllowed(t *testing.T) {
	allowed := []string{"default", "plan"}

	if got := PickAllowed("plan", allowed, "default"); got != "plan" {
		t.Errorf("PickAllowed(plan) = %q, want plan", got)
	}
	if got := PickAllowed("", allowed, "default"); got != "default" {
		t.Errorf("PickAllowed(empty) = %q, want default", got)
	}
	if got := PickAllowed("yolo", allowed, "default"); got != "default" {
		t.Errorf("PickAllowed(yolo) = %q, want default", got)
	}
}

func TestSafeOnMessage(t *testing.T) {
	var got *stream.Message
	SafeOnMessage(func(m *stream.Message) { got = m }, &stream.Message{Type: stream.Assistant})
	if got == nil || got.Type != stream.Assistant {
		t.Error("callback not invoked")
	}

	// A panicking callback must not propagate
	SafeOnMessage(func(m *stream.Message) { panic("boom") }, &stream.Message{})

	// Nil callback is a no-op
	SafeOnMessage(nil, &stream.Message{})
}
