package store

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLatestUnknownOwner(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Latest("nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest err = %v, want ErrNotFound", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetSessionID("chan-1", "sess-abc"); err != nil {
		t.Fatalf("SetSessionID: %v", err)
	}
	sessionID, mode, err := s.Latest("chan-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if sessionID != "sess-abc" {
		t.Errorf("sessionID = %q, want %q", sessionID, "sess-abc")
	}
	if mode != "" {
		t.Errorf("mode = %q, want empty", mode)
	}

	// Updating keeps the mode intact
	if err := s.SetMode("chan-1", "plan"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := s.SetSessionID("chan-1", "sess-def"); err != nil {
		t.Fatalf("SetSessionID: %v", err)
	}
	sessionID, mode, err = s.Latest("chan-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if sessionID != "sess-def" || mode != "plan" {
		t.Errorf("Latest = (%q, %q), want (sess-def, plan)", sessionID, mode)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	s.SetSessionID("chan-1", "sess-abc")
	if err := s.Delete("chan-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Latest("chan-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest after Delete err = %v, want ErrNotFound", err)
	}
	// Deleting again is fine
	if err := s.Delete("chan-1"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}
