package session_test

import (
	"testing"

	"github.com/floydous/webshocket/session"
)

func TestSetGetDelete(t *testing.T) {
	s := session.New()

	if _, ok := s.Get("missing"); ok {
		t.Error("expected missing key to report not-ok")
	}

	s.Set("nickname", "alice")
	v, ok := s.Get("nickname")
	if !ok || v != "alice" {
		t.Errorf("Get(nickname) = %v, %v, want alice, true", v, ok)
	}

	s.Delete("nickname")
	if _, ok := s.Get("nickname"); ok {
		t.Error("expected nickname to be gone after Delete")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := session.New()
	s.Set("a", 1)

	snap := s.Snapshot()
	snap["a"] = 2

	v, _ := s.Get("a")
	if v != 1 {
		t.Errorf("mutating the snapshot affected the store: Get(a) = %v, want 1", v)
	}
}
