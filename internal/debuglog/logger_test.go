package debuglog

import (
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	l := NewLimiter(time.Second)
	now := time.Unix(100, 0)
	if !l.Allow("a", now) {
		t.Fatalf("first line should pass")
	}
	if l.Allow("a", now.Add(500*time.Millisecond)) {
		t.Fatalf("second line within interval should be dropped")
	}
	if !l.Allow("b", now) {
		t.Fatalf("keys are independent")
	}
	if !l.Allow("a", now.Add(time.Second)) {
		t.Fatalf("line after interval should pass")
	}
	if l.Allow("", now) {
		t.Fatalf("empty key never passes")
	}
}

func TestLimiterSweeps(t *testing.T) {
	l := NewLimiter(time.Second)
	now := time.Unix(100, 0)
	l.Allow("old", now)
	l.Allow("new", now.Add(10*time.Second))
	if _, ok := l.last["old"]; ok {
		t.Fatalf("stale key not swept")
	}
}

func TestEnabled(t *testing.T) {
	t.Setenv(EnvDebug, "1")
	if !Enabled() {
		t.Fatalf("expected debug on")
	}
	t.Setenv(EnvDebug, "")
	if Enabled() {
		t.Fatalf("expected debug off")
	}
	if _, err := New(false); err != nil {
		t.Fatalf("new logger: %v", err)
	}
}
