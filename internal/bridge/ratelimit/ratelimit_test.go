package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(requests int, window time.Duration) (*Limiter, *time.Time) {
	l := New(requests, window)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllow_ExhaustsBudget(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("a")
		if !ok {
			t.Fatalf("request %d denied within budget", i)
		}
	}
	ok, wait := l.Allow("a")
	if ok {
		t.Fatal("request over budget allowed")
	}
	if wait <= 0 || wait > 20*time.Second {
		t.Errorf("wait = %v, want (0, 20s]", wait)
	}
}

func TestAllow_BucketsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	if ok, _ := l.Allow("a"); !ok {
		t.Fatal("first request for a denied")
	}
	if ok, _ := l.Allow("b"); !ok {
		t.Fatal("first request for b denied")
	}
	if ok, _ := l.Allow("a"); ok {
		t.Fatal("a's exhaustion leaked a token")
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l, now := newTestLimiter(4, time.Minute)

	for i := 0; i < 4; i++ {
		l.Allow("a")
	}
	if ok, _ := l.Allow("a"); ok {
		t.Fatal("allowed with empty bucket")
	}

	// One token every 15s.
	*now = now.Add(14 * time.Second)
	if ok, _ := l.Allow("a"); ok {
		t.Fatal("allowed before a full token interval elapsed")
	}
	*now = now.Add(2 * time.Second)
	if ok, _ := l.Allow("a"); !ok {
		t.Fatal("denied after a token interval elapsed")
	}
	if ok, _ := l.Allow("a"); ok {
		t.Fatal("second token granted after one interval")
	}
}

func TestAllow_RefillCapsAtBudget(t *testing.T) {
	l, now := newTestLimiter(2, time.Minute)

	l.Allow("a")
	*now = now.Add(time.Hour)

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("a"); !ok {
			t.Fatalf("request %d denied after long idle", i)
		}
	}
	if ok, _ := l.Allow("a"); ok {
		t.Fatal("bucket exceeded its capacity after long idle")
	}
}
