package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinWindow(t *testing.T) {
	l := New(2, time.Minute, time.Minute)
	if r := l.Allow("a"); !r.Allowed {
		t.Fatal("first request should be allowed")
	}
	if r := l.Allow("a"); !r.Allowed {
		t.Fatal("second request should be allowed")
	}
	r := l.Allow("a")
	if r.Allowed {
		t.Fatal("third request should be rejected")
	}
	if r.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", r.RetryAfter)
	}
}

func TestAllowNewWindowAfterReset(t *testing.T) {
	l := New(1, 10*time.Millisecond, time.Minute)
	if r := l.Allow("a"); !r.Allowed {
		t.Fatal("first request should be allowed")
	}
	time.Sleep(20 * time.Millisecond)
	if r := l.Allow("a"); !r.Allowed {
		t.Fatal("request after window reset should be allowed")
	}
}

func TestAllowPerClientIsolation(t *testing.T) {
	l := New(1, time.Minute, time.Minute)
	if r := l.Allow("a"); !r.Allowed {
		t.Fatal("client a should be allowed")
	}
	if r := l.Allow("b"); !r.Allowed {
		t.Fatal("client b should be allowed independently of client a")
	}
}

func TestEvictStale(t *testing.T) {
	l := New(10, 10*time.Millisecond, time.Minute)
	l.Allow("a")
	if l.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", l.Len())
	}
	time.Sleep(30 * time.Millisecond) // > 2*window
	l.evictStale()
	if l.Len() != 0 {
		t.Fatalf("expected stale entry evicted, got %d remaining", l.Len())
	}
}

func TestUnboundedDisablesEnforcement(t *testing.T) {
	l := New(0, time.Minute, time.Minute)
	for i := 0; i < 100; i++ {
		if r := l.Allow("a"); !r.Allowed {
			t.Fatalf("unbounded limiter should never reject, failed at iteration %d", i)
		}
	}
}
