package ratelimit

import (
	"testing"
	"time"
)

func TestAdmitUpToLimit(t *testing.T) {
	lim := NewSlidingWindow(60*time.Second, 3)
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		d := lim.Admit(now.Add(time.Duration(i) * time.Second))
		if !d.Admitted {
			t.Fatalf("admission %d denied, want admitted", i)
		}
	}

	d := lim.Admit(now.Add(3 * time.Second))
	if d.Admitted {
		t.Fatal("fourth admission within window should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("denial should carry a positive retry-after, got %s", d.RetryAfter)
	}
}

func TestDenialsConsumeNoQuota(t *testing.T) {
	lim := NewSlidingWindow(60*time.Second, 2)
	now := time.Unix(1000, 0)

	lim.Admit(now)
	lim.Admit(now)

	// Hammer denials; none should extend the wait.
	for i := 0; i < 10; i++ {
		if d := lim.Admit(now.Add(time.Duration(i) * time.Second)); d.Admitted {
			t.Fatalf("denied window admitted attempt %d", i)
		}
	}

	// Once the first admission ages out, exactly one slot opens.
	later := now.Add(61 * time.Second)
	if d := lim.Admit(later); !d.Admitted {
		t.Fatal("slot should reopen after the window slides")
	}
}

func TestRetryAfterMatchesOldestAdmission(t *testing.T) {
	lim := NewSlidingWindow(60*time.Second, 1)
	start := time.Unix(1000, 0)

	lim.Admit(start)
	d := lim.Admit(start.Add(20 * time.Second))
	if d.Admitted {
		t.Fatal("want denial")
	}
	if d.RetryAfter != 40*time.Second {
		t.Fatalf("retry-after = %s, want 40s", d.RetryAfter)
	}
}

func TestWindowSlidesContinuously(t *testing.T) {
	lim := NewSlidingWindow(60*time.Second, 3)
	base := time.Unix(0, 0)

	// Admissions at t=0, 30, 59 fill the window.
	for _, off := range []time.Duration{0, 30 * time.Second, 59 * time.Second} {
		if d := lim.Admit(base.Add(off)); !d.Admitted {
			t.Fatalf("admission at +%s denied", off)
		}
	}
	if d := lim.Admit(base.Add(59 * time.Second)); d.Admitted {
		t.Fatal("window full at +59s")
	}
	// t=61: the t=0 admission has aged out.
	if d := lim.Admit(base.Add(61 * time.Second)); !d.Admitted {
		t.Fatal("t=0 admission should have aged out at +61s")
	}
	// Window holds t=30, 59, 61 now.
	if d := lim.Admit(base.Add(62 * time.Second)); d.Admitted {
		t.Fatal("window refilled, +62s should be denied")
	}
}

func TestInWindow(t *testing.T) {
	lim := NewSlidingWindow(60*time.Second, 5)
	now := time.Unix(1000, 0)

	if got := lim.InWindow(now); got != 0 {
		t.Fatalf("empty limiter reports %d in window", got)
	}
	lim.Admit(now)
	lim.Admit(now.Add(time.Second))
	if got := lim.InWindow(now.Add(2 * time.Second)); got != 2 {
		t.Fatalf("in-window = %d, want 2", got)
	}
	if got := lim.InWindow(now.Add(2 * time.Minute)); got != 0 {
		t.Fatalf("in-window after expiry = %d, want 0", got)
	}
}
