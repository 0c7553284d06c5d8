package cache

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestMemoryGetSet(t *testing.T) {
	m := NewMemory()

	t.Run("missing key", func(t *testing.T) {
		if _, found := m.Get("nope"); found {
			t.Fatalf("expected found=false for missing key")
		}
	})

	t.Run("set and get", func(t *testing.T) {
		if !m.Set("k", []byte("v"), 0) {
			t.Fatalf("set failed")
		}
		v, found := m.Get("k")
		if !found || string(v) != "v" {
			t.Fatalf("got %q found=%v, want v", v, found)
		}
	})

	t.Run("delete", func(t *testing.T) {
		m.Set("gone", []byte("x"), 0)
		m.Delete("gone")
		if _, found := m.Get("gone"); found {
			t.Fatalf("expected key to be deleted")
		}
	})
}

func TestMemoryCompareAndSwap(t *testing.T) {
	t.Run("swap with current token", func(t *testing.T) {
		m := NewMemory()
		m.Set("k", []byte("a"), 0)
		_, token, found := m.GetWithToken("k")
		if !found {
			t.Fatalf("expected key to exist")
		}
		if !m.CompareAndSwap("k", token, []byte("b"), 0) {
			t.Fatalf("swap with current token failed")
		}
		v, _ := m.Get("k")
		if string(v) != "b" {
			t.Fatalf("got %q, want b", v)
		}
	})

	t.Run("swap with stale token", func(t *testing.T) {
		m := NewMemory()
		m.Set("k", []byte("a"), 0)
		_, token, _ := m.GetWithToken("k")
		m.Set("k", []byte("b"), 0)
		if m.CompareAndSwap("k", token, []byte("c"), 0) {
			t.Fatalf("swap with stale token should fail")
		}
		v, _ := m.Get("k")
		if string(v) != "b" {
			t.Fatalf("got %q, want b", v)
		}
	})

	t.Run("swap on missing key", func(t *testing.T) {
		m := NewMemory()
		if m.CompareAndSwap("nope", 1, []byte("x"), 0) {
			t.Fatalf("swap on missing key should fail")
		}
	})
}

func TestMemoryTTL(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	m := NewMemoryWithClock(clk)

	m.Set("k", []byte("v"), time.Minute)
	if _, found := m.Get("k"); !found {
		t.Fatalf("expected key before expiry")
	}

	clk.advance(time.Minute + time.Second)
	if _, found := m.Get("k"); found {
		t.Fatalf("expected key to expire")
	}

	t.Run("swap refreshes ttl", func(t *testing.T) {
		m.Set("r", []byte("a"), time.Minute)
		_, token, _ := m.GetWithToken("r")
		clk.advance(30 * time.Second)
		if !m.CompareAndSwap("r", token, []byte("b"), time.Minute) {
			t.Fatalf("swap failed")
		}
		clk.advance(45 * time.Second)
		if _, found := m.Get("r"); !found {
			t.Fatalf("expected refreshed key to survive")
		}
	})
}
