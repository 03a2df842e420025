package cache

import (
	"testing"
	"time"
)

func TestCache(t *testing.T) {
	t.Run("get_set", func(t *testing.T) {
		c := New(time.Minute)
		c.Set("channels:1", "ESPN")
		v, ok := c.Get("channels:1")
		if !ok || v != "ESPN" {
			t.Errorf("Get = %v, %v; want ESPN, true", v, ok)
		}
	})

	t.Run("expiry", func(t *testing.T) {
		c := New(time.Minute)
		c.SetTTL("k", 1, 10*time.Millisecond)
		time.Sleep(30 * time.Millisecond)
		if _, ok := c.Get("k"); ok {
			t.Error("expected entry to expire")
		}
	})

	t.Run("prefix_invalidation", func(t *testing.T) {
		c := New(time.Minute)
		c.Set("channels:1", 1)
		c.Set("channels:2", 2)
		c.Set("streams:1", 3)

		if n := c.InvalidatePrefix("channels:"); n != 2 {
			t.Errorf("InvalidatePrefix = %d, want 2", n)
		}
		if _, ok := c.Get("channels:1"); ok {
			t.Error("channels:1 should be gone")
		}
		if _, ok := c.Get("streams:1"); !ok {
			t.Error("streams:1 should survive")
		}
	})

	t.Run("stats", func(t *testing.T) {
		c := New(time.Minute)
		c.Set("a", 1)
		c.Get("a")
		c.Get("b")
		s := c.Stats()
		if s.Hits != 1 || s.Misses != 1 || s.Items != 1 {
			t.Errorf("Stats = %+v, want 1 hit, 1 miss, 1 item", s)
		}
	})
}
