package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestGetSetExpire(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New[int](time.Minute, func() time.Time { return now })

	if _, ok := c.Get("a"); ok {
		t.Fatalf("empty cache returned a value")
	}
	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get=%v,%v, expected 1,true", v, ok)
	}

	now = now.Add(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expired entry still returned")
	}
	if c.Len() != 1 {
		t.Fatalf("Len=%d, expected 1 before cleanup", c.Len())
	}
	if n := c.Cleanup(); n != 1 {
		t.Fatalf("Cleanup removed %d, expected 1", n)
	}
	if c.Len() != 0 {
		t.Fatalf("Len=%d, expected 0", c.Len())
	}
}

func TestDeleteAndShards(t *testing.T) {
	c := New[string](0, nil)
	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v")
	}
	if c.Len() != 100 {
		t.Fatalf("Len=%d, expected 100", c.Len())
	}
	c.Delete("k7")
	if _, ok := c.Get("k7"); ok {
		t.Fatalf("deleted key still present")
	}
	if n := c.Cleanup(); n != 0 {
		t.Fatalf("Cleanup without ttl removed %d", n)
	}
}
