package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestLRUCacheBasics(t *testing.T) {
	c := NewLRUCache(10)
	defer c.Close()
	ctx := context.Background()

	t.Run("GetMissReturnsNil", func(t *testing.T) {
		got, err := c.Get(ctx, "FAC001", "absent")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil on miss, got %q", got)
		}
	})

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "FAC001", "rules:v1", []byte("payload"), 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		got, err := c.Get(ctx, "FAC001", "rules:v1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != "payload" {
			t.Errorf("expected payload, got %q", got)
		}
	})

	t.Run("FacilityScoped", func(t *testing.T) {
		got, err := c.Get(ctx, "FAC002", "rules:v1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got != nil {
			t.Error("expected a miss for another facility")
		}
	})

	t.Run("FacilityIDRequired", func(t *testing.T) {
		if _, err := c.Get(ctx, "", "k"); err == nil {
			t.Error("expected error for empty facilityID on Get")
		}
		if err := c.Set(ctx, "", "k", []byte("v"), 0); err == nil {
			t.Error("expected error for empty facilityID on Set")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := c.Delete(ctx, "FAC001", "rules:v1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		got, _ := c.Get(ctx, "FAC001", "rules:v1")
		if got != nil {
			t.Error("expected miss after delete")
		}
	})
}

func TestLRUCacheTTL(t *testing.T) {
	c := NewLRUCache(10)
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "FAC001", "short", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, _ := c.Get(ctx, "FAC001", "short")
	if string(got) != "v" {
		t.Fatalf("expected hit before expiry, got %q", got)
	}

	time.Sleep(40 * time.Millisecond)

	got, _ = c.Get(ctx, "FAC001", "short")
	if got != nil {
		t.Errorf("expected expired entry to miss, got %q", got)
	}
}

func TestLRUCacheEviction(t *testing.T) {
	c := NewLRUCache(3)
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Set(ctx, "FAC001", fmt.Sprintf("k%d", i), []byte("v"), 0)
	}

	// Touch k0 so k1 becomes the oldest.
	if _, err := c.Get(ctx, "FAC001", "k0"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	c.Set(ctx, "FAC001", "k3", []byte("v"), 0)

	if got, _ := c.Get(ctx, "FAC001", "k1"); got != nil {
		t.Error("expected least recently used entry to be evicted")
	}
	if got, _ := c.Get(ctx, "FAC001", "k0"); got == nil {
		t.Error("expected recently used entry to survive eviction")
	}

	size, capacity := c.Stats()
	if size != 3 || capacity != 3 {
		t.Errorf("expected size=3 capacity=3, got %d/%d", size, capacity)
	}
}

func TestLRUCacheDeletePrefix(t *testing.T) {
	c := NewLRUCache(10)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "FAC001", "rules:medical", []byte("a"), 0)
	c.Set(ctx, "FAC001", "rules:nursing", []byte("b"), 0)
	c.Set(ctx, "FAC001", "receipt:2025-06", []byte("c"), 0)
	c.Set(ctx, "FAC002", "rules:medical", []byte("d"), 0)

	if err := c.DeletePrefix(ctx, "FAC001", "rules:"); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}

	if got, _ := c.Get(ctx, "FAC001", "rules:medical"); got != nil {
		t.Error("expected rules:medical to be gone")
	}
	if got, _ := c.Get(ctx, "FAC001", "rules:nursing"); got != nil {
		t.Error("expected rules:nursing to be gone")
	}
	if got, _ := c.Get(ctx, "FAC001", "receipt:2025-06"); got == nil {
		t.Error("expected receipt entry to survive")
	}
	if got, _ := c.Get(ctx, "FAC002", "rules:medical"); got == nil {
		t.Error("expected other facility's entry to survive")
	}
}
