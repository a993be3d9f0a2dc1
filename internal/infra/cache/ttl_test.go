package cache

import (
	"testing"
	"time"
)

func newTestCache(t *testing.T) (*TTL[string], *time.Time) {
	t.Helper()
	c := New[string](time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestGetSetRoundtrip(t *testing.T) {
	c, _ := newTestCache(t)
	c.SetDefault("k", "v")
	got, ok := c.Get("k")
	if !ok || got != "v" {
		t.Fatalf("ожидали v, получили %q (ok=%v)", got, ok)
	}
}

func TestGetEvictsExpired(t *testing.T) {
	c, now := newTestCache(t)
	c.Set("k", "v", 30*time.Second)
	*now = now.Add(31 * time.Second)

	if _, ok := c.Get("k"); ok {
		t.Fatal("ожидали промах по просроченному ключу")
	}
	if c.Len() != 0 {
		t.Fatalf("ожидали вычистку записи, Len=%d", c.Len())
	}
}

func TestGetStaleSurvivesExpiry(t *testing.T) {
	c, now := newTestCache(t)
	c.Set("k", "v", time.Second)
	*now = now.Add(time.Hour)

	if _, ok := c.Get("k"); ok {
		t.Fatal("живое значение должно было истечь")
	}
	got, ok := c.GetStale("k")
	if !ok || got != "v" {
		t.Fatalf("ожидали последнее хорошее значение, получили %q (ok=%v)", got, ok)
	}
}

func TestDeleteRemovesStale(t *testing.T) {
	c, _ := newTestCache(t)
	c.SetDefault("k", "v")
	if !c.Delete("k") {
		t.Fatal("ожидали true для существующего ключа")
	}
	if c.Delete("k") {
		t.Fatal("ожидали false для удалённого ключа")
	}
	if _, ok := c.GetStale("k"); ok {
		t.Fatal("Delete должен убирать и последнее хорошее значение")
	}
}

func TestCleanupExpired(t *testing.T) {
	c, now := newTestCache(t)
	c.Set("old1", "v", time.Second)
	c.Set("old2", "v", time.Second)
	c.Set("fresh", "v", time.Hour)
	*now = now.Add(time.Minute)

	if removed := c.CleanupExpired(); removed != 2 {
		t.Fatalf("ожидали 2 вычищенные записи, получили %d", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("ожидали 1 живую запись, Len=%d", c.Len())
	}
}

func TestClear(t *testing.T) {
	c, _ := newTestCache(t)
	c.SetDefault("a", "1")
	c.SetDefault("b", "2")
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("ожидали пустой кэш, Len=%d", c.Len())
	}
	if _, ok := c.GetStale("a"); ok {
		t.Fatal("Clear должен убирать последние хорошие значения")
	}
}
