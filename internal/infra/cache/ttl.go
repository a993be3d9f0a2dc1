package cache

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// TTL — потокобезопасный кэш с абсолютным временем жизни записей.
// Просроченная запись вычищается при первом же чтении.
//
// Помимо основного слота кэш хранит «последнее известное хорошее»
// значение ключа, которое переживает истечение TTL: оно нужно как
// деградированный ответ на время rate-limit окна новостного API.
type TTL[T any] struct {
	mu         sync.Mutex
	defaultTTL time.Duration
	entries    map[string]entry[T]
	stale      map[string]T
	now        func() time.Time
}

// New создаёт кэш с TTL по умолчанию.
func New[T any](defaultTTL time.Duration) *TTL[T] {
	return &TTL[T]{
		defaultTTL: defaultTTL,
		entries:    make(map[string]entry[T]),
		stale:      make(map[string]T),
		now:        time.Now,
	}
}

// Get возвращает живое значение. Просроченная запись удаляется,
// и Get сообщает об отсутствии.
func (c *TTL[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		var zero T
		return zero, false
	}
	return e.value, true
}

// GetStale возвращает последнее успешно записанное значение ключа,
// даже если его TTL истёк.
func (c *TTL[T]) GetStale(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.stale[key]
	return v, ok
}

// Set записывает значение с указанным TTL.
func (c *TTL[T]) Set(key string, value T, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[T]{value: value, expiresAt: c.now().Add(ttl)}
	c.stale[key] = value
}

// SetDefault записывает значение с TTL по умолчанию.
func (c *TTL[T]) SetDefault(key string, value T) {
	c.Set(key, value, c.defaultTTL)
}

// Delete удаляет ключ. Возвращает true, если запись существовала.
func (c *TTL[T]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	delete(c.stale, key)
	return ok
}

// Clear удаляет все записи.
func (c *TTL[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[T])
	c.stale = make(map[string]T)
}

// CleanupExpired вычищает просроченные записи и возвращает их число.
func (c *TTL[T]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len возвращает число записей, включая ещё не вычищенные просроченные.
func (c *TTL[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
