package transaction

import (
	"sync"
	"time"

	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
)

// ResponseCache хранит недавно отправленные ответы шлюзу.
// Повтор запроса с тем же идентификатором получает тот же ответ байт в байт,
// без повторного выполнения побочных эффектов.
type ResponseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   func() time.Time
	entries map[message.TransactionID]cachedResponse
}

type cachedResponse struct {
	data   []byte
	sentAt time.Time
}

// NewResponseCache создает кеш ответов. ttl <= 0 означает DefaultResponseTTL.
func NewResponseCache(ttl time.Duration, clock func() time.Time) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &ResponseCache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[message.TransactionID]cachedResponse),
	}
}

// Store запоминает отправленный ответ
func (c *ResponseCache) Store(id message.TransactionID, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	c.entries[id] = cachedResponse{data: buf, sentAt: c.clock()}
}

// Lookup возвращает сохраненный ответ. Устаревшие записи удаляются при каждом вызове.
func (c *ResponseCache) Lookup(id message.TransactionID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked()
	entry, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return entry.data, true
}

// Len возвращает число записей
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResponseCache) pruneLocked() {
	now := c.clock()
	for id, entry := range c.entries {
		if now.Sub(entry.sentAt) > c.ttl {
			delete(c.entries, id)
		}
	}
}
