package transaction

import (
	"math/rand"
	"sync"

	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
)

// Sequence генерирует идентификаторы исходящих транзакций.
// Значения монотонно растут и после message.MaxTransactionID начинаются с 1.
type Sequence struct {
	mu   sync.Mutex
	next uint32
}

// NewSequence создает генератор. start == 0 выбирает случайное начало.
func NewSequence(start uint32) *Sequence {
	if start == 0 || start > message.MaxTransactionID {
		start = uint32(rand.Intn(message.MaxTransactionID/2)) + 1
	}
	return &Sequence{next: start}
}

// Next возвращает следующий идентификатор
func (s *Sequence) Next() message.TransactionID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	if s.next > message.MaxTransactionID {
		s.next = 1
	}
	return message.TransactionID(id)
}
