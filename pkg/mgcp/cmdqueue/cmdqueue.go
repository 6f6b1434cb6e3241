// Package cmdqueue serializes MGCP commands of one class.
//
// The head of a FIFO is the command currently in flight. A command enqueued
// behind it waits until the head transaction is retired.
package cmdqueue

import (
	"sync"

	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/transaction"
)

// FIFO очередь команд одного класса (cx подканала, RQNT или cmd конечной точки)
type FIFO struct {
	mu   sync.Mutex
	cmds []*transaction.Message
}

// New создает пустую очередь
func New() *FIFO {
	return &FIFO{}
}

// Enqueue добавляет команду. sendNow == true означает, что очередь была пуста
// и команду нужно передать немедленно.
func (f *FIFO) Enqueue(cmd *transaction.Message) (sendNow bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cmds = append(f.cmds, cmd)
	return len(f.cmds) == 1
}

// Retire снимает команду с идентификатором id. found == false, если такой
// команды в очереди нет. Если снята голова и очередь не пуста, next содержит
// новую голову, которую нужно передать.
func (f *FIFO) Retire(id message.TransactionID) (next *transaction.Message, found bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, cmd := range f.cmds {
		if cmd.ID != id {
			continue
		}
		f.cmds = append(f.cmds[:i], f.cmds[i+1:]...)
		if i == 0 && len(f.cmds) > 0 {
			next = f.cmds[0]
		}
		return next, true
	}
	return nil, false
}

// PurgePending удаляет ожидающие (не головные) команды, для которых match
// возвращает true. Команда в полете не трогается.
func (f *FIFO) PurgePending(match func(*transaction.Message) bool) []*transaction.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.cmds) < 2 {
		return nil
	}
	var purged []*transaction.Message
	kept := f.cmds[:1]
	for _, cmd := range f.cmds[1:] {
		if match(cmd) {
			purged = append(purged, cmd)
			continue
		}
		kept = append(kept, cmd)
	}
	f.cmds = kept
	return purged
}

// Drain очищает очередь без побочных эффектов
func (f *FIFO) Drain() []*transaction.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := f.cmds
	f.cmds = nil
	return out
}

// Head возвращает команду в полете
func (f *FIFO) Head() *transaction.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cmds) == 0 {
		return nil
	}
	return f.cmds[0]
}

// Len число команд, включая команду в полете
func (f *FIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cmds)
}

// Verbs возвращает глаголы команд по порядку
func (f *FIFO) Verbs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cmds))
	for i, cmd := range f.cmds {
		out[i] = cmd.Verb
	}
	return out
}

// IsConnectionVerb true для CRCX/MDCX/DLCX
func IsConnectionVerb(verb string) bool {
	switch verb {
	case message.VerbCRCX, message.VerbMDCX, message.VerbDLCX:
		return true
	}
	return false
}
