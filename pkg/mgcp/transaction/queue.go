package transaction

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
)

// EndpointScoped значение Sub для команд, не привязанных к подканалу
const EndpointScoped = -1

// Message исходящая команда, ожидающая ответа
type Message struct {
	ID       message.TransactionID
	Verb     string
	Endpoint string // локальное имя конечной точки-владельца
	Sub      int    // номер подканала или EndpointScoped
	CallID   string // C: команды, пусто для команд вне вызова
	Data     []byte

	Retrans int
	Expire  time.Time
	SentAt  time.Time
}

// SendFunc отправляет байты на текущий адрес шлюза
type SendFunc func(data []byte) error

// TimeoutFunc вызывается один раз для транзакции, исчерпавшей повторы
type TimeoutFunc func(msg *Message)

// Queue очередь неподтвержденных транзакций одного шлюза.
//
// Один общий таймер ретрансмиссии взводится, когда очередь становится
// непустой, и не перевзводится, когда она опустела.
type Queue struct {
	mu     sync.Mutex
	cfg    Config
	msgs   []*Message
	timer  *time.Timer
	gen    uint64
	closed bool

	send      SendFunc
	onTimeout TimeoutFunc
	observer  Observer
	log       *logrus.Entry
}

// Option настройка очереди
type Option func(*Queue)

// WithObserver подключает сборщик метрик
func WithObserver(o Observer) Option {
	return func(q *Queue) {
		if o != nil {
			q.observer = o
		}
	}
}

// WithLogger задает логгер
func WithLogger(log *logrus.Entry) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

// NewQueue создает очередь транзакций
func NewQueue(cfg Config, send SendFunc, onTimeout TimeoutFunc, opts ...Option) *Queue {
	q := &Queue{
		cfg:       cfg.withDefaults(),
		send:      send,
		onTimeout: onTimeout,
		observer:  nopObserver{},
		log:       logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Post ставит команду в очередь с нулевым счетчиком повторов и сразу отправляет ее
func (q *Queue) Post(msg *Message) error {
	now := q.cfg.Clock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	msg.Retrans = 0
	msg.SentAt = now
	msg.Expire = now.Add(q.cfg.RetransInterval)
	q.msgs = append(q.msgs, msg)
	q.armLocked()
	q.mu.Unlock()

	q.observer.Sent(msg.Verb)
	if err := q.send(msg.Data); err != nil {
		// Повтор по таймеру все равно будет
		q.log.WithError(err).WithField("tid", msg.ID).Warn("failed to transmit command")
		return err
	}
	return nil
}

// Retire снимает транзакцию с точно совпадающим идентификатором
func (q *Queue) Retire(id message.TransactionID) (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, msg := range q.msgs {
		if msg.ID == id {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			if len(q.msgs) == 0 {
				q.disarmLocked()
			}
			return msg, true
		}
	}
	return nil, false
}

// Dump удаляет все транзакции конечной точки без уведомлений.
// Используется при сбросе конечной точки (RSIP) и ее удалении.
func (q *Queue) Dump(endpoint string) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []*Message
	kept := q.msgs[:0]
	for _, msg := range q.msgs {
		if msg.Endpoint == endpoint {
			dropped = append(dropped, msg)
			continue
		}
		kept = append(kept, msg)
	}
	q.msgs = kept
	if len(q.msgs) == 0 {
		q.disarmLocked()
	}
	return dropped
}

// Retransmit один проход таймера: повторяет просроченные команды,
// а исчерпавшие лимит снимает и отдает в onTimeout.
func (q *Queue) Retransmit() {
	now := q.cfg.Clock()

	var resend [][]byte
	var resendVerbs []string
	var expired []*Message

	q.mu.Lock()
	kept := q.msgs[:0]
	for _, msg := range q.msgs {
		if now.Before(msg.Expire) {
			kept = append(kept, msg)
			continue
		}
		if msg.Retrans < q.cfg.MaxRetrans {
			msg.Retrans++
			msg.Expire = now.Add(q.cfg.RetransInterval)
			resend = append(resend, msg.Data)
			resendVerbs = append(resendVerbs, msg.Verb)
			kept = append(kept, msg)
			continue
		}
		expired = append(expired, msg)
	}
	q.msgs = kept
	q.mu.Unlock()

	for i, data := range resend {
		q.observer.Retransmitted(resendVerbs[i])
		if err := q.send(data); err != nil {
			q.log.WithError(err).Warn("failed to retransmit command")
		}
	}

	// Синтетический ответ 406 идет тем же путем, что и ответ из сети
	for _, msg := range expired {
		q.log.WithFields(logrus.Fields{
			"tid":      msg.ID,
			"verb":     msg.Verb,
			"endpoint": msg.Endpoint,
		}).Warn("transaction timed out")
		q.observer.TimedOut(msg.Verb)
		if q.onTimeout != nil {
			q.onTimeout(msg)
		}
	}
}

// Len возвращает число неподтвержденных транзакций
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Pending возвращает копию списка неподтвержденных транзакций
func (q *Queue) Pending() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.msgs))
	for i, msg := range q.msgs {
		out[i] = *msg
	}
	return out
}

// Close останавливает таймер и отбрасывает очередь
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.msgs = nil
	q.disarmLocked()
}

func (q *Queue) armLocked() {
	if q.timer != nil || q.closed {
		return
	}
	q.gen++
	gen := q.gen
	q.timer = time.AfterFunc(q.cfg.RetransInterval, func() { q.fire(gen) })
}

func (q *Queue) disarmLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) fire(gen uint64) {
	q.mu.Lock()
	if q.timer == nil || q.gen != gen {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.Retransmit()

	q.mu.Lock()
	defer q.mu.Unlock()
	// Таймер мог быть снят и взведен заново, пока шел проход
	if q.gen != gen {
		return
	}
	q.timer = nil
	if len(q.msgs) > 0 {
		q.armLocked()
	}
}
