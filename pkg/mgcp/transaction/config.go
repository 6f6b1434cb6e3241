package transaction

import (
	"time"
)

const (
	// DefaultRetransInterval интервал ретрансмиссии неподтвержденных команд
	DefaultRetransInterval = 1000 * time.Millisecond

	// DefaultMaxRetrans после стольких повторов транзакция считается потерянной
	DefaultMaxRetrans = 5

	// DefaultResponseTTL сколько храним отправленные ответы для повторов запросов
	DefaultResponseTTL = 30 * time.Second
)

// Config параметры очереди транзакций шлюза
type Config struct {
	RetransInterval time.Duration
	MaxRetrans      int

	// Clock источник времени, по умолчанию time.Now
	Clock func() time.Time
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		RetransInterval: DefaultRetransInterval,
		MaxRetrans:      DefaultMaxRetrans,
		Clock:           time.Now,
	}
}

func (c Config) withDefaults() Config {
	if c.RetransInterval <= 0 {
		c.RetransInterval = DefaultRetransInterval
	}
	if c.MaxRetrans <= 0 {
		c.MaxRetrans = DefaultMaxRetrans
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Observer получает события для метрик
type Observer interface {
	Sent(verb string)
	Retransmitted(verb string)
	TimedOut(verb string)
}

type nopObserver struct{}

func (nopObserver) Sent(string)          {}
func (nopObserver) Retransmitted(string) {}
func (nopObserver) TimedOut(string)      {}
