package transaction

import "errors"

// ErrQueueClosed очередь шлюза уже закрыта
var ErrQueueClosed = errors.New("transaction queue closed")
