// Package transport владеет UDP сокетом MGCP агента.
//
// Один читающий goroutine принимает датаграммы и передает их обработчику;
// отправка выполняется из любого goroutine.
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPort стандартный порт call agent
const DefaultPort = 2427

const maxDatagram = 65535

// Handler получает копию принятой датаграммы
type Handler func(data []byte, from *net.UDPAddr)

// Stats счетчики транспорта
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Errors           uint64
}

// UDPTransport UDP транспорт
type UDPTransport struct {
	conn      *net.UDPConn
	localAddr *net.UDPAddr
	handler   Handler
	capture   *PcapWriter
	tos       int
	log       *logrus.Entry

	closed  atomic.Bool
	stats   Stats
	statsMu sync.RWMutex
	wg      sync.WaitGroup
}

// Option настройка транспорта
type Option func(*UDPTransport)

// WithCapture пишет все датаграммы в pcap
func WithCapture(w *PcapWriter) Option {
	return func(t *UDPTransport) { t.capture = w }
}

// WithTOS задает байт TOS (DSCP << 2) для сигнального трафика
func WithTOS(tos int) Option {
	return func(t *UDPTransport) { t.tos = tos }
}

// WithLogger задает логгер
func WithLogger(log *logrus.Entry) Option {
	return func(t *UDPTransport) {
		if log != nil {
			t.log = log
		}
	}
}

// NewUDPTransport создает новый UDP транспорт
func NewUDPTransport(handler Handler, opts ...Option) *UDPTransport {
	t := &UDPTransport{
		handler: handler,
		log:     logrus.WithField("component", "transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Listen открывает сокет и запускает цикл чтения
func (t *UDPTransport) Listen(ctx context.Context, addr string) error {
	if t.conn != nil {
		return ErrAlreadyListening
	}

	lc := net.ListenConfig{Control: controlSocket(t.tos)}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return &TransportError{Operation: "listen", Err: err}
	}

	t.conn = pc.(*net.UDPConn)
	t.localAddr = t.conn.LocalAddr().(*net.UDPAddr)
	t.closed.Store(false)

	t.wg.Add(1)
	go t.readLoop()

	t.log.WithField("addr", t.localAddr.String()).Info("MGCP listening")
	return nil
}

// Close закрывает сокет и ждет завершения цикла чтения
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if t.conn != nil {
		err = t.conn.Close()
	}
	t.wg.Wait()
	return err
}

// Send отправляет датаграмму
func (t *UDPTransport) Send(data []byte, addr *net.UDPAddr) error {
	if t.closed.Load() || t.conn == nil {
		return &TransportError{Operation: "send", Err: ErrTransportClosed}
	}
	if addr == nil {
		return &TransportError{Operation: "send", Err: ErrNoAddress}
	}

	n, err := t.conn.WriteToUDP(data, addr)
	if err != nil {
		t.incrementErrors()
		return &TransportError{
			Operation: "send",
			Err:       err,
			Temporary: isTemporary(err),
		}
	}
	t.incrementSent(uint64(n))

	if t.capture != nil {
		if err := t.capture.WriteDatagram(time.Now(), t.localAddr, addr, data); err != nil {
			t.log.WithError(err).Debug("pcap write failed")
		}
	}
	return nil
}

// LocalAddr адрес сокета
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.localAddr
}

// Stats возвращает копию счетчиков
func (t *UDPTransport) Stats() Stats {
	t.statsMu.RLock()
	defer t.statsMu.RUnlock()
	return t.stats
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, maxDatagram)
	for !t.closed.Load() {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.incrementErrors()
			t.log.WithError(err).Warn("read failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.incrementReceived(uint64(n))

		if t.capture != nil {
			if err := t.capture.WriteDatagram(time.Now(), addr, t.localAddr, data); err != nil {
				t.log.WithError(err).Debug("pcap write failed")
			}
		}

		if t.handler != nil {
			t.handler(data, addr)
		}
	}
}

func (t *UDPTransport) incrementSent(bytes uint64) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.stats.MessagesSent++
	t.stats.BytesSent += bytes
}

func (t *UDPTransport) incrementReceived(bytes uint64) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.stats.MessagesReceived++
	t.stats.BytesReceived += bytes
}

func (t *UDPTransport) incrementErrors() {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.stats.Errors++
}
