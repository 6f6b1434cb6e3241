// Package rtp предоставляет RTP сессию подканала MGCP конечной точки.
//
// Сессия владеет одним UDP сокетом, шлет голос и RFC 4733 DTMF на удаленный
// адрес и передает принятые пакеты обработчику.
package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// Константы для валидации пакетов согласно RFC 3550
const (
	MinRTPPacketSize   = 12
	MaxRTPPacketSize   = 1500
	ExpectedRTPVersion = 2

	// DefaultClockRate частота дискретизации узкополосных кодеков
	DefaultClockRate = 8000
)

var (
	// ErrSessionClosed операция над закрытой сессией
	ErrSessionClosed = errors.New("rtp session closed")
	// ErrNoRemote удаленный адрес еще не известен
	ErrNoRemote = errors.New("rtp remote address not set")
	// ErrNoPort в диапазоне не нашлось свободного порта
	ErrNoPort = errors.New("no free rtp port in range")
)

// Config параметры сессии
type Config struct {
	// LocalIP адрес привязки, по умолчанию 0.0.0.0
	LocalIP net.IP
	// PortMin/PortMax диапазон четных портов; 0 выбирает порт ядром
	PortMin int
	PortMax int
	// DSCP маркировка голосового трафика (46 = EF); 0 не трогает сокет
	DSCP int

	PayloadType     uint8
	DTMFPayloadType uint8
}

// Stats счетчики сессии
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsDropped  uint64
}

// Session RTP сессия одного подканала
type Session struct {
	conn *net.UDPConn

	mu          sync.Mutex
	remote      *net.UDPAddr
	ssrc        uint32
	seq         uint16
	timestamp   uint32
	payloadType uint8
	dtmf        *DTMFSender
	onPacket    func(*rtp.Packet)
	onDTMF      func(digit rune)

	dtmfRecv *DTMFReceiver
	closed   atomic.Bool
	wg       sync.WaitGroup

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewSession открывает сокет и запускает прием
func NewSession(cfg Config) (*Session, error) {
	conn, err := listen(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.DSCP != 0 {
		if err := setDSCP(conn, cfg.DSCP); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ошибка настройки DSCP: %w", err)
		}
	}

	ssrc, err := generateSSRC()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка генерации SSRC: %w", err)
	}

	s := &Session{
		conn:        conn,
		ssrc:        ssrc,
		seq:         uint16(mrand.Intn(1 << 16)),
		timestamp:   mrand.Uint32(),
		payloadType: cfg.PayloadType,
		dtmf:        NewDTMFSender(cfg.DTMFPayloadType, ssrc),
		dtmfRecv:    NewDTMFReceiver(cfg.DTMFPayloadType),
	}

	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func listen(cfg Config) (*net.UDPConn, error) {
	ip := cfg.LocalIP
	if ip == nil {
		ip = net.IPv4zero
	}
	if cfg.PortMin <= 0 || cfg.PortMax < cfg.PortMin {
		return net.ListenUDP("udp", &net.UDPAddr{IP: ip})
	}

	// RTP занимает четный порт, следующий нечетный оставлен RTCP
	span := (cfg.PortMax-cfg.PortMin)/2 + 1
	start := mrand.Intn(span)
	for i := 0; i < span; i++ {
		port := cfg.PortMin + ((start+i)%span)*2
		if port&1 == 1 {
			port++
		}
		if port > cfg.PortMax {
			continue
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return conn, nil
		}
	}
	return nil, ErrNoPort
}

// LocalAddr адрес локального сокета
func (s *Session) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// SetRemote задает адрес, на который шлется медиа
func (s *Session) SetRemote(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = addr
}

// Remote текущий удаленный адрес
func (s *Session) Remote() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// SetPayloadType меняет тип нагрузки после согласования кодека
func (s *Session) SetPayloadType(pt uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloadType = pt
}

// OnPacket регистрирует обработчик голосовых пакетов
func (s *Session) OnPacket(fn func(*rtp.Packet)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPacket = fn
}

// OnDTMF регистрирует обработчик RFC 4733 цифр
func (s *Session) OnDTMF(fn func(digit rune)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDTMF = fn
}

// WritePayload отправляет кадр голоса длиной samples отсчетов
func (s *Session) WritePayload(payload []byte, samples uint32) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	remote := s.remote
	if remote == nil {
		s.mu.Unlock()
		return ErrNoRemote
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        ExpectedRTPVersion,
			PayloadType:    s.payloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	s.timestamp += samples
	s.mu.Unlock()

	return s.writePacket(pkt, remote)
}

// SendDTMF отправляет цифру событиями RFC 4733
func (s *Session) SendDTMF(digit rune, duration time.Duration) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	event, ok := DigitFromRune(digit)
	if !ok {
		return fmt.Errorf("некорректная DTMF цифра %q", digit)
	}

	s.mu.Lock()
	remote := s.remote
	if remote == nil {
		s.mu.Unlock()
		return ErrNoRemote
	}
	packets, err := s.dtmf.GeneratePackets(DTMFEvent{
		Digit:     event,
		Duration:  duration,
		Volume:    -10,
		Timestamp: s.timestamp,
	}, s.seq)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.seq += uint16(len(packets))
	s.timestamp += uint32(duration.Seconds() * DefaultClockRate)
	s.mu.Unlock()

	for _, pkt := range packets {
		if err := s.writePacket(pkt, remote); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writePacket(pkt *rtp.Packet, remote *net.UDPAddr) error {
	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}
	if _, err := s.conn.WriteToUDP(data, remote); err != nil {
		return fmt.Errorf("RTP write: %w", err)
	}
	s.sent.Add(1)
	return nil
}

// Stats возвращает счетчики
func (s *Session) Stats() Stats {
	return Stats{
		PacketsSent:     s.sent.Load(),
		PacketsReceived: s.received.Load(),
		PacketsDropped:  s.dropped.Load(),
	}
}

// Close закрывает сокет и ждет цикл приема
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, MaxRTPPacketSize)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			continue
		}
		if n < MinRTPPacketSize {
			s.dropped.Add(1)
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil || pkt.Version != ExpectedRTPVersion {
			s.dropped.Add(1)
			continue
		}
		s.received.Add(1)

		s.mu.Lock()
		onPacket := s.onPacket
		onDTMF := s.onDTMF
		s.mu.Unlock()

		if digit, ok := s.dtmfRecv.ProcessPacket(pkt); ok {
			if digit != 0 && onDTMF != nil {
				onDTMF(digit)
			}
			continue
		}
		if onPacket != nil {
			onPacket(pkt)
		}
	}
}

// generateSSRC генерирует случайный SSRC согласно RFC 3550 Appendix A.6
func generateSSRC() (uint32, error) {
	var ssrc uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &ssrc); err != nil {
		return 0, err
	}
	return ssrc, nil
}
