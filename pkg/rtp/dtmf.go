package rtp

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// DTMFDigit код события согласно RFC 4733
type DTMFDigit uint8

const (
	DTMFStar  DTMFDigit = 10
	DTMFPound DTMFDigit = 11
	DTMFA     DTMFDigit = 12
	DTMFD     DTMFDigit = 15
)

const dtmfAlphabet = "0123456789*#ABCD"

// DigitFromRune переводит символ клавиатуры в код события
func DigitFromRune(r rune) (DTMFDigit, bool) {
	if r >= 'a' && r <= 'd' {
		r -= 'a' - 'A'
	}
	for i, c := range dtmfAlphabet {
		if c == r {
			return DTMFDigit(i), true
		}
	}
	return 0, false
}

// Rune символ клавиатуры события
func (d DTMFDigit) Rune() rune {
	if int(d) >= len(dtmfAlphabet) {
		return '?'
	}
	return rune(dtmfAlphabet[d])
}

func (d DTMFDigit) String() string {
	return string(d.Rune())
}

// DTMFEvent представляет DTMF событие
type DTMFEvent struct {
	Digit     DTMFDigit
	Duration  time.Duration
	Volume    int8 // от 0 до -63 dBm
	Timestamp uint32
}

// DTMFSender формирует пакеты событий
type DTMFSender struct {
	payloadType uint8
	ssrc        uint32
}

// NewDTMFSender создает новый DTMF sender
func NewDTMFSender(payloadType uint8, ssrc uint32) *DTMFSender {
	return &DTMFSender{payloadType: payloadType, ssrc: ssrc}
}

// GeneratePackets генерирует три пакета начала и три пакета конца события,
// нумеруя их с seq
func (ds *DTMFSender) GeneratePackets(event DTMFEvent, seq uint16) ([]*rtp.Packet, error) {
	if event.Duration <= 0 {
		return nil, fmt.Errorf("длительность DTMF должна быть положительной")
	}

	duration := uint16(event.Duration.Seconds() * DefaultClockRate)
	volume := uint8(0)
	if event.Volume < 0 {
		volume = uint8(-event.Volume)
		if volume > 63 {
			volume = 63
		}
	}

	packets := make([]*rtp.Packet, 0, 6)
	for i := 0; i < 6; i++ {
		end := i >= 3
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        ExpectedRTPVersion,
				Marker:         i == 0,
				PayloadType:    ds.payloadType,
				SequenceNumber: seq + uint16(i),
				Timestamp:      event.Timestamp,
				SSRC:           ds.ssrc,
			},
			Payload: encodeEvent(uint8(event.Digit), end, volume, duration),
		})
	}
	return packets, nil
}

func encodeEvent(event uint8, end bool, volume uint8, duration uint16) []byte {
	data := make([]byte, 4)
	data[0] = event
	if end {
		data[1] |= 0x80
	}
	data[1] |= volume & 0x3F
	data[2] = byte(duration >> 8)
	data[3] = byte(duration)
	return data
}

// DTMFReceiver выделяет начало нового события из потока пакетов
type DTMFReceiver struct {
	payloadType uint8
	active      bool
	lastTS      uint32
}

// NewDTMFReceiver создает новый DTMF receiver
func NewDTMFReceiver(payloadType uint8) *DTMFReceiver {
	return &DTMFReceiver{payloadType: payloadType}
}

// ProcessPacket возвращает ok == true для пакетов DTMF. digit != 0 только
// для первого пакета нового события.
func (dr *DTMFReceiver) ProcessPacket(pkt *rtp.Packet) (digit rune, ok bool) {
	if dr.payloadType == 0 || pkt.PayloadType != dr.payloadType {
		return 0, false
	}
	if len(pkt.Payload) < 4 {
		return 0, true
	}

	event := DTMFDigit(pkt.Payload[0])
	end := pkt.Payload[1]&0x80 != 0
	if end {
		dr.active = false
		return 0, true
	}
	if dr.active && dr.lastTS == pkt.Timestamp {
		return 0, true
	}
	dr.active = true
	dr.lastTS = pkt.Timestamp
	if int(event) >= len(dtmfAlphabet) {
		return 0, true
	}
	return event.Rune(), true
}
