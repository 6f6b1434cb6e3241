package media_sdp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// Description медиа параметры, извлеченные из SDP удаленной стороны
type Description struct {
	Host string
	Port int

	// Payloads payload types из m= строки в порядке объявления
	Payloads []uint8

	// Encodings payload type -> имя кодировки (из rtpmap или статической таблицы)
	Encodings map[uint8]string

	// Codecs распознанные кодеки
	Codecs Capability

	// DTMFPayload payload type telephone-event, -1 если не объявлен
	DTMFPayload int
}

// Addr returns the peer RTP address. Only IP literals are accepted: the
// description is applied under the endpoint lock, where a DNS lookup must
// not run.
func (d *Description) Addr() (*net.UDPAddr, error) {
	ip := net.ParseIP(d.Host)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrHostNotLiteral, d.Host)
	}
	return &net.UDPAddr{IP: ip, Port: d.Port}, nil
}

// Parse разбирает SDP тело из MGCP сообщения
func Parse(body []byte) (*Description, error) {
	if len(body) == 0 {
		return nil, ErrMalformed
	}

	var session sdp.SessionDescription
	if err := session.Unmarshal(normalize(body)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Ищем аудио медиа описание
	var audio *sdp.MediaDescription
	for _, media := range session.MediaDescriptions {
		if media.MediaName.Media == "audio" {
			audio = media
			break
		}
	}
	if audio == nil {
		return nil, ErrNoMedia
	}

	// Сначала connection на уровне медиа, затем на уровне сессии
	var conn *sdp.ConnectionInformation
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		conn = audio.ConnectionInformation
	} else if session.ConnectionInformation != nil && session.ConnectionInformation.Address != nil {
		conn = session.ConnectionInformation
	}
	if conn == nil {
		return nil, ErrNoConnection
	}

	desc := &Description{
		Host:        conn.Address.Address,
		Port:        audio.MediaName.Port.Value,
		Encodings:   make(map[uint8]string),
		DTMFPayload: -1,
	}

	for _, format := range audio.MediaName.Formats {
		pt, err := strconv.ParseUint(format, 10, 8)
		if err != nil {
			continue
		}
		desc.Payloads = append(desc.Payloads, uint8(pt))
		if codec, ok := LookupPayload(uint8(pt)); ok {
			desc.Encodings[uint8(pt)] = codec.Encoding
		}
	}

	// rtpmap переопределяет статическую таблицу
	for _, attr := range audio.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, encoding, ok := parseRTPMap(attr.Value)
		if !ok {
			continue
		}
		desc.Encodings[pt] = encoding
	}

	for _, pt := range desc.Payloads {
		encoding, ok := desc.Encodings[pt]
		if !ok {
			continue
		}
		if strings.EqualFold(encoding, "telephone-event") {
			desc.DTMFPayload = int(pt)
			continue
		}
		if codec, ok := LookupEncoding(encoding); ok {
			desc.Codecs |= codec.Cap
		}
	}

	return desc, nil
}

// Negotiate returns the intersection of the peer's codecs with the local set.
func Negotiate(peer, local Capability) (Capability, error) {
	common := peer & local
	if common == 0 {
		return 0, ErrNoCompatibleCodec
	}
	return common, nil
}

// BuildOptions параметры генерации локального SDP
type BuildOptions struct {
	Host        string
	Port        int
	Codecs      Capability
	DTMF        bool
	DTMFPayload uint8
	SessionID   uint64
}

// Build создает SDP, объявляющий локальный RTP адрес и кодеки
func Build(opts BuildOptions) ([]byte, error) {
	list := opts.Codecs.List()
	if len(list) == 0 {
		return nil, ErrNoCompatibleCodec
	}
	if opts.SessionID == 0 {
		opts.SessionID = uint64(time.Now().Unix())
	}
	if opts.DTMF && opts.DTMFPayload == 0 {
		opts.DTMFPayload = DefaultDTMFPayload
	}

	addrType := "IP4"
	if ip := net.ParseIP(opts.Host); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: opts.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}

	for _, codec := range list {
		media.MediaName.Formats = append(media.MediaName.Formats, strconv.Itoa(int(codec.Payload)))
		media.Attributes = append(media.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", codec.Payload, codec.Encoding, codec.ClockRate)))
	}

	if opts.DTMF {
		pt := strconv.Itoa(int(opts.DTMFPayload))
		media.MediaName.Formats = append(media.MediaName.Formats, pt)
		media.Attributes = append(media.Attributes,
			sdp.NewAttribute("rtpmap", pt+" telephone-event/8000"),
			sdp.NewAttribute("fmtp", pt+" 0-16"))
	}

	session := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "root",
			SessionID:      opts.SessionID,
			SessionVersion: opts.SessionID,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: opts.Host,
		},
		SessionName: "session",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: opts.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}

	return session.Marshal()
}

// parseRTPMap разбирает "0 PCMU/8000"
func parseRTPMap(value string) (uint8, string, bool) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return 0, "", false
	}
	pt, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return 0, "", false
	}
	encoding := fields[1]
	if slash := strings.IndexByte(encoding, '/'); slash >= 0 {
		encoding = encoding[:slash]
	}
	return uint8(pt), encoding, true
}

// normalize приводит окончания строк к CRLF и убирает пустые строки
func normalize(body []byte) []byte {
	s := strings.ReplaceAll(string(body), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	var sb strings.Builder
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
	return []byte(sb.String())
}
