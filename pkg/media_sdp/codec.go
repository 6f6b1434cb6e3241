package media_sdp

import (
	"fmt"
	"strings"
)

// Capability битовая маска поддерживаемых аудио кодеков
type Capability uint32

const (
	CodecG723 Capability = 1 << iota
	CodecGSM
	CodecULAW
	CodecALAW
	CodecG726
	CodecG722
	CodecG729
	CodecILBC
)

// CodecAll все кодеки, которые умеет описывать SDP слой
const CodecAll = CodecG723 | CodecGSM | CodecULAW | CodecALAW | CodecG726 | CodecG722 | CodecG729 | CodecILBC

// DefaultDTMFPayload payload type для RFC 2833 telephone-event
const DefaultDTMFPayload uint8 = 101

// Codec описывает соответствие кодека, payload type и имени в rtpmap
type Codec struct {
	Cap       Capability
	Payload   uint8 // статический payload type или предпочтительный динамический
	Encoding  string
	ClockRate uint32
	Name      string // имя в конфигурации (allow/disallow)
	Dynamic   bool
}

// codecs в порядке предпочтения
var codecs = []Codec{
	{Cap: CodecULAW, Payload: 0, Encoding: "PCMU", ClockRate: 8000, Name: "ulaw"},
	{Cap: CodecALAW, Payload: 8, Encoding: "PCMA", ClockRate: 8000, Name: "alaw"},
	{Cap: CodecGSM, Payload: 3, Encoding: "GSM", ClockRate: 8000, Name: "gsm"},
	{Cap: CodecG723, Payload: 4, Encoding: "G723", ClockRate: 8000, Name: "g723"},
	{Cap: CodecG729, Payload: 18, Encoding: "G729", ClockRate: 8000, Name: "g729"},
	{Cap: CodecG722, Payload: 9, Encoding: "G722", ClockRate: 8000, Name: "g722"},
	{Cap: CodecG726, Payload: 2, Encoding: "G726-32", ClockRate: 8000, Name: "g726"},
	{Cap: CodecILBC, Payload: 97, Encoding: "iLBC", ClockRate: 8000, Name: "ilbc", Dynamic: true},
}

// Codecs возвращает таблицу кодеков в порядке предпочтения
func Codecs() []Codec {
	out := make([]Codec, len(codecs))
	copy(out, codecs)
	return out
}

// Has reports whether every bit of c is set.
func (c Capability) Has(other Capability) bool {
	return other != 0 && c&other == other
}

// Preferred returns the first codec of the preference table present in c.
func (c Capability) Preferred() (Codec, bool) {
	for _, codec := range codecs {
		if c&codec.Cap != 0 {
			return codec, true
		}
	}
	return Codec{}, false
}

// List returns codecs present in c in preference order.
func (c Capability) List() []Codec {
	var out []Codec
	for _, codec := range codecs {
		if c&codec.Cap != 0 {
			out = append(out, codec)
		}
	}
	return out
}

func (c Capability) String() string {
	list := c.List()
	if len(list) == 0 {
		return "none"
	}
	names := make([]string, len(list))
	for i, codec := range list {
		names[i] = codec.Name
	}
	return strings.Join(names, ",")
}

// LookupPayload maps a static payload type to a codec.
func LookupPayload(pt uint8) (Codec, bool) {
	for _, codec := range codecs {
		if !codec.Dynamic && codec.Payload == pt {
			return codec, true
		}
	}
	return Codec{}, false
}

// LookupEncoding maps an rtpmap encoding name (case-insensitive) to a codec.
func LookupEncoding(name string) (Codec, bool) {
	for _, codec := range codecs {
		if strings.EqualFold(codec.Encoding, name) {
			return codec, true
		}
	}
	// G726-32 is frequently advertised without the bitrate suffix
	if strings.EqualFold(name, "G726") {
		return LookupEncoding("G726-32")
	}
	return Codec{}, false
}

// ParseCodecName maps a configuration codec name ("ulaw", "all") to a capability.
func ParseCodecName(name string) (Capability, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "all" {
		return CodecAll, nil
	}
	for _, codec := range codecs {
		if codec.Name == name || strings.EqualFold(codec.Encoding, name) {
			return codec.Cap, nil
		}
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

// ApplyAllowDisallow applies comma-separated allow/disallow lists to base.
func ApplyAllowDisallow(base Capability, allow, disallow string) (Capability, error) {
	caps := base
	for _, name := range splitList(disallow) {
		c, err := ParseCodecName(name)
		if err != nil {
			return base, err
		}
		caps &^= c
	}
	for _, name := range splitList(allow) {
		c, err := ParseCodecName(name)
		if err != nil {
			return base, err
		}
		caps |= c
	}
	return caps, nil
}

// LocalOptions renders the L: local connection options header value.
func LocalOptions(caps Capability) string {
	var sb strings.Builder
	sb.WriteString("p:20")
	for _, codec := range caps.List() {
		sb.WriteString(", a:")
		sb.WriteString(codec.Encoding)
	}
	return sb.String()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
