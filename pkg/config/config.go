// Package config загружает mgcp.conf в записи шлюзов и конечных точек.
//
// Формат: секция [general], секция [logging], по секции [<gateway>] на шлюз
// и по секции [<gateway>:<endpoint>] на линию или транк. Ключ, не заданный
// в секции конечной точки, берется из секции шлюза, затем из [general].
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/arzzra/mgcp_agent/pkg/logging"
	"github.com/arzzra/mgcp_agent/pkg/media_sdp"
)

var (
	// ErrMissingHost шлюз без host и не dynamic
	ErrMissingHost = errors.New("gateway has no host")
	// ErrNoEndpoints шлюз без единой конечной точки
	ErrNoEndpoints = errors.New("gateway has no endpoints")
)

// DefaultPort порт MGCP шлюза
const DefaultPort = 2427

// DTMFMode способ передачи цифр
type DTMFMode int

const (
	DTMFInband DTMFMode = iota
	DTMFRFC2833
	DTMFHybrid
	DTMFNone
)

func (m DTMFMode) String() string {
	switch m {
	case DTMFInband:
		return "inband"
	case DTMFRFC2833:
		return "rfc2833"
	case DTMFHybrid:
		return "hybrid"
	default:
		return "none"
	}
}

// ParseDTMFMode разбирает значение dtmfmode
func ParseDTMFMode(s string) (DTMFMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inband", "":
		return DTMFInband, nil
	case "rfc2833":
		return DTMFRFC2833, nil
	case "hybrid":
		return DTMFHybrid, nil
	case "none":
		return DTMFNone, nil
	}
	return DTMFInband, fmt.Errorf("unknown dtmfmode %q", s)
}

// EndpointType line или trunk
type EndpointType int

const (
	TypeLine EndpointType = iota
	TypeTrunk
)

func (t EndpointType) String() string {
	if t == TypeTrunk {
		return "trunk"
	}
	return "line"
}

// Endpoint настройки линии или транка
type Endpoint struct {
	Name string
	Type EndpointType

	Context      string
	Language     string
	AccountCode  string
	CallerIDNum  string
	CallerIDName string
	Mailbox      string
	DTMFMode     DTMFMode
	Codecs       media_sdp.Capability

	CallWaiting     bool
	ThreeWayCalling bool
	Transfer        bool
	CanReinvite     bool
	Immediate       bool
	CallReturn      bool
	SlowSequence    bool
}

// Gateway настройки шлюза
type Gateway struct {
	Name    string
	Dynamic bool
	// Addr статический адрес; для dynamic шлюза адрес по умолчанию или nil
	Addr             *net.UDPAddr
	ACL              ACL
	WildcardEndpoint string
	Endpoints        []Endpoint
}

// General секция [general]
type General struct {
	BindAddr          string
	ExternIP          net.IP
	RetransInterval   time.Duration
	MaxRetrans        int
	ResponseTimeout   time.Duration
	FirstDigitTimeout time.Duration
	GenDigitTimeout   time.Duration
	MatchDigitTimeout time.Duration
	RTPPortMin        int
	RTPPortMax        int
	TOS               int
	RTPDSCP           int
}

// Config весь файл
type Config struct {
	General    General
	Logging    logging.Config
	Gateways   []Gateway
	Extensions map[string]string
}

// Load читает файл
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return nil, err
	}
	return parse(f)
}

// Parse разбирает конфигурацию из памяти. Ошибочный шлюз пропускается:
// возвращается конфигурация без него и ошибка с описанием.
func Parse(data []byte) (*Config, error) {
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, err
	}
	return parse(f)
}

// permit/deny могут повторяться
var loadOptions = ini.LoadOptions{AllowShadows: true}

var reserved = map[string]bool{
	ini.DefaultSection: true,
	"general":          true,
	"logging":          true,
	"extensions":       true,
}

// Gateway ищет шлюз по имени
func (c *Config) Gateway(name string) (*Gateway, bool) {
	for i := range c.Gateways {
		if c.Gateways[i].Name == name {
			return &c.Gateways[i], true
		}
	}
	return nil, false
}

func parse(f *ini.File) (*Config, error) {
	cfg := &Config{Extensions: make(map[string]string)}

	gen := f.Section("general")
	cfg.General = General{
		BindAddr:          gen.Key("bindaddr").MustString(fmt.Sprintf("0.0.0.0:%d", DefaultPort)),
		RetransInterval:   msKey(gen, "retrans_interval", 1000),
		MaxRetrans:        gen.Key("max_retrans").MustInt(5),
		ResponseTimeout:   msKey(gen, "response_timeout", 30000),
		FirstDigitTimeout: msKey(gen, "firstdigittimeout", 16000),
		GenDigitTimeout:   msKey(gen, "gendigittimeout", 8000),
		MatchDigitTimeout: msKey(gen, "matchdigittimeout", 3000),
		RTPPortMin:        gen.Key("rtpstart").MustInt(0),
		RTPPortMax:        gen.Key("rtpend").MustInt(0),
		TOS:               gen.Key("tos").MustInt(0),
		RTPDSCP:           gen.Key("rtpdscp").MustInt(46),
	}
	if !strings.Contains(cfg.General.BindAddr, ":") {
		cfg.General.BindAddr = net.JoinHostPort(cfg.General.BindAddr, strconv.Itoa(DefaultPort))
	}
	if s := gen.Key("externip").String(); s != "" {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("general: bad externip %q", s)
		}
		cfg.General.ExternIP = ip
	}

	logSec := f.Section("logging")
	def := logging.DefaultConfig()
	cfg.Logging = logging.Config{
		Level:      logSec.Key("level").MustString(def.Level),
		File:       logSec.Key("file").String(),
		MaxSize:    logSec.Key("max_size").MustInt(def.MaxSize),
		MaxBackups: logSec.Key("max_backups").MustInt(def.MaxBackups),
		Console:    logSec.Key("console").MustBool(def.Console),
	}

	for _, key := range f.Section("extensions").Keys() {
		cfg.Extensions[key.Name()] = strings.TrimSpace(key.String())
	}

	var errs []error
	for _, sec := range f.Sections() {
		name := sec.Name()
		if reserved[name] || strings.Contains(name, ":") {
			continue
		}
		gw, err := parseGateway(f, gen, sec)
		if err != nil {
			errs = append(errs, fmt.Errorf("gateway %s: %w", name, err))
			continue
		}
		cfg.Gateways = append(cfg.Gateways, *gw)
	}
	return cfg, errors.Join(errs...)
}

func parseGateway(f *ini.File, gen, sec *ini.Section) (*Gateway, error) {
	gw := &Gateway{
		Name:             sec.Name(),
		WildcardEndpoint: sec.Key("wcardep").String(),
	}

	port := sec.Key("port").MustInt(DefaultPort)
	host := strings.TrimSpace(sec.Key("host").String())
	switch {
	case strings.EqualFold(host, "dynamic"):
		gw.Dynamic = true
		if def := sec.Key("defaultip").String(); def != "" {
			ip := net.ParseIP(def)
			if ip == nil {
				return nil, fmt.Errorf("bad defaultip %q", def)
			}
			gw.Addr = &net.UDPAddr{IP: ip, Port: port}
		}
	case host == "":
		return nil, ErrMissingHost
	default:
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		gw.Addr = addr
	}

	// Сначала deny, затем permit: типичное "deny all, permit subnet"
	for _, v := range sec.Key("deny").ValueWithShadows() {
		if v == "" {
			continue
		}
		if err := gw.ACL.Deny(v); err != nil {
			return nil, err
		}
	}
	for _, v := range sec.Key("permit").ValueWithShadows() {
		if v == "" {
			continue
		}
		if err := gw.ACL.Permit(v); err != nil {
			return nil, err
		}
	}

	prefix := gw.Name + ":"
	for _, epSec := range f.Sections() {
		if !strings.HasPrefix(epSec.Name(), prefix) {
			continue
		}
		ep, err := parseEndpoint(strings.TrimPrefix(epSec.Name(), prefix), epSec, sec, gen)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", epSec.Name(), err)
		}
		gw.Endpoints = append(gw.Endpoints, *ep)
	}
	if len(gw.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	return gw, nil
}

// chain ищет ключ в секциях по порядку
type chain []*ini.Section

func (c chain) str(key, def string) string {
	for _, sec := range c {
		if sec.HasKey(key) {
			return strings.TrimSpace(sec.Key(key).String())
		}
	}
	return def
}

func (c chain) boolean(key string, def bool) bool {
	for _, sec := range c {
		if sec.HasKey(key) {
			return sec.Key(key).MustBool(def)
		}
	}
	return def
}

func parseEndpoint(name string, sections ...*ini.Section) (*Endpoint, error) {
	c := chain(sections)
	ep := &Endpoint{
		Name:            name,
		Context:         c.str("context", "default"),
		Language:        c.str("language", ""),
		AccountCode:     c.str("accountcode", ""),
		Mailbox:         c.str("mailbox", ""),
		CallWaiting:     c.boolean("callwaiting", true),
		ThreeWayCalling: c.boolean("threewaycalling", true),
		Transfer:        c.boolean("transfer", true),
		CanReinvite:     c.boolean("canreinvite", false),
		Immediate:       c.boolean("immediate", false),
		CallReturn:      c.boolean("callreturn", false),
		SlowSequence:    c.boolean("slowsequence", false),
	}
	if name == "" {
		return nil, errors.New("empty endpoint name")
	}

	switch t := strings.ToLower(c.str("type", "line")); t {
	case "line":
		ep.Type = TypeLine
	case "trunk":
		ep.Type = TypeTrunk
	default:
		return nil, fmt.Errorf("unknown type %q", t)
	}

	mode, err := ParseDTMFMode(c.str("dtmfmode", "inband"))
	if err != nil {
		return nil, err
	}
	ep.DTMFMode = mode

	ep.CallerIDName, ep.CallerIDNum = ParseCallerID(c.str("callerid", ""))

	caps, err := media_sdp.ApplyAllowDisallow(media_sdp.CodecULAW, c.str("allow", ""), c.str("disallow", ""))
	if err != nil {
		return nil, err
	}
	if caps == 0 {
		return nil, media_sdp.ErrNoCompatibleCodec
	}
	ep.Codecs = caps
	return ep, nil
}

// ParseCallerID разбирает `"Name" <number>`, `Name <number>` или `number`
func ParseCallerID(s string) (name, number string) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "asreceived") {
		return "", ""
	}
	lt := strings.LastIndex(s, "<")
	gt := strings.LastIndex(s, ">")
	if lt >= 0 && gt > lt {
		number = strings.TrimSpace(s[lt+1 : gt])
		name = strings.Trim(strings.TrimSpace(s[:lt]), `"`)
		return name, number
	}
	if strings.HasPrefix(s, `"`) {
		return strings.Trim(s, `"`), ""
	}
	return "", s
}

func msKey(sec *ini.Section, key string, def int) time.Duration {
	return time.Duration(sec.Key(key).MustInt(def)) * time.Millisecond
}
