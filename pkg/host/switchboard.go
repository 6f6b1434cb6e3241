package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultDialTimeout how long RunPBX lets the called party ring
const DefaultDialTimeout = 60 * time.Second

// Switchboard minimal in-memory PBX. Dialed extensions are routed to
// technology destinations, two legs are linked, and media flows either
// directly between gateways or through Write.
//
// Events queued by drivers run on the goroutine started by Run.
type Switchboard struct {
	log         *logrus.Entry
	channels    *Table[*channel]
	dialTimeout time.Duration
	events      chan func()

	mu        sync.Mutex
	techs     map[string]Tech
	defTech   Tech
	routes    map[string]string
	mailboxes map[string]bool
}

type channel struct {
	tech  Tech
	info  ChannelInfo
	state ChannelState
	peer  Handle
	done  chan struct{}
}

// SwitchboardOption настройка коммутатора
type SwitchboardOption func(*Switchboard)

// WithDialTimeout ограничивает время вызова
func WithDialTimeout(d time.Duration) SwitchboardOption {
	return func(s *Switchboard) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithSwitchboardLogger задает логгер
func WithSwitchboardLogger(log *logrus.Entry) SwitchboardOption {
	return func(s *Switchboard) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSwitchboard creates a switchboard with exten -> destination routes.
// A destination is "TECH/resource" or a bare resource for the first
// registered technology.
func NewSwitchboard(routes map[string]string, opts ...SwitchboardOption) *Switchboard {
	s := &Switchboard{
		log:         logrus.WithField("component", "switchboard"),
		channels:    NewTable[*channel](),
		dialTimeout: DefaultDialTimeout,
		events:      make(chan func(), 256),
		techs:       make(map[string]Tech),
		routes:      make(map[string]string),
		mailboxes:   make(map[string]bool),
	}
	for exten, dest := range routes {
		s.routes[exten] = dest
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a channel technology
func (s *Switchboard) Register(tech Tech) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.techs[strings.ToUpper(tech.Type())] = tech
	if s.defTech == nil {
		s.defTech = tech
	}
}

// SetRoutes replaces the routing table
func (s *Switchboard) SetRoutes(routes map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = make(map[string]string, len(routes))
	for exten, dest := range routes {
		s.routes[exten] = dest
	}
}

// SetVoicemail marks a mailbox as holding new messages
func (s *Switchboard) SetVoicemail(mailbox string, waiting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailboxes[mailbox] = waiting
}

// Run processes queued events until ctx is done
func (s *Switchboard) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-s.events:
			ev()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Channels number of live channels
func (s *Switchboard) Channels() int {
	return s.channels.Len()
}

func (s *Switchboard) post(ev func()) {
	select {
	case s.events <- ev:
	default:
		go func() { s.events <- ev }()
	}
}

// NewChannel implements PBX
func (s *Switchboard) NewChannel(tech Tech, info ChannelInfo, state ChannelState) (Handle, error) {
	if tech == nil {
		return Handle{}, errors.New("nil technology")
	}
	h := s.channels.Insert(&channel{
		tech:  tech,
		info:  info,
		state: state,
		done:  make(chan struct{}),
	})
	s.log.WithFields(logrus.Fields{"channel": info.Name, "handle": h}).Debug("channel created")
	return h, nil
}

// QueueFrame implements PBX
func (s *Switchboard) QueueFrame(h Handle, f Frame) {
	s.post(func() { s.deliver(h, f) })
}

// QueueControl implements PBX
func (s *Switchboard) QueueControl(h Handle, c Control) {
	s.post(func() { s.control(h, c) })
}

// QueueHangup implements PBX
func (s *Switchboard) QueueHangup(h Handle) {
	s.post(func() { s.hangup(h) })
}

// SetState implements PBX
func (s *Switchboard) SetState(h Handle, state ChannelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels.Get(h); ok {
		ch.state = state
	}
}

// State implements PBX
func (s *Switchboard) State(h Handle) (ChannelState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels.Get(h)
	if !ok {
		return StateDown, false
	}
	return ch.state, true
}

// SetCallerID implements PBX
func (s *Switchboard) SetCallerID(h Handle, cid CallerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels.Get(h); ok {
		ch.info.CallerID = cid
	}
}

// CallerID implements PBX
func (s *Switchboard) CallerID(h Handle) (CallerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels.Get(h)
	if !ok {
		return CallerID{}, false
	}
	return ch.info.CallerID, true
}

// Bridged implements PBX
func (s *Switchboard) Bridged(h Handle) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels.Get(h)
	if !ok || ch.peer.IsZero() {
		return Handle{}, false
	}
	if _, ok := s.channels.Get(ch.peer); !ok {
		return Handle{}, false
	}
	return ch.peer, true
}

// Masquerade implements PBX. The driver behind clone is rebound to the
// original handle with Fixup, and the driver that owned original is hung up.
func (s *Switchboard) Masquerade(original, clone Handle) error {
	if _, ok := s.channels.Get(original); !ok {
		return fmt.Errorf("masquerade original %s: %w", original, ErrStaleHandle)
	}
	if _, ok := s.channels.Get(clone); !ok {
		return fmt.Errorf("masquerade clone %s: %w", clone, ErrStaleHandle)
	}
	s.post(func() { s.masquerade(original, clone) })
	return nil
}

func (s *Switchboard) masquerade(original, clone Handle) {
	s.mu.Lock()
	orig, ok1 := s.channels.Get(original)
	cl, ok2 := s.channels.Get(clone)
	if !ok1 || !ok2 {
		s.mu.Unlock()
		s.log.Warn("masquerade target vanished")
		return
	}
	oldTech := orig.tech
	abandoned := cl.peer
	if q, ok := s.channels.Get(abandoned); ok && q.peer == clone {
		q.peer = Handle{}
	}
	newTech := cl.tech
	orig.tech = newTech
	orig.info = cl.info
	orig.state = cl.state
	cl.peer = Handle{}
	peer := orig.peer
	s.mu.Unlock()

	// Старый драйвер original отпускает свой подканал
	if err := oldTech.Hangup(original); err != nil && !errors.Is(err, ErrStaleHandle) {
		s.log.WithError(err).Debug("hangup of masqueraded channel")
	}
	if err := newTech.Fixup(clone, original); err != nil {
		s.log.WithError(err).Warn("fixup failed")
	}
	s.channels.Remove(clone)
	close(cl.done)

	if !abandoned.IsZero() && abandoned != original {
		s.hangup(abandoned)
	}
	if !peer.IsZero() {
		s.connectMedia(original, peer)
	}
	s.log.WithFields(logrus.Fields{"original": original, "clone": clone}).Info("masquerade complete")
}

// MatchExtension implements PBX
func (s *Switchboard) MatchExtension(_ string, exten string) ExtensionMatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m ExtensionMatch
	for key := range s.routes {
		if !strings.HasPrefix(key, exten) {
			continue
		}
		m.CanMatch = true
		if key == exten {
			m.Exists = true
		} else {
			m.MatchMore = true
		}
	}
	return m
}

// HasVoicemail implements PBX
func (s *Switchboard) HasVoicemail(mailbox string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailboxes[mailbox]
}

// RunPBX implements PBX: routes exten, calls the destination and waits for
// the calling channel to go away.
func (s *Switchboard) RunPBX(ctx context.Context, h Handle, _ string, exten string) error {
	s.mu.Lock()
	caller, ok := s.channels.Get(h)
	dest, routed := s.routes[exten]
	var callerTech Tech
	var info ChannelInfo
	if ok {
		callerTech = caller.tech
		info = caller.info
	}
	s.mu.Unlock()
	if !ok {
		return ErrStaleHandle
	}
	if !routed {
		return fmt.Errorf("%s: %w", exten, ErrNoExtension)
	}

	tech, resource, err := s.resolve(dest)
	if err != nil {
		return err
	}

	log := s.log.WithFields(logrus.Fields{"exten": exten, "dest": dest})
	callee, err := tech.Request(resource, info.Codecs)
	if err != nil {
		log.WithError(err).Info("destination unavailable")
		c := ControlCongestion
		if errors.Is(err, ErrBusy) {
			c = ControlBusy
		}
		_ = callerTech.Indicate(h, c)
		return s.wait(ctx, caller)
	}

	s.mu.Lock()
	if calleeCh, ok := s.channels.Get(callee); ok {
		calleeCh.peer = h
	}
	caller.peer = callee
	s.mu.Unlock()

	if err := tech.Call(callee, resource, info.CallerID); err != nil {
		log.WithError(err).Warn("call failed")
		s.unlink(h)
		s.QueueHangup(callee)
		_ = callerTech.Indicate(h, ControlCongestion)
		return s.wait(ctx, caller)
	}
	_ = callerTech.Indicate(h, ControlRinging)

	timer := time.NewTimer(s.dialTimeout)
	defer timer.Stop()
	select {
	case <-caller.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	if st, _ := s.State(callee); st != StateUp {
		log.Info("no answer")
		s.unlink(h)
		s.QueueHangup(callee)
		_ = callerTech.Indicate(h, ControlCongestion)
	}
	return s.wait(ctx, caller)
}

func (s *Switchboard) wait(ctx context.Context, ch *channel) error {
	select {
	case <-ch.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Switchboard) resolve(dest string) (Tech, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prefix, rest, ok := strings.Cut(dest, "/"); ok {
		if tech, ok := s.techs[strings.ToUpper(prefix)]; ok {
			return tech, rest, nil
		}
	}
	if s.defTech == nil {
		return nil, "", errors.New("no channel technology registered")
	}
	return s.defTech, dest, nil
}

func (s *Switchboard) unlink(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels.Get(h)
	if !ok {
		return
	}
	if peer, ok := s.channels.Get(ch.peer); ok && peer.peer == h {
		peer.peer = Handle{}
	}
	ch.peer = Handle{}
}

func (s *Switchboard) lookup(h Handle) (*channel, Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels.Get(h)
	if !ok {
		return nil, Handle{}, false
	}
	return ch, ch.peer, true
}

func (s *Switchboard) deliver(h Handle, f Frame) {
	_, peer, ok := s.lookup(h)
	if !ok || peer.IsZero() {
		return
	}
	peerCh, _, ok := s.lookup(peer)
	if !ok {
		return
	}
	switch f.Type {
	case FrameVoice:
		_ = peerCh.tech.Write(peer, f)
	case FrameDTMF:
		_ = peerCh.tech.SendDigit(peer, f.Digit)
	case FrameControl:
		s.control(h, f.Control)
	}
}

func (s *Switchboard) control(h Handle, c Control) {
	ch, peer, ok := s.lookup(h)
	if !ok {
		return
	}
	log := s.log.WithFields(logrus.Fields{"channel": ch.info.Name, "control": c})

	switch c {
	case ControlHangup:
		s.hangup(h)
		return
	case ControlAnswer:
		s.SetState(h, StateUp)
		if peer.IsZero() {
			return
		}
		peerCh, _, ok := s.lookup(peer)
		if !ok {
			return
		}
		if st, _ := s.State(peer); st != StateUp {
			if err := peerCh.tech.Answer(peer); err != nil {
				log.WithError(err).Warn("answer of calling leg failed")
			}
			s.SetState(peer, StateUp)
		}
		s.connectMedia(h, peer)
	case ControlRinging:
		s.SetState(h, StateRinging)
		fallthrough
	case ControlBusy, ControlCongestion, ControlHold, ControlUnhold:
		if peerCh, _, ok := s.lookup(peer); ok {
			_ = peerCh.tech.Indicate(peer, c)
		}
	default:
		log.Debug("control ignored")
	}
}

// connectMedia points two channels at each other when both drivers allow
// direct media; otherwise voice is relayed through Write.
func (s *Switchboard) connectMedia(a, b Handle) {
	chA, _, okA := s.lookup(a)
	chB, _, okB := s.lookup(b)
	if !okA || !okB {
		return
	}
	addrA, capsA, directA := chA.tech.RTPInfo(a)
	addrB, capsB, directB := chB.tech.RTPInfo(b)
	if !directA || !directB {
		return
	}
	if err := chA.tech.SetRTPPeer(a, addrB, capsB); err != nil {
		s.log.WithError(err).Warn("direct media setup failed")
		return
	}
	if err := chB.tech.SetRTPPeer(b, addrA, capsA); err != nil {
		s.log.WithError(err).Warn("direct media setup failed")
	}
}

func (s *Switchboard) hangup(h Handle) {
	s.mu.Lock()
	ch, ok := s.channels.Get(h)
	if !ok {
		s.mu.Unlock()
		return
	}
	peer := ch.peer
	ch.peer = Handle{}
	if p, ok := s.channels.Get(peer); ok && p.peer == h {
		p.peer = Handle{}
	} else {
		peer = Handle{}
	}
	s.mu.Unlock()

	if err := ch.tech.Hangup(h); err != nil && !errors.Is(err, ErrStaleHandle) {
		s.log.WithError(err).Debug("driver hangup")
	}
	if _, ok := s.channels.Remove(h); ok {
		close(ch.done)
	}
	s.log.WithField("channel", ch.info.Name).Debug("channel hung up")

	if !peer.IsZero() {
		s.hangup(peer)
	}
}
