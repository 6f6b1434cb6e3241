package agent

import (
	"fmt"
	"net"
	"sync"

	"github.com/arzzra/mgcp_agent/pkg/config"
	"github.com/arzzra/mgcp_agent/pkg/host"
	"github.com/arzzra/mgcp_agent/pkg/media_sdp"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/cmdqueue"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/transaction"
	"github.com/arzzra/mgcp_agent/pkg/rtp"
)

// ConnMode режим соединения, передаваемый в M:
type ConnMode int

const (
	ModeSendOnly ConnMode = iota
	ModeRecvOnly
	ModeSendRecv
	ModeConference
	ModeInactive

	// ModeMute удержание: на проводе это inactive
	ModeMute = ModeInactive
)

func (m ConnMode) String() string {
	switch m {
	case ModeSendOnly:
		return "sendonly"
	case ModeRecvOnly:
		return "recvonly"
	case ModeSendRecv:
		return "sendrecv"
	case ModeConference:
		return "confrnce"
	default:
		return "inactive"
	}
}

// subchannel одна из двух ног конечной точки.
// Все поля защищены блокировкой конечной точки.
type subchannel struct {
	id int

	owner   host.Handle
	txident string
	callid  string
	cxident string
	mode    ConnMode

	outgoing    bool
	alreadygone bool

	media  *rtp.Session
	codecs media_sdp.Capability

	// tmpdest адрес прямого медиа, ждущий cxident
	tmpdest *net.UDPAddr
	tmpcaps media_sdp.Capability
	// modifyPending смена режима, запрошенная до ответа на CRCX
	modifyPending bool

	cx *cmdqueue.FIFO

	digits chan rune
	cancel func()
}

func newSubchannel(id int) *subchannel {
	return &subchannel{
		id:      id,
		txident: randomIdent(),
		mode:    ModeInactive,
		cx:      cmdqueue.New(),
	}
}

// stopCollector отменяет сбор цифр, не дожидаясь выхода горутины
func (s *subchannel) stopCollector() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.digits = nil
}

// endpoint линия или транк шлюза
type endpoint struct {
	mu sync.Mutex

	gw   *gateway
	name string
	cfg  config.Endpoint

	hook   *hookState
	subs   [2]*subchannel
	active int

	rqntIdent string
	curtone   string
	// armed хотя бы один RQNT уже отправлен
	armed bool

	hidecallerid bool
	callwaiting  bool
	dnd          bool

	rqnt *cmdqueue.FIFO
	cmd  *cmdqueue.FIFO

	needaudit bool
	delme     bool
	removed   bool

	// closing сессии, закрываемые после снятия блокировки: цикл приема
	// RTP сам берет блокировку конечной точки
	closing []*rtp.Session
}

func newEndpoint(gw *gateway, cfg config.Endpoint, obs Observer) *endpoint {
	ep := &endpoint{
		gw:          gw,
		name:        cfg.Name,
		cfg:         cfg,
		hook:        newHookState(obs),
		rqntIdent:   randomIdent(),
		callwaiting: cfg.CallWaiting,
		rqnt:        cmdqueue.New(),
		cmd:         cmdqueue.New(),
		needaudit:   true,
	}
	ep.subs[0] = newSubchannel(0)
	ep.subs[1] = newSubchannel(1)
	return ep
}

func (ep *endpoint) lock() { ep.mu.Lock() }

func (ep *endpoint) unlock() {
	closing := ep.closing
	ep.closing = nil
	ep.mu.Unlock()
	for _, sess := range closing {
		sess.Close()
	}
}

// closeMedia отцепляет RTP сессию подканала
func (ep *endpoint) closeMedia(sub *subchannel) {
	if sub.media == nil {
		return
	}
	ep.closing = append(ep.closing, sub.media)
	sub.media = nil
}

func (ep *endpoint) activeSub() *subchannel { return ep.subs[ep.active] }

func (ep *endpoint) other(sub *subchannel) *subchannel { return ep.subs[1-sub.id] }

func (ep *endpoint) setActive(sub *subchannel) { ep.active = sub.id }

func (ep *endpoint) fullName() string { return ep.name + "@" + ep.gw.name }

func (ep *endpoint) subName(sub *subchannel) string {
	return fmt.Sprintf("%s@%s-%d", ep.name, ep.gw.name, sub.id)
}

// queueFor выбирает очередь команд по классу команды
func (ep *endpoint) queueFor(sub *subchannel, verb string) *cmdqueue.FIFO {
	if ep.cfg.SlowSequence {
		return ep.cmd
	}
	switch {
	case cmdqueue.IsConnectionVerb(verb) && sub != nil:
		return sub.cx
	case verb == message.VerbRQNT:
		return ep.rqnt
	}
	return ep.cmd
}

// retireCommand ищет транзакцию во всех очередях конечной точки
func (ep *endpoint) retireCommand(msgSub int, id message.TransactionID) (next *transaction.Message, found bool) {
	queues := []*cmdqueue.FIFO{ep.cmd}
	if msgSub >= 0 && msgSub < len(ep.subs) {
		queues = append(queues, ep.subs[msgSub].cx)
	}
	queues = append(queues, ep.rqnt)
	for _, q := range queues {
		n, ok := q.Retire(id)
		if ok {
			return n, true
		}
	}
	return nil, false
}

// dumpCommands очищает очереди команд конечной точки
func (ep *endpoint) dumpCommands() int {
	n := len(ep.cmd.Drain()) + len(ep.rqnt.Drain())
	for _, sub := range ep.subs {
		n += len(sub.cx.Drain())
	}
	return n
}

// inUse у подканала есть медиа или незакрытый вызов
func (s *subchannel) inUse() bool { return s.media != nil || s.callid != "" }

func (ep *endpoint) hasRTP() bool {
	return ep.subs[0].inUse() || ep.subs[1].inUse()
}

func (ep *endpoint) inbandDTMF() bool {
	return ep.cfg.DTMFMode == config.DTMFInband || ep.cfg.DTMFMode == config.DTMFHybrid
}

func (ep *endpoint) rfc2833() bool {
	return ep.cfg.DTMFMode == config.DTMFRFC2833 || ep.cfg.DTMFMode == config.DTMFHybrid
}
