package agent

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/mgcp_agent/pkg/host"
	"github.com/arzzra/mgcp_agent/pkg/media_sdp"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/transaction"
)

// auditParams все, что спрашиваем у конечной точки в AUEP
const auditParams = "A,R,D,S,X,N,I,T,O,ES"

var errNoMedia = errors.New("subchannel has no rtp session")

func randomIdent() string { return fmt.Sprintf("%08x", rand.Uint32()) }

// newCallID идентификатор вызова для C:, до 32 hex символов
func newCallID() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }

func (a *Agent) newRequest(ep *endpoint, verb string) *message.Request {
	return message.NewRequest(verb, a.seq.Next(), ep.fullName())
}

// post ставит команду в очередь ее класса. Команда уходит сразу, только
// если очередь была пуста; иначе ее отправит ответ на текущую голову.
func (a *Agent) post(ep *endpoint, sub *subchannel, req *message.Request) {
	msg := &transaction.Message{
		ID:       req.ID,
		Verb:     req.Verb,
		Endpoint: ep.name,
		Sub:      transaction.EndpointScoped,
		CallID:   req.GetHeader("C"),
		Data:     req.Bytes(),
	}
	if sub != nil {
		msg.Sub = sub.id
	}

	q := ep.queueFor(sub, req.Verb)
	if req.Verb == message.VerbDLCX && sub != nil && q == sub.cx {
		dropped := q.PurgePending(connectionUpdate)
		if len(dropped) > 0 {
			a.log.WithFields(logrus.Fields{
				"endpoint": ep.subName(sub),
				"dropped":  len(dropped),
			}).Debug("DLCX purged pending connection commands")
		}
	}

	if !q.Enqueue(msg) {
		a.log.WithFields(logrus.Fields{
			"endpoint": ep.fullName(),
			"verb":     msg.Verb,
			"tid":      msg.ID,
		}).Debug("command queued behind in-flight transaction")
		return
	}
	a.transmit(ep.gw, msg)
}

// connectionUpdate CRCX и MDCX, которые DLCX делает ненужными
func connectionUpdate(m *transaction.Message) bool {
	return m.Verb == message.VerbCRCX || m.Verb == message.VerbMDCX
}

func (a *Agent) transmit(gw *gateway, msg *transaction.Message) {
	err := gw.queue.Post(msg)
	if errors.Is(err, transaction.ErrQueueClosed) {
		a.log.WithFields(logrus.Fields{
			"gateway": gw.name,
			"tid":     msg.ID,
		}).Debug("gateway queue closed, command dropped")
	}
}

// requestedEvents значение R: по состоянию трубки
func (a *Agent) requestedEvents(ep *endpoint) string {
	if !ep.hook.OffHook() {
		return "L/hd(N)"
	}
	sub := ep.activeSub()
	if !sub.owner.IsZero() && ep.inbandDTMF() {
		if state, ok := a.pbx.State(sub.owner); ok && state >= host.StateRinging {
			return "L/hu(N),L/hf(N)"
		}
	}
	return "L/hu(N),L/hf(N),D/[0-9#*](N)"
}

// transmitNotify RQNT с сигналом tone (пустой tone снимает сигналы)
func (a *Agent) transmitNotify(ep *endpoint, tone string) {
	a.sendNotify(ep, tone, tone)
}

// transmitNotifyWithCallerID RQNT с сигналом и Caller ID
func (a *Agent) transmitNotifyWithCallerID(ep *endpoint, tone string, cid host.CallerID) {
	now := a.clock()
	name := ""
	if cid.Name != "" {
		name = `"` + cid.Name + `"`
	}
	signal := fmt.Sprintf("%s,L/ci(%02d/%02d/%02d/%02d,%s,%s)",
		tone, int(now.Month()), now.Day(), now.Hour(), now.Minute(), cid.Number, name)
	a.sendNotify(ep, tone, signal)
}

func (a *Agent) sendNotify(ep *endpoint, tone, signal string) {
	ep.curtone = tone
	ep.armed = true
	req := a.newRequest(ep, message.VerbRQNT)
	req.AddHeader("X", ep.rqntIdent)
	req.AddHeader("R", a.requestedEvents(ep))
	if signal != "" {
		req.AddHeader("S", signal)
	}
	a.post(ep, nil, req)
}

// transmitConnect CRCX с локальным SDP
func (a *Agent) transmitConnect(ep *endpoint, sub *subchannel) {
	req := a.newRequest(ep, message.VerbCRCX)
	req.AddHeader("C", sub.callid)
	req.AddHeader("L", media_sdp.LocalOptions(ep.cfg.Codecs))
	req.AddHeader("M", sub.mode.String())
	req.AddHeader("X", sub.txident)
	if body, err := a.buildSDP(ep, sub, nil, 0); err == nil {
		req.SetSDP(body)
	} else {
		a.log.WithError(err).WithField("endpoint", ep.subName(sub)).Warn("CRCX sent without SDP")
	}
	a.post(ep, sub, req)
}

// transmitModify MDCX со сменой режима. Пока шлюз не назначил cxident,
// запрос откладывается до ответа на CRCX.
func (a *Agent) transmitModify(ep *endpoint, sub *subchannel) {
	if sub.cxident == "" {
		sub.modifyPending = true
		return
	}
	sub.modifyPending = false
	req := a.newRequest(ep, message.VerbMDCX)
	req.AddHeader("C", sub.callid)
	req.AddHeader("M", sub.mode.String())
	req.AddHeader("X", sub.txident)
	req.AddHeader("I", sub.cxident)
	a.post(ep, sub, req)
}

// transmitModifyWithSDP MDCX с SDP, направляющим медиа шлюза на peer.
// Без cxident адрес запоминается в tmpdest.
func (a *Agent) transmitModifyWithSDP(ep *endpoint, sub *subchannel, peer *net.UDPAddr, caps media_sdp.Capability) {
	if sub.cxident == "" {
		if peer != nil {
			sub.tmpdest = peer
			sub.tmpcaps = caps
		}
		return
	}

	codecs := ep.cfg.Codecs
	if caps&codecs != 0 {
		codecs &= caps
	}
	body, err := a.buildSDP(ep, sub, peer, caps)
	if err != nil {
		a.log.WithError(err).WithField("endpoint", ep.subName(sub)).Warn("unable to build SDP for MDCX")
		return
	}

	sub.modifyPending = false
	req := a.newRequest(ep, message.VerbMDCX)
	req.AddHeader("C", sub.callid)
	req.AddHeader("L", media_sdp.LocalOptions(codecs))
	req.AddHeader("M", sub.mode.String())
	req.AddHeader("X", sub.txident)
	req.AddHeader("I", sub.cxident)
	req.SetSDP(body)
	a.post(ep, sub, req)
}

// transmitDelete DLCX соединения подканала. DLCX без C: и I: удалил бы
// все соединения конечной точки, поэтому без идентификаторов он не шлется.
func (a *Agent) transmitDelete(ep *endpoint, sub *subchannel) {
	if sub.callid == "" && sub.cxident == "" {
		a.log.WithField("endpoint", ep.subName(sub)).Debug("no connection to delete")
		return
	}
	req := a.newRequest(ep, message.VerbDLCX)
	if sub.callid != "" {
		req.AddHeader("C", sub.callid)
	}
	req.AddHeader("X", sub.txident)
	if sub.cxident != "" {
		req.AddHeader("I", sub.cxident)
	}
	a.post(ep, sub, req)
}

// transmitDeleteParams DLCX соединения, которое не принадлежит ни одному подканалу
func (a *Agent) transmitDeleteParams(ep *endpoint, callid, cxident string) {
	if callid == "" && cxident == "" {
		return
	}
	req := a.newRequest(ep, message.VerbDLCX)
	if callid != "" {
		req.AddHeader("C", callid)
	}
	if cxident != "" {
		req.AddHeader("I", cxident)
	}
	a.post(ep, nil, req)
}

// transmitAudit AUEP
func (a *Agent) transmitAudit(ep *endpoint) {
	req := a.newRequest(ep, message.VerbAUEP)
	req.AddHeader("F", auditParams)
	a.post(ep, nil, req)
}

// respond отвечает на запрос шлюза; ответ кэшируется для повторов запроса
func (a *Agent) respond(gw *gateway, to *net.UDPAddr, id message.TransactionID, code int, text string) {
	data := message.NewResponse(code, id, text).Bytes()
	if gw != nil {
		gw.responses.Store(id, data)
	}
	if err := a.write(data, to); err != nil {
		a.log.WithError(err).WithFields(logrus.Fields{
			"tid":  id,
			"code": code,
		}).Warn("failed to send response")
	}
}

// buildSDP SDP для CRCX/MDCX. peer задает чужой медиа адрес (прямое медиа),
// иначе берется tmpdest или собственная RTP сессия подканала.
func (a *Agent) buildSDP(ep *endpoint, sub *subchannel, peer *net.UDPAddr, caps media_sdp.Capability) ([]byte, error) {
	codecs := ep.cfg.Codecs
	if peer == nil && sub.tmpdest != nil {
		peer, caps = sub.tmpdest, sub.tmpcaps
	}

	var addr string
	var port int
	if peer != nil {
		addr, port = peer.IP.String(), peer.Port
		if caps&codecs != 0 {
			codecs &= caps
		}
	} else {
		if sub.media == nil {
			return nil, errNoMedia
		}
		addr, port = a.ourIP(ep.gw).String(), sub.media.LocalAddr().Port
	}

	return media_sdp.Build(media_sdp.BuildOptions{
		Host:        addr,
		Port:        port,
		Codecs:      codecs,
		DTMF:        ep.rfc2833(),
		DTMFPayload: media_sdp.DefaultDTMFPayload,
	})
}

// ourIP адрес, который шлюз должен видеть в SDP: externip, адрес привязки
// или адрес исходящего интерфейса в сторону шлюза
func (a *Agent) ourIP(gw *gateway) net.IP {
	gen := a.settings()
	if gen.ExternIP != nil {
		return gen.ExternIP
	}
	if ip := bindIP(gen.BindAddr); ip != nil && !ip.IsUnspecified() {
		return ip
	}
	if cached := gw.ourIP.Load(); cached != nil {
		return *cached
	}

	ip := net.IPv4(127, 0, 0, 1)
	if addr := gw.address(); addr != nil {
		if conn, err := net.DialUDP("udp", nil, addr); err == nil {
			ip = conn.LocalAddr().(*net.UDPAddr).IP
			conn.Close()
		}
	}
	gw.ourIP.Store(&ip)
	return ip
}

func bindIP(bind string) net.IP {
	hostPart, _, err := net.SplitHostPort(bind)
	if err != nil {
		hostPart = bind
	}
	return net.ParseIP(hostPart)
}
