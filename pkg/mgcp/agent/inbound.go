package agent

import (
	"net"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/transaction"
)

// HandleDatagram обрабатывает датаграмму от шлюза: ответ на нашу
// транзакцию или запрос шлюза. Вызывается из цикла чтения транспорта.
func (a *Agent) HandleDatagram(data []byte, from *net.UDPAddr) {
	if a.debug.Load() {
		a.log.Debugf("MGCP <- %s\n%s", from, data)
	}

	msg, err := message.Parse(data)
	if err != nil {
		a.obs.Malformed()
		a.log.WithError(err).WithField("from", from.String()).Warn("malformed MGCP message")
		return
	}

	switch m := msg.(type) {
	case *message.Response:
		a.handleResponse(m, from)
	case *message.Request:
		a.handleRequest(m, from)
	}
}

func (a *Agent) handleResponse(resp *message.Response, from *net.UDPAddr) {
	a.obs.Response(resp.Code)
	if resp.Code < 200 {
		// Предварительный ответ: ждем окончательный
		a.log.WithField("tid", resp.ID).Debug("provisional response")
		return
	}

	// Только точное совпадение идентификатора
	for _, gw := range a.reg.list() {
		if msg, ok := gw.queue.Retire(resp.ID); ok {
			a.complete(gw, msg, resp)
			return
		}
	}

	a.obs.Unmatched()
	a.log.WithFields(logrus.Fields{
		"tid":  resp.ID,
		"code": resp.Code,
		"from": from.String(),
	}).Info("response for a transaction we are not sending")
}

// timedOut синтетический 406 для транзакции, исчерпавшей повторы
func (a *Agent) timedOut(gw *gateway, msg *transaction.Message) {
	a.complete(gw, msg, message.NewResponse(message.CodeTransactionTimeout, msg.ID, ""))
}

// complete снимает команду с очереди ее класса, отправляет следующую
// команду этой очереди и обрабатывает результат
func (a *Agent) complete(gw *gateway, msg *transaction.Message, resp *message.Response) {
	ep := gw.endpoint(msg.Endpoint)
	if ep == nil {
		a.log.WithFields(logrus.Fields{
			"tid":      msg.ID,
			"endpoint": msg.Endpoint,
		}).Debug("response for a removed endpoint")
		return
	}

	ep.lock()
	defer ep.unlock()
	if ep.removed {
		return
	}

	next, found := ep.retireCommand(msg.Sub, msg.ID)
	if !found {
		a.log.WithFields(logrus.Fields{
			"gateway": gw.name,
			"tid":     msg.ID,
		}).Debug("no command found for transaction, ignoring")
		return
	}
	if next != nil {
		a.transmit(gw, next)
	}

	var sub *subchannel
	if msg.Sub >= 0 && msg.Sub < len(ep.subs) {
		sub = ep.subs[msg.Sub]
	}
	a.handleResult(ep, sub, msg, resp)
}

func (a *Agent) handleRequest(req *message.Request, from *net.UDPAddr) {
	a.obs.RequestReceived(req.Verb)
	local, domain := message.SplitEndpoint(req.Endpoint)
	log := a.log.WithFields(logrus.Fields{
		"verb":     req.Verb,
		"endpoint": req.Endpoint,
		"tid":      req.ID,
	})

	gw := a.reg.gateway(domain)
	if gw == nil {
		log.Info("request for a gateway that does not exist")
		a.respond(nil, from, req.ID, message.CodeEndpointUnknown, "")
		return
	}

	gw.mu.Lock()
	allowed := gw.acl.Allowed(from.IP)
	gw.mu.Unlock()
	if !allowed {
		log.WithField("from", from.String()).Warn("request denied by gateway ACL")
		return
	}
	a.register(gw, from)

	// Повтор запроса получает тот же ответ без повторной обработки
	if data, ok := gw.responses.Lookup(req.ID); ok {
		a.obs.Duplicate()
		log.Debug("retransmitted request, resending response")
		if err := a.write(data, from); err != nil {
			log.WithError(err).Warn("failed to resend response")
		}
		return
	}

	if gw.isWildcard(local) {
		if strings.EqualFold(req.Verb, message.VerbRSIP) {
			a.restartGateway(gw, req, from)
			return
		}
		a.respond(gw, from, req.ID, message.CodeEndpointUnknown, "")
		return
	}

	ep := gw.endpoint(local)
	if ep == nil {
		log.Info("endpoint not found on gateway")
		a.respond(gw, from, req.ID, message.CodeEndpointUnknown, "")
		return
	}

	ep.lock()
	defer ep.unlock()
	if ep.removed {
		a.respond(gw, from, req.ID, message.CodeEndpointUnknown, "")
		return
	}

	switch strings.ToUpper(req.Verb) {
	case message.VerbNTFY:
		a.handleNotify(ep, req, from)
	case message.VerbRSIP:
		a.restartEndpoint(ep, req, from)
	case message.VerbDLCX:
		a.handleGatewayDelete(ep, req, from)
	default:
		log.Warn("unknown verb")
		a.respond(gw, from, req.ID, message.CodeUnknownVerb, "")
	}
}

// handleNotify NTFY: сначала 200, затем события из O: по порядку
func (a *Agent) handleNotify(ep *endpoint, req *message.Request, from *net.UDPAddr) {
	a.respond(ep.gw, from, req.ID, message.CodeOK, "")

	events := observedEvents(req.GetHeader("O"))
	// Шлюз забывает запрошенные события после уведомления
	for _, ev := range events {
		if ev != "hu" && ev != "hd" && ev != "ping" {
			a.transmitNotify(ep, ep.curtone)
			break
		}
	}

	for _, ev := range events {
		a.log.WithFields(logrus.Fields{
			"endpoint": ep.subName(ep.activeSub()),
			"event":    ev,
		}).Debug("endpoint observed event")
		a.handleEvent(ep, ev)
	}
}

// observedEvents разбирает O: ("L/hd", "D/1,D/2", "D/911") в список имен
// событий без пакета и параметров
func observedEvents(header string) []string {
	var out []string
	for _, item := range strings.Split(header, ",") {
		ev := strings.TrimSpace(item)
		if i := strings.LastIndexByte(ev, '/'); i >= 0 {
			ev = ev[i+1:]
		}
		if i := strings.IndexByte(ev, '('); i >= 0 {
			ev = ev[:i]
		}
		if ev == "" {
			continue
		}
		if isDigits(ev) {
			out = append(out, ev)
			continue
		}
		out = append(out, strings.ToLower(ev))
	}
	return out
}

func isDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'D') || r == '*' || r == '#'
}

func isDigits(s string) bool {
	for _, r := range s {
		if !isDigit(r) {
			return false
		}
	}
	return s != ""
}

// restartEndpoint RSIP конкретной конечной точки
func (a *Agent) restartEndpoint(ep *endpoint, req *message.Request, from *net.UDPAddr) {
	if isKeepalive(req) {
		a.log.WithField("endpoint", ep.fullName()).Debug("keepalive")
		a.respond(ep.gw, from, req.ID, message.CodeOK, "")
		return
	}

	a.log.WithField("endpoint", ep.fullName()).Info("resetting interface")
	a.resetEndpoint(ep)
	a.respond(ep.gw, from, req.ID, message.CodeOK, "")
	a.transmitNotify(ep, "")
	a.transmitAudit(ep)
	ep.needaudit = false
}

// restartGateway RSIP на wildcard имя: сброс всех конечных точек шлюза.
// Самому wildcard имени RQNT и AUEP не шлются.
func (a *Agent) restartGateway(gw *gateway, req *message.Request, from *net.UDPAddr) {
	if isKeepalive(req) {
		a.respond(gw, from, req.ID, message.CodeOK, "")
		return
	}

	endpoints := gw.endpointList()
	a.log.WithFields(logrus.Fields{
		"gateway":   gw.name,
		"endpoints": len(endpoints),
	}).Info("gateway restarted, resetting all endpoints")

	for _, ep := range endpoints {
		ep.lock()
		a.resetEndpoint(ep)
		ep.unlock()
	}
	a.respond(gw, from, req.ID, message.CodeOK, "")
	for _, ep := range endpoints {
		ep.lock()
		if !ep.removed {
			a.transmitNotify(ep, "")
			a.transmitAudit(ep)
			ep.needaudit = false
		}
		ep.unlock()
	}
}

// resetEndpoint сбрасывает очереди и отбивает каналы конечной точки
func (a *Agent) resetEndpoint(ep *endpoint) {
	ep.gw.queue.Dump(ep.name)
	ep.dumpCommands()
	for _, sub := range ep.subs {
		if !sub.owner.IsZero() {
			a.pbx.QueueHangup(sub.owner)
		}
	}
}

func isKeepalive(req *message.Request) bool {
	return strings.EqualFold(req.GetHeader("RM"), "X-keepalive")
}

// handleGatewayDelete DLCX от шлюза: соединение уже удалено на его стороне
func (a *Agent) handleGatewayDelete(ep *endpoint, req *message.Request, from *net.UDPAddr) {
	a.respond(ep.gw, from, req.ID, message.CodeOK, "")

	cxident := req.GetHeader("I")
	callid := req.GetHeader("C")
	for _, sub := range ep.subs {
		if cxident != "" && !strings.EqualFold(sub.cxident, cxident) {
			continue
		}
		if cxident == "" && callid != "" && !strings.EqualFold(sub.callid, callid) {
			continue
		}
		if sub.cxident == "" && sub.callid == "" {
			continue
		}
		a.log.WithFields(logrus.Fields{
			"endpoint": ep.subName(sub),
			"cxident":  sub.cxident,
		}).Info("gateway deleted connection")
		if sub.cxident != "" {
			a.obs.ConnectionClosed()
			sub.cxident = ""
		}
		if !sub.owner.IsZero() {
			sub.alreadygone = true
			a.pbx.QueueHangup(sub.owner)
		}
	}
}
