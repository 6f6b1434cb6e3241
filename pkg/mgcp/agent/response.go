package agent

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/transaction"
)

// handleResult обрабатывает окончательный ответ на команду конечной точки.
// sub == nil для команд уровня конечной точки.
func (a *Agent) handleResult(ep *endpoint, sub *subchannel, msg *transaction.Message, resp *message.Response) {
	verb := msg.Verb
	log := a.log.WithFields(logrus.Fields{
		"endpoint": ep.fullName(),
		"verb":     verb,
		"tid":      resp.ID,
		"code":     resp.Code,
	})

	switch resp.Code {
	case message.CodeOffHook:
		ep.hook.Set(true)
		log.Info("gateway reports endpoint off hook")
		return
	case message.CodeOnHook:
		ep.hook.Set(false)
		log.Info("gateway reports endpoint on hook")
		return
	}

	if sub != nil && a.staleResult(ep, sub, msg, resp) {
		return
	}

	if resp.IsFailure() {
		switch resp.Code {
		case message.CodeTransactionTimeout:
			log.Info("transaction timed out")
		case message.CodeTransactionAborted:
			log.Info("transaction aborted")
		}

		if sub != nil {
			if !sub.owner.IsZero() {
				log.WithField("sub", sub.id).Info("terminating call on error result")
				a.pbx.QueueHangup(sub.owner)
			}
			return
		}
		for _, s := range ep.subs {
			if !s.owner.IsZero() {
				log.WithField("sub", s.id).Info("terminating call on error result")
				a.pbx.QueueHangup(s.owner)
			}
		}
		ep.dumpCommands()
		return
	}

	switch verb {
	case message.VerbCRCX:
		a.connectResult(ep, sub, resp)
	case message.VerbAUEP:
		a.auditResult(ep, resp)
	}

	// SDP обрабатывается, только пока у подканала есть владелец
	if sub != nil && !sub.owner.IsZero() {
		a.processSDP(ep, sub, message.SDPBody(resp))
	}
}

// staleResult ответ на команду вызова, который на подканале уже закончился.
// Соединение, созданное таким CRCX, сразу удаляется: новый вызов на том же
// подканале не должен получить чужой cxident.
func (a *Agent) staleResult(ep *endpoint, sub *subchannel, msg *transaction.Message, resp *message.Response) bool {
	if msg.CallID == "" || strings.EqualFold(msg.CallID, sub.callid) {
		return false
	}
	log := a.log.WithFields(logrus.Fields{
		"endpoint": ep.subName(sub),
		"verb":     msg.Verb,
		"callid":   msg.CallID,
	})
	if msg.Verb == message.VerbCRCX && resp.IsSuccess() {
		if cxident := resp.GetHeader("I"); cxident != "" {
			log.WithField("cxident", cxident).Info("connection created for a finished call, deleting")
			a.transmitDeleteParams(ep, msg.CallID, cxident)
			return true
		}
	}
	log.Debug("result for a finished call, ignoring")
	return true
}

// connectResult ответ на CRCX: запоминаем идентификатор соединения
func (a *Agent) connectResult(ep *endpoint, sub *subchannel, resp *message.Response) {
	if sub == nil {
		return
	}
	cxident := resp.GetHeader("I")
	if cxident == "" {
		return
	}
	log := a.log.WithField("endpoint", ep.subName(sub))

	if sub.owner.IsZero() {
		// Вызов уже разорван, соединение не нужно
		log.WithField("cxident", cxident).Info("connection created for a finished call, deleting")
		a.transmitDeleteParams(ep, "", cxident)
		return
	}

	switch {
	case sub.cxident == "":
		sub.cxident = cxident
		a.obs.ConnectionOpened()
	case !strings.EqualFold(sub.cxident, cxident):
		log.WithFields(logrus.Fields{
			"cxident":   sub.cxident,
			"requested": cxident,
		}).Warn("subchannel already has a connection id, keeping the first")
		return
	}

	switch {
	case sub.tmpdest != nil:
		a.transmitModifyWithSDP(ep, sub, nil, 0)
	case sub.modifyPending:
		a.transmitModify(ep, sub)
	}
}

// auditResult ответ на AUEP: удаление чужих соединений и сверка трубки
func (a *Agent) auditResult(ep *endpoint, resp *message.Response) {
	for _, line := range resp.Headers.GetAll("I") {
		for _, cxident := range strings.Split(line, ",") {
			cxident = strings.TrimSpace(cxident)
			if cxident == "" || ep.ownsConnection(cxident) {
				continue
			}
			a.obs.AuditOrphan()
			a.log.WithFields(logrus.Fields{
				"endpoint": ep.fullName(),
				"cxident":  cxident,
			}).Info("deleting connection unknown to the agent")
			a.transmitDeleteParams(ep, "", cxident)
		}
	}

	es := resp.GetHeader("ES")
	switch {
	case strings.Contains(es, "hu"):
		if ep.hook.OffHook() {
			for _, sub := range ep.subs {
				if !sub.owner.IsZero() {
					a.pbx.QueueHangup(sub.owner)
				}
			}
			ep.hook.Set(false)
			a.transmitNotify(ep, "")
			a.log.WithField("endpoint", ep.fullName()).Info("setting hookstate to on hook")
			return
		}
	case strings.Contains(es, "hd"):
		if !ep.hook.OffHook() {
			ep.hook.Set(true)
			a.transmitNotify(ep, "")
			a.log.WithField("endpoint", ep.fullName()).Info("setting hookstate to off hook")
			return
		}
	}

	// Первый аудит после старта: события еще не запрошены
	if !ep.armed {
		a.transmitNotify(ep, "")
	}
}

func (ep *endpoint) ownsConnection(cxident string) bool {
	for _, sub := range ep.subs {
		if sub.cxident != "" && strings.EqualFold(sub.cxident, cxident) {
			return true
		}
	}
	return false
}
