package agent

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/mgcp_agent/pkg/host"
)

// handleEvent одно наблюдаемое событие из NTFY. Вызывается под
// блокировкой конечной точки.
func (a *Agent) handleEvent(ep *endpoint, ev string) {
	switch {
	case ev == "hd":
		a.offHook(ep)
	case ev == "hf":
		a.hookFlash(ep)
	case ev == "hu":
		a.onHook(ep)
	case ev == "t", ev == "ping":
		// межцифровой таймаут шлюза и ping ничего не меняют
	case isDigits(ev):
		sub := ep.activeSub()
		for _, d := range ev {
			a.digit(ep, sub, d)
		}
	default:
		a.log.WithFields(logrus.Fields{
			"endpoint": ep.fullName(),
			"event":    ev,
		}).Info("received unknown event")
	}
}

func (a *Agent) offHook(ep *endpoint) {
	ep.hook.Set(true)
	sub := ep.activeSub()
	sub.mode = ModeSendRecv
	a.handleHdHf(ep, sub)
}

// connectOrModify CRCX, если у подканала еще нет соединения, иначе MDCX
func (a *Agent) connectOrModify(ep *endpoint, sub *subchannel) {
	if !sub.inUse() {
		a.startRTP(ep, sub)
		return
	}
	a.transmitModify(ep, sub)
}

// holdPeer и unholdPeer включают и выключают музыку на удержании у
// стороны, соединенной с владельцем подканала
func (a *Agent) holdPeer(sub *subchannel) {
	if sub.owner.IsZero() {
		return
	}
	if _, ok := a.pbx.Bridged(sub.owner); ok {
		a.pbx.QueueControl(sub.owner, host.ControlHold)
	}
}

func (a *Agent) unholdPeer(sub *subchannel) {
	if sub.owner.IsZero() {
		return
	}
	if _, ok := a.pbx.Bridged(sub.owner); ok {
		a.pbx.QueueControl(sub.owner, host.ControlUnhold)
	}
}

// handleHdHf снятие трубки или flash на подканале sub: ответ на
// входящий вызов либо начало нового исходящего
func (a *Agent) handleHdHf(ep *endpoint, sub *subchannel) {
	log := a.log.WithField("endpoint", ep.subName(sub))

	if sub.outgoing {
		// Ответ на вызов, которым звонили на линию
		if sub.owner.IsZero() {
			return
		}
		a.unholdPeer(sub)
		sub.mode = ModeSendRecv
		a.connectOrModify(ep, sub)
		a.transmitNotify(ep, "")
		a.pbx.QueueControl(sub.owner, host.ControlAnswer)
		return
	}

	if !sub.owner.IsZero() {
		if ep.hook.OffHook() {
			log.Warn("off hook, but subchannel already has an owner")
		} else {
			log.Warn("on hook, but subchannel already has an owner")
		}
		a.unholdPeer(sub)
		sub.mode = ModeSendRecv
		a.connectOrModify(ep, sub)
		a.transmitNotify(ep, "")
		return
	}

	a.connectOrModify(ep, sub)
	if ep.cfg.Immediate {
		a.transmitNotify(ep, "G/rt")
		h, err := a.newChannel(ep, sub, host.StateRing, "s")
		if err != nil {
			log.WithError(err).Warn("unable to create channel")
			a.transmitNotify(ep, "G/cg")
			return
		}
		a.launchPBX(ep, sub, h, "s")
		return
	}

	if a.hasVoicemail(ep) {
		a.transmitNotify(ep, "L/sl")
	} else {
		a.transmitNotify(ep, "L/dl")
	}
	h, err := a.newChannel(ep, sub, host.StateDown, "")
	if err != nil {
		log.WithError(err).Warn("unable to create channel")
		return
	}
	a.startCollector(ep, sub, h)
}

// hookFlash hf: call waiting, трехсторонняя конференция или перевод
func (a *Agent) hookFlash(ep *endpoint) {
	if !ep.hook.OffHook() {
		// flash при положенной трубке шлюз не шлет; считаем снятием
		a.offHook(ep)
		return
	}

	sub := ep.activeSub()
	alt := ep.other(sub)
	log := a.log.WithField("endpoint", ep.subName(sub))

	if !sub.owner.IsZero() && alt.owner.IsZero() {
		if st, ok := a.pbx.State(sub.owner); ok && st == host.StateDown {
			// flash во время набора номера
			return
		}
	}
	if !ep.callwaiting && !ep.cfg.Transfer && !ep.cfg.ThreeWayCalling {
		log.Warn("call waiting, call transfer or three way calling not enabled")
		return
	}

	ep.setActive(alt)
	switch {
	case alt.owner.IsZero():
		// Первый вызов на удержание, второй подканал набирает номер
		sub.mode = ModeMute
		a.transmitModify(ep, sub)
		a.holdPeer(sub)
		alt.mode = ModeRecvOnly
		a.handleHdHf(ep, alt)

	case !sub.owner.IsZero() && !sub.outgoing && !alt.outgoing:
		// Оба вызова сделаны с этой линии: конференция
		sub.mode = ModeConference
		alt.mode = ModeConference
		a.unholdPeer(alt)
		a.transmitModify(ep, sub)
		a.transmitModify(ep, alt)

	case !sub.owner.IsZero():
		// Переключение между вызовами
		sub.mode = ModeMute
		a.transmitModify(ep, sub)
		a.holdPeer(sub)
		a.unholdPeer(alt)
		a.handleHdHf(ep, alt)

	default:
		// Первый вызов потерян, поднимаем оставшийся
		a.unholdPeer(alt)
		alt.mode = ModeSendRecv
		a.transmitModify(ep, alt)
	}
}

// onHook hu: отбой активного вызова или перевод между двумя ногами
func (a *Agent) onHook(ep *endpoint) {
	ep.hook.Set(false)
	sub := ep.activeSub()
	alt := ep.other(sub)
	sub.mode = ModeRecvOnly
	log := a.log.WithField("endpoint", ep.subName(sub))
	log.Debug("went on hook")

	// Перевод только если хотя бы одна нога пришла на линию извне
	switch {
	case ep.cfg.Transfer && !sub.owner.IsZero() && !alt.owner.IsZero() && (sub.outgoing || alt.outgoing):
		if err := a.attemptTransfer(ep); err != nil {
			log.WithError(err).Warn("transfer attempt failed")
			alt = ep.other(ep.activeSub())
			if !alt.owner.IsZero() {
				alt.alreadygone = true
				a.pbx.QueueHangup(alt.owner)
			}
		}
	case !sub.owner.IsZero():
		// Если есть второй вызов, Hangup позвонит им на линию
		sub.alreadygone = true
		a.pbx.QueueHangup(sub.owner)
	case sub.callid != "" || sub.cxident != "":
		// Канал уже разрушен, а шлюз все еще держит соединение
		log.Info("channel already destroyed, sending DLCX")
		a.transmitDelete(ep, sub)
	default:
		log.Debug("active subchannel has no connection, nothing to delete")
	}

	if !ep.hook.OffHook() && !ep.hasRTP() {
		a.idle(ep)
	}
}

// idle обе ноги свободны: сброс временных настроек линии и MWI
func (a *Agent) idle(ep *endpoint) {
	ep.hidecallerid = false
	if ep.cfg.CallWaiting && !ep.callwaiting {
		a.log.WithField("endpoint", ep.fullName()).Debug("enabling call waiting")
		ep.callwaiting = true
	}
	a.refreshMWI(ep)
}

// attemptTransfer соединяет двух собеседников после отбоя. Хотя бы одна
// из ног должна быть соединена с кем-то еще.
func (a *Agent) attemptTransfer(ep *endpoint) error {
	sub := ep.activeSub()
	alt := ep.other(sub)
	log := a.log.WithField("endpoint", ep.fullName())

	if peer, ok := a.pbx.Bridged(sub.owner); ok {
		a.unholdPeer(alt)
		if st, _ := a.pbx.State(sub.owner); st == host.StateRinging {
			a.pbx.QueueControl(alt.owner, host.ControlRinging)
		}
		if err := a.pbx.Masquerade(alt.owner, peer); err != nil {
			return err
		}
		a.unallocSub(ep, alt)
		return nil
	}

	if peer, ok := a.pbx.Bridged(alt.owner); ok {
		if st, _ := a.pbx.State(sub.owner); st == host.StateRinging {
			a.pbx.QueueControl(alt.owner, host.ControlRinging)
		}
		a.unholdPeer(alt)
		if err := a.pbx.Masquerade(sub.owner, peer); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"from": sub.id,
			"to":   alt.id,
		}).Info("swapping active subchannel")
		ep.setActive(alt)
		a.unallocSub(ep, sub)
		return nil
	}

	log.Debug("neither leg is in a bridge, nothing to transfer")
	alt.alreadygone = true
	a.pbx.QueueHangup(alt.owner)
	a.pbx.QueueHangup(sub.owner)
	return nil
}

// unallocSub отцепляет неактивный подканал от канала хоста
func (a *Agent) unallocSub(ep *endpoint, sub *subchannel) {
	if ep.activeSub() == sub {
		a.log.WithField("endpoint", ep.subName(sub)).Warn("trying to release the active subchannel")
		return
	}
	a.log.WithField("endpoint", ep.subName(sub)).Debug("released subchannel")

	if !sub.owner.IsZero() {
		a.forgetOwner(sub.owner)
		sub.owner = host.Handle{}
	}
	sub.stopCollector()
	sub.cx.Drain()
	if sub.cxident != "" {
		a.transmitDelete(ep, sub)
		a.obs.ConnectionClosed()
	}
	a.resetSub(ep, sub)
}

// resetSub возвращает подканал в исходное состояние
func (a *Agent) resetSub(ep *endpoint, sub *subchannel) {
	sub.cxident = ""
	sub.callid = ""
	sub.mode = ModeInactive
	sub.outgoing = false
	sub.alreadygone = false
	sub.tmpdest = nil
	sub.tmpcaps = 0
	sub.modifyPending = false
	sub.codecs = 0
	ep.closeMedia(sub)
}

// digit цифра DTMF от шлюза: в разговоре идет владельцам подканалов,
// при наборе номера в сборщик цифр
func (a *Agent) digit(ep *endpoint, sub *subchannel, d rune) {
	if !sub.owner.IsZero() {
		if st, ok := a.pbx.State(sub.owner); ok && st >= host.StateUp {
			frame := host.Frame{Type: host.FrameDTMF, Digit: d}
			a.pbx.QueueFrame(sub.owner, frame)
			if alt := ep.other(sub); !alt.owner.IsZero() {
				a.pbx.QueueFrame(alt.owner, frame)
			}
			if d == 'A' && strings.Contains(ep.curtone, "wt") {
				ep.curtone = ""
			}
			return
		}
	}

	if sub.digits == nil {
		return
	}
	select {
	case sub.digits <- d:
	default:
		a.log.WithField("endpoint", ep.subName(sub)).Debug("digit buffer full, dropping digit")
	}
}

func (ep *endpoint) callerID() host.CallerID {
	return host.CallerID{Number: ep.cfg.CallerIDNum, Name: ep.cfg.CallerIDName}
}

// newChannel создает канал хоста для подканала и привязывает его
func (a *Agent) newChannel(ep *endpoint, sub *subchannel, state host.ChannelState, exten string) (host.Handle, error) {
	info := host.ChannelInfo{
		Name:        "MGCP/" + ep.subName(sub),
		Context:     ep.cfg.Context,
		Exten:       exten,
		Language:    ep.cfg.Language,
		AccountCode: ep.cfg.AccountCode,
		Codecs:      ep.cfg.Codecs,
	}
	if !ep.hidecallerid {
		info.CallerID = ep.callerID()
	}
	h, err := a.pbx.NewChannel(a, info, state)
	if err != nil {
		return host.Handle{}, err
	}
	a.bindOwner(h, ep, sub)
	a.log.WithFields(logrus.Fields{
		"channel": info.Name,
		"handle":  h.String(),
		"state":   state.String(),
	}).Debug("new channel")
	return h, nil
}

func (a *Agent) hasVoicemail(ep *endpoint) bool {
	return ep.cfg.Mailbox != "" && a.pbx.HasVoicemail(ep.cfg.Mailbox)
}

// refreshMWI индикатор ожидающих сообщений
func (a *Agent) refreshMWI(ep *endpoint) {
	if a.hasVoicemail(ep) {
		a.transmitNotify(ep, "L/vmwi(+)")
		return
	}
	a.transmitNotify(ep, "L/vmwi(-)")
}
