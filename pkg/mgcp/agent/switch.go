package agent

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/mgcp_agent/pkg/host"
)

// maxExtension предел длины набираемого номера
const maxExtension = 80

// startCollector запускает сбор цифр для нового вызова с линии. Задача
// живет, пока живет вызов: Hangup отменяет ее контекст.
func (a *Agent) startCollector(ep *endpoint, sub *subchannel, h host.Handle) {
	ctx, cancel := context.WithCancel(a.ctx)
	digits := make(chan rune, maxExtension)
	sub.digits = digits
	sub.cancel = cancel
	dialContext := ep.cfg.Context

	a.goTask(func() {
		defer cancel()
		a.collect(ctx, h, dialContext, digits)
	})
}

// launchPBX запускает план набора сразу, без сбора цифр (immediate)
func (a *Agent) launchPBX(ep *endpoint, sub *subchannel, h host.Handle, exten string) {
	ctx, cancel := context.WithCancel(a.ctx)
	sub.cancel = cancel
	dialContext := ep.cfg.Context

	a.goTask(func() {
		defer cancel()
		a.runPBX(ctx, h, dialContext, exten)
	})
}

// collect набор номера: ждет цифры, сверяет их с планом набора,
// обрабатывает сервисные коды и запускает вызов
func (a *Agent) collect(ctx context.Context, h host.Handle, dialContext string, digits <-chan rune) {
	gen := a.settings()
	log := a.log.WithField("channel", h.String())

	var exten string
	quiet := false
	timeout := gen.FirstDigitTimeout

	for len(exten) < maxExtension-1 {
		got := false
		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case d := <-digits:
			exten += string(d)
			got = true
		case <-timer.C:
		}
		timer.Stop()
		timeout = 0

		if got && !quiet {
			// Первая цифра снимает тон готовности
			quiet = true
			alive := a.withOwner(h, func(ep *endpoint, _ *subchannel) {
				if ep.curtone != "" {
					a.transmitNotify(ep, "")
				}
			})
			if !alive {
				return
			}
		}

		log.WithField("digits", exten).Debug("collected digits")
		m := a.pbx.MatchExtension(dialContext, exten)
		switch {
		case m.Exists && (!got || !m.MatchMore):
			a.dial(ctx, h, dialContext, exten)
			return
		case m.Exists:
			// Номер уже есть, но набор может продолжиться
			timeout = gen.MatchDigitTimeout
		case !got:
			log.WithField("digits", exten).Debug("not enough digits and no ambiguous match")
			a.congestion(h)
			return
		}

		var feature bool
		if !a.withOwner(h, func(ep *endpoint, sub *subchannel) {
			feature = a.featureCode(ep, sub, exten)
		}) {
			return
		}
		if feature {
			exten = ""
			timeout = gen.FirstDigitTimeout
			continue
		}

		if !m.CanMatch && (exten[0] != '*' || len(exten) > 2) {
			log.WithFields(logrus.Fields{
				"digits":  exten,
				"context": dialContext,
			}).Info("no extension matches dialed digits")
			a.congestion(h)
			return
		}
		if timeout == 0 {
			timeout = gen.GenDigitTimeout
		}
	}

	a.pbx.QueueHangup(h)
}

// featureCode сервисные коды линии. Возвращает true, если набранные цифры
// были кодом; линия слышит прерывистый тон и набирает заново.
func (a *Agent) featureCode(ep *endpoint, sub *subchannel, exten string) bool {
	log := a.log.WithField("endpoint", ep.subName(sub))
	switch {
	case exten == "*70" && ep.cfg.CallWaiting && ep.callwaiting:
		log.Info("disabling call waiting")
		ep.callwaiting = false
	case exten == "*67" && !ep.hidecallerid:
		log.Info("disabling caller id")
		ep.hidecallerid = true
		a.pbx.SetCallerID(sub.owner, host.CallerID{})
	case exten == "*82" && ep.hidecallerid:
		log.Info("enabling caller id")
		ep.hidecallerid = false
		a.pbx.SetCallerID(sub.owner, ep.callerID())
	case exten == "*78":
		log.Info("enabled do not disturb")
		ep.dnd = true
	case exten == "*79":
		log.Info("disabled do not disturb")
		ep.dnd = false
	default:
		return false
	}
	a.transmitNotify(ep, "L/sl")
	return true
}

// dial номер набран: канал переходит в Ring и уходит в план набора
func (a *Agent) dial(ctx context.Context, h host.Handle, dialContext, exten string) {
	if !a.withOwner(h, func(ep *endpoint, sub *subchannel) {
		// Дальше цифры идут владельцу кадрами, сборщик больше не нужен
		sub.digits = nil
		cid := host.CallerID{}
		if !ep.hidecallerid {
			cid = ep.callerID()
		}
		a.pbx.SetCallerID(h, cid)
		a.pbx.SetState(h, host.StateRing)
	}) {
		return
	}
	a.runPBX(ctx, h, dialContext, exten)
}

func (a *Agent) runPBX(ctx context.Context, h host.Handle, dialContext, exten string) {
	err := a.pbx.RunPBX(ctx, h, dialContext, exten)
	if err == nil || ctx.Err() != nil || errors.Is(err, host.ErrStaleHandle) {
		return
	}
	a.log.WithError(err).WithFields(logrus.Fields{
		"channel": h.String(),
		"exten":   exten,
	}).Warn("PBX exited non-zero")
	a.withOwner(h, func(ep *endpoint, _ *subchannel) {
		a.transmitNotify(ep, "G/cg")
	})
}

// congestion тон перегрузки и отбой
func (a *Agent) congestion(h host.Handle) {
	a.withOwner(h, func(ep *endpoint, _ *subchannel) {
		a.transmitNotify(ep, "G/cg")
	})
	a.pbx.QueueHangup(h)
}

// withOwner выполняет fn под блокировкой конечной точки, пока канал
// владеет подканалом. false означает, что вызов уже завершен.
func (a *Agent) withOwner(h host.Handle, fn func(ep *endpoint, sub *subchannel)) bool {
	ep, sub, err := a.lockOwner(h)
	if err != nil {
		return false
	}
	defer ep.unlock()
	fn(ep, sub)
	return true
}
