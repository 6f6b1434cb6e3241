package agent

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/mgcp_agent/pkg/config"
	"github.com/arzzra/mgcp_agent/pkg/host"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/transaction"
)

// gateway медиашлюз, его конечные точки и очередь транзакций
type gateway struct {
	name string

	addr  atomic.Pointer[net.UDPAddr]
	ourIP atomic.Pointer[net.IP]

	queue     *transaction.Queue
	responses *transaction.ResponseCache

	mu        sync.Mutex
	dynamic   bool
	acl       config.ACL
	wcardep   string
	endpoints []*endpoint
	delme     bool
}

func (gw *gateway) address() *net.UDPAddr { return gw.addr.Load() }

// setAddress запоминает адрес шлюза. Возвращает true, если адрес изменился.
func (gw *gateway) setAddress(addr *net.UDPAddr) bool {
	cur := gw.addr.Load()
	if cur != nil && cur.IP.Equal(addr.IP) && cur.Port == addr.Port {
		return false
	}
	stored := &net.UDPAddr{IP: append(net.IP(nil), addr.IP...), Port: addr.Port, Zone: addr.Zone}
	gw.addr.Store(stored)
	gw.ourIP.Store(nil)
	return true
}

func (gw *gateway) endpointLocked(name string) *endpoint {
	for _, ep := range gw.endpoints {
		if strings.EqualFold(ep.name, name) {
			return ep
		}
	}
	return nil
}

func (gw *gateway) endpoint(name string) *endpoint {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.endpointLocked(name)
}

func (gw *gateway) endpointList() []*endpoint {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return append([]*endpoint(nil), gw.endpoints...)
}

func (gw *gateway) isWildcard(name string) bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.wcardep != "" && strings.EqualFold(gw.wcardep, name)
}

// Registry шлюзы, известные агенту. Порядок блокировок:
// реестр, шлюз, конечная точка, очередь.
type Registry struct {
	mu       sync.RWMutex
	gateways []*gateway
}

func (r *Registry) lookupLocked(name string) *gateway {
	for _, gw := range r.gateways {
		if strings.EqualFold(gw.name, name) {
			return gw
		}
	}
	return nil
}

func (r *Registry) gateway(name string) *gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(name)
}

func (r *Registry) list() []*gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*gateway(nil), r.gateways...)
}

// endpoint находит конечную точку по полному имени local@gateway
func (r *Registry) endpoint(full string) (*gateway, *endpoint, error) {
	local, domain := message.SplitEndpoint(full)
	gw := r.gateway(domain)
	if gw == nil {
		return nil, nil, ErrUnknownGateway
	}
	ep := gw.endpoint(local)
	if ep == nil {
		return gw, nil, ErrUnknownEndpoint
	}
	return gw, ep, nil
}

func (a *Agent) newGateway(cfg config.Gateway) *gateway {
	gen := a.settings()
	gw := &gateway{name: cfg.Name}
	gw.queue = transaction.NewQueue(
		transaction.Config{
			RetransInterval: gen.RetransInterval,
			MaxRetrans:      gen.MaxRetrans,
			Clock:           a.clock,
		},
		func(data []byte) error { return a.sendTo(gw, data) },
		func(msg *transaction.Message) { a.timedOut(gw, msg) },
		transaction.WithObserver(a.obs),
		transaction.WithLogger(a.log.WithField("gateway", cfg.Name)),
	)
	gw.responses = transaction.NewResponseCache(gen.ResponseTimeout, a.clock)
	return gw
}

// apply сверяет реестр с конфигурацией: существующие шлюзы и конечные точки
// обновляются на месте, новые создаются с needaudit, исчезнувшие
// освобождаются. Возвращает новые конечные точки.
func (a *Agent) apply(cfg *config.Config) []*endpoint {
	a.reg.mu.Lock()
	defer a.reg.mu.Unlock()

	for _, gw := range a.reg.gateways {
		gw.mu.Lock()
		gw.delme = true
		for _, ep := range gw.endpoints {
			ep.lock()
			ep.delme = true
			ep.unlock()
		}
		gw.mu.Unlock()
	}

	var added []*endpoint
	for _, gcfg := range cfg.Gateways {
		gw := a.reg.lookupLocked(gcfg.Name)
		if gw == nil {
			gw = a.newGateway(gcfg)
			a.reg.gateways = append(a.reg.gateways, gw)
			a.log.WithField("gateway", gcfg.Name).Info("gateway added")
		}

		gw.mu.Lock()
		gw.delme = false
		gw.dynamic = gcfg.Dynamic
		gw.acl = gcfg.ACL
		gw.wcardep = gcfg.WildcardEndpoint
		// Адрес динамического шлюза, узнанный из сети, не затирается
		if gcfg.Addr != nil && (!gcfg.Dynamic || gw.address() == nil) {
			gw.setAddress(gcfg.Addr)
		}

		for _, ecfg := range gcfg.Endpoints {
			ep := gw.endpointLocked(ecfg.Name)
			if ep == nil {
				ep = newEndpoint(gw, ecfg, a.obs)
				gw.endpoints = append(gw.endpoints, ep)
				added = append(added, ep)
				continue
			}
			ep.lock()
			ep.delme = false
			ep.cfg = ecfg
			if !ep.hasRTP() {
				ep.callwaiting = ecfg.CallWaiting
			}
			ep.unlock()
		}
		gw.mu.Unlock()
	}

	kept := a.reg.gateways[:0]
	for _, gw := range a.reg.gateways {
		gw.mu.Lock()
		if gw.delme {
			endpoints := gw.endpoints
			gw.endpoints = nil
			gw.mu.Unlock()
			for _, ep := range endpoints {
				a.teardown(ep)
			}
			gw.queue.Close()
			a.log.WithField("gateway", gw.name).Info("gateway removed")
			continue
		}
		live := gw.endpoints[:0]
		for _, ep := range gw.endpoints {
			ep.lock()
			gone := ep.delme
			ep.unlock()
			if gone {
				a.teardown(ep)
				a.log.WithField("endpoint", ep.fullName()).Info("endpoint removed")
				continue
			}
			live = append(live, ep)
		}
		gw.endpoints = live
		gw.mu.Unlock()
		kept = append(kept, gw)
	}
	a.reg.gateways = kept
	return added
}

// teardown освобождает конечную точку: DLCX для открытых соединений,
// отбой каналов хоста, очистка очередей.
func (a *Agent) teardown(ep *endpoint) {
	ep.lock()
	defer ep.unlock()

	ep.removed = true
	ep.dumpCommands()
	ep.gw.queue.Dump(ep.name)
	for _, sub := range ep.subs {
		sub.stopCollector()
		if sub.cxident != "" {
			a.transmitDelete(ep, sub)
			sub.cxident = ""
		}
		if !sub.owner.IsZero() {
			a.pbx.QueueHangup(sub.owner)
			a.forgetOwner(sub.owner)
			sub.owner = host.Handle{}
		}
		ep.closeMedia(sub)
	}
}

// auditPending шлет AUEP конечным точкам, ждущим аудита, если адрес
// их шлюза уже известен
func (a *Agent) auditPending(endpoints []*endpoint) {
	for _, ep := range endpoints {
		if ep.gw.address() == nil {
			continue
		}
		ep.lock()
		if ep.needaudit && !ep.removed {
			ep.needaudit = false
			a.transmitAudit(ep)
			a.log.WithField("endpoint", ep.fullName()).Debug("auditing endpoint for hookstate")
		}
		ep.unlock()
	}
}

// register обновляет адрес динамического шлюза по источнику сообщения
func (a *Agent) register(gw *gateway, from *net.UDPAddr) {
	gw.mu.Lock()
	dynamic := gw.dynamic
	gw.mu.Unlock()
	if !dynamic || from == nil {
		return
	}
	if !gw.setAddress(from) {
		return
	}
	a.log.WithFields(logrus.Fields{
		"gateway": gw.name,
		"addr":    from.String(),
	}).Info("registered MGCP gateway")
	a.auditPending(gw.endpointList())
}
