package agent

import (
	"fmt"
	"sort"

	"github.com/arzzra/mgcp_agent/pkg/mgcp/message"
)

// SubchannelInfo состояние одной ноги конечной точки
type SubchannelInfo struct {
	ID       int
	CallID   string
	CxIdent  string
	Mode     string
	Owned    bool
	Outgoing bool
	Media    string
	// InFlight глагол команды соединения, ждущей ответа шлюза
	InFlight string
}

// EndpointInfo снимок конечной точки для "show endpoints"
type EndpointInfo struct {
	Name        string
	Gateway     string
	GatewayAddr string
	Dynamic     bool
	Type        string
	Context     string
	Hook        string
	Active      int
	CallWaiting bool
	DND         bool
	Subs        [2]SubchannelInfo
	// Outstanding неподтвержденные транзакции конечной точки
	Outstanding []message.TransactionID
}

// Endpoints снимок всех конечных точек, по шлюзам и именам
func (a *Agent) Endpoints() []EndpointInfo {
	var out []EndpointInfo
	for _, gw := range a.reg.list() {
		gw.mu.Lock()
		dynamic := gw.dynamic
		gw.mu.Unlock()
		addr := ""
		if ga := gw.address(); ga != nil {
			addr = ga.String()
		}

		outstanding := make(map[string][]message.TransactionID)
		for _, msg := range gw.queue.Pending() {
			outstanding[msg.Endpoint] = append(outstanding[msg.Endpoint], msg.ID)
		}

		for _, ep := range gw.endpointList() {
			ep.lock()
			info := EndpointInfo{
				Name:        ep.name,
				Gateway:     gw.name,
				GatewayAddr: addr,
				Dynamic:     dynamic,
				Type:        ep.cfg.Type.String(),
				Context:     ep.cfg.Context,
				Hook:        ep.hook.String(),
				Active:      ep.active,
				CallWaiting: ep.callwaiting,
				DND:         ep.dnd,
				Outstanding: outstanding[ep.name],
			}
			for i, sub := range ep.subs {
				si := SubchannelInfo{
					ID:       sub.id,
					CallID:   sub.callid,
					CxIdent:  sub.cxident,
					Mode:     sub.mode.String(),
					Owned:    !sub.owner.IsZero(),
					Outgoing: sub.outgoing,
				}
				if sub.media != nil {
					si.Media = sub.media.LocalAddr().String()
				}
				if head := sub.cx.Head(); head != nil {
					si.InFlight = head.Verb
				}
				info.Subs[i] = si
			}
			removed := ep.removed
			ep.unlock()
			if !removed {
				out = append(out, info)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Gateway != out[j].Gateway {
			return out[i].Gateway < out[j].Gateway
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// AuditEndpoint шлет AUEP конечной точке local@gateway
func (a *Agent) AuditEndpoint(name string) error {
	gw, ep, err := a.reg.endpoint(name)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if gw.address() == nil {
		return fmt.Errorf("%s: %w", name, ErrNoGatewayAddress)
	}
	ep.lock()
	defer ep.unlock()
	if ep.removed {
		return fmt.Errorf("%s: %w", name, ErrUnknownEndpoint)
	}
	ep.needaudit = false
	a.transmitAudit(ep)
	return nil
}
