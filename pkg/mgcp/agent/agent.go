// Package agent implements the MGCP call agent: the gateway registry, the
// endpoint and subchannel state machine driven by gateway notifications, and
// the channel technology the PBX uses to place and control calls on MGCP
// endpoints.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/mgcp_agent/pkg/config"
	"github.com/arzzra/mgcp_agent/pkg/host"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/transaction"
	"github.com/arzzra/mgcp_agent/pkg/mgcp/transport"
)

// TechType имя технологии каналов, под которым агент регистрируется в PBX
const TechType = "MGCP"

// Observer счетчики агента. metrics.Collector реализует этот интерфейс.
type Observer interface {
	transaction.Observer
	Response(code int)
	RequestReceived(verb string)
	Duplicate()
	Unmatched()
	Malformed()
	AuditOrphan()
	HookTransition(to string)
	ConnectionOpened()
	ConnectionClosed()
}

type nopObserver struct{}

func (nopObserver) Sent(string)           {}
func (nopObserver) Retransmitted(string)  {}
func (nopObserver) TimedOut(string)       {}
func (nopObserver) Response(int)          {}
func (nopObserver) RequestReceived(string) {}
func (nopObserver) Duplicate()            {}
func (nopObserver) Unmatched()            {}
func (nopObserver) Malformed()            {}
func (nopObserver) AuditOrphan()          {}
func (nopObserver) HookTransition(string) {}
func (nopObserver) ConnectionOpened()     {}
func (nopObserver) ConnectionClosed()     {}

// Conn отправка датаграмм шлюзам
type Conn interface {
	Send(data []byte, addr *net.UDPAddr) error
}

// Option настройка агента
type Option func(*Agent)

// WithConn подменяет UDP транспорт (тесты, внешний сокет)
func WithConn(c Conn) Option {
	return func(a *Agent) { a.conn = c }
}

// WithLogger задает логгер
func WithLogger(log *logrus.Entry) Option {
	return func(a *Agent) {
		if log != nil {
			a.log = log
		}
	}
}

// WithObserver подключает метрики
func WithObserver(o Observer) Option {
	return func(a *Agent) {
		if o != nil {
			a.obs = o
		}
	}
}

// WithClock задает источник времени для очередей транзакций и кэша ответов
func WithClock(clock func() time.Time) Option {
	return func(a *Agent) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithCapture пишет весь MGCP трафик в pcap
func WithCapture(w *transport.PcapWriter) Option {
	return func(a *Agent) { a.capture = w }
}

// WithSequence задает первый идентификатор транзакции
func WithSequence(start uint32) Option {
	return func(a *Agent) { a.seq = transaction.NewSequence(start) }
}

type ownerRef struct {
	ep  *endpoint
	sub int
}

// Agent MGCP call agent
type Agent struct {
	log     *logrus.Entry
	pbx     host.PBX
	obs     Observer
	clock   func() time.Time
	conn    Conn
	udp     *transport.UDPTransport
	capture *transport.PcapWriter
	seq     *transaction.Sequence
	reg     *Registry

	settingsMu sync.RWMutex
	general    config.General

	debug atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	tasks     sync.WaitGroup
	closeOnce sync.Once
	pending   []*endpoint

	ownersMu sync.Mutex
	owners   map[host.Handle]ownerRef
}

// New строит реестр из конфигурации. Сеть не трогается до Start.
func New(cfg *config.Config, pbx host.PBX, opts ...Option) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("agent: nil config")
	}
	if pbx == nil {
		return nil, errors.New("agent: nil pbx")
	}

	a := &Agent{
		log:     logrus.NewEntry(logrus.StandardLogger()).WithField("component", "agent"),
		pbx:     pbx,
		obs:     nopObserver{},
		clock:   time.Now,
		reg:     &Registry{},
		general: cfg.General,
		owners:  make(map[host.Handle]ownerRef),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.seq == nil {
		a.seq = transaction.NewSequence(0)
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.pending = a.apply(cfg)
	return a, nil
}

// Start открывает UDP сокет (если транспорт не подменен) и рассылает AUEP
// конечным точкам с известным адресом шлюза.
func (a *Agent) Start(ctx context.Context) error {
	if a.conn == nil {
		gen := a.settings()
		opts := []transport.Option{
			transport.WithLogger(a.log.WithField("component", "transport")),
			transport.WithTOS(gen.TOS),
		}
		if a.capture != nil {
			opts = append(opts, transport.WithCapture(a.capture))
		}
		t := transport.NewUDPTransport(a.HandleDatagram, opts...)
		a.udp = t
		a.conn = t
		if err := t.Listen(ctx, gen.BindAddr); err != nil {
			a.udp, a.conn = nil, nil
			return fmt.Errorf("listen %s: %w", gen.BindAddr, err)
		}
		a.log.WithField("addr", t.LocalAddr().String()).Info("MGCP listening")
	}

	pending := a.pending
	a.pending = nil
	a.auditPending(pending)
	return nil
}

// Run запускает агента и работает до отмены ctx
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-a.ctx.Done():
	}
	return a.Close()
}

// Close освобождает все конечные точки (DLCX для открытых соединений)
// и закрывает транспорт. Повторный вызов ничего не делает.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.cancel()
		a.reg.mu.Lock()
		gateways := a.reg.gateways
		a.reg.gateways = nil
		a.reg.mu.Unlock()

		for _, gw := range gateways {
			for _, ep := range gw.endpointList() {
				a.teardown(ep)
			}
			gw.queue.Close()
		}
		a.tasks.Wait()
		if a.udp != nil {
			err = a.udp.Close()
		}
	})
	return err
}

// SetDebug включает запись каждой датаграммы в лог
func (a *Agent) SetDebug(on bool) {
	a.debug.Store(on)
	a.log.WithField("debug", on).Info("MGCP debugging")
}

// Reload применяет новую конфигурацию, не разрывая идущие вызовы на
// сохранившихся конечных точках
func (a *Agent) Reload(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("agent: nil config")
	}
	if a.ctx.Err() != nil {
		return ErrClosed
	}
	a.settingsMu.Lock()
	a.general = cfg.General
	a.settingsMu.Unlock()

	added := a.apply(cfg)
	a.auditPending(added)
	a.log.WithField("new_endpoints", len(added)).Info("configuration reloaded")
	return nil
}

func (a *Agent) settings() config.General {
	a.settingsMu.RLock()
	defer a.settingsMu.RUnlock()
	return a.general
}

// sendTo передает датаграмму на текущий адрес шлюза
func (a *Agent) sendTo(gw *gateway, data []byte) error {
	addr := gw.address()
	if addr == nil {
		return ErrNoGatewayAddress
	}
	return a.write(data, addr)
}

func (a *Agent) write(data []byte, addr *net.UDPAddr) error {
	if a.conn == nil {
		return ErrClosed
	}
	if a.debug.Load() {
		a.log.Debugf("MGCP -> %s\n%s", addr, data)
	}
	return a.conn.Send(data, addr)
}

// bindOwner связывает канал хоста с подканалом
func (a *Agent) bindOwner(h host.Handle, ep *endpoint, sub *subchannel) {
	a.ownersMu.Lock()
	a.owners[h] = ownerRef{ep: ep, sub: sub.id}
	a.ownersMu.Unlock()
	sub.owner = h
}

func (a *Agent) forgetOwner(h host.Handle) {
	a.ownersMu.Lock()
	delete(a.owners, h)
	a.ownersMu.Unlock()
}

// lockOwner находит подканал канала хоста и берет блокировку его конечной
// точки. Устаревший handle дает ErrStaleHandle.
func (a *Agent) lockOwner(h host.Handle) (*endpoint, *subchannel, error) {
	a.ownersMu.Lock()
	ref, ok := a.owners[h]
	a.ownersMu.Unlock()
	if !ok {
		return nil, nil, ErrStaleHandle
	}

	ep := ref.ep
	ep.lock()
	sub := ep.subs[ref.sub]
	if ep.removed || sub.owner != h {
		ep.unlock()
		return nil, nil, ErrStaleHandle
	}
	return ep, sub, nil
}

// goTask запускает горутину вызова, которую Close дождется
func (a *Agent) goTask(fn func()) {
	if a.ctx.Err() != nil {
		return
	}
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		fn()
	}()
}
