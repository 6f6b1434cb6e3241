package agent

import (
	"errors"

	"github.com/arzzra/mgcp_agent/pkg/host"
)

var (
	// ErrUnknownEndpoint имя не найдено ни на одном шлюзе
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	// ErrUnknownGateway домен не совпадает ни с одним шлюзом
	ErrUnknownGateway = errors.New("unknown gateway")
	// ErrNoGatewayAddress динамический шлюз еще не зарегистрировался
	ErrNoGatewayAddress = errors.New("gateway address not known yet")
	// ErrBusy обе линии заняты, call waiting выключен или включен DND
	ErrBusy = host.ErrBusy
	// ErrStaleHandle канал хоста уже не владеет подканалом
	ErrStaleHandle = host.ErrStaleHandle
	// ErrNotIdle вызов на канал, который уже не в состоянии Down
	ErrNotIdle = errors.New("channel is not idle")
	// ErrTrunkDial исходящий вызов на транк
	ErrTrunkDial = errors.New("dialing out on trunks is not supported")
	// ErrUnsupportedControl индикация, которую шлюз не умеет показать
	ErrUnsupportedControl = errors.New("unsupported indication")
	// ErrClosed агент остановлен
	ErrClosed = errors.New("agent closed")
)
