package network

import (
	"fmt"
	"net"

	"github.com/xtaci/kcp-go/v5"

	"github.com/annel0/classic-server/internal/config"
)

// Поддерживаемые транспорты
const (
	TransportTCP = "tcp"
	TransportKCP = "kcp"
)

// Listen открывает слушатель игрового порта для выбранного транспорта.
// KCP даёт тот же байтовый поток поверх UDP для клиентов-прокси.
func Listen(cfg config.ServerConfig) (net.Listener, error) {
	addr := fmt.Sprintf(":%d", cfg.GetTCPPort())
	switch cfg.Transport {
	case "", TransportTCP:
		return net.Listen("tcp", addr)
	case TransportKCP:
		l, err := kcp.ListenWithOptions(addr, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		return &kcpListener{l}, nil
	default:
		return nil, fmt.Errorf("network: unknown transport %q", cfg.Transport)
	}
}

// kcpListener настраивает каждую принятую KCP-сессию на потоковый режим
type kcpListener struct {
	*kcp.Listener
}

func (l *kcpListener) Accept() (net.Conn, error) {
	conn, err := l.AcceptKCP()
	if err != nil {
		return nil, err
	}
	tuneKCP(conn)
	return conn, nil
}

// tuneKCP включает потоковый режим и низкие задержки
func tuneKCP(conn *kcp.UDPSession) {
	conn.SetStreamMode(true)
	conn.SetWriteDelay(false)
	conn.SetNoDelay(1, 20, 2, 1)
	conn.SetWindowSize(512, 512)
	conn.SetMtu(1400)
}

// DialKCP подключается к серверу по KCP (пробник)
func DialKCP(addr string) (net.Conn, error) {
	conn, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	tuneKCP(conn)
	return conn, nil
}
