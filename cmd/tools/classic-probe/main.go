package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/annel0/classic-server/internal/network"
	"github.com/annel0/classic-server/internal/protocol"
)

func main() {
	var (
		addr      = flag.String("addr", "localhost:25565", "Адрес сервера (host:port или ws://host:port/ws)")
		transport = flag.String("transport", "tcp", "Транспорт: tcp, kcp, ws")
		name      = flag.String("name", "probe", "Имя игрока")
		key       = flag.String("key", "", "Ключ проверки (mppass)")
		useCPE    = flag.Bool("cpe", true, "Согласовывать расширения CPE")
		say       = flag.String("say", "", "Сообщение в чат после входа")
		wait      = flag.Duration("wait", 0, "Сколько слушать сервер после входа")
		timeout   = flag.Duration("timeout", 10*time.Second, "Таймаут чтения")
		dump      = flag.Bool("dump", false, "Печатать hex-дамп первых кадров")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	conn, err := dial(ctx, *transport, *addr)
	cancel()
	if err != nil {
		log.Fatalf("❌ Ошибка подключения: %v", err)
	}
	defer conn.Close()
	fmt.Printf("✅ Подключен к %s (%s)\n", *addr, *transport)

	p := newProber(conn, os.Stdout, probeOptions{
		Name:    *name,
		Key:     *key,
		CPE:     *useCPE,
		Say:     *say,
		Wait:    *wait,
		Timeout: *timeout,
		Dump:    *dump,
	})
	rep, err := p.Run()
	if rep != nil {
		rep.Print(os.Stdout)
	}
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
}

// dial открывает соединение выбранным транспортом
func dial(ctx context.Context, transport, addr string) (net.Conn, error) {
	switch strings.ToLower(transport) {
	case "tcp":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	case "kcp":
		return network.DialKCP(addr)
	case "ws", "websocket":
		if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
			addr = "ws://" + addr + "/ws"
		}
		return network.DialWebSocket(ctx, addr)
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// userType описывает поле типа пользователя
func userType(t byte) string {
	if t == protocol.UserTypeOp {
		return "operator"
	}
	return "normal"
}
