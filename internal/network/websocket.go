package network

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{"ClassiCube"},
	CheckOrigin: func(r *http.Request) bool {
		return true // браузерные клиенты открываются с чужих доменов
	},
}

// wsConn представляет WebSocket как net.Conn: каждая запись уходит
// бинарным сообщением, чтение склеивает сообщения в поток
type wsConn struct {
	ws     *websocket.Conn
	remote net.Addr

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn, remote net.Addr) *wsConn {
	if remote == nil {
		remote = ws.RemoteAddr()
	}
	return &wsConn{ws: ws, remote: remote}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.remote }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// WebSocketHandler поднимает соединение до WebSocket и обслуживает его
// как обычную сессию Classic
func (srv *Server) WebSocketHandler(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			srv.logger.Warn("Не удалось поднять WebSocket с %s: %v", r.RemoteAddr, err)
			return
		}
		var remote net.Addr
		if addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
			remote = addr
		}
		srv.ServeConn(ctx, newWSConn(ws, remote))
	}
}

// DialWebSocket подключается к WebSocket-точке сервера как клиент Classic
func DialWebSocket(ctx context.Context, url string) (net.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{"ClassiCube"},
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws, nil), nil
}
