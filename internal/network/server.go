package network

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/classic-server/internal/auth"
	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/eventbus"
	"github.com/annel0/classic-server/internal/logging"
	"github.com/annel0/classic-server/internal/storage"
	"github.com/annel0/classic-server/internal/vec"
	"github.com/annel0/classic-server/internal/world"
)

// Ошибки регистрации игрока на сервере
var (
	ErrNameInUse  = errors.New("network: username already connected")
	ErrServerFull = errors.New("network: server is full")
)

// NameVerifier проверяет ключ подтверждения имени из PlayerIdentification
type NameVerifier interface {
	Verify(username, key string) bool
}

type allowAll struct{}

func (allowAll) Verify(string, string) bool { return true }

// CommandFunc выполняет строку команды игрока (вместе с '/').
// Возвращённая *DisconnectError отключает игрока.
type CommandFunc func(ctx context.Context, s *Session, line string) error

// Options внешние зависимости сервера. Нулевые поля отключают соответствующую функцию.
type Options struct {
	Permissions auth.PermissionStore
	Positions   storage.PositionRepo
	Verifier    NameVerifier
	Events      *eventbus.Publisher
	Metrics     *Metrics
}

// PlayerInfo снимок состояния игрока для команд и REST API
type PlayerInfo struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	World       string        `json:"world"`
	PlayerID    int8          `json:"player_id"`
	Op          bool          `json:"op"`
	Client      string        `json:"client,omitempty"`
	Extensions  []string      `json:"extensions,omitempty"`
	Address     string        `json:"address"`
	Location    vec.Location  `json:"location"`
	RTT         time.Duration `json:"rtt"`
	ConnectedAt time.Time     `json:"connected_at"`
}

// Server принимает соединения Classic и ведёт реестр игроков
type Server struct {
	cfg       config.ServerConfig
	chat      config.ChatConfig
	worlds    *world.Manager
	hub       *Hub
	perms     auth.PermissionStore
	positions storage.PositionRepo
	verifier  NameVerifier
	events    *eventbus.Publisher
	metrics   *Metrics
	logger    *logging.Logger

	commands CommandFunc
	shutdown func()

	mu        sync.RWMutex
	conns     map[string]*Session
	byName    map[string]*Session
	listeners []net.Listener

	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewServer создаёт сервер поверх менеджера миров. Hub должен быть
// подписан на события миров этого менеджера.
func NewServer(cfg *config.Config, worlds *world.Manager, hub *Hub, opts Options) *Server {
	chat, defaults := cfg.Chat, config.Default().Chat
	if chat.MessageFormat == "" {
		chat.MessageFormat = defaults.MessageFormat
	}
	if chat.JoinFormat == "" {
		chat.JoinFormat = defaults.JoinFormat
	}
	if chat.LeaveFormat == "" {
		chat.LeaveFormat = defaults.LeaveFormat
	}

	srv := &Server{
		cfg:       cfg.Server,
		chat:      chat,
		worlds:    worlds,
		hub:       hub,
		perms:     opts.Permissions,
		positions: opts.Positions,
		verifier:  opts.Verifier,
		events:    opts.Events,
		metrics:   opts.Metrics,
		logger:    logging.GetNetworkLogger(),
		conns:     make(map[string]*Session),
		byName:    make(map[string]*Session),
	}
	if srv.verifier == nil {
		srv.verifier = allowAll{}
	}
	if srv.metrics == nil {
		srv.metrics = NewMetrics(nil)
	}
	return srv
}

// SetCommandHandler задаёт обработчик строк, начинающихся с '/'
func (srv *Server) SetCommandHandler(fn CommandFunc) {
	srv.commands = fn
}

// SetShutdownHandler задаёт функцию остановки процесса для команды /stop
func (srv *Server) SetShutdownHandler(fn func()) {
	srv.shutdown = fn
}

// Worlds возвращает менеджер миров
func (srv *Server) Worlds() *world.Manager {
	return srv.worlds
}

// Hub возвращает рассыльщик событий
func (srv *Server) Hub() *Hub {
	return srv.hub
}

// Serve принимает соединения с l до его закрытия
func (srv *Server) Serve(ctx context.Context, l net.Listener) error {
	srv.mu.Lock()
	srv.listeners = append(srv.listeners, l)
	srv.mu.Unlock()

	srv.logger.Info("Сервер %q принимает соединения на %s", srv.cfg.Name, l.Addr())

	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if srv.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				srv.logger.Warn("Ошибка accept: %v; повтор через %v", err, delay)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		srv.ServeConn(ctx, conn)
	}
}

// ServeConn запускает сессию для уже установленного соединения
func (srv *Server) ServeConn(ctx context.Context, conn net.Conn) {
	srv.metrics.connections.Inc()

	if srv.closing.Load() {
		conn.Close()
		return
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	if srv.cfg.IsIPBanned(host) {
		srv.metrics.reject("banned_ip")
		srv.logger.Info("Соединение с заблокированного адреса %s отклонено", host)
		conn.Close()
		return
	}

	s := newSession(srv, conn)
	srv.mu.Lock()
	srv.conns[s.id] = s
	srv.mu.Unlock()

	srv.logger.Debug("Новое соединение %s (%s)", s.addr, s.id)

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		s.run(ctx)
	}()
}

// claim регистрирует имя игрока; проверка уникальности без учёта регистра
func (srv *Server) claim(s *Session) error {
	key := strings.ToLower(s.name)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if _, ok := srv.byName[key]; ok {
		return ErrNameInUse
	}
	if srv.cfg.MaxPlayers > 0 && len(srv.byName) >= srv.cfg.MaxPlayers {
		return ErrServerFull
	}
	srv.byName[key] = s
	srv.hub.attach(s)
	return nil
}

// release убирает сессию из реестров сервера и рассыльщика
func (srv *Server) release(s *Session) {
	srv.mu.Lock()
	delete(srv.conns, s.id)
	if s.name != "" {
		key := strings.ToLower(s.name)
		if srv.byName[key] == s {
			delete(srv.byName, key)
		}
	}
	srv.mu.Unlock()
	srv.hub.detach(s)
}

// Run рассылает Ping всем игрокам раз в PingInterval до отмены ctx
func (srv *Server) Run(ctx context.Context) {
	interval := srv.cfg.PingInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range srv.sessions() {
				if s.Phase() == PhaseSpawned {
					s.ping()
				}
			}
		}
	}
}

// Stop закрывает слушателей, отключает всех и ждёт завершения сессий
func (srv *Server) Stop(ctx context.Context) error {
	if !srv.closing.CompareAndSwap(false, true) {
		return nil
	}

	srv.mu.Lock()
	listeners := srv.listeners
	srv.listeners = nil
	conns := make([]*Session, 0, len(srv.conns))
	for _, s := range srv.conns {
		conns = append(conns, s)
	}
	srv.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, s := range conns {
		s.Kick("Server shutting down")
	}

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		srv.logger.Info("Все сессии завершены")
		return nil
	case <-ctx.Done():
		for _, s := range conns {
			s.conn.Close()
		}
		return ctx.Err()
	}
}

// sessions возвращает все открытые соединения
func (srv *Server) sessions() []*Session {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	out := make([]*Session, 0, len(srv.conns))
	for _, s := range srv.conns {
		out = append(out, s)
	}
	return out
}

// Find ищет игрока по имени без учёта регистра
func (srv *Server) Find(name string) (*Session, bool) {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	s, ok := srv.byName[strings.ToLower(name)]
	return s, ok
}

// PlayerCount возвращает число игроков на сервере
func (srv *Server) PlayerCount() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.byName)
}

// Players возвращает снимок игроков, отсортированный по имени
func (srv *Server) Players() []PlayerInfo {
	srv.mu.RLock()
	list := make([]*Session, 0, len(srv.byName))
	for _, s := range srv.byName {
		list = append(list, s)
	}
	srv.mu.RUnlock()

	out := make([]PlayerInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Info возвращает снимок состояния игрока
func (s *Session) Info() PlayerInfo {
	info := PlayerInfo{
		ID:          s.id,
		Name:        s.name,
		Op:          s.IsOp(),
		Client:      s.client,
		Address:     s.addr,
		RTT:         s.RTT(),
		ConnectedAt: s.connectedAt,
	}
	for _, ext := range s.caps.Extensions() {
		info.Extensions = append(info.Extensions, ext.Name)
	}
	s.mu.RLock()
	if s.world != nil {
		info.World = s.world.Name()
	}
	info.PlayerID = s.playerID
	info.Location = s.location
	s.mu.RUnlock()
	return info
}

// Kick отключает игрока по имени
func (srv *Server) Kick(name, reason string) bool {
	s, ok := srv.Find(name)
	if !ok {
		return false
	}
	s.Kick(reason)
	return true
}

// Message отправляет личное сообщение игроку
func (srv *Server) Message(name, text string) bool {
	s, ok := srv.Find(name)
	if !ok {
		return false
	}
	s.SendMessage(text)
	return true
}

// SetOperator обновляет статус оператора у игрока онлайн
func (srv *Server) SetOperator(name string, op bool) bool {
	s, ok := srv.Find(name)
	if !ok {
		return false
	}
	s.SetOp(op)
	return true
}

// Locate возвращает имя мира, в котором находится игрок
func (srv *Server) Locate(name string) (string, bool) {
	s, ok := srv.Find(name)
	if !ok {
		return "", false
	}
	w := s.World()
	if w == nil {
		return "", false
	}
	return w.Name(), true
}

// Broadcast отправляет сообщение всем игрокам
func (srv *Server) Broadcast(text string) {
	srv.hub.Broadcast(text)
}

// Shutdown вызывает обработчик остановки процесса
func (srv *Server) Shutdown() {
	if srv.shutdown != nil {
		srv.shutdown()
	}
}

func (srv *Server) playerJoined(ctx context.Context, s *Session) {
	srv.metrics.sessions.Inc()
	srv.hub.Broadcast(FormatTemplate(srv.chat.JoinFormat, s.name, ""))

	worldName := ""
	if w := s.World(); w != nil {
		worldName = w.Name()
	}
	srv.events.Emit(ctx, eventbus.TypePlayerJoined, worldName, eventbus.PlayerEvent{
		Username: s.name, Address: s.addr, Client: s.client,
	})
	srv.logger.Info("%s вошёл на сервер (%s, %s)", s.name, s.addr, s.client)
}

func (srv *Server) playerLeft(ctx context.Context, s *Session, reason string) {
	srv.metrics.sessions.Dec()
	srv.hub.Broadcast(FormatTemplate(srv.chat.LeaveFormat, s.name, ""))
	srv.events.Emit(ctx, eventbus.TypePlayerLeft, "", eventbus.PlayerEvent{
		Username: s.name, Address: s.addr, Reason: reason,
	})
}

func (srv *Server) chatFrom(ctx context.Context, s *Session, text string) {
	srv.metrics.chatMessages.Inc()
	srv.hub.Broadcast(FormatTemplate(srv.chat.MessageFormat, s.name, text))

	worldName := ""
	if w := s.World(); w != nil {
		worldName = w.Name()
	}
	srv.events.Emit(ctx, eventbus.TypeChat, worldName, eventbus.ChatEvent{Username: s.name, Message: text})
	logging.GetComponentLogger("chat").Info("<%s> %s", s.name, text)
}

func (srv *Server) runCommand(ctx context.Context, s *Session, line string) error {
	if srv.commands == nil {
		s.SendMessage(ErrorPrefix + "Commands are disabled")
		return nil
	}
	return srv.commands(ctx, s, line)
}
