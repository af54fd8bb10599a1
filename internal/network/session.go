package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/annel0/classic-server/internal/cpe"
	"github.com/annel0/classic-server/internal/eventbus"
	"github.com/annel0/classic-server/internal/logging"
	"github.com/annel0/classic-server/internal/protocol"
	"github.com/annel0/classic-server/internal/storage"
	"github.com/annel0/classic-server/internal/vec"
	"github.com/annel0/classic-server/internal/world"
	"github.com/annel0/classic-server/internal/world/block"
)

// Software имя сервера в ExtInfo
const Software = "classic-server"

// storeTimeout ограничивает обращения к хранилищам из горутины чтения
const storeTimeout = 3 * time.Second

// DisconnectError ошибка обработки пакета, после которой сессия
// отключается с причиной Reason
type DisconnectError struct {
	Reason string
	Err    error
}

func (e *DisconnectError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}

func disconnect(reason string, err error) error {
	return &DisconnectError{Reason: reason, Err: err}
}

// Session соединение одного клиента. Состояние протокола принадлежит
// горутине чтения; остальные горутины видят только атомарные поля и
// поля под mu.
type Session struct {
	id          string
	conn        net.Conn
	addr        string
	server      *Server
	out         *outbox
	decoder     *protocol.Decoder
	negotiator  *cpe.Negotiator
	logger      *logging.Logger
	connectedAt time.Time

	phase   atomic.Int32
	op      atomic.Bool
	spawned atomic.Bool

	// Заполняются горутиной чтения до регистрации на сервере и дальше не меняются
	name           string
	key            string
	client         string
	caps           cpe.CapabilitySet
	layout         protocol.Layout
	blockLevelSent bool

	mu       sync.RWMutex
	world    *world.World
	playerID int8
	location vec.Location
	held     block.BlockID

	chat strings.Builder

	pingMu   sync.Mutex
	pingData uint16
	pingSent time.Time
	rtt      atomic.Int64

	closeOnce sync.Once
	reason    string
}

func newSession(srv *Server, conn net.Conn) *Session {
	s := &Session{
		id:          uuid.NewString(),
		conn:        conn,
		addr:        conn.RemoteAddr().String(),
		server:      srv,
		negotiator:  cpe.NewNegotiator(cpe.ServerExtensions()),
		logger:      srv.logger,
		connectedAt: time.Now(),
		caps:        cpe.Empty(),
		layout:      protocol.BaseLayout,
	}
	s.out = newOutbox(conn, srv.cfg.SendQueue, srv.cfg.PacketTimeout, srv.metrics)
	s.out.onOverflow = func() { s.close("send queue overflow", false) }
	s.decoder = protocol.NewDecoder(conn, protocol.NewServerCodec(protocol.BaseLayout))
	return s
}

// ID возвращает идентификатор сессии
func (s *Session) ID() string { return s.id }

// Name возвращает имя игрока
func (s *Session) Name() string { return s.name }

// Address возвращает адрес клиента
func (s *Session) Address() string { return s.addr }

// ClientName возвращает имя клиентского приложения из ExtInfo
func (s *Session) ClientName() string { return s.client }

// Capabilities возвращает согласованные расширения
func (s *Session) Capabilities() cpe.CapabilitySet { return s.caps }

// Layout возвращает форму пакетов соединения
func (s *Session) Layout() protocol.Layout { return s.layout }

// Phase возвращает текущую фазу протокола
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Session) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

// IsOp сообщает, является ли игрок оператором
func (s *Session) IsOp() bool { return s.op.Load() }

// RTT возвращает последнее измеренное время ответа на TwoWayPing
func (s *Session) RTT() time.Duration { return time.Duration(s.rtt.Load()) }

// ConnectedAt время подключения
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// World возвращает мир, в котором находится игрок
func (s *Session) World() *world.World {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.world
}

// Location возвращает последнюю позицию игрока
func (s *Session) Location() vec.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.location
}

// PlayerID возвращает ID игрока в текущем мире
func (s *Session) PlayerID() int8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playerID
}

// HeldBlock возвращает блок в руке (для клиентов с HeldBlock)
func (s *Session) HeldBlock() block.BlockID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.held
}

// SendMessage отправляет игроку сообщение чата
func (s *Session) SendMessage(text string) {
	frame, err := encodeMessage(text, s.layout)
	if err != nil {
		s.logger.Error("Сообщение для %s не закодировано: %v", s.name, err)
		return
	}
	s.out.Send(frame)
}

// Kick отключает игрока с причиной
func (s *Session) Kick(reason string) {
	s.close(reason, true)
}

// SetOp меняет статус оператора и сообщает его клиенту
func (s *Session) SetOp(op bool) {
	s.op.Store(op)
	s.sendPacket(protocol.UpdateUserType{Type: userType(op)})
}

func userType(op bool) byte {
	if op {
		return protocol.UserTypeOp
	}
	return protocol.UserTypeNormal
}

// sendPacket кодирует пакет в форме соединения и ставит в очередь без блокировки
func (s *Session) sendPacket(p protocol.Packet) bool {
	frame, err := protocol.Encode(protocol.Clientbound, s.layout, p)
	if err != nil {
		s.logger.Error("Пакет %T для %s не закодирован: %v", p, s.addr, err)
		return false
	}
	return s.out.Send(frame)
}

// writePacket ставит пакет в очередь с ожиданием места (горутина чтения)
func (s *Session) writePacket(p protocol.Packet) error {
	frame, err := protocol.Encode(protocol.Clientbound, s.layout, p)
	if err != nil {
		return err
	}
	return s.out.Write(frame)
}

// close переводит сессию в Disconnected. Непустая причина отправляется
// клиентом пакетом Disconnect; при flush очередь сначала дописывается.
func (s *Session) close(reason string, flush bool) {
	s.closeOnce.Do(func() {
		s.reason = reason
		s.setPhase(PhaseDisconnected)
		var final []byte
		if reason != "" {
			// Причина всегда ASCII, форма пакета не важна
			final, _ = protocol.Encode(protocol.Clientbound, protocol.BaseLayout, protocol.Disconnect{Reason: reason})
		}
		s.out.Close(final, flush)
	})
}

// run обслуживает соединение до отключения
func (s *Session) run(ctx context.Context) {
	s.out.start()
	defer s.cleanup()

	for s.Phase() != PhaseDisconnected {
		s.setReadDeadline()
		p, err := s.decoder.Next()
		if err != nil {
			s.readFailed(err)
			return
		}
		s.server.metrics.packet(p.Opcode())

		phase := s.Phase()
		if phase == PhaseDisconnected {
			return
		}
		if !Allows(phase, p.Opcode()) {
			s.server.metrics.protocolErrors.Inc()
			s.logger.Warn("Пакет %s в фазе %s от %s", p.Opcode(), phase, s.addr)
			s.close("Unexpected packet", true)
			return
		}

		if err := s.handle(ctx, p); err != nil {
			var de *DisconnectError
			if errors.As(err, &de) {
				if de.Err != nil {
					s.logger.Info("Отключение %s (%s): %v", s.label(), de.Reason, de.Err)
				}
				s.close(de.Reason, true)
			} else {
				s.logger.Error("Ошибка обработки пакета %s от %s: %v", p.Opcode(), s.label(), err)
				s.close("Internal server error", true)
			}
			return
		}
	}
}

func (s *Session) setReadDeadline() {
	cfg := s.server.cfg
	switch {
	case s.Phase() < PhaseSpawned && cfg.PacketTimeout > 0:
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PacketTimeout))
	case cfg.IdleTimeout > 0:
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	default:
		_ = s.conn.SetReadDeadline(time.Time{})
	}
}

func (s *Session) readFailed(err error) {
	var ne net.Error
	switch {
	case errors.Is(err, protocol.ErrUnknownOpcode), errors.Is(err, protocol.ErrInvalidField):
		s.server.metrics.protocolErrors.Inc()
		logging.LogProtocolError(s.logger, s.addr, err, s.decoder.Buffered())
		s.close("Invalid packet", true)
	case errors.As(err, &ne) && ne.Timeout() && s.Phase() != PhaseDisconnected:
		s.close("Timed out", true)
	default:
		s.logger.Debug("Соединение %s прервано: %v", s.label(), err)
		s.close("", false)
	}
}

// label возвращает имя игрока или адрес до идентификации
func (s *Session) label() string {
	if s.name != "" {
		return s.name
	}
	return s.addr
}

func (s *Session) handle(ctx context.Context, p protocol.Packet) error {
	switch p := p.(type) {
	case protocol.PlayerIdentification:
		return s.handleIdentification(ctx, p)
	case protocol.ExtInfo:
		_, err := s.negotiator.HandleInfo(p.AppName, int(p.Count))
		return s.negotiationStep(ctx, err)
	case protocol.ExtEntry:
		_, err := s.negotiator.HandleEntry(cpe.Extension{Name: p.Name, Version: p.Version})
		return s.negotiationStep(ctx, err)
	case protocol.CustomBlockSupportLevel:
		return s.negotiationStep(ctx, s.negotiator.HandleBlockLevel(p.Level))
	case protocol.SetBlockRequest:
		return s.handleSetBlock(ctx, p)
	case protocol.PlayerPosition:
		return s.handlePosition(p)
	case protocol.ChatMessage:
		return s.handleChat(ctx, p)
	case protocol.TwoWayPing:
		s.handleTwoWayPing(p)
	}
	return nil
}

func (s *Session) handleIdentification(ctx context.Context, p protocol.PlayerIdentification) error {
	if p.ProtocolVersion != protocol.Version {
		s.server.metrics.reject("version")
		return disconnect("Unsupported protocol version", fmt.Errorf("version %d", p.ProtocolVersion))
	}
	if p.Username == "" {
		s.server.metrics.reject("username")
		return disconnect("Username cannot be empty", nil)
	}
	if strings.IndexFunc(p.Username, unicode.IsSpace) >= 0 {
		s.server.metrics.reject("username")
		return disconnect("Username cannot have whitespace", nil)
	}
	s.name = p.Username
	s.key = p.VerificationKey

	if !p.SupportsCPE() {
		s.negotiator.Abort()
		return s.finishNegotiation(ctx)
	}

	s.setPhase(PhaseNegotiating)
	offer := s.negotiator.Offer()
	if err := s.writePacket(protocol.ExtInfo{AppName: Software, Count: uint16(len(offer))}); err != nil {
		return err
	}
	for _, ext := range offer {
		if err := s.writePacket(protocol.ExtEntry{Name: ext.Name, Version: ext.Version}); err != nil {
			return err
		}
	}
	return nil
}

// negotiationStep продвигает согласование после очередного пакета клиента
func (s *Session) negotiationStep(ctx context.Context, err error) error {
	if err != nil {
		return disconnect("Client replied inappropriately to ExtInfo packet", err)
	}
	if s.negotiator.AwaitingBlockLevel() && !s.blockLevelSent {
		s.blockLevelSent = true
		return s.writePacket(protocol.CustomBlockSupportLevel{Level: cpe.CustomBlocksLevel})
	}
	if s.negotiator.Done() {
		return s.finishNegotiation(ctx)
	}
	return nil
}

// finishNegotiation замораживает набор возможностей и форму пакетов
func (s *Session) finishNegotiation(ctx context.Context) error {
	caps, err := s.negotiator.Result()
	if err != nil {
		return disconnect("Extension negotiation failed", err)
	}
	s.caps = caps
	s.client = s.negotiator.ClientName()
	s.layout = protocol.LayoutFor(caps)
	s.decoder.SetCodec(protocol.NewServerCodec(s.layout))
	s.setPhase(PhaseAuthenticating)
	s.logger.Debug("Согласовано с %s (%s): %s", s.name, s.client, caps)
	return s.login(ctx)
}

// login проверяет имя, бан и уникальность, затем вводит игрока в мир по умолчанию
func (s *Session) login(ctx context.Context) error {
	srv := s.server
	if !srv.verifier.Verify(s.name, s.key) {
		srv.metrics.reject("unauthorized")
		return disconnect("Failed to connect: Unauthorized", nil)
	}

	if srv.perms != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		banned, reason, err := srv.perms.IsBanned(sctx, s.name)
		if err == nil && !banned {
			var op bool
			op, err = srv.perms.IsOp(sctx, s.name)
			s.op.Store(op)
		}
		cancel()
		if err != nil {
			return disconnect("Permission lookup failed", err)
		}
		if banned {
			srv.metrics.reject("banned")
			return disconnect("Banned: "+reason, nil)
		}
	}

	if err := srv.claim(s); err != nil {
		if errors.Is(err, ErrServerFull) {
			srv.metrics.reject("full")
			return disconnect("Server is full", nil)
		}
		srv.metrics.reject("name_taken")
		return disconnect("Player with same username already connected", nil)
	}

	err := s.writePacket(protocol.ServerIdentification{
		ProtocolVersion: protocol.Version,
		Name:            srv.cfg.Name,
		MOTD:            srv.cfg.MOTD,
		UserType:        userType(s.IsOp()),
	})
	if err != nil {
		return err
	}

	if err := s.JoinWorld(ctx, srv.worlds.Default()); err != nil {
		return err
	}
	s.setPhase(PhaseSpawned)
	s.spawned.Store(true)
	srv.playerJoined(ctx, s)
	return nil
}

// JoinWorld переводит игрока в мир w: выход из текущего мира, регистрация,
// передача уровня. Рассылки нового мира копятся до конца передачи уровня.
// Вызывается только из горутины чтения сессии.
func (s *Session) JoinWorld(ctx context.Context, w *world.World) error {
	if w == nil {
		return disconnect("World unavailable", errors.New("network: no world"))
	}
	if w.PlayerCount() > world.MaxPlayerID {
		return disconnect("World is full", world.ErrWorldFull)
	}
	s.leaveWorld(ctx)

	loc := s.spawnLocation(ctx, w)

	s.out.Hold()
	defer s.out.Release()

	id, err := w.Register(world.Player{Name: s.name, SessionID: s.id, Location: loc})
	if err != nil {
		if errors.Is(err, world.ErrNameTaken) {
			return disconnect("Player with same username already connected", err)
		}
		return disconnect("World is full", err)
	}

	s.mu.Lock()
	s.world = w
	s.playerID = id
	s.location = loc
	s.mu.Unlock()

	return s.sendLevel(w)
}

// leaveWorld снимает игрока с регистрации и запоминает его позицию
func (s *Session) leaveWorld(ctx context.Context) {
	s.mu.Lock()
	w, id, loc := s.world, s.playerID, s.location
	s.world = nil
	s.mu.Unlock()
	if w == nil {
		return
	}
	w.Deregister(id)

	repo := s.server.positions
	if repo == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := repo.Save(sctx, storage.KeyFor(s.name, w.Name()), loc); err != nil {
		s.logger.Warn("Позиция %s в %s не сохранена: %v", s.name, w.Name(), err)
	}
}

// spawnLocation возвращает сохранённую позицию игрока в мире или точку появления
func (s *Session) spawnLocation(ctx context.Context, w *world.World) vec.Location {
	repo := s.server.positions
	if repo == nil {
		return w.Spawn()
	}
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	loc, ok, err := repo.Load(sctx, storage.KeyFor(s.name, w.Name()))
	if err != nil {
		s.logger.Warn("Позиция %s в %s не загружена: %v", s.name, w.Name(), err)
		return w.Spawn()
	}
	if !ok || !w.InBounds(loc.Block()) {
		return w.Spawn()
	}
	return loc
}

func (s *Session) handleSetBlock(ctx context.Context, p protocol.SetBlockRequest) error {
	w := s.World()
	if w == nil {
		return nil
	}
	pos, target := p.Position(), p.Target()

	// Клиент уже поменял блок у себя; настоящий блок уходит в очередь под
	// блокировкой мира, раньше любой следующей рассылки этой клетки
	err := w.ApplyEdit(world.Requester{
		Name: s.name,
		Op:   s.IsOp(),
		Rejected: func(pos vec.Vec3, current block.BlockID) {
			s.sendPacket(setBlockPacket(pos, s.server.hub.Fallback().Resolve(current, s.layout.MaxBlock())))
		},
	}, pos, target)
	switch {
	case err == nil:
		s.server.metrics.edit("accepted")
		s.server.events.Emit(ctx, eventbus.TypeBlockChanged, w.Name(), eventbus.BlockEvent{
			Username: s.name, X: pos.X, Y: pos.Y, Z: pos.Z, Block: uint8(target),
		})
		return nil
	case errors.Is(err, world.ErrOutOfBounds):
		s.server.metrics.edit("out_of_bounds")
		return disconnect("Block outside of the world", err)
	}

	s.server.metrics.edit("rejected")
	switch {
	case errors.Is(err, world.ErrForbidden) && target == block.AirBlockID:
		s.SendMessage(ErrorPrefix + "You are not allowed to break blocks here")
	case errors.Is(err, world.ErrForbidden):
		s.SendMessage(ErrorPrefix + "You are not allowed to place blocks here")
	default:
		s.SendMessage(ErrorPrefix + "Invalid block")
	}
	return nil
}

func (s *Session) handlePosition(p protocol.PlayerPosition) error {
	held, hasHeld := p.HeldBlock(s.layout)

	s.mu.Lock()
	if hasHeld {
		s.held = held
	}
	s.location = p.Location
	w, id := s.world, s.playerID
	s.mu.Unlock()

	if w == nil {
		return nil
	}
	if err := w.MovePlayer(id, p.Location); err != nil && !errors.Is(err, world.ErrNotRegistered) {
		return err
	}
	return nil
}

// handleChat собирает сообщение из частей LongerMessages. Строка,
// начинающаяся с '/', передаётся обработчику команд.
func (s *Session) handleChat(ctx context.Context, p protocol.ChatMessage) error {
	partial := p.IsPartial(s.layout)
	s.chat.WriteString(p.Text)

	text := s.chat.String()
	if max := chatLimit(s.server.chat.MaxMessageLength); utf8.RuneCountInString(text) > max {
		text, _ = truncateRunes(text, max)
		partial = false
	}
	if partial {
		return nil
	}
	s.chat.Reset()

	if text == "" {
		return nil
	}
	if strings.HasPrefix(text, "/") {
		return s.server.runCommand(ctx, s, text)
	}
	s.server.chatFrom(ctx, s, text)
	return nil
}

func (s *Session) handleTwoWayPing(p protocol.TwoWayPing) {
	if p.Direction == protocol.PingFromClient {
		s.sendPacket(p)
		return
	}

	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	if s.pingSent.IsZero() || p.Data != s.pingData {
		return
	}
	rtt := time.Since(s.pingSent)
	s.pingSent = time.Time{}
	s.rtt.Store(int64(rtt))
	s.server.metrics.pingRoundTrip.Observe(rtt.Seconds())
}

// ping отправляет Ping и, если клиент согласовал TwoWayPing, замер времени ответа
func (s *Session) ping() {
	s.sendPacket(protocol.Ping{})
	if !s.layout.TwoWayPing {
		return
	}
	s.pingMu.Lock()
	s.pingData++
	s.pingSent = time.Now()
	data := s.pingData
	s.pingMu.Unlock()
	s.sendPacket(protocol.TwoWayPing{Direction: protocol.PingFromServer, Data: data})
}

// cleanup выполняется горутиной чтения при завершении сессии
func (s *Session) cleanup() {
	s.close("", false)
	ctx := context.Background()

	s.leaveWorld(ctx)
	s.server.release(s)

	if s.spawned.Load() {
		s.server.playerLeft(ctx, s, s.reason)
	}
	if s.reason != "" {
		s.logger.Info("Соединение %s закрыто: %s", s.label(), s.reason)
	} else {
		s.logger.Info("Соединение %s закрыто", s.label())
	}
}
