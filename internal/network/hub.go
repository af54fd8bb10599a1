package network

import (
	"sync"

	"github.com/annel0/classic-server/internal/logging"
	"github.com/annel0/classic-server/internal/protocol"
	"github.com/annel0/classic-server/internal/vec"
	"github.com/annel0/classic-server/internal/world"
	"github.com/annel0/classic-server/internal/world/block"
)

// Hub рассылает события миров подписанным сессиям. Каждый пакет
// кодируется один раз на форму пакетов получателей.
//
// Методы world.Listener вызываются под блокировкой записи мира, поэтому Hub
// ведёт собственный список участников каждого мира и не обращается к миру.
type Hub struct {
	fallback *block.Fallback
	logger   *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	members  map[*world.World]map[int8]*Session
}

// NewHub создаёт рассыльщик с таблицей замены блоков для клиентов без CustomBlocks
func NewHub(fallback *block.Fallback) *Hub {
	if fallback == nil {
		fallback = block.DefaultFallback()
	}
	return &Hub{
		fallback: fallback,
		logger:   logging.GetNetworkLogger(),
		sessions: make(map[string]*Session),
		members:  make(map[*world.World]map[int8]*Session),
	}
}

// Fallback возвращает таблицу замены блоков
func (h *Hub) Fallback() *block.Fallback {
	return h.fallback
}

// attach делает сессию адресатом рассылок. Форма пакетов сессии к этому
// моменту заморожена.
func (h *Hub) attach(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
}

// frameCache кодирует пакет не более одного раза на форму пакетов
type frameCache struct {
	hub    *Hub
	build  func(l protocol.Layout) protocol.Packet
	frames map[protocol.Layout][]byte
}

func (h *Hub) cache(build func(l protocol.Layout) protocol.Packet) *frameCache {
	return &frameCache{hub: h, build: build, frames: make(map[protocol.Layout][]byte, 2)}
}

func (c *frameCache) get(l protocol.Layout) []byte {
	if frame, ok := c.frames[l]; ok {
		return frame
	}
	p := c.build(l)
	frame, err := protocol.Encode(protocol.Clientbound, l, p)
	if err != nil {
		c.hub.logger.Error("Не удалось закодировать %T: %v", p, err)
		frame = nil
	}
	c.frames[l] = frame
	return frame
}

func (c *frameCache) send(s *Session) {
	if frame := c.get(s.layout); frame != nil {
		s.out.Send(frame)
	}
}

// BlockChanged рассылает принятое изменение всем участникам мира,
// заменяя пользовательские блоки для клиентов без CustomBlocks
func (h *Hub) BlockChanged(w *world.World, pos vec.Vec3, id block.BlockID, _ world.Requester) {
	frames := h.cache(func(l protocol.Layout) protocol.Packet {
		return setBlockPacket(pos, h.fallback.Resolve(id, l.MaxBlock()))
	})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.members[w] {
		frames.send(s)
	}
}

// PlayerJoined показывает новичку всех присутствующих (и его самого с ID -1),
// а присутствующим показывает новичка
func (h *Hub) PlayerJoined(w *world.World, p world.Player, present []world.Player) {
	h.mu.Lock()
	defer h.mu.Unlock()

	joiner := h.sessions[p.SessionID]
	if joiner != nil {
		if h.members[w] == nil {
			h.members[w] = make(map[int8]*Session)
		}
		h.members[w][p.ID] = joiner
		joiner.sendPacket(protocol.SpawnPlayer{PlayerID: protocol.SelfID, Name: p.Name, Location: p.Location})
		for _, other := range present {
			joiner.sendPacket(protocol.SpawnPlayer{PlayerID: other.ID, Name: other.Name, Location: other.Location})
		}
	}

	spawn := h.cache(func(protocol.Layout) protocol.Packet {
		return protocol.SpawnPlayer{PlayerID: p.ID, Name: p.Name, Location: p.Location}
	})
	for id, s := range h.members[w] {
		if id != p.ID {
			spawn.send(s)
		}
	}
}

// PlayerMoved рассылает перемещение всем, кроме самого игрока.
// Смещение, не помещающееся в int8, отправляется абсолютным Teleport.
func (h *Hub) PlayerMoved(w *world.World, p world.Player, prev vec.Location) {
	packet := movePacket(p.ID, p.Location, prev)
	frames := h.cache(func(protocol.Layout) protocol.Packet { return packet })

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, s := range h.members[w] {
		if id != p.ID {
			frames.send(s)
		}
	}
}

// PlayerLeft убирает игрока из участников и рассылает DespawnPlayer
func (h *Hub) PlayerLeft(w *world.World, p world.Player) {
	frames := h.cache(func(protocol.Layout) protocol.Packet {
		return protocol.DespawnPlayer{PlayerID: p.ID}
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.members[w]
	delete(members, p.ID)
	if len(members) == 0 {
		delete(h.members, w)
	}
	for _, s := range h.members[w] {
		frames.send(s)
	}
}

// Broadcast отправляет сообщение чата всем игрокам сервера.
// Текст кодируется отдельно для каждой формы пакетов (CP437, длинные сообщения).
func (h *Hub) Broadcast(text string) {
	encoded := make(map[protocol.Layout][]byte, 2)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		if s.Phase() != PhaseSpawned {
			continue
		}
		frame, ok := encoded[s.layout]
		if !ok {
			var err error
			frame, err = encodeMessage(text, s.layout)
			if err != nil {
				h.logger.Error("Не удалось закодировать сообщение: %v", err)
				return
			}
			encoded[s.layout] = frame
		}
		s.out.Send(frame)
	}
}

// WorldMembers возвращает число сессий, получающих рассылки мира
func (h *Hub) WorldMembers(w *world.World) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members[w])
}

func setBlockPacket(pos vec.Vec3, id block.BlockID) protocol.SetBlock {
	return protocol.SetBlock{X: uint16(pos.X), Y: uint16(pos.Y), Z: uint16(pos.Z), Block: id}
}

// movePacket выбирает самый короткий пакет перемещения
func movePacket(id int8, loc, prev vec.Location) protocol.Packet {
	dx, dy, dz, ok := loc.Delta(prev)
	if !ok {
		return protocol.Teleport{PlayerID: id, Location: loc}
	}
	rotated := loc.Yaw != prev.Yaw || loc.Pitch != prev.Pitch
	switch {
	case loc.SamePosition(prev):
		return protocol.OrientationUpdate{PlayerID: id, Yaw: loc.Yaw, Pitch: loc.Pitch}
	case !rotated:
		return protocol.PositionUpdate{PlayerID: id, DX: dx, DY: dy, DZ: dz}
	default:
		return protocol.PositionOrientationUpdate{PlayerID: id, DX: dx, DY: dy, DZ: dz, Yaw: loc.Yaw, Pitch: loc.Pitch}
	}
}
