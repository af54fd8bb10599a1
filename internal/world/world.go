package world

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/annel0/classic-server/internal/vec"
	"github.com/annel0/classic-server/internal/world/block"
)

// Ошибки мира
var (
	ErrOutOfBounds   = errors.New("world: position out of bounds")
	ErrForbidden     = errors.New("world: edit forbidden")
	ErrInvalidBlock  = errors.New("world: invalid block")
	ErrNameTaken     = errors.New("world: player name already registered")
	ErrWorldFull     = errors.New("world: no free player ids")
	ErrNotRegistered = errors.New("world: player not registered")
	ErrInvalidSize   = errors.New("world: invalid dimensions")
)

// MaxDimension максимальный размер мира по любой оси (u16 в LevelFinalize)
const MaxDimension = 1024

// MaxPlayerID последний идентификатор игрока; -1 зарезервирован за получателем
const MaxPlayerID = 127

// Requester автор изменения блока
type Requester struct {
	Name string
	Op   bool
	// Rejected получает текущий блок при отклонённом изменении внутри мира.
	// Вызывается под блокировкой записи, до любого следующего изменения.
	Rejected func(pos vec.Vec3, current block.BlockID)
}

// Permissions флаги мира, ограничивающие изменения блоков операторами
type Permissions struct {
	BuildOpsOnly bool
	BreakOpsOnly bool
}

// Player запись реестра игроков мира. Мир хранит только ссылку на сессию.
type Player struct {
	ID        int8
	Name      string
	SessionID string
	Location  vec.Location
}

// World плотная трёхмерная сетка блоков с реестром игроков.
// Все изменения проходят через World под одной блокировкой, поэтому
// каждый наблюдатель видит один и тот же порядок правок.
type World struct {
	mu sync.RWMutex

	name   string
	size   vec.Vec3
	blocks []byte // индекс y*X*Z + z*X + x
	spawn  vec.Location
	perms  Permissions

	players  map[int8]*Player
	names    map[string]int8
	listener Listener

	// Счётчик изменений и его значение на момент последнего сохранения
	version uint64
	saved   uint64
}

// New создаёт мир из источника данных
func New(name string, size vec.Vec3, src DataSource) (*World, error) {
	if err := validateSize(size); err != nil {
		return nil, err
	}
	blocks, spawn, err := src.Generate(size)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", name, err)
	}
	if len(blocks) != size.Volume() {
		return nil, fmt.Errorf("generate %s: grid has %d cells, want %d", name, len(blocks), size.Volume())
	}
	return newWorld(name, size, blocks, spawn), nil
}

func newWorld(name string, size vec.Vec3, blocks []byte, spawn vec.Location) *World {
	return &World{
		name:     name,
		size:     size,
		blocks:   blocks,
		spawn:    spawn,
		players:  make(map[int8]*Player),
		names:    make(map[string]int8),
		listener: NopListener{},
	}
}

func validateSize(size vec.Vec3) error {
	if size.X < 1 || size.Y < 1 || size.Z < 1 ||
		size.X > MaxDimension || size.Y > MaxDimension || size.Z > MaxDimension {
		return fmt.Errorf("%w: %v", ErrInvalidSize, size)
	}
	return nil
}

// SetListener устанавливает получателя событий мира
func (w *World) SetListener(l Listener) {
	if l == nil {
		l = NopListener{}
	}
	w.mu.Lock()
	w.listener = l
	w.mu.Unlock()
}

// Name возвращает имя мира
func (w *World) Name() string {
	return w.name
}

// Size возвращает размеры мира
func (w *World) Size() vec.Vec3 {
	return w.size
}

// Volume возвращает число ячеек сетки
func (w *World) Volume() int {
	return len(w.blocks)
}

// Spawn возвращает точку появления
func (w *World) Spawn() vec.Location {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.spawn
}

// SetSpawn меняет точку появления
func (w *World) SetSpawn(loc vec.Location) {
	w.mu.Lock()
	w.spawn = loc
	w.version++
	w.mu.Unlock()
}

// Permissions возвращает флаги прав мира
func (w *World) Permissions() Permissions {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.perms
}

// SetPermissions меняет флаги прав мира
func (w *World) SetPermissions(p Permissions) {
	w.mu.Lock()
	w.perms = p
	w.version++
	w.mu.Unlock()
}

// InBounds проверяет, что позиция внутри мира
func (w *World) InBounds(pos vec.Vec3) bool {
	return pos.X >= 0 && pos.Y >= 0 && pos.Z >= 0 &&
		pos.X < w.size.X && pos.Y < w.size.Y && pos.Z < w.size.Z
}

func (w *World) index(pos vec.Vec3) int {
	return pos.Y*w.size.X*w.size.Z + pos.Z*w.size.X + pos.X
}

// Block возвращает блок в позиции
func (w *World) Block(pos vec.Vec3) (block.BlockID, error) {
	if !w.InBounds(pos) {
		return 0, fmt.Errorf("%w: %v", ErrOutOfBounds, pos)
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return block.BlockID(w.blocks[w.index(pos)]), nil
}

// ApplyEdit проверяет и применяет изменение блока. Принятое изменение
// передаётся слушателю под блокировкой записи, поэтому порядок рассылки
// совпадает с порядком принятия. Отказ по позиции внутри мира сообщается
// req.Rejected под той же блокировкой.
func (w *World) ApplyEdit(req Requester, pos vec.Vec3, id block.BlockID) error {
	if !w.InBounds(pos) {
		return fmt.Errorf("%w: %v", ErrOutOfBounds, pos)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkEdit(req, id); err != nil {
		if req.Rejected != nil {
			req.Rejected(pos, block.BlockID(w.blocks[w.index(pos)]))
		}
		return err
	}

	w.blocks[w.index(pos)] = byte(id)
	w.version++
	w.listener.BlockChanged(w, pos, id, req)
	return nil
}

func (w *World) checkEdit(req Requester, id block.BlockID) error {
	if !block.IsValidBlockID(id) {
		return fmt.Errorf("%w: %d", ErrInvalidBlock, id)
	}
	if req.Op {
		return nil
	}
	if id == block.AirBlockID && w.perms.BreakOpsOnly {
		return fmt.Errorf("%w: breaking is restricted to operators", ErrForbidden)
	}
	if id != block.AirBlockID && w.perms.BuildOpsOnly {
		return fmt.Errorf("%w: building is restricted to operators", ErrForbidden)
	}
	return nil
}

// Register добавляет игрока в реестр, выдавая наименьший свободный ID.
// Имена сравниваются без учёта регистра.
func (w *World) Register(p Player) (int8, error) {
	key := strings.ToLower(p.Name)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, taken := w.names[key]; taken {
		return 0, fmt.Errorf("%w: %s", ErrNameTaken, p.Name)
	}
	id, ok := w.freeID()
	if !ok {
		return 0, ErrWorldFull
	}

	present := w.playersLocked()
	p.ID = id
	w.players[id] = &p
	w.names[key] = id
	w.listener.PlayerJoined(w, p, present)
	return id, nil
}

func (w *World) freeID() (int8, bool) {
	for id := 0; id <= MaxPlayerID; id++ {
		if _, used := w.players[int8(id)]; !used {
			return int8(id), true
		}
	}
	return 0, false
}

// Deregister удаляет игрока из реестра и оповещает слушателя
func (w *World) Deregister(id int8) (Player, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.players[id]
	if !ok {
		return Player{}, false
	}
	delete(w.players, id)
	delete(w.names, strings.ToLower(p.Name))
	w.listener.PlayerLeft(w, *p)
	return *p, true
}

// MovePlayer обновляет позицию игрока и оповещает слушателя
func (w *World) MovePlayer(id int8, loc vec.Location) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.players[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotRegistered, id)
	}
	prev := p.Location
	if prev == loc {
		return nil
	}
	p.Location = loc
	w.listener.PlayerMoved(w, *p, prev)
	return nil
}

// Player возвращает запись игрока по ID
func (w *World) Player(id int8) (Player, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// FindPlayer ищет игрока по имени без учёта регистра
func (w *World) FindPlayer(name string) (Player, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	id, ok := w.names[strings.ToLower(name)]
	if !ok {
		return Player{}, false
	}
	return *w.players[id], true
}

// Players возвращает копию реестра, упорядоченную по ID
func (w *World) Players() []Player {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.playersLocked()
}

func (w *World) playersLocked() []Player {
	out := make([]Player, 0, len(w.players))
	for _, p := range w.players {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PlayerCount возвращает число игроков в мире
func (w *World) PlayerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.players)
}

// Dirty сообщает, изменялся ли мир после последнего сохранения
func (w *World) Dirty() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version != w.saved
}
