package protocol

import (
	"github.com/annel0/classic-server/internal/vec"
	"github.com/annel0/classic-server/internal/world/block"
)

// Packet значение пакета протокола. Пакеты неизменяемы после создания.
type Packet interface {
	Opcode() Opcode
	encode(w *writer) error
}

// ChunkSize размер полезной нагрузки LevelDataChunk
const ChunkSize = 1024

// Режимы SetBlockRequest
const (
	ModeDestroy byte = 0
	ModeCreate  byte = 1
)

// Направления TwoWayPing
const (
	PingFromClient byte = 0
	PingFromServer byte = 1
)

// NoHeldBlock значение первого байта PlayerPosition у клиентов без HeldBlock
const NoHeldBlock byte = 0xff

// ---- Пакеты от клиента -----------------------------------------------------

// PlayerIdentification первый пакет клиента
type PlayerIdentification struct {
	ProtocolVersion byte
	Username        string
	VerificationKey string
	Type            byte
}

func (PlayerIdentification) Opcode() Opcode { return OpIdentification }

// SupportsCPE сообщает, объявил ли клиент поддержку расширений
func (p PlayerIdentification) SupportsCPE() bool { return p.Type == CPEMagic }

func (p PlayerIdentification) encode(w *writer) error {
	w.u8(p.ProtocolVersion)
	w.str(p.Username)
	w.str(p.VerificationKey)
	w.u8(p.Type)
	return nil
}

func decodePlayerIdentification(r *reader) (Packet, error) {
	return PlayerIdentification{
		ProtocolVersion: r.u8(),
		Username:        r.str(),
		VerificationKey: r.str(),
		Type:            r.u8(),
	}, nil
}

// SetBlockRequest запрос клиента на установку или разрушение блока
type SetBlockRequest struct {
	X, Y, Z uint16
	Mode    byte
	Block   block.BlockID
}

func (SetBlockRequest) Opcode() Opcode { return OpSetBlockClient }

// Position возвращает координаты блока
func (p SetBlockRequest) Position() vec.Vec3 {
	return vec.Vec3{X: int(p.X), Y: int(p.Y), Z: int(p.Z)}
}

// Target возвращает блок, который должен оказаться в ячейке
func (p SetBlockRequest) Target() block.BlockID {
	if p.Mode == ModeDestroy {
		return block.AirBlockID
	}
	return p.Block
}

func (p SetBlockRequest) encode(w *writer) error {
	if p.Mode > ModeCreate {
		return fieldError(OpSetBlockClient, "mode", int(p.Mode))
	}
	if p.Block > w.layout.MaxBlock() {
		return fieldError(OpSetBlockClient, "block", int(p.Block))
	}
	w.u16(p.X)
	w.u16(p.Y)
	w.u16(p.Z)
	w.u8(p.Mode)
	w.u8(byte(p.Block))
	return nil
}

func decodeSetBlockRequest(r *reader) (Packet, error) {
	p := SetBlockRequest{X: r.u16(), Y: r.u16(), Z: r.u16(), Mode: r.u8(), Block: block.BlockID(r.u8())}
	if p.Mode > ModeCreate {
		return nil, fieldError(OpSetBlockClient, "mode", int(p.Mode))
	}
	if p.Block > r.layout.MaxBlock() {
		return nil, fieldError(OpSetBlockClient, "block", int(p.Block))
	}
	return p, nil
}

// PlayerPosition позиция клиента. Первый байт у клиентов с HeldBlock
// содержит блок в руке, у остальных он всегда 0xFF.
type PlayerPosition struct {
	Held     byte
	Location vec.Location
}

func (PlayerPosition) Opcode() Opcode { return OpTeleport }

// HeldBlock возвращает блок в руке, если клиент его сообщает
func (p PlayerPosition) HeldBlock(l Layout) (block.BlockID, bool) {
	if !l.HeldBlock || p.Held > byte(l.MaxBlock()) {
		return 0, false
	}
	return block.BlockID(p.Held), true
}

func (p PlayerPosition) encode(w *writer) error {
	w.u8(p.Held)
	w.location(p.Location)
	return nil
}

func decodePlayerPosition(r *reader) (Packet, error) {
	return PlayerPosition{Held: r.u8(), Location: r.location()}, nil
}

// ChatMessage сообщение чата от клиента. С LongerMessages флаг 1 означает,
// что за пакетом последует продолжение.
type ChatMessage struct {
	Flag byte
	Text string
}

func (ChatMessage) Opcode() Opcode { return OpMessage }

// IsPartial сообщает, является ли пакет частью длинного сообщения
func (p ChatMessage) IsPartial(l Layout) bool {
	return l.LongerMessages && p.Flag == 1
}

func (p ChatMessage) encode(w *writer) error {
	w.u8(p.Flag)
	w.str(p.Text)
	return nil
}

func decodeChatMessage(r *reader) (Packet, error) {
	p := ChatMessage{Flag: r.u8()}
	// У частей длинного сообщения хвостовые пробелы значимы
	if p.IsPartial(r.layout) {
		p.Text = r.rawStr()
	} else {
		p.Text = r.str()
	}
	return p, nil
}

// ---- Пакеты обоих направлений ---------------------------------------------

// ExtInfo открывает список расширений стороны
type ExtInfo struct {
	AppName string
	Count   uint16
}

func (ExtInfo) Opcode() Opcode { return OpExtInfo }

func (p ExtInfo) encode(w *writer) error {
	w.str(p.AppName)
	w.u16(p.Count)
	return nil
}

func decodeExtInfo(r *reader) (Packet, error) {
	return ExtInfo{AppName: r.str(), Count: r.u16()}, nil
}

// ExtEntry одна запись списка расширений
type ExtEntry struct {
	Name    string
	Version int32
}

func (ExtEntry) Opcode() Opcode { return OpExtEntry }

func (p ExtEntry) encode(w *writer) error {
	w.str(p.Name)
	w.i32(p.Version)
	return nil
}

func decodeExtEntry(r *reader) (Packet, error) {
	return ExtEntry{Name: r.str(), Version: r.i32()}, nil
}

// CustomBlockSupportLevel уровень поддержки CustomBlocks
type CustomBlockSupportLevel struct {
	Level uint8
}

func (CustomBlockSupportLevel) Opcode() Opcode { return OpCustomBlockSupportLevel }

func (p CustomBlockSupportLevel) encode(w *writer) error {
	w.u8(p.Level)
	return nil
}

func decodeCustomBlockSupportLevel(r *reader) (Packet, error) {
	return CustomBlockSupportLevel{Level: r.u8()}, nil
}

// TwoWayPing пинг с полезной нагрузкой, который отправитель ждёт обратно
type TwoWayPing struct {
	Direction byte
	Data      uint16
}

func (TwoWayPing) Opcode() Opcode { return OpTwoWayPing }

func (p TwoWayPing) encode(w *writer) error {
	if p.Direction > PingFromServer {
		return fieldError(OpTwoWayPing, "direction", int(p.Direction))
	}
	w.u8(p.Direction)
	w.u16(p.Data)
	return nil
}

func decodeTwoWayPing(r *reader) (Packet, error) {
	p := TwoWayPing{Direction: r.u8(), Data: r.u16()}
	if p.Direction > PingFromServer {
		return nil, fieldError(OpTwoWayPing, "direction", int(p.Direction))
	}
	return p, nil
}

// ---- Пакеты от сервера -----------------------------------------------------

// ServerIdentification ответ сервера на идентификацию
type ServerIdentification struct {
	ProtocolVersion byte
	Name            string
	MOTD            string
	UserType        byte
}

func (ServerIdentification) Opcode() Opcode { return OpIdentification }

func (p ServerIdentification) encode(w *writer) error {
	w.u8(p.ProtocolVersion)
	w.str(p.Name)
	w.str(p.MOTD)
	w.u8(p.UserType)
	return nil
}

func decodeServerIdentification(r *reader) (Packet, error) {
	return ServerIdentification{
		ProtocolVersion: r.u8(),
		Name:            r.str(),
		MOTD:            r.str(),
		UserType:        r.u8(),
	}, nil
}

// Ping проверка соединения
type Ping struct{}

func (Ping) Opcode() Opcode         { return OpPing }
func (Ping) encode(w *writer) error { return nil }

func decodePing(*reader) (Packet, error) {
	return Ping{}, nil
}

// LevelInitialize начало передачи уровня
type LevelInitialize struct{}

func (LevelInitialize) Opcode() Opcode         { return OpLevelInitialize }
func (LevelInitialize) encode(w *writer) error { return nil }

func decodeLevelInitialize(*reader) (Packet, error) {
	return LevelInitialize{}, nil
}

// LevelDataChunk часть сжатого потока уровня
type LevelDataChunk struct {
	Data    []byte
	Percent byte
}

func (LevelDataChunk) Opcode() Opcode { return OpLevelDataChunk }

func (p LevelDataChunk) encode(w *writer) error {
	if len(p.Data) > ChunkSize {
		return fieldError(OpLevelDataChunk, "length", len(p.Data))
	}
	w.u16(uint16(len(p.Data)))
	w.bytes(p.Data, ChunkSize)
	w.u8(p.Percent)
	return nil
}

func decodeLevelDataChunk(r *reader) (Packet, error) {
	n := int(r.u16())
	if n > ChunkSize {
		return nil, fieldError(OpLevelDataChunk, "length", n)
	}
	raw := r.bytes(ChunkSize)
	data := make([]byte, n)
	copy(data, raw[:n])
	return LevelDataChunk{Data: data, Percent: r.u8()}, nil
}

// LevelFinalize завершение передачи уровня с размерами мира
type LevelFinalize struct {
	X, Y, Z uint16
}

func (LevelFinalize) Opcode() Opcode { return OpLevelFinalize }

func (p LevelFinalize) encode(w *writer) error {
	w.u16(p.X)
	w.u16(p.Y)
	w.u16(p.Z)
	return nil
}

func decodeLevelFinalize(r *reader) (Packet, error) {
	return LevelFinalize{X: r.u16(), Y: r.u16(), Z: r.u16()}, nil
}

// SetBlock изменение блока, подтверждённое сервером
type SetBlock struct {
	X, Y, Z uint16
	Block   block.BlockID
}

func (SetBlock) Opcode() Opcode { return OpSetBlock }

func (p SetBlock) encode(w *writer) error {
	if p.Block > w.layout.MaxBlock() {
		return fieldError(OpSetBlock, "block", int(p.Block))
	}
	w.u16(p.X)
	w.u16(p.Y)
	w.u16(p.Z)
	w.u8(byte(p.Block))
	return nil
}

func decodeSetBlock(r *reader) (Packet, error) {
	p := SetBlock{X: r.u16(), Y: r.u16(), Z: r.u16(), Block: block.BlockID(r.u8())}
	if p.Block > r.layout.MaxBlock() {
		return nil, fieldError(OpSetBlock, "block", int(p.Block))
	}
	return p, nil
}

// SpawnPlayer появление игрока; PlayerID -1 означает самого получателя
type SpawnPlayer struct {
	PlayerID int8
	Name     string
	Location vec.Location
}

func (SpawnPlayer) Opcode() Opcode { return OpSpawnPlayer }

func (p SpawnPlayer) encode(w *writer) error {
	w.u8(byte(p.PlayerID))
	w.str(p.Name)
	w.location(p.Location)
	return nil
}

func decodeSpawnPlayer(r *reader) (Packet, error) {
	return SpawnPlayer{PlayerID: int8(r.u8()), Name: r.str(), Location: r.location()}, nil
}

// Teleport абсолютная позиция игрока
type Teleport struct {
	PlayerID int8
	Location vec.Location
}

func (Teleport) Opcode() Opcode { return OpTeleport }

func (p Teleport) encode(w *writer) error {
	w.u8(byte(p.PlayerID))
	w.location(p.Location)
	return nil
}

func decodeTeleport(r *reader) (Packet, error) {
	return Teleport{PlayerID: int8(r.u8()), Location: r.location()}, nil
}

// PositionOrientationUpdate относительное перемещение с ориентацией
type PositionOrientationUpdate struct {
	PlayerID   int8
	DX, DY, DZ int8
	Yaw, Pitch uint8
}

func (PositionOrientationUpdate) Opcode() Opcode { return OpPositionOrientation }

func (p PositionOrientationUpdate) encode(w *writer) error {
	w.u8(byte(p.PlayerID))
	w.u8(byte(p.DX))
	w.u8(byte(p.DY))
	w.u8(byte(p.DZ))
	w.u8(p.Yaw)
	w.u8(p.Pitch)
	return nil
}

func decodePositionOrientationUpdate(r *reader) (Packet, error) {
	return PositionOrientationUpdate{
		PlayerID: int8(r.u8()),
		DX:       int8(r.u8()),
		DY:       int8(r.u8()),
		DZ:       int8(r.u8()),
		Yaw:      r.u8(),
		Pitch:    r.u8(),
	}, nil
}

// PositionUpdate относительное перемещение
type PositionUpdate struct {
	PlayerID   int8
	DX, DY, DZ int8
}

func (PositionUpdate) Opcode() Opcode { return OpPositionUpdate }

func (p PositionUpdate) encode(w *writer) error {
	w.u8(byte(p.PlayerID))
	w.u8(byte(p.DX))
	w.u8(byte(p.DY))
	w.u8(byte(p.DZ))
	return nil
}

func decodePositionUpdate(r *reader) (Packet, error) {
	return PositionUpdate{PlayerID: int8(r.u8()), DX: int8(r.u8()), DY: int8(r.u8()), DZ: int8(r.u8())}, nil
}

// OrientationUpdate изменение ориентации
type OrientationUpdate struct {
	PlayerID   int8
	Yaw, Pitch uint8
}

func (OrientationUpdate) Opcode() Opcode { return OpOrientationUpdate }

func (p OrientationUpdate) encode(w *writer) error {
	w.u8(byte(p.PlayerID))
	w.u8(p.Yaw)
	w.u8(p.Pitch)
	return nil
}

func decodeOrientationUpdate(r *reader) (Packet, error) {
	return OrientationUpdate{PlayerID: int8(r.u8()), Yaw: r.u8(), Pitch: r.u8()}, nil
}

// DespawnPlayer удаление игрока из мира получателя
type DespawnPlayer struct {
	PlayerID int8
}

func (DespawnPlayer) Opcode() Opcode { return OpDespawnPlayer }

func (p DespawnPlayer) encode(w *writer) error {
	w.u8(byte(p.PlayerID))
	return nil
}

func decodeDespawnPlayer(r *reader) (Packet, error) {
	return DespawnPlayer{PlayerID: int8(r.u8())}, nil
}

// Message сообщение чата от сервера
type Message struct {
	PlayerID int8
	Text     string
}

func (Message) Opcode() Opcode { return OpMessage }

func (p Message) encode(w *writer) error {
	w.u8(byte(p.PlayerID))
	w.str(p.Text)
	return nil
}

func decodeMessage(r *reader) (Packet, error) {
	return Message{PlayerID: int8(r.u8()), Text: r.str()}, nil
}

// Disconnect отключение клиента с причиной
type Disconnect struct {
	Reason string
}

func (Disconnect) Opcode() Opcode { return OpDisconnect }

func (p Disconnect) encode(w *writer) error {
	w.str(p.Reason)
	return nil
}

func decodeDisconnect(r *reader) (Packet, error) {
	return Disconnect{Reason: r.str()}, nil
}

// UpdateUserType смена статуса оператора
type UpdateUserType struct {
	Type byte
}

func (UpdateUserType) Opcode() Opcode { return OpUpdateUserType }

func (p UpdateUserType) encode(w *writer) error {
	w.u8(p.Type)
	return nil
}

func decodeUpdateUserType(r *reader) (Packet, error) {
	return UpdateUserType{Type: r.u8()}, nil
}

// HoldThis выдаёт клиенту блок в руку
type HoldThis struct {
	Block         block.BlockID
	PreventChange bool
}

func (HoldThis) Opcode() Opcode { return OpHoldThis }

func (p HoldThis) encode(w *writer) error {
	if p.Block > w.layout.MaxBlock() {
		return fieldError(OpHoldThis, "block", int(p.Block))
	}
	w.u8(byte(p.Block))
	w.bool(p.PreventChange)
	return nil
}

func decodeHoldThis(r *reader) (Packet, error) {
	id := block.BlockID(r.u8())
	if id > r.layout.MaxBlock() {
		return nil, fieldError(OpHoldThis, "block", int(id))
	}
	prevent := r.u8()
	if prevent > 1 {
		return nil, fieldError(OpHoldThis, "prevent_change", int(prevent))
	}
	return HoldThis{Block: id, PreventChange: prevent == 1}, nil
}
