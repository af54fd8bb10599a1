package protocol

import (
	"github.com/annel0/classic-server/internal/cpe"
	"github.com/annel0/classic-server/internal/world/block"
)

// Layout описывает форму пакетов соединения. Вычисляется один раз после
// согласования расширений и передаётся в кодек явно. Значение сравнимо и
// используется как ключ кэша закодированных пакетов.
type Layout struct {
	ExtendedPositions bool
	FullCP437         bool
	EmoteFix          bool
	LongerMessages    bool
	HeldBlock         bool
	TwoWayPing        bool
	CustomBlocksLevel uint8
}

// BaseLayout форма пакетов базового протокола без расширений
var BaseLayout = Layout{}

// LayoutFor вычисляет форму пакетов по набору возможностей
func LayoutFor(caps cpe.CapabilitySet) Layout {
	l := Layout{
		ExtendedPositions: caps.Has(cpe.ExtendedPositions),
		FullCP437:         caps.Has(cpe.FullCP437),
		EmoteFix:          caps.Has(cpe.EmoteFix),
		LongerMessages:    caps.Has(cpe.LongerMessages),
		HeldBlock:         caps.Has(cpe.HeldBlock),
		TwoWayPing:        caps.Has(cpe.TwoWayPing),
	}
	if caps.Has(cpe.CustomBlocks) {
		l.CustomBlocksLevel = cpe.CustomBlocksLevel
	}
	return l
}

// MaxBlock возвращает максимальный ID блока, который понимает клиент
func (l Layout) MaxBlock() block.BlockID {
	return block.MaxForLevel(l.CustomBlocksLevel)
}

// coordSize размер одной координаты позиции игрока
func (l Layout) coordSize() int {
	if l.ExtendedPositions {
		return 4
	}
	return 2
}

// locationSize размер позиции игрока: три координаты + yaw + pitch
func (l Layout) locationSize() int {
	return 3*l.coordSize() + 2
}

// FrameLength возвращает полную длину пакета (с опкодом) для направления.
// Второе значение false означает, что опкод не существует в этом направлении.
func (l Layout) FrameLength(dir Direction, op Opcode) (int, bool) {
	switch op {
	case OpExtInfo:
		return 1 + StringLength + 2, true
	case OpExtEntry:
		return 1 + StringLength + 4, true
	case OpCustomBlockSupportLevel:
		return 2, true
	case OpTwoWayPing:
		return 4, true
	}

	if dir == Serverbound {
		switch op {
		case OpIdentification:
			return 1 + 1 + StringLength*2 + 1, true
		case OpSetBlockClient:
			return 1 + 6 + 1 + 1, true
		case OpTeleport:
			return 1 + 1 + l.locationSize(), true
		case OpMessage:
			return 1 + 1 + StringLength, true
		}
		return 0, false
	}

	switch op {
	case OpIdentification:
		return 1 + 1 + StringLength*2 + 1, true
	case OpPing, OpLevelInitialize:
		return 1, true
	case OpLevelDataChunk:
		return 1 + 2 + ChunkSize + 1, true
	case OpLevelFinalize:
		return 1 + 6, true
	case OpSetBlock:
		return 1 + 6 + 1, true
	case OpSpawnPlayer:
		return 1 + 1 + StringLength + l.locationSize(), true
	case OpTeleport:
		return 1 + 1 + l.locationSize(), true
	case OpPositionOrientation:
		return 1 + 1 + 3 + 2, true
	case OpPositionUpdate:
		return 1 + 1 + 3, true
	case OpOrientationUpdate:
		return 1 + 1 + 2, true
	case OpDespawnPlayer:
		return 2, true
	case OpMessage:
		return 1 + 1 + StringLength, true
	case OpDisconnect:
		return 1 + StringLength, true
	case OpUpdateUserType:
		return 2, true
	case OpHoldThis:
		return 3, true
	}
	return 0, false
}
