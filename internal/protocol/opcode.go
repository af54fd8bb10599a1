package protocol

import "fmt"

// Version версия протокола Classic, которую поддерживает сервер
const Version = 7

// CPEMagic значение последнего байта PlayerIdentification у клиентов с поддержкой CPE
const CPEMagic = 0x42

// UserType значения поля типа пользователя
const (
	UserTypeNormal byte = 0x00
	UserTypeOp     byte = 0x64
)

// SelfID идентификатор, которым клиент обозначает самого себя
const SelfID int8 = -1

// Opcode однобайтовый тег пакета
type Opcode byte

const (
	OpIdentification          Opcode = 0x00
	OpPing                    Opcode = 0x01
	OpLevelInitialize         Opcode = 0x02
	OpLevelDataChunk          Opcode = 0x03
	OpLevelFinalize           Opcode = 0x04
	OpSetBlockClient          Opcode = 0x05
	OpSetBlock                Opcode = 0x06
	OpSpawnPlayer             Opcode = 0x07
	OpTeleport                Opcode = 0x08
	OpPositionOrientation     Opcode = 0x09
	OpPositionUpdate          Opcode = 0x0a
	OpOrientationUpdate       Opcode = 0x0b
	OpDespawnPlayer           Opcode = 0x0c
	OpMessage                 Opcode = 0x0d
	OpDisconnect              Opcode = 0x0e
	OpUpdateUserType          Opcode = 0x0f
	OpExtInfo                 Opcode = 0x10
	OpExtEntry                Opcode = 0x11
	OpCustomBlockSupportLevel Opcode = 0x13
	OpHoldThis                Opcode = 0x14
	OpTwoWayPing              Opcode = 0x2b
)

// String возвращает опкод в шестнадцатеричном виде
func (o Opcode) String() string {
	return fmt.Sprintf("0x%02x", byte(o))
}

// Direction направление передачи пакета
type Direction int

const (
	// Serverbound пакеты от клиента к серверу
	Serverbound Direction = iota
	// Clientbound пакеты от сервера к клиенту
	Clientbound
)

// Opposite возвращает противоположное направление
func (d Direction) Opposite() Direction {
	if d == Serverbound {
		return Clientbound
	}
	return Serverbound
}

// String реализует fmt.Stringer
func (d Direction) String() string {
	if d == Serverbound {
		return "serverbound"
	}
	return "clientbound"
}
