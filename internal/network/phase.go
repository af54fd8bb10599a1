package network

import "github.com/annel0/classic-server/internal/protocol"

// Phase фаза протокола сессии
type Phase int32

const (
	PhaseConnecting Phase = iota
	PhaseNegotiating
	PhaseAuthenticating
	PhaseSpawned
	PhaseDisconnected
)

// String возвращает имя фазы
func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseSpawned:
		return "spawned"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Allows сообщает, может ли клиент прислать пакет op в фазе p.
// Пакет вне таблицы является нарушением протокола.
func Allows(p Phase, op protocol.Opcode) bool {
	switch p {
	case PhaseConnecting:
		return op == protocol.OpIdentification
	case PhaseNegotiating:
		return op == protocol.OpExtInfo ||
			op == protocol.OpExtEntry ||
			op == protocol.OpCustomBlockSupportLevel
	case PhaseSpawned:
		switch op {
		case protocol.OpSetBlockClient, protocol.OpTeleport, protocol.OpMessage, protocol.OpTwoWayPing:
			return true
		}
	}
	// Authenticating обрабатывается без чтения пакетов, Disconnected терминальна
	return false
}
