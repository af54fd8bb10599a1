package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Типы событий сервера
const (
	TypePlayerJoined    = "PlayerJoined"
	TypePlayerLeft      = "PlayerLeft"
	TypeChat            = "Chat"
	TypeBlockChanged    = "BlockChanged"
	TypeCommand         = "Command"
	TypeWorldSaved      = "WorldSaved"
	TypePlayerModerated = "PlayerModerated"
)

// payloadVersion версия схемы полезной нагрузки
const payloadVersion = 1

// PlayerEvent вход или выход игрока
type PlayerEvent struct {
	Username string `json:"username"`
	Address  string `json:"address,omitempty"`
	Client   string `json:"client,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ChatEvent сообщение в общий чат
type ChatEvent struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// BlockEvent принятое изменение блока
type BlockEvent struct {
	Username string `json:"username"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Z        int    `json:"z"`
	Block    uint8  `json:"block"`
}

// CommandEvent выполненная команда
type CommandEvent struct {
	Username string `json:"username"`
	Command  string `json:"command"`
	Args     string `json:"args,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WorldEvent сохранение мира
type WorldEvent struct {
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// ModerationEvent kick / ban / unban / op / deop
type ModerationEvent struct {
	Action string `json:"action"`
	Target string `json:"target"`
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

// NewEnvelope упаковывает полезную нагрузку в JSON-конверт с новым UUID
func NewEnvelope(source, eventType, world string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		EventType: eventType,
		Version:   payloadVersion,
		World:     world,
		Payload:   data,
	}, nil
}

// Decode разбирает полезную нагрузку в v
func (e *Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}
