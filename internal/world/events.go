package world

import (
	"github.com/annel0/classic-server/internal/vec"
	"github.com/annel0/classic-server/internal/world/block"
)

// Listener получает события мира. Методы вызываются под блокировкой записи
// мира и не должны блокироваться или обращаться к миру с записью.
type Listener interface {
	// BlockChanged принятое изменение блока
	BlockChanged(w *World, pos vec.Vec3, id block.BlockID, by Requester)
	// PlayerJoined игрок зарегистрирован; present - игроки, бывшие в мире до него
	PlayerJoined(w *World, p Player, present []Player)
	// PlayerMoved игрок сменил позицию или ориентацию
	PlayerMoved(w *World, p Player, prev vec.Location)
	// PlayerLeft игрок удалён из реестра
	PlayerLeft(w *World, p Player)
}

// NopListener слушатель, игнорирующий все события
type NopListener struct{}

func (NopListener) BlockChanged(*World, vec.Vec3, block.BlockID, Requester) {}
func (NopListener) PlayerJoined(*World, Player, []Player)                   {}
func (NopListener) PlayerMoved(*World, Player, vec.Location)                {}
func (NopListener) PlayerLeft(*World, Player)                               {}

// Listeners рассылает события нескольким слушателям по порядку
type Listeners []Listener

func (ls Listeners) BlockChanged(w *World, pos vec.Vec3, id block.BlockID, by Requester) {
	for _, l := range ls {
		l.BlockChanged(w, pos, id, by)
	}
}

func (ls Listeners) PlayerJoined(w *World, p Player, present []Player) {
	for _, l := range ls {
		l.PlayerJoined(w, p, present)
	}
}

func (ls Listeners) PlayerMoved(w *World, p Player, prev vec.Location) {
	for _, l := range ls {
		l.PlayerMoved(w, p, prev)
	}
}

func (ls Listeners) PlayerLeft(w *World, p Player) {
	for _, l := range ls {
		l.PlayerLeft(w, p)
	}
}
