package world

import (
	"fmt"

	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/vec"
	"github.com/annel0/classic-server/internal/world/block"
)

// DataSource источник начальной сетки мира
type DataSource interface {
	// Generate возвращает сетку размера size.Volume() и точку появления
	Generate(size vec.Vec3) ([]byte, vec.Location, error)
}

// Layer слой суперплоского мира
type Layer struct {
	Block  block.BlockID
	Height int
}

// Superflat заполняет мир горизонтальными слоями снизу вверх
type Superflat struct {
	Layers []Layer
}

// NewSuperflat создаёт генератор из слоёв конфигурации
func NewSuperflat(layers []config.LayerConfig) (*Superflat, error) {
	out := make([]Layer, 0, len(layers))
	for i, l := range layers {
		if l.Block < 0 || !block.IsValidBlockID(block.BlockID(l.Block)) {
			return nil, fmt.Errorf("layer %d: %w: %d", i, ErrInvalidBlock, l.Block)
		}
		if l.Height < 0 {
			return nil, fmt.Errorf("layer %d: negative height %d", i, l.Height)
		}
		out = append(out, Layer{Block: block.BlockID(l.Block), Height: l.Height})
	}
	return &Superflat{Layers: out}, nil
}

// Generate реализует DataSource
func (s *Superflat) Generate(size vec.Vec3) ([]byte, vec.Location, error) {
	layer := size.X * size.Z
	blocks := make([]byte, size.Volume())

	y := 0
	for _, l := range s.Layers {
		for h := 0; h < l.Height && y < size.Y; h++ {
			row := blocks[y*layer : (y+1)*layer]
			for i := range row {
				row[i] = byte(l.Block)
			}
			y++
		}
	}

	// Появление на поверхности в центре мира
	top := y
	if top >= size.Y {
		top = size.Y - 1
	}
	spawn := vec.LocationAt(vec.Vec3{X: size.X / 2, Y: top, Z: size.Z / 2})
	return blocks, spawn, nil
}

// Surface возвращает суммарную высоту слоёв
func (s *Superflat) Surface() int {
	h := 0
	for _, l := range s.Layers {
		h += l.Height
	}
	return h
}

// Empty источник пустого мира
type Empty struct{}

// Generate реализует DataSource
func (Empty) Generate(size vec.Vec3) ([]byte, vec.Location, error) {
	return make([]byte, size.Volume()), vec.LocationAt(vec.Vec3{X: size.X / 2, Z: size.Z / 2}), nil
}
