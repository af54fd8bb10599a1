package block

import (
	"fmt"
	"strconv"
	"strings"
)

// BlockID представляет идентификатор блока (один байт на ячейку сетки)
type BlockID uint8

// Константы ID блоков базового протокола
const (
	AirBlockID BlockID = iota
	StoneBlockID
	GrassBlockID
	DirtBlockID
	CobblestoneBlockID
	PlanksBlockID
	SaplingBlockID
	BedrockBlockID
	FlowingWaterBlockID
	WaterBlockID
	FlowingLavaBlockID
	LavaBlockID
	SandBlockID
	GravelBlockID
	GoldOreBlockID
	IronOreBlockID
	CoalOreBlockID
	LogBlockID
	LeavesBlockID
	SpongeBlockID
	GlassBlockID
	RedWoolBlockID
	OrangeWoolBlockID
	YellowWoolBlockID
	LimeWoolBlockID
	GreenWoolBlockID
	AquaGreenWoolBlockID
	CyanWoolBlockID
	BlueWoolBlockID
	PurpleWoolBlockID
	IndigoWoolBlockID
	VioletWoolBlockID
	MagentaWoolBlockID
	PinkWoolBlockID
	BlackWoolBlockID
	GrayWoolBlockID
	WhiteWoolBlockID
	DandelionBlockID
	RoseBlockID
	BrownMushroomBlockID
	RedMushroomBlockID
	GoldBlockID
	IronBlockID
	DoubleSlabBlockID
	SlabBlockID
	BricksBlockID
	TNTBlockID
	BookshelfBlockID
	MossyCobblestoneBlockID
	ObsidianBlockID

	// Блоки расширения CustomBlocks (уровень 1)
	CobblestoneSlabBlockID
	RopeBlockID
	SandstoneBlockID
	SnowBlockID
	FireBlockID
	LightPinkWoolBlockID
	ForestGreenWoolBlockID
	BrownWoolBlockID
	DeepBlueBlockID
	TurquoiseBlockID
	IceBlockID
	CeramicTileBlockID
	MagmaBlockID
	PillarBlockID
	CrateBlockID
	StoneBrickBlockID
)

const (
	// MaxLegacyBlockID последний блок, известный любому клиенту
	MaxLegacyBlockID = ObsidianBlockID
	// MaxCustomBlockID последний блок CustomBlocks уровня 1
	MaxCustomBlockID = StoneBrickBlockID
)

var names = [...]string{
	"air", "stone", "grass", "dirt", "cobblestone", "planks", "sapling", "bedrock",
	"flowing_water", "water", "flowing_lava", "lava", "sand", "gravel", "gold_ore",
	"iron_ore", "coal_ore", "log", "leaves", "sponge", "glass", "red_wool", "orange_wool",
	"yellow_wool", "lime_wool", "green_wool", "aqua_green_wool", "cyan_wool", "blue_wool",
	"purple_wool", "indigo_wool", "violet_wool", "magenta_wool", "pink_wool", "black_wool",
	"gray_wool", "white_wool", "dandelion", "rose", "brown_mushroom", "red_mushroom",
	"gold_block", "iron_block", "double_slab", "slab", "bricks", "tnt", "bookshelf",
	"mossy_cobblestone", "obsidian",
	"cobblestone_slab", "rope", "sandstone", "snow", "fire", "light_pink_wool",
	"forest_green_wool", "brown_wool", "deep_blue", "turquoise", "ice", "ceramic_tile",
	"magma", "pillar", "crate", "stone_brick",
}

// IsValidBlockID проверяет, является ли ID известным блоком
func IsValidBlockID(id BlockID) bool {
	return id <= MaxCustomBlockID
}

// IsCustom сообщает, требует ли блок расширения CustomBlocks
func IsCustom(id BlockID) bool {
	return id > MaxLegacyBlockID
}

// MaxForLevel возвращает максимальный ID блока для уровня поддержки CustomBlocks
func MaxForLevel(level uint8) BlockID {
	if level >= 1 {
		return MaxCustomBlockID
	}
	return MaxLegacyBlockID
}

// Name возвращает имя блока
func (id BlockID) Name() string {
	if int(id) < len(names) {
		return names[id]
	}
	return fmt.Sprintf("unknown_%d", id)
}

// String реализует fmt.Stringer
func (id BlockID) String() string {
	return id.Name()
}

// Parse разбирает блок по имени или числовому ID
func Parse(s string) (BlockID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > int(MaxCustomBlockID) {
			return 0, fmt.Errorf("неизвестный блок %d", n)
		}
		return BlockID(n), nil
	}
	for i, name := range names {
		if name == s {
			return BlockID(i), nil
		}
	}
	return 0, fmt.Errorf("неизвестный блок %q", s)
}
