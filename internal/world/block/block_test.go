package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallback_DefaultTable(t *testing.T) {
	fb := DefaultFallback()

	assert.Equal(t, SlabBlockID, fb.Resolve(CobblestoneSlabBlockID, MaxLegacyBlockID))
	assert.Equal(t, GlassBlockID, fb.Resolve(IceBlockID, MaxLegacyBlockID))
	assert.Equal(t, IceBlockID, fb.Resolve(IceBlockID, MaxCustomBlockID), "клиент с CustomBlocks получает исходный блок")
	assert.Equal(t, StoneBlockID, fb.Resolve(StoneBlockID, MaxLegacyBlockID))

	for id := MaxLegacyBlockID + 1; id <= MaxCustomBlockID; id++ {
		assert.LessOrEqual(t, fb.Resolve(id, MaxLegacyBlockID), MaxLegacyBlockID, "блок %s должен заменяться", id)
	}
}

func TestFallback_OverridesAndChains(t *testing.T) {
	fb := NewFallback(map[int]int{
		int(CrateBlockID): int(StoneBrickBlockID), // цепочка: crate -> stone_brick -> stone
	})
	assert.Equal(t, StoneBlockID, fb.Resolve(CrateBlockID, MaxLegacyBlockID))

	loop := NewFallback(map[int]int{60: 61, 61: 60})
	assert.Equal(t, StoneBlockID, loop.Resolve(60, MaxLegacyBlockID), "зацикливание заканчивается камнем")
}

func TestParse(t *testing.T) {
	id, err := Parse("obsidian")
	require.NoError(t, err)
	assert.Equal(t, ObsidianBlockID, id)

	id, err = Parse("65")
	require.NoError(t, err)
	assert.Equal(t, StoneBrickBlockID, id)

	_, err = Parse("66")
	assert.Error(t, err)
	_, err = Parse("diamond")
	assert.Error(t, err)

	assert.Equal(t, "stone_brick", StoneBrickBlockID.Name())
	assert.Equal(t, MaxLegacyBlockID, MaxForLevel(0))
	assert.Equal(t, MaxCustomBlockID, MaxForLevel(1))
}
