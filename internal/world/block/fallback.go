package block

// Fallback таблица замены блоков для клиентов, не поддерживающих расширенные ID.
// Таблица приходит из конфигурации; DefaultFallback используется, если она пуста.
type Fallback struct {
	table map[BlockID]BlockID
}

// DefaultFallback возвращает стандартную таблицу замены CustomBlocks
func DefaultFallback() *Fallback {
	return &Fallback{table: map[BlockID]BlockID{
		CobblestoneSlabBlockID: SlabBlockID,
		RopeBlockID:            BrownMushroomBlockID,
		SandstoneBlockID:       SandBlockID,
		SnowBlockID:            AirBlockID,
		FireBlockID:            LavaBlockID,
		LightPinkWoolBlockID:   PinkWoolBlockID,
		ForestGreenWoolBlockID: GreenWoolBlockID,
		BrownWoolBlockID:       DirtBlockID,
		DeepBlueBlockID:        BlueWoolBlockID,
		TurquoiseBlockID:       CyanWoolBlockID,
		IceBlockID:             GlassBlockID,
		CeramicTileBlockID:     IronBlockID,
		MagmaBlockID:           ObsidianBlockID,
		PillarBlockID:          WhiteWoolBlockID,
		CrateBlockID:           PlanksBlockID,
		StoneBrickBlockID:      StoneBlockID,
	}}
}

// NewFallback строит таблицу из конфигурации поверх стандартной
func NewFallback(overrides map[int]int) *Fallback {
	fb := DefaultFallback()
	for from, to := range overrides {
		fb.table[BlockID(from)] = BlockID(to)
	}
	return fb
}

// Resolve возвращает блок, который может показать клиент с максимальным ID max.
// Цепочки замен проходятся до подходящего блока; при отсутствии замены
// (или зацикливании) возвращается камень.
func (f *Fallback) Resolve(id BlockID, max BlockID) BlockID {
	for hops := 0; id > max; hops++ {
		next, ok := f.table[id]
		if !ok || hops > len(f.table) {
			return StoneBlockID
		}
		id = next
	}
	return id
}

// Table возвращает копию таблицы замен
func (f *Fallback) Table() map[BlockID]BlockID {
	out := make(map[BlockID]BlockID, len(f.table))
	for k, v := range f.table {
		out[k] = v
	}
	return out
}
