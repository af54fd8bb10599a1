package world

// SnapshotChunkSize размер куска сетки, копируемого за одну блокировку чтения
const SnapshotChunkSize = 16 * 1024

// Snapshot ленивая перезапускаемая последовательность кусков сетки.
// Каждый кусок копируется под блокировкой чтения, так что длинная передача
// уровня не задерживает правки других игроков.
type Snapshot struct {
	w     *World
	off   int
	chunk int
}

// Snapshot создаёт последовательность кусков сетки мира
func (w *World) Snapshot() *Snapshot {
	return &Snapshot{w: w, chunk: SnapshotChunkSize}
}

// Volume возвращает полный размер сетки
func (s *Snapshot) Volume() int {
	return len(s.w.blocks)
}

// Next возвращает копию очередного куска; false, когда сетка пройдена
func (s *Snapshot) Next() ([]byte, bool) {
	total := len(s.w.blocks)
	if s.off >= total {
		return nil, false
	}
	end := s.off + s.chunk
	if end > total {
		end = total
	}
	out := make([]byte, end-s.off)

	s.w.mu.RLock()
	copy(out, s.w.blocks[s.off:end])
	s.w.mu.RUnlock()

	s.off = end
	return out, true
}

// Reset начинает последовательность заново
func (s *Snapshot) Reset() {
	s.off = 0
}

// Progress возвращает пройденную долю сетки в процентах
func (s *Snapshot) Progress() int {
	total := len(s.w.blocks)
	if total == 0 {
		return 100
	}
	return s.off * 100 / total
}
