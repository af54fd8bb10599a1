package network

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/annel0/classic-server/internal/protocol"
	"github.com/annel0/classic-server/internal/world"
	"github.com/annel0/classic-server/internal/world/block"
)

// chunkWriter режет сжатый поток уровня на пакеты LevelDataChunk
type chunkWriter struct {
	s       *Session
	snap    *world.Snapshot
	buf     []byte
	written int
}

func (cw *chunkWriter) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		free := protocol.ChunkSize - len(cw.buf)
		if free > len(p) {
			free = len(p)
		}
		cw.buf = append(cw.buf, p[:free]...)
		p = p[free:]
		n += free
		if len(cw.buf) == protocol.ChunkSize {
			if err := cw.flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (cw *chunkWriter) flush() error {
	if len(cw.buf) == 0 {
		return nil
	}
	percent := cw.snap.Progress()
	if percent > 100 {
		percent = 100
	}
	err := cw.s.writePacket(protocol.LevelDataChunk{Data: cw.buf, Percent: byte(percent)})
	cw.written++
	cw.buf = make([]byte, 0, protocol.ChunkSize)
	return err
}

// legacyTable строит таблицу замены всех 256 ID для клиента с максимальным ID max
func legacyTable(fb *block.Fallback, max block.BlockID) *[256]byte {
	var table [256]byte
	for i := range table {
		table[i] = byte(fb.Resolve(block.BlockID(i), max))
	}
	return &table
}

// sendLevel передаёт мир клиенту: LevelInitialize, gzip(u32 объём + сетка)
// частями по 1024 байта, LevelFinalize. Пакеты идут мимо удержанной очереди.
func (s *Session) sendLevel(w *world.World) error {
	start := time.Now()

	if err := s.writePacket(protocol.LevelInitialize{}); err != nil {
		return err
	}

	snap := w.Snapshot()
	cw := &chunkWriter{s: s, snap: snap, buf: make([]byte, 0, protocol.ChunkSize)}
	gz, err := gzip.NewWriterLevel(cw, gzip.BestSpeed)
	if err != nil {
		return err
	}

	var remap *[256]byte
	if s.layout.MaxBlock() < block.MaxCustomBlockID {
		remap = legacyTable(s.server.hub.Fallback(), s.layout.MaxBlock())
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(snap.Volume()))
	if _, err := gz.Write(prefix[:]); err != nil {
		return err
	}
	for {
		chunk, ok := snap.Next()
		if !ok {
			break
		}
		if remap != nil {
			for i, b := range chunk {
				chunk[i] = remap[b]
			}
		}
		if _, err := gz.Write(chunk); err != nil {
			return fmt.Errorf("level stream: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("level stream: %w", err)
	}
	if err := cw.flush(); err != nil {
		return err
	}

	size := w.Size()
	if err := s.writePacket(protocol.LevelFinalize{X: uint16(size.X), Y: uint16(size.Y), Z: uint16(size.Z)}); err != nil {
		return err
	}

	s.server.metrics.levelTransfer.Observe(time.Since(start).Seconds())
	s.logger.Debug("Уровень %s передан %s: %d пакетов за %v", w.Name(), s.name, cw.written, time.Since(start))
	return nil
}
