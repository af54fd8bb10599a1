package world

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/vec"
	"github.com/annel0/classic-server/internal/world/block"
)

func gzipBytes(t *testing.T, parts ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for _, p := range parts {
		_, err := zw.Write(p)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// honeyLevel собирает файл HONEYLV версии 0
func honeyLevel(t *testing.T, size vec.Vec3, spawn vec.Location, name []byte, blocks []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString(honeyMagic)
	buf.WriteByte(honeyVersion)
	for _, v := range []uint16{uint16(size.X), uint16(size.Y), uint16(size.Z)} {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, v))
	}
	for _, v := range []int16{int16(spawn.X), int16(spawn.Y), int16(spawn.Z)} {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, v))
	}
	buf.WriteByte(spawn.Yaw)
	buf.WriteByte(spawn.Pitch)
	buf.WriteByte(byte(len(name)))
	buf.Write(name)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint64(len(blocks))))
	buf.Write(gzipBytes(t, blocks))
	return buf.Bytes()
}

func patternGrid(size vec.Vec3) []byte {
	blocks := make([]byte, size.Volume())
	for i := range blocks {
		blocks[i] = byte(i % int(block.MaxLegacyBlockID+1))
	}
	return blocks
}

func TestReadHoneyLevel(t *testing.T) {
	size := vec.Vec3{X: 8, Y: 4, Z: 16}
	spawn := vec.Location{X: 4*32 + 16, Y: 3*32 + 51, Z: -40, Yaw: 64, Pitch: 12}
	blocks := patternGrid(size)

	w, err := ReadHoneyLevel(bytes.NewReader(honeyLevel(t, size, spawn, []byte{'C', 'a', 'f', 0x82}, blocks)))
	require.NoError(t, err)
	assert.Equal(t, "Café", w.Name())
	assert.Equal(t, size, w.Size())
	assert.Equal(t, spawn, w.Spawn())
	assert.Equal(t, blocks, w.blocks)
}

func TestReadHoneyLevel_Bad(t *testing.T) {
	size := vec.Vec3{X: 4, Y: 4, Z: 4}
	good := honeyLevel(t, size, vec.Location{}, []byte("w"), make([]byte, size.Volume()))

	wrongVersion := append([]byte(nil), good...)
	wrongVersion[len(honeyMagic)] = 1
	_, err := ReadHoneyLevel(bytes.NewReader(wrongVersion))
	assert.ErrorIs(t, err, ErrBadLevel)

	short := honeyLevel(t, size, vec.Location{}, []byte("w"), make([]byte, 10))
	_, err = ReadHoneyLevel(bytes.NewReader(short))
	assert.ErrorIs(t, err, ErrBadLevel, "длина сетки не совпадает с размерами")

	_, err = ReadHoneyLevel(bytes.NewReader(good[:len(good)-8]))
	assert.ErrorIs(t, err, ErrBadLevel, "обрезанный файл")
}

// javaStream пишет поток сериализации Java, считая выданные handle
type javaStream struct {
	bytes.Buffer
	next int
}

func (s *javaStream) handle() int {
	h := s.next
	s.next++
	return h
}

func (s *javaStream) utf(str string) {
	_ = binary.Write(s, binary.BigEndian, uint16(len(str)))
	s.WriteString(str)
}

func (s *javaStream) i32(v int32) {
	_ = binary.Write(s, binary.BigEndian, v)
}

func (s *javaStream) str(str string) int {
	s.WriteByte(tcString)
	h := s.handle()
	s.utf(str)
	return h
}

func (s *javaStream) ref(h int) {
	s.WriteByte(tcReference)
	s.i32(int32(javaBaseHandle + h))
}

func (s *javaStream) classDesc(name string, flags byte, count int16, fields func()) {
	s.WriteByte(tcClassDesc)
	s.utf(name)
	_ = binary.Write(s, binary.BigEndian, int64(42))
	s.handle()
	s.WriteByte(flags)
	_ = binary.Write(s, binary.BigEndian, count)
	fields()
	s.WriteByte(tcEndBlockData)
	s.WriteByte(tcNull)
}

func (s *javaStream) field(code byte, name string) {
	s.WriteByte(code)
	s.utf(name)
}

type javaLevel struct {
	width, height, depth   int32
	xSpawn, ySpawn, zSpawn int32
	rotSpawn               float32
	name                   string
	blocks                 []byte
}

// serialize записывает объект Level с вложенной BlockMap, у которой есть
// аннотация writeObject, и полем creator, ссылающимся на строку имени
func (l javaLevel) serialize() []byte {
	s := &javaStream{}
	_ = binary.Write(s, binary.BigEndian, uint16(javaStreamMagic))
	_ = binary.Write(s, binary.BigEndian, uint16(javaStreamVersion))

	s.WriteByte(tcObject)
	s.classDesc(javaLevelClass, scSerializable, 11, func() {
		for _, f := range []string{"width", "height", "depth", "xSpawn", "ySpawn", "zSpawn"} {
			s.field('I', f)
		}
		s.field('F', "rotSpawn")
		s.field('[', "blocks")
		s.str("[B")
		s.field('L', "name")
		stringClass := s.str("Ljava/lang/String;")
		s.field('L', "creator")
		s.ref(stringClass)
		s.field('L', "blockMap")
		s.str("Lcom/mojang/minecraft/level/BlockMap;")
	})
	s.handle()

	for _, v := range []int32{l.width, l.height, l.depth, l.xSpawn, l.ySpawn, l.zSpawn} {
		s.i32(v)
	}
	_ = binary.Write(s, binary.BigEndian, math.Float32bits(l.rotSpawn))

	s.WriteByte(tcArray)
	s.classDesc("[B", scSerializable, 0, func() {})
	s.handle()
	s.i32(int32(len(l.blocks)))
	s.Write(l.blocks)

	name := s.str(l.name)
	s.ref(name)

	s.WriteByte(tcObject)
	s.classDesc("com.mojang.minecraft.level.BlockMap", scSerializable|scWriteMethod, 1, func() {
		s.field('I', "width")
	})
	s.handle()
	s.i32(l.width)
	s.WriteByte(tcBlockData)
	s.WriteByte(4)
	s.i32(7)
	s.WriteByte(tcEndBlockData)

	return s.Bytes()
}

// mineFile оборачивает уровень так же, как клиент: gzip, заголовок .mine и объект
func mineFile(t *testing.T, l javaLevel) []byte {
	t.Helper()
	header := []byte{0x27, 0x1b, 0xb7, 0x88, 0x02}
	return gzipBytes(t, header, l.serialize())
}

func TestImportJavaLevel(t *testing.T) {
	level := javaLevel{
		width: 8, height: 16, depth: 4,
		xSpawn: 3, ySpawn: 2, zSpawn: 10,
		rotSpawn: 90,
		name:     "A Nice World",
		blocks:   patternGrid(vec.Vec3{X: 8, Y: 4, Z: 16}),
	}

	w, err := ImportJavaLevel(bytes.NewReader(mineFile(t, level)))
	require.NoError(t, err)
	assert.Equal(t, "A Nice World", w.Name())
	assert.Equal(t, vec.Vec3{X: 8, Y: 4, Z: 16}, w.Size(), "depth вертикальная ось")
	assert.Equal(t, vec.Location{X: 3 * 32, Y: 2 * 32, Z: 10 * 32, Yaw: 64}, w.Spawn())
	assert.Equal(t, level.blocks, w.blocks)
}

func TestImportJavaLevel_Bad(t *testing.T) {
	_, err := ImportJavaLevel(bytes.NewReader([]byte("plain text")))
	assert.ErrorIs(t, err, ErrBadLevel)

	_, err = ImportJavaLevel(bytes.NewReader(gzipBytes(t, []byte("no java object here"))))
	assert.ErrorIs(t, err, ErrBadLevel)

	mismatch := javaLevel{width: 4, height: 4, depth: 4, blocks: make([]byte, 10)}
	_, err = ImportJavaLevel(bytes.NewReader(mineFile(t, mismatch)))
	assert.ErrorIs(t, err, ErrBadLevel)

	full := javaLevel{width: 2, height: 2, depth: 2, blocks: make([]byte, 8)}.serialize()
	_, err = ImportJavaLevel(bytes.NewReader(gzipBytes(t, full[:len(full)-6])))
	assert.ErrorIs(t, err, ErrBadLevel, "обрезанный поток")
}

func TestJavaYaw(t *testing.T) {
	assert.Equal(t, uint8(0), javaYaw(0))
	assert.Equal(t, uint8(64), javaYaw(90))
	assert.Equal(t, uint8(192), javaYaw(-90))
	assert.Equal(t, uint8(64), javaYaw(450))
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatNative, DetectFormat([]byte(levelMagic)))
	assert.Equal(t, FormatHoney, DetectFormat([]byte(honeyMagic)))
	assert.Equal(t, FormatJava, DetectFormat([]byte{0x1f, 0x8b, 8, 0}))
	assert.Equal(t, FormatUnknown, DetectFormat([]byte("random")))
	assert.Equal(t, FormatUnknown, DetectFormat(nil))
}

func TestManager_ImportsLegacyLevels(t *testing.T) {
	cfg := config.Default().Worlds
	cfg.Dir = t.TempDir()
	cfg.DefaultSize = config.SizeConfig{X: 8, Y: 8, Z: 8}

	honeySize := vec.Vec3{X: 4, Y: 4, Z: 4}
	honeyBlocks := patternGrid(honeySize)
	honeyPath := filepath.Join(cfg.Dir, "old.hbit")
	require.NoError(t, os.WriteFile(honeyPath,
		honeyLevel(t, honeySize, vec.Location{X: 32, Y: 64, Z: 32}, []byte("old"), honeyBlocks), 0o644))

	javaBlocks := patternGrid(vec.Vec3{X: 8, Y: 4, Z: 8})
	minePath := filepath.Join(cfg.Dir, "classic.mine")
	require.NoError(t, os.WriteFile(minePath, mineFile(t, javaLevel{
		width: 8, height: 8, depth: 4, name: "classic", blocks: javaBlocks,
	}), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "junk.dat"), []byte("not a level"), 0o644))

	m := NewManager(cfg, nil)
	require.NoError(t, m.LoadAll())
	assert.Equal(t, []string{"classic", cfg.Default, "old"}, m.Names())

	for _, name := range []string{"old", "classic"} {
		assert.FileExists(t, m.Path(name), "импорт пересохраняется в .clw")
	}
	assert.NoFileExists(t, honeyPath)
	assert.FileExists(t, honeyPath+BackupSuffix)
	assert.NoFileExists(t, minePath)
	assert.FileExists(t, minePath+BackupSuffix)
	assert.FileExists(t, filepath.Join(cfg.Dir, "junk.dat"), "нераспознанный файл не трогается")

	// Повторный запуск читает уже пересохранённые миры
	again := NewManager(cfg, nil)
	require.NoError(t, again.LoadAll())
	assert.Equal(t, m.Names(), again.Names())
	old, ok := again.Get("old")
	require.True(t, ok)
	assert.Equal(t, honeyBlocks, old.blocks)
	classic, ok := again.Get("classic")
	require.True(t, ok)
	assert.Equal(t, javaBlocks, classic.blocks)
}
