package world

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding/charmap"

	"github.com/annel0/classic-server/internal/vec"
)

// LevelFormat формат файла мира на диске
type LevelFormat int

const (
	FormatUnknown LevelFormat = iota
	// FormatNative собственный формат .clw
	FormatNative
	// FormatHoney файлы .hbit (HONEYLV) прежней версии сервера
	FormatHoney
	// FormatJava .mine и server_level.dat оригинального клиента и сервера
	FormatJava
)

func (f LevelFormat) String() string {
	switch f {
	case FormatNative:
		return "clw"
	case FormatHoney:
		return "hbit"
	case FormatJava:
		return "java"
	default:
		return "unknown"
	}
}

const (
	honeyMagic   = "HONEYLV"
	honeyVersion = 0

	javaLevelClass = "com.mojang.minecraft.level.Level"
)

// ImportExts расширения файлов, которые загружаются импортом
var ImportExts = []string{".hbit", ".mine", ".dat"}

// DetectFormat определяет формат по первым байтам
func DetectFormat(head []byte) LevelFormat {
	switch {
	case bytes.HasPrefix(head, []byte(levelMagic)):
		return FormatNative
	case bytes.HasPrefix(head, []byte(honeyMagic)):
		return FormatHoney
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		return FormatJava
	default:
		return FormatUnknown
	}
}

// LoadAny читает мир из файла любого поддерживаемого формата
func LoadAny(path string) (*World, LevelFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, FormatUnknown, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, _ := br.Peek(len(levelMagic))
	format := DetectFormat(head)

	var w *World
	switch format {
	case FormatNative:
		w, err = ReadLevel(br)
	case FormatHoney:
		w, err = ReadHoneyLevel(br)
	case FormatJava:
		w, err = ImportJavaLevel(br)
	default:
		err = fmt.Errorf("%w: unknown format", ErrBadLevel)
	}
	if err != nil {
		return nil, format, fmt.Errorf("load %s: %w", path, err)
	}
	return w, format, nil
}

// ReadHoneyLevel разбирает файл HONEYLV версии 0:
// magic, version u8, размеры u16×3, точка появления в 1/32 блока i16×3,
// yaw и pitch u8, длина имени u8 и имя в CP437, длина сетки u64, сетка в gzip.
func ReadHoneyLevel(r io.Reader) (*World, error) {
	var hdr struct {
		Magic      [7]byte
		Version    uint8
		X, Y, Z    uint16
		SX, SY, SZ int16
		Yaw, Pitch uint8
		NameLen    uint8
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadLevel, err)
	}
	if string(hdr.Magic[:]) != honeyMagic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadLevel, hdr.Magic[:])
	}
	if hdr.Version != honeyVersion {
		return nil, fmt.Errorf("%w: hbit version %d", ErrBadLevel, hdr.Version)
	}
	size := vec.Vec3{X: int(hdr.X), Y: int(hdr.Y), Z: int(hdr.Z)}
	if err := validateSize(size); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadLevel, err)
	}
	if hdr.NameLen > maxNameLength {
		return nil, fmt.Errorf("%w: name length %d", ErrBadLevel, hdr.NameLen)
	}
	raw := make([]byte, hdr.NameLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: name: %v", ErrBadLevel, err)
	}
	name, err := charmap.CodePage437.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: name: %v", ErrBadLevel, err)
	}

	var gridLen uint64
	if err := binary.Read(r, binary.BigEndian, &gridLen); err != nil {
		return nil, fmt.Errorf("%w: grid length: %v", ErrBadLevel, err)
	}
	if gridLen != uint64(size.Volume()) {
		return nil, fmt.Errorf("%w: grid length %d for %v", ErrBadLevel, gridLen, size)
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrBadLevel, err)
	}
	defer zr.Close()
	blocks := make([]byte, gridLen)
	if _, err := io.ReadFull(zr, blocks); err != nil {
		return nil, fmt.Errorf("%w: grid: %v", ErrBadLevel, err)
	}
	if extra, err := io.Copy(io.Discard, zr); err != nil || extra > 0 {
		return nil, fmt.Errorf("%w: grid trailer: %d extra bytes, %v", ErrBadLevel, extra, err)
	}

	spawn := vec.Location{X: int32(hdr.SX), Y: int32(hdr.SY), Z: int32(hdr.SZ), Yaw: hdr.Yaw, Pitch: hdr.Pitch}
	return newWorld(string(name), size, blocks, spawn), nil
}

// ImportJavaLevel читает уровень .mine или server_level.dat: gzip с
// сериализованным объектом Level, перед которым может стоять заголовок
func ImportJavaLevel(r io.Reader) (*World, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrBadLevel, err)
	}
	defer zr.Close()
	data, err := io.ReadAll(io.LimitReader(zr, maxJavaArray+1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrBadLevel, err)
	}

	start := bytes.Index(data, []byte{0xac, 0xed, 0x00, javaStreamVersion})
	if start < 0 {
		return nil, fmt.Errorf("%w: no serialized level", ErrBadLevel)
	}
	v, err := decodeJavaObject(bytes.NewReader(data[start:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadLevel, err)
	}
	obj, ok := v.(*javaObject)
	if !ok || !strings.HasSuffix(obj.Class, ".Level") {
		return nil, fmt.Errorf("%w: stream holds %T, want %s", ErrBadLevel, v, javaLevelClass)
	}

	var jl struct {
		width, height, depth   int32
		xSpawn, ySpawn, zSpawn int32
		rotSpawn               float32
	}
	ints := map[string]*int32{
		"width": &jl.width, "height": &jl.height, "depth": &jl.depth,
		"xSpawn": &jl.xSpawn, "ySpawn": &jl.ySpawn, "zSpawn": &jl.zSpawn,
	}
	for field, dst := range ints {
		n, ok := obj.Fields[field].(int32)
		if !ok {
			return nil, fmt.Errorf("%w: level field %s missing", ErrBadLevel, field)
		}
		*dst = n
	}
	jl.rotSpawn, _ = obj.Fields["rotSpawn"].(float32)
	blocks, ok := obj.Fields["blocks"].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: level has no blocks", ErrBadLevel)
	}
	name, _ := obj.Fields["name"].(string)

	// В Java уровне depth вертикальная ось, height глубина по Z
	size := vec.Vec3{X: int(jl.width), Y: int(jl.depth), Z: int(jl.height)}
	if err := validateSize(size); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadLevel, err)
	}
	if len(blocks) != size.Volume() {
		return nil, fmt.Errorf("%w: %d blocks for %v", ErrBadLevel, len(blocks), size)
	}

	spawn := vec.Location{
		X:   jl.xSpawn << vec.FixedShift,
		Y:   jl.ySpawn << vec.FixedShift,
		Z:   jl.zSpawn << vec.FixedShift,
		Yaw: javaYaw(jl.rotSpawn),
	}
	return newWorld(name, size, blocks, spawn), nil
}

// javaYaw переводит градусы в 1/256 оборота
func javaYaw(deg float32) uint8 {
	turns := float64(deg) / 360
	turns -= float64(int64(turns))
	if turns < 0 {
		turns++
	}
	return uint8(int(turns*256) & 0xff)
}
