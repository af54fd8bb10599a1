package world

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/annel0/classic-server/internal/vec"
)

// Формат файла мира
const (
	LevelExt     = ".clw"
	BackupSuffix = "~"

	levelMagic   = "CLWORLD"
	levelVersion = 1

	permBuildOpsOnly = 1 << 0
	permBreakOpsOnly = 1 << 1

	maxNameLength = 64
)

// ErrBadLevel файл мира повреждён или имеет неизвестный формат
var ErrBadLevel = errors.New("world: bad level file")

// levelHeader заголовок файла мира до имени
type levelHeader struct {
	Magic   [7]byte
	Version uint8
	X, Y, Z uint16
	SpawnX  int32
	SpawnY  int32
	SpawnZ  int32
	Yaw     uint8
	Pitch   uint8
	Flags   uint8
}

// levelState копия состояния мира для записи вне блокировки
type levelState struct {
	name    string
	size    vec.Vec3
	spawn   vec.Location
	perms   Permissions
	blocks  []byte
	version uint64
}

func (w *World) copyState() levelState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	blocks := make([]byte, len(w.blocks))
	copy(blocks, w.blocks)
	return levelState{
		name:    w.name,
		size:    w.size,
		spawn:   w.spawn,
		perms:   w.perms,
		blocks:  blocks,
		version: w.version,
	}
}

// Save записывает мир в файл. Сетка копируется под блокировкой чтения,
// запись идёт без блокировки во временный файл, который затем
// переименовывается поверх path. Предыдущий файл до этого копируется в
// резервную копию, так что path существует в любой момент сохранения.
// При ошибке предыдущий файл не меняется.
func (w *World) Save(path string) error {
	st := w.copyState()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create world dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := writeLevel(tmp, st); err != nil {
		cleanup()
		return fmt.Errorf("write level %s: %w", st.name, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync level %s: %w", st.name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close level %s: %w", st.name, err)
	}

	if err := backupLevel(path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("backup level %s: %w", st.name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace level %s: %w", st.name, err)
	}

	w.mu.Lock()
	if st.version > w.saved {
		w.saved = st.version
	}
	w.mu.Unlock()
	return nil
}

// backupLevel делает path~ копией текущего файла мира: жёсткой ссылкой,
// а если файловая система их не поддерживает, копированием
func backupLevel(path string) error {
	backup := path + BackupSuffix
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	if err := os.Remove(backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Link(path, backup); err == nil {
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(backup)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(backup)
		return err
	}
	return dst.Close()
}

func writeLevel(out io.Writer, st levelState) error {
	if len(st.name) > maxNameLength {
		return fmt.Errorf("name longer than %d bytes", maxNameLength)
	}

	bw := bufio.NewWriter(out)
	hdr := levelHeader{
		Version: levelVersion,
		X:       uint16(st.size.X),
		Y:       uint16(st.size.Y),
		Z:       uint16(st.size.Z),
		SpawnX:  st.spawn.X,
		SpawnY:  st.spawn.Y,
		SpawnZ:  st.spawn.Z,
		Yaw:     st.spawn.Yaw,
		Pitch:   st.spawn.Pitch,
	}
	copy(hdr.Magic[:], levelMagic)
	if st.perms.BuildOpsOnly {
		hdr.Flags |= permBuildOpsOnly
	}
	if st.perms.BreakOpsOnly {
		hdr.Flags |= permBreakOpsOnly
	}
	if err := binary.Write(bw, binary.BigEndian, &hdr); err != nil {
		return err
	}
	if err := bw.WriteByte(byte(len(st.name))); err != nil {
		return err
	}
	if _, err := bw.WriteString(st.name); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, uint32(len(st.blocks))); err != nil {
		return err
	}

	zw := gzip.NewWriter(bw)
	if _, err := zw.Write(st.blocks); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

// Load читает мир из файла
func Load(path string) (*World, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	w, err := ReadLevel(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return w, nil
}

// ReadLevel разбирает мир из потока в формате файла мира
func ReadLevel(r io.Reader) (*World, error) {
	var hdr levelHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadLevel, err)
	}
	if string(hdr.Magic[:]) != levelMagic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadLevel, hdr.Magic[:])
	}
	if hdr.Version != levelVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadLevel, hdr.Version)
	}
	size := vec.Vec3{X: int(hdr.X), Y: int(hdr.Y), Z: int(hdr.Z)}
	if err := validateSize(size); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadLevel, err)
	}

	var nameLen [1]byte
	if _, err := io.ReadFull(r, nameLen[:]); err != nil {
		return nil, fmt.Errorf("%w: name length: %v", ErrBadLevel, err)
	}
	if nameLen[0] > maxNameLength {
		return nil, fmt.Errorf("%w: name length %d", ErrBadLevel, nameLen[0])
	}
	name := make([]byte, nameLen[0])
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("%w: name: %v", ErrBadLevel, err)
	}

	var gridLen uint32
	if err := binary.Read(r, binary.BigEndian, &gridLen); err != nil {
		return nil, fmt.Errorf("%w: grid length: %v", ErrBadLevel, err)
	}
	if int(gridLen) != size.Volume() {
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
	// Дочитываем поток, чтобы проверить контрольную сумму gzip
	if extra, err := io.Copy(io.Discard, zr); err != nil || extra > 0 {
		return nil, fmt.Errorf("%w: grid trailer: %d extra bytes, %v", ErrBadLevel, extra, err)
	}

	spawn := vec.Location{X: hdr.SpawnX, Y: hdr.SpawnY, Z: hdr.SpawnZ, Yaw: hdr.Yaw, Pitch: hdr.Pitch}
	w := newWorld(string(name), size, blocks, spawn)
	w.perms = Permissions{
		BuildOpsOnly: hdr.Flags&permBuildOpsOnly != 0,
		BreakOpsOnly: hdr.Flags&permBreakOpsOnly != 0,
	}
	return w, nil
}
