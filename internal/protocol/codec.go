package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/annel0/classic-server/internal/vec"
)

// Ошибки кодека
var (
	// ErrNeedMore буфер не содержит полного пакета; не фатальна
	ErrNeedMore = errors.New("protocol: need more data")
	// ErrUnknownOpcode опкод не существует для направления
	ErrUnknownOpcode = errors.New("protocol: unknown opcode")
	// ErrInvalidField поле пакета вне допустимого диапазона
	ErrInvalidField = errors.New("protocol: invalid field")
	// ErrWrongDirection пакет не может быть отправлен в этом направлении
	ErrWrongDirection = errors.New("protocol: wrong direction")
)

// DecodeError описывает фатальную ошибку разбора пакета
type DecodeError struct {
	Kind   error
	Opcode Opcode
	Field  string
	Value  int
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%v: opcode %s field %s = %d", e.Kind, e.Opcode, e.Field, e.Value)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Opcode)
}

// Unwrap позволяет сравнивать ошибку через errors.Is
func (e *DecodeError) Unwrap() error {
	return e.Kind
}

func fieldError(op Opcode, field string, value int) error {
	return &DecodeError{Kind: ErrInvalidField, Opcode: op, Field: field, Value: value}
}

type decodeFunc func(r *reader) (Packet, error)

// Таблицы разбора по направлению
var decoders = map[Direction]map[Opcode]decodeFunc{
	Serverbound: {
		OpIdentification:          decodePlayerIdentification,
		OpSetBlockClient:          decodeSetBlockRequest,
		OpTeleport:                decodePlayerPosition,
		OpMessage:                 decodeChatMessage,
		OpExtInfo:                 decodeExtInfo,
		OpExtEntry:                decodeExtEntry,
		OpCustomBlockSupportLevel: decodeCustomBlockSupportLevel,
		OpTwoWayPing:              decodeTwoWayPing,
	},
	Clientbound: {
		OpIdentification:          decodeServerIdentification,
		OpPing:                    decodePing,
		OpLevelInitialize:         decodeLevelInitialize,
		OpLevelDataChunk:          decodeLevelDataChunk,
		OpLevelFinalize:           decodeLevelFinalize,
		OpSetBlock:                decodeSetBlock,
		OpSpawnPlayer:             decodeSpawnPlayer,
		OpTeleport:                decodeTeleport,
		OpPositionOrientation:     decodePositionOrientationUpdate,
		OpPositionUpdate:          decodePositionUpdate,
		OpOrientationUpdate:       decodeOrientationUpdate,
		OpDespawnPlayer:           decodeDespawnPlayer,
		OpMessage:                 decodeMessage,
		OpDisconnect:              decodeDisconnect,
		OpUpdateUserType:          decodeUpdateUserType,
		OpExtInfo:                 decodeExtInfo,
		OpExtEntry:                decodeExtEntry,
		OpCustomBlockSupportLevel: decodeCustomBlockSupportLevel,
		OpHoldThis:                decodeHoldThis,
		OpTwoWayPing:              decodeTwoWayPing,
	},
}

// packetDirection возвращает направление, в котором пакет может передаваться.
// Второе значение true означает, что пакет допустим в обоих направлениях.
func packetDirection(p Packet) (Direction, bool) {
	switch p.(type) {
	case PlayerIdentification, SetBlockRequest, PlayerPosition, ChatMessage:
		return Serverbound, false
	case ExtInfo, ExtEntry, CustomBlockSupportLevel, TwoWayPing:
		return Serverbound, true
	}
	return Clientbound, false
}

// Codec кодирует и разбирает пакеты одного соединения. Значение неизменяемо:
// после согласования расширений создаётся новый кодек через WithLayout.
type Codec struct {
	in     Direction
	layout Layout
}

// NewServerCodec создаёт кодек сервера: разбирает пакеты клиента, кодирует свои
func NewServerCodec(l Layout) *Codec {
	return &Codec{in: Serverbound, layout: l}
}

// NewClientCodec создаёт кодек клиента (пробник, тесты)
func NewClientCodec(l Layout) *Codec {
	return &Codec{in: Clientbound, layout: l}
}

// WithLayout возвращает кодек того же направления с другой формой пакетов
func (c *Codec) WithLayout(l Layout) *Codec {
	return &Codec{in: c.in, layout: l}
}

// Layout возвращает форму пакетов кодека
func (c *Codec) Layout() Layout {
	return c.layout
}

// Decode разбирает ровно один пакет из начала buf и возвращает число
// использованных байт. При неполном пакете возвращает ErrNeedMore.
func (c *Codec) Decode(buf []byte) (Packet, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrNeedMore
	}
	op := Opcode(buf[0])
	decode, ok := decoders[c.in][op]
	if !ok {
		return nil, 0, &DecodeError{Kind: ErrUnknownOpcode, Opcode: op}
	}
	size, _ := c.layout.FrameLength(c.in, op)
	if len(buf) < size {
		return nil, 0, ErrNeedMore
	}
	r := &reader{buf: buf[1:size], layout: c.layout}
	p, err := decode(r)
	if err != nil {
		return nil, 0, err
	}
	return p, size, nil
}

// Encode кодирует пакет в новый буфер
func (c *Codec) Encode(p Packet) ([]byte, error) {
	return Encode(c.in.Opposite(), c.layout, p)
}

// AppendEncode дописывает закодированный пакет к dst
func (c *Codec) AppendEncode(dst []byte, p Packet) ([]byte, error) {
	return appendEncode(dst, c.in.Opposite(), c.layout, p)
}

// Encode кодирует пакет для направления dir и формы l
func Encode(dir Direction, l Layout, p Packet) ([]byte, error) {
	return appendEncode(nil, dir, l, p)
}

// AppendEncode дописывает пакет для направления dir и формы l к dst
func AppendEncode(dst []byte, dir Direction, l Layout, p Packet) ([]byte, error) {
	return appendEncode(dst, dir, l, p)
}

func appendEncode(dst []byte, dir Direction, l Layout, p Packet) ([]byte, error) {
	if d, both := packetDirection(p); !both && d != dir {
		return dst, fmt.Errorf("%w: %T %s", ErrWrongDirection, p, dir)
	}
	size, ok := l.FrameLength(dir, p.Opcode())
	if !ok {
		return dst, &DecodeError{Kind: ErrUnknownOpcode, Opcode: p.Opcode()}
	}
	start := len(dst)
	w := &writer{buf: dst, layout: l}
	w.grow(size)
	w.u8(byte(p.Opcode()))
	if err := p.encode(w); err != nil {
		return dst, err
	}
	if n := len(w.buf) - start; n != size {
		return dst, fmt.Errorf("protocol: %T encoded to %d bytes, want %d", p, n, size)
	}
	return w.buf, nil
}

// writer собирает пакет в буфер
type writer struct {
	buf    []byte
	layout Layout
}

func (w *writer) grow(n int) {
	if cap(w.buf)-len(w.buf) < n {
		next := make([]byte, len(w.buf), len(w.buf)+n)
		copy(next, w.buf)
		w.buf = next
	}
}

func (w *writer) u8(v byte) {
	w.buf = append(w.buf, v)
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) u16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) i32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *writer) str(s string) {
	n := len(w.buf)
	w.buf = append(w.buf, make([]byte, StringLength)...)
	w.layout.EncodeString(w.buf[n:], s)
}

// bytes пишет data, дополняя нулями до size
func (w *writer) bytes(data []byte, size int) {
	w.buf = append(w.buf, data...)
	if pad := size - len(data); pad > 0 {
		w.buf = append(w.buf, make([]byte, pad)...)
	}
}

func (w *writer) coord(v int32) {
	if w.layout.ExtendedPositions {
		w.i32(v)
		return
	}
	w.u16(uint16(clampInt16(v)))
}

func (w *writer) location(l vec.Location) {
	w.coord(l.X)
	w.coord(l.Y)
	w.coord(l.Z)
	w.u8(l.Yaw)
	w.u8(l.Pitch)
}

func clampInt16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// reader читает поля из тела пакета фиксированной длины
type reader struct {
	buf    []byte
	off    int
	layout Layout
}

func (r *reader) u8() byte {
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) i32() int32 {
	v := int32(binary.BigEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v
}

func (r *reader) str() string {
	s := r.layout.DecodeString(r.buf[r.off : r.off+StringLength])
	r.off += StringLength
	return s
}

func (r *reader) rawStr() string {
	var sb strings.Builder
	for _, b := range r.buf[r.off : r.off+StringLength] {
		sb.WriteRune(r.layout.DecodeByte(b))
	}
	r.off += StringLength
	return sb.String()
}

func (r *reader) bytes(n int) []byte {
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) coord() int32 {
	if r.layout.ExtendedPositions {
		return r.i32()
	}
	return int32(int16(r.u16()))
}

func (r *reader) location() vec.Location {
	return vec.Location{
		X:     r.coord(),
		Y:     r.coord(),
		Z:     r.coord(),
		Yaw:   r.u8(),
		Pitch: r.u8(),
	}
}
