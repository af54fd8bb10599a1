package protocol

import (
	"errors"
	"io"
)

const streamBufferSize = 4096

// Decoder читает пакеты из потока байт. Неполные пакеты остаются в буфере
// до следующего чтения.
type Decoder struct {
	r     io.Reader
	codec *Codec
	buf   []byte
	start int
	end   int
}

// NewDecoder создаёт потоковый декодер
func NewDecoder(r io.Reader, codec *Codec) *Decoder {
	return &Decoder{r: r, codec: codec, buf: make([]byte, streamBufferSize)}
}

// SetCodec меняет кодек; уже буферизованные байты разбираются новым кодеком
func (d *Decoder) SetCodec(c *Codec) {
	d.codec = c
}

// Codec возвращает текущий кодек
func (d *Decoder) Codec() *Codec {
	return d.codec
}

// Pending возвращает число буферизованных, ещё не разобранных байт
func (d *Decoder) Pending() int {
	return d.end - d.start
}

// Buffered возвращает копию неразобранных байт (для диагностики ошибок)
func (d *Decoder) Buffered() []byte {
	out := make([]byte, d.end-d.start)
	copy(out, d.buf[d.start:d.end])
	return out
}

// Next возвращает следующий пакет. Ошибки разбора и чтения фатальны;
// io.EOF возвращается только на границе пакетов.
func (d *Decoder) Next() (Packet, error) {
	for {
		p, n, err := d.codec.Decode(d.buf[d.start:d.end])
		if err == nil {
			d.start += n
			return p, nil
		}
		if !errors.Is(err, ErrNeedMore) {
			return nil, err
		}
		if err := d.fill(); err != nil {
			if errors.Is(err, io.EOF) && d.Pending() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func (d *Decoder) fill() error {
	if d.start > 0 {
		copy(d.buf, d.buf[d.start:d.end])
		d.end -= d.start
		d.start = 0
	}
	n, err := d.r.Read(d.buf[d.end:])
	d.end += n
	if n > 0 {
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}
