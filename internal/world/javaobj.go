package world

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Разбор потока сериализации Java в объём, нужный для уровней .mine и
// server_level.dat. Поддерживаются объекты, массивы, строки, перечисления,
// ссылки и аннотации writeObject; блоки данных пропускаются.

const (
	javaStreamMagic   = 0xACED
	javaStreamVersion = 5
	javaBaseHandle    = 0x7E0000

	tcNull           = 0x70
	tcReference      = 0x71
	tcClassDesc      = 0x72
	tcObject         = 0x73
	tcString         = 0x74
	tcArray          = 0x75
	tcClass          = 0x76
	tcBlockData      = 0x77
	tcEndBlockData   = 0x78
	tcReset          = 0x79
	tcBlockDataLong  = 0x7A
	tcLongString     = 0x7C
	tcProxyClassDesc = 0x7D
	tcEnum           = 0x7E

	scWriteMethod    = 0x01
	scSerializable   = 0x02
	scExternalizable = 0x04
	scBlockData      = 0x08

	maxJavaArray = 1 << 30
	maxJavaDepth = 64
)

var errJavaStream = errors.New("java stream")

// javaObject поля объекта всех классов иерархии
type javaObject struct {
	Class  string
	Fields map[string]interface{}
}

type javaField struct {
	typeCode  byte
	name      string
	className string
}

type javaClass struct {
	name   string
	flags  byte
	fields []javaField
	super  *javaClass
}

// blockData отметка прочитанного блока данных
type blockData struct{}

type javaDecoder struct {
	r       io.Reader
	handles []interface{}
	depth   int
}

// decodeJavaObject читает первый объект потока
func decodeJavaObject(r io.Reader) (interface{}, error) {
	d := &javaDecoder{r: r}
	var hdr struct{ Magic, Version uint16 }
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", errJavaStream, err)
	}
	if hdr.Magic != javaStreamMagic || hdr.Version != javaStreamVersion {
		return nil, fmt.Errorf("%w: magic %#x version %d", errJavaStream, hdr.Magic, hdr.Version)
	}
	return d.content()
}

func (d *javaDecoder) u8() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(d.r, b[:])
	return b[0], err
}

func (d *javaDecoder) read(v interface{}) error {
	return binary.Read(d.r, binary.BigEndian, v)
}

func (d *javaDecoder) utf() (string, error) {
	var n uint16
	if err := d.read(&n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(d.r, buf)
	return string(buf), err
}

func (d *javaDecoder) newHandle(v interface{}) int {
	d.handles = append(d.handles, v)
	return len(d.handles) - 1
}

func (d *javaDecoder) reference() (interface{}, error) {
	var h int32
	if err := d.read(&h); err != nil {
		return nil, err
	}
	idx := int(h) - javaBaseHandle
	if idx < 0 || idx >= len(d.handles) {
		return nil, fmt.Errorf("%w: bad handle %#x", errJavaStream, h)
	}
	return d.handles[idx], nil
}

// content читает один элемент потока
func (d *javaDecoder) content() (interface{}, error) {
	tc, err := d.u8()
	if err != nil {
		return nil, err
	}
	return d.contentOf(tc)
}

func (d *javaDecoder) contentOf(tc byte) (interface{}, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxJavaDepth {
		return nil, fmt.Errorf("%w: nesting too deep", errJavaStream)
	}

	switch tc {
	case tcNull:
		return nil, nil
	case tcReference:
		return d.reference()
	case tcString:
		s, err := d.utf()
		if err != nil {
			return nil, err
		}
		d.newHandle(s)
		return s, nil
	case tcLongString:
		var n uint64
		if err := d.read(&n); err != nil {
			return nil, err
		}
		if n > maxJavaArray {
			return nil, fmt.Errorf("%w: string of %d bytes", errJavaStream, n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(d.r, buf); err != nil {
			return nil, err
		}
		d.newHandle(string(buf))
		return string(buf), nil
	case tcClassDesc, tcProxyClassDesc:
		return d.classDescOf(tc)
	case tcClass:
		cd, err := d.classDesc()
		if err != nil {
			return nil, err
		}
		d.newHandle(cd)
		return cd, nil
	case tcObject:
		return d.object()
	case tcArray:
		return d.array()
	case tcEnum:
		cd, err := d.classDesc()
		if err != nil {
			return nil, err
		}
		h := d.newHandle(nil)
		name, err := d.content()
		if err != nil {
			return nil, err
		}
		obj := &javaObject{Class: className(cd), Fields: map[string]interface{}{"name": name}}
		d.handles[h] = obj
		return obj, nil
	case tcBlockData:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		_, err = io.CopyN(io.Discard, d.r, int64(n))
		return blockData{}, err
	case tcBlockDataLong:
		var n int32
		if err := d.read(&n); err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: block data of %d bytes", errJavaStream, n)
		}
		_, err := io.CopyN(io.Discard, d.r, int64(n))
		return blockData{}, err
	case tcReset:
		d.handles = d.handles[:0]
		return d.content()
	default:
		return nil, fmt.Errorf("%w: unexpected type code %#x", errJavaStream, tc)
	}
}

func className(cd *javaClass) string {
	if cd == nil {
		return ""
	}
	return cd.name
}

// classDesc читает описание класса, ссылку на него или null
func (d *javaDecoder) classDesc() (*javaClass, error) {
	tc, err := d.u8()
	if err != nil {
		return nil, err
	}
	switch tc {
	case tcNull:
		return nil, nil
	case tcReference:
		v, err := d.reference()
		if err != nil {
			return nil, err
		}
		cd, ok := v.(*javaClass)
		if !ok {
			return nil, fmt.Errorf("%w: handle is not a class", errJavaStream)
		}
		return cd, nil
	case tcClassDesc, tcProxyClassDesc:
		return d.classDescOf(tc)
	default:
		return nil, fmt.Errorf("%w: expected class descriptor, got %#x", errJavaStream, tc)
	}
}

func (d *javaDecoder) classDescOf(tc byte) (*javaClass, error) {
	cd := &javaClass{}
	if tc == tcProxyClassDesc {
		d.newHandle(cd)
		var n int32
		if err := d.read(&n); err != nil {
			return nil, err
		}
		for i := int32(0); i < n; i++ {
			if _, err := d.utf(); err != nil {
				return nil, err
			}
		}
		cd.flags = scSerializable
	} else {
		name, err := d.utf()
		if err != nil {
			return nil, err
		}
		cd.name = name
		var uid int64
		if err := d.read(&uid); err != nil {
			return nil, err
		}
		d.newHandle(cd)
		if cd.flags, err = d.u8(); err != nil {
			return nil, err
		}
		var count int16
		if err := d.read(&count); err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, fmt.Errorf("%w: %d fields", errJavaStream, count)
		}
		for i := int16(0); i < count; i++ {
			f, err := d.fieldDesc()
			if err != nil {
				return nil, err
			}
			cd.fields = append(cd.fields, f)
		}
	}

	if err := d.annotation(); err != nil {
		return nil, err
	}
	super, err := d.classDesc()
	if err != nil {
		return nil, err
	}
	cd.super = super
	return cd, nil
}

func (d *javaDecoder) fieldDesc() (javaField, error) {
	var f javaField
	var err error
	if f.typeCode, err = d.u8(); err != nil {
		return f, err
	}
	if f.name, err = d.utf(); err != nil {
		return f, err
	}
	if f.typeCode == '[' || f.typeCode == 'L' {
		v, err := d.content()
		if err != nil {
			return f, err
		}
		s, ok := v.(string)
		if !ok {
			return f, fmt.Errorf("%w: field %s has no class name", errJavaStream, f.name)
		}
		f.className = s
	}
	return f, nil
}

// annotation пропускает содержимое до TC_ENDBLOCKDATA
func (d *javaDecoder) annotation() error {
	for {
		tc, err := d.u8()
		if err != nil {
			return err
		}
		if tc == tcEndBlockData {
			return nil
		}
		if _, err := d.contentOf(tc); err != nil {
			return err
		}
	}
}

func (d *javaDecoder) object() (*javaObject, error) {
	cd, err := d.classDesc()
	if err != nil {
		return nil, err
	}
	if cd == nil {
		return nil, fmt.Errorf("%w: object without class", errJavaStream)
	}
	obj := &javaObject{Class: cd.name, Fields: make(map[string]interface{})}
	d.newHandle(obj)

	// Данные пишутся от базового класса к наследнику
	var chain []*javaClass
	for c := cd; c != nil; c = c.super {
		chain = append(chain, c)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		switch {
		case c.flags&scExternalizable != 0:
			if c.flags&scBlockData == 0 {
				return nil, fmt.Errorf("%w: externalizable %s without block data", errJavaStream, c.name)
			}
			if err := d.annotation(); err != nil {
				return nil, err
			}
		case c.flags&scSerializable != 0:
			for _, f := range c.fields {
				v, err := d.value(f.typeCode)
				if err != nil {
					return nil, fmt.Errorf("%s.%s: %w", c.name, f.name, err)
				}
				obj.Fields[f.name] = v
			}
			if c.flags&scWriteMethod != 0 {
				if err := d.annotation(); err != nil {
					return nil, err
				}
			}
		}
	}
	return obj, nil
}

// value читает значение поля или элемента массива по коду типа
func (d *javaDecoder) value(typeCode byte) (interface{}, error) {
	switch typeCode {
	case 'B':
		var v int8
		err := d.read(&v)
		return v, err
	case 'C':
		var v uint16
		err := d.read(&v)
		return v, err
	case 'S':
		var v int16
		err := d.read(&v)
		return v, err
	case 'I':
		var v int32
		err := d.read(&v)
		return v, err
	case 'J':
		var v int64
		err := d.read(&v)
		return v, err
	case 'F':
		var v uint32
		err := d.read(&v)
		return math.Float32frombits(v), err
	case 'D':
		var v uint64
		err := d.read(&v)
		return math.Float64frombits(v), err
	case 'Z':
		b, err := d.u8()
		return b != 0, err
	case 'L', '[':
		return d.content()
	default:
		return nil, fmt.Errorf("%w: unknown field type %q", errJavaStream, typeCode)
	}
}

func (d *javaDecoder) array() (interface{}, error) {
	cd, err := d.classDesc()
	if err != nil {
		return nil, err
	}
	if cd == nil || len(cd.name) < 2 || cd.name[0] != '[' {
		return nil, fmt.Errorf("%w: bad array class %q", errJavaStream, className(cd))
	}
	h := d.newHandle(nil)
	var n int32
	if err := d.read(&n); err != nil {
		return nil, err
	}
	if n < 0 || n > maxJavaArray {
		return nil, fmt.Errorf("%w: array of %d elements", errJavaStream, n)
	}

	elem := cd.name[1]
	if elem == 'B' {
		buf := make([]byte, n)
		if _, err := io.ReadFull(d.r, buf); err != nil {
			return nil, err
		}
		d.handles[h] = buf
		return buf, nil
	}
	values := make([]interface{}, 0, min(int(n), 1024))
	for i := int32(0); i < n; i++ {
		v, err := d.value(elem)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	d.handles[h] = values
	return values, nil
}
