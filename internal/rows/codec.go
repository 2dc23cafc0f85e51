package rows

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

// Wire layout of an encoded batch:
//
//	magic 'B' | version | uvarint rows | per row: uvarint width, values... | crc32 (LE)
//
// Each value is a one-byte tag followed by its payload. Encoding is fully
// deterministic, so decode followed by encode reproduces the input bytes.
const (
	codecMagic   = 'B'
	codecVersion = 1

	tagNull   = 0
	tagString = 1
	tagInt    = 2
	tagFloat  = 3
	tagBool   = 4
	tagBytes  = 5
)

// ErrCorruptBatch is returned when encoded data fails validation.
var ErrCorruptBatch = errors.New("corrupt batch encoding")

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// EncodeBatch serializes a batch for secondary storage.
func EncodeBatch(b Batch) []byte {
	buf := make([]byte, 0, encodedSize(b))
	buf = append(buf, codecMagic, codecVersion)
	buf = binary.AppendUvarint(buf, uint64(len(b.Rows)))
	for _, row := range b.Rows {
		buf = binary.AppendUvarint(buf, uint64(len(row)))
		for _, v := range row {
			buf = appendValue(buf, v)
		}
	}
	return binary.LittleEndian.AppendUint32(buf, crc32.Checksum(buf, crcTable))
}

func appendValue(buf []byte, v Value) []byte {
	switch val := v.(type) {
	case String:
		buf = append(buf, tagString)
		buf = binary.AppendUvarint(buf, uint64(len(val)))
		return append(buf, val...)
	case Int:
		buf = append(buf, tagInt)
		return binary.AppendVarint(buf, int64(val))
	case Float:
		buf = append(buf, tagFloat)
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(float64(val)))
	case Bool:
		if val {
			return append(buf, tagBool, 1)
		}
		return append(buf, tagBool, 0)
	case Bytes:
		buf = append(buf, tagBytes)
		buf = binary.AppendUvarint(buf, uint64(len(val)))
		return append(buf, val...)
	default:
		return append(buf, tagNull)
	}
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(data []byte) (Batch, error) {
	if len(data) < 2+1+4 {
		return Batch{}, fmt.Errorf("%w: %d bytes is too short", ErrCorruptBatch, len(data))
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.Checksum(body, crcTable) != sum {
		return Batch{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptBatch)
	}
	if body[0] != codecMagic || body[1] != codecVersion {
		return Batch{}, fmt.Errorf("%w: bad header %x%x", ErrCorruptBatch, body[0], body[1])
	}

	d := decoder{buf: body[2:]}
	n := d.uvarint()
	if d.err != nil || n > uint64(len(d.buf)) {
		return Batch{}, fmt.Errorf("%w: row count", ErrCorruptBatch)
	}
	out := Batch{Rows: make([]Row, 0, n)}
	for i := uint64(0); i < n; i++ {
		width := d.uvarint()
		if d.err != nil || width > uint64(len(d.buf)) {
			return Batch{}, fmt.Errorf("%w: row %d width", ErrCorruptBatch, i)
		}
		row := make(Row, width)
		for j := range row {
			row[j] = d.value()
		}
		if d.err != nil {
			return Batch{}, fmt.Errorf("%w: row %d: %v", ErrCorruptBatch, i, d.err)
		}
		out.Rows = append(out.Rows, row)
	}
	if len(d.buf) != 0 {
		return Batch{}, fmt.Errorf("%w: %d trailing bytes", ErrCorruptBatch, len(d.buf))
	}
	return out, nil
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = errors.New("bad uvarint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) take(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)) {
		d.err = errors.New("short payload")
		return nil
	}
	out := d.buf[:n:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) value() Value {
	tag := d.take(1)
	if d.err != nil {
		return Null{}
	}
	switch tag[0] {
	case tagNull:
		return Null{}
	case tagString:
		return String(d.take(d.uvarint()))
	case tagInt:
		if d.err != nil {
			return Null{}
		}
		v, n := binary.Varint(d.buf)
		if n <= 0 {
			d.err = errors.New("bad varint")
			return Null{}
		}
		d.buf = d.buf[n:]
		return Int(v)
	case tagFloat:
		raw := d.take(8)
		if d.err != nil {
			return Null{}
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(raw)))
	case tagBool:
		raw := d.take(1)
		if d.err != nil {
			return Null{}
		}
		return Bool(raw[0] == 1)
	case tagBytes:
		raw := d.take(d.uvarint())
		if d.err != nil {
			return Null{}
		}
		return Bytes(append([]byte(nil), raw...))
	default:
		d.err = fmt.Errorf("unknown tag %d", tag[0])
		return Null{}
	}
}

// encodedSize computes len(EncodeBatch(b)) without allocating.
func encodedSize(b Batch) int {
	n := 2 + uvarintLen(uint64(len(b.Rows))) + 4
	for _, row := range b.Rows {
		n += uvarintLen(uint64(len(row)))
		for _, v := range row {
			n++
			switch val := v.(type) {
			case String:
				n += uvarintLen(uint64(len(val))) + len(val)
			case Int:
				n += varintLen(int64(val))
			case Float:
				n += 8
			case Bool:
				n++
			case Bytes:
				n += uvarintLen(uint64(len(val))) + len(val)
			}
		}
	}
	return n
}

func uvarintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

func varintLen(x int64) int {
	ux := uint64(x) << 1
	if x < 0 {
		ux = ^ux
	}
	return uvarintLen(ux)
}
