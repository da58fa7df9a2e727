package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrTruncatedRecord = errors.New("record is truncated")
	ErrBadRecordTag    = errors.New("record holds an unknown value tag")
)

// Row payload tags.
const (
	tagNull  byte = 0
	tagInt   byte = 1
	tagReal  byte = 2
	tagText  byte = 3
	tagBlob  byte = 4
	tagZero  byte = 5
	tagOne   byte = 6
	tagEmpty byte = 7
)

// EncodeRow serialises a row: a uvarint column count followed by one tagged
// value per column.
func EncodeRow(vals []Value) []byte {
	buf := make([]byte, 0, 16*len(vals)+2)
	buf = binary.AppendUvarint(buf, uint64(len(vals)))
	for _, v := range vals {
		switch x := v.(type) {
		case nil:
			buf = append(buf, tagNull)
		case int64:
			switch x {
			case 0:
				buf = append(buf, tagZero)
			case 1:
				buf = append(buf, tagOne)
			default:
				buf = append(buf, tagInt)
				buf = binary.AppendVarint(buf, x)
			}
		case float64:
			buf = append(buf, tagReal)
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(x))
		case string:
			if x == "" {
				buf = append(buf, tagEmpty)
				continue
			}
			buf = append(buf, tagText)
			buf = binary.AppendUvarint(buf, uint64(len(x)))
			buf = append(buf, x...)
		case []byte:
			buf = append(buf, tagBlob)
			buf = binary.AppendUvarint(buf, uint64(len(x)))
			buf = append(buf, x...)
		default:
			panic(fmt.Sprintf("record: cannot encode %T", v))
		}
	}
	return buf
}

// DecodeRow parses a payload written by EncodeRow. Text and blob values are
// copied out of b.
func DecodeRow(b []byte) ([]Value, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 {
		return nil, ErrTruncatedRecord
	}
	b = b[k:]
	if n > uint64(len(b)) {
		return nil, ErrTruncatedRecord
	}
	vals := make([]Value, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(b) == 0 {
			return nil, ErrTruncatedRecord
		}
		tag := b[0]
		b = b[1:]
		switch tag {
		case tagNull:
			vals = append(vals, nil)
		case tagZero:
			vals = append(vals, int64(0))
		case tagOne:
			vals = append(vals, int64(1))
		case tagEmpty:
			vals = append(vals, "")
		case tagInt:
			x, k := binary.Varint(b)
			if k <= 0 {
				return nil, ErrTruncatedRecord
			}
			vals = append(vals, x)
			b = b[k:]
		case tagReal:
			if len(b) < 8 {
				return nil, ErrTruncatedRecord
			}
			vals = append(vals, math.Float64frombits(binary.LittleEndian.Uint64(b)))
			b = b[8:]
		case tagText, tagBlob:
			l, k := binary.Uvarint(b)
			if k <= 0 || uint64(len(b)-k) < l {
				return nil, ErrTruncatedRecord
			}
			data := b[k : k+int(l)]
			if tag == tagText {
				vals = append(vals, string(data))
			} else {
				vals = append(vals, append([]byte{}, data...))
			}
			b = b[k+int(l):]
		default:
			return nil, fmt.Errorf("%w: %d", ErrBadRecordTag, tag)
		}
	}
	return vals, nil
}

// RowIDSize is the length of an encoded row id.
const RowIDSize = 8

// EncodeRowID encodes id so that byte order equals numeric order.
func EncodeRowID(id int64) []byte {
	return AppendRowID(make([]byte, 0, RowIDSize), id)
}

// AppendRowID appends the order-preserving encoding of id.
func AppendRowID(dst []byte, id int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(id)^(1<<63))
}

// DecodeRowID reverses EncodeRowID.
func DecodeRowID(b []byte) (int64, error) {
	if len(b) != RowIDSize {
		return 0, fmt.Errorf("%w: row id of %d bytes", ErrTruncatedRecord, len(b))
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), nil
}

// Index key tags; their order is the value ordering.
const (
	keyNull    byte = 0x05
	keyNumeric byte = 0x10
	keyText    byte = 0x30
	keyBlob    byte = 0x40

	subInteger byte = 0
	subReal    byte = 1
)

// AppendKey appends the memcomparable encoding of v: bytes.Compare on two
// encodings agrees with Compare on the values, and no encoding is a prefix
// of another.
func AppendKey(dst []byte, v Value) []byte {
	switch x := v.(type) {
	case nil:
		return append(dst, keyNull)
	case int64:
		dst = append(dst, keyNumeric)
		dst = binary.BigEndian.AppendUint64(dst, orderedFloat(float64(x)))
		dst = append(dst, subInteger)
		return AppendRowID(dst, x)
	case float64:
		dst = append(dst, keyNumeric)
		dst = binary.BigEndian.AppendUint64(dst, orderedFloat(x))
		return append(dst, subReal)
	case string:
		dst = append(dst, keyText)
		return appendEscaped(dst, []byte(x))
	case []byte:
		dst = append(dst, keyBlob)
		return appendEscaped(dst, x)
	}
	panic(fmt.Sprintf("record: cannot encode key %T", v))
}

func orderedFloat(f float64) uint64 {
	if f == 0 {
		f = 0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) == 0 {
		return bits | 1<<63
	}
	return ^bits
}

// appendEscaped writes b with 0x00 escaped as 0x00 0xFF and terminates it
// with 0x00 0x01.
func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == 0 {
			dst = append(dst, 0, 0xFF)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, 0, 1)
}

// EncodeIndexKey builds the composite key of an index entry: the indexed
// values followed by the row id, which keeps keys unique.
func EncodeIndexKey(vals []Value, rowid int64) []byte {
	var key []byte
	for _, v := range vals {
		key = AppendKey(key, v)
	}
	return AppendRowID(key, rowid)
}

// IndexKeyPrefix encodes values without the row id, for seeks.
func IndexKeyPrefix(vals []Value) []byte {
	var key []byte
	for _, v := range vals {
		key = AppendKey(key, v)
	}
	return key
}

// PrefixEnd returns the smallest key greater than every index key that
// starts with prefix followed by a row id.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix), len(prefix)+RowIDSize+1)
	copy(end, prefix)
	for i := 0; i <= RowIDSize; i++ {
		end = append(end, 0xFF)
	}
	return end
}

// IndexKeyRowID extracts the row id stored at the end of an index key.
func IndexKeyRowID(key []byte) (int64, error) {
	if len(key) < RowIDSize {
		return 0, fmt.Errorf("%w: index key of %d bytes", ErrTruncatedRecord, len(key))
	}
	return DecodeRowID(key[len(key)-RowIDSize:])
}
