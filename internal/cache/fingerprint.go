package cache

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies one operation invocation by its inputs.
type Fingerprint struct {
	// Key is the operation name plus the xxhash of Data.
	Key string
	// Data is the serialized operation name and inputs.
	Data []byte
}

// Size is the serialized fingerprint length in bytes.
func (f Fingerprint) Size() int { return len(f.Data) }

// NewFingerprint serializes op and parts into a fingerprint. Supported parts
// are numbers, strings, bools and slices of float32, float64 or bytes.
func NewFingerprint(op string, parts ...any) (Fingerprint, error) {
	buf := appendString(nil, op)
	for i, p := range parts {
		var err error
		buf, err = appendPart(buf, p)
		if err != nil {
			return Fingerprint{}, fmt.Errorf("fingerprint %s part %d: %w", op, i, err)
		}
	}
	return Fingerprint{
		Key:  op + ":" + strconv.FormatUint(xxhash.Sum64(buf), 16),
		Data: buf,
	}, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// Each part is prefixed with a type byte so that, say, int 1 and float32 1
// never serialize identically.
func appendPart(buf []byte, p any) ([]byte, error) {
	switch v := p.(type) {
	case string:
		return appendString(append(buf, 's'), v), nil
	case bool:
		b := byte(0)
		if v {
			b = 1
		}
		return append(buf, 'b', b), nil
	case int:
		return binary.AppendVarint(append(buf, 'i'), int64(v)), nil
	case int64:
		return binary.AppendVarint(append(buf, 'i'), v), nil
	case uint32:
		return binary.AppendUvarint(append(buf, 'u'), uint64(v)), nil
	case float32:
		return binary.LittleEndian.AppendUint32(append(buf, 'f'), math.Float32bits(v)), nil
	case float64:
		return binary.LittleEndian.AppendUint64(append(buf, 'd'), math.Float64bits(v)), nil
	case []float32:
		buf = binary.AppendUvarint(append(buf, 'F'), uint64(len(v)))
		for _, f := range v {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
		return buf, nil
	case []float64:
		buf = binary.AppendUvarint(append(buf, 'D'), uint64(len(v)))
		for _, f := range v {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
		}
		return buf, nil
	case []byte:
		buf = binary.AppendUvarint(append(buf, 'B'), uint64(len(v)))
		return append(buf, v...), nil
	default:
		return buf, fmt.Errorf("unsupported type %T", p)
	}
}
