package changeset

import (
	"fmt"
	"math/big"

	"github.com/ripple-db/ripple/internal/storage"
)

// value tags for the wire encoding of a RowChange's column value. Kept as a
// small closed set (not reflection-based) so a new Go type requires an
// explicit review, per spec §9's "forbid default-arm handling" guidance.
const (
	valNull byte = iota
	valInt64
	valFloat64
	valString
	valBytes
	valBool
	valDecimal
)

func encodeValue(buf *builder, v any) error {
	switch t := v.(type) {
	case nil:
		buf.byte(valNull)
	case int64:
		buf.byte(valInt64)
		buf.u64(uint64(t))
	case int:
		buf.byte(valInt64)
		buf.u64(uint64(int64(t)))
	case float64:
		buf.byte(valFloat64)
		buf.u64(float64bits(t))
	case string:
		buf.byte(valString)
		buf.bytes([]byte(t))
	case []byte:
		buf.byte(valBytes)
		buf.bytes(t)
	case bool:
		buf.byte(valBool)
		if t {
			buf.byte(1)
		} else {
			buf.byte(0)
		}
	case *big.Rat:
		buf.byte(valDecimal)
		buf.bytes([]byte(storage.DecimalToString(t)))
	default:
		if dec, ok := storage.DecimalFromAny(v); ok {
			buf.byte(valDecimal)
			buf.bytes([]byte(storage.DecimalToString(dec)))
			return nil
		}
		return fmt.Errorf("changeset: unsupported column value type %T", v)
	}
	return nil
}

// EncodeScalar serializes a single column value using the same tagged
// encoding a RowChange's value uses on the wire. Exported so the store
// package can persist column values in the same form it exchanges them in.
func EncodeScalar(v any) ([]byte, error) {
	b := &builder{}
	if err := encodeValue(b, v); err != nil {
		return nil, err
	}
	return b.buf, nil
}

// DecodeScalar is the inverse of EncodeScalar.
func DecodeScalar(raw []byte) (any, error) {
	return decodeValue(newReader(raw))
}

func decodeValue(r *reader) (any, error) {
	tag, err := r.readByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case valNull:
		return nil, nil
	case valInt64:
		u, err := r.readU64()
		if err != nil {
			return nil, err
		}
		return int64(u), nil
	case valFloat64:
		u, err := r.readU64()
		if err != nil {
			return nil, err
		}
		return float64frombits(u), nil
	case valString:
		b, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case valBytes:
		return r.readBytes()
	case valBool:
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case valDecimal:
		b, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		dec, ok := storage.DecimalFromAny(string(b))
		if !ok {
			return nil, fmt.Errorf("changeset: invalid decimal literal %q", b)
		}
		return dec, nil
	default:
		return nil, fmt.Errorf("changeset: unknown value tag %d", tag)
	}
}
