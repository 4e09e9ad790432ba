package kv

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/kiln/pkg/types"
)

const (
	valueKindBytes   byte = 0
	valueKindInt64   byte = 1
	valueKindUint64  byte = 2
	valueKindFloat64 byte = 3
)

// encodeEntry serializes a KVEntry to its on-disk representation:
//
//	[kind byte][hasExpiration byte][expiration unix-nano, if present][value]
func encodeEntry(entry types.KVEntry) ([]byte, error) {
	var buf []byte

	kind, valueBytes, err := encodeValue(entry.Value)
	if err != nil {
		return nil, err
	}
	buf = append(buf, kind)

	if entry.Expiration != nil {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint64(buf, uint64(entry.Expiration.UnixNano()))
	} else {
		buf = append(buf, 0)
	}

	buf = append(buf, valueBytes...)
	return buf, nil
}

func decodeEntry(raw []byte) (*types.KVEntry, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("kv: truncated entry")
	}
	kind := raw[0]
	hasExp := raw[1]
	offset := 2

	var expiration *time.Time
	if hasExp == 1 {
		if len(raw) < offset+8 {
			return nil, fmt.Errorf("kv: truncated expiration")
		}
		nanos := int64(binary.BigEndian.Uint64(raw[offset : offset+8]))
		t := time.Unix(0, nanos)
		expiration = &t
		offset += 8
	}

	value, err := decodeValue(kind, raw[offset:])
	if err != nil {
		return nil, err
	}

	return &types.KVEntry{Value: value, Expiration: expiration}, nil
}

func encodeValue(v types.Value) (byte, []byte, error) {
	if !v.IsNumeric {
		buf := make([]byte, 4+len(v.Bytes))
		binary.BigEndian.PutUint32(buf, uint32(len(v.Bytes)))
		copy(buf[4:], v.Bytes)
		return valueKindBytes, buf, nil
	}

	switch v.Numeric.Kind {
	case types.NumericKindInt64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.Numeric.Int64))
		return valueKindInt64, buf, nil
	case types.NumericKindUint64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v.Numeric.Uint64)
		return valueKindUint64, buf, nil
	case types.NumericKindFloat64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.Numeric.Float64))
		return valueKindFloat64, buf, nil
	default:
		return 0, nil, fmt.Errorf("kv: unknown numeric kind %q", v.Numeric.Kind)
	}
}

func decodeValue(kind byte, raw []byte) (types.Value, error) {
	switch kind {
	case valueKindBytes:
		if len(raw) < 4 {
			return types.Value{}, fmt.Errorf("kv: truncated byte value")
		}
		n := binary.BigEndian.Uint32(raw)
		if uint32(len(raw)) < 4+n {
			return types.Value{}, fmt.Errorf("kv: truncated byte value body")
		}
		return types.BytesValue(append([]byte(nil), raw[4:4+n]...)), nil
	case valueKindInt64:
		if len(raw) < 8 {
			return types.Value{}, fmt.Errorf("kv: truncated int64 value")
		}
		return types.Int64Value(int64(binary.BigEndian.Uint64(raw))), nil
	case valueKindUint64:
		if len(raw) < 8 {
			return types.Value{}, fmt.Errorf("kv: truncated uint64 value")
		}
		return types.Uint64Value(binary.BigEndian.Uint64(raw)), nil
	case valueKindFloat64:
		if len(raw) < 8 {
			return types.Value{}, fmt.Errorf("kv: truncated float64 value")
		}
		return types.Float64Value(math.Float64frombits(binary.BigEndian.Uint64(raw))), nil
	default:
		return types.Value{}, fmt.Errorf("kv: unknown value kind %d", kind)
	}
}
