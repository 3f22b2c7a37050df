package segment

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// encodeVector converts a vector to a little-endian float32 blob.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector is the inverse of encodeVector. dim is the expected length;
// a blob of any other size is corrupt.
func decodeVector(b []byte, dim int) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b) != dim*4 {
		return nil, fmt.Errorf("%w: embedding blob is %d bytes, want %d", ErrCorrupt, len(b), dim*4)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func encodeMeta(m Metadata) (string, error) {
	if err := m.validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMeta(s string) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Metadata{}, fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
	}
	if err := m.validate(); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return m, nil
}
