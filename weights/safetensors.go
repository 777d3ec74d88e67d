package weights

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

type tensorInfo struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets []int  `json:"data_offsets"`
}

// Load reads a safetensors file. F32, F16 and BF16 tensors are widened to
// float32; other dtypes are rejected.
func Load(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("failed to read weights %s: %v", path, err), Err: err}
	}
	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return set, nil
}

// Parse decodes safetensors bytes:
// [u64 LE header size][JSON header][tensor data].
func Parse(data []byte) (Set, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < headerSize {
		return nil, fmt.Errorf("header size %d exceeds available %d bytes", headerSize, len(data)-8)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	payload := data[8+headerSize:]

	set := make(Set, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: bad header entry: %w", name, err)
		}
		if len(info.Offsets) != 2 {
			return nil, fmt.Errorf("tensor %s: expected 2 data offsets, got %d", name, len(info.Offsets))
		}
		n := 1
		for _, d := range info.Shape {
			n *= d
		}
		start, end := info.Offsets[0], info.Offsets[1]
		if start < 0 || end > len(payload) || start > end {
			return nil, fmt.Errorf("tensor %s: data out of bounds", name)
		}
		buf := payload[start:end]

		values := make([]float32, n)
		switch info.DType {
		case "F32":
			if len(buf) != n*4 {
				return nil, fmt.Errorf("tensor %s: expected %d bytes, got %d", name, n*4, len(buf))
			}
			for i := range values {
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
		case "F16":
			if len(buf) != n*2 {
				return nil, fmt.Errorf("tensor %s: expected %d bytes, got %d", name, n*2, len(buf))
			}
			for i := range values {
				values[i] = Float16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
			}
		case "BF16":
			if len(buf) != n*2 {
				return nil, fmt.Errorf("tensor %s: expected %d bytes, got %d", name, n*2, len(buf))
			}
			for i := range values {
				values[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[i*2:])) << 16)
			}
		default:
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}
		set[name] = &Tensor{Shape: info.Shape, Data: values}
	}
	return set, nil
}

// Save writes the set as F32 safetensors with names in sorted order.
func Save(path string, s Set) error {
	data, err := Serialize(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write weights %s: %w", path, err)
	}
	return nil
}

func Serialize(s Set) ([]byte, error) {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorInfo, len(names))
	offset := 0
	for _, name := range names {
		t := s[name]
		if t.NumElems() != len(t.Data) {
			return nil, fmt.Errorf("tensor %s: shape %v does not match %d values", name, t.Shape, len(t.Data))
		}
		size := len(t.Data) * 4
		header[name] = tensorInfo{DType: "F32", Shape: t.Shape, Offsets: []int{offset, offset + size}}
		offset += size
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	out := make([]byte, 8+len(headerJSON)+offset)
	binary.LittleEndian.PutUint64(out[0:8], uint64(len(headerJSON)))
	copy(out[8:], headerJSON)
	pos := 8 + len(headerJSON)
	for _, name := range names {
		for _, v := range s[name].Data {
			binary.LittleEndian.PutUint32(out[pos:], math.Float32bits(v))
			pos += 4
		}
	}
	return out, nil
}

// Float16ToFloat32 widens an IEEE 754 half-precision value.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exponent := uint32(h>>10) & 0x1F
	mantissa := uint32(h & 0x3FF)

	var bits uint32
	switch {
	case exponent == 0 && mantissa == 0:
		bits = sign << 31
	case exponent == 0:
		// subnormal
		exponent = 1
		for mantissa&0x400 == 0 {
			mantissa <<= 1
			exponent--
		}
		mantissa &= 0x3FF
		bits = sign<<31 | (exponent+(127-15))<<23 | mantissa<<13
	case exponent == 0x1F:
		bits = sign<<31 | 0xFF<<23 | mantissa<<13
	default:
		bits = sign<<31 | (exponent+(127-15))<<23 | mantissa<<13
	}
	return math.Float32frombits(bits)
}
