package checkpoints

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the checkpoint wire format.
//
//	Checkpoint      { 1 prompt: repeated WeightTensor, 2 training_state, 3 optimizer_state,
//	                  4 scaler, 5 mapping_sequence: packed varint, 6 metadata }
//	WeightTensor    { 1 name, 2 shape: packed varint, 3 data: packed fixed32 }
//	TrainingState   { 1 epoch, 2 step, 3 learning_rate: double, 4 best_accuracy: double, 5 total_epochs }
//	OptimizerState  { 1 type, 2 parameters: repeated {1 key, 2 value: double}, 3 state_data }
//	OptimizerTensor { 1 name, 2 shape, 3 data, 4 state_type }
//	ScalerState     { 1 scale: double, 2 growth_tracker }
//	Metadata        { 1 version, 2 framework, 3 created_at: unix nanos, 4 run_id,
//	                  5 network, 6 dataset, 7 description, 8 tags: repeated string }
const (
	fieldPrompt         protowire.Number = 1
	fieldTrainingState  protowire.Number = 2
	fieldOptimizerState protowire.Number = 3
	fieldScaler         protowire.Number = 4
	fieldMappingSeq     protowire.Number = 5
	fieldMetadata       protowire.Number = 6
)

// MarshalProto encodes a checkpoint in protobuf wire format.
func MarshalProto(c *Checkpoint) ([]byte, error) {
	var b []byte
	for _, w := range c.Prompt {
		b = appendMessage(b, fieldPrompt, appendTensor(nil, w.Name, w.Shape, w.Data, ""))
	}
	b = appendMessage(b, fieldTrainingState, appendTrainingState(nil, c.TrainingState))
	if c.OptimizerState != nil {
		msg, err := appendOptimizerState(nil, c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, fieldOptimizerState, msg)
	}
	if c.Scaler != nil {
		var msg []byte
		msg = appendDouble(msg, 1, c.Scaler.Scale)
		msg = appendInt(msg, 2, c.Scaler.GrowthTracker)
		b = appendMessage(b, fieldScaler, msg)
	}
	b = appendPackedInts(b, fieldMappingSeq, c.MappingSequence)
	b = appendMessage(b, fieldMetadata, appendMetadata(nil, c.Metadata))
	return b, nil
}

// UnmarshalProto decodes a checkpoint written by MarshalProto. Unknown
// fields are skipped.
func UnmarshalProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldPrompt:
			return consumeMessage(typ, v, func(msg []byte) error {
				var w WeightTensor
				var err error
				w.Name, w.Shape, w.Data, _, err = decodeTensor(msg)
				c.Prompt = append(c.Prompt, w)
				return err
			})
		case fieldTrainingState:
			return consumeMessage(typ, v, func(msg []byte) error {
				var err error
				c.TrainingState, err = decodeTrainingState(msg)
				return err
			})
		case fieldOptimizerState:
			return consumeMessage(typ, v, func(msg []byte) error {
				var err error
				c.OptimizerState, err = decodeOptimizerState(msg)
				return err
			})
		case fieldScaler:
			return consumeMessage(typ, v, func(msg []byte) error {
				s := &ScalerState{}
				c.Scaler = s
				return consumeFields(msg, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
					switch num {
					case 1:
						return consumeDouble(typ, v, &s.Scale)
					case 2:
						return consumeInt(typ, v, &s.GrowthTracker)
					}
					return skipField(num, typ, v)
				})
			})
		case fieldMappingSeq:
			return consumeInts(typ, v, &c.MappingSequence)
		case fieldMetadata:
			return consumeMessage(typ, v, func(msg []byte) error {
				var err error
				c.Metadata, err = decodeMetadata(msg)
				return err
			})
		}
		return skipField(num, typ, v)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func appendTensor(b []byte, name string, shape []int, data []float32, stateType string) []byte {
	b = appendString(b, 1, name)
	b = appendPackedInts(b, 2, shape)
	if len(data) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(4*len(data)))
		for _, v := range data {
			b = protowire.AppendFixed32(b, math.Float32bits(v))
		}
	}
	b = appendString(b, 4, stateType)
	return b
}

func decodeTensor(b []byte) (name string, shape []int, data []float32, stateType string, err error) {
	err = consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, v, &name)
		case 2:
			return consumeInts(typ, v, &shape)
		case 3:
			return consumeFloats(typ, v, &data)
		case 4:
			return consumeString(typ, v, &stateType)
		}
		return skipField(num, typ, v)
	})
	return
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = appendInt(b, 1, s.Epoch)
	b = appendInt(b, 2, s.Step)
	b = appendDouble(b, 3, s.LearningRate)
	b = appendDouble(b, 4, s.BestAccuracy)
	b = appendInt(b, 5, s.TotalEpochs)
	return b
}

func decodeTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(typ, v, &s.Epoch)
		case 2:
			return consumeInt(typ, v, &s.Step)
		case 3:
			return consumeDouble(typ, v, &s.LearningRate)
		case 4:
			return consumeDouble(typ, v, &s.BestAccuracy)
		case 5:
			return consumeInt(typ, v, &s.TotalEpochs)
		}
		return skipField(num, typ, v)
	})
	return s, err
}

func appendOptimizerState(b []byte, s *OptimizerState) ([]byte, error) {
	b = appendString(b, 1, s.Type)

	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := paramToFloat(s.Parameters[k])
		if err != nil {
			return nil, fmt.Errorf("optimizer parameter %s: %w", k, err)
		}
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = protowire.AppendTag(entry, 2, protowire.Fixed64Type)
		entry = protowire.AppendFixed64(entry, math.Float64bits(v))
		b = appendMessage(b, 2, entry)
	}

	for _, t := range s.StateData {
		b = appendMessage(b, 3, appendTensor(nil, t.Name, t.Shape, t.Data, t.StateType))
	}
	return b, nil
}

func paramToFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

func decodeOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: make(map[string]interface{})}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, v, &s.Type)
		case 2:
			return consumeMessage(typ, v, func(msg []byte) error {
				var key string
				var value float64
				err := consumeFields(msg, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, v, &key)
					case 2:
						return consumeDouble(typ, v, &value)
					}
					return skipField(num, typ, v)
				})
				s.Parameters[key] = value
				return err
			})
		case 3:
			return consumeMessage(typ, v, func(msg []byte) error {
				var t OptimizerTensor
				var err error
				t.Name, t.Shape, t.Data, t.StateType, err = decodeTensor(msg)
				s.StateData = append(s.StateData, t)
				return err
			})
		}
		return skipField(num, typ, v)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, 4, m.RunID)
	b = appendString(b, 5, m.Network)
	b = appendString(b, 6, m.Dataset)
	b = appendString(b, 7, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func decodeMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, v, &m.Version)
		case 2:
			return consumeString(typ, v, &m.Framework)
		case 3:
			var nanos int
			n, err := consumeInt(typ, v, &nanos)
			m.CreatedAt = time.Unix(0, int64(nanos)).UTC()
			return n, err
		case 4:
			return consumeString(typ, v, &m.RunID)
		case 5:
			return consumeString(typ, v, &m.Network)
		case 6:
			return consumeString(typ, v, &m.Dataset)
		case 7:
			return consumeString(typ, v, &m.Description)
		case 8:
			var tag string
			n, err := consumeString(typ, v, &tag)
			m.Tags = append(m.Tags, tag)
			return n, err
		}
		return skipField(num, typ, v)
	})
	return m, err
}

// Low-level helpers

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedInts(b []byte, num protowire.Number, vs []int) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}
	return appendMessage(b, num, packed)
}

type fieldFunc func(num protowire.Number, typ protowire.Type, v []byte) (int, error)

// consumeFields walks the fields of one message, handing each value to fn
// which returns the number of bytes it consumed.
func consumeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func wrongType(typ protowire.Type) error {
	return fmt.Errorf("unexpected wire type %d", typ)
}

func consumeMessage(typ protowire.Type, b []byte, fn func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, wrongType(typ)
	}
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, fn(msg)
}

func consumeString(typ protowire.Type, b []byte, out *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, wrongType(typ)
	}
	s, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = s
	return n, nil
}

func consumeInt(typ protowire.Type, b []byte, out *int) (int, error) {
	if typ != protowire.VarintType {
		return 0, wrongType(typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = int(int64(v))
	return n, nil
}

func consumeDouble(typ protowire.Type, b []byte, out *float64) (int, error) {
	if typ != protowire.Fixed64Type {
		return 0, wrongType(typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = math.Float64frombits(v)
	return n, nil
}

// consumeInts accepts both packed and unpacked repeated varints.
func consumeInts(typ protowire.Type, b []byte, out *[]int) (int, error) {
	switch typ {
	case protowire.VarintType:
		var v int
		n, err := consumeInt(typ, b, &v)
		*out = append(*out, v)
		return n, err
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			*out = append(*out, int(int64(v)))
			packed = packed[m:]
		}
		return n, nil
	}
	return 0, wrongType(typ)
}

func consumeFloats(typ protowire.Type, b []byte, out *[]float32) (int, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		*out = append(*out, math.Float32frombits(v))
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		if len(packed)%4 != 0 {
			return 0, fmt.Errorf("packed float field has %d bytes", len(packed))
		}
		values := make([]float32, 0, len(packed)/4)
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			values = append(values, math.Float32frombits(v))
			packed = packed[m:]
		}
		*out = append(*out, values...)
		return n, nil
	}
	return 0, wrongType(typ)
}
