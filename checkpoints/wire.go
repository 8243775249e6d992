package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-hdgm/layers"
)

// The binary checkpoint format is the protobuf wire encoding of:
//
//	message Checkpoint {
//	  bytes model_spec_json = 1;
//	  repeated Tensor weights = 2;
//	  TrainingState training_state = 3;
//	  OptimizerState optimizer_state = 4;
//	  Metadata metadata = 5;
//	  bytes model_config_json = 6;
//	}
//	message Tensor { string name = 1; repeated int64 shape = 2; repeated double data = 3; string layer = 4; string type = 5; }
//	message TrainingState { int64 epoch = 1; int64 step = 2; double learning_rate = 3; double best_loss = 4; double best_accuracy = 5; int64 total_steps = 6; }
//	message OptimizerState { string type = 1; repeated Param parameters = 2; repeated Tensor state = 3; }
//	message Param { string key = 1; double value = 2; }
//	message Metadata { string version = 1; string framework = 2; int64 created_at_unix_nano = 3; string description = 4; repeated string tags = 5; }
//
// OptimizerState.state reuses Tensor with field 4 carrying the state type.

// MarshalWire encodes a checkpoint in the binary format
func MarshalWire(c *Checkpoint) ([]byte, error) {
	var b []byte
	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode model spec: %w", err)
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}
	for _, w := range c.Weights {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, appendTrainingState(nil, c.TrainingState))
	if c.OptimizerState != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOptimizerState(nil, c.OptimizerState))
	}
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMetadata(nil, c.Metadata))
	if len(c.ModelConfig) > 0 {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, c.ModelConfig)
	}
	return b, nil
}

func appendTensor(b []byte, name string, shape []int, data []float64, layer, typ string) []byte {
	b = appendString(b, 1, name)
	if len(shape) > 0 {
		var packed []byte
		for _, d := range shape {
			packed = protowire.AppendVarint(packed, uint64(int64(d)))
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(data) > 0 {
		packed := make([]byte, 0, 8*len(data))
		for _, v := range data {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendString(b, 4, layer)
	b = appendString(b, 5, typ)
	return b
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = appendInt(b, 1, int64(s.Epoch))
	b = appendInt(b, 2, int64(s.Step))
	b = appendDouble(b, 3, s.LearningRate)
	b = appendDouble(b, 4, s.BestLoss)
	b = appendDouble(b, 5, s.BestAccuracy)
	b = appendInt(b, 6, int64(s.TotalSteps))
	return b
}

func appendOptimizerState(b []byte, s *OptimizerState) []byte {
	b = appendString(b, 1, s.Type)
	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var p []byte
		p = appendString(p, 1, k)
		p = protowire.AppendTag(p, 2, protowire.Fixed64Type)
		p = protowire.AppendFixed64(p, math.Float64bits(s.Parameters[k]))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	for _, t := range s.StateData {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, t.StateType, ""))
	}
	return b
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendInt(b, 3, m.CreatedAt.UnixNano())
	}
	b = appendString(b, 4, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// UnmarshalWire decodes a checkpoint written by MarshalWire
func UnmarshalWire(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			spec := &layers.ModelSpec{}
			if err := json.Unmarshal(v.bytes, spec); err != nil {
				return fmt.Errorf("model spec: %w", err)
			}
			c.ModelSpec = spec
		case 2:
			var w WeightTensor
			if err := decodeTensor(v.bytes, &w.Name, &w.Shape, &w.Data, &w.Layer, &w.Type); err != nil {
				return fmt.Errorf("weight %d: %w", len(c.Weights), err)
			}
			c.Weights = append(c.Weights, w)
		case 3:
			return decodeTrainingState(v.bytes, &c.TrainingState)
		case 4:
			s := &OptimizerState{Parameters: make(map[string]float64)}
			if err := decodeOptimizerState(v.bytes, s); err != nil {
				return fmt.Errorf("optimizer state: %w", err)
			}
			c.OptimizerState = s
		case 5:
			return decodeMetadata(v.bytes, &c.Metadata)
		case 6:
			c.ModelConfig = append(json.RawMessage(nil), v.bytes...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

type fieldValue struct {
	varint uint64
	bytes  []byte
}

func walkFields(b []byte, fn func(protowire.Number, protowire.Type, fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v fieldValue
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v.varint, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

func decodeTensor(b []byte, name *string, shape *[]int, data *[]float64, layer, typ *string) error {
	return walkFields(b, func(num protowire.Number, wt protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			*name = string(v.bytes)
		case 2:
			if wt == protowire.VarintType {
				*shape = append(*shape, int(int64(v.varint)))
				return nil
			}
			packed := v.bytes
			for len(packed) > 0 {
				d, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return protowire.ParseError(n)
				}
				*shape = append(*shape, int(int64(d)))
				packed = packed[n:]
			}
		case 3:
			if wt == protowire.Fixed64Type {
				*data = append(*data, math.Float64frombits(v.varint))
				return nil
			}
			if len(v.bytes)%8 != 0 {
				return fmt.Errorf("packed doubles have %d bytes", len(v.bytes))
			}
			out := make([]float64, 0, len(v.bytes)/8)
			packed := v.bytes
			for len(packed) > 0 {
				bits, n := protowire.ConsumeFixed64(packed)
				if n < 0 {
					return protowire.ParseError(n)
				}
				out = append(out, math.Float64frombits(bits))
				packed = packed[n:]
			}
			*data = append(*data, out...)
		case 4:
			*layer = string(v.bytes)
		case 5:
			*typ = string(v.bytes)
		}
		return nil
	})
}

func decodeTrainingState(b []byte, s *TrainingState) error {
	return walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			s.Epoch = int(int64(v.varint))
		case 2:
			s.Step = int(int64(v.varint))
		case 3:
			s.LearningRate = math.Float64frombits(v.varint)
		case 4:
			s.BestLoss = math.Float64frombits(v.varint)
		case 5:
			s.BestAccuracy = math.Float64frombits(v.varint)
		case 6:
			s.TotalSteps = int(int64(v.varint))
		}
		return nil
	})
}

func decodeOptimizerState(b []byte, s *OptimizerState) error {
	return walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			s.Type = string(v.bytes)
		case 2:
			var key string
			var value float64
			err := walkFields(v.bytes, func(pn protowire.Number, _ protowire.Type, pv fieldValue) error {
				switch pn {
				case 1:
					key = string(pv.bytes)
				case 2:
					value = math.Float64frombits(pv.varint)
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.Parameters[key] = value
		case 3:
			var t OptimizerTensor
			var unused string
			if err := decodeTensor(v.bytes, &t.Name, &t.Shape, &t.Data, &t.StateType, &unused); err != nil {
				return err
			}
			s.StateData = append(s.StateData, t)
		}
		return nil
	})
}

func decodeMetadata(b []byte, m *CheckpointMetadata) error {
	return walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			m.Version = string(v.bytes)
		case 2:
			m.Framework = string(v.bytes)
		case 3:
			m.CreatedAt = time.Unix(0, int64(v.varint))
		case 4:
			m.Description = string(v.bytes)
		case 5:
			m.Tags = append(m.Tags, string(v.bytes))
		}
		return nil
	})
}
