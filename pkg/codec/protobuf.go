package codec

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/LeonardoBeccarini/flowmon/internal/model"
)

// Field numbers of sample_batch.proto:
//
//	message Sample      { float pressure = 1; float flow = 2; uint64 timestamp = 3; }
//	message SampleBatch { repeated Sample samples = 1; string device_id = 2; uint64 seq = 3; }
const (
	sampleFieldPressure  protowire.Number = 1
	sampleFieldFlow      protowire.Number = 2
	sampleFieldTimestamp protowire.Number = 3

	batchFieldSamples  protowire.Number = 1
	batchFieldDeviceID protowire.Number = 2
	batchFieldSeq      protowire.Number = 3
)

// Protobuf is the default codec, byte compatible with the firmware's nanopb messages.
// Pressure and flow travel as float32.
type Protobuf struct{}

func (Protobuf) Name() string { return NameProtobuf }

func (Protobuf) Encode(b Batch) ([]byte, error) {
	out := make([]byte, 0, 16+len(b.DeviceID)+len(b.Samples)*20)
	var sample []byte
	for _, s := range b.Samples {
		sample = sample[:0]
		sample = protowire.AppendTag(sample, sampleFieldPressure, protowire.Fixed32Type)
		sample = protowire.AppendFixed32(sample, math.Float32bits(float32(s.Pressure)))
		sample = protowire.AppendTag(sample, sampleFieldFlow, protowire.Fixed32Type)
		sample = protowire.AppendFixed32(sample, math.Float32bits(float32(s.Flow)))
		sample = protowire.AppendTag(sample, sampleFieldTimestamp, protowire.VarintType)
		sample = protowire.AppendVarint(sample, uint64(s.Timestamp))

		out = protowire.AppendTag(out, batchFieldSamples, protowire.BytesType)
		out = protowire.AppendBytes(out, sample)
	}
	if b.DeviceID != "" {
		out = protowire.AppendTag(out, batchFieldDeviceID, protowire.BytesType)
		out = protowire.AppendString(out, b.DeviceID)
	}
	if b.Seq != 0 {
		out = protowire.AppendTag(out, batchFieldSeq, protowire.VarintType)
		out = protowire.AppendVarint(out, b.Seq)
	}
	return out, nil
}

func (Protobuf) Decode(data []byte) (Batch, error) {
	var b Batch
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Batch{}, fmt.Errorf("batch tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == batchFieldSamples && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Batch{}, fmt.Errorf("sample bytes: %w", protowire.ParseError(n))
			}
			s, err := decodeSample(raw)
			if err != nil {
				return Batch{}, err
			}
			b.Samples = append(b.Samples, s)
			data = data[n:]
		case num == batchFieldDeviceID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Batch{}, fmt.Errorf("device_id: %w", protowire.ParseError(n))
			}
			b.DeviceID = v
			data = data[n:]
		case num == batchFieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Batch{}, fmt.Errorf("seq: %w", protowire.ParseError(n))
			}
			b.Seq = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Batch{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return b, nil
}

func decodeSample(data []byte) (model.Sample, error) {
	var s model.Sample
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return s, fmt.Errorf("sample tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case (num == sampleFieldPressure || num == sampleFieldFlow) && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return s, fmt.Errorf("sample field %d: %w", num, protowire.ParseError(n))
			}
			f := float64(math.Float32frombits(v))
			if num == sampleFieldPressure {
				s.Pressure = f
			} else {
				s.Flow = f
			}
			data = data[n:]
		case num == sampleFieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return s, fmt.Errorf("timestamp: %w", protowire.ParseError(n))
			}
			if v > math.MaxInt64 {
				return s, errors.New("timestamp overflows int64")
			}
			s.Timestamp = int64(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return s, fmt.Errorf("skip sample field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return s, nil
}
