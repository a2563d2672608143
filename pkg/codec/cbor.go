package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/LeonardoBeccarini/flowmon/internal/model"
)

// encMode uses Core Deterministic Encoding: the same batch always yields the same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborSample struct {
	Pressure  float64 `cbor:"1,keyasint"`
	Flow      float64 `cbor:"2,keyasint"`
	Timestamp int64   `cbor:"3,keyasint"`
}

type cborBatch struct {
	Samples  []cborSample `cbor:"1,keyasint"`
	DeviceID string       `cbor:"2,keyasint,omitempty"`
	Seq      uint64       `cbor:"3,keyasint,omitempty"`
}

type CBOR struct{}

func (CBOR) Name() string { return NameCBOR }

func (CBOR) Encode(b Batch) ([]byte, error) {
	wire := cborBatch{DeviceID: b.DeviceID, Seq: b.Seq, Samples: make([]cborSample, len(b.Samples))}
	for i, s := range b.Samples {
		wire.Samples[i] = cborSample(s)
	}
	out, err := encMode.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	return out, nil
}

func (CBOR) Decode(data []byte) (Batch, error) {
	var wire cborBatch
	if err := decMode.Unmarshal(data, &wire); err != nil {
		return Batch{}, fmt.Errorf("cbor decode: %w", err)
	}
	b := Batch{DeviceID: wire.DeviceID, Seq: wire.Seq, Samples: make([]model.Sample, len(wire.Samples))}
	for i, s := range wire.Samples {
		b.Samples[i] = model.Sample(s)
	}
	return b, nil
}
