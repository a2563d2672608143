// Package codec serializes sample batches for the telemetry link.
// The lifecycle core treats every codec as opaque bytes.
package codec

import (
	"fmt"
	"strings"

	"github.com/LeonardoBeccarini/flowmon/internal/model"
)

// Batch is the wire view of a completed sample batch.
type Batch struct {
	DeviceID string
	Seq      uint64
	Samples  []model.Sample
}

type Codec interface {
	Name() string
	Encode(b Batch) ([]byte, error)
	Decode(data []byte) (Batch, error)
}

const (
	NameProtobuf = "protobuf"
	NameCBOR     = "cbor"
	NameJSON     = "json"
)

// New returns the codec registered under name; empty selects protobuf.
func New(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameProtobuf, "pb":
		return Protobuf{}, nil
	case NameCBOR:
		return CBOR{}, nil
	case NameJSON:
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
