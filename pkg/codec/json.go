package codec

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/LeonardoBeccarini/flowmon/internal/model"
)

// jsonSample mirrors the firmware's debug payload: values as "%.3f" strings.
type jsonSample struct {
	Pressure  string `json:"pressure"`
	Flow      string `json:"flow"`
	Timestamp int64  `json:"timestamp"`
}

// JSON carries no device id or sequence; the collector takes the id from the topic.
type JSON struct{}

func (JSON) Name() string { return NameJSON }

func (JSON) Encode(b Batch) ([]byte, error) {
	arr := make([]jsonSample, len(b.Samples))
	for i, s := range b.Samples {
		arr[i] = jsonSample{
			Pressure:  strconv.FormatFloat(s.Pressure, 'f', 3, 64),
			Flow:      strconv.FormatFloat(s.Flow, 'f', 3, 64),
			Timestamp: s.Timestamp,
		}
	}
	return json.Marshal(arr)
}

func (JSON) Decode(data []byte) (Batch, error) {
	var arr []jsonSample
	if err := json.Unmarshal(data, &arr); err != nil {
		return Batch{}, fmt.Errorf("json decode: %w", err)
	}
	b := Batch{Samples: make([]model.Sample, len(arr))}
	for i, s := range arr {
		p, err := strconv.ParseFloat(s.Pressure, 64)
		if err != nil {
			return Batch{}, fmt.Errorf("sample %d pressure: %w", i, err)
		}
		f, err := strconv.ParseFloat(s.Flow, 64)
		if err != nil {
			return Batch{}, fmt.Errorf("sample %d flow: %w", i, err)
		}
		b.Samples[i] = model.Sample{Pressure: p, Flow: f, Timestamp: s.Timestamp}
	}
	return b, nil
}
