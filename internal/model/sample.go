package model

import (
	"errors"
	"math"
)

// ErrBatchFull is returned when appending to a batch that already holds Cap samples.
var ErrBatchFull = errors.New("sample batch is full")

// Sample is one normalized reading. Pressure and flow are in [0..1].
type Sample struct {
	Pressure  float64 `json:"pressure"`
	Flow      float64 `json:"flow"`
	Timestamp int64   `json:"timestamp"` // ms since epoch
}

// SampleBatch is a fixed-capacity, ordered group of samples published together.
// It is owned by the sampling pipeline and never shared across goroutines.
type SampleBatch struct {
	Seq     uint64
	samples []Sample
	count   int
}

func NewSampleBatch(capacity int) *SampleBatch {
	if capacity < 1 {
		capacity = 1
	}
	return &SampleBatch{samples: make([]Sample, capacity)}
}

// Append stores s in the next slot and reports whether the batch became full.
func (b *SampleBatch) Append(s Sample) (bool, error) {
	if b.count == len(b.samples) {
		return true, ErrBatchFull
	}
	b.samples[b.count] = s
	b.count++
	return b.count == len(b.samples), nil
}

func (b *SampleBatch) Len() int   { return b.count }
func (b *SampleBatch) Cap() int   { return len(b.samples) }
func (b *SampleBatch) Full() bool { return b.count == len(b.samples) }

// At returns the i-th sample in read order.
func (b *SampleBatch) At(i int) Sample { return b.samples[i] }

// Samples returns a copy of the filled slots.
func (b *SampleBatch) Samples() []Sample {
	out := make([]Sample, b.count)
	copy(out, b.samples[:b.count])
	return out
}

// Reset empties the batch; Seq is left to the owner.
func (b *SampleBatch) Reset() {
	for i := 0; i < b.count; i++ {
		b.samples[i] = Sample{}
	}
	b.count = 0
}

// Round3 rounds to three decimals, the precision the sensors report.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
