package sim

import (
	"sync"
	"time"

	"github.com/LeonardoBeccarini/flowmon/internal/hw"
	"github.com/LeonardoBeccarini/flowmon/internal/model"
)

// Sensor reads pressure from the ADC and flow from the pulse input.
type Sensor struct {
	gen    *Generator
	period time.Duration
	now    func() time.Time

	mu  sync.Mutex
	pin *hw.FlowPin
}

func NewSensor(gen *Generator, pin *hw.FlowPin, period time.Duration) *Sensor {
	if period <= 0 {
		period = time.Second
	}
	return &Sensor{gen: gen, pin: pin, period: period, now: time.Now}
}

func (s *Sensor) Read() (model.Sample, error) {
	raw := s.gen.PressureRaw()

	var pulses uint32
	s.mu.Lock()
	if _, err := s.pin.Num(); err == nil {
		pulses = s.gen.DrainPulses()
	}
	s.mu.Unlock()

	return model.Sample{
		Pressure:  NormalizePressure(raw),
		Flow:      NormalizeFlow(pulses, s.period),
		Timestamp: s.now().UnixMilli(),
	}, nil
}

// ReleaseFlowPin detaches the pulse input; Read reports no flow afterwards.
func (s *Sensor) ReleaseFlowPin() (*hw.FlowPin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pin.Take()
}

// NormalizePressure maps a 12-bit reading onto the 0..0.5 MPa range.
func NormalizePressure(raw int) float64 {
	return model.Round3(float64(raw) / adcMax * pressureRangeMPa)
}

// NormalizeFlow converts pulses over one sampling interval into a fraction of the max flow.
func NormalizeFlow(pulses uint32, interval time.Duration) float64 {
	lpm := float64(pulses) / interval.Seconds() / pulsesPerLiter
	return model.Round3(model.Clamp01(lpm / maxFlowLPM))
}
