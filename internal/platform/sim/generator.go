// Package sim provides host-side stand-ins for the node hardware and radios,
// so the lifecycle runs end to end on a workstation.
package sim

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/flowmon/internal/config"
)

const (
	// adcMax is the full scale of the 12-bit pressure ADC.
	adcMax = 1<<12 - 1
	// pressureRangeMPa is the transducer range mapped onto the ADC.
	pressureRangeMPa = 0.5
	// pulsesPerLiter converts flow sensor pulses per second to liters per minute.
	pulsesPerLiter = 6.6
	// maxFlowLPM normalizes flow into [0..1].
	maxFlowLPM = 30.0
	// drawPressureDrop is the relative line pressure drop while water is drawn.
	drawPressureDrop = 0.15
)

// Generator keeps the simulated water line state and advances it with wall time.
// Water draws start at random and end after a fixed duration.
type Generator struct {
	mu           sync.Mutex
	rng          *rand.Rand
	last         time.Time
	pressureMPa  float64
	noise        float64
	flowLPM      float64
	drawChance   float64 // per second
	drawDuration time.Duration
	drawing      bool
	timer        *time.Timer
	pulses       float64
	now          func() time.Time
}

func NewGenerator(cfg config.SimConfig, seed int64) *Generator {
	return &Generator{
		rng:          rand.New(rand.NewSource(seed)),
		pressureMPa:  math.Max(0, math.Min(cfg.PressureMPa, pressureRangeMPa)),
		noise:        math.Max(0, cfg.Noise),
		flowLPM:      math.Max(0, cfg.FlowLPM),
		drawChance:   cfg.DrawChance,
		drawDuration: cfg.DrawDuration,
		now:          time.Now,
	}
}

// advance accumulates pulses since the last call and may start a draw. Caller holds mu.
func (g *Generator) advance() {
	now := g.now()
	if g.last.IsZero() {
		g.last = now
		return
	}
	dt := now.Sub(g.last).Seconds()
	if dt <= 0 {
		return
	}
	g.last = now

	if g.drawing {
		g.pulses += pulsesPerLiter * g.flowLPM * dt
		return
	}
	if g.drawChance > 0 {
		p := 1 - math.Pow(1-g.drawChance, dt)
		if g.rng.Float64() < p {
			g.startDrawLocked(g.drawDuration)
		}
	}
}

// StartDraw opens the tap for d, replacing any draw in progress.
func (g *Generator) StartDraw(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance()
	g.startDrawLocked(d)
}

func (g *Generator) startDrawLocked(d time.Duration) {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.drawing = true
	if d > 0 {
		g.timer = time.AfterFunc(d, func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			g.advance()
			g.drawing = false
			g.timer = nil
		})
	}
}

func (g *Generator) Drawing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.drawing
}

// PressureRaw returns the current ADC reading.
func (g *Generator) PressureRaw() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance()

	p := g.pressureMPa
	if g.drawing {
		p *= 1 - drawPressureDrop
	}
	if g.noise > 0 {
		p += g.rng.NormFloat64() * g.noise
	}
	raw := int(math.Round(p / pressureRangeMPa * adcMax))
	if raw < 0 {
		return 0
	}
	if raw > adcMax {
		return adcMax
	}
	return raw
}

// DrainPulses returns the whole pulses counted since the last drain.
func (g *Generator) DrainPulses() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance()
	n := math.Floor(g.pulses)
	g.pulses -= n
	return uint32(n)
}

func (g *Generator) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
