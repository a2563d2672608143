package device

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/LeonardoBeccarini/flowmon/internal/hw"
	"github.com/LeonardoBeccarini/flowmon/internal/metrics"
	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/pkg/store"
)

type PowerConfig struct {
	// Epsilon is the largest pressure deviation from the first sample still considered idle.
	Epsilon       float64
	WakeThreshold int
	IsolatedPins  []hw.Pin
	Logger        *log.Logger
	Metrics       metrics.Recorder
}

// Closer is the part of Session the policy needs before suspending.
type Closer interface {
	Close()
}

// PowerPolicy decides after each publish whether the node may suspend and,
// if so, hands the flow input to the wake controller and suspends.
type PowerPolicy struct {
	cfg     PowerConfig
	src     SensorSource
	ctl     WakeController
	store   store.Store
	session Closer
	now     func() time.Time
}

func NewPowerPolicy(cfg PowerConfig, src SensorSource, ctl WakeController, st store.Store, session Closer) *PowerPolicy {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "power: ", log.LstdFlags)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &PowerPolicy{cfg: cfg, src: src, ctl: ctl, store: st, session: session, now: time.Now}
}

// ShouldSleep reports whether the batch shows no flow and a steady pressure.
func (p *PowerPolicy) ShouldSleep(b *model.SampleBatch) bool {
	n := b.Len()
	if n == 0 {
		return false
	}
	p0 := b.At(0).Pressure
	for i := 0; i < n; i++ {
		s := b.At(i)
		if s.Flow != 0 {
			return false
		}
		if math.Abs(s.Pressure-p0) > p.cfg.Epsilon {
			return false
		}
	}
	return true
}

// Evaluate suspends the node when ShouldSleep holds. It returns nil when the
// node stays awake; on success it does not return at all.
func (p *PowerPolicy) Evaluate(ctx context.Context, b *model.SampleBatch) error {
	sleep := p.ShouldSleep(b)
	p.cfg.Metrics.SleepDecision(sleep)
	if !sleep {
		return nil
	}
	p.cfg.Logger.Printf("no flow over %d samples, entering low-power mode", b.Len())

	pin, err := p.src.ReleaseFlowPin()
	if err != nil {
		return fmt.Errorf("%w: release flow pin: %w", ErrFatal, err)
	}
	if err := p.ctl.Arm(pin, p.cfg.WakeThreshold); err != nil {
		return fmt.Errorf("%w: arm pulse counter: %w", ErrFatal, err)
	}
	if err := p.ctl.Isolate(p.cfg.IsolatedPins); err != nil {
		return fmt.Errorf("%w: isolate pins: %w", ErrFatal, err)
	}
	if err := p.ctl.EnableWake(); err != nil {
		return fmt.Errorf("%w: enable wake source: %w", ErrFatal, err)
	}

	stamp := strconv.FormatInt(p.now().UnixMilli(), 10)
	if err := store.SetString(ctx, p.store, store.KeyLastSleep, stamp); err != nil {
		p.cfg.Logger.Printf("persist %s: %v", store.KeyLastSleep, err)
	}
	p.session.Close()

	p.ctl.Suspend()
	return ErrSuspendReturned
}

// BootWakeCause reads the wake cause once at start-up and loads the pulse
// counting program unless the counter itself woke the node.
func BootWakeCause(ctl WakeController, logger *log.Logger) (model.WakeCause, error) {
	cause := ctl.LastWakeCause()
	if cause == model.WakeLowPowerCounter {
		logger.Printf("woken by the pulse counter")
		return cause, nil
	}
	logger.Printf("cold boot, loading pulse counter program")
	if err := ctl.LoadProgram(); err != nil {
		return cause, fmt.Errorf("load wake program: %w", err)
	}
	return cause, nil
}
