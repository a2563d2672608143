package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/LeonardoBeccarini/flowmon/internal/hw"
	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/pkg/store"
)

var ErrProgramNotLoaded = errors.New("sim: wake program not loaded")

// wakeRecord is what survives the simulated deep sleep.
type wakeRecord struct {
	Loaded       bool   `json:"loaded"`
	PendingCause string `json:"pending_cause,omitempty"`
}

// Wake emulates the low-power coprocessor. Suspend counts pulses until the
// threshold is reached, records the wake cause and restarts the process.
type Wake struct {
	gen    *Generator
	store  store.Store
	period time.Duration
	logger *log.Logger
	// restart replaces the process; it does not return on success.
	restart func() error
	stop    <-chan struct{}

	pin       *hw.FlowPin
	threshold int
	isolated  []hw.Pin
	enabled   bool
}

func NewWake(gen *Generator, st store.Store, period time.Duration, logger *log.Logger) *Wake {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Wake{gen: gen, store: st, period: period, logger: logger, restart: reexec}
}

// StopOn makes Suspend give up when ch closes, so a suspended process can still be shut down.
func (w *Wake) StopOn(ch <-chan struct{}) { w.stop = ch }

func (w *Wake) load() wakeRecord {
	var rec wakeRecord
	b, err := w.store.Get(context.Background(), store.KeyWakeProgram)
	if err != nil {
		return rec
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		w.logger.Printf("wake record unreadable, ignoring: %v", err)
	}
	return rec
}

func (w *Wake) save(rec wakeRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return w.store.Set(context.Background(), store.KeyWakeProgram, b)
}

// LastWakeCause consumes the pending cause, so a later cold start reads cold.
func (w *Wake) LastWakeCause() model.WakeCause {
	rec := w.load()
	if rec.PendingCause != model.WakeLowPowerCounter.String() {
		return model.WakeCold
	}
	rec.PendingCause = ""
	if err := w.save(rec); err != nil {
		w.logger.Printf("clear wake cause: %v", err)
	}
	return model.WakeLowPowerCounter
}

func (w *Wake) LoadProgram() error {
	rec := w.load()
	rec.Loaded = true
	if err := w.save(rec); err != nil {
		return fmt.Errorf("load wake program: %w", err)
	}
	return nil
}

func (w *Wake) Arm(pin *hw.FlowPin, threshold int) error {
	if !w.load().Loaded {
		return ErrProgramNotLoaded
	}
	if _, err := pin.Num(); err != nil {
		return err
	}
	if threshold < 1 {
		return fmt.Errorf("sim: wake threshold must be >= 1, got %d", threshold)
	}
	w.pin, w.threshold = pin, threshold
	return nil
}

func (w *Wake) Isolate(pins []hw.Pin) error {
	w.isolated = append(w.isolated[:0], pins...)
	return nil
}

func (w *Wake) EnableWake() error {
	if w.pin == nil {
		return errors.New("sim: wake source not armed")
	}
	w.enabled = true
	return nil
}

// Suspend returns only if the wake never fires or the restart fails.
func (w *Wake) Suspend() {
	if !w.enabled {
		w.logger.Printf("suspend without wake source, refusing")
		return
	}
	w.logger.Printf("suspending until %d pulses on %s", w.threshold, w.pin)

	var count uint32
	t := time.NewTicker(w.period)
	defer t.Stop()
	w.gen.DrainPulses()
	for count < uint32(w.threshold) {
		select {
		case <-w.stop:
			w.logger.Printf("suspend interrupted")
			return
		case <-t.C:
			count += w.gen.DrainPulses()
		}
	}

	rec := w.load()
	rec.PendingCause = model.WakeLowPowerCounter.String()
	if err := w.save(rec); err != nil {
		w.logger.Printf("record wake cause: %v", err)
		return
	}
	if err := w.store.Close(); err != nil {
		w.logger.Printf("close store before restart: %v", err)
	}
	w.logger.Printf("woke after %d pulses, restarting", count)
	if err := w.restart(); err != nil {
		w.logger.Printf("restart: %v", err)
	}
}

// reexec replaces the process image with a fresh copy of itself. Unix only.
func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}

// Rebooter closes the store and exits with ExitReboot; the supervisor
// restarts the process.
type Rebooter struct {
	store  store.Store
	logger *log.Logger
	exit   func(int)
}

const ExitReboot = 3

func NewRebooter(st store.Store, logger *log.Logger) *Rebooter {
	if logger == nil {
		logger = log.Default()
	}
	return &Rebooter{store: st, logger: logger, exit: os.Exit}
}

func (r *Rebooter) Reboot() {
	if err := r.store.Close(); err != nil {
		r.logger.Printf("close store before reboot: %v", err)
	}
	r.logger.Printf("rebooting")
	r.exit(ExitReboot)
}
