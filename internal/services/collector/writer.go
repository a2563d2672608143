package collector

import (
	"context"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
)

// PointWriter is the blocking write API of the Influx client.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Writer wraps the write API and tracks the last write error for /healthz and /readyz.
type Writer struct {
	api     PointWriter
	written *prometheus.CounterVec
	failed  prometheus.Counter

	mu      sync.RWMutex
	lastErr time.Time
	now     func() time.Time
}

func NewWriter(w PointWriter, reg prometheus.Registerer) *Writer {
	ww := &Writer{
		api: w,
		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_points_written_total",
			Help: "Points written to InfluxDB.",
		}, []string{"measurement"}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_write_errors_total",
			Help: "Failed InfluxDB writes.",
		}),
		now: time.Now,
	}
	ww.lastErr = ww.now().Add(-24 * time.Hour)
	if reg != nil {
		reg.MustRegister(ww.written, ww.failed)
	}
	return ww
}

func (w *Writer) Write(ctx context.Context, measurement string, points ...*write.Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := w.api.WritePoint(ctx, points...); err != nil {
		w.mu.Lock()
		w.lastErr = w.now()
		w.mu.Unlock()
		w.failed.Inc()
		return err
	}
	w.written.WithLabelValues(measurement).Add(float64(len(points)))
	return nil
}

// LastErrorAge is how long ago the last write failed.
func (w *Writer) LastErrorAge() time.Duration {
	if w == nil {
		return 99999 * time.Hour
	}
	w.mu.RLock()
	t := w.lastErr
	w.mu.RUnlock()
	return w.now().Sub(t)
}
