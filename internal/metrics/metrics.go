// Package metrics exposes node counters. The device core only sees Recorder.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeonardoBeccarini/flowmon/internal/model"
)

type Recorder interface {
	SampleRead()
	SampleError()
	BatchPublished()
	PublishNotOpen()
	JoinRetry()
	FactoryReset()
	SessionRetry()
	Reprovision()
	SleepDecision(sleep bool)
	ConnectivityState(s model.ConnectivityState)
	SessionOpen(open bool)
}

// Nop discards everything; it is the default when metrics are disabled.
type Nop struct{}

func (Nop) SampleRead()                               {}
func (Nop) SampleError()                              {}
func (Nop) BatchPublished()                           {}
func (Nop) PublishNotOpen()                           {}
func (Nop) JoinRetry()                                {}
func (Nop) FactoryReset()                             {}
func (Nop) SessionRetry()                             {}
func (Nop) Reprovision()                              {}
func (Nop) SleepDecision(bool)                        {}
func (Nop) ConnectivityState(model.ConnectivityState) {}
func (Nop) SessionOpen(bool)                          {}

type Prom struct {
	counters map[string]prometheus.Counter
	sleep    *prometheus.CounterVec
	conn     prometheus.Gauge
	session  prometheus.Gauge
}

const (
	samplesTotal      = "flowmon_samples_total"
	sampleErrorsTotal = "flowmon_sample_errors_total"
	batchesTotal      = "flowmon_batches_published_total"
	notOpenTotal      = "flowmon_publish_not_open_total"
	joinRetriesTotal  = "flowmon_join_retries_total"
	factoryResetTotal = "flowmon_factory_resets_total"
	sessionRetryTotal = "flowmon_session_retries_total"
	reprovisionTotal  = "flowmon_reprovisions_total"
)

var counterHelp = map[string]string{
	samplesTotal:      "Samples read and appended to a batch.",
	sampleErrorsTotal: "Sensor reads that failed; the tick was skipped.",
	batchesTotal:      "Batches handed to the telemetry link.",
	notOpenTotal:      "Publish attempts refused because the session was not open.",
	joinRetriesTotal:  "Network join failures.",
	factoryResetTotal: "Factory resets triggered by join exhaustion.",
	sessionRetryTotal: "Telemetry session disconnects.",
	reprovisionTotal:  "Re-provisioning requests from session exhaustion or downlink.",
}

// NewProm registers the node metrics on reg.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{counters: make(map[string]prometheus.Counter, len(counterHelp))}
	for name, help := range counterHelp {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		p.counters[name] = c
		reg.MustRegister(c)
	}
	p.sleep = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmon_sleep_decisions_total",
		Help: "Power policy decisions after each publish.",
	}, []string{"decision"})
	p.conn = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowmon_connectivity_state",
		Help: "Current connectivity state (ordinal of model.ConnectivityState).",
	})
	p.session = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowmon_session_open",
		Help: "1 while the telemetry session is open.",
	})
	reg.MustRegister(p.sleep, p.conn, p.session)
	return p
}

func (p *Prom) SampleRead()     { p.counters[samplesTotal].Inc() }
func (p *Prom) SampleError()    { p.counters[sampleErrorsTotal].Inc() }
func (p *Prom) BatchPublished() { p.counters[batchesTotal].Inc() }
func (p *Prom) PublishNotOpen() { p.counters[notOpenTotal].Inc() }
func (p *Prom) JoinRetry()      { p.counters[joinRetriesTotal].Inc() }
func (p *Prom) FactoryReset()   { p.counters[factoryResetTotal].Inc() }
func (p *Prom) SessionRetry()   { p.counters[sessionRetryTotal].Inc() }
func (p *Prom) Reprovision()    { p.counters[reprovisionTotal].Inc() }

func (p *Prom) SleepDecision(sleep bool) {
	if sleep {
		p.sleep.WithLabelValues("sleep").Inc()
		return
	}
	p.sleep.WithLabelValues("stay_awake").Inc()
}

func (p *Prom) ConnectivityState(s model.ConnectivityState) { p.conn.Set(float64(s)) }

func (p *Prom) SessionOpen(open bool) {
	if open {
		p.session.Set(1)
		return
	}
	p.session.Set(0)
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
