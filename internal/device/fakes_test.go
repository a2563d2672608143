package device

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/flowmon/internal/hw"
	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
	"github.com/LeonardoBeccarini/flowmon/pkg/broker"
	"github.com/LeonardoBeccarini/flowmon/pkg/codec"
)

var quiet = log.New(io.Discard, "", 0)

// callLog records collaborator calls across fakes so tests can assert ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeProvisioner struct {
	mu                   sync.Mutex
	starts, stops, reset int
	startErr             error
	events               chan messages.ProvisioningEvent
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{events: make(chan messages.ProvisioningEvent, 16)}
}

func (p *fakeProvisioner) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	return p.startErr
}

func (p *fakeProvisioner) Stop() error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return nil
}

func (p *fakeProvisioner) Reset() error {
	p.mu.Lock()
	p.reset++
	p.mu.Unlock()
	return nil
}

func (p *fakeProvisioner) Events() <-chan messages.ProvisioningEvent { return p.events }

func (p *fakeProvisioner) counts() (starts, stops, resets int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops, p.reset
}

type fakeNetwork struct {
	mu       sync.Mutex
	starts   int
	joins    []model.Credentials
	autoJoin bool
	events   chan messages.NetworkEvent
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{events: make(chan messages.NetworkEvent, 16)}
}

func (n *fakeNetwork) Start() error {
	n.mu.Lock()
	n.starts++
	auto := n.autoJoin
	n.mu.Unlock()
	if auto {
		n.events <- messages.NetworkEvent{Kind: messages.NetworkStarted}
	}
	return nil
}

func (n *fakeNetwork) Join(c model.Credentials) error {
	n.mu.Lock()
	n.joins = append(n.joins, c)
	auto := n.autoJoin
	n.mu.Unlock()
	if auto {
		n.events <- messages.NetworkEvent{Kind: messages.NetworkGotAddress, IP: "192.0.2.10"}
	}
	return nil
}

func (n *fakeNetwork) Events() <-chan messages.NetworkEvent { return n.events }

func (n *fakeNetwork) counts() (starts, joins int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.starts, len(n.joins)
}

type doneToken struct {
	err  error
	done chan struct{}
}

func newDoneToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type published struct {
	topic   string
	payload []byte
	qos     byte
}

type fakeLink struct {
	mu          sync.Mutex
	connects    []string
	disconnects int
	published   []published
	subscribed  map[string]broker.Handler
	autoConnect bool
	connectErr  error
	log         *callLog
	events      chan messages.SessionEvent
}

func newFakeLink() *fakeLink {
	return &fakeLink{subscribed: map[string]broker.Handler{}, events: make(chan messages.SessionEvent, 16)}
}

func (l *fakeLink) Connect(clientID string) error {
	l.mu.Lock()
	l.connects = append(l.connects, clientID)
	auto, err := l.autoConnect, l.connectErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if auto {
		l.events <- messages.SessionEvent{Kind: messages.SessionConnected}
	}
	return nil
}

func (l *fakeLink) Disconnect() {
	l.mu.Lock()
	l.disconnects++
	l.mu.Unlock()
	if l.log != nil {
		l.log.add("close")
	}
}

func (l *fakeLink) Publish(topic string, payload []byte, qos byte, retain bool) broker.Token {
	l.mu.Lock()
	l.published = append(l.published, published{topic: topic, payload: append([]byte(nil), payload...), qos: qos})
	l.mu.Unlock()
	return newDoneToken(nil)
}

func (l *fakeLink) Subscribe(topic string, qos byte, h broker.Handler) error {
	l.mu.Lock()
	l.subscribed[topic] = h
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Events() <-chan messages.SessionEvent { return l.events }

func (l *fakeLink) connectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connects)
}

func (l *fakeLink) publishes() []published {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]published(nil), l.published...)
}

// fakeSensor serves readings from next; a nil next yields flowing water.
type fakeSensor struct {
	mu    sync.Mutex
	reads int
	next  func(i int) (model.Sample, error)
	pin   *hw.FlowPin
	log   *callLog
}

func newFakeSensor(next func(i int) (model.Sample, error)) *fakeSensor {
	return &fakeSensor{next: next, pin: hw.ClaimFlowPin(25)}
}

func (s *fakeSensor) Read() (model.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.reads
	s.reads++
	if s.next == nil {
		return model.Sample{Pressure: 0.3, Flow: 0.2, Timestamp: int64(i)}, nil
	}
	return s.next(i)
}

func (s *fakeSensor) ReleaseFlowPin() (*hw.FlowPin, error) {
	if s.log != nil {
		s.log.add("release")
	}
	return s.pin.Take()
}

func (s *fakeSensor) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

type fakeWake struct {
	cause     model.WakeCause
	log       *callLog
	armErr    error
	armedPin  hw.Pin
	threshold int
	isolated  []hw.Pin
}

func (w *fakeWake) LastWakeCause() model.WakeCause { return w.cause }
func (w *fakeWake) LoadProgram() error             { w.log.add("load"); return nil }

func (w *fakeWake) Arm(pin *hw.FlowPin, threshold int) error {
	w.log.add("arm")
	if w.armErr != nil {
		return w.armErr
	}
	n, err := pin.Num()
	if err != nil {
		return err
	}
	w.armedPin, w.threshold = n, threshold
	return nil
}

func (w *fakeWake) Isolate(pins []hw.Pin) error { w.log.add("isolate"); w.isolated = pins; return nil }
func (w *fakeWake) EnableWake() error           { w.log.add("enable_wake"); return nil }
func (w *fakeWake) Suspend()                    { w.log.add("suspend") }

type fakeRebooter struct {
	mu    sync.Mutex
	count int
}

func (r *fakeRebooter) Reboot() {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

func (r *fakeRebooter) reboots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type fakeEscalator struct {
	mu      sync.Mutex
	reasons []string
}

func (e *fakeEscalator) ForceReprovision(reason string) {
	e.mu.Lock()
	e.reasons = append(e.reasons, reason)
	e.mu.Unlock()
}

func (e *fakeEscalator) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reasons)
}

type fakeCodec struct{ err error }

func (fakeCodec) Name() string { return "fake" }

func (c fakeCodec) Encode(b codec.Batch) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	return codec.JSON{}.Encode(b)
}

var errSensor = errors.New("adc timeout")

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
