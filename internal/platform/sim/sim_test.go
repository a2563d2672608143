package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/LeonardoBeccarini/flowmon/internal/config"
	"github.com/LeonardoBeccarini/flowmon/internal/hw"
	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
	"github.com/LeonardoBeccarini/flowmon/pkg/store"
)

var quiet = log.New(io.Discard, "", 0)

type clock struct{ t time.Time }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Unix(1700000000, 0)} }

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		got  float64
		want float64
	}{
		{"pressure full scale", NormalizePressure(4095), 0.5},
		{"pressure zero", NormalizePressure(0), 0},
		{"pressure mid", NormalizePressure(2048), 0.25},
		{"flow max", NormalizeFlow(198, time.Second), 1},
		{"flow half", NormalizeFlow(99, time.Second), 0.5},
		{"flow clamped", NormalizeFlow(1000, time.Second), 1},
		{"flow over two seconds", NormalizeFlow(198, 2*time.Second), 0.5},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestGeneratorPulsesWhileDrawing(t *testing.T) {
	c := newClock()
	g := NewGenerator(config.SimConfig{PressureMPa: 0.3, FlowLPM: 12}, 1)
	g.now = c.now
	defer g.Stop()

	if n := g.DrainPulses(); n != 0 {
		t.Fatalf("idle pulses = %d", n)
	}
	g.StartDraw(0)
	c.add(time.Second)
	if n := g.DrainPulses(); n != 79 {
		t.Fatalf("pulses after 1s at 12 LPM = %d, want 79", n)
	}
	if n := g.DrainPulses(); n != 0 {
		t.Fatalf("second drain = %d, want 0", n)
	}
}

func TestGeneratorPressureDropsDuringDraw(t *testing.T) {
	g := NewGenerator(config.SimConfig{PressureMPa: 0.3, FlowLPM: 12}, 1)
	g.now = newClock().now
	defer g.Stop()

	if raw := g.PressureRaw(); raw != 2457 {
		t.Fatalf("resting raw = %d, want 2457", raw)
	}
	g.StartDraw(0)
	if raw := g.PressureRaw(); raw != 2088 {
		t.Fatalf("drawing raw = %d, want 2088", raw)
	}
}

func TestGeneratorDrawEnds(t *testing.T) {
	g := NewGenerator(config.SimConfig{PressureMPa: 0.3, FlowLPM: 12}, 1)
	defer g.Stop()

	g.StartDraw(10 * time.Millisecond)
	if !g.Drawing() {
		t.Fatal("expected draw in progress")
	}
	deadline := time.Now().Add(time.Second)
	for g.Drawing() {
		if time.Now().After(deadline) {
			t.Fatal("draw did not end")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSensorReleasesFlowPin(t *testing.T) {
	c := newClock()
	g := NewGenerator(config.SimConfig{PressureMPa: 0.3, FlowLPM: 12}, 1)
	g.now = c.now
	defer g.Stop()

	s := NewSensor(g, hw.ClaimFlowPin(25), time.Second)
	s.now = c.now
	g.StartDraw(0)
	c.add(time.Second)

	smp, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if smp.Flow == 0 || smp.Timestamp != c.t.UnixMilli() {
		t.Fatalf("unexpected sample %+v", smp)
	}

	pin, err := s.ReleaseFlowPin()
	if err != nil {
		t.Fatal(err)
	}
	if n, err := pin.Num(); err != nil || n != 25 {
		t.Fatalf("released pin = %v, %v", n, err)
	}
	if _, err := s.ReleaseFlowPin(); !errors.Is(err, hw.ErrPinMoved) {
		t.Fatalf("second release err = %v", err)
	}

	c.add(time.Second)
	smp, _ = s.Read()
	if smp.Flow != 0 {
		t.Fatalf("flow after release = %v", smp.Flow)
	}
}

func TestWakeCycle(t *testing.T) {
	st := store.NewMemory()
	g := NewGenerator(config.SimConfig{PressureMPa: 0.3, FlowLPM: 30}, 1)
	defer g.Stop()
	w := NewWake(g, st, time.Millisecond, quiet)
	restarted := 0
	w.restart = func() error { restarted++; return errors.New("no exec in tests") }

	if c := w.LastWakeCause(); c != model.WakeCold {
		t.Fatalf("first boot cause = %v", c)
	}
	pin := hw.ClaimFlowPin(25)
	if err := w.Arm(pin, 5); !errors.Is(err, ErrProgramNotLoaded) {
		t.Fatalf("arm before load err = %v", err)
	}
	if err := w.LoadProgram(); err != nil {
		t.Fatal(err)
	}
	if err := w.Arm(pin, 5); err != nil {
		t.Fatal(err)
	}
	if err := w.Isolate([]hw.Pin{12, 15}); err != nil {
		t.Fatal(err)
	}
	if err := w.EnableWake(); err != nil {
		t.Fatal(err)
	}

	g.StartDraw(0)
	done := make(chan struct{})
	go func() { w.Suspend(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("suspend never woke")
	}
	if restarted != 1 {
		t.Fatalf("restarted %d times", restarted)
	}
	if c := w.LastWakeCause(); c != model.WakeLowPowerCounter {
		t.Fatalf("cause after wake = %v", c)
	}
	if c := w.LastWakeCause(); c != model.WakeCold {
		t.Fatalf("cause read twice = %v", c)
	}
}

func TestArmRejectsMovedPin(t *testing.T) {
	w := NewWake(NewGenerator(config.SimConfig{}, 1), store.NewMemory(), 0, quiet)
	if err := w.LoadProgram(); err != nil {
		t.Fatal(err)
	}
	pin := hw.ClaimFlowPin(25)
	if _, err := pin.Take(); err != nil {
		t.Fatal(err)
	}
	if err := w.Arm(pin, 10); !errors.Is(err, hw.ErrPinMoved) {
		t.Fatalf("err = %v", err)
	}
}

func TestRebooterExitCode(t *testing.T) {
	r := NewRebooter(store.NewMemory(), quiet)
	code := -1
	r.exit = func(c int) { code = c }
	r.Reboot()
	if code != ExitReboot {
		t.Fatalf("exit code = %d", code)
	}
}

func nextNetEvent(t *testing.T, n *Network) messages.NetworkEvent {
	t.Helper()
	select {
	case ev := <-n.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no network event")
		return messages.NetworkEvent{}
	}
}

func TestNetworkJoin(t *testing.T) {
	n := NewNetwork("lab", 1, quiet)
	n.joinDelay = time.Millisecond

	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	if ev := nextNetEvent(t, n); ev.Kind != messages.NetworkStarted {
		t.Fatalf("got %v", ev.Kind)
	}

	_ = n.Join(model.Credentials{SSID: "lab"})
	if ev := nextNetEvent(t, n); ev.Kind != messages.NetworkDisconnected || ev.Reason != messages.ReasonAuthFailed {
		t.Fatalf("first join = %+v", ev)
	}
	_ = n.Join(model.Credentials{SSID: "elsewhere"})
	if ev := nextNetEvent(t, n); ev.Reason != messages.ReasonAPNotFound {
		t.Fatalf("unknown ssid = %+v", ev)
	}
	_ = n.Join(model.Credentials{SSID: "lab"})
	if ev := nextNetEvent(t, n); ev.Kind != messages.NetworkGotAddress || ev.IP == "" {
		t.Fatalf("third join = %+v", ev)
	}

	if err := n.Verify(model.Credentials{SSID: "elsewhere"}); !errors.Is(err, ErrUnknownSSID) {
		t.Fatalf("verify err = %v", err)
	}
}

func TestHardwareAddrConfigured(t *testing.T) {
	mac, err := HardwareAddr("24:0a:c4:a1:b2:c3")
	if err != nil {
		t.Fatal(err)
	}
	id, err := model.NewDeviceIdentity(mac)
	if err != nil {
		t.Fatal(err)
	}
	if id != "ESP-A1B2C3" {
		t.Fatalf("id = %s", id)
	}
	if _, err := HardwareAddr("not-a-mac"); err == nil {
		t.Fatal("expected parse error")
	}
}

func nextProvEvent(t *testing.T, p *Provisioner) messages.ProvisioningEvent {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no provisioning event")
		return messages.ProvisioningEvent{}
	}
}

func post(t *testing.T, url string, body any) int {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestProvisionerPairing(t *testing.T) {
	st := store.NewMemory()
	n := NewNetwork("lab", 0, quiet)
	p := NewProvisioner("127.0.0.1:0", "ESP-A1B2C3", n.Verify, st, quiet)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()
	base := "http://" + p.Addr()

	if ev := nextProvEvent(t, p); ev.Kind != messages.ProvisioningStarted {
		t.Fatalf("got %v", ev.Kind)
	}

	if code := post(t, base+"/prov/credentials", model.Credentials{SSID: "wrong"}); code != http.StatusUnprocessableEntity {
		t.Fatalf("bad creds status = %d", code)
	}
	nextProvEvent(t, p)
	if ev := nextProvEvent(t, p); ev.Kind != messages.ProvisioningCredentialsRejected {
		t.Fatalf("got %v", ev.Kind)
	}
	if code := post(t, base+"/prov/credentials", model.Credentials{SSID: "lab"}); code != http.StatusConflict {
		t.Fatalf("creds while failed status = %d", code)
	}

	if err := p.Reset(); err != nil {
		t.Fatal(err)
	}
	if code := post(t, base+"/prov/credentials", model.Credentials{SSID: "lab", Passphrase: "pw"}); code != http.StatusOK {
		t.Fatalf("good creds status = %d", code)
	}
	ev := nextProvEvent(t, p)
	if ev.Kind != messages.ProvisioningCredentialsReceived || ev.Credentials.Passphrase != "pw" {
		t.Fatalf("got %+v", ev)
	}
	if ev := nextProvEvent(t, p); ev.Kind != messages.ProvisioningSucceeded {
		t.Fatalf("got %v", ev.Kind)
	}

	if code := post(t, base+"/prov/user", map[string]string{"user_id": "u-42"}); code != http.StatusOK {
		t.Fatalf("user status = %d", code)
	}
	if uid, _ := store.GetString(context.Background(), st, store.KeyUserID); uid != "u-42" {
		t.Fatalf("user id = %q", uid)
	}

	resp, err := http.Get(base + "/prov/status")
	if err != nil {
		t.Fatal(err)
	}
	var status map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if status["service"] != "PROV_A1B2C3" {
		t.Fatalf("status = %v", status)
	}

	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if ev := nextProvEvent(t, p); ev.Kind != messages.ProvisioningEnded {
		t.Fatalf("got %v", ev.Kind)
	}
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event after second stop: %v", ev.Kind)
	default:
	}
}

func TestSuspendInterrupted(t *testing.T) {
	st := store.NewMemory()
	w := NewWake(NewGenerator(config.SimConfig{}, 1), st, time.Millisecond, quiet)
	w.restart = func() error { t.Error("restart after interrupt"); return nil }
	stop := make(chan struct{})
	w.StopOn(stop)
	if err := w.LoadProgram(); err != nil {
		t.Fatal(err)
	}
	if err := w.Arm(hw.ClaimFlowPin(25), 10); err != nil {
		t.Fatal(err)
	}
	_ = w.EnableWake()

	done := make(chan struct{})
	go func() { w.Suspend(); close(done) }()
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("suspend ignored stop")
	}
	if c := w.LastWakeCause(); c != model.WakeCold {
		t.Fatalf("cause = %v", c)
	}
}
