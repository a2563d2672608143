package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
	"github.com/LeonardoBeccarini/flowmon/pkg/codec"
)

type fakeWriteAPI struct {
	points []*write.Point
	err    error
}

func (f *fakeWriteAPI) WritePoint(_ context.Context, p ...*write.Point) error {
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, p...)
	return nil
}

type fakeConsumer struct {
	handler func(string, mqtt.Message) error
}

func (f *fakeConsumer) ConsumeMessage(ctx context.Context) { <-ctx.Done() }
func (f *fakeConsumer) SetHandler(h func(string, mqtt.Message) error) {
	f.handler = h
}

func batch() codec.Batch {
	return codec.Batch{
		DeviceID: "ESP-A1B2C3",
		Seq:      7,
		Samples: []model.Sample{
			{Pressure: 0.25, Flow: 0.5, Timestamp: 1700000000000},
			{Pressure: 0.3, Flow: 0, Timestamp: 1700000001000},
		},
	}
}

func tagValue(p *write.Point, key string) string {
	for _, t := range p.TagList() {
		if t.Key == key {
			return t.Value
		}
	}
	return ""
}

func fieldValue(p *write.Point, key string) interface{} {
	for _, f := range p.FieldList() {
		if f.Key == key {
			return f.Value
		}
	}
	return nil
}

func TestSamplePoints(t *testing.T) {
	pts := SamplePoints(batch())
	if len(pts) != 2 {
		t.Fatalf("got %d points", len(pts))
	}
	p := pts[0]
	if p.Name() != MeasurementSamples {
		t.Fatalf("measurement = %s", p.Name())
	}
	if got := tagValue(p, "device_id"); got != "ESP-A1B2C3" {
		t.Fatalf("device_id tag = %q", got)
	}
	if fieldValue(p, "pressure") != 0.25 || fieldValue(p, "flow") != 0.5 {
		t.Fatalf("fields = %v %v", fieldValue(p, "pressure"), fieldValue(p, "flow"))
	}
	if !p.Time().Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("time = %v", p.Time())
	}
}

func TestDeviceFromTopic(t *testing.T) {
	cases := map[string]string{
		"sensor/data/ESP-A1B2C3":     "ESP-A1B2C3",
		"device/ESP-A1B2C3/identity": "ESP-A1B2C3",
		"sensor/data":                "",
		"other/topic/x":              "",
	}
	for topic, want := range cases {
		if got := DeviceFromTopic(topic); got != want {
			t.Errorf("%s: got %q want %q", topic, got, want)
		}
	}
}

func newService(t *testing.T, c codec.Codec) (*Service, *fakeWriteAPI) {
	t.Helper()
	api := &fakeWriteAPI{}
	return NewService(&fakeConsumer{}, NewWriter(api, nil), c), api
}

func TestHandleDropsRedelivery(t *testing.T) {
	s, api := newService(t, codec.Protobuf{})
	payload, err := codec.Protobuf{}.Encode(batch())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Handle(context.Background(), "sensor/data/ESP-A1B2C3", payload); err != nil {
			t.Fatal(err)
		}
	}
	if len(api.points) != 2 {
		t.Fatalf("wrote %d points, want 2", len(api.points))
	}
}

func TestHandleKeepsRestartedSequence(t *testing.T) {
	s, api := newService(t, codec.Protobuf{})
	for i, ts := range []int64{1700000000000, 1700000900000} {
		b := codec.Batch{
			DeviceID: "ESP-A1B2C3",
			Seq:      1,
			Samples:  []model.Sample{{Pressure: 0.2, Flow: 0.1, Timestamp: ts}},
		}
		payload, err := codec.Protobuf{}.Encode(b)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Handle(context.Background(), "sensor/data/ESP-A1B2C3", payload); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}
	if len(api.points) != 2 {
		t.Fatalf("wrote %d points, want 2", len(api.points))
	}
}

func TestHandleJSONTakesDeviceFromTopic(t *testing.T) {
	s, api := newService(t, codec.JSON{})
	payload, err := codec.JSON{}.Encode(batch())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Handle(context.Background(), "sensor/data/ESP-DDEEFF", payload); err != nil {
		t.Fatal(err)
	}
	if len(api.points) != 2 || tagValue(api.points[0], "device_id") != "ESP-DDEEFF" {
		t.Fatalf("points = %d", len(api.points))
	}
}

func TestHandleSkipsGarbage(t *testing.T) {
	s, api := newService(t, codec.Protobuf{})
	if err := s.Handle(context.Background(), "sensor/data/x", []byte{0xff, 0xff}); err != nil {
		t.Fatalf("garbage should be dropped, got %v", err)
	}
	if len(api.points) != 0 {
		t.Fatal("garbage written")
	}
}

func TestHandleIdentity(t *testing.T) {
	s, api := newService(t, codec.Protobuf{})
	b, _ := json.Marshal(messages.IdentityReport{BootID: "b1", WakeCause: "cold"})
	if err := s.Handle(context.Background(), "device/ESP-A1B2C3/identity", b); err != nil {
		t.Fatal(err)
	}
	if len(api.points) != 1 {
		t.Fatalf("points = %d", len(api.points))
	}
	p := api.points[0]
	if p.Name() != MeasurementIdentity || tagValue(p, "device_id") != "ESP-A1B2C3" {
		t.Fatalf("point %s %s", p.Name(), tagValue(p, "device_id"))
	}
}

func TestWriterTracksErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	api := &fakeWriteAPI{}
	w := NewWriter(api, reg)
	now := time.Unix(1700000000, 0)
	w.now = func() time.Time { return now }

	if err := w.Write(context.Background(), MeasurementSamples, SamplePoints(batch())...); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(w.written.WithLabelValues(MeasurementSamples)); got != 2 {
		t.Fatalf("written = %v", got)
	}

	api.err = errors.New("influx down")
	if err := w.Write(context.Background(), MeasurementSamples, SamplePoints(batch())...); err == nil {
		t.Fatal("expected error")
	}
	if w.LastErrorAge() != 0 {
		t.Fatalf("age = %v", w.LastErrorAge())
	}
	if got := testutil.ToFloat64(w.failed); got != 1 {
		t.Fatalf("failed = %v", got)
	}
}

type conn bool

func (c conn) IsConnectionOpen() bool { return bool(c) }

type pinger struct{ ok bool }

func (p pinger) Ping(context.Context) (bool, error) { return p.ok, nil }

func TestReadyz(t *testing.T) {
	w := NewWriter(&fakeWriteAPI{}, nil)

	rec := httptest.NewRecorder()
	NewReadyHandler(conn(true), pinger{ok: true}, w, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	NewReadyHandler(conn(false), pinger{ok: true}, w, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready code = %d", rec.Code)
	}
}

func TestHealthzDegraded(t *testing.T) {
	w := NewWriter(&fakeWriteAPI{}, nil)
	rec := httptest.NewRecorder()
	NewHealthHandler(conn(true), pinger{ok: false}, w).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" {
		t.Fatalf("status = %s", body.Status)
	}
}

func TestLatestFallsBackToCache(t *testing.T) {
	s, _ := newService(t, codec.Protobuf{})
	payload, _ := codec.Protobuf{}.Encode(batch())
	if err := s.Handle(context.Background(), "sensor/data/ESP-A1B2C3", payload); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	NewLatestHandler(s, nil, "org", "bucket").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/samples/latest?device_id=ESP-A1B2C3", nil))
	if rec.Header().Get("X-Data-Source") != "cache" {
		t.Fatalf("source = %q", rec.Header().Get("X-Data-Source"))
	}
	var got []DeviceSample
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DeviceID != "ESP-A1B2C3" || got[0].Timestamp != 1700000001000 {
		t.Fatalf("got %+v", got)
	}

	rec = httptest.NewRecorder()
	NewLatestHandler(s, nil, "org", "bucket").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/samples/latest?device_id=other", nil))
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("body = %s", body)
	}
}

func TestBuildFlux(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/samples/latest?device_id=ESP-A1B2C3&minutes=0&limit=5000", nil)
	p := parseLatest(r)
	if p.Minutes != 1 || p.Limit != 1000 {
		t.Fatalf("params = %+v", p)
	}
	q := buildFlux("telemetry", p)
	for _, want := range []string{`from(bucket: "telemetry")`, `range(start: -1m)`, `r.device_id == "ESP-A1B2C3"`, `limit(n: 1000)`} {
		if !strings.Contains(q, want) {
			t.Errorf("query missing %s:\n%s", want, q)
		}
	}
}
