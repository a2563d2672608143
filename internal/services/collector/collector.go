// Package collector is the consumer side of the telemetry link: it decodes
// sample batches published by nodes and stores them in InfluxDB.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
	"github.com/LeonardoBeccarini/flowmon/pkg/broker"
	"github.com/LeonardoBeccarini/flowmon/pkg/codec"
	"github.com/LeonardoBeccarini/flowmon/pkg/dedup"
)

const (
	MeasurementSamples  = "flow_pressure"
	MeasurementIdentity = "device_identity"

	DataFilter     = "sensor/data/#"
	IdentityFilter = "device/+/identity"
)

type Service struct {
	consumer broker.IConsumer
	writer   *Writer
	codec    codec.Codec
	seen     *dedup.Deduper

	mu     sync.RWMutex
	latest map[string]model.Sample
}

func NewService(consumer broker.IConsumer, writer *Writer, c codec.Codec) *Service {
	return &Service{
		consumer: consumer,
		writer:   writer,
		codec:    c,
		seen:     dedup.New(10*time.Minute, 20000),
		latest:   make(map[string]model.Sample),
	}
}

// Start blocks until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.consumer.SetHandler(func(topic string, msg mqtt.Message) error {
		return s.Handle(ctx, topic, msg.Payload())
	})
	s.consumer.ConsumeMessage(ctx)
}

// Handle stores one message. Undecodable payloads are logged and dropped so
// the stream keeps flowing.
func (s *Service) Handle(ctx context.Context, topic string, payload []byte) error {
	if strings.HasSuffix(topic, "/identity") {
		return s.handleIdentity(ctx, topic, payload)
	}

	b, err := s.codec.Decode(payload)
	if err != nil {
		log.Printf("collector: invalid %s batch on %s: %v", s.codec.Name(), topic, err)
		return nil
	}
	if b.DeviceID == "" {
		b.DeviceID = DeviceFromTopic(topic)
	}
	if b.DeviceID == "" {
		log.Printf("collector: no device id for batch on %s", topic)
		return nil
	}

	key := dedup.PayloadKey(payload)
	if b.Seq != 0 && len(b.Samples) > 0 {
		// Seq restarts when a device loses its store; the first timestamp tells those batches apart.
		key = fmt.Sprintf("%s/%d/%d", b.DeviceID, b.Seq, b.Samples[0].Timestamp)
	}
	if !s.seen.ShouldProcess(key) {
		return nil
	}

	points := SamplePoints(b)
	if err := s.writer.Write(ctx, MeasurementSamples, points...); err != nil {
		return fmt.Errorf("write batch %s/%d: %w", b.DeviceID, b.Seq, err)
	}
	if n := len(b.Samples); n > 0 {
		s.mu.Lock()
		s.latest[b.DeviceID] = b.Samples[n-1]
		s.mu.Unlock()
	}
	log.Printf("collector: wrote %d samples device=%s seq=%d", len(points), b.DeviceID, b.Seq)
	return nil
}

// DeviceSample is the newest sample seen from one device.
type DeviceSample struct {
	DeviceID string `json:"device_id"`
	model.Sample
}

// LatestCache returns the last sample of every device since start, sorted by device id.
func (s *Service) LatestCache() []DeviceSample {
	s.mu.RLock()
	out := make([]DeviceSample, 0, len(s.latest))
	for id, smp := range s.latest {
		out = append(out, DeviceSample{DeviceID: id, Sample: smp})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (s *Service) handleIdentity(ctx context.Context, topic string, payload []byte) error {
	var r messages.IdentityReport
	if err := json.Unmarshal(payload, &r); err != nil {
		log.Printf("collector: invalid identity report on %s: %v", topic, err)
		return nil
	}
	if r.DeviceID == "" {
		r.DeviceID = DeviceFromTopic(topic)
	}
	return s.writer.Write(ctx, MeasurementIdentity, IdentityPoint(r, time.Now()))
}

// SamplePoints builds one point per sample, timestamped with the sample time.
func SamplePoints(b codec.Batch) []*write.Point {
	tags := map[string]string{"device_id": b.DeviceID}
	points := make([]*write.Point, 0, len(b.Samples))
	for _, smp := range b.Samples {
		fields := map[string]interface{}{
			"pressure": smp.Pressure,
			"flow":     smp.Flow,
		}
		points = append(points, influxdb2.NewPoint(MeasurementSamples, tags, fields, time.UnixMilli(smp.Timestamp)))
	}
	return points
}

func IdentityPoint(r messages.IdentityReport, at time.Time) *write.Point {
	tags := map[string]string{"device_id": r.DeviceID}
	fields := map[string]interface{}{
		"boot_id":    r.BootID,
		"user_id":    r.UserID,
		"wake_cause": r.WakeCause,
	}
	return influxdb2.NewPoint(MeasurementIdentity, tags, fields, at)
}

// DeviceFromTopic extracts the device id from sensor/data/{id} or device/{id}/identity.
func DeviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	switch {
	case len(parts) == 3 && parts[0] == "sensor" && parts[1] == "data":
		return parts[2]
	case len(parts) == 3 && parts[0] == "device":
		return parts[1]
	default:
		return ""
	}
}
