package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeonardoBeccarini/flowmon/internal/services/collector"
	"github.com/LeonardoBeccarini/flowmon/pkg/broker"
	"github.com/LeonardoBeccarini/flowmon/pkg/codec"
)

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	cfg := struct {
		Broker broker.Config

		InfluxURL    string
		InfluxToken  string
		InfluxOrg    string
		InfluxBucket string

		Codec    string
		HTTPPort int
	}{
		Broker: broker.Config{
			URL:      envStr("MQTT_URL", "tcp://localhost:1883"),
			Username: os.Getenv("MQTT_USER"),
			Password: os.Getenv("MQTT_PASSWORD"),
			ClientID: envStr("HOSTNAME", "flowmon-collector"),
			CAFile:   os.Getenv("MQTT_CA_FILE"),
			CertFile: os.Getenv("MQTT_CERT_FILE"),
			KeyFile:  os.Getenv("MQTT_KEY_FILE"),
		},

		InfluxURL:    envStr("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:  os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:    envStr("INFLUX_ORG", "flowmon"),
		InfluxBucket: envStr("INFLUX_BUCKET", "telemetry"),

		Codec:    envStr("COLLECTOR_CODEC", codec.NameProtobuf),
		HTTPPort: envInt("HTTP_PORT", 8080),
	}

	c, err := codec.New(cfg.Codec)
	if err != nil {
		log.Fatalf("codec: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	influx := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	defer influx.Close()
	writer := collector.NewWriter(influx.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket), prometheus.DefaultRegisterer)

	client, err := broker.Dial(ctx, cfg.Broker, envInt("MQTT_CONNECT_RETRIES", 10))
	if err != nil {
		log.Fatalf("mqtt connection error: %v", err)
	}
	defer broker.Close(client)

	consumer := broker.NewConsumer(client, map[string]byte{
		collector.DataFilter:     1,
		collector.IdentityFilter: 1,
	}, nil)
	svc := collector.NewService(consumer, writer, c)

	mux := http.NewServeMux()
	mux.Handle("/healthz", collector.NewHealthHandler(client, influx, writer))
	mux.Handle("/readyz", collector.NewReadyHandler(client, influx, writer, 2*time.Second))
	mux.Handle("/samples/latest", collector.NewLatestHandler(svc, influx, cfg.InfluxOrg, cfg.InfluxBucket))
	mux.Handle("/metrics", promhttp.Handler())
	hs := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("collector: HTTP listening on :%d", cfg.HTTPPort)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	log.Printf("collector: decoding %s batches", c.Name())
	svc.Start(ctx)

	log.Printf("collector: shutting down...")
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = hs.Shutdown(shCtx)
}
