// Package broker wraps the MQTT client used by the node and the collector.
package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Config struct {
	URL      string // tcp://host:1883 or ssl://host:8883
	Username string
	Password string
	ClientID string

	// mutual TLS material; all empty means plain TCP
	CAFile   string
	CertFile string
	KeyFile  string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// publish breaker: consecutive failed tokens before failing fast, and how long it stays open
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Logger *log.Logger
}

func (c *Config) applyDefaults() {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

func clientOptions(cfg Config, clientID string) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)

	tlsCfg, err := TLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// Dial connects a client with exponential backoff and disconnects it when ctx ends.
// Paho keeps reconnecting on its own afterwards; the collector relies on that.
func Dial(ctx context.Context, cfg Config, maxRetries int) (mqtt.Client, error) {
	cfg.applyDefaults()
	opts, err := clientOptions(cfg, cfg.ClientID)
	if err != nil {
		return nil, err
	}
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		cfg.Logger.Printf("MQTT connected to %s", cfg.URL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		cfg.Logger.Printf("MQTT connection lost: %v", err)
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = time.Minute
	if maxRetries < 1 {
		maxRetries = 1
	}

	var client mqtt.Client
	err = backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			cfg.Logger.Printf("Failed to connect to MQTT broker: %v", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	go func() {
		<-ctx.Done()
		Close(client)
	}()
	return client, nil
}

func Close(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		log.Println("MQTT connection closed")
	}
}
