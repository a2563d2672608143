package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
)

var ErrNotConnected = errors.New("broker: link not connected")

// Token tracks delivery of one publish. mqtt.Token satisfies it.
type Token interface {
	Wait() bool
	WaitTimeout(time.Duration) bool
	Done() <-chan struct{}
	Error() error
}

// Handler receives downlink messages for a subscription.
type Handler func(topic string, payload []byte)

// Link is a single MQTT session whose reconnect policy belongs to the caller.
// Connection changes are reported on Events; paho auto-reconnect is off.
type Link struct {
	cfg       Config
	newClient func(*mqtt.ClientOptions) mqtt.Client
	breaker   *gobreaker.TwoStepCircuitBreaker
	events    chan messages.SessionEvent

	mu     sync.Mutex
	client mqtt.Client
}

func NewLink(cfg Config) *Link {
	cfg.applyDefaults()
	l := &Link{
		cfg:       cfg,
		newClient: mqtt.NewClient,
		events:    make(chan messages.SessionEvent, 32),
	}
	l.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:    "mqtt-publish",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Printf("breaker %s: %s -> %s", name, from, to)
		},
	})
	return l
}

func (l *Link) Events() <-chan messages.SessionEvent { return l.events }

// Connect starts a single connection attempt and returns without waiting for it.
// A failed attempt is reported as Error followed by Disconnected.
func (l *Link) Connect(clientID string) error {
	opts, err := clientOptions(l.cfg, clientID)
	if err != nil {
		return err
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		l.emit(messages.SessionEvent{Kind: messages.SessionConnected})
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.emit(messages.SessionEvent{Kind: messages.SessionError, ErrorKind: messages.ErrorTransport, Err: err})
		l.emit(messages.SessionEvent{Kind: messages.SessionDisconnected, Err: err})
	})

	client := l.newClient(opts)
	l.mu.Lock()
	l.client = client
	l.mu.Unlock()

	token := client.Connect()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			l.cfg.Logger.Printf("connect %s as %s: %v", l.cfg.URL, clientID, err)
			l.emit(messages.SessionEvent{Kind: messages.SessionError, ErrorKind: classify(err), Err: err})
			l.emit(messages.SessionEvent{Kind: messages.SessionDisconnected, Err: err})
		}
	}()
	return nil
}

// Disconnect closes the session without emitting Disconnected.
func (l *Link) Disconnect() {
	l.mu.Lock()
	client := l.client
	l.client = nil
	l.mu.Unlock()
	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(250)
	}
}

// Publish never blocks. Once the breaker opens it returns an already failed token.
func (l *Link) Publish(topic string, payload []byte, qos byte, retain bool) Token {
	client := l.current()
	if client == nil {
		return failed(ErrNotConnected)
	}
	done, err := l.breaker.Allow()
	if err != nil {
		return failed(fmt.Errorf("publish %s: %w", topic, err))
	}
	token := client.Publish(topic, qos, retain, payload)
	go func() {
		<-token.Done()
		done(token.Error() == nil)
	}()
	return token
}

// Subscribe registers handler on the current connection. The SUBACK is awaited in the background.
func (l *Link) Subscribe(topic string, qos byte, handler Handler) error {
	client := l.current()
	if client == nil {
		return ErrNotConnected
	}
	token := client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			l.cfg.Logger.Printf("subscribe %s: %v", topic, err)
		}
	}()
	return nil
}

func (l *Link) BreakerState() gobreaker.State { return l.breaker.State() }

func (l *Link) current() mqtt.Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

func (l *Link) emit(ev messages.SessionEvent) {
	l.events <- ev
}

func classify(err error) messages.SessionErrorKind {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised),
		errors.Is(err, packets.ErrorRefusedIDRejected),
		errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return messages.ErrorRefused
	default:
		return messages.ErrorTransport
	}
}

type failedToken struct {
	err  error
	done chan struct{}
}

func failed(err error) Token {
	t := &failedToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *failedToken) Wait() bool                     { return true }
func (t *failedToken) WaitTimeout(time.Duration) bool { return true }
func (t *failedToken) Done() <-chan struct{}          { return t.done }
func (t *failedToken) Error() error                   { return t.err }
