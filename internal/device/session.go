package device

import (
	"fmt"
	"log"
	"sync"

	"github.com/LeonardoBeccarini/flowmon/internal/metrics"
	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
	"github.com/LeonardoBeccarini/flowmon/pkg/broker"
	"github.com/LeonardoBeccarini/flowmon/pkg/readiness"
	"github.com/LeonardoBeccarini/flowmon/pkg/retry"
)

type SessionConfig struct {
	ClientID model.DeviceIdentity
	// MaxRetries is how many disconnects are tolerated; one more re-provisions.
	MaxRetries    int
	AutoReconnect bool
	CommandTopic  string
	Logger        *log.Logger
	Metrics       metrics.Recorder
}

// Session owns the telemetry connection and mirrors it in the SessionOpen flag.
type Session struct {
	cfg     SessionConfig
	link    Link
	flags   *readiness.Flags
	esc     Escalator
	retries *retry.Counter

	mu        sync.Mutex
	state     model.SessionState
	onCommand broker.Handler
}

func NewSession(cfg SessionConfig, link Link, flags *readiness.Flags, esc Escalator) *Session {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "session: ", log.LstdFlags)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &Session{
		cfg:     cfg,
		link:    link,
		flags:   flags,
		esc:     esc,
		retries: retry.NewCounter(cfg.MaxRetries + 1),
		state:   model.SessionIdle,
	}
}

// SetCommandHandler installs the downlink handler, subscribed on every Connected.
func (s *Session) SetCommandHandler(h broker.Handler) {
	s.mu.Lock()
	s.onCommand = h
	s.mu.Unlock()
}

func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Retries() int { return s.retries.Count() }

// Open connects with the device identity as client id. It is a no-op while
// connecting or open.
func (s *Session) Open() error {
	if !s.flags.IsSet(readiness.NetworkJoined) {
		return ErrNetworkDown
	}
	s.mu.Lock()
	if s.state == model.SessionConnecting || s.state == model.SessionOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = model.SessionConnecting
	s.mu.Unlock()
	if s.retries.Tripped() {
		// a fresh network after escalation gets a fresh budget
		s.retries.Reset()
	}
	return s.connect()
}

func (s *Session) connect() error {
	if err := s.link.Connect(s.cfg.ClientID.String()); err != nil {
		s.mu.Lock()
		s.state = model.SessionClosed
		s.mu.Unlock()
		return fmt.Errorf("session connect: %w", err)
	}
	return nil
}

func (s *Session) HandleEvent(ev messages.SessionEvent) {
	switch ev.Kind {
	case messages.SessionConnected:
		s.mu.Lock()
		s.state = model.SessionOpen
		handler := s.onCommand
		s.mu.Unlock()
		s.retries.Reset()
		s.flags.Set(readiness.SessionOpen)
		s.cfg.Metrics.SessionOpen(true)
		s.cfg.Logger.Printf("open as %s", s.cfg.ClientID)
		if handler != nil && s.cfg.CommandTopic != "" {
			if err := s.link.Subscribe(s.cfg.CommandTopic, 1, handler); err != nil {
				s.cfg.Logger.Printf("subscribe %s: %v", s.cfg.CommandTopic, err)
			}
		}

	case messages.SessionDisconnected:
		s.disconnected()

	case messages.SessionError:
		s.cfg.Logger.Printf("%s error: %v", ev.ErrorKind, ev.Err)
	}
}

// disconnected counts a lost session against the retry budget and reconnects
// when allowed. A reconnect that fails before any event arrives counts as
// another disconnect.
func (s *Session) disconnected() {
	for {
		s.flags.Clear(readiness.SessionOpen)
		s.cfg.Metrics.SessionOpen(false)
		s.mu.Lock()
		s.state = model.SessionClosed
		s.mu.Unlock()
		if s.retries.Tripped() {
			return
		}
		n, escalate := s.retries.Fail()
		s.cfg.Metrics.SessionRetry()
		if escalate {
			s.cfg.Logger.Printf("disconnected %d times, giving up on this network", n)
			s.esc.ForceReprovision("telemetry session retries exhausted")
			return
		}
		if !s.cfg.AutoReconnect {
			s.cfg.Logger.Printf("disconnected (%d/%d)", n, s.cfg.MaxRetries)
			return
		}
		if !s.flags.IsSet(readiness.NetworkJoined) {
			s.cfg.Logger.Printf("disconnected (%d/%d), waiting for network", n, s.cfg.MaxRetries)
			return
		}
		s.cfg.Logger.Printf("disconnected (%d/%d), reconnecting", n, s.cfg.MaxRetries)
		s.mu.Lock()
		s.state = model.SessionConnecting
		s.mu.Unlock()
		err := s.connect()
		if err == nil {
			return
		}
		s.cfg.Logger.Printf("%v", err)
	}
}

// Publish hands payload to the link without waiting for delivery.
func (s *Session) Publish(topic string, payload []byte, qos byte, retain bool) (broker.Token, error) {
	if !s.flags.IsSet(readiness.SessionOpen) {
		return nil, ErrNotOpen
	}
	return s.link.Publish(topic, payload, qos, retain), nil
}

// Close disconnects; it is used before suspend and on shutdown.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = model.SessionClosed
	s.mu.Unlock()
	s.flags.Clear(readiness.SessionOpen)
	s.cfg.Metrics.SessionOpen(false)
	s.link.Disconnect()
}
