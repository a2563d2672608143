package device

import (
	"errors"
	"testing"

	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
	"github.com/LeonardoBeccarini/flowmon/pkg/readiness"
)

func newTestSession(link *fakeLink, esc Escalator) (*Session, *readiness.Flags) {
	flags := readiness.New()
	s := NewSession(SessionConfig{
		ClientID:      "ESP-0A0B0C",
		MaxRetries:    3,
		AutoReconnect: true,
		CommandTopic:  "device/ESP-0A0B0C/cmd",
		Logger:        quiet,
	}, link, flags, esc)
	return s, flags
}

var (
	connected    = messages.SessionEvent{Kind: messages.SessionConnected}
	disconnected = messages.SessionEvent{Kind: messages.SessionDisconnected}
)

func TestOpenRequiresNetwork(t *testing.T) {
	link := newFakeLink()
	s, _ := newTestSession(link, &fakeEscalator{})
	if err := s.Open(); !errors.Is(err, ErrNetworkDown) {
		t.Fatalf("err = %v, want ErrNetworkDown", err)
	}
	if link.connectCount() != 0 {
		t.Fatal("connect issued without network")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	link := newFakeLink()
	s, flags := newTestSession(link, &fakeEscalator{})
	flags.Set(readiness.NetworkJoined)

	for i := 0; i < 3; i++ {
		if err := s.Open(); err != nil {
			t.Fatal(err)
		}
	}
	if n := link.connectCount(); n != 1 {
		t.Fatalf("connects while connecting = %d, want 1", n)
	}
	s.HandleEvent(connected)
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	if n := link.connectCount(); n != 1 {
		t.Fatalf("connects while open = %d, want 1", n)
	}
	if link.connects[0] != "ESP-0A0B0C" {
		t.Fatalf("client id = %s", link.connects[0])
	}
}

func TestConnectedOpensAndSubscribes(t *testing.T) {
	link := newFakeLink()
	s, flags := newTestSession(link, &fakeEscalator{})
	s.SetCommandHandler(func(string, []byte) {})
	flags.Set(readiness.NetworkJoined)
	_ = s.Open()
	s.HandleEvent(connected)

	if !flags.IsSet(readiness.SessionOpen) || s.State() != model.SessionOpen {
		t.Fatalf("session not open: state=%s", s.State())
	}
	if _, ok := link.subscribed["device/ESP-0A0B0C/cmd"]; !ok {
		t.Fatalf("command topic not subscribed: %v", link.subscribed)
	}
}

func TestPublishRequiresOpenSession(t *testing.T) {
	link := newFakeLink()
	s, flags := newTestSession(link, &fakeEscalator{})
	if _, err := s.Publish("sensor/data/x", []byte("p"), 2, false); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("err = %v, want ErrNotOpen", err)
	}

	flags.Set(readiness.NetworkJoined)
	_ = s.Open()
	s.HandleEvent(connected)
	tok, err := s.Publish("sensor/data/x", []byte("p"), 2, false)
	if err != nil || tok == nil {
		t.Fatalf("publish on open session: tok=%v err=%v", tok, err)
	}
	if got := link.publishes(); len(got) != 1 || got[0].qos != 2 {
		t.Fatalf("link publishes = %+v", got)
	}

	s.HandleEvent(disconnected)
	if _, err := s.Publish("sensor/data/x", []byte("p"), 2, false); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("after disconnect err = %v", err)
	}
}

func TestSessionExhaustionReprovisionsOnce(t *testing.T) {
	link := newFakeLink()
	esc := &fakeEscalator{}
	s, flags := newTestSession(link, esc)
	flags.Set(readiness.NetworkJoined)
	_ = s.Open()
	s.HandleEvent(connected)

	for i := 1; i <= 3; i++ {
		s.HandleEvent(disconnected)
		if esc.count() != 0 {
			t.Fatalf("escalated after %d disconnects", i)
		}
		if s.State() != model.SessionConnecting {
			t.Fatalf("disconnect %d: state = %s, want reconnecting", i, s.State())
		}
	}
	s.HandleEvent(disconnected)
	if esc.count() != 1 {
		t.Fatalf("reprovisions = %d, want 1", esc.count())
	}
	if s.State() != model.SessionClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
	if n := link.connectCount(); n != 4 {
		t.Fatalf("connects = %d, want open + 3 reconnects", n)
	}

	s.HandleEvent(disconnected)
	if esc.count() != 1 {
		t.Fatalf("escalated twice")
	}
	if flags.IsSet(readiness.SessionOpen) {
		t.Fatal("SessionOpen set while closed")
	}
}

func TestFailedReconnectCountsAsRetry(t *testing.T) {
	link := newFakeLink()
	esc := &fakeEscalator{}
	s, flags := newTestSession(link, esc)
	flags.Set(readiness.NetworkJoined)
	_ = s.Open()
	s.HandleEvent(connected)

	link.connectErr = errors.New("dial tcp: connection refused")
	s.HandleEvent(disconnected)

	if esc.count() != 1 {
		t.Fatalf("reprovisions = %d, want 1", esc.count())
	}
	if n := link.connectCount(); n != 4 {
		t.Fatalf("connects = %d, want open + 3 reconnects", n)
	}
	if s.State() != model.SessionClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
}

func TestConnectedResetsRetries(t *testing.T) {
	link := newFakeLink()
	esc := &fakeEscalator{}
	s, flags := newTestSession(link, esc)
	flags.Set(readiness.NetworkJoined)
	_ = s.Open()

	for round := 0; round < 3; round++ {
		s.HandleEvent(disconnected)
		s.HandleEvent(disconnected)
		s.HandleEvent(disconnected)
		s.HandleEvent(connected)
		if s.Retries() != 0 {
			t.Fatalf("retries = %d after connect", s.Retries())
		}
	}
	if esc.count() != 0 {
		t.Fatal("escalated although every third retry succeeded")
	}
}

func TestNoReconnectWithoutNetwork(t *testing.T) {
	link := newFakeLink()
	s, flags := newTestSession(link, &fakeEscalator{})
	flags.Set(readiness.NetworkJoined)
	_ = s.Open()
	s.HandleEvent(connected)

	flags.Clear(readiness.NetworkJoined)
	s.HandleEvent(disconnected)
	if n := link.connectCount(); n != 1 {
		t.Fatalf("reconnected without network: %d connects", n)
	}
	flags.Set(readiness.NetworkJoined)
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	if n := link.connectCount(); n != 2 {
		t.Fatalf("connects = %d after network return", n)
	}
}

func TestErrorEventKeepsState(t *testing.T) {
	link := newFakeLink()
	s, flags := newTestSession(link, &fakeEscalator{})
	flags.Set(readiness.NetworkJoined)
	_ = s.Open()
	s.HandleEvent(connected)
	s.HandleEvent(messages.SessionEvent{Kind: messages.SessionError, ErrorKind: messages.ErrorTransport, Err: errors.New("eof")})
	if s.State() != model.SessionOpen || !flags.IsSet(readiness.SessionOpen) {
		t.Fatalf("error event changed state to %s", s.State())
	}
}

func TestCloseDisconnects(t *testing.T) {
	link := newFakeLink()
	s, flags := newTestSession(link, &fakeEscalator{})
	flags.Set(readiness.NetworkJoined)
	_ = s.Open()
	s.HandleEvent(connected)
	s.Close()
	if flags.IsSet(readiness.SessionOpen) || link.disconnects != 1 || s.State() != model.SessionClosed {
		t.Fatalf("close: open=%v disconnects=%d state=%s", flags.IsSet(readiness.SessionOpen), link.disconnects, s.State())
	}
}
