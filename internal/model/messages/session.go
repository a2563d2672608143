package messages

type SessionEventKind int

const (
	SessionConnected SessionEventKind = iota
	SessionDisconnected
	SessionError
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionError:
		return "error"
	default:
		return "unknown"
	}
}

type SessionErrorKind int

const (
	ErrorOther SessionErrorKind = iota
	ErrorTransport
	ErrorRefused
)

func (k SessionErrorKind) String() string {
	switch k {
	case ErrorTransport:
		return "transport"
	case ErrorRefused:
		return "refused"
	default:
		return "other"
	}
}

// SessionEvent is emitted by the telemetry link.
type SessionEvent struct {
	Kind      SessionEventKind
	ErrorKind SessionErrorKind
	Err       error
}
