package messages

type NetworkEventKind int

const (
	NetworkStarted NetworkEventKind = iota
	NetworkDisconnected
	NetworkGotAddress
)

func (k NetworkEventKind) String() string {
	switch k {
	case NetworkStarted:
		return "started"
	case NetworkDisconnected:
		return "disconnected"
	case NetworkGotAddress:
		return "got_address"
	default:
		return "unknown"
	}
}

// DisconnectReason is informational: every reason is retried on the same counter.
type DisconnectReason int

const (
	ReasonOther DisconnectReason = iota
	ReasonAuthFailed
	ReasonAPNotFound
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonAuthFailed:
		return "auth_failed"
	case ReasonAPNotFound:
		return "ap_not_found"
	default:
		return "other"
	}
}

type NetworkEvent struct {
	Kind   NetworkEventKind
	IP     string
	Reason DisconnectReason
}
