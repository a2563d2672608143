package model

// ConnectivityState is owned by the connectivity state machine.
type ConnectivityState int

const (
	Unprovisioned ConnectivityState = iota
	Provisioning
	AwaitingCredentials
	Joining
	Connected
	Disconnected
	FactoryResetPending
)

func (s ConnectivityState) String() string {
	switch s {
	case Unprovisioned:
		return "unprovisioned"
	case Provisioning:
		return "provisioning"
	case AwaitingCredentials:
		return "awaiting_credentials"
	case Joining:
		return "joining"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case FactoryResetPending:
		return "factory_reset_pending"
	default:
		return "unknown"
	}
}

// SessionState is owned by the session manager.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionConnecting
	SessionOpen
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type PowerState int

const (
	PowerActive PowerState = iota
	// PowerSuspending is terminal for the running process.
	PowerSuspending
)

// WakeCause is read once at boot.
type WakeCause int

const (
	WakeCold WakeCause = iota
	WakeLowPowerCounter
)

func (w WakeCause) String() string {
	if w == WakeLowPowerCounter {
		return "low_power_counter"
	}
	return "cold"
}

// Credentials are opaque to the lifecycle core; only the network layer reads them.
type Credentials struct {
	SSID       string `json:"ssid"`
	Passphrase string `json:"passphrase"`
}
