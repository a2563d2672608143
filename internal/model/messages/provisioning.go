package messages

import "github.com/LeonardoBeccarini/flowmon/internal/model"

type ProvisioningEventKind int

const (
	ProvisioningStarted ProvisioningEventKind = iota
	ProvisioningCredentialsReceived
	ProvisioningCredentialsRejected
	ProvisioningSucceeded
	ProvisioningEnded
)

func (k ProvisioningEventKind) String() string {
	switch k {
	case ProvisioningStarted:
		return "started"
	case ProvisioningCredentialsReceived:
		return "credentials_received"
	case ProvisioningCredentialsRejected:
		return "credentials_rejected"
	case ProvisioningSucceeded:
		return "succeeded"
	case ProvisioningEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ProvisioningEvent is emitted by the pairing transport.
// Credentials is set only for CredentialsReceived, Reason only for CredentialsRejected.
type ProvisioningEvent struct {
	Kind        ProvisioningEventKind
	Credentials model.Credentials
	Reason      string
}
