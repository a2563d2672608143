// Package device is the node lifecycle: provisioning and connectivity, the
// telemetry session, batched sampling and the power decision.
//
// Everything outside the lifecycle reaches it through the interfaces below.
package device

import (
	"context"

	"github.com/LeonardoBeccarini/flowmon/internal/hw"
	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
	"github.com/LeonardoBeccarini/flowmon/pkg/broker"
	"github.com/LeonardoBeccarini/flowmon/pkg/codec"
)

// Provisioner is the local pairing transport that hands over network credentials.
type Provisioner interface {
	Start(ctx context.Context) error
	Stop() error
	// Reset returns a failed pairing session to the state that accepts new credentials.
	Reset() error
	Events() <-chan messages.ProvisioningEvent
}

type Network interface {
	Start() error
	Join(creds model.Credentials) error
	Events() <-chan messages.NetworkEvent
}

// Link is the telemetry transport. Connect returns before the session is up;
// the outcome arrives on Events.
type Link interface {
	Connect(clientID string) error
	Disconnect()
	Publish(topic string, payload []byte, qos byte, retain bool) broker.Token
	Subscribe(topic string, qos byte, handler broker.Handler) error
	Events() <-chan messages.SessionEvent
}

type SensorSource interface {
	Read() (model.Sample, error)
	// ReleaseFlowPin hands the flow input over; Read reports flow 0 afterwards.
	ReleaseFlowPin() (*hw.FlowPin, error)
}

// WakeController owns the low-power pulse counter and the suspend primitive.
type WakeController interface {
	LastWakeCause() model.WakeCause
	LoadProgram() error
	Arm(pin *hw.FlowPin, threshold int) error
	Isolate(pins []hw.Pin) error
	EnableWake() error
	// Suspend does not return on real hardware.
	Suspend()
}

type Rebooter interface {
	Reboot()
}

type Codec interface {
	Name() string
	Encode(b codec.Batch) ([]byte, error)
}

// Escalator receives the session's request to redo provisioning.
type Escalator interface {
	ForceReprovision(reason string)
}

// Publisher is the publish side of the Session, as seen by the pipeline and commands.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retain bool) (broker.Token, error)
}
