package device

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/LeonardoBeccarini/flowmon/internal/config"
	"github.com/LeonardoBeccarini/flowmon/internal/hw"
	"github.com/LeonardoBeccarini/flowmon/internal/metrics"
	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
	"github.com/LeonardoBeccarini/flowmon/pkg/readiness"
	"github.com/LeonardoBeccarini/flowmon/pkg/store"
)

// Deps are the collaborators a Node runs against.
type Deps struct {
	Store       store.Store
	Provisioner Provisioner
	Network     Network
	Link        Link
	Sensor      SensorSource
	Wake        WakeController
	Rebooter    Rebooter
	Codec       Codec
	Metrics     metrics.Recorder
	Logger      *log.Logger
}

// Node wires the lifecycle components and owns the event goroutine.
type Node struct {
	id     model.DeviceIdentity
	bootID string
	deps   Deps
	flags  *readiness.Flags
	logger *log.Logger

	Connectivity *Connectivity
	Session      *Session
	Pipeline     *Pipeline
	Power        *PowerPolicy
	TimeSync     *TimeSync
	Commands     *Commands
}

func prefixed(base *log.Logger, name string) *log.Logger {
	return log.New(base.Writer(), base.Prefix()+name+": ", base.Flags())
}

func NewNode(cfg *config.Config, id model.DeviceIdentity, deps Deps) *Node {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	n := &Node{
		id:     id,
		bootID: uuid.NewString(),
		deps:   deps,
		flags:  readiness.New(),
		logger: prefixed(deps.Logger, "node"),
	}

	n.Connectivity = NewConnectivity(ConnectivityConfig{
		JoinMaxRetries: cfg.Network.JoinMaxRetries,
		JoinBackoff:    cfg.Network.JoinBackoff,
		RejectGrace:    cfg.Network.RejectGrace,
		Logger:         prefixed(deps.Logger, "connectivity"),
		Metrics:        deps.Metrics,
	}, deps.Provisioner, deps.Network, deps.Store, n.flags, deps.Rebooter)

	n.Session = NewSession(SessionConfig{
		ClientID:      id,
		MaxRetries:    cfg.Session.MaxRetries,
		AutoReconnect: *cfg.Session.AutoReconnect,
		CommandTopic:  config.Topic(cfg.Broker.CommandTopic, id.String()),
		Logger:        prefixed(deps.Logger, "session"),
		Metrics:       deps.Metrics,
	}, deps.Link, n.flags, n.Connectivity)

	isolated := make([]hw.Pin, 0, len(cfg.Device.IsolatedPins))
	for _, p := range cfg.Device.IsolatedPins {
		isolated = append(isolated, hw.Pin(p))
	}
	n.Power = NewPowerPolicy(PowerConfig{
		Epsilon:       *cfg.Power.Epsilon,
		WakeThreshold: cfg.Power.WakeThreshold,
		IsolatedPins:  isolated,
		Logger:        prefixed(deps.Logger, "power"),
		Metrics:       deps.Metrics,
	}, deps.Sensor, deps.Wake, deps.Store, n.Session)

	n.Pipeline = NewPipeline(PipelineConfig{
		DeviceID:  id,
		Period:    cfg.Sampling.Period,
		BatchSize: cfg.Sampling.BatchSize,
		Topic:     config.Topic(cfg.Broker.DataTopic, id.String()),
		QoS:       cfg.PublishQoS(),
		Store:     deps.Store,
		Logger:    prefixed(deps.Logger, "sensors"),
		Metrics:   deps.Metrics,
	}, deps.Sensor, deps.Codec, n.Session, n.flags, n.Power)

	n.TimeSync = NewTimeSync(n.flags, prefixed(deps.Logger, "sntp"))

	n.Commands = NewCommands(messages.IdentityReport{
		DeviceID: id.String(),
		BootID:   n.bootID,
	}, config.Topic(cfg.Broker.IdentityTopic, id.String()), n.Connectivity, n.Session, deps.Store, prefixed(deps.Logger, "commands"))
	n.Session.SetCommandHandler(n.Commands.Deliver)

	return n
}

func (n *Node) Flags() *readiness.Flags { return n.flags }

func (n *Node) ID() model.DeviceIdentity { return n.id }

// Run boots the node and blocks until ctx ends or a fatal error occurs.
func (n *Node) Run(ctx context.Context) error {
	cause, err := BootWakeCause(n.deps.Wake, n.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	n.Commands.identity.WakeCause = cause.String()
	n.logger.Printf("device %s boot %s (wake: %s, codec: %s)", n.id, n.bootID, cause, n.deps.Codec.Name())

	if err := store.SetString(ctx, n.deps.Store, store.KeyDeviceID, n.id.String()); err != nil {
		return fmt.Errorf("persist device id: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.dispatch(ctx)
	})

	if err := n.Connectivity.Start(ctx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("%w: start connectivity: %w", ErrFatal, err)
	}

	g.Go(func() error {
		n.keepSession(ctx)
		return nil
	})
	g.Go(func() error {
		return n.Pipeline.Run(ctx)
	})

	err = g.Wait()
	n.Session.Close()
	return err
}

// dispatch is the single consumer of every collaborator event channel. It
// returns only for a fatal connectivity error.
func (n *Node) dispatch(ctx context.Context) error {
	provEvents := n.deps.Provisioner.Events()
	netEvents := n.deps.Network.Events()
	sessEvents := n.deps.Link.Events()
	commands := n.Commands.Queue()
	fatal := n.Connectivity.Fatal()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-fatal:
			return err
		case ev := <-provEvents:
			n.Connectivity.HandleProvisioningEvent(ev)
		case ev := <-netEvents:
			n.Connectivity.HandleNetworkEvent(ev)
			n.TimeSync.HandleNetworkEvent(ev)
		case ev := <-sessEvents:
			n.Session.HandleEvent(ev)
		case cmd := <-commands:
			if err := n.Commands.Execute(ctx, cmd); err != nil {
				n.logger.Printf("command %s: %v", cmd.Name, err)
			}
		}
	}
}

// keepSession opens the session each time the network comes up.
func (n *Node) keepSession(ctx context.Context) {
	for {
		if err := n.flags.Wait(ctx, readiness.NetworkJoined); err != nil {
			return
		}
		if err := n.Session.Open(); err != nil {
			n.logger.Printf("open session: %v", err)
		}
		if err := n.flags.WaitCleared(ctx, readiness.NetworkJoined); err != nil {
			return
		}
	}
}
