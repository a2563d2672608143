package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"


	"github.com/LeonardoBeccarini/flowmon/internal/metrics"
	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
	"github.com/LeonardoBeccarini/flowmon/pkg/readiness"
	"github.com/LeonardoBeccarini/flowmon/pkg/retry"
	"github.com/LeonardoBeccarini/flowmon/pkg/store"
)

type ConnectivityConfig struct {
	JoinMaxRetries int
	JoinBackoff    time.Duration
	RejectGrace    time.Duration
	Logger         *log.Logger
	Metrics        metrics.Recorder
}

var errBadCredentials = errors.New("stored credentials unreadable")

// scheduler runs fn once after d, off the caller's goroutine.
type scheduler func(d time.Duration, fn func())

func afterFunc(d time.Duration, fn func()) { time.AfterFunc(d, fn) }

// Connectivity drives provisioning and the network join. Its handlers are
// called from the node's event goroutine; delayed work re-enters from timers.
type Connectivity struct {
	cfg      ConnectivityConfig
	prov     Provisioner
	net      Network
	store    store.Store
	flags    *readiness.Flags
	rebooter Rebooter
	joins    *retry.Counter
	schedule scheduler
	fatal    chan error

	mu             sync.Mutex
	state          model.ConnectivityState
	reprovisioning bool
	ctx            context.Context
}

func NewConnectivity(cfg ConnectivityConfig, prov Provisioner, net Network, st store.Store,
	flags *readiness.Flags, rebooter Rebooter) *Connectivity {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "connectivity: ", log.LstdFlags)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &Connectivity{
		cfg:      cfg,
		prov:     prov,
		net:      net,
		store:    st,
		flags:    flags,
		rebooter: rebooter,
		joins:    retry.NewCounter(cfg.JoinMaxRetries),
		schedule: afterFunc,
		fatal:    make(chan error, 1),
		state:    model.Unprovisioned,
		ctx:      context.Background(),
	}
}

func (c *Connectivity) State() model.ConnectivityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connectivity) JoinRetries() int { return c.joins.Count() }

// Fatal delivers errors that leave the node with no way back onto the network.
func (c *Connectivity) Fatal() <-chan error { return c.fatal }

func (c *Connectivity) fail(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

func (c *Connectivity) setState(s model.ConnectivityState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.cfg.Logger.Printf("%s -> %s", prev, s)
		c.cfg.Metrics.ConnectivityState(s)
	}
}

// Start either opens provisioning or, with stored credentials, brings the network up.
func (c *Connectivity) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	provisioned, err := store.GetBool(ctx, c.store, store.KeyProvisioned)
	if err != nil {
		return fmt.Errorf("read provisioned flag: %w", err)
	}
	_, err = c.credentials(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		provisioned = false
	case errors.Is(err, errBadCredentials):
		c.cfg.Logger.Printf("%v", err)
		provisioned = false
	case err != nil:
		return fmt.Errorf("read credentials: %w", err)
	}

	if !provisioned {
		c.cfg.Logger.Printf("no credentials stored, starting provisioning")
		c.setState(model.Provisioning)
		if err := c.prov.Start(ctx); err != nil {
			return fmt.Errorf("start provisioning: %w", err)
		}
		return nil
	}

	c.cfg.Logger.Printf("credentials found, skipping provisioning")
	c.setState(model.Joining)
	if err := c.net.Start(); err != nil {
		return fmt.Errorf("start network: %w", err)
	}
	return nil
}

func (c *Connectivity) HandleProvisioningEvent(ev messages.ProvisioningEvent) {
	ctx := c.context()
	switch ev.Kind {
	case messages.ProvisioningStarted:
		c.setState(model.Provisioning)

	case messages.ProvisioningCredentialsReceived:
		c.cfg.Logger.Printf("received credentials for ssid %q", ev.Credentials.SSID)
		raw, err := json.Marshal(ev.Credentials)
		if err == nil {
			err = c.store.Set(ctx, store.KeyNetworkCredentials, raw)
		}
		if err != nil {
			c.cfg.Logger.Printf("persist credentials: %v", err)
		}
		c.setState(model.AwaitingCredentials)

	case messages.ProvisioningCredentialsRejected:
		c.cfg.Logger.Printf("credentials rejected: %s; resetting provisioning in %s", ev.Reason, c.cfg.RejectGrace)
		if err := c.store.Erase(ctx, store.KeyNetworkCredentials); err != nil {
			c.cfg.Logger.Printf("erase rejected credentials: %v", err)
		}
		c.setState(model.Provisioning)
		c.schedule(c.cfg.RejectGrace, func() {
			if c.context().Err() != nil {
				return
			}
			if err := c.prov.Reset(); err != nil {
				c.cfg.Logger.Printf("reset provisioning: %v", err)
			}
		})

	case messages.ProvisioningSucceeded:
		if err := store.SetBool(ctx, c.store, store.KeyProvisioned, true); err != nil {
			c.cfg.Logger.Printf("persist provisioned flag: %v", err)
		}
		if err := c.prov.Stop(); err != nil {
			c.cfg.Logger.Printf("stop provisioning: %v", err)
		}
		c.mu.Lock()
		c.reprovisioning = false
		c.mu.Unlock()
		c.joins.Reset()
		c.setState(model.Joining)
		if err := c.net.Start(); err != nil {
			c.cfg.Logger.Printf("start network: %v", err)
		}

	case messages.ProvisioningEnded:
		if err := c.prov.Stop(); err != nil {
			c.cfg.Logger.Printf("release provisioning: %v", err)
		}
	}
}

func (c *Connectivity) HandleNetworkEvent(ev messages.NetworkEvent) {
	switch ev.Kind {
	case messages.NetworkStarted:
		c.setState(model.Joining)
		c.join()

	case messages.NetworkDisconnected:
		c.flags.Clear(readiness.NetworkJoined)
		switch c.State() {
		case model.Provisioning, model.AwaitingCredentials, model.FactoryResetPending:
			// no join in progress
			return
		}
		if c.joins.Tripped() {
			return
		}
		n, escalate := c.joins.Fail()
		c.cfg.Metrics.JoinRetry()
		if escalate {
			c.cfg.Logger.Printf("join failed %d times (%s), factory reset", n, ev.Reason)
			c.factoryReset()
			return
		}
		c.cfg.Logger.Printf("join failed (%s), retry %d/%d in %s", ev.Reason, n, c.joins.Limit(), c.cfg.JoinBackoff)
		c.setState(model.Disconnected)
		c.schedule(c.cfg.JoinBackoff, func() {
			if c.context().Err() != nil || c.State() != model.Disconnected {
				return
			}
			c.setState(model.Joining)
			c.join()
		})

	case messages.NetworkGotAddress:
		c.cfg.Logger.Printf("joined, ip %s", ev.IP)
		c.joins.Reset()
		c.flags.Set(readiness.NetworkJoined)
		c.setState(model.Connected)
	}
}

// ForceReprovision drops the stored credentials and reopens provisioning.
// Calls while a re-provisioning is in progress are ignored. If provisioning
// cannot be reopened the error is posted on Fatal.
func (c *Connectivity) ForceReprovision(reason string) {
	c.mu.Lock()
	if c.reprovisioning {
		c.mu.Unlock()
		return
	}
	c.reprovisioning = true
	ctx := c.ctx
	c.mu.Unlock()

	c.cfg.Logger.Printf("re-provisioning: %s", reason)
	c.cfg.Metrics.Reprovision()
	if err := EraseProvisioning(ctx, c.store); err != nil {
		c.cfg.Logger.Printf("reprovision: %v", err)
	}
	c.flags.Clear(readiness.NetworkJoined)
	c.joins.Reset()
	c.setState(model.Provisioning)
	if err := c.prov.Start(ctx); err != nil {
		c.cfg.Logger.Printf("restart provisioning: %v", err)
		c.fail(fmt.Errorf("%w: restart provisioning: %w", ErrFatal, err))
	}
}

func (c *Connectivity) factoryReset() {
	if err := EraseProvisioning(c.context(), c.store); err != nil {
		c.cfg.Logger.Printf("factory reset: %v", err)
	}
	c.cfg.Metrics.FactoryReset()
	c.setState(model.FactoryResetPending)
	c.rebooter.Reboot()
}

func (c *Connectivity) join() {
	creds, err := c.credentials(c.context())
	if err != nil {
		c.cfg.Logger.Printf("no credentials to join with: %v", err)
		return
	}
	if err := c.net.Join(creds); err != nil {
		c.cfg.Logger.Printf("join %q: %v", creds.SSID, err)
	}
}

func (c *Connectivity) credentials(ctx context.Context) (model.Credentials, error) {
	var creds model.Credentials
	raw, err := c.store.Get(ctx, store.KeyNetworkCredentials)
	if err != nil {
		return creds, err
	}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return creds, fmt.Errorf("%w: %v", errBadCredentials, err)
	}
	return creds, nil
}

func (c *Connectivity) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// EraseProvisioning forgets the network credentials and clears the provisioned flag.
func EraseProvisioning(ctx context.Context, st store.Store) error {
	if err := st.Erase(ctx, store.KeyNetworkCredentials); err != nil {
		return fmt.Errorf("erase credentials: %w", err)
	}
	if err := store.SetBool(ctx, st, store.KeyProvisioned, false); err != nil {
		return fmt.Errorf("clear provisioned flag: %w", err)
	}
	return nil
}
