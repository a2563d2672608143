package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/LeonardoBeccarini/flowmon/internal/model/messages"
	"github.com/LeonardoBeccarini/flowmon/pkg/dedup"
	"github.com/LeonardoBeccarini/flowmon/pkg/store"
)

// Commands turns downlink messages into actions. Deliver runs on the link's
// goroutine and only queues; Execute runs on the node's event goroutine.
type Commands struct {
	identity      messages.IdentityReport
	identityTopic string
	esc           Escalator
	pub           Publisher
	store         store.Store
	seen          *dedup.Deduper
	queue         chan messages.Command
	logger        *log.Logger
}

func NewCommands(identity messages.IdentityReport, identityTopic string, esc Escalator, pub Publisher,
	st store.Store, logger *log.Logger) *Commands {
	if logger == nil {
		logger = log.New(log.Writer(), "commands: ", log.LstdFlags)
	}
	return &Commands{
		identity:      identity,
		identityTopic: identityTopic,
		esc:           esc,
		pub:           pub,
		store:         st,
		seen:          dedup.New(2*time.Minute, 1000),
		queue:         make(chan messages.Command, 8),
		logger:        logger,
	}
}

func (c *Commands) Queue() <-chan messages.Command { return c.queue }

// Deliver decodes one downlink payload. QoS1 redeliveries carry the same bytes
// and are dropped.
func (c *Commands) Deliver(topic string, payload []byte) {
	if !c.seen.ShouldProcessPayload(payload) {
		return
	}
	var cmd messages.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.logger.Printf("invalid command on %s: %v", topic, err)
		return
	}
	select {
	case c.queue <- cmd:
	default:
		c.logger.Printf("command queue full, dropping %s (%s)", cmd.Name, cmd.ID)
	}
}

func (c *Commands) Execute(ctx context.Context, cmd messages.Command) error {
	c.logger.Printf("command %s id=%s", cmd.Name, cmd.ID)
	switch cmd.Name {
	case messages.CommandReprovision:
		c.esc.ForceReprovision("downlink command " + cmd.ID)
		return nil
	case messages.CommandIdentify:
		return c.identify(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd.Name)
	}
}

func (c *Commands) identify(ctx context.Context) error {
	report := c.identity
	userID, err := store.GetString(ctx, c.store, store.KeyUserID)
	switch {
	case err == nil:
		report.UserID = userID
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("read user id: %w", err)
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	if _, err := c.pub.Publish(c.identityTopic, payload, 1, false); err != nil {
		return fmt.Errorf("publish identity: %w", err)
	}
	return nil
}
