package broker

import (
	"context"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IConsumer is implemented by anything that subscribes and dispatches until ctx ends.
type IConsumer interface {
	ConsumeMessage(ctx context.Context)
	SetHandler(handler func(topic string, message mqtt.Message) error)
}

// Consumer subscribes a shared client to several topic filters with one handler.
type Consumer struct {
	client  mqtt.Client
	topics  map[string]byte
	handler func(topic string, message mqtt.Message) error
}

// NewConsumer maps each topic filter to its subscription QoS.
func NewConsumer(client mqtt.Client, topics map[string]byte, handler func(topic string, message mqtt.Message) error) *Consumer {
	return &Consumer{
		client:  client,
		topics:  topics,
		handler: handler,
	}
}

func (c *Consumer) SetHandler(handler func(topic string, message mqtt.Message) error) {
	c.handler = handler
}

// ConsumeMessage subscribes to every topic and blocks until ctx is cancelled.
func (c *Consumer) ConsumeMessage(ctx context.Context) {
	for topic, qos := range c.topics {
		token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
			if c.handler == nil {
				log.Printf("No handler set for topic %s", msg.Topic())
				return
			}
			if err := c.handler(msg.Topic(), msg); err != nil {
				log.Printf("Error handling message on %s: %v", msg.Topic(), err)
			}
		})
		token.Wait()
		if token.Error() != nil {
			log.Printf("Error subscribing to topic %s: %v", topic, token.Error())
		} else {
			log.Printf("Successfully subscribed to topic %s (qos %d)", topic, qos)
		}
	}

	<-ctx.Done()

	for topic := range c.topics {
		c.client.Unsubscribe(topic)
	}
}
