// Package events publishes tenant lifecycle events to the platform's MQTT
// broker for out-of-scope consumers (billing, customer messaging, analytics).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/petalhost/petalhost/internal/domain/trial"
	"github.com/petalhost/petalhost/pkg/common/logger"
)

// Publisher emits lifecycle transition events. Publishing is advisory; the
// lifecycle manager never fails a transition because an event could not be
// delivered.
type Publisher interface {
	PublishTransition(ctx context.Context, event trial.TransitionEvent) error
	Close()
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// QoS for lifecycle topics. 1 (at least once) is the platform default;
	// consumers deduplicate on (tenant_slug, occurred_at).
	QoS byte
}

// MQTTPublisher publishes lifecycle events to
// petalhost/tenants/<slug>/lifecycle.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
	logger *logger.Logger
}

var _ Publisher = (*MQTTPublisher)(nil)

// NewMQTTPublisher connects to the broker. The connection retries in the
// background after transient drops.
func NewMQTTPublisher(cfg MQTTConfig, log *logger.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.BrokerURL, err)
	}

	return &MQTTPublisher{
		client: client,
		qos:    cfg.QoS,
		logger: log.With("component", "mqtt_publisher"),
	}, nil
}

func topicFor(slug string) string {
	return "petalhost/tenants/" + slug + "/lifecycle"
}

// PublishTransition publishes one transition event as JSON.
func (p *MQTTPublisher) PublishTransition(ctx context.Context, event trial.TransitionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling transition event: %w", err)
	}

	token := p.client.Publish(topicFor(event.TenantSlug), p.qos, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topicFor(event.TenantSlug))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topicFor(event.TenantSlug), err)
	}

	p.logger.Debug(ctx, "lifecycle event published",
		"tenant_slug", event.TenantSlug, "from", event.From, "to", event.To)
	return nil
}

// Close disconnects from the broker, allowing in-flight messages to drain.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

// NoopPublisher drops all events. Used in tests and when no broker is
// configured.
type NoopPublisher struct{}

var _ Publisher = (*NoopPublisher)(nil)

func (NoopPublisher) PublishTransition(context.Context, trial.TransitionEvent) error { return nil }
func (NoopPublisher) Close()                                                         {}
