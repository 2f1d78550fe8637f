package scan

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gatescan/route.timer/internal/monitoring"
	"github.com/gatescan/route.timer/internal/signal"
)

// MQTTOptions configures the gateway subscriber.
type MQTTOptions struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string // e.g. gatescan/+/adv
	ClientID string
	Username string
	Password string
}

// MQTTSource subscribes to fixed BLE gateways publishing one JSON
// advertisement per message. The paho client reconnects on its own; a broker
// outage costs samples but never kills the pipeline.
type MQTTSource struct {
	opts MQTTOptions
}

func NewMQTTSource(opts MQTTOptions) *MQTTSource {
	if opts.Topic == "" {
		opts.Topic = "gatescan/+/adv"
	}
	if opts.ClientID == "" {
		opts.ClientID = "route-timer"
	}
	return &MQTTSource{opts: opts}
}

func (m *MQTTSource) Describe() string {
	return fmt.Sprintf("mqtt gateways at %s topic %q", m.opts.Broker, m.opts.Topic)
}

func (m *MQTTSource) Run(ctx context.Context, out chan<- signal.Sample) error {
	if m.opts.Broker == "" {
		return fmt.Errorf("mqtt source: broker address required")
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(m.opts.Broker).
		SetClientID(m.opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)
	if m.opts.Username != "" {
		clientOpts.SetUsername(m.opts.Username)
		clientOpts.SetPassword(m.opts.Password)
	}
	clientOpts.OnConnect = func(c mqtt.Client) {
		monitoring.Logf("scan: mqtt connected to %s", m.opts.Broker)
		// Resubscribe on every (re)connect; subscriptions do not survive a
		// clean-session reconnect.
		token := c.Subscribe(m.opts.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			sample, err := ParseGatewayPayload(msg.Payload())
			if err != nil {
				monitoring.Debugf("scan: mqtt %s: %v", msg.Topic(), err)
				return
			}
			if err := emit(ctx, out, sample); err != nil {
				return
			}
		})
		if token.Wait() && token.Error() != nil {
			monitoring.Logf("scan: mqtt subscribe %q: %v", m.opts.Topic, token.Error())
		}
	}
	clientOpts.OnConnectionLost = func(_ mqtt.Client, err error) {
		monitoring.Logf("scan: mqtt connection lost: %v", err)
	}

	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", m.opts.Broker, token.Error())
	}
	defer client.Disconnect(250)

	<-ctx.Done()
	return ctx.Err()
}
