// Package mqttjobs implements the control channel over the MQTT jobs topics
// of a thing.
package mqttjobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ZerkerEOD/otaagent/internal/controlplane"
	"github.com/ZerkerEOD/otaagent/internal/mqttclient"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const opTimeout = 10 * time.Second

// Topics for thing.
func NotifyNextTopic(thing string) string {
	return fmt.Sprintf("$aws/things/%s/jobs/notify-next", thing)
}

func GetNextTopic(thing string) string {
	return fmt.Sprintf("$aws/things/%s/jobs/$next/get", thing)
}

func GetNextAcceptedTopic(thing string) string {
	return GetNextTopic(thing) + "/accepted"
}

func UpdateTopic(thing, jobID string) string {
	return fmt.Sprintf("$aws/things/%s/jobs/%s/update", thing, jobID)
}

func UpdateRejectedTopic(thing string) string {
	return fmt.Sprintf("$aws/things/%s/jobs/+/update/rejected", thing)
}

// Channel is the MQTT control channel.
type Channel struct {
	client mqttclient.Client
	thing  string

	mu      sync.Mutex
	deliver controlplane.DeliverFunc
	topics  []string
}

// New returns a control channel for thing.
func New(client mqttclient.Client, thing string) *Channel {
	return &Channel{client: client, thing: thing}
}

// Subscribe listens for pushed and requested job documents.
func (c *Channel) Subscribe(ctx context.Context, deliver controlplane.DeliverFunc) error {
	c.mu.Lock()
	c.deliver = deliver
	c.mu.Unlock()

	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{NotifyNextTopic(c.thing), c.onJobDocument},
		{GetNextAcceptedTopic(c.thing), c.onJobDocument},
		{UpdateRejectedTopic(c.thing), c.onUpdateRejected},
	}

	for _, s := range subs {
		if err := mqttclient.Wait(ctx, c.client.Subscribe(s.topic, mqttclient.QoS, s.handler), opTimeout); err != nil {
			debug.Error("Failed to subscribe to %s: %v", s.topic, err)
			return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
		}
		c.mu.Lock()
		c.topics = append(c.topics, s.topic)
		c.mu.Unlock()
		debug.Debug("Subscribed to %s", s.topic)
	}

	debug.Info("Listening for jobs of %s", c.thing)
	return nil
}

func (c *Channel) onJobDocument(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	deliver := c.deliver
	c.mu.Unlock()
	if deliver == nil {
		return
	}
	debug.Debug("Job document received on %s (%d bytes)", msg.Topic(), len(msg.Payload()))
	if err := deliver(msg.Payload()); err != nil {
		debug.Warning("Job document dropped: %v", err)
	}
}

func (c *Channel) onUpdateRejected(_ mqtt.Client, msg mqtt.Message) {
	debug.Warning("Job status update rejected on %s: %s", msg.Topic(), msg.Payload())
}

// RequestJobDocument publishes a get-next request carrying clientToken.
func (c *Channel) RequestJobDocument(ctx context.Context, clientToken string) error {
	payload, err := json.Marshal(map[string]string{"clientToken": clientToken})
	if err != nil {
		return fmt.Errorf("failed to marshal job request: %w", err)
	}
	if err := mqttclient.Wait(ctx, c.client.Publish(GetNextTopic(c.thing), mqttclient.QoS, false, payload), opTimeout); err != nil {
		debug.Error("Failed to request next job: %v", err)
		return fmt.Errorf("failed to request job document: %w", err)
	}
	return nil
}

// PublishStatus publishes doc on the job's update topic.
func (c *Channel) PublishStatus(ctx context.Context, jobID string, doc []byte) error {
	if jobID == "" {
		return fmt.Errorf("job status without a job id")
	}
	if err := mqttclient.Wait(ctx, c.client.Publish(UpdateTopic(c.thing, jobID), mqttclient.QoS, false, doc), opTimeout); err != nil {
		debug.Error("Failed to publish status for job %s: %v", jobID, err)
		return fmt.Errorf("failed to publish job status: %w", err)
	}
	return nil
}

// Close unsubscribes from every jobs topic.
func (c *Channel) Close() error {
	c.mu.Lock()
	topics := c.topics
	c.topics = nil
	c.deliver = nil
	c.mu.Unlock()

	if len(topics) == 0 {
		return nil
	}
	if err := mqttclient.Wait(context.Background(), c.client.Unsubscribe(topics...), opTimeout); err != nil {
		return fmt.Errorf("failed to unsubscribe from jobs topics: %w", err)
	}
	return nil
}
