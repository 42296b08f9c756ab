// Package mqttstream receives file blocks from an MQTT stream. The agent
// publishes a request naming the blocks it lacks and the server answers with
// one data message per block.
package mqttstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZerkerEOD/otaagent/internal/dataplane"
	"github.com/ZerkerEOD/otaagent/internal/mqttclient"
	"github.com/ZerkerEOD/otaagent/internal/transfer"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

// Name is the protocol name jobs use for this channel.
const Name = "mqtt"

var ErrNoStream = errors.New("mqttstream: job has no stream name")

const opTimeout = 10 * time.Second

// Topics for thing streaming stream.
func DataTopic(thing, stream string) string {
	return fmt.Sprintf("$aws/things/%s/streams/%s/data/msgpack", thing, stream)
}

func GetTopic(thing, stream string) string {
	return fmt.Sprintf("$aws/things/%s/streams/%s/get/msgpack", thing, stream)
}

func RejectedTopic(thing, stream string) string {
	return fmt.Sprintf("$aws/things/%s/streams/%s/rejected/msgpack", thing, stream)
}

// Channel is the MQTT stream data channel.
type Channel struct {
	client      mqttclient.Client
	thing       string
	clientToken func() string

	mu      sync.Mutex
	stream  string
	deliver dataplane.DeliverFunc
}

// New returns a stream channel for thing. clientToken supplies the token sent
// with each request.
func New(client mqttclient.Client, thing string, clientToken func() string) *Channel {
	return &Channel{client: client, thing: thing, clientToken: clientToken}
}

func (c *Channel) Name() string { return Name }

func (c *Channel) Init(ctx context.Context, fc *transfer.FileContext, deliver dataplane.DeliverFunc) error {
	if fc.StreamName == "" {
		return ErrNoStream
	}

	c.mu.Lock()
	c.stream = fc.StreamName
	c.deliver = deliver
	c.mu.Unlock()

	data := DataTopic(c.thing, fc.StreamName)
	if err := mqttclient.Wait(ctx, c.client.Subscribe(data, mqttclient.QoS, c.onData), opTimeout); err != nil {
		debug.Error("Failed to subscribe to %s: %v", data, err)
		c.mu.Lock()
		c.stream, c.deliver = "", nil
		c.mu.Unlock()
		return fmt.Errorf("failed to subscribe to stream data: %w", err)
	}

	rejected := RejectedTopic(c.thing, fc.StreamName)
	if err := mqttclient.Wait(ctx, c.client.Subscribe(rejected, mqttclient.QoS, c.onRejected), opTimeout); err != nil {
		debug.Warning("Failed to subscribe to %s: %v", rejected, err)
	}

	debug.Info("Subscribed to stream %s", fc.StreamName)
	return nil
}

func (c *Channel) onData(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	deliver := c.deliver
	c.mu.Unlock()
	if deliver == nil {
		return
	}
	if err := deliver(msg.Payload()); err != nil {
		debug.Warning("Stream block dropped: %v", err)
	}
}

func (c *Channel) onRejected(_ mqtt.Client, msg mqtt.Message) {
	debug.Warning("Stream request rejected: %s", msg.Payload())
}

// Request publishes a stream request for blocks first..last.
func (c *Channel) Request(ctx context.Context, fc *transfer.FileContext, first, last int) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == "" {
		return fmt.Errorf("mqttstream: channel not initialized")
	}

	req := dataplane.StreamRequest{
		FileID:    fc.ServerFileID,
		BlockSize: uint32(fc.BlockSize),
		Offset:    uint32(first),
		NumBlocks: uint32(last - first + 1),
		Bitmap:    fc.Bitmap.Bytes(),
	}
	if c.clientToken != nil {
		req.ClientToken = c.clientToken()
	}

	payload, err := msgpack.Marshal(&req)
	if err != nil {
		return fmt.Errorf("failed to encode stream request: %w", err)
	}
	if err := mqttclient.Wait(ctx, c.client.Publish(GetTopic(c.thing, stream), mqttclient.QoS, false, payload), opTimeout); err != nil {
		return fmt.Errorf("failed to publish stream request: %w", err)
	}
	return nil
}

func (c *Channel) Deinit() error {
	c.mu.Lock()
	stream := c.stream
	c.stream = ""
	c.deliver = nil
	c.mu.Unlock()

	if stream == "" {
		return nil
	}
	tok := c.client.Unsubscribe(DataTopic(c.thing, stream), RejectedTopic(c.thing, stream))
	if err := mqttclient.Wait(context.Background(), tok, opTimeout); err != nil {
		debug.Warning("Failed to unsubscribe from stream %s: %v", stream, err)
		return fmt.Errorf("failed to unsubscribe from stream: %w", err)
	}
	return nil
}
