package mocks

import (
	"strings"
	"sync"
	"time"

	"github.com/ZerkerEOD/otaagent/internal/mqttclient"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockMQTTClient implements mqttclient.Client in memory. Publishing to a subscribed topic
// does not loop back; tests inject messages with Deliver.
type MockMQTTClient struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	Published []Published

	// Call tracking
	SubscribeCalls int
	PublishCalls   int

	SubscribeErr error
	PublishErr   error
}

// Published records one publication.
type Published struct {
	Topic   string
	Payload []byte
}

// NewMockMQTTClient creates a new mock MQTT client
func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{handlers: make(map[string]mqtt.MessageHandler)}
}

// Subscribe implements mqttclient.Client
func (f *MockMQTTClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubscribeCalls++
	if f.SubscribeErr != nil {
		return doneToken(f.SubscribeErr)
	}
	f.handlers[topic] = cb
	return doneToken(nil)
}

// Unsubscribe implements mqttclient.Client
func (f *MockMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return doneToken(nil)
}

// Publish implements mqttclient.Client
func (f *MockMQTTClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PublishCalls++
	if f.PublishErr != nil {
		return doneToken(f.PublishErr)
	}
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	}
	f.Published = append(f.Published, Published{Topic: topic, Payload: data})
	return doneToken(nil)
}

// Subscribed reports whether topic has a handler.
func (f *MockMQTTClient) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

// Last returns the most recent publication on a topic with the given prefix.
func (f *MockMQTTClient) Last(prefix string) (Published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Published) - 1; i >= 0; i-- {
		if strings.HasPrefix(f.Published[i].Topic, prefix) {
			return f.Published[i], true
		}
	}
	return Published{}, false
}

// Deliver invokes the handler subscribed to topic and reports whether one was.
func (f *MockMQTTClient) Deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	cb, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		return false
	}
	cb(nil, &message{topic: topic, payload: payload})
	return true
}

type token struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return mqttclient.QoS }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}

var _ mqttclient.Client = (*MockMQTTClient)(nil)
