// Package mqttclient connects to the broker shared by the MQTT control and
// data channels.
package mqttclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/ZerkerEOD/otaagent/internal/config"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// QoS used for every subscription and publication.
const QoS = 1

var ErrTimeout = errors.New("mqttclient: operation timed out")

// Client is the part of the paho client the channels use.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Connect dials the broker. tlsConfig may be nil.
func Connect(ctx context.Context, cfg config.MQTTConfig, clientID string, tlsConfig *tls.Config) (mqtt.Client, error) {
	if cfg.ClientID != "" {
		clientID = cfg.ClientID
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(30 * time.Second).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		debug.Warning("MQTT connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		debug.Info("Connected to MQTT broker %s as %s", cfg.BrokerURL, clientID)
	})

	client := mqtt.NewClient(opts)
	if err := Wait(ctx, client.Connect(), 30*time.Second); err != nil {
		debug.Error("Failed to connect to MQTT broker %s: %v", cfg.BrokerURL, err)
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return client, nil
}

// Wait blocks until tok completes, ctx is done or timeout passes.
func Wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
