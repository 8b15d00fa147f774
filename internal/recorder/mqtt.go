package recorder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// ErrMQTTDisabled is returned by CheckBroker when MQTT is turned off.
var ErrMQTTDisabled = errors.New("mqtt is disabled in the recorder config")

// CheckBroker connects to the configured broker once and disconnects. It
// reports whether the recorder will be able to publish events.
func CheckBroker(ctx context.Context, cfg MQTT, timeout time.Duration) error {
	if !cfg.Enabled {
		return ErrMQTTDisabled
	}
	if cfg.Host == "" {
		return fmt.Errorf("mqtt host is not set")
	}
	port := cfg.Port
	if port == 0 {
		port = 1883
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	broker := "tcp://" + net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("nvrpanel-probe-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(timeout)
	if cfg.User != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-time.After(timeout):
		return fmt.Errorf("mqtt broker %s: connection timeout after %s", broker, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt broker %s: %w", broker, err)
	}
	client.Disconnect(250)
	return nil
}
