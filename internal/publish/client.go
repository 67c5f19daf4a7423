package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bookaware/internal/components/telemetry"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	report_client_connection_lost = "client.connection-lost"
	report_client_reconnecting    = "client.reconnecting"
)

type BrokerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
}

// Connection is a publisher bound to a live broker connection.
type Connection struct {
	*Publisher
	client mqtt.Client
}

// Dial starts connecting to the broker in the background and returns immediately, the
// client keeps retrying the initial connection and reconnects whenever it is lost. Discovery
// configs are announced on every successful connect and the will message marks the sensors
// offline when the connection drops.
func Dial(broker BrokerConfig, prefix string, tel telemetry.API) *Connection {
	mqtt.ERROR = slog.NewLogLogger(slog.Default().Handler(), slog.LevelError)
	mqtt.CRITICAL = slog.NewLogLogger(slog.Default().Handler(), slog.LevelError)
	mqtt.WARN = slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn)

	clientID := broker.ClientID
	if clientID == "" {
		clientID = "bookaware"
	}

	conn := &Connection{}
	topics := Topics{Prefix: prefix}
	if prefix == "" {
		topics.Prefix = DefaultTopicPrefix
	}
	scoped := telemetry.NewScopedAPI("mqtt", tel)

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", broker.Host, broker.Port)).
		SetClientID(clientID).
		SetUsername(broker.Username).
		SetPassword(broker.Password).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(10 * time.Second).
		SetMaxReconnectInterval(5 * time.Minute).
		SetWill(topics.Availability(), availabilityOffline, 1, true).
		SetOnConnectHandler(func(mqtt.Client) {
			slog.Info("connected to mqtt broker", "host", broker.Host, "port", broker.Port)
			// handlers run on their own goroutine so waiting for acks here is fine
			conn.Announce(context.Background())
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			scoped.ReportWarning(report_client_connection_lost, err)
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			scoped.ReportDebug(report_client_reconnecting, "host", broker.Host)
		})

	client := mqtt.NewClient(opts)
	conn.client = client
	conn.Publisher = NewPublisher(client, topics.Prefix, 0, tel)

	// with connect retry the token only completes once connected
	client.Connect()
	return conn
}

// Close marks the sensors offline and disconnects.
func (c *Connection) Close(ctx context.Context) {
	if c.client.IsConnectionOpen() {
		err := c.Withdraw(ctx)
		if err != nil {
			slog.Warn("failed to withdraw availability", "err", err)
		}
	}
	c.client.Disconnect(250)
}
