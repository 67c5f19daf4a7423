package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-resty/resty/v2"
)

const DefaultSupervisorURL = "http://supervisor"

// Broker is the resolved MQTT broker.
type Broker struct {
	Host     string
	Port     int
	Username string
	Password string
}

type supervisorMqttService struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type supervisorResponse struct {
	Result  string                `json:"result"`
	Message string                `json:"message"`
	Data    supervisorMqttService `json:"data"`
}

// Supervisor is a minimal client of the Home Assistant supervisor API.
type Supervisor struct {
	client *resty.Client
}

func NewSupervisor(baseURL, token string) Supervisor {
	if baseURL == "" {
		baseURL = DefaultSupervisorURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetHeader("accept", "application/json")
	return Supervisor{client: client}
}

// MqttService returns the broker the mqtt add-on exposes.
func (s Supervisor) MqttService(ctx context.Context) (Broker, error) {
	res, err := s.client.R().
		SetContext(ctx).
		SetResult(&supervisorResponse{}).
		SetError(&supervisorResponse{}).
		Get("/services/mqtt")
	if err != nil {
		return Broker{}, fmt.Errorf("query supervisor mqtt service: %w", err)
	}

	body, ok := res.Result().(*supervisorResponse)
	if res.IsError() {
		body, ok = res.Error().(*supervisorResponse)
	}
	if !ok || body == nil {
		return Broker{}, fmt.Errorf("query supervisor mqtt service: unexpected response (%d)", res.StatusCode())
	}
	if body.Result == "error" || res.IsError() {
		return Broker{}, fmt.Errorf("supervisor mqtt service (%d): %s", res.StatusCode(), body.Message)
	}

	return Broker{
		Host:     body.Data.Host,
		Port:     body.Data.Port,
		Username: body.Data.Username,
		Password: body.Data.Password,
	}, nil
}

func (c Config) explicitBroker() Broker {
	return Broker{
		Host:     c.MqttHost,
		Port:     c.MqttPort,
		Username: c.MqttUsername,
		Password: c.MqttPassword,
	}
}

// ResolveBroker returns the configured broker, asking the supervisor for whatever is missing
// when running as an add-on. Explicit config values always win.
func (c Config) ResolveBroker(ctx context.Context, supervisor *Supervisor) (Broker, error) {
	broker := c.explicitBroker()
	if broker.Host != "" && broker.Port != 0 {
		return broker, nil
	}

	if supervisor == nil {
		token := os.Getenv("SUPERVISOR_TOKEN")
		if token == "" {
			if broker.Host == "" {
				return Broker{}, errors.New("mqtt_host is not configured and SUPERVISOR_TOKEN is not set")
			}
			broker.Port = 1883
			return broker, nil
		}
		s := NewSupervisor(DefaultSupervisorURL, token)
		supervisor = &s
	}

	service, err := supervisor.MqttService(ctx)
	if err != nil {
		return Broker{}, err
	}
	if broker.Host == "" {
		broker.Host = service.Host
	}
	if broker.Port == 0 {
		broker.Port = service.Port
	}
	if broker.Username == "" {
		broker.Username = service.Username
	}
	if broker.Password == "" {
		broker.Password = service.Password
	}
	if broker.Host == "" || broker.Port == 0 {
		return Broker{}, errors.New("supervisor did not return a usable mqtt broker")
	}
	return broker, nil
}
