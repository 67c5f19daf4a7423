// Package config reads the add-on options and resolves everything derived from them:
// the account password and the MQTT broker.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"bookaware/internal/components/telemetry"
)

const DefaultPath = "/data/options.json"

type Config struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	// PasswordKeyring is the keyring account holding the password, used when Password is empty.
	PasswordKeyring string `json:"password_keyring" yaml:"password_keyring"`

	IntervalHours float64 `json:"interval_hours" yaml:"interval_hours"`
	TopicPrefix   string  `json:"topic_prefix" yaml:"topic_prefix"`

	MqttHost     string `json:"mqtt_host" yaml:"mqtt_host"`
	MqttPort     int    `json:"mqtt_port" yaml:"mqtt_port"`
	MqttUsername string `json:"mqtt_username" yaml:"mqtt_username"`
	MqttPassword string `json:"mqtt_password" yaml:"mqtt_password"`

	PortalURL         string  `json:"portal_url" yaml:"portal_url"`
	StateFile         string  `json:"state_file" yaml:"state_file"`
	Timezone          string  `json:"timezone" yaml:"timezone"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	CloudflareBypass  bool    `json:"cloudflare_bypass" yaml:"cloudflare_bypass"`
	UserAgent         string  `json:"user_agent" yaml:"user_agent"`
	HttpDumpDir       string  `json:"http_dump_dir" yaml:"http_dump_dir"`

	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
}

func (c *Config) applyDefaults() {
	if c.IntervalHours == 0 {
		c.IntervalHours = 6
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "homeassistant/sensor/bookaware"
	}
	if c.PortalURL == "" {
		c.PortalURL = "https://voebb.de/"
	}
	if c.StateFile == "" {
		c.StateFile = "/data/bookaware.db"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Berlin"
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 2
	}
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalHours * float64(time.Hour))
}

// Validate returns every problem with the config at once.
func (c Config) Validate() error {
	var errs []error
	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if c.Password == "" && c.PasswordKeyring == "" {
		errs = append(errs, errors.New("either password or password_keyring is required"))
	}
	if c.IntervalHours <= 0 {
		errs = append(errs, fmt.Errorf("interval_hours must be positive, got %v", c.IntervalHours))
	}
	if c.MqttPort < 0 || c.MqttPort > 65535 {
		errs = append(errs, fmt.Errorf("mqtt_port %d is out of range", c.MqttPort))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests_per_second must not be negative, got %v", c.RequestsPerSecond))
	}
	portal, err := url.Parse(c.PortalURL)
	if err != nil || (portal.Scheme != "http" && portal.Scheme != "https") || portal.Host == "" {
		errs = append(errs, fmt.Errorf("portal_url %q is not an absolute http(s) url", c.PortalURL))
	}
	_, err = time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Load reads the config at `path` (merging the .local override), fills in defaults and
// validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg, err := ReadConfig[Config](path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg.applyDefaults()
	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
