// Package publish exposes scrape results to Home Assistant over MQTT, using MQTT discovery so
// the sensors show up without any manual configuration.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"bookaware/internal/assert"
	"bookaware/internal/components/telemetry"
	"bookaware/internal/loans"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const DefaultTopicPrefix = "homeassistant/sensor/bookaware"

const (
	SensorClosestDueDate = "closest_due_date"
	SensorBooksDueSoon   = "books_due_soon"
	SensorBooksDueTotal  = "books_due_total"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

const (
	report_publisher_publish   = "publisher.publish"
	report_publisher_published = "publisher.published"
	report_publisher_announce  = "publisher.announce"
)

// ErrNotConnected is returned by Publish while the broker connection is down, the states
// of that scrape are dropped rather than queued.
var ErrNotConnected = errors.New("mqtt broker not connected")

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnectionOpen() bool
}

type sensor struct {
	id   string
	name string
}

var sensors = []sensor{
	{SensorClosestDueDate, "Closest Due Date"},
	{SensorBooksDueSoon, "Books Due in 5 Days"},
	{SensorBooksDueTotal, "Total Outstanding Books"},
}

// Topics derives every topic from the prefix.
type Topics struct {
	Prefix string
}

func (t Topics) Config(sensorID string) string {
	return fmt.Sprintf("%s/%s/config", t.Prefix, sensorID)
}

func (t Topics) State(sensorID string) string {
	return fmt.Sprintf("%s/%s/state", t.Prefix, sensorID)
}

func (t Topics) Attributes() string {
	return fmt.Sprintf("%s/%s/attributes", t.Prefix, SensorBooksDueTotal)
}

func (t Topics) Availability() string {
	return fmt.Sprintf("%s/availability", t.Prefix)
}

type device struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
}

// discoveryConfig field names are what Home Assistant expects, they must not change.
type discoveryConfig struct {
	Name                string `json:"name"`
	StateTopic          string `json:"state_topic"`
	JsonAttributesTopic string `json:"json_attributes_topic,omitempty"`
	UniqueID            string `json:"unique_id"`
	AvailabilityTopic   string `json:"availability_topic"`
	Device              device `json:"device"`
}

type bookAttributes struct {
	DueDate  string `json:"due_date"`
	Library  string `json:"library"`
	Title    string `json:"title"`
	Hint     string `json:"hint"`
	DaysLeft int    `json:"days_left"`
}

type attributesPayload struct {
	Books []bookAttributes `json:"books"`
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// Publisher turns record lists into sensor states. Every acknowledgement is waited for at
// most `timeout`, reconnecting is left to the mqtt client.
type Publisher struct {
	client  Client
	topics  Topics
	timeout time.Duration
	tel     telemetry.API

	// acks tracks the goroutines checking state acknowledgements.
	acks sync.WaitGroup
}

func NewPublisher(client Client, prefix string, timeout time.Duration, tel telemetry.API) *Publisher {
	assert.NotNil(client, "client")
	assert.NotNil(tel, "tel")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{
		client:  client,
		topics:  Topics{Prefix: prefix},
		timeout: timeout,
		tel:     telemetry.NewScopedAPI("mqtt", tel),
	}
}

func (p *Publisher) Topics() Topics {
	return p.topics
}

func (p *Publisher) discoveryMessages() ([]message, error) {
	var out []message
	for _, s := range sensors {
		cfg := discoveryConfig{
			Name:              s.name,
			StateTopic:        p.topics.State(s.id),
			UniqueID:          "library_" + s.id,
			AvailabilityTopic: p.topics.Availability(),
			Device: device{
				Identifiers: []string{"library_books_tracker"},
				Name:        "Library Books",
			},
		}
		if s.id == SensorBooksDueTotal {
			cfg.JsonAttributesTopic = p.topics.Attributes()
		}

		payload, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, message{topic: p.topics.Config(s.id), retained: true, payload: payload})
	}
	return out, nil
}

func (p *Publisher) stateMessages(records []loans.Record, now time.Time) ([]message, error) {
	summary := loans.Summarize(records, now)

	closest := ""
	if summary.Closest != nil {
		closest = summary.Closest.ISODueDate()
	}

	books := make([]bookAttributes, 0, len(records))
	for _, r := range records {
		books = append(books, bookAttributes{
			DueDate:  r.ISODueDate(),
			Library:  r.Library,
			Title:    r.Title,
			Hint:     r.Hint,
			DaysLeft: r.DaysLeft(now),
		})
	}
	attributes, err := json.Marshal(attributesPayload{Books: books})
	if err != nil {
		return nil, err
	}

	return []message{
		{topic: p.topics.State(SensorClosestDueDate), payload: []byte(closest)},
		{topic: p.topics.State(SensorBooksDueSoon), payload: []byte(strconv.Itoa(summary.DueSoon))},
		{topic: p.topics.State(SensorBooksDueTotal), payload: []byte(strconv.Itoa(summary.Total))},
		{topic: p.topics.Attributes(), payload: attributes},
	}, nil
}

func (p *Publisher) await(ctx context.Context, msg message, token mqtt.Token) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("publish %s: %w", msg.topic, token.Error())
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", msg.topic, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("publish %s: no acknowledgement after %s", msg.topic, p.timeout)
	}
}

func (p *Publisher) send(ctx context.Context, msg message) error {
	token := p.client.Publish(msg.topic, 1, msg.retained, msg.payload)
	return p.await(ctx, msg, token)
}

// sendAll hands every message to the client before waiting on any acknowledgement, so all of
// them are attempted even when earlier ones fail.
func (p *Publisher) sendAll(ctx context.Context, msgs []message) error {
	tokens := make([]mqtt.Token, len(msgs))
	for i, msg := range msgs {
		tokens[i] = p.client.Publish(msg.topic, 1, msg.retained, msg.payload)
	}

	var errs []error
	for i, msg := range msgs {
		err := p.await(ctx, msg, tokens[i])
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publish emits the sensor states derived from `records` as of `now`. It never waits for the
// broker: while disconnected it returns ErrNotConnected right away, otherwise acknowledgements
// are checked in the background and failures are reported as warnings.
func (p *Publisher) Publish(ctx context.Context, records []loans.Record, now time.Time) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	msgs, err := p.stateMessages(records, now)
	if err != nil {
		return err
	}

	p.acks.Add(1)
	go func() {
		defer p.acks.Done()

		ackCtx := context.WithoutCancel(ctx)
		err := p.sendAll(ackCtx, msgs)
		if err != nil {
			p.tel.ReportWarning(report_publisher_publish, err)
			return
		}
		p.tel.ReportDebug(report_publisher_published, "loans", len(records))
	}()
	return nil
}

// WaitAcks blocks until the acknowledgements of every state published so far were checked.
func (p *Publisher) WaitAcks() {
	p.acks.Wait()
}

// Announce publishes the retained discovery configs and marks the sensors available. It is
// run on every (re)connect since the broker may have lost retained messages.
func (p *Publisher) Announce(ctx context.Context) error {
	msgs, err := p.discoveryMessages()
	if err != nil {
		return err
	}
	msgs = append(msgs, message{
		topic:    p.topics.Availability(),
		retained: true,
		payload:  []byte(availabilityOnline),
	})

	err = p.sendAll(ctx, msgs)
	if err != nil {
		p.tel.ReportWarning(report_publisher_announce, err)
		return err
	}
	return nil
}

// Withdraw marks the sensors unavailable, the broker does the same through the will message
// when the process dies without calling it.
func (p *Publisher) Withdraw(ctx context.Context) error {
	return p.send(ctx, message{
		topic:    p.topics.Availability(),
		retained: true,
		payload:  []byte(availabilityOffline),
	})
}
