package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"bookaware/internal/components/telemetry"
	"bookaware/internal/loans"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} {
	return t.done
}

func (t *fakeToken) Error() error {
	return t.err
}

type published struct {
	Topic    string
	Retained bool
	Payload  string
}

type fakeClient struct {
	mu           sync.Mutex
	messages     []published
	disconnected bool
	// token, when set, builds the token returned for a topic
	token func(topic string) mqtt.Token
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{
		Topic:    topic,
		Retained: retained,
		Payload:  string(payload.([]byte)),
	})
	if c.token != nil {
		return c.token(topic)
	}
	return completedToken(nil)
}

func (c *fakeClient) IsConnectionOpen() bool {
	return !c.disconnected
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAnnounce(t *testing.T) {
	client := &fakeClient{}
	pub := NewPublisher(client, "homeassistant/sensor/library", time.Second, &telemetry.RecordingAPI{})

	require.NoError(t, pub.Announce(context.Background()))
	require.Len(t, client.messages, 4)

	for _, msg := range client.messages {
		require.True(t, msg.Retained, msg.Topic)
	}

	require.Equal(t, "homeassistant/sensor/library/books_due_total/config", client.messages[2].Topic)
	var total map[string]any
	require.NoError(t, json.Unmarshal([]byte(client.messages[2].Payload), &total))
	diff := cmp.Diff(map[string]any{
		"name":                  "Total Outstanding Books",
		"state_topic":           "homeassistant/sensor/library/books_due_total/state",
		"json_attributes_topic": "homeassistant/sensor/library/books_due_total/attributes",
		"unique_id":             "library_books_due_total",
		"availability_topic":    "homeassistant/sensor/library/availability",
		"device": map[string]any{
			"identifiers": []any{"library_books_tracker"},
			"name":        "Library Books",
		},
	}, total)
	if diff != "" {
		t.Fatal(diff)
	}

	require.Equal(t, "homeassistant/sensor/library/closest_due_date/config", client.messages[0].Topic)
	var closest map[string]any
	require.NoError(t, json.Unmarshal([]byte(client.messages[0].Payload), &closest))
	require.NotContains(t, closest, "json_attributes_topic")
	require.Equal(t, "Closest Due Date", closest["name"])
	require.Equal(t, "library_closest_due_date", closest["unique_id"])

	require.Equal(t, "Books Due in 5 Days", func() string {
		var soon map[string]any
		require.NoError(t, json.Unmarshal([]byte(client.messages[1].Payload), &soon))
		return soon["name"].(string)
	}())

	require.Equal(t, published{
		Topic:    "homeassistant/sensor/library/availability",
		Retained: true,
		Payload:  "online",
	}, client.messages[3])
}

func TestPublish(t *testing.T) {
	client := &fakeClient{}
	pub := NewPublisher(client, "", time.Second, &telemetry.RecordingAPI{})
	now := time.Date(2024, time.June, 10, 9, 0, 0, 0, time.UTC)

	records := []loans.Record{
		{DueDate: day(2030, time.January, 1), Library: "Mitte", Title: "Der Process Kafka, Franz", Hint: "Verlängerbar"},
		{DueDate: day(2024, time.June, 15), Library: "Pankow", Title: "Berlin Alexanderplatz", Hint: ""},
		{DueDate: day(2024, time.June, 1), Library: "AGB", Title: "Emil und die Detektive", Hint: "Überfällig"},
	}
	require.NoError(t, pub.Publish(context.Background(), records, now))
	pub.WaitAcks()

	require.Len(t, client.messages, 4)
	diff := cmp.Diff([]published{
		{Topic: "homeassistant/sensor/bookaware/closest_due_date/state", Payload: "2024-06-01"},
		{Topic: "homeassistant/sensor/bookaware/books_due_soon/state", Payload: "2"},
		{Topic: "homeassistant/sensor/bookaware/books_due_total/state", Payload: "3"},
	}, client.messages[:3])
	if diff != "" {
		t.Fatal(diff)
	}

	attributes := client.messages[3]
	require.Equal(t, "homeassistant/sensor/bookaware/books_due_total/attributes", attributes.Topic)
	require.False(t, attributes.Retained)
	require.JSONEq(t, `{"books": [
		{"due_date": "2030-01-01", "library": "Mitte", "title": "Der Process Kafka, Franz", "hint": "Verlängerbar", "days_left": 2031},
		{"due_date": "2024-06-15", "library": "Pankow", "title": "Berlin Alexanderplatz", "hint": "", "days_left": 5},
		{"due_date": "2024-06-01", "library": "AGB", "title": "Emil und die Detektive", "hint": "Überfällig", "days_left": -9}
	]}`, attributes.Payload)
}

func TestPublishEmpty(t *testing.T) {
	client := &fakeClient{}
	pub := NewPublisher(client, "", time.Second, &telemetry.RecordingAPI{})

	require.NoError(t, pub.Publish(context.Background(), nil, time.Now()))
	pub.WaitAcks()
	require.Equal(t, "", client.messages[0].Payload)
	require.Equal(t, "0", client.messages[1].Payload)
	require.Equal(t, "0", client.messages[2].Payload)
	require.JSONEq(t, `{"books": []}`, client.messages[3].Payload)
}

func TestPublishErrorsAreBounded(t *testing.T) {
	never := &fakeToken{done: make(chan struct{})}
	client := &fakeClient{
		token: func(topic string) mqtt.Token {
			switch topic {
			case "homeassistant/sensor/bookaware/books_due_soon/state":
				return never
			case "homeassistant/sensor/bookaware/books_due_total/state":
				return completedToken(errors.New("not connected"))
			}
			return completedToken(nil)
		},
	}
	tel := &telemetry.RecordingAPI{}
	pub := NewPublisher(client, "", 20*time.Millisecond, tel)

	start := time.Now()
	require.NoError(t, pub.Publish(context.Background(), nil, time.Now()))
	pub.WaitAcks()
	require.Less(t, time.Since(start), 2*time.Second)

	// every message was still attempted
	require.Len(t, client.messages, 4)
	warnings := tel.Reports("warning", report_publisher_publish)
	require.Len(t, warnings, 1)
	require.Empty(t, tel.Reports("debug", report_publisher_published))
}

func TestPublishDoesNotWaitForAcks(t *testing.T) {
	never := &fakeToken{done: make(chan struct{})}
	client := &fakeClient{
		token: func(string) mqtt.Token { return never },
	}
	tel := &telemetry.RecordingAPI{}
	pub := NewPublisher(client, "", time.Hour, tel)

	start := time.Now()
	require.NoError(t, pub.Publish(context.Background(), nil, time.Now()))
	require.Less(t, time.Since(start), time.Second)

	close(never.done)
	pub.WaitAcks()
	require.Len(t, tel.Reports("debug", report_publisher_published), 1)
}

func TestPublishDisconnected(t *testing.T) {
	client := &fakeClient{disconnected: true}
	pub := NewPublisher(client, "", time.Hour, &telemetry.RecordingAPI{})

	start := time.Now()
	err := pub.Publish(context.Background(), nil, time.Now())
	require.ErrorIs(t, err, ErrNotConnected)
	require.Less(t, time.Since(start), time.Second)

	pub.WaitAcks()
	require.Empty(t, client.messages)
}

func TestWithdraw(t *testing.T) {
	client := &fakeClient{}
	pub := NewPublisher(client, "prefix", time.Second, &telemetry.RecordingAPI{})
	require.NoError(t, pub.Withdraw(context.Background()))
	require.Equal(t, []published{{Topic: "prefix/availability", Retained: true, Payload: "offline"}}, client.messages)
}

func TestDialUnreachableBroker(t *testing.T) {
	conn := Dial(BrokerConfig{Host: "127.0.0.1", Port: 1}, "", &telemetry.RecordingAPI{})
	t.Cleanup(func() { conn.Close(context.Background()) })

	start := time.Now()
	err := conn.Publish(context.Background(), []loans.Record{{DueDate: day(2024, time.June, 12)}}, time.Now())
	require.ErrorIs(t, err, ErrNotConnected)
	require.Less(t, time.Since(start), time.Second)
}
