package mqttbridge

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	gxserialline "github.com/Gurux/gxserialline-go"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 0 }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 1 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}

type mockClient struct {
	mock.Mock
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
}

func (c *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	args := c.Called(topic, qos, retained, payload)
	return args.Get(0).(mqtt.Token)
}

func (c *mockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	if c.handlers == nil {
		c.handlers = map[string]mqtt.MessageHandler{}
	}
	c.handlers[topic] = callback
	c.mu.Unlock()
	args := c.Called(topic, qos)
	return args.Get(0).(mqtt.Token)
}

func (c *mockClient) Unsubscribe(topics ...string) mqtt.Token {
	args := c.Called(topics)
	return args.Get(0).(mqtt.Token)
}

func (c *mockClient) deliver(topic, payload string) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	h(nil, &message{topic: topic, payload: []byte(payload)})
}

type mockSession struct {
	mock.Mock
	hub *gxserialline.GXEventHub
}

func (s *mockSession) Subscribe(ch gxserialline.Channel, fn gxserialline.Handler) gxserialline.Handle {
	return s.hub.Subscribe(ch, fn)
}

func (s *mockSession) Unsubscribe(h gxserialline.Handle) {
	s.hub.Unsubscribe(h)
}

func (s *mockSession) Send(data string, asLine bool) error {
	return s.Called(data, asLine).Error(0)
}

func attached(t *testing.T) (*Bridge, *mockClient, *mockSession) {
	c := &mockClient{}
	c.On("Subscribe", "lab/serial/send", byte(1)).Return(&doneToken{}).Once()
	c.On("Subscribe", "lab/serial/sendline", byte(1)).Return(&doneToken{}).Once()
	s := &mockSession{hub: gxserialline.NewGXEventHub()}
	b := New(c, s, "lab/serial/", 1, zerolog.Nop())
	require.NoError(t, b.Attach())
	return b, c, s
}

func TestAttachSubscribesEverything(t *testing.T) {
	b, c, s := attached(t)
	c.AssertExpectations(t)
	for _, ch := range gxserialline.Channels {
		assert.Equal(t, 1, s.hub.Count(ch), ch.String())
	}
	// A second attach does nothing.
	require.NoError(t, b.Attach())
	c.AssertNumberOfCalls(t, "Subscribe", 2)
}

func TestForwardDataParsed(t *testing.T) {
	_, c, s := attached(t)
	var body []byte
	c.On("Publish", "lab/serial/dataparsed", byte(1), false, mock.Anything).
		Run(func(args mock.Arguments) { body = args.Get(3).([]byte) }).
		Return(&doneToken{}).Once()

	f, err := gxserialline.ParseLine("12,34,56", ',')
	require.NoError(t, err)
	s.hub.Publish(gxserialline.Event{Channel: gxserialline.DataParsed, Port: "COM3", Frame: f})
	c.AssertExpectations(t)

	var msg Message
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, APIVersion, msg.APIVersion)
	assert.Equal(t, "DataParsed", msg.Event)
	assert.Equal(t, "COM3", msg.Port)
	assert.Equal(t, "12,34,56", msg.Raw)
	assert.Equal(t, []string{"12", "34", "56"}, msg.Fields)
	_, err = uuid.Parse(msg.CorrelationID)
	assert.NoError(t, err)
}

func TestForwardLineSent(t *testing.T) {
	b, c, s := attached(t)
	assert.Equal(t, "lab/serial/linesent", b.Topic(gxserialline.LineSent))
	var body []byte
	c.On("Publish", "lab/serial/linesent", byte(1), false, mock.Anything).
		Run(func(args mock.Arguments) { body = args.Get(3).([]byte) }).
		Return(&doneToken{}).Once()

	s.hub.Publish(gxserialline.Event{Channel: gxserialline.LineSent, Port: "COM3", Data: "PING"})
	c.AssertExpectations(t)

	var msg Message
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "LineSent", msg.Event)
	assert.Equal(t, "PING", msg.Data)
	assert.Empty(t, msg.Fields)
}

func TestSendCommand(t *testing.T) {
	_, c, s := attached(t)
	s.On("Send", "PING", true).Return(nil).Once()
	s.On("Send", "RAW", false).Return(gxserialline.ErrNotConnected).Once()
	var responses []Response
	c.On("Publish", "lab/serial/response", byte(1), false, mock.Anything).
		Run(func(args mock.Arguments) {
			var r Response
			require.NoError(t, json.Unmarshal(args.Get(3).([]byte), &r))
			responses = append(responses, r)
		}).
		Return(&doneToken{}).Twice()

	c.deliver("lab/serial/sendline", "PING")
	c.deliver("lab/serial/send", "RAW")
	s.AssertExpectations(t)
	c.AssertExpectations(t)

	require.Len(t, responses, 2)
	assert.Equal(t, "lab/serial/sendline", responses[0].RequestTopic)
	assert.Empty(t, responses[0].Error)
	assert.Equal(t, "lab/serial/send", responses[1].RequestTopic)
	assert.Equal(t, gxserialline.ErrNotConnected.Error(), responses[1].Error)
}

func TestDetach(t *testing.T) {
	b, c, s := attached(t)
	c.On("Unsubscribe", []string{"lab/serial/send", "lab/serial/sendline"}).Return(&doneToken{}).Once()

	require.NoError(t, b.Detach())
	for _, ch := range gxserialline.Channels {
		assert.Zero(t, s.hub.Count(ch), ch.String())
	}
	require.NoError(t, b.Detach())
	c.AssertExpectations(t)
}

func TestAttachFailure(t *testing.T) {
	c := &mockClient{}
	boom := errors.New("not authorized")
	c.On("Subscribe", "gxserialline/send", byte(0)).Return(&doneToken{err: boom}).Once()
	s := &mockSession{hub: gxserialline.NewGXEventHub()}
	b := New(c, s, "", 0, zerolog.Nop())

	require.ErrorIs(t, b.Attach(), boom)
	assert.Zero(t, s.hub.Count(gxserialline.DataParsed))
}

func TestBridgeWithSession(t *testing.T) {
	c := &mockClient{}
	c.On("Subscribe", mock.Anything, byte(0)).Return(&doneToken{})
	c.On("Publish", mock.Anything, byte(0), false, mock.Anything).Return(&doneToken{})
	s := gxserialline.NewGXSession()
	b := New(c, s, "dev", 0, zerolog.Nop())
	require.NoError(t, b.Attach())

	// Commands reach the session; it is closed, so the response carries the error.
	c.deliver("dev/send", "x")
	c.AssertCalled(t, "Publish", "dev/response", byte(0), false, mock.Anything)
}
