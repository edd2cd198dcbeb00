// Package mqttbridge forwards serial session events to an MQTT broker and
// MQTT send commands to the session.
package mqttbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	gxserialline "github.com/Gurux/gxserialline-go"
)

// APIVersion is written to every message.
const APIVersion = "v1"

// Client is the part of mqtt.Client used by the bridge.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Session is the part of gxserialline.GXSession used by the bridge.
type Session interface {
	Subscribe(ch gxserialline.Channel, fn gxserialline.Handler) gxserialline.Handle
	Unsubscribe(h gxserialline.Handle)
	Send(data string, asLine bool) error
}

// Options configures a connection to the broker.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// Connect creates an MQTT client and connects it to the broker.
func Connect(opts Options) (mqtt.Client, error) {
	if opts.ClientID == "" {
		opts.ClientID = "gxserialline-" + uuid.NewString()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 60 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	p := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(opts.KeepAlive).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(true)
	if opts.Username != "" {
		p.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		p.SetPassword(opts.Password)
	}
	c := mqtt.NewClient(p)
	tok := c.Connect()
	if !tok.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout after %s", opts.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return c, nil
}

// Message is the JSON envelope of a forwarded event.
type Message struct {
	APIVersion    string   `json:"apiVersion"`
	CorrelationID string   `json:"correlationID"`
	Event         string   `json:"event"`
	Port          string   `json:"port"`
	Timestamp     int64    `json:"timestamp"`
	Raw           string   `json:"raw,omitempty"`
	Fields        []string `json:"fields,omitempty"`
	Data          string   `json:"data,omitempty"`
}

// Response is published after a send command was handled.
type Response struct {
	APIVersion    string `json:"apiVersion"`
	CorrelationID string `json:"correlationID"`
	RequestTopic  string `json:"requestTopic"`
	Error         string `json:"error,omitempty"`
}

// Bridge connects one session to one MQTT client.
type Bridge struct {
	client  Client
	session Session
	prefix  string
	qos     byte
	timeout time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	handles  []gxserialline.Handle
	attached bool
}

// New returns a detached bridge. Topics are prefixed with prefix.
func New(client Client, session Session, prefix string, qos byte, log zerolog.Logger) *Bridge {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "gxserialline"
	}
	return &Bridge{
		client:  client,
		session: session,
		prefix:  prefix,
		qos:     qos,
		timeout: 5 * time.Second,
		log:     log,
	}
}

// Topic returns the topic of an event channel.
func (b *Bridge) Topic(ch gxserialline.Channel) string {
	return b.prefix + "/" + strings.ToLower(ch.String())
}

func (b *Bridge) sendTopic() string {
	return b.prefix + "/send"
}

func (b *Bridge) sendLineTopic() string {
	return b.prefix + "/sendline"
}

func (b *Bridge) responseTopic() string {
	return b.prefix + "/response"
}

// Attach subscribes the bridge to every session channel and to the send
// topics of the broker.
func (b *Bridge) Attach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attached {
		return nil
	}
	if err := b.subscribe(b.sendTopic(), false); err != nil {
		return err
	}
	if err := b.subscribe(b.sendLineTopic(), true); err != nil {
		b.wait(b.client.Unsubscribe(b.sendTopic()))
		return err
	}
	for _, ch := range gxserialline.Channels {
		b.handles = append(b.handles, b.session.Subscribe(ch, b.forward))
	}
	b.attached = true
	return nil
}

// Detach removes every subscription made by Attach.
func (b *Bridge) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return nil
	}
	for _, h := range b.handles {
		b.session.Unsubscribe(h)
	}
	b.handles = nil
	b.attached = false
	return b.wait(b.client.Unsubscribe(b.sendTopic(), b.sendLineTopic()))
}

func (b *Bridge) subscribe(topic string, asLine bool) error {
	return b.wait(b.client.Subscribe(topic, b.qos, func(_ mqtt.Client, m mqtt.Message) {
		b.command(m.Topic(), string(m.Payload()), asLine)
	}))
}

func (b *Bridge) command(topic, data string, asLine bool) {
	resp := Response{
		APIVersion:    APIVersion,
		CorrelationID: uuid.NewString(),
		RequestTopic:  topic,
	}
	if err := b.session.Send(data, asLine); err != nil {
		resp.Error = err.Error()
		b.log.Warn().Err(err).Str("topic", topic).Msg("send command failed")
	}
	if err := b.publish(b.responseTopic(), resp); err != nil {
		b.log.Error().Err(err).Str("topic", b.responseTopic()).Msg("publish response failed")
	}
}

func (b *Bridge) forward(e gxserialline.Event) {
	msg := Message{
		APIVersion:    APIVersion,
		CorrelationID: uuid.NewString(),
		Event:         e.Channel.String(),
		Port:          e.Port,
		Timestamp:     time.Now().UnixNano(),
		Data:          e.Data,
	}
	if e.Channel == gxserialline.DataParsed {
		msg.Raw = e.Frame.Raw
		msg.Fields = e.Frame.Fields
	}
	topic := b.Topic(e.Channel)
	if err := b.publish(topic, msg); err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("publish event failed")
	}
}

func (b *Bridge) publish(topic string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	return b.wait(b.client.Publish(topic, b.qos, false, body))
}

func (b *Bridge) wait(tok mqtt.Token) error {
	if !tok.WaitTimeout(b.timeout) {
		return errors.New("mqtt operation timed out")
	}
	return tok.Error()
}
