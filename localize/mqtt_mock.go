package localize

import (
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/mock"
)

// MockToken is an already-completed mqtt.Token.
type MockToken struct {
	err error
}

var doneChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// NewMockToken returns a completed token carrying err.
func NewMockToken(err error) *MockToken { return &MockToken{err: err} }

func (t *MockToken) Wait() bool                     { return true }
func (t *MockToken) WaitTimeout(time.Duration) bool { return true }
func (t *MockToken) Done() <-chan struct{}          { return doneChan }
func (t *MockToken) Error() error                   { return t.err }

// MockMessage is one message captured by MockClient.Publish.
type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

type mockSubscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

// MockClient is an in-memory mqtt.Client. Publishes are recorded and
// SimulateMessage delivers to subscribed handlers. When expectations are
// registered with On, Subscribe and Publish also go through testify.
type MockClient struct {
	mock.Mock

	mu        sync.RWMutex
	connected bool
	onConnect mqtt.OnConnectHandler
	subs      map[string]mockSubscription
	published []MockMessage

	// Injected failures.
	connectErr   error
	publishErr   error
	subscribeErr error
}

// NewMockClient returns a disconnected mock.
func NewMockClient() *MockClient {
	return &MockClient{subs: make(map[string]mockSubscription)}
}

func (c *MockClient) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// SetConnectError makes Connect fail with err. nil restores success.
func (c *MockClient) SetConnectError(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

func (c *MockClient) SetPublishError(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

func (c *MockClient) SetSubscribeError(err error) {
	c.mu.Lock()
	c.subscribeErr = err
	c.mu.Unlock()
}

// SetOnConnect registers the handler Connect runs on success, as paho's
// OnConnectHandler option does.
func (c *MockClient) SetOnConnect(h mqtt.OnConnectHandler) {
	c.mu.Lock()
	c.onConnect = h
	c.mu.Unlock()
}

// GetPublishedMessages returns a copy of everything published so far.
func (c *MockClient) GetPublishedMessages() []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]MockMessage(nil), c.published...)
}

// PublishedOn returns the messages published to topic, in order.
func (c *MockClient) PublishedOn(topic string) []MockMessage {
	var out []MockMessage
	for _, m := range c.GetPublishedMessages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// SubscribedTopics returns the subscribed topics, sorted.
func (c *MockClient) SubscribedTopics() []string {
	c.mu.RLock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	c.mu.RUnlock()
	sort.Strings(topics)
	return topics
}

// SimulateMessage delivers payload to the handler subscribed to topic, if any.
func (c *MockClient) SimulateMessage(topic string, payload []byte) {
	c.mu.RLock()
	sub, ok := c.subs[topic]
	c.mu.RUnlock()
	if !ok || sub.handler == nil {
		return
	}
	sub.handler(c, &mockMessage{topic: topic, payload: payload, qos: sub.qos})
}

// expected routes a call through testify when On was used and returns the
// stubbed token if it carries an error. Register expectations before the
// client is shared between goroutines.
func (c *MockClient) expected(method string, args ...interface{}) mqtt.Token {
	if len(c.ExpectedCalls) == 0 {
		return nil
	}
	tok, ok := c.MethodCalled(method, args...).Get(0).(mqtt.Token)
	if ok && tok.Error() != nil {
		return tok
	}
	return nil
}

func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MockClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	err := c.connectErr
	c.connected = err == nil
	handler := c.onConnect
	c.mu.Unlock()

	if err == nil && handler != nil {
		handler(c)
	}
	return NewMockToken(err)
}

func (c *MockClient) Disconnect(uint) { c.SetConnected(false) }

func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if tok := c.expected("Publish", topic, qos, retained, payload); tok != nil {
		return tok
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.connected:
		return NewMockToken(mqtt.ErrNotConnected)
	case c.publishErr != nil:
		return NewMockToken(c.publishErr)
	}
	c.published = append(c.published, MockMessage{
		Topic:   topic,
		Payload: payloadBytes(payload),
		QoS:     qos,
		Retain:  retained,
	})
	return NewMockToken(nil)
}

// payloadBytes converts a payload the way paho accepts it.
func payloadBytes(payload interface{}) []byte {
	switch v := payload.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	case fmt.Stringer:
		return []byte(v.String())
	default:
		return nil
	}
}

func (c *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	if tok := c.expected("Subscribe", topic, qos, callback); tok != nil {
		return tok
	}
	return c.SubscribeMultiple(map[string]byte{topic: qos}, callback)
}

func (c *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.connected:
		return NewMockToken(mqtt.ErrNotConnected)
	case c.subscribeErr != nil:
		return NewMockToken(c.subscribeErr)
	}
	for topic, qos := range filters {
		c.subs[topic] = mockSubscription{qos: qos, handler: callback}
	}
	return NewMockToken(nil)
}

func (c *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()
	return NewMockToken(nil)
}

func (c *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	c.subs[topic] = mockSubscription{handler: callback}
	c.mu.Unlock()
}

func (c *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// mockMessage is a delivered mqtt.Message.
type mockMessage struct {
	topic   string
	payload []byte
	qos     byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return m.qos }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}
