package localize

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MapHandler is called with every decoded map message.
type MapHandler func(cloud PointCloud)

// ScanHandler is called with every decoded scan message.
type ScanHandler func(scan Scan)

// SeedHandler is called with every decoded seed message.
type SeedHandler func(fix SeedFix)

// InputHandlers receives decoded messages from the input topics.
// Nil handlers skip the corresponding subscription.
type InputHandlers struct {
	OnMap  MapHandler
	OnScan ScanHandler
	OnSeed SeedHandler
}

// MQTTClient manages the broker connection and input subscriptions
type MQTTClient struct {
	client   mqtt.Client
	config   *Config
	handlers InputHandlers

	retryBase time.Duration
	retryMax  time.Duration
	stop      chan struct{}
	stopOnce  sync.Once

	mu        sync.RWMutex
	connected bool
}

// brokerSettings are the connection parameters after environment overrides.
type brokerSettings struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// resolveBrokerSettings merges config with the MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME and MQTT_PASSWORD environment variables. The environment wins.
func resolveBrokerSettings(config *Config) brokerSettings {
	var s brokerSettings
	if config != nil {
		s = brokerSettings{
			Broker:   config.MQTT.Broker,
			ClientID: config.MQTT.ClientID,
			Username: config.MQTT.Username,
			Password: config.MQTT.Password,
		}
	}
	for env, field := range map[string]*string{
		"MQTT_BROKER":    &s.Broker,
		"MQTT_CLIENT_ID": &s.ClientID,
		"MQTT_USERNAME":  &s.Username,
		"MQTT_PASSWORD":  &s.Password,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
	if s.ClientID == "" {
		s.ClientID = "scanloc"
	}
	return s
}

// InitMQTT creates the client and starts connecting in the background.
// Without a broker in the environment or the config, MQTT is disabled and
// both results are nil.
func InitMQTT(config *Config, handlers InputHandlers) (*MQTTClient, error) {
	settings := resolveBrokerSettings(config)
	if settings.Broker == "" {
		log.Println("[MQTT] Disabled: no broker configured")
		return nil, nil
	}
	if config == nil {
		return nil, fmt.Errorf("MQTT enabled but no configuration provided")
	}
	if config.Topics.Scan == "" || config.Topics.Seed == "" {
		return nil, fmt.Errorf("MQTT enabled but scan or seed topic is empty")
	}

	c := newMQTTClient(nil, config, handlers)
	c.client = mqtt.NewClient(c.clientOptions(settings))
	go c.connectLoop()
	return c, nil
}

func newMQTTClient(client mqtt.Client, config *Config, handlers InputHandlers) *MQTTClient {
	return &MQTTClient{
		client:    client,
		config:    config,
		handlers:  handlers,
		retryBase: time.Second,
		retryMax:  time.Minute,
		stop:      make(chan struct{}),
	}
}

func (c *MQTTClient) clientOptions(s brokerSettings) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.Broker).
		SetClientID(s.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetKeepAlive(time.Minute).
		SetPingTimeout(10 * time.Second).
		// Keep the broker-side session so subscriptions survive reconnects.
		SetCleanSession(false).
		// Scans must reach the queue in arrival order.
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			log.Println("[MQTT] Reconnecting...")
		})
	if s.Username != "" {
		opts.SetUsername(s.Username).SetPassword(s.Password)
	}
	return opts
}

// connectLoop keeps trying the initial connection, doubling the wait after
// each failure up to retryMax, until it succeeds or Disconnect is called.
func (c *MQTTClient) connectLoop() {
	wait := c.retryBase
	for attempt := 1; ; attempt++ {
		log.Printf("[MQTT] Connecting to broker (attempt %d)...", attempt)
		tok := c.client.Connect()
		switch {
		case !tok.WaitTimeout(10 * time.Second):
			log.Println("[MQTT] Connection attempt timed out")
		case tok.Error() != nil:
			log.Printf("[MQTT] Connection failed: %v", tok.Error())
		default:
			c.setConnected(true)
			return
		}

		log.Printf("[MQTT] Next connection attempt in %v", wait)
		t := time.NewTimer(wait)
		select {
		case <-c.stop:
			t.Stop()
			return
		case <-t.C:
		}
		if wait *= 2; wait > c.retryMax {
			wait = c.retryMax
		}
	}
}

// onConnect subscribes to the input topics every time the connection comes up
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("[MQTT] Connected, subscribing to input topics...")
	c.setConnected(true)

	subs := []struct {
		topic   string
		qos     byte
		handler mqtt.MessageHandler
	}{
		{c.config.Topics.Map, 1, c.createMapHandler()},
		{c.config.Topics.Scan, 0, c.createScanHandler()},
		{c.config.Topics.Seed, 0, c.createSeedHandler()},
	}
	for _, s := range subs {
		if s.topic == "" || s.handler == nil {
			continue
		}
		token := client.Subscribe(s.topic, s.qos, s.handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] Error subscribing to %s: %v", s.topic, token.Error())
		} else {
			log.Printf("[MQTT] Subscribed to %s", s.topic)
		}
	}
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	log.Printf("[MQTT] Connection lost: %v", err)
	c.setConnected(false)
}

func (c *MQTTClient) createMapHandler() mqtt.MessageHandler {
	if c.handlers.OnMap == nil {
		return nil
	}
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("[MQTT] Received map (topic: %s, size: %d bytes)", msg.Topic(), len(payload))

		scan, err := DecodeCloudPayload(payload)
		if err != nil {
			log.Printf("[MQTT] Error decoding map: %v", err)
			return
		}
		c.handlers.OnMap(scan.Cloud)
	}
}

func (c *MQTTClient) createScanHandler() mqtt.MessageHandler {
	if c.handlers.OnScan == nil {
		return nil
	}
	return func(client mqtt.Client, msg mqtt.Message) {
		scan, err := DecodeCloudPayload(msg.Payload())
		if err != nil {
			log.Printf("[MQTT] Error decoding scan on %s: %v", msg.Topic(), err)
			return
		}
		if scan.Stamp.IsZero() {
			scan.Stamp = time.Now()
		}
		if scan.FrameID == "" {
			scan.FrameID = c.config.Frames.Sensor
		}
		c.handlers.OnScan(scan)
	}
}

func (c *MQTTClient) createSeedHandler() mqtt.MessageHandler {
	if c.handlers.OnSeed == nil {
		return nil
	}
	return func(client mqtt.Client, msg mqtt.Message) {
		fix, err := DecodeSeedPayload(msg.Payload())
		if err != nil {
			log.Printf("[MQTT] Error decoding seed on %s: %v", msg.Topic(), err)
			return
		}
		if fix.Stamp.IsZero() {
			fix.Stamp = time.Now()
		}
		c.handlers.OnSeed(fix)
	}
}

// IsConnected reports whether the broker connection is up.
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MQTTClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Disconnect stops any pending connection attempts and closes the connection.
func (c *MQTTClient) Disconnect() {
	c.stopOnce.Do(func() {
		if c.stop != nil {
			close(c.stop)
		}
	})
	if c.client == nil || !c.client.IsConnected() {
		return
	}
	log.Println("[MQTT] Disconnecting")
	c.client.Disconnect(250)
	c.setConnected(false)
}

// GetClient returns the paho client, for publishing.
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps an existing client without connecting it.
func newMQTTClientWithMock(client mqtt.Client, config *Config, handlers InputHandlers) *MQTTClient {
	return newMQTTClient(client, config, handlers)
}
