package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"sump-backend/internal/models"
)

// State is the channel connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// ErrNoReading means the acquisition protocol completed but no shadow
// message was delivered within the settle windows. The caller keeps its
// last-known-good reading.
var ErrNoReading = errors.New("no reading delivered to channel")

// TokenSource supplies the broker credential and its refresh deadline.
// The deadline already includes the refresh buffer: a credential at or past
// its deadline must be refreshed before the next broker call.
type TokenSource interface {
	IDToken() (string, time.Time)
	Authenticate(ctx context.Context) error
}

// Fallback is the request/response path used when the persistent channel
// is not connected.
type Fallback interface {
	GetShadow(ctx context.Context, clientID int64) (models.LiveReading, error)
	UpdateShadow(ctx context.Context, clientID int64, command string) error
}

// Config holds shadow channel tuning.
type Config struct {
	BrokerURL   string
	TopicPrefix string // e.g. "$aws/things"

	// Settle delays between protocol steps, sized to let the device
	// sample and the broker deliver before the reading slot is read.
	TriggerSettle  time.Duration // after the take-reading command (~2s)
	ShadowSettle   time.Duration // after the state-get request (~1s)
	FallbackSettle time.Duration // total extra wait on the fallback path (~0.5s)

	ConnectTimeout time.Duration
}

// DefaultConfig returns the channel tuning used in production.
func DefaultConfig(brokerURL string) Config {
	return Config{
		BrokerURL:      brokerURL,
		TopicPrefix:    "$aws/things",
		TriggerSettle:  2 * time.Second,
		ShadowSettle:   1 * time.Second,
		FallbackSettle: 500 * time.Millisecond,
		ConnectTimeout: 10 * time.Second,
	}
}

// Channel acquires live readings for one device, preferring a persistent
// broker subscription over the request/response fallback. It owns the
// credential-expiry timestamp and a single-slot latest-reading buffer that
// the inbound message handler writes asynchronously (last write wins; only
// one acquisition is in flight per device at a time).
type Channel struct {
	cfg      cfgWithTopics
	deviceID string
	clientID int64
	tokens   TokenSource
	fallback Fallback

	mu         sync.Mutex
	state      State
	client     mqtt.Client
	credExpiry time.Time
	failures   int

	lastReading atomic.Pointer[models.LiveReading]
}

type cfgWithTopics struct {
	Config
	topicGetAccepted    string
	topicUpdateAccepted string
	topicUpdate         string
	topicGet            string
}

// NewChannel creates a channel for one device. No connection is made until
// the first Acquire.
func NewChannel(cfg Config, device models.Device, tokens TokenSource, fallback Fallback) *Channel {
	base := fmt.Sprintf("%s/%d/shadow", cfg.TopicPrefix, device.ClientID)
	return &Channel{
		cfg: cfgWithTopics{
			Config:              cfg,
			topicGetAccepted:    base + "/get/accepted",
			topicUpdateAccepted: base + "/update/accepted",
			topicUpdate:         base + "/update",
			topicGet:            base + "/get",
		},
		deviceID: device.DUID,
		clientID: device.ClientID,
		tokens:   tokens,
		fallback: fallback,
		state:    Disconnected,
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the persistent path is up.
func (c *Channel) Connected() bool {
	return c.State() == Connected
}

// LastReading returns the most recent reading delivered to the channel
// buffer, or false if none has arrived yet.
func (c *Channel) LastReading() (models.LiveReading, bool) {
	if r := c.lastReading.Load(); r != nil {
		return *r, true
	}
	return models.LiveReading{}, false
}

// Acquire produces one fresh LiveReading. Persistent path: publish the
// take-reading command, settle, request current state, settle, publish the
// stop command to limit battery drain, then read the buffer. If the channel
// is not connected (or a broker call fails) the request/response fallback
// is used for this tick instead.
func (c *Channel) Acquire(ctx context.Context) (models.LiveReading, error) {
	if err := c.ensureConnected(ctx); err != nil {
		log.Printf("ShadowChannel: Device %s using fallback path: %v", c.deviceID, err)
		return c.acquireFallback(ctx)
	}

	if err := c.runProtocol(ctx); err != nil {
		// Broker rejection: evict the cached connection so the next tick
		// attempts a fresh connect, and serve this tick over the fallback.
		c.evict()
		log.Printf("ShadowChannel: Device %s broker call failed, evicting channel: %v", c.deviceID, err)
		return c.acquireFallback(ctx)
	}

	if reading, ok := c.LastReading(); ok {
		return reading, nil
	}
	return models.LiveReading{}, ErrNoReading
}

func (c *Channel) runProtocol(ctx context.Context) error {
	if err := c.publishCommand(CommandSensorsOn); err != nil {
		return err
	}
	if err := sleepCtx(ctx, c.cfg.TriggerSettle); err != nil {
		return err
	}
	if err := c.publishShadowGet(); err != nil {
		return err
	}
	if err := sleepCtx(ctx, c.cfg.ShadowSettle); err != nil {
		return err
	}
	return c.publishCommand(CommandUpdatesOff)
}

// Shadow commands understood by the device.
const (
	CommandSensorsOn  = "sens_on"
	CommandUpdatesOff = "updates_off"
)

func (c *Channel) acquireFallback(ctx context.Context) (models.LiveReading, error) {
	if err := c.fallback.UpdateShadow(ctx, c.clientID, CommandSensorsOn); err != nil {
		return models.LiveReading{}, fmt.Errorf("fallback trigger failed: %w", err)
	}
	if err := sleepCtx(ctx, c.cfg.FallbackSettle); err != nil {
		return models.LiveReading{}, err
	}
	reading, err := c.fallback.GetShadow(ctx, c.clientID)
	if err != nil {
		return models.LiveReading{}, fmt.Errorf("fallback shadow get failed: %w", err)
	}
	// Stop command folded into the same sequence; failure here only costs
	// device battery, not the reading.
	if err := c.fallback.UpdateShadow(ctx, c.clientID, CommandUpdatesOff); err != nil {
		log.Printf("ShadowChannel: Device %s fallback stop command failed: %v", c.deviceID, err)
	}
	c.lastReading.Store(&reading)
	return reading, nil
}

// ensureConnected drives the state machine toward Connected. It returns an
// error when the persistent path is unavailable for this tick.
func (c *Channel) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	expiry := c.credExpiry
	c.mu.Unlock()

	switch state {
	case Connected:
		if time.Now().Before(expiry) {
			return nil
		}
		return c.reconnect(ctx)
	default:
		return c.connect(ctx)
	}
}

func (c *Channel) connect(ctx context.Context) error {
	c.setState(Connecting)

	token, expiry := c.tokens.IDToken()
	if token == "" {
		c.setState(Disconnected)
		return errors.New("no broker credential available")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID("pump-monitor-" + uuid.NewString())
	opts.SetCredentialsProvider(func() (string, string) {
		t, _ := c.tokens.IDToken()
		return "token", t
	})
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("ShadowChannel: Device %s connection lost: %v", c.deviceID, err)
		c.setState(Disconnected)
	})

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); !tok.WaitTimeout(c.cfg.ConnectTimeout) || tok.Error() != nil {
		c.setState(Disconnected)
		c.countFailure()
		return fmt.Errorf("failed to connect to broker: %w", tokenErr(tok))
	}

	for _, topic := range []string{c.cfg.topicGetAccepted, c.cfg.topicUpdateAccepted} {
		if tok := client.Subscribe(topic, 1, c.onShadowMessage); !tok.WaitTimeout(c.cfg.ConnectTimeout) || tok.Error() != nil {
			client.Disconnect(250)
			c.setState(Disconnected)
			c.countFailure()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, tokenErr(tok))
		}
	}

	c.mu.Lock()
	c.client = client
	c.credExpiry = expiry
	c.state = Connected
	c.failures = 0
	c.mu.Unlock()

	log.Printf("ShadowChannel: Device %s connected to broker", c.deviceID)
	return nil
}

// reconnect refreshes credentials and rebuilds the connection. On failure
// the cached connection is evicted so the next tick starts fresh.
func (c *Channel) reconnect(ctx context.Context) error {
	c.setState(Reconnecting)
	log.Printf("ShadowChannel: Device %s credentials expiring, reconnecting", c.deviceID)

	if err := c.tokens.Authenticate(ctx); err != nil {
		c.evict()
		return fmt.Errorf("failed to refresh credentials: %w", err)
	}

	c.disconnectClient()
	if err := c.connect(ctx); err != nil {
		c.evict()
		return err
	}
	return nil
}

func (c *Channel) publishCommand(command string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"state": map[string]interface{}{
			"desired": map[string]interface{}{
				"crockCommand": command,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal shadow command: %w", err)
	}
	return c.publish(c.cfg.topicUpdate, payload)
}

func (c *Channel) publishShadowGet() error {
	// An empty message on the get topic asks for the current state.
	return c.publish(c.cfg.topicGet, []byte{})
}

func (c *Channel) publish(topic string, payload []byte) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return errors.New("channel not connected")
	}
	tok := client.Publish(topic, 1, false, payload)
	if !tok.WaitTimeout(c.cfg.ConnectTimeout) || tok.Error() != nil {
		c.countFailure()
		return fmt.Errorf("publish to %s failed: %w", topic, tokenErr(tok))
	}
	return nil
}

// onShadowMessage runs on the transport layer's goroutine and writes the
// single-slot reading buffer. The settle delays in the acquisition protocol
// are sized so this write lands before the slot is read.
func (c *Channel) onShadowMessage(_ mqtt.Client, msg mqtt.Message) {
	var doc struct {
		State struct {
			Reported json.RawMessage `json:"reported"`
		} `json:"state"`
	}
	if err := json.Unmarshal(msg.Payload(), &doc); err != nil || doc.State.Reported == nil {
		log.Printf("ShadowChannel: Device %s ignoring malformed shadow message on %s", c.deviceID, msg.Topic())
		return
	}
	reading, err := models.ParseReported(doc.State.Reported, time.Now())
	if err != nil {
		log.Printf("ShadowChannel: Device %s failed to parse reported state: %v", c.deviceID, err)
		return
	}
	c.lastReading.Store(&reading)
}

// Close tears the channel down. Broker subscriptions must be released
// explicitly on fleet shutdown or device removal; leaking them causes
// duplicate delivery on restart.
func (c *Channel) Close() {
	c.disconnectClient()
	c.setState(Disconnected)
	log.Printf("ShadowChannel: Device %s channel closed", c.deviceID)
}

func (c *Channel) disconnectClient() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}

func (c *Channel) evict() {
	c.disconnectClient()
	c.setState(Disconnected)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) countFailure() {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
}

// Failures returns the number of broker failures since the last successful
// connect.
func (c *Channel) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func tokenErr(tok mqtt.Token) error {
	if err := tok.Error(); err != nil {
		return err
	}
	return errors.New("timed out")
}
