// Package broker wraps an MQTT session: connection with fixed-delay retry,
// automatic reconnection with resubscription, topic consumers and
// publishers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

var ErrNotConnected = errors.New("mqtt: not connected")

const (
	DefaultRetryDelay = 5 * time.Second
	disconnectQuiesce = 250 // ms
)

type Config struct {
	Host       string        `env:"MQTT_HOST" envDefault:"localhost"`
	Port       int           `env:"MQTT_PORT" envDefault:"1883"`
	User       string        `env:"MQTT_USER"`
	Password   string        `env:"MQTT_PASSWORD"`
	ClientID   string        `env:"MQTT_CLIENT_ID"`
	RetryDelay time.Duration `env:"MQTT_RETRY_DELAY" envDefault:"5s"`
	// MaxRetries bounds the initial connection attempts; 0 retries until the
	// context ends.
	MaxRetries int `env:"MQTT_MAX_RETRIES" envDefault:"0"`
}

func (c Config) Addr() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

type subscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

// Session owns one MQTT client. Subscriptions made through it survive
// reconnects.
type Session struct {
	cfg    Config
	l      hclog.Logger
	client mqtt.Client

	connected atomic.Bool

	mu   sync.Mutex
	subs map[string]subscription
}

// NewSession prepares the client without connecting. A missing client id is
// generated.
func NewSession(cfg Config, logger hclog.Logger) *Session {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "agrilink-" + uuid.NewString()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	s := &Session{cfg: cfg, l: logger, subs: map[string]subscription{}}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Addr())
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.RetryDelay)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.connected.Store(false)
		s.l.Warn("connection lost", "broker", cfg.Addr(), "error", err)
	})
	s.client = mqtt.NewClient(opts)
	return s
}

// Start connects with a constant backoff and returns once connected. After
// that paho reconnects on its own. The client is disconnected when ctx ends.
func (s *Session) Start(ctx context.Context) error {
	var bo backoff.BackOff = backoff.NewConstantBackOff(s.cfg.RetryDelay)
	if s.cfg.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(s.cfg.MaxRetries))
	}

	err := backoff.Retry(func() error {
		token := s.client.Connect()
		if token.Wait() && token.Error() != nil {
			s.l.Warn("connect failed", "broker", s.cfg.Addr(), "error", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("could not establish mqtt connection: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return nil
}

func (s *Session) onConnect(c mqtt.Client) {
	s.connected.Store(true)
	s.l.Info("connected", "broker", s.cfg.Addr(), "client_id", s.cfg.ClientID)

	s.mu.Lock()
	subs := make(map[string]subscription, len(s.subs))
	for t, sub := range s.subs {
		subs[t] = sub
	}
	s.mu.Unlock()

	for topic, sub := range subs {
		if token := c.Subscribe(topic, sub.qos, sub.handler); token.Wait() && token.Error() != nil {
			s.l.Error("resubscribe failed", "topic", topic, "error", token.Error())
		}
	}
}

func (s *Session) IsConnected() bool {
	return s.connected.Load() && s.client.IsConnectionOpen()
}

// Subscribe records the subscription and, when connected, places it now.
// Otherwise it is placed on the next connect.
func (s *Session) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	s.mu.Lock()
	s.subs[topic] = subscription{qos: qos, handler: handler}
	s.mu.Unlock()

	if !s.IsConnected() {
		return nil
	}
	if token := s.client.Subscribe(topic, qos, handler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	return nil
}

func (s *Session) Unsubscribe(topics ...string) {
	s.mu.Lock()
	for _, t := range topics {
		delete(s.subs, t)
	}
	s.mu.Unlock()
	if s.IsConnected() {
		s.client.Unsubscribe(topics...)
	}
}

func (s *Session) Client() mqtt.Client {
	return s.client
}

func (s *Session) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(disconnectQuiesce)
		s.l.Info("connection closed")
	}
	s.connected.Store(false)
}
