package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/agrilink/pkg/dedup"
)

type fakeMessage struct {
	topic   string
	payload []byte
	qos     byte
	id      uint16
	dup     bool
}

func (m fakeMessage) Duplicate() bool   { return m.dup }
func (m fakeMessage) Qos() byte         { return m.qos }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return m.id }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

var _ mqtt.Message = fakeMessage{}

func TestNewSessionGeneratesClientID(t *testing.T) {
	a := NewSession(Config{Host: "localhost", Port: 1883}, nil)
	b := NewSession(Config{Host: "localhost", Port: 1883}, nil)
	if a.cfg.ClientID == "" || a.cfg.ClientID == b.cfg.ClientID {
		t.Errorf("client ids %q, %q should be unique and non-empty", a.cfg.ClientID, b.cfg.ClientID)
	}
	if a.cfg.RetryDelay != DefaultRetryDelay {
		t.Errorf("RetryDelay = %v, want default", a.cfg.RetryDelay)
	}
	if a.IsConnected() {
		t.Error("new session reports connected")
	}
}

func TestPublishWhileDisconnected(t *testing.T) {
	p := NewPublisher(NewSession(Config{}, nil), "agrilink/telemetry", 0, false)
	if err := p.PublishMessage("x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishMessage() err = %v, want ErrNotConnected", err)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{name: "string", in: "TRUE", want: "TRUE"},
		{name: "bytes", in: []byte("FALSE"), want: "FALSE"},
		{name: "struct", in: struct {
			Open bool `json:"open"`
		}{true}, want: `{"open":true}`},
	}
	for _, tt := range tests {
		got, err := encode(tt.in)
		if err != nil || string(got) != tt.want {
			t.Errorf("%s: encode() = %q, %v, want %q", tt.name, got, err, tt.want)
		}
	}
	if _, err := encode(make(chan int)); err == nil {
		t.Error("encode(chan) err = nil")
	}
}

func TestConsumerDropsRedelivery(t *testing.T) {
	var got []string
	c := NewMultiConsumer(NewSession(Config{}, nil), []string{"agrilink/cmd/valve"}, 1,
		func(topic string, msg mqtt.Message) error {
			got = append(got, string(msg.Payload()))
			return nil
		})
	c.SetDeduper(dedup.New(time.Minute, 100))

	msgs := []fakeMessage{
		{topic: "agrilink/cmd/valve", payload: []byte("TRUE"), qos: 1, id: 1},
		{topic: "agrilink/cmd/valve", payload: []byte("TRUE"), qos: 1, id: 1, dup: true}, // broker retransmission
		{topic: "agrilink/cmd/valve", payload: []byte("FALSE"), qos: 1, id: 2},           // different id
		{topic: "agrilink/cmd/valve", payload: []byte("TRUE"), qos: 1, id: 1},            // recycled id, new message
		{topic: "agrilink/cmd/valve", payload: []byte("TRUE"), qos: 0, id: 0},            // qos 0 is never deduplicated
		{topic: "agrilink/cmd/valve", payload: []byte("TRUE"), qos: 0, id: 0},
	}
	for _, m := range msgs {
		c.handle("agrilink/cmd/valve", m)
	}

	want := []string{"TRUE", "FALSE", "TRUE", "TRUE", "TRUE"}
	if len(got) != len(want) {
		t.Fatalf("handled %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestConsumeMessageStopsOnCancel(t *testing.T) {
	sess := NewSession(Config{}, nil)
	c := NewMultiConsumer(sess, []string{"a", "b"}, 1, func(string, mqtt.Message) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.ConsumeMessage(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("ConsumeMessage() err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ConsumeMessage did not return")
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.subs) != 0 {
		t.Errorf("subscriptions left after cancel: %v", sess.subs)
	}
}
