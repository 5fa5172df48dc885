package broker

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/agrilink/pkg/dedup"
)

// Handler processes one message. It runs on the MQTT client's goroutine and
// must not block.
type Handler func(topic string, message mqtt.Message) error

// IConsumer subscribes and dispatches until its context ends.
type IConsumer interface {
	ConsumeMessage(ctx context.Context) error
	SetHandler(handler Handler)
}

// MultiConsumer delivers several topics to one handler. QoS 1 redeliveries
// flagged as duplicates are dropped when a Deduper is set.
type MultiConsumer struct {
	sess    *Session
	topics  []string
	qos     byte
	handler Handler
	deduper *dedup.Deduper
}

func NewMultiConsumer(sess *Session, topics []string, qos byte, handler Handler) *MultiConsumer {
	return &MultiConsumer{sess: sess, topics: topics, qos: qos, handler: handler}
}

func (m *MultiConsumer) SetHandler(handler Handler) {
	m.handler = handler
}

// SetDeduper enables redelivery filtering.
func (m *MultiConsumer) SetDeduper(d *dedup.Deduper) {
	m.deduper = d
}

// ConsumeMessage subscribes to every topic and blocks until ctx is done, then
// unsubscribes.
func (m *MultiConsumer) ConsumeMessage(ctx context.Context) error {
	for _, topic := range m.topics {
		topic := topic
		err := m.sess.Subscribe(topic, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
			m.handle(topic, msg)
		})
		if err != nil {
			return err
		}
		m.sess.l.Debug("subscribed", "topic", topic, "qos", m.qos)
	}

	<-ctx.Done()
	m.sess.Unsubscribe(m.topics...)
	return ctx.Err()
}

func (m *MultiConsumer) handle(topic string, msg mqtt.Message) {
	if m.handler == nil {
		m.sess.l.Warn("no handler set", "topic", topic)
		return
	}
	if m.isRedelivery(msg) {
		m.sess.l.Debug("duplicate dropped", "topic", msg.Topic(), "id", msg.MessageID())
		return
	}
	if err := m.handler(topic, msg); err != nil {
		m.sess.l.Warn("error handling message", "topic", topic, "error", err)
	}
}

// isRedelivery reports a message whose packet id was already processed and
// that the broker marked as a retransmission. Packet ids are recycled, so an
// id seen before without the DUP flag is a new message.
func (m *MultiConsumer) isRedelivery(msg mqtt.Message) bool {
	if m.deduper == nil || msg.Qos() == 0 {
		return false
	}
	fresh := m.deduper.ShouldProcess(fmt.Sprintf("%s#%d", msg.Topic(), msg.MessageID()))
	return !fresh && msg.Duplicate()
}
