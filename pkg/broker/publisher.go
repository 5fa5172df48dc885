package broker

import (
	"encoding/json"
	"fmt"
	"time"
)

const publishTimeout = 2 * time.Second

// IPublisher publishes to one topic.
type IPublisher interface {
	PublishMessage(message interface{}) error
	Topic() string
}

type Publisher struct {
	sess   *Session
	topic  string
	qos    byte
	retain bool
}

func NewPublisher(sess *Session, topic string, qos byte, retain bool) *Publisher {
	return &Publisher{sess: sess, topic: topic, qos: qos, retain: retain}
}

func (p *Publisher) Topic() string {
	return p.topic
}

// PublishMessage sends strings and byte slices as they are and anything else
// as JSON. It fails fast with ErrNotConnected instead of queueing.
func (p *Publisher) PublishMessage(message interface{}) error {
	payload, err := encode(message)
	if err != nil {
		return err
	}
	if !p.sess.IsConnected() {
		return ErrNotConnected
	}

	token := p.sess.client.Publish(p.topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: timeout after %s", p.topic, publishTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topic, token.Error())
	}
	p.sess.l.Trace("published", "topic", p.topic, "bytes", len(payload))
	return nil
}

func encode(message interface{}) ([]byte, error) {
	switch m := message.(type) {
	case string:
		return []byte(m), nil
	case []byte:
		return m, nil
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		return b, nil
	}
}
