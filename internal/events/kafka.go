// Package events publishes order lifecycle transitions to Kafka.
package events

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/quickcart/internal/domain/order"
)

// DefaultTopic receives order events when no topic is configured.
const DefaultTopic = "quickcart.order-events"

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the brokers and topic.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// ParseBrokers splits a comma separated broker list, dropping blanks.
func ParseBrokers(csv string) []string {
	var brokers []string
	for _, b := range strings.Split(csv, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

// NewWriter builds a kafka writer keyed by order id, so events of one order
// land on one partition in commit order.
func NewWriter(cfg Config) *kafka.Writer {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// Publisher implements order.Publisher over a kafka writer.
type Publisher struct {
	w  MessageWriter
	lg *zap.Logger
}

var _ order.Publisher = (*Publisher)(nil)

// NewPublisher wraps w. The publisher owns w and closes it on Close.
func NewPublisher(w MessageWriter, lg *zap.Logger) *Publisher {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Publisher{w: w, lg: lg}
}

// Publish writes ev as a JSON message keyed by order id.
func (p *Publisher) Publish(ctx context.Context, ev order.Event) error {
	msg := kafka.Message{
		Key:   []byte(ev.OrderID),
		Value: Encode(ev),
		Time:  ev.At.UTC(),
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish %s event for order %s", ev.Status, ev.OrderID)
	}
	p.lg.Debug("Order event published",
		zap.String("order_id", ev.OrderID),
		zap.String("status", string(ev.Status)),
	)
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.w.Close(); err != nil {
		return errors.Wrap(err, "close kafka writer")
	}
	return nil
}

// Encode renders an event as the JSON message body.
func Encode(ev order.Event) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("event_id")
	e.Str(ev.ID)
	e.FieldStart("order_id")
	e.Str(ev.OrderID)
	e.FieldStart("customer_name")
	e.Str(ev.CustomerName)
	e.FieldStart("status")
	e.Str(string(ev.Status))
	e.FieldStart("at")
	e.Str(ev.At.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}

// Decode parses a message body produced by Encode.
func Decode(data []byte) (order.Event, error) {
	var ev order.Event
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "event_id":
			v, err := d.Str()
			ev.ID = v
			return err
		case "order_id":
			v, err := d.Str()
			ev.OrderID = v
			return err
		case "customer_name":
			v, err := d.Str()
			ev.CustomerName = v
			return err
		case "status":
			v, err := d.Str()
			ev.Status = order.Status(v)
			return err
		case "at":
			v, err := d.Str()
			if err != nil {
				return err
			}
			at, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return errors.Wrap(err, "parse at")
			}
			ev.At = at
			return nil
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return order.Event{}, errors.Wrap(err, "decode order event")
	}
	return ev, nil
}
