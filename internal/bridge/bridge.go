// Package bridge implements the optional EVT Export Bridge: a watermill
// AMQP publisher that republishes every Exportable event PostEVT admits
// locally, so an out-of-process consumer can observe the same event stream
// without being wired into the in-process subscriber list.
//
// Grounded on the teacher's internal/adapter/pubsub/{dispatcher,publisher}.go
// (EventDispatcher wrapping a message.Publisher, JSON-encoding the payload,
// routing by a topic key) and internal/handler/amqp/module.go (building the
// publisher against a named exchange). This is never on the
// correctness-critical path: PostEVT's return value never depends on
// whether the bridge is enabled, connected, or even constructed.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/webitel/ioc-runtime/internal/ioc/evt"
)

// Bridge publishes Exportable events to an AMQP exchange via watermill.
// It satisfies evt.Exporter.
type Bridge struct {
	logger    *slog.Logger
	publisher message.Publisher
	exchange  string
}

// New dials amqpURI and builds a durable topic publisher against exchange.
// Construction failure is the caller's to decide whether to treat as fatal;
// a nil *Bridge is a valid evt.Exporter that silently drops everything,
// used when BridgeConfig.Enabled is false.
func New(logger *slog.Logger, amqpURI, exchange string) (*Bridge, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	cfg := amqp.NewDurablePubSubConfig(amqpURI, func(topic string) string {
		return exchange
	})
	cfg.Exchange.Type = "topic"
	cfg.Exchange.Durable = true

	pub, err := amqp.NewPublisher(cfg, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("bridge: amqp publisher: %w", err)
	}

	return &Bridge{logger: logger, publisher: pub, exchange: exchange}, nil
}

// TryExport implements evt.Exporter. Failures are logged, never returned —
// the EVT engine calls this fire-and-forget after a successful local
// enqueue and must not be slowed down or failed by a downstream broker
// outage.
func (b *Bridge) TryExport(evtDesc evt.EvtDesc) {
	if b == nil || b.publisher == nil {
		return
	}

	payload, err := json.Marshal(evtDesc.Payload)
	if err != nil {
		if b.logger != nil {
			b.logger.Warn("bridge: marshal failure", slog.Int64("evt_id", evtDesc.EvtID), slog.Any("err", err))
		}
		return
	}

	rk, ok := evtDesc.Payload.(evt.Exportable)
	if !ok || rk.GetRoutingKey() == "" {
		return
	}
	topic := rk.GetRoutingKey()

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("evt_id", fmt.Sprintf("%d", evtDesc.EvtID))
	msg.SetContext(context.Background())

	if err := b.publisher.Publish(topic, msg); err != nil {
		if b.logger != nil {
			b.logger.Warn("bridge: publish failed", slog.String("topic", topic), slog.Any("err", err))
		}
	}
}

// Close releases the underlying publisher's connection.
func (b *Bridge) Close() error {
	if b == nil || b.publisher == nil {
		return nil
	}
	return b.publisher.Close()
}
