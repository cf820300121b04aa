package broadcast

import (
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/paperdesk/engine/internal/sot"
)

// NATSPublisher best-effort republishes fills to an external NATS subject,
// grounded on autovant-trading-bot's publishMarketData (marshal-and-publish,
// log-and-continue on failure). A connection failure at startup disables
// publishing rather than blocking the engine — NATS is an optional
// external fan-out, never a dependency of core correctness.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	log     zerolog.Logger
}

// NewNATSPublisher connects to url and returns a publisher targeting
// subject. If url is empty or the connection fails, it returns (nil, err)
// so the caller can fall back to hub-only broadcast.
func NewNATSPublisher(url, subject string, log zerolog.Logger) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("broadcast: empty NATS URL")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, subject: subject, log: log}, nil
}

// PublishFill marshals and publishes a fill, logging (never panicking or
// blocking the coordinator) on failure.
func (p *NATSPublisher) PublishFill(order sot.Order, fill sot.Fill) {
	payload, err := json.Marshal(toMessage(order, fill))
	if err != nil {
		p.log.Warn().Err(err).Msg("broadcast: failed to marshal fill for NATS")
		return
	}
	if err := p.nc.Publish(p.subject, payload); err != nil {
		p.log.Warn().Err(err).Msg("broadcast: failed to publish fill to NATS")
	}
}

// Close drains and closes the underlying connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// MultiBroadcaster fans a fill out to every configured Broadcaster
// (hub + optional NATS), so the Coordinator only ever holds one
// Broadcaster reference.
type MultiBroadcaster struct {
	targets []interface{ PublishFill(sot.Order, sot.Fill) }
}

// NewMultiBroadcaster builds a MultiBroadcaster over non-nil targets.
func NewMultiBroadcaster(targets ...interface {
	PublishFill(sot.Order, sot.Fill)
}) *MultiBroadcaster {
	live := make([]interface{ PublishFill(sot.Order, sot.Fill) }, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			live = append(live, t)
		}
	}
	return &MultiBroadcaster{targets: live}
}

// PublishFill fans out to every target, non-blocking per-target.
func (m *MultiBroadcaster) PublishFill(order sot.Order, fill sot.Fill) {
	for _, t := range m.targets {
		t.PublishFill(order, fill)
	}
}
