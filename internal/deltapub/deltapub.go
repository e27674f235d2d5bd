// Package deltapub fans committed cluster deltas out to external consumers
// over NATS. Publishing is best-effort: a failed publish is counted and
// logged, never allowed to stall the delivery goroutine.
package deltapub

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/banshee-data/mapcluster/internal/cluster"
	"github.com/banshee-data/mapcluster/internal/metrics"
)

// Publisher is the sink for committed deltas.
type Publisher interface {
	PublishDelta(d cluster.Delta) error
	Close() error
}

// NopPublisher discards everything. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishDelta(cluster.Delta) error { return nil }
func (NopPublisher) Close() error                     { return nil }

// NATSPublisher publishes each committed delta as a JSON message on a single
// subject. The connection reconnects forever with a small backoff; deltas
// published while disconnected are buffered by the client library until the
// pending limit is hit, after which Publish returns an error.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	metrics *metrics.Metrics
}

// Config assembles a NATSPublisher. Metrics may be nil.
type Config struct {
	URL     string
	Subject string
	Name    string
	Metrics *metrics.Metrics
}

// NewNATSPublisher connects to the broker. Connection state changes are
// logged and mirrored into the connected gauge so dashboards can alert on a
// broker outage.
func NewNATSPublisher(cfg Config) (*NATSPublisher, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("publish subject is required")
	}

	p := &NATSPublisher{subject: cfg.Subject, metrics: cfg.Metrics}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[NATS] Disconnected: %v", err)
			p.setConnected(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[NATS] Reconnected to %s", nc.ConnectedUrl())
			p.setConnected(true)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[NATS] Connection closed")
			p.setConnected(false)
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	p.conn = conn
	p.setConnected(true)
	log.Printf("[NATS] Connected to %s, publishing deltas on %q", conn.ConnectedUrl(), cfg.Subject)
	return p, nil
}

// PublishDelta marshals the delta and publishes it. The message body is the
// same JSON shape the websocket stream sends, so consumers can share decoders.
func (p *NATSPublisher) PublishDelta(d cluster.Delta) error {
	payload, err := json.Marshal(d)
	if err != nil {
		p.countError()
		return fmt.Errorf("failed to marshal delta: %w", err)
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		p.countError()
		return fmt.Errorf("failed to publish delta: %w", err)
	}
	if p.metrics != nil {
		p.metrics.NATSPublished.Inc()
	}
	return nil
}

// Close drains the connection so buffered messages flush before shutdown.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

func (p *NATSPublisher) setConnected(up bool) {
	if p.metrics == nil {
		return
	}
	if up {
		p.metrics.NATSConnected.Set(1)
	} else {
		p.metrics.NATSConnected.Set(0)
	}
}

func (p *NATSPublisher) countError() {
	if p.metrics != nil {
		p.metrics.NATSErrors.Inc()
	}
}

// Sink adapts a Publisher into an engine delta callback. Publish failures are
// logged and counted; the callback never blocks delivery on broker state.
func Sink(p Publisher) func(cluster.Delta) {
	return func(d cluster.Delta) {
		if err := p.PublishDelta(d); err != nil {
			log.Printf("[NATS] Delta publish failed: %v", err)
		}
	}
}
