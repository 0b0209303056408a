// Package outbound disseminates ordered engine output to external
// consumers: a NATS publisher for frames and fills, and an async
// Postgres sink for trade history. Both are optional; the engine runs
// without them.
package outbound

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"tradecore/internal/api"
	"tradecore/internal/observability"
)

const (
	subjectFrames = "tradecore.frames"
	subjectFills  = "tradecore.fills"
)

// Publisher pushes ordered frames and fills onto NATS subjects.
type Publisher struct {
	conn    *nats.Conn
	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewPublisher connects to the broker at url.
func NewPublisher(url string, metrics *observability.Metrics, log zerolog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("tradecore-feed"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("outbound: connect nats %s: %w", url, err)
	}
	log.Info().Str("url", url).Msg("nats feed connected")
	return &Publisher{conn: conn, log: log, metrics: metrics}, nil
}

// PublishFrame sends one express-feed frame.
func (p *Publisher) PublishFrame(frame api.ExpressFeedFrame) {
	p.publish(subjectFrames, frame)
}

// PublishFill sends one fill's trade metadata.
func (p *Publisher) PublishFill(metadata api.TradeMetadata) {
	p.publish(subjectFills, metadata)
}

func (p *Publisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("marshal outbound payload")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		if p.metrics != nil {
			p.metrics.FeedPublishErrors.Inc()
		}
		p.log.Warn().Err(err).Str("subject", subject).Msg("publish failed")
		return
	}
	if p.metrics != nil {
		p.metrics.FeedFramesPublished.Inc()
	}
}

// Close drains and closes the broker connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Flush()
		p.conn.Close()
	}
}
