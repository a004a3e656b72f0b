package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coderd/internal/logging"
)

// DefaultSubjectPrefix is the subject prefix run events are published
// under when none is configured.
const DefaultSubjectPrefix = "coderd.runs"

// Publisher is a Sink that publishes run events to NATS. Each event goes
// to the subject:
//
//	{prefix}.{run_id}.events.{type}
//
// so consumers can subscribe to a whole run with a wildcard or to a single
// event type. Publish failures are logged and swallowed; event delivery
// never interrupts a run.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewPublisher creates a Publisher on an existing connection. prefix
// defaults to DefaultSubjectPrefix; logger may be nil.
func NewPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Subject returns the subject an event is published to.
func (p *Publisher) Subject(e Event) string {
	runID := e.RunID
	if runID == "" {
		runID = "unknown"
	}
	return fmt.Sprintf("%s.%s.events.%s", p.prefix, runID, e.Type)
}

// Emit implements Sink.
func (p *Publisher) Emit(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn(context.Background(), "failed to marshal event", zap.Error(err))
		return
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		p.logger.Warn(context.Background(), "failed to publish event",
			zap.String("subject", p.Subject(e)), zap.Error(err))
	}
}
