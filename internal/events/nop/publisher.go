package nop

import (
	"context"

	"github.com/zhouzirui/z-relay/internal/events"
)

// Publisher is a no-op publisher used for tests and when no broker is configured.
type Publisher struct{}

// NewPublisher creates a new no-op publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// PublishOutcome validates input and otherwise does nothing.
func (p *Publisher) PublishOutcome(_ context.Context, event *events.PipelineEvent) error {
	if event == nil {
		return events.ErrNilEvent
	}

	return nil
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
