// Package events publishes pipeline outcomes for operators. Publishing is best
// effort: the relay logs failures and never lets them affect a conversation.
package events

import (
	"context"
	"errors"
)

// ErrNilEvent indicates a nil event payload was provided to a publisher.
var ErrNilEvent = errors.New("nil pipeline event")

// Publisher publishes pipeline events to an event stream backend.
type Publisher interface {
	PublishOutcome(ctx context.Context, event *PipelineEvent) error
	Close() error
}
