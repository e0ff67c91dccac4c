package telegram

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/model/chat"
)

// UpdateSource is the getUpdates side of the Bot API.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
}

// Submitter accepts classified inbound messages.
type Submitter interface {
	Submit(ctx context.Context, msg chat.Inbound) error
}

// Poller runs the getUpdates loop.
type Poller struct {
	source  UpdateSource
	sink    Submitter
	timeout int
	backoff time.Duration
	logger  *zap.Logger
}

// NewPoller creates a poller. timeout is the long-poll wait in seconds.
func NewPoller(source UpdateSource, sink Submitter, timeout int, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		source:  source,
		sink:    sink,
		timeout: timeout,
		backoff: 3 * time.Second,
		logger:  logger.Named("telegram"),
	}
}

// Run polls until ctx is cancelled. Transport errors are logged and retried
// after a pause; Run only returns nil.
func (p *Poller) Run(ctx context.Context) error {
	var offset int64
	p.logger.Info("long polling started", zap.Int("timeout_seconds", p.timeout))

	for {
		if ctx.Err() != nil {
			p.logger.Info("long polling stopped")
			return nil
		}

		updates, err := p.source.GetUpdates(ctx, offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("getUpdates failed", zap.Error(err), zap.Duration("retry_in", p.backoff))
			select {
			case <-ctx.Done():
			case <-time.After(p.backoff):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}

			msg, ok := ToInbound(u)
			if !ok {
				continue
			}
			if err := p.sink.Submit(ctx, msg); err != nil {
				if ctx.Err() != nil {
					break
				}
				p.logger.Error("failed to submit message",
					zap.Int64("update_id", u.UpdateID),
					zap.String("conversation_id", msg.ConversationID().String()),
					zap.Error(err),
				)
			}
		}
	}
}
