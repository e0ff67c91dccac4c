package dispatch

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/model/chat"
)

// DefaultChunkLimit keeps every outbound message under the transport's size cap.
const DefaultChunkLimit = 4000

// ErrDelivery is wrapped by every delivery failure.
var ErrDelivery = errors.New("delivery failed")

// Sender is the outbound side of the chat transport.
type Sender interface {
	SendText(ctx context.Context, id chat.ConversationID, text string) error
}

// DeliveryError reports how far a multi-chunk delivery got before failing.
type DeliveryError struct {
	Sent  int
	Total int
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivered %d of %d chunks: %v", e.Sent, e.Total, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDelivery, e.Err}
}

// Dispatcher splits answers into transport-safe chunks and sends them in order.
type Dispatcher struct {
	sender Sender
	limit  int
	logger *zap.Logger
}

// New creates a Dispatcher. A non-positive limit falls back to DefaultChunkLimit.
func New(sender Sender, limit int, logger *zap.Logger) *Dispatcher {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{sender: sender, limit: limit, logger: logger.Named("dispatch")}
}

// Deliver sends text as consecutive chunks, waiting for each send to finish
// before the next one. It stops at the first failure and returns a *DeliveryError.
func (d *Dispatcher) Deliver(ctx context.Context, id chat.ConversationID, text string) (int, error) {
	chunks := Split(text, d.limit)

	for i, chunk := range chunks {
		if err := d.sender.SendText(ctx, id, chunk); err != nil {
			derr := &DeliveryError{Sent: i, Total: len(chunks), Err: err}
			if i > 0 {
				d.logger.Error("partial delivery",
					zap.String("conversation_id", id.String()),
					zap.Int("sent", i),
					zap.Int("total", len(chunks)),
					zap.Error(err),
				)
			} else {
				d.logger.Error("delivery failed",
					zap.String("conversation_id", id.String()),
					zap.Int("total", len(chunks)),
					zap.Error(err),
				)
			}
			return i, derr
		}
	}

	d.logger.Debug("answer delivered",
		zap.String("conversation_id", id.String()),
		zap.Int("chunks", len(chunks)),
	)
	return len(chunks), nil
}

// Split cuts text into contiguous pieces of at most limit UTF-16 code units,
// the unit Telegram measures message length in. Pieces are never trimmed and
// always concatenate back to text. A character is never split, so a limit of 1
// still yields two-unit pieces for characters outside the BMP.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		limit = DefaultChunkLimit
	}

	chunks := make([]string, 0, utf8.RuneCountInString(text)/limit+1)
	start, units := 0, 0
	for i, r := range text {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if units > 0 && units+n > limit {
			chunks = append(chunks, text[start:i])
			start, units = i, 0
		}
		units += n
	}
	return append(chunks, text[start:])
}
