package ai

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ArkGenerator runs the prompt through an eino chat model (Volcengine Ark).
type ArkGenerator struct {
	chatModel model.BaseChatModel
}

// NewArkGenerator wraps a chat model, typically built by config.AIConfig.NewChatModel.
func NewArkGenerator(chatModel model.BaseChatModel) *ArkGenerator {
	return &ArkGenerator{chatModel: chatModel}
}

// Generate sends the blocks as the parts of one user message.
func (a *ArkGenerator) Generate(ctx context.Context, blocks []Block) (string, error) {
	messages, err := toArkMessages(blocks)
	if err != nil {
		return "", err
	}

	response, err := a.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("%w: ark generate: %w", ErrInferenceTransport, err)
	}
	if response == nil {
		return "", fmt.Errorf("%w: ark returned no message", ErrInferenceMalformed)
	}

	return response.Content, nil
}

func toArkMessages(blocks []Block) ([]*schema.Message, error) {
	parts := make([]schema.ChatMessagePart, 0, len(blocks))
	for _, block := range blocks {
		switch block.Kind {
		case BlockText:
			parts = append(parts, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeText,
				Text: block.Text,
			})
		case BlockInline:
			parts = append(parts, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", block.MIMEType, base64.StdEncoding.EncodeToString(block.Data)),
				},
			})
		default:
			return nil, fmt.Errorf("unsupported block kind %q", block.Kind)
		}
	}

	return []*schema.Message{{
		Role:         schema.User,
		MultiContent: parts,
	}}, nil
}
