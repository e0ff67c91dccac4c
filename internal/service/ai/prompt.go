package ai

import (
	"fmt"

	"github.com/zhouzirui/z-relay/internal/model/chat"
)

// BlockKind distinguishes text blocks from inline binary payloads.
type BlockKind string

const (
	BlockText   BlockKind = "text"
	BlockInline BlockKind = "inline_data"
)

// EncodingBase64 is the only wire encoding used for inline payloads.
const EncodingBase64 = "base64"

// Block is one ordered element of a multimodal prompt.
type Block struct {
	Kind BlockKind
	Text string

	// Inline payloads only. Data holds the raw bytes; Encoding names how the
	// generator puts them on the wire.
	MIMEType string
	Encoding string
	Data     []byte
}

// TextBlock returns a text block.
func TextBlock(text string) Block {
	return Block{Kind: BlockText, Text: text}
}

// InlineBlock returns an inline image block.
func InlineBlock(image chat.Image) Block {
	return Block{
		Kind:     BlockInline,
		MIMEType: image.MIMEType,
		Encoding: EncodingBase64,
		Data:     image.Data,
	}
}

const defaultInstruction = `You are a helpful assistant in an ongoing conversation.
Remember what was said earlier in the conversation and stay consistent with it.
Answer in plain text only.
Do not use LaTeX.
Do not use Markdown or any other markup symbols.
Keep your answer clear and direct.`

// PromptConfig holds the fixed wording of a prompt.
type PromptConfig struct {
	Instruction    string
	UserLabel      string
	AssistantLabel string
	CurrentLabel   string
	ImageDefault   string
}

// DefaultPromptConfig returns the wording used in production.
func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		Instruction:    defaultInstruction,
		UserLabel:      "User",
		AssistantLabel: "Assistant",
		CurrentLabel:   "User now",
		ImageDefault:   "Describe the content of the image",
	}
}

// HistoryReader is the read side of the conversation store.
type HistoryReader interface {
	History(id chat.ConversationID) []chat.Turn
}

// PromptBuilder turns a conversation's memory plus the new request into an
// ordered block sequence.
type PromptBuilder struct {
	history HistoryReader
	cfg     PromptConfig
}

// NewPromptBuilder creates a builder. Empty fields of cfg fall back to the defaults.
func NewPromptBuilder(history HistoryReader, cfg PromptConfig) *PromptBuilder {
	defaults := DefaultPromptConfig()
	if cfg.Instruction == "" {
		cfg.Instruction = defaults.Instruction
	}
	if cfg.UserLabel == "" {
		cfg.UserLabel = defaults.UserLabel
	}
	if cfg.AssistantLabel == "" {
		cfg.AssistantLabel = defaults.AssistantLabel
	}
	if cfg.CurrentLabel == "" {
		cfg.CurrentLabel = defaults.CurrentLabel
	}
	if cfg.ImageDefault == "" {
		cfg.ImageDefault = defaults.ImageDefault
	}

	return &PromptBuilder{history: history, cfg: cfg}
}

// Build assembles the prompt:
//
//	instruction, one block per stored turn (oldest first), the current request,
//	and a trailing inline block when image is non-nil.
//
// Empty text with an image is replaced by the configured image default.
func (b *PromptBuilder) Build(id chat.ConversationID, text string, image *chat.Image) []Block {
	turns := b.history.History(id)

	blocks := make([]Block, 0, len(turns)+3)
	blocks = append(blocks, TextBlock(b.cfg.Instruction))

	for _, turn := range turns {
		blocks = append(blocks, TextBlock(fmt.Sprintf("%s: %s", b.roleLabel(turn.Role), turn.Content)))
	}

	current := text
	if current == "" && image != nil {
		current = b.cfg.ImageDefault
	}
	blocks = append(blocks, TextBlock(fmt.Sprintf("%s: %s", b.cfg.CurrentLabel, current)))

	if image != nil {
		blocks = append(blocks, InlineBlock(*image))
	}

	return blocks
}

func (b *PromptBuilder) roleLabel(role chat.Role) string {
	if role == chat.RoleAssistant {
		return b.cfg.AssistantLabel
	}
	return b.cfg.UserLabel
}
