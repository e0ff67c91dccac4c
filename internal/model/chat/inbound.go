package chat

// Inbound is an incoming chat message, classified once at the transport boundary.
// It is implemented by TextMessage, ImageMessage and UnsupportedMessage.
type Inbound interface {
	ConversationID() ConversationID
	isInbound()
}

// TextMessage is a plain text message.
type TextMessage struct {
	Conversation ConversationID
	Text         string
}

// ImageMessage is a picture with an optional caption. FileRef is resolved to
// bytes through the transport's file retrieval.
type ImageMessage struct {
	Conversation ConversationID
	FileRef      string
	Caption      string
}

// UnsupportedMessage covers every other payload (stickers, voice, documents...).
type UnsupportedMessage struct {
	Conversation ConversationID
	Kind         string
}

func (m TextMessage) ConversationID() ConversationID        { return m.Conversation }
func (m ImageMessage) ConversationID() ConversationID       { return m.Conversation }
func (m UnsupportedMessage) ConversationID() ConversationID { return m.Conversation }

func (TextMessage) isInbound()        {}
func (ImageMessage) isInbound()       {}
func (UnsupportedMessage) isInbound() {}
