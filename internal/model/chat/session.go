package chat

// ConversationID identifies a chat. It is opaque and stable for the lifetime of
// the chat on the transport side.
type ConversationID string

func (id ConversationID) String() string {
	return string(id)
}
