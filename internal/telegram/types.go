package telegram

import (
	"encoding/json"
	"strconv"

	"github.com/zhouzirui/z-relay/internal/model/chat"
)

// Update is one entry of getUpdates or one webhook delivery.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// PhotoSize is one resolution of an uploaded photo.
type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id,omitempty"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// Message carries the subset of Bot API message fields the relay reads.
// Other content kinds are kept raw only to name them.
type Message struct {
	MessageID int64       `json:"message_id"`
	Date      int64       `json:"date,omitempty"`
	Chat      Chat        `json:"chat"`
	Text      string      `json:"text,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	Photo     []PhotoSize `json:"photo,omitempty"`

	Sticker  json.RawMessage `json:"sticker,omitempty"`
	Voice    json.RawMessage `json:"voice,omitempty"`
	Audio    json.RawMessage `json:"audio,omitempty"`
	Video    json.RawMessage `json:"video,omitempty"`
	Document json.RawMessage `json:"document,omitempty"`
	Location json.RawMessage `json:"location,omitempty"`
	Contact  json.RawMessage `json:"contact,omitempty"`
}

// File is the result of getFile.
type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// ToInbound classifies an update once. Updates without a message are skipped.
// A photo wins over text, and the largest photo size is used.
func ToInbound(u Update) (chat.Inbound, bool) {
	msg := u.Message
	if msg == nil {
		return nil, false
	}

	id := chat.ConversationID(strconv.FormatInt(msg.Chat.ID, 10))

	if photo, ok := largestPhoto(msg.Photo); ok {
		return chat.ImageMessage{Conversation: id, FileRef: photo.FileID, Caption: msg.Caption}, true
	}
	if msg.Text != "" {
		return chat.TextMessage{Conversation: id, Text: msg.Text}, true
	}

	return chat.UnsupportedMessage{Conversation: id, Kind: contentKind(msg)}, true
}

func largestPhoto(sizes []PhotoSize) (PhotoSize, bool) {
	if len(sizes) == 0 {
		return PhotoSize{}, false
	}

	best := sizes[0]
	for _, s := range sizes[1:] {
		area, bestArea := s.Width*s.Height, best.Width*best.Height
		if area > bestArea || (area == bestArea && s.FileSize >= best.FileSize) {
			best = s
		}
	}
	return best, true
}

func contentKind(msg *Message) string {
	switch {
	case len(msg.Sticker) > 0:
		return "sticker"
	case len(msg.Voice) > 0:
		return "voice"
	case len(msg.Audio) > 0:
		return "audio"
	case len(msg.Video) > 0:
		return "video"
	case len(msg.Document) > 0:
		return "document"
	case len(msg.Location) > 0:
		return "location"
	case len(msg.Contact) > 0:
		return "contact"
	default:
		return "empty"
	}
}
