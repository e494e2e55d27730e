// Copyright 2024-2026 Aiku AI

package mixer

import "encoding/json"

// Message part types as they appear on the chat socket. Parts with a type
// outside this set are kept as-is so callers can apply their own fallback.
const (
	PartText     = "text"
	PartEmoticon = "emoticon"
	PartLink     = "link"
	PartTag      = "tag"
)

// MessagePart is one segment of a chat message. Which fields are populated
// depends on Type: Text is always present, URL only for links, Username
// only for tags (mentions).
type MessagePart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
}

// MessageMeta carries the delivery flags attached to a chat message.
type MessageMeta struct {
	Whisper bool `json:"whisper,omitempty"`
	Me      bool `json:"me,omitempty"`
}

// ChatMessageEvent is a single ChatMessage event received from the chat
// socket, flattened from the wire shape into the fields the bridge uses.
type ChatMessageEvent struct {
	ChannelID  int64
	UserID     int64
	UserName   string
	UserAvatar string
	Parts      []MessagePart
	Whisper    bool
	Action     bool
}

// chatMessagePayload is the wire shape of a ChatMessage event's data field.
type chatMessagePayload struct {
	Channel    int64  `json:"channel"`
	ID         string `json:"id"`
	UserID     int64  `json:"user_id"`
	UserName   string `json:"user_name"`
	UserAvatar string `json:"user_avatar"`
	Message    struct {
		Message []MessagePart `json:"message"`
		Meta    MessageMeta   `json:"meta"`
	} `json:"message"`
}

func parseChatMessage(data json.RawMessage) (*ChatMessageEvent, error) {
	var payload chatMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &ChatMessageEvent{
		ChannelID:  payload.Channel,
		UserID:     payload.UserID,
		UserName:   payload.UserName,
		UserAvatar: payload.UserAvatar,
		Parts:      payload.Message.Message,
		Whisper:    payload.Message.Meta.Whisper,
		Action:     payload.Message.Meta.Me,
	}, nil
}
