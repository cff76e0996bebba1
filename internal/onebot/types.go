// Package onebot is a client for the OneBot v11 forward WebSocket API,
// the protocol spoken by QQ bridge implementations such as go-cqhttp,
// NapCat, and Lagrange.
package onebot

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Segment is one typed element of a message: text, an image, a reply
// marker, a forwarded bundle, and so on. Data stays raw until a caller
// decodes it with the matching *Data type.
type Segment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Message is an ordered list of segments. On the wire it is either a
// segment array or a single CQ-encoded string depending on the bridge's
// message format setting; a plain string decodes as one text segment.
type Message []Segment

// UnmarshalJSON accepts both wire shapes.
func (m *Message) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var segs []Segment
		if err := json.Unmarshal(data, &segs); err != nil {
			return err
		}
		*m = segs
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("message is neither array nor string: %w", err)
	}
	*m = Message{Text(s)}
	return nil
}

// TextData is the payload of a "text" segment.
type TextData struct {
	Text string `json:"text"`
}

// ReplyData is the payload of a "reply" segment. ID refers to the quoted
// message and arrives as a string on the wire.
type ReplyData struct {
	ID string `json:"id"`
}

// MessageID parses the quoted message ID.
func (d ReplyData) MessageID() (int64, error) {
	id, err := strconv.ParseInt(d.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse reply id %q: %w", d.ID, err)
	}
	return id, nil
}

// ForwardData is the payload of a "forward" segment. Some bridges inline
// the bundled messages under Content; others only send the resource ID
// and expect a get_forward_msg call.
type ForwardData struct {
	ID      string        `json:"id"`
	Content []ForwardNode `json:"content,omitempty"`
}

// ImageData is the payload of an "image" segment.
type ImageData struct {
	File string `json:"file"`
	URL  string `json:"url,omitempty"`
}

// Segment constructors for outgoing messages.

// Text builds a text segment.
func Text(text string) Segment {
	data, _ := json.Marshal(TextData{Text: text})
	return Segment{Type: "text", Data: data}
}

// Reply builds a reply segment quoting the given message.
func Reply(messageID int64) Segment {
	data, _ := json.Marshal(ReplyData{ID: strconv.FormatInt(messageID, 10)})
	return Segment{Type: "reply", Data: data}
}

// ImageBytes builds an image segment carrying the raw bytes inline as a
// base64 data reference, so the bridge does not need filesystem access.
func ImageBytes(b []byte) Segment {
	data, _ := json.Marshal(ImageData{File: "base64://" + base64.StdEncoding.EncodeToString(b)})
	return Segment{Type: "image", Data: data}
}

// Sender identifies who sent a message.
type Sender struct {
	UserID   int64  `json:"user_id,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
}

// DisplayName returns the group card if set, otherwise the nickname.
func (s Sender) DisplayName() string {
	if s.Card != "" {
		return s.Card
	}
	return s.Nickname
}

// ForwardNode is one message inside a forwarded bundle. Bridges disagree
// on field names: go-cqhttp nests sender info under "sender" and the body
// under "content", NapCat sometimes uses "message", and node segments
// carry "nickname" at the top level. UnmarshalJSON normalizes all of them.
type ForwardNode struct {
	Sender  Sender
	Content Message
}

func (n *ForwardNode) UnmarshalJSON(data []byte) error {
	var raw struct {
		Sender   *Sender `json:"sender"`
		Nickname string  `json:"nickname"`
		UserID   int64   `json:"user_id"`
		Content  Message `json:"content"`
		Message  Message `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Sender != nil {
		n.Sender = *raw.Sender
	} else {
		n.Sender = Sender{UserID: raw.UserID, Nickname: raw.Nickname}
	}

	if raw.Content != nil {
		n.Content = raw.Content
	} else {
		n.Content = raw.Message
	}
	return nil
}

// Event is a payload pushed by the bridge: messages, notices, requests,
// and lifecycle meta events. Fields are a union; PostType says which
// apply.
type Event struct {
	Time     int64  `json:"time"`
	SelfID   int64  `json:"self_id"`
	PostType string `json:"post_type"`

	// Message events.
	MessageType string  `json:"message_type,omitempty"` // "private" or "group"
	SubType     string  `json:"sub_type,omitempty"`
	MessageID   int64   `json:"message_id,omitempty"`
	UserID      int64   `json:"user_id,omitempty"`
	GroupID     int64   `json:"group_id,omitempty"`
	Message     Message `json:"message,omitempty"`
	RawMessage  string  `json:"raw_message,omitempty"`
	Sender      *Sender `json:"sender,omitempty"`

	// Meta events.
	MetaEventType string `json:"meta_event_type,omitempty"`
}

// IsGroupMessage reports whether the event is a message sent in a group.
func (e *Event) IsGroupMessage() bool {
	return e.PostType == "message" && e.MessageType == "group"
}

// IsPrivateMessage reports whether the event is a direct message.
func (e *Event) IsPrivateMessage() bool {
	return e.PostType == "message" && e.MessageType == "private"
}

// MsgDetail is the result of a get_msg lookup.
type MsgDetail struct {
	MessageID int64   `json:"message_id"`
	RealID    int64   `json:"real_id,omitempty"`
	Sender    *Sender `json:"sender,omitempty"`
	Message   Message `json:"message"`
}
