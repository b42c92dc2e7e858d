package chat

import (
	"time"
)

// Sender ids of engine-generated messages.
const (
	SystemSenderID = "system"
	BotSenderID    = "bot"
)

// Attachment is the client-visible part of a minted handle.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Message is one immutable chat entry. Seq is the append order within its
// conversation and is the order every viewer sees.
type Message struct {
	ID         string      `json:"id"`
	Seq        uint64      `json:"seq"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Conversation is a copy of a conversation's state handed to callers.
type Conversation struct {
	ID                   string    `json:"id"`
	ClientName           string    `json:"client_name"`
	Messages             []Message `json:"messages"`
	UnreadByReceptor     int       `json:"unread_by_receptor"`
	UnreadByClient       int       `json:"unread_by_client"`
	LastMessageTimestamp time.Time `json:"last_message_timestamp"`
	Closing              bool      `json:"closing"`
}

// Summary is one row of the receptor's conversation list.
type Summary struct {
	ID                   string    `json:"id"`
	ClientName           string    `json:"client_name"`
	UnreadByReceptor     int       `json:"unread_by_receptor"`
	UnreadByClient       int       `json:"unread_by_client"`
	LastMessage          string    `json:"last_message,omitempty"`
	LastMessageTimestamp time.Time `json:"last_message_timestamp"`
	Closing              bool      `json:"closing"`
}

// ViewMode is what an actor is looking at after Open.
type ViewMode string

const (
	ViewConversation ViewMode = "conversation"
	ViewList         ViewMode = "list"
)

// View is the result of opening the chat.
type View struct {
	Mode         ViewMode      `json:"mode"`
	Conversation *Conversation `json:"conversation,omitempty"`
	List         []Summary     `json:"list,omitempty"`
}

// Realtime event names.
const (
	EventOpened  = "conversation.opened"
	EventMessage = "message.appended"
	EventUnread  = "conversation.unread"
	EventClosing = "conversation.closing"
	EventClosed  = "conversation.closed"
)

// Event is the payload published for every observable change.
type Event struct {
	ConversationID   string   `json:"conversation_id"`
	Message          *Message `json:"message,omitempty"`
	UnreadByReceptor int      `json:"unread_by_receptor"`
	UnreadByClient   int      `json:"unread_by_client"`
	Reason           string   `json:"reason,omitempty"`
}

// Publisher receives realtime events.
type Publisher interface {
	Publish(topic, event string, payload interface{})
}

// ConversationTopic is the topic carrying a single conversation's events.
func ConversationTopic(id string) string { return "conversation:" + id }

// ReceptorTopic is the topic every receptor subscribes to.
const ReceptorTopic = "role:receptor"
