// Package imessage provides read-only access to Apple's iMessage chat.db:
// chat and message reconstruction, attributedBody text extraction, and
// reaction/attachment association resolution.
package imessage

// AppleEpochSeconds is the offset between the Unix epoch and the Apple
// reference date (2001-01-01 00:00:00 UTC). chat.db stores timestamps as
// nanoseconds since that reference.
const AppleEpochSeconds int64 = 978307200

// AppleTimeToUnixMillis converts an Apple nanosecond timestamp to Unix
// milliseconds.
func AppleTimeToUnixMillis(appleNanos int64) int64 {
	return appleNanos/1_000_000 + AppleEpochSeconds*1000
}

// AppleTimeToUnixSeconds converts an Apple nanosecond timestamp to Unix
// seconds.
func AppleTimeToUnixSeconds(appleNanos int64) int64 {
	return AppleEpochSeconds + appleNanos/1_000_000_000
}

// Chat is a conversation reconstructed from the chat table plus its
// participant handles and a denormalized last-message summary.
type Chat struct {
	ID                  int64    `json:"id"`
	DisplayName         string   `json:"display_name"`
	LastMessageText     *string  `json:"last_message_text"`
	LastMessageTime     *int64   `json:"last_message_time"`
	LastMessageIsFromMe *bool    `json:"last_message_is_from_me"`
	IsGroup             bool     `json:"is_group"`
	Handles             []string `json:"handles"`
	ChatIdentifier      *string  `json:"chat_identifier"`
}

// Message is a non-reaction message row enriched with reactions and
// attachments. Text is nil when neither the text column nor the
// attributedBody blob yields anything.
type Message struct {
	ID          int64        `json:"id"`
	GUID        string       `json:"guid"`
	Text        *string      `json:"text"`
	Time        int64        `json:"time"` // Unix milliseconds
	IsFromMe    bool         `json:"is_from_me"`
	Handle      *string      `json:"handle"`
	ContactName *string      `json:"contact_name"`
	Reactions   []Reaction   `json:"reactions"`
	Attachments []Attachment `json:"attachments"`
}

// Reaction is a tapback on a message, recomputed per fetch from
// association rows. It is never persisted by this subsystem.
type Reaction struct {
	Emoji    string `json:"emoji"`
	IsFromMe bool   `json:"is_from_me"`
}

// Attachment is read-only attachment metadata. File bytes are served by an
// external collaborator.
type Attachment struct {
	ID           int64   `json:"id"`
	Filename     *string `json:"filename"`
	MimeType     *string `json:"mime_type"`
	TransferName *string `json:"transfer_name"`
	TotalBytes   int64   `json:"total_bytes"`
}

// ChatsPage is a paginated chat listing.
type ChatsPage struct {
	Chats   []Chat `json:"chats"`
	Total   int64  `json:"total"`
	HasMore bool   `json:"has_more"`
}

// MessagesPage is a paginated message listing, oldest-first.
type MessagesPage struct {
	Messages []Message `json:"messages"`
	Total    int64     `json:"total"`
	HasMore  bool      `json:"has_more"`
}

// ExtractedMessage is the trimmed-down shape consumed by analysis
// collaborators: text-bearing messages only, timestamps in Unix seconds.
type ExtractedMessage struct {
	Text      string `json:"text"`
	IsFromMe  bool   `json:"is_from_me"`
	Timestamp int64  `json:"timestamp"`
}
