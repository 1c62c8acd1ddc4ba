package imessage

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func appleNanos(sec int64) int64 {
	return sec * 1_000_000_000
}

// fakeResolver is an in-memory ContactResolver for store tests.
type fakeResolver struct {
	names       map[string]string
	queued      []string
	searchCalls int
}

func (f *fakeResolver) LookupCachedName(handle string) (string, bool) {
	name, ok := f.names[handle]
	return name, ok
}

func (f *fakeResolver) QueueForResolution(handle string) {
	f.queued = append(f.queued, handle)
}

func (f *fakeResolver) SearchCachedByName(query string) []HandleName {
	f.searchCalls++
	var out []HandleName
	q := strings.ToLower(query)
	for handle, name := range f.names {
		if strings.Contains(strings.ToLower(name), q) {
			out = append(out, HandleName{Handle: handle, Name: name})
		}
	}
	return out
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{names: map[string]string{
		"+15550001111": "Bob Marsh",
		"+15550002222": "Cleo Vane",
		"+15551234567": "Dana Park",
	}}
}

// createFixtureChatDB builds a chat.db with seven chats covering the
// formatting paths: stored display names, resolved and raw handles,
// attachment and reaction last messages, and an empty chat.
func createFixtureChatDB(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "chat.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("Failed to create fixture chat.db: %v", err)
	}
	defer db.Close()

	schema := `
		CREATE TABLE chat (
			ROWID INTEGER PRIMARY KEY,
			chat_identifier TEXT,
			display_name TEXT
		);
		CREATE TABLE handle (
			ROWID INTEGER PRIMARY KEY,
			id TEXT
		);
		CREATE TABLE chat_handle_join (
			chat_id INTEGER,
			handle_id INTEGER
		);
		CREATE TABLE message (
			ROWID INTEGER PRIMARY KEY,
			guid TEXT,
			text TEXT,
			attributedBody BLOB,
			date INTEGER,
			is_from_me INTEGER DEFAULT 0,
			handle_id INTEGER DEFAULT 0,
			cache_has_attachments INTEGER DEFAULT 0,
			associated_message_type INTEGER DEFAULT 0,
			associated_message_guid TEXT
		);
		CREATE TABLE chat_message_join (
			chat_id INTEGER,
			message_id INTEGER
		);
		CREATE TABLE attachment (
			ROWID INTEGER PRIMARY KEY,
			filename TEXT,
			mime_type TEXT,
			transfer_name TEXT,
			total_bytes INTEGER
		);
		CREATE TABLE message_attachment_join (
			message_id INTEGER,
			attachment_id INTEGER
		);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("Failed to create fixture schema: %v", err)
	}

	exec := func(query string, args ...any) {
		t.Helper()
		if _, err := db.Exec(query, args...); err != nil {
			t.Fatalf("Failed to seed fixture (%s): %v", query, err)
		}
	}

	exec(`INSERT INTO handle (ROWID, id) VALUES
		(1, '+15550001111'),
		(2, '+15550002222'),
		(3, 'alice@example.com'),
		(4, '+15551234567')`)

	exec(`INSERT INTO chat (ROWID, chat_identifier, display_name) VALUES
		(1, 'chat-group-1', 'Ski Trip'),
		(2, '+15550001111', ''),
		(3, 'alice@example.com', ''),
		(4, 'chat-empty', ''),
		(5, '+15550002222', ''),
		(6, 'chat-news', ''),
		(7, '+15551234567', '')`)

	exec(`INSERT INTO chat_handle_join (chat_id, handle_id) VALUES
		(1, 1), (1, 2),
		(2, 1),
		(3, 3),
		(5, 2),
		(6, 2),
		(7, 4)`)

	bodyBlob := buildBlob([]byte{0x0B}, "hello there")

	// Chat 1: text message, then a reaction removal as the latest row.
	exec(`INSERT INTO message (ROWID, guid, text, date, is_from_me) VALUES
		(1, 'MSG-1', 'planning update', ?, 1)`, appleNanos(100))
	exec(`INSERT INTO message (ROWID, guid, text, date, is_from_me, associated_message_type, associated_message_guid) VALUES
		(9, 'MSG-9', NULL, ?, 0, 3000, 'p:0/MSG-1')`, appleNanos(101))

	// Chat 2: latest message has no text column, only an attributedBody.
	exec(`INSERT INTO message (ROWID, guid, text, attributedBody, date, is_from_me, handle_id) VALUES
		(3, 'MSG-3', NULL, ?, ?, 0, 1)`, bodyBlob, appleNanos(200))

	// Chat 3: plain incoming text.
	exec(`INSERT INTO message (ROWID, guid, text, date, is_from_me, handle_id) VALUES
		(4, 'MSG-4', 'lunch tomorrow?', ?, 0, 3)`, appleNanos(300))

	// Chat 5: latest message is an attachment with no text.
	exec(`INSERT INTO message (ROWID, guid, text, date, is_from_me, handle_id, cache_has_attachments) VALUES
		(5, 'MSG-5', NULL, ?, 0, 2, 1)`, appleNanos(400))

	// Chat 6: a message followed by a tapback on it.
	exec(`INSERT INTO message (ROWID, guid, text, date, is_from_me, handle_id) VALUES
		(6, 'PARENT-6', 'great news!', ?, 0, 2)`, appleNanos(500))
	exec(`INSERT INTO message (ROWID, guid, text, date, is_from_me, associated_message_type, associated_message_guid) VALUES
		(7, 'MSG-7', NULL, ?, 1, 2000, 'p:0/PARENT-6')`, appleNanos(501))

	// Chat 7: short back-and-forth, an attachment in the middle, and a
	// tapback (outside any chat join) on the final incoming message.
	exec(`INSERT INTO message (ROWID, guid, text, date, is_from_me) VALUES
		(10, 'MSG-10', 'hey', ?, 1)`, appleNanos(595))
	exec(`INSERT INTO message (ROWID, guid, text, date, is_from_me) VALUES
		(11, 'MSG-11', 'you around?', ?, 1)`, appleNanos(596))
	exec(`INSERT INTO message (ROWID, guid, text, date, is_from_me, handle_id, cache_has_attachments) VALUES
		(12, 'MSG-12', NULL, ?, 0, 4, 1)`, appleNanos(597))
	exec(`INSERT INTO message (ROWID, guid, text, date, is_from_me, handle_id) VALUES
		(8, 'MSG-8', 'omg yes', ?, 0, 4)`, appleNanos(600))
	exec(`INSERT INTO message (ROWID, guid, text, date, is_from_me, associated_message_type, associated_message_guid) VALUES
		(13, 'MSG-13', NULL, ?, 1, 2001, 'bp:MSG-8')`, appleNanos(601))

	exec(`INSERT INTO chat_message_join (chat_id, message_id) VALUES
		(1, 1), (1, 9),
		(2, 3),
		(3, 4),
		(5, 5),
		(6, 6), (6, 7),
		(7, 10), (7, 11), (7, 12), (7, 8)`)

	exec(`INSERT INTO attachment (ROWID, filename, mime_type, transfer_name, total_bytes) VALUES
		(1, '~/Library/Messages/Attachments/IMG_001.heic', 'image/heic', 'IMG_001.heic', 2048)`)
	exec(`INSERT INTO message_attachment_join (message_id, attachment_id) VALUES (12, 1)`)

	return dbPath
}

func newFixtureStore(t *testing.T) (*Store, *fakeResolver) {
	t.Helper()
	chatdb, err := OpenChatDB(createFixtureChatDB(t))
	if err != nil {
		t.Fatalf("Failed to open fixture chat.db: %v", err)
	}
	t.Cleanup(func() { chatdb.Close() })

	resolver := newFakeResolver()
	return NewStore(chatdb, resolver, nil), resolver
}

func chatIDs(chats []Chat) []int64 {
	ids := make([]int64, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestChats_OrderAndPagination(t *testing.T) {
	store, _ := newFixtureStore(t)

	page1, err := store.Chats(3, 0)
	if err != nil {
		t.Fatalf("Failed to list chats: %v", err)
	}
	if page1.Total != 7 {
		t.Errorf("Expected total 7, got %d", page1.Total)
	}
	if !page1.HasMore {
		t.Error("Expected has_more on first page")
	}
	if got, want := chatIDs(page1.Chats), []int64{7, 6, 5}; !equalIDs(got, want) {
		t.Errorf("First page = %v, want %v", got, want)
	}

	page2, err := store.Chats(3, 3)
	if err != nil {
		t.Fatalf("Failed to list chats: %v", err)
	}
	if !page2.HasMore {
		t.Error("Expected has_more on second page")
	}
	if got, want := chatIDs(page2.Chats), []int64{3, 2, 1}; !equalIDs(got, want) {
		t.Errorf("Second page = %v, want %v", got, want)
	}

	// The chat with no messages sorts last.
	page3, err := store.Chats(3, 6)
	if err != nil {
		t.Fatalf("Failed to list chats: %v", err)
	}
	if page3.HasMore {
		t.Error("Expected has_more false on final page")
	}
	if got, want := chatIDs(page3.Chats), []int64{4}; !equalIDs(got, want) {
		t.Errorf("Final page = %v, want %v", got, want)
	}
}

func equalIDs(got, want []int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestChats_DisplayNames(t *testing.T) {
	store, _ := newFixtureStore(t)

	page, err := store.Chats(50, 0)
	if err != nil {
		t.Fatalf("Failed to list chats: %v", err)
	}

	byID := make(map[int64]Chat)
	for _, c := range page.Chats {
		byID[c.ID] = c
	}

	if got := byID[1].DisplayName; got != "Ski Trip" {
		t.Errorf("Stored display name: got %q", got)
	}
	if !byID[1].IsGroup {
		t.Error("Chat with two handles should be a group")
	}
	if got := byID[2].DisplayName; got != "Bob Marsh" {
		t.Errorf("Resolved handle name: got %q", got)
	}
	if byID[2].IsGroup {
		t.Error("Single-handle chat should not be a group")
	}
	if got := byID[3].DisplayName; got != "alice@example.com" {
		t.Errorf("Unresolved handle should fall back to raw handle, got %q", got)
	}
	if got := byID[4].DisplayName; got != "Unknown" {
		t.Errorf("Chat without participants: got %q", got)
	}
	if got := byID[7].DisplayName; got != "Dana Park" {
		t.Errorf("Resolved handle name: got %q", got)
	}
}

func TestChats_LastMessageSummaries(t *testing.T) {
	store, _ := newFixtureStore(t)

	page, err := store.Chats(50, 0)
	if err != nil {
		t.Fatalf("Failed to list chats: %v", err)
	}

	byID := make(map[int64]Chat)
	for _, c := range page.Chats {
		byID[c.ID] = c
	}

	assertText := func(id int64, want string) {
		t.Helper()
		c := byID[id]
		if c.LastMessageText == nil {
			t.Errorf("Chat %d: expected last message %q, got nil", id, want)
			return
		}
		if *c.LastMessageText != want {
			t.Errorf("Chat %d: last message = %q, want %q", id, *c.LastMessageText, want)
		}
	}

	assertText(1, "removed ❤️")
	assertText(2, "hello there") // decoded from attributedBody
	assertText(3, "lunch tomorrow?")
	assertText(5, "📎 Attachment")
	assertText(6, `loved "great news!"`)
	assertText(7, "omg yes")

	if byID[4].LastMessageText != nil || byID[4].LastMessageTime != nil {
		t.Error("Empty chat should have no last message")
	}

	seven := byID[7]
	if seven.LastMessageIsFromMe == nil || *seven.LastMessageIsFromMe {
		t.Error("Chat 7 last message should be incoming")
	}
	if seven.LastMessageTime == nil || *seven.LastMessageTime != AppleTimeToUnixMillis(appleNanos(600)) {
		t.Errorf("Chat 7 last message time = %v", seven.LastMessageTime)
	}
}

func TestChats_QueuesUnresolvedHandles(t *testing.T) {
	store, resolver := newFixtureStore(t)

	if _, err := store.Chats(50, 0); err != nil {
		t.Fatalf("Failed to list chats: %v", err)
	}

	found := false
	for _, h := range resolver.queued {
		if h == "alice@example.com" {
			found = true
		}
		if _, ok := resolver.names[h]; ok {
			t.Errorf("Cached handle %q should not be queued", h)
		}
	}
	if !found {
		t.Error("Expected alice@example.com to be queued for resolution")
	}
}

func TestChatsByIDs(t *testing.T) {
	store, _ := newFixtureStore(t)

	chats, err := store.ChatsByIDs([]int64{2, 7})
	if err != nil {
		t.Fatalf("Failed to fetch chats by ids: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("Expected 2 chats, got %d", len(chats))
	}
	got := map[int64]bool{}
	for _, c := range chats {
		got[c.ID] = true
	}
	if !got[2] || !got[7] {
		t.Errorf("Expected chats 2 and 7, got %v", got)
	}
}

func TestChatsByIDs_Empty(t *testing.T) {
	store, _ := newFixtureStore(t)

	chats, err := store.ChatsByIDs(nil)
	if err != nil {
		t.Fatalf("Failed on empty ids: %v", err)
	}
	if chats == nil {
		t.Error("Expected empty slice, got nil")
	}
	if len(chats) != 0 {
		t.Errorf("Expected 0 chats, got %d", len(chats))
	}
}

func TestSearchChats_ByDisplayName(t *testing.T) {
	store, _ := newFixtureStore(t)

	chats, err := store.SearchChats("ski", 20)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(chats) != 1 || chats[0].ID != 1 {
		t.Errorf("Expected chat 1 for 'ski', got %v", chatIDs(chats))
	}
}

func TestSearchChats_ByHandle(t *testing.T) {
	store, resolver := newFixtureStore(t)

	chats, err := store.SearchChats("555", 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	// Every chat with a phone-number participant matches; ranked by
	// last-message time and cut to the limit.
	if got, want := chatIDs(chats), []int64{7, 6, 5}; !equalIDs(got, want) {
		t.Errorf("Search '555' = %v, want %v", got, want)
	}
	// Purely numeric queries never consult the contact name index.
	if resolver.searchCalls != 0 {
		t.Errorf("Numeric query hit the name index %d times", resolver.searchCalls)
	}
}

func TestSearchChats_ByContactName(t *testing.T) {
	store, resolver := newFixtureStore(t)

	// "dana" appears nowhere in chat.db; only the contact cache knows it.
	chats, err := store.SearchChats("dana", 20)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(chats) != 1 || chats[0].ID != 7 {
		t.Errorf("Expected chat 7 for 'dana', got %v", chatIDs(chats))
	}
	if resolver.searchCalls != 1 {
		t.Errorf("Expected one name-index lookup, got %d", resolver.searchCalls)
	}
}

func TestMessages(t *testing.T) {
	store, _ := newFixtureStore(t)

	page, err := store.Messages(7, 50, 0)
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}
	if page.Total != 4 {
		t.Errorf("Expected total 4, got %d", page.Total)
	}
	if page.HasMore {
		t.Error("Expected has_more false")
	}
	if len(page.Messages) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(page.Messages))
	}

	// Oldest first.
	wantTexts := []string{"hey", "you around?", "📎 Attachment", "omg yes"}
	for i, want := range wantTexts {
		msg := page.Messages[i]
		if msg.Text == nil || *msg.Text != want {
			t.Errorf("Message %d text = %v, want %q", i, msg.Text, want)
		}
	}

	last := page.Messages[3]
	if last.IsFromMe {
		t.Error("Final message should be incoming")
	}
	if last.Handle == nil || *last.Handle != "+15551234567" {
		t.Errorf("Final message handle = %v", last.Handle)
	}
	if last.ContactName == nil || *last.ContactName != "Dana Park" {
		t.Errorf("Final message contact name = %v", last.ContactName)
	}
	if len(last.Reactions) != 1 {
		t.Fatalf("Expected 1 reaction on final message, got %d", len(last.Reactions))
	}
	if last.Reactions[0].Emoji != "👍" || !last.Reactions[0].IsFromMe {
		t.Errorf("Reaction = %+v", last.Reactions[0])
	}

	withAttachment := page.Messages[2]
	if len(withAttachment.Attachments) != 1 {
		t.Fatalf("Expected 1 attachment, got %d", len(withAttachment.Attachments))
	}
	att := withAttachment.Attachments[0]
	if att.MimeType == nil || *att.MimeType != "image/heic" {
		t.Errorf("Attachment mime type = %v", att.MimeType)
	}
	if att.TransferName == nil || *att.TransferName != "IMG_001.heic" {
		t.Errorf("Attachment transfer name = %v", att.TransferName)
	}
	if att.TotalBytes != 2048 {
		t.Errorf("Attachment size = %d", att.TotalBytes)
	}
}

func TestMessages_Pagination(t *testing.T) {
	store, _ := newFixtureStore(t)

	// Offset 0 is the newest page.
	page1, err := store.Messages(7, 2, 0)
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}
	if !page1.HasMore {
		t.Error("Expected has_more on first page")
	}
	if len(page1.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(page1.Messages))
	}
	if *page1.Messages[0].Text != "📎 Attachment" || *page1.Messages[1].Text != "omg yes" {
		t.Errorf("Newest page = %q, %q", *page1.Messages[0].Text, *page1.Messages[1].Text)
	}

	page2, err := store.Messages(7, 2, 2)
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}
	if page2.HasMore {
		t.Error("Expected has_more false on final page")
	}
	if *page2.Messages[0].Text != "hey" || *page2.Messages[1].Text != "you around?" {
		t.Errorf("Older page = %q, %q", *page2.Messages[0].Text, *page2.Messages[1].Text)
	}
}

func TestMessages_ExcludesReactionRows(t *testing.T) {
	store, _ := newFixtureStore(t)

	page, err := store.Messages(6, 50, 0)
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}
	// The tapback row is not a message; it surfaces as a reaction on its
	// parent instead.
	if page.Total != 1 || len(page.Messages) != 1 {
		t.Fatalf("Expected 1 message, got total=%d len=%d", page.Total, len(page.Messages))
	}
	msg := page.Messages[0]
	if msg.Text == nil || *msg.Text != "great news!" {
		t.Errorf("Message text = %v", msg.Text)
	}
	if len(msg.Reactions) != 1 || msg.Reactions[0].Emoji != "❤️" {
		t.Errorf("Reactions = %+v", msg.Reactions)
	}
}

func TestMessagesForExtraction(t *testing.T) {
	store, _ := newFixtureStore(t)

	msgs, err := store.MessagesForExtraction(7)
	if err != nil {
		t.Fatalf("Extraction failed: %v", err)
	}
	// The attachment-only message carries no text and is skipped.
	if len(msgs) != 3 {
		t.Fatalf("Expected 3 extracted messages, got %d", len(msgs))
	}

	wantTexts := []string{"hey", "you around?", "omg yes"}
	for i, want := range wantTexts {
		if msgs[i].Text != want {
			t.Errorf("Extracted %d = %q, want %q", i, msgs[i].Text, want)
		}
	}
	if !msgs[0].IsFromMe || msgs[2].IsFromMe {
		t.Error("Extraction is_from_me mismatch")
	}
	if msgs[2].Timestamp != AppleTimeToUnixSeconds(appleNanos(600)) {
		t.Errorf("Extracted timestamp = %d", msgs[2].Timestamp)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp < msgs[i-1].Timestamp {
			t.Error("Extraction should be oldest first")
		}
	}
}
