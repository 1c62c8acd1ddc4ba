package imessage

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// Store reconstructs conversation entities from chat.db. All operations
// are read-only and batched: one query per relation per fetch, assembled
// in memory via id-keyed maps, never a query per entity.
type Store struct {
	chatdb   *ChatDB
	contacts ContactResolver
	log      *zap.Logger
}

// NewStore creates a query engine over an open chat.db. contacts may be
// a NullResolver when no contact cache is available.
func NewStore(chatdb *ChatDB, contacts ContactResolver, log *zap.Logger) *Store {
	if contacts == nil {
		contacts = NullResolver{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{chatdb: chatdb, contacts: contacts, log: log}
}

// chatFilter selects which chat rows a fetch operates on. The three
// public chat paths (listing, by-ids, search) share everything after row
// selection: handle joins, last-message resolution, display names.
type chatFilter struct {
	limit        int64
	offset       int64
	ids          []int64
	term         string
	extraHandles []string
}

type chatRow struct {
	id          int64
	displayName sql.NullString
	identifier  sql.NullString
}

type lastMessageRow struct {
	text           sql.NullString
	date           int64
	hasAttachments bool
	assocType      int
	body           []byte
	isFromMe       bool
	assocGUID      sql.NullString
}

// Chats lists chats ordered by most-recent-message time descending.
func (s *Store) Chats(limit, offset int64) (*ChatsPage, error) {
	total, err := s.chatdb.CountChats()
	if err != nil {
		return nil, err
	}

	chats, err := s.fetchChats(chatFilter{limit: limit, offset: offset})
	if err != nil {
		return nil, err
	}

	return &ChatsPage{
		Chats:   chats,
		Total:   total,
		HasMore: offset+int64(len(chats)) < total,
	}, nil
}

// ChatsByIDs fetches chats for exactly the requested ids. Order is not
// significant to callers. An empty input short-circuits without querying.
func (s *Store) ChatsByIDs(ids []int64) ([]Chat, error) {
	if len(ids) == 0 {
		return []Chat{}, nil
	}
	return s.fetchChats(chatFilter{ids: ids})
}

// SearchChats finds chats whose display name, identifier, or any
// participant handle contains the query (case-insensitive), plus chats
// reachable through the contact cache's name index. Results are ranked by
// last-message time descending and truncated to limit.
func (s *Store) SearchChats(query string, limit int64) ([]Chat, error) {
	var extraHandles []string
	if shouldSearchContactsByName(query) {
		for _, hn := range s.contacts.SearchCachedByName(query) {
			extraHandles = append(extraHandles, hn.Handle)
		}
	}

	chats, err := s.fetchChats(chatFilter{term: query, extraHandles: extraHandles})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(chats, func(i, j int) bool {
		return lastMessageSortKey(chats[i]) > lastMessageSortKey(chats[j])
	})
	if int64(len(chats)) > limit {
		chats = chats[:limit]
	}
	return chats, nil
}

func lastMessageSortKey(c Chat) int64 {
	if c.LastMessageTime == nil {
		return 0
	}
	return *c.LastMessageTime
}

// shouldSearchContactsByName gates the name-index lookup: short or
// purely numeric queries are phone fragments, not names.
func shouldSearchContactsByName(query string) bool {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) < 2 {
		return false
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// fetchChats is the single parametrized chat fetch behind Chats,
// ChatsByIDs, and SearchChats.
func (s *Store) fetchChats(filter chatFilter) ([]Chat, error) {
	rows, err := s.fetchChatRows(filter)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []Chat{}, nil
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.id)
	}

	handlesMap, err := s.fetchHandles(ids)
	if err != nil {
		return nil, err
	}

	lastMessages, err := s.fetchLastMessages(ids)
	if err != nil {
		return nil, err
	}

	chats := make([]Chat, 0, len(rows))
	missing := make(map[string]struct{})
	for _, row := range rows {
		handles := handlesMap[row.id]

		chat := Chat{
			ID:          row.id,
			DisplayName: s.resolveDisplayName(row.displayName, handles),
			IsGroup:     len(handles) > 1,
			Handles:     handles,
		}
		if row.identifier.Valid {
			identifier := row.identifier.String
			chat.ChatIdentifier = &identifier
		}
		if last, ok := lastMessages[row.id]; ok {
			chat.LastMessageText = last.text
			chat.LastMessageTime = &last.timeMillis
			chat.LastMessageIsFromMe = &last.isFromMe
		}

		if len(handles) > 0 {
			if _, ok := s.contacts.LookupCachedName(handles[0]); !ok {
				missing[handles[0]] = struct{}{}
			}
		}

		chats = append(chats, chat)
	}

	// Best-effort: hand unresolved handles to the background resolver.
	for handle := range missing {
		s.log.Debug("queuing handle for contact resolution", zap.String("handle", handle))
		s.contacts.QueueForResolution(handle)
	}

	return chats, nil
}

func (s *Store) fetchChatRows(filter chatFilter) ([]chatRow, error) {
	var (
		query string
		args  []any
	)
	switch {
	case len(filter.ids) > 0:
		query = fmt.Sprintf(`
			SELECT ROWID, display_name, chat_identifier
			FROM chat
			WHERE ROWID IN (%s)
		`, placeholders(len(filter.ids)))
		args = int64Args(filter.ids)

	case filter.term != "":
		pattern := "%" + strings.ToLower(filter.term) + "%"
		query = `
			SELECT DISTINCT
				c.ROWID,
				c.display_name,
				c.chat_identifier
			FROM chat c
			LEFT JOIN chat_handle_join chj ON c.ROWID = chj.chat_id
			LEFT JOIN handle h ON chj.handle_id = h.ROWID
			WHERE
				LOWER(COALESCE(c.display_name, '')) LIKE ?
				OR LOWER(COALESCE(c.chat_identifier, '')) LIKE ?
				OR LOWER(COALESCE(h.id, '')) LIKE ?
		`
		args = []any{pattern, pattern, pattern}
		if len(filter.extraHandles) > 0 {
			query += fmt.Sprintf(" OR h.id IN (%s)", placeholders(len(filter.extraHandles)))
			args = append(args, stringArgs(filter.extraHandles)...)
		}
		query += " GROUP BY c.ROWID"

	default:
		query = `
			SELECT
				c.ROWID,
				c.display_name,
				c.chat_identifier
			FROM chat c
			LEFT JOIN chat_message_join cmj ON c.ROWID = cmj.chat_id
			LEFT JOIN message m ON cmj.message_id = m.ROWID
			GROUP BY c.ROWID, c.display_name, c.chat_identifier
			ORDER BY MAX(m.date) DESC
			LIMIT ? OFFSET ?
		`
		args = []any{filter.limit, filter.offset}
	}

	rows, err := s.chatdb.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var out []chatRow
	for rows.Next() {
		var row chatRow
		if err := rows.Scan(&row.id, &row.displayName, &row.identifier); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chats: %w", err)
	}
	return out, nil
}

// fetchHandles batch-loads participant handles for a set of chats.
func (s *Store) fetchHandles(chatIDs []int64) (map[int64][]string, error) {
	query := fmt.Sprintf(`
		SELECT chj.chat_id, h.id
		FROM handle h
		JOIN chat_handle_join chj ON h.ROWID = chj.handle_id
		WHERE chj.chat_id IN (%s)
		ORDER BY chj.chat_id
	`, placeholders(len(chatIDs)))

	rows, err := s.chatdb.db.Query(query, int64Args(chatIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query handles: %w", err)
	}
	defer rows.Close()

	handlesMap := make(map[int64][]string)
	for rows.Next() {
		var chatID int64
		var handle string
		if err := rows.Scan(&chatID, &handle); err != nil {
			return nil, fmt.Errorf("failed to scan handle: %w", err)
		}
		handlesMap[chatID] = append(handlesMap[chatID], handle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating handles: %w", err)
	}
	return handlesMap, nil
}

type lastMessageSummary struct {
	text       *string
	timeMillis int64
	isFromMe   bool
}

// fetchLastMessages batch-loads the newest message per chat using a
// window function, then formats each into a display summary: raw text,
// attachment indicator, reaction summary, or decoded body.
func (s *Store) fetchLastMessages(chatIDs []int64) (map[int64]lastMessageSummary, error) {
	query := fmt.Sprintf(`
		SELECT chat_id, text, date, cache_has_attachments, associated_message_type, attributedBody, is_from_me, associated_message_guid
		FROM (
			SELECT cmj.chat_id, m.text, m.date, m.cache_has_attachments, m.associated_message_type, m.attributedBody, m.is_from_me, m.associated_message_guid,
				ROW_NUMBER() OVER (PARTITION BY cmj.chat_id ORDER BY m.date DESC) AS rn
			FROM message m
			JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
			WHERE cmj.chat_id IN (%s)
		)
		WHERE rn = 1
	`, placeholders(len(chatIDs)))

	rows, err := s.chatdb.db.Query(query, int64Args(chatIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query last messages: %w", err)
	}
	defer rows.Close()

	raw := make(map[int64]lastMessageRow)
	var reactionGUIDs []string
	for rows.Next() {
		var chatID int64
		var row lastMessageRow
		var hasAttachments, isFromMe sql.NullInt64
		var assocType sql.NullInt64
		if err := rows.Scan(&chatID, &row.text, &row.date, &hasAttachments, &assocType, &row.body, &isFromMe, &row.assocGUID); err != nil {
			return nil, fmt.Errorf("failed to scan last message: %w", err)
		}
		row.hasAttachments = hasAttachments.Int64 == 1
		row.assocType = int(assocType.Int64)
		row.isFromMe = isFromMe.Int64 == 1

		if IsReactionType(row.assocType) && row.assocGUID.Valid {
			reactionGUIDs = append(reactionGUIDs, row.assocGUID.String)
		}
		raw[chatID] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating last messages: %w", err)
	}

	// One more query quotes the parent text of any reaction summaries.
	originalTexts, err := s.chatdb.OriginalMessageTexts(reactionGUIDs)
	if err != nil {
		return nil, err
	}

	summaries := make(map[int64]lastMessageSummary, len(raw))
	for chatID, row := range raw {
		summaries[chatID] = lastMessageSummary{
			text:       formatLastMessageText(row, originalTexts),
			timeMillis: AppleTimeToUnixMillis(row.date),
			isFromMe:   row.isFromMe,
		}
	}
	return summaries, nil
}

func formatLastMessageText(row lastMessageRow, originalTexts map[string]string) *string {
	if row.text.Valid && strings.TrimSpace(row.text.String) != "" {
		text := row.text.String
		return &text
	}

	var text string
	switch {
	case row.hasAttachments:
		text = "📎 Attachment"
	case IsReactionType(row.assocType):
		parent := ""
		if row.assocGUID.Valid {
			parent = originalTexts[NormalizeAssociationGUID(row.assocGUID.String)]
		}
		text = ReactionSummary(row.assocType, parent)
	case IsRemovalType(row.assocType):
		text = RemovalSummary(row.assocType)
	default:
		text = DecodeAttributedBody(row.body)
	}

	if text == "" {
		return nil
	}
	return &text
}

// resolveDisplayName prefers the stored name, then comma-joined resolved
// participant names, raw handles when unresolved, "Unknown" when there
// are no participants at all.
func (s *Store) resolveDisplayName(stored sql.NullString, handles []string) string {
	if stored.Valid && stored.String != "" {
		return stored.String
	}
	if len(handles) == 0 {
		return "Unknown"
	}

	names := make([]string, 0, len(handles))
	for _, handle := range handles {
		if name, ok := s.contacts.LookupCachedName(handle); ok {
			names = append(names, name)
		} else {
			names = append(names, handle)
		}
	}
	return strings.Join(names, ", ")
}

// Messages lists non-reaction messages for a chat, oldest-first, enriched
// with reactions and attachments. Pagination walks newest-first (offset 0
// is the latest page); the returned slice is reversed for display.
func (s *Store) Messages(chatID, limit, offset int64) (*MessagesPage, error) {
	total, err := s.chatdb.CountChatMessages(chatID)
	if err != nil {
		return nil, err
	}

	rows, err := s.chatdb.db.Query(`
		SELECT
			m.ROWID,
			m.guid,
			m.text,
			m.date,
			m.is_from_me,
			h.id,
			m.cache_has_attachments,
			m.attributedBody
		FROM message m
		JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		WHERE cmj.chat_id = ?
		  AND (m.associated_message_type = 0 OR m.associated_message_type IS NULL)
		ORDER BY m.date DESC
		LIMIT ? OFFSET ?
	`, chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			id             int64
			guid           string
			text           sql.NullString
			date           int64
			isFromMe       sql.NullInt64
			handle         sql.NullString
			hasAttachments sql.NullInt64
			body           []byte
		)
		if err := rows.Scan(&id, &guid, &text, &date, &isFromMe, &handle, &hasAttachments, &body); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg := Message{
			ID:          id,
			GUID:        guid,
			Time:        AppleTimeToUnixMillis(date),
			IsFromMe:    isFromMe.Int64 == 1,
			Reactions:   []Reaction{},
			Attachments: []Attachment{},
		}
		msg.Text = messageText(text, hasAttachments.Int64 == 1, body)
		if handle.Valid {
			h := handle.String
			msg.Handle = &h
			if name, ok := s.contacts.LookupCachedName(h); ok {
				msg.ContactName = &name
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	if err := s.attachReactions(messages); err != nil {
		return nil, err
	}
	if err := s.attachAttachments(messages); err != nil {
		return nil, err
	}

	// Reverse to chronological order for display.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return &MessagesPage{
		Messages: messages,
		Total:    total,
		HasMore:  offset+int64(len(messages)) < total,
	}, nil
}

// messageText picks the display text for a message row: the text column,
// an attachment indicator, the decoded body, or a generic placeholder for
// rows that carry a body we cannot decode.
func messageText(text sql.NullString, hasAttachments bool, body []byte) *string {
	if text.Valid && strings.TrimSpace(text.String) != "" {
		t := text.String
		return &t
	}
	if hasAttachments {
		t := "📎 Attachment"
		return &t
	}
	if len(body) > 0 {
		t := DecodeAttributedBody(body)
		if t == "" {
			t = "💬 Message"
		}
		return &t
	}
	return nil
}

// attachReactions batch-loads reactions for a page of messages via their
// wrapped association GUIDs and attaches them in store order.
func (s *Store) attachReactions(messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	// associated_message_guid comes wrapped ("p:0/GUID" or "bp:GUID"),
	// so match both shapes per message GUID.
	var patterns []string
	for _, msg := range messages {
		patterns = append(patterns, "%/"+msg.GUID, "bp:"+msg.GUID)
	}
	clauses := make([]string, len(patterns))
	for i := range patterns {
		clauses[i] = "associated_message_guid LIKE ?"
	}

	query := fmt.Sprintf(`
		SELECT associated_message_guid, associated_message_type, is_from_me
		FROM message
		WHERE associated_message_type BETWEEN 2000 AND 2999
		  AND (%s)
	`, strings.Join(clauses, " OR "))

	rows, err := s.chatdb.db.Query(query, stringArgs(patterns)...)
	if err != nil {
		return fmt.Errorf("failed to query reactions: %w", err)
	}
	defer rows.Close()

	reactionsMap := make(map[string][]Reaction)
	for rows.Next() {
		var assocGUID string
		var assocType int
		var isFromMe sql.NullInt64
		if err := rows.Scan(&assocGUID, &assocType, &isFromMe); err != nil {
			return fmt.Errorf("failed to scan reaction: %w", err)
		}

		emoji := ReactionEmoji(assocType)
		if emoji == "" {
			// Codes in the range but without a glyph have no visual form.
			continue
		}

		parent := NormalizeAssociationGUID(assocGUID)
		reactionsMap[parent] = append(reactionsMap[parent], Reaction{
			Emoji:    emoji,
			IsFromMe: isFromMe.Int64 == 1,
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating reactions: %w", err)
	}

	for i := range messages {
		if reactions, ok := reactionsMap[messages[i].GUID]; ok {
			messages[i].Reactions = reactions
		}
	}
	return nil
}

// attachAttachments batch-loads attachment metadata for a page of messages.
func (s *Store) attachAttachments(messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.ID)
	}

	query := fmt.Sprintf(`
		SELECT maj.message_id, a.ROWID, a.filename, a.mime_type, a.transfer_name, a.total_bytes
		FROM attachment a
		JOIN message_attachment_join maj ON a.ROWID = maj.attachment_id
		WHERE maj.message_id IN (%s)
	`, placeholders(len(ids)))

	rows, err := s.chatdb.db.Query(query, int64Args(ids)...)
	if err != nil {
		return fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	attachmentsMap := make(map[int64][]Attachment)
	for rows.Next() {
		var messageID, attachmentID int64
		var filename, mimeType, transferName sql.NullString
		var totalBytes sql.NullInt64
		if err := rows.Scan(&messageID, &attachmentID, &filename, &mimeType, &transferName, &totalBytes); err != nil {
			return fmt.Errorf("failed to scan attachment: %w", err)
		}

		att := Attachment{ID: attachmentID, TotalBytes: totalBytes.Int64}
		if filename.Valid {
			f := filename.String
			att.Filename = &f
		}
		if mimeType.Valid {
			m := mimeType.String
			att.MimeType = &m
		}
		if transferName.Valid {
			t := transferName.String
			att.TransferName = &t
		}
		attachmentsMap[messageID] = append(attachmentsMap[messageID], att)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating attachments: %w", err)
	}

	for i := range messages {
		if attachments, ok := attachmentsMap[messages[i].ID]; ok {
			messages[i].Attachments = attachments
		}
	}
	return nil
}

// MessagesForExtraction returns the full text-bearing history of a chat,
// oldest-first, for analysis collaborators. No pagination: extraction
// wants everything.
func (s *Store) MessagesForExtraction(chatID int64) ([]ExtractedMessage, error) {
	rows, err := s.chatdb.db.Query(`
		SELECT m.text, m.date, m.is_from_me, m.attributedBody
		FROM message m
		JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		WHERE cmj.chat_id = ?
		  AND (m.associated_message_type = 0 OR m.associated_message_type IS NULL)
		ORDER BY m.date ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for extraction: %w", err)
	}
	defer rows.Close()

	var messages []ExtractedMessage
	for rows.Next() {
		var text sql.NullString
		var date int64
		var isFromMe sql.NullInt64
		var body []byte
		if err := rows.Scan(&text, &date, &isFromMe, &body); err != nil {
			return nil, fmt.Errorf("failed to scan message for extraction: %w", err)
		}

		final := ""
		if text.Valid && strings.TrimSpace(text.String) != "" {
			final = text.String
		} else if len(body) > 0 {
			final = DecodeAttributedBody(body)
		}
		if final == "" {
			continue
		}

		messages = append(messages, ExtractedMessage{
			Text:      final,
			IsFromMe:  isFromMe.Int64 == 1,
			Timestamp: AppleTimeToUnixSeconds(date),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages for extraction: %w", err)
	}

	return messages, nil
}
