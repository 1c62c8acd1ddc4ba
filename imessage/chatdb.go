package imessage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ChatDB provides read-only access to Apple's chat.db.
type ChatDB struct {
	db   *sql.DB
	path string
}

// DefaultChatDBPath returns the path to the macOS Messages chat.db.
func DefaultChatDBPath() string {
	if override := os.Getenv("PULSE_CHAT_DB"); override != "" {
		return os.ExpandEnv(override)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// OpenChatDB opens chat.db with read-only optimized pragmas.
func OpenChatDB(path string) (*ChatDB, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("chat.db not found at %s", path)
	}

	// Read-only URI mode. Don't use immutable=1 for a live Messages DB
	// (it uses WAL).
	uri := fmt.Sprintf("file:%s?mode=ro", path)
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat.db: %w", err)
	}

	pragmas := []string{
		"PRAGMA query_only=ON",
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-262144",  // 256MB cache
		"PRAGMA mmap_size=268435456", // 256MB memory map
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			// Ignore pragma errors (some may not be supported)
			continue
		}
	}

	return &ChatDB{db: db, path: path}, nil
}

// Close closes the chat.db connection.
func (c *ChatDB) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Path returns the path to the chat.db file.
func (c *ChatDB) Path() string {
	return c.path
}

// DB exposes the underlying handle for query composition by the store.
func (c *ChatDB) DB() *sql.DB {
	return c.db
}

// CountChats returns the total number of chats.
func (c *ChatDB) CountChats() (int64, error) {
	var total int64
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM chat`).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count chats: %w", err)
	}
	return total, nil
}

// CountChatMessages returns the number of non-reaction messages in a chat.
func (c *ChatDB) CountChatMessages(chatID int64) (int64, error) {
	var total int64
	err := c.db.QueryRow(`
		SELECT COUNT(*)
		FROM chat_message_join cmj
		JOIN message m ON cmj.message_id = m.ROWID
		WHERE cmj.chat_id = ?
		  AND (m.associated_message_type = 0 OR m.associated_message_type IS NULL)
	`, chatID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return total, nil
}

// SearchHandles returns handle ids containing the query, case-insensitive.
func (c *ChatDB) SearchHandles(query string, limit int64) ([]string, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := c.db.Query(`
		SELECT id FROM handle
		WHERE LOWER(id) LIKE ?
		ORDER BY id
		LIMIT ?
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search handles: %w", err)
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan handle: %w", err)
		}
		handles = append(handles, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating handles: %w", err)
	}
	return handles, nil
}

// OriginalMessageTexts batch-fetches the text of messages by GUID, used to
// quote a reaction's parent. GUIDs may arrive in wrapped association form;
// they are normalized before the lookup. Messages without a usable text
// column fall back to the attributedBody decoder. Returns one query's
// worth of results keyed by bare GUID; GUIDs with no recoverable text are
// simply absent.
func (c *ChatDB) OriginalMessageTexts(guids []string) (map[string]string, error) {
	texts := make(map[string]string)
	if len(guids) == 0 {
		return texts, nil
	}

	normalized := make([]string, 0, len(guids))
	for _, g := range guids {
		normalized = append(normalized, NormalizeAssociationGUID(g))
	}

	query := fmt.Sprintf(
		`SELECT guid, text, attributedBody FROM message WHERE guid IN (%s)`,
		placeholders(len(normalized)),
	)
	rows, err := c.db.Query(query, stringArgs(normalized)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query original messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var guid string
		var text sql.NullString
		var body []byte
		if err := rows.Scan(&guid, &text, &body); err != nil {
			return nil, fmt.Errorf("failed to scan original message: %w", err)
		}

		final := ""
		if text.Valid && strings.TrimSpace(text.String) != "" {
			final = text.String
		} else if len(body) > 0 {
			final = DecodeAttributedBody(body)
		}
		if final != "" {
			texts[guid] = final
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating original messages: %w", err)
	}

	return texts, nil
}

// placeholders returns "?,?,...,?" with n placeholders.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func int64Args(values []int64) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
