package chat

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable backend: a single embedded database under the
// storage root, WAL mode, one table per record kind.
type SQLiteStore struct {
	Root   string
	dbPath string
	logger *Logger

	mu   sync.Mutex
	db   *sql.DB
	once sync.Once
	err  error
}

func NewSQLiteStore(root string, logger *Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	st := &SQLiteStore{
		Root:   root,
		dbPath: filepath.Join(root, "chatdesk.db"),
		logger: logger,
	}
	// Initialize eagerly so callers fail fast.
	if err := st.init(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) init() error {
	s.once.Do(func() {
		db, err := sql.Open("sqlite", s.dbPath)
		if err != nil {
			s.err = err
			return
		}
		// Keep sqlite responsive under contention.
		_, _ = db.Exec("PRAGMA busy_timeout = 5000;")
		_, _ = db.Exec("PRAGMA journal_mode = WAL;")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL;")

		schema := []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				title TEXT,
				description TEXT,
				status TEXT NOT NULL,
				pinned INTEGER NOT NULL DEFAULT 0,
				tags TEXT,
				has_unread INTEGER NOT NULL DEFAULT 0,
				message_count INTEGER NOT NULL DEFAULT 0,
				created_at_ns INTEGER NOT NULL,
				updated_at_ns INTEGER NOT NULL,
				last_active_at_ns INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_status_active ON sessions(status, last_active_at_ns);`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				tool_calls TEXT,
				segments TEXT,
				attachments TEXT,
				refs TEXT,
				created_at_ns INTEGER NOT NULL,
				PRIMARY KEY (session_id, id)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at_ns);`,
		}
		for _, stmt := range schema {
			if _, err := db.Exec(stmt); err != nil {
				_ = db.Close()
				s.err = err
				return
			}
		}

		s.db = db
	})
	return s.err
}

func (s *SQLiteStore) dbConn() (*sql.DB, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, errors.New("sqlite store unavailable")
	}
	return db, nil
}

func (s *SQLiteStore) PutSession(sess *Session) error {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return nil
	}
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	var tagsJSON interface{}
	if len(sess.Tags) > 0 {
		b, _ := json.Marshal(sess.Tags)
		tagsJSON = string(b)
	}
	_, err = db.Exec(
		`INSERT INTO sessions(id, title, description, status, pinned, tags, has_unread, message_count, created_at_ns, updated_at_ns, last_active_at_ns)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title,
		   description=excluded.description,
		   status=excluded.status,
		   pinned=excluded.pinned,
		   tags=excluded.tags,
		   has_unread=excluded.has_unread,
		   message_count=excluded.message_count,
		   updated_at_ns=excluded.updated_at_ns,
		   last_active_at_ns=excluded.last_active_at_ns`,
		sess.ID, nullIfEmpty(sess.Title), nullIfEmpty(sess.Description), string(sess.Status),
		boolToInt(sess.Pinned), tagsJSON, boolToInt(sess.HasUnreadActivity), sess.MessageCount,
		sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(), sess.LastActiveAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) GetSession(id string) (*Session, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, errors.New("missing session id")
	}
	db, err := s.dbConn()
	if err != nil {
		return nil, false, err
	}
	row := db.QueryRow(
		`SELECT id, title, description, status, pinned, tags, has_unread, message_count, created_at_ns, updated_at_ns, last_active_at_ns
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return sess, true, nil
}

func (s *SQLiteStore) ListSessions() ([]Session, error) {
	db, err := s.dbConn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(
		`SELECT id, title, description, status, pinned, tags, has_unread, message_count, created_at_ns, updated_at_ns, last_active_at_ns
		 FROM sessions ORDER BY created_at_ns ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Session, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing session id")
	}
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) PutMessages(sessionID string, msgs []Message) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session id")
	}
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for _, m := range msgs {
		if strings.TrimSpace(m.ID) == "" {
			s.logger.Warn("dropping message without id at storage boundary", map[string]interface{}{
				"session_id": sessionID,
				"role":       string(m.Role),
			})
			continue
		}
		created := m.CreatedAt.UnixNano()
		if m.CreatedAt.IsZero() {
			created = time.Now().UnixNano()
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO messages(id, session_id, role, content, tool_calls, segments, attachments, refs, created_at_ns)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, sessionID, string(m.Role), m.Content,
			jsonColumn(m.ToolCalls), jsonColumn(m.Segments),
			jsonColumn(m.Attachments), jsonColumn(m.References), created,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadMessages(sessionID string) ([]Message, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session id")
	}
	db, err := s.dbConn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(
		`SELECT id, session_id, role, content, tool_calls, segments, attachments, refs, created_at_ns
		 FROM messages WHERE session_id = ? ORDER BY created_at_ns ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 32)
	for rows.Next() {
		var m Message
		var toolCalls, segments, attachments, refs sql.NullString
		var createdNS int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCalls, &segments, &attachments, &refs, &createdNS); err != nil {
			continue
		}
		if toolCalls.Valid {
			_ = json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls)
		}
		if segments.Valid {
			_ = json.Unmarshal([]byte(segments.String), &m.Segments)
		}
		if attachments.Valid {
			_ = json.Unmarshal([]byte(attachments.String), &m.Attachments)
		}
		if refs.Valid {
			_ = json.Unmarshal([]byte(refs.String), &m.References)
		}
		m.CreatedAt = time.Unix(0, createdNS)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var title, description, tags sql.NullString
	var pinned, hasUnread int
	var createdNS, updatedNS, lastActiveNS int64
	err := row.Scan(&sess.ID, &title, &description, &sess.Status, &pinned, &tags, &hasUnread,
		&sess.MessageCount, &createdNS, &updatedNS, &lastActiveNS)
	if err != nil {
		return nil, err
	}
	if title.Valid {
		sess.Title = title.String
	}
	if description.Valid {
		sess.Description = description.String
	}
	if tags.Valid {
		_ = json.Unmarshal([]byte(tags.String), &sess.Tags)
	}
	sess.Pinned = pinned != 0
	sess.HasUnreadActivity = hasUnread != 0
	sess.CreatedAt = time.Unix(0, createdNS)
	sess.UpdatedAt = time.Unix(0, updatedNS)
	sess.LastActiveAt = time.Unix(0, lastActiveNS)
	return &sess, nil
}

func jsonColumn(v interface{}) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	str := string(b)
	if str == "null" || str == "[]" {
		return nil
	}
	return str
}

func nullIfEmpty(s string) interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
