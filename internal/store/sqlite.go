package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.io/infrasutra/btmap/internal/events"
)

// ErrNotFound is returned when a message, conversation or permission does
// not exist in the requested mailbox.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db      *sql.DB
	changes *events.Hub[events.Change]
}

// Option configures a Store.
type Option func(*Store)

// WithChanges publishes one events.Change per committed modification batch
// on hub, using the mailbox as topic.
func WithChanges(hub *events.Hub[events.Change]) Option {
	return func(s *Store) {
		s.changes = hub
	}
}

func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS threads (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            mailbox TEXT NOT NULL,
            peer_addr TEXT NOT NULL,
            peer_name TEXT NOT NULL,
            version INTEGER NOT NULL DEFAULT 0,
            UNIQUE(mailbox, peer_addr)
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            mailbox TEXT NOT NULL,
            type TEXT NOT NULL,
            folder TEXT NOT NULL,
            old_folder TEXT NOT NULL DEFAULT '',
            thread_id INTEGER NOT NULL,
            subject TEXT NOT NULL,
            sender_name TEXT NOT NULL,
            sender_addr TEXT NOT NULL,
            recipient_name TEXT NOT NULL,
            recipient_addr TEXT NOT NULL,
            reply_to TEXT NOT NULL,
            body BLOB NOT NULL,
            read INTEGER NOT NULL,
            sent INTEGER NOT NULL,
            priority INTEGER NOT NULL,
            protected INTEGER NOT NULL,
            attachment_size INTEGER NOT NULL,
            delivery_status TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            FOREIGN KEY(thread_id) REFERENCES threads(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS peer_permissions (
            peer TEXT PRIMARY KEY,
            allowed INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS owner_status (
            mailbox TEXT PRIMARY KEY,
            presence INTEGER NOT NULL,
            presence_text TEXT NOT NULL,
            last_activity INTEGER NOT NULL,
            chat_state INTEGER NOT NULL,
            chat_convo TEXT NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_mailbox_folder ON messages(mailbox, folder);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_id ON messages(created_at, id);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) publish(mailbox string, op events.Op, rows []events.Row) {
	if s.changes == nil || len(rows) == 0 {
		return
	}
	s.changes.Publish(mailbox, events.Change{Mailbox: mailbox, Op: op, Rows: rows})
}

func rowOf(m *Message) events.Row {
	return events.Row{
		ID:         m.ID,
		Type:       m.Type,
		Folder:     m.Folder,
		OldFolder:  m.OldFolder,
		ThreadID:   m.ThreadID,
		Subject:    m.Subject,
		SenderName: m.SenderName,
		Read:       m.Read,
		Priority:   m.Priority,
		CreatedAt:  m.CreatedAt,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// threadFor finds or creates the thread with the remote party of m.
func threadFor(ctx context.Context, tx *sql.Tx, m *Message) (int64, error) {
	addr, name := m.SenderAddr, m.SenderName
	if !m.Incoming() {
		addr, name = m.RecipientAddr, m.RecipientName
	}
	addr = strings.ToLower(strings.TrimSpace(addr))
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM threads WHERE mailbox = ? AND peer_addr = ?;`, m.Mailbox, addr).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("find thread: %w", err)
	}
	result, err := tx.ExecContext(ctx, `INSERT INTO threads (mailbox, peer_addr, peer_name) VALUES (?, ?, ?);`, m.Mailbox, addr, name)
	if err != nil {
		return 0, fmt.Errorf("insert thread: %w", err)
	}
	return result.LastInsertId()
}

func bumpThreads(ctx context.Context, tx *sql.Tx, ids map[int64]struct{}) error {
	for id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE threads SET version = version + 1 WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("bump thread: %w", err)
		}
	}
	return nil
}

// InsertMessage stores m, assigning its id and thread, and publishes an
// insert change.
func (s *Store) InsertMessage(ctx context.Context, m Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	m.Folder = strings.ToLower(m.Folder)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.ThreadID == 0 {
		if m.ThreadID, err = threadFor(ctx, tx, &m); err != nil {
			return 0, err
		}
	}
	if m.Body == nil {
		m.Body = []byte{}
	}
	result, err := tx.ExecContext(ctx, `INSERT INTO messages
        (mailbox, type, folder, old_folder, thread_id, subject, sender_name, sender_addr,
         recipient_name, recipient_addr, reply_to, body, read, sent, priority, protected,
         attachment_size, delivery_status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		m.Mailbox,
		m.Type,
		m.Folder,
		m.OldFolder,
		m.ThreadID,
		m.Subject,
		m.SenderName,
		m.SenderAddr,
		m.RecipientName,
		m.RecipientAddr,
		m.ReplyTo,
		m.Body,
		boolInt(m.Read),
		boolInt(m.Sent),
		boolInt(m.Priority),
		boolInt(m.Protected),
		m.AttachmentSize,
		m.DeliveryStatus,
		m.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	if m.ID, err = result.LastInsertId(); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	if err := bumpThreads(ctx, tx, map[int64]struct{}{m.ThreadID: {}}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit message: %w", err)
	}
	s.publish(m.Mailbox, events.OpInsert, []events.Row{rowOf(&m)})
	return m.ID, nil
}

const messageColumns = `id, mailbox, type, folder, old_folder, thread_id, subject, sender_name, sender_addr,
    recipient_name, recipient_addr, reply_to, length(body), read, sent, priority, protected,
    attachment_size, delivery_status, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner, extra ...any) (Message, error) {
	var m Message
	var read, sent, priority, protected int
	var createdAt int64
	dest := []any{
		&m.ID, &m.Mailbox, &m.Type, &m.Folder, &m.OldFolder, &m.ThreadID, &m.Subject,
		&m.SenderName, &m.SenderAddr, &m.RecipientName, &m.RecipientAddr, &m.ReplyTo,
		&m.Size, &read, &sent, &priority, &protected, &m.AttachmentSize, &m.DeliveryStatus,
		&createdAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Message{}, err
	}
	m.Read, m.Sent, m.Priority, m.Protected = read != 0, sent != 0, priority != 0, protected != 0
	m.CreatedAt = time.Unix(createdAt, 0)
	return m, nil
}

// ListMessages returns the messages of mailbox matching f, newest first,
// without bodies.
func (s *Store) ListMessages(ctx context.Context, mailbox string, f Filter) ([]Message, error) {
	where := []string{"mailbox = ?"}
	args := []any{mailbox}
	if f.Folder != "" {
		where = append(where, "folder = ?")
		args = append(args, strings.ToLower(f.Folder))
	}
	if len(f.Types) > 0 {
		where = append(where, "type IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.Types)), ",")+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	switch f.ReadStatus {
	case ReadUnread:
		where = append(where, "read = 0")
	case ReadRead:
		where = append(where, "read = 1")
	}
	switch f.Priority {
	case PriorityHigh:
		where = append(where, "priority = 1")
	case PriorityNonHigh:
		where = append(where, "priority = 0")
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.Unix())
	}
	if term := strings.TrimSpace(f.Originator); term != "" {
		where = append(where, "(sender_addr LIKE ? OR sender_name LIKE ?)")
		args = append(args, "%"+term+"%", "%"+term+"%")
	}
	if term := strings.TrimSpace(f.Recipient); term != "" {
		where = append(where, "(recipient_addr LIKE ? OR recipient_name LIKE ?)")
		args = append(args, "%"+term+"%", "%"+term+"%")
	}
	if f.ThreadID != 0 {
		where = append(where, "thread_id = ?")
		args = append(args, f.ThreadID)
	}

	query := "SELECT " + messageColumns + " FROM messages WHERE " + strings.Join(where, " AND ") +
		" ORDER BY created_at DESC, id DESC;"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// GetMessage returns one message with its body.
func (s *Store) GetMessage(ctx context.Context, mailbox string, id int64) (Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+", body FROM messages WHERE id = ? AND mailbox = ?;", id, mailbox)
	var body []byte
	m, err := scanMessage(row, &body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	m.Body = body
	return m, nil
}

// SetRead changes the read flag of ids and publishes one change for the
// whole batch.
func (s *Store) SetRead(ctx context.Context, mailbox string, ids []int64, read bool) error {
	return s.update(ctx, mailbox, ids, events.OpRead, func(tx *sql.Tx, m *Message) (bool, error) {
		if m.Read == read {
			return false, nil
		}
		m.Read = read
		_, err := tx.ExecContext(ctx, `UPDATE messages SET read = ? WHERE id = ?;`, boolInt(read), m.ID)
		return true, err
	})
}

// SetDeleted moves ids to the deleted folder, or back to the folder they
// came from.
func (s *Store) SetDeleted(ctx context.Context, mailbox string, ids []int64, deleted bool) error {
	return s.update(ctx, mailbox, ids, events.OpMove, func(tx *sql.Tx, m *Message) (bool, error) {
		switch {
		case deleted && m.Folder != "deleted":
			m.OldFolder, m.Folder = m.Folder, "deleted"
		case !deleted && m.Folder == "deleted":
			m.Folder = m.OldFolder
			if m.Folder == "" {
				m.Folder = "inbox"
			}
			m.OldFolder = "deleted"
		default:
			return false, nil
		}
		_, err := tx.ExecContext(ctx, `UPDATE messages SET folder = ?, old_folder = ? WHERE id = ?;`, m.Folder, m.OldFolder, m.ID)
		return true, err
	})
}

// MoveMessage puts ids into folder, marking them sent when the target is
// the sent folder.
func (s *Store) MoveMessage(ctx context.Context, mailbox string, ids []int64, folder string) error {
	folder = strings.ToLower(folder)
	return s.update(ctx, mailbox, ids, events.OpMove, func(tx *sql.Tx, m *Message) (bool, error) {
		if m.Folder == folder {
			return false, nil
		}
		m.OldFolder, m.Folder = m.Folder, folder
		if folder == "sent" {
			m.Sent = true
		}
		_, err := tx.ExecContext(ctx, `UPDATE messages SET folder = ?, old_folder = ?, sent = ? WHERE id = ?;`,
			m.Folder, m.OldFolder, boolInt(m.Sent), m.ID)
		return true, err
	})
}

// DeleteMessages removes ids for good.
func (s *Store) DeleteMessages(ctx context.Context, mailbox string, ids []int64) error {
	return s.update(ctx, mailbox, ids, events.OpDelete, func(tx *sql.Tx, m *Message) (bool, error) {
		_, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, m.ID)
		return true, err
	})
}

func (s *Store) update(ctx context.Context, mailbox string, ids []int64, op events.Op, apply func(*sql.Tx, *Message) (bool, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var rows []events.Row
	threads := map[int64]struct{}{}
	for _, id := range ids {
		m, err := scanMessage(tx.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ? AND mailbox = ?;", id, mailbox))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("message %d: %w", id, ErrNotFound)
			}
			return fmt.Errorf("load message: %w", err)
		}
		changed, err := apply(tx, &m)
		if err != nil {
			return fmt.Errorf("%s message: %w", op, err)
		}
		if !changed {
			continue
		}
		rows = append(rows, rowOf(&m))
		threads[m.ThreadID] = struct{}{}
	}
	if op != events.OpDelete {
		if err := bumpThreads(ctx, tx, threads); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, err)
	}
	s.publish(mailbox, op, rows)
	return nil
}

// ListConversations returns the threads of mailbox with at least one
// message, most recently active first.
func (s *Store) ListConversations(ctx context.Context, mailbox string, f ConversationFilter) ([]Conversation, error) {
	having := []string{"COUNT(m.id) > 0"}
	args := []any{mailbox}
	where := "t.mailbox = ?"
	if f.ID != 0 {
		where += " AND t.id = ?"
		args = append(args, f.ID)
	}
	var havingArgs []any
	if !f.Since.IsZero() {
		having = append(having, "MAX(m.created_at) >= ?")
		havingArgs = append(havingArgs, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		having = append(having, "MAX(m.created_at) < ?")
		havingArgs = append(havingArgs, f.Until.Unix())
	}
	switch f.ReadStatus {
	case ReadUnread:
		having = append(having, "SUM(1 - m.read) > 0")
	case ReadRead:
		having = append(having, "SUM(1 - m.read) = 0")
	}
	query := `SELECT t.id, t.mailbox, t.peer_addr, t.peer_name, t.version,
        MAX(m.created_at), COUNT(m.id), SUM(1 - m.read),
        (SELECT subject FROM messages m2 WHERE m2.thread_id = t.id ORDER BY m2.created_at DESC, m2.id DESC LIMIT 1)
        FROM threads t JOIN messages m ON m.thread_id = t.id
        WHERE ` + where + `
        GROUP BY t.id
        HAVING ` + strings.Join(having, " AND ") + `
        ORDER BY MAX(m.created_at) DESC, t.id DESC;`
	rows, err := s.db.QueryContext(ctx, query, append(args, havingArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var last int64
		if err := rows.Scan(&c.ID, &c.Mailbox, &c.PeerAddr, &c.PeerName, &c.Version, &last, &c.Messages, &c.Unread, &c.Summary); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.LastActivity = time.Unix(last, 0)
		c.Name = c.PeerName
		if c.Name == "" {
			c.Name = c.PeerAddr
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

// OwnerStatus returns the owner status of mailbox. A mailbox nobody set a
// status for reports the zero status.
func (s *Store) OwnerStatus(ctx context.Context, mailbox string) (OwnerStatus, error) {
	return ownerStatus(ctx, s.db, mailbox)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ownerStatus(ctx context.Context, q queryRower, mailbox string) (OwnerStatus, error) {
	st := OwnerStatus{Mailbox: mailbox}
	var last, updated int64
	err := q.QueryRowContext(ctx, `SELECT presence, presence_text, last_activity, chat_state, chat_convo, updated_at
        FROM owner_status WHERE mailbox = ?;`, mailbox).
		Scan(&st.Presence, &st.PresenceText, &last, &st.ChatState, &st.ChatConvo, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return OwnerStatus{}, fmt.Errorf("get owner status: %w", err)
	}
	if last != 0 {
		st.LastActivity = time.Unix(last, 0)
	}
	st.UpdatedAt = time.Unix(updated, 0)
	return st, nil
}

// SetOwnerStatus merges u into the stored owner status of mailbox.
func (s *Store) SetOwnerStatus(ctx context.Context, mailbox string, u OwnerStatusUpdate, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := ownerStatus(ctx, tx, mailbox)
	if err != nil {
		return err
	}
	if u.Presence != nil {
		st.Presence = *u.Presence
	}
	if u.PresenceText != nil {
		st.PresenceText = *u.PresenceText
	}
	if u.LastActivity != nil {
		st.LastActivity = *u.LastActivity
	}
	if u.ChatState != nil {
		st.ChatState = *u.ChatState
	}
	if u.ChatConvo != nil {
		st.ChatConvo = *u.ChatConvo
	}
	var last int64
	if !st.LastActivity.IsZero() {
		last = st.LastActivity.Unix()
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO owner_status
        (mailbox, presence, presence_text, last_activity, chat_state, chat_convo, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(mailbox) DO UPDATE SET presence = excluded.presence,
            presence_text = excluded.presence_text, last_activity = excluded.last_activity,
            chat_state = excluded.chat_state, chat_convo = excluded.chat_convo,
            updated_at = excluded.updated_at;`,
		mailbox, st.Presence, st.PresenceText, last, st.ChatState, st.ChatConvo, now.Unix())
	if err != nil {
		return fmt.Errorf("set owner status: %w", err)
	}
	return tx.Commit()
}

// Permission returns the remembered decision for peer.
func (s *Store) Permission(ctx context.Context, peer string) (Permission, error) {
	var p Permission
	var allowed int
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT peer, allowed, updated_at FROM peer_permissions WHERE peer = ?;`,
		strings.ToUpper(peer)).Scan(&p.Peer, &allowed, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Permission{}, fmt.Errorf("permission %s: %w", peer, ErrNotFound)
		}
		return Permission{}, fmt.Errorf("get permission: %w", err)
	}
	p.Allowed = allowed != 0
	p.UpdatedAt = time.Unix(updated, 0)
	return p, nil
}

func (s *Store) SetPermission(ctx context.Context, peer string, allowed bool, now time.Time) error {
	query := `INSERT INTO peer_permissions (peer, allowed, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT(peer) DO UPDATE SET allowed = excluded.allowed, updated_at = excluded.updated_at;`
	if _, err := s.db.ExecContext(ctx, query, strings.ToUpper(peer), boolInt(allowed), now.Unix()); err != nil {
		return fmt.Errorf("set permission: %w", err)
	}
	return nil
}

// ForgetPermission drops a remembered decision; the next connection from
// peer asks again.
func (s *Store) ForgetPermission(ctx context.Context, peer string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM peer_permissions WHERE peer = ?;`, strings.ToUpper(peer))
	if err != nil {
		return false, fmt.Errorf("forget permission: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("forget permission: %w", err)
	}
	return rows > 0, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer, allowed, updated_at FROM peer_permissions ORDER BY peer;`)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var p Permission
		var allowed int
		var updated int64
		if err := rows.Scan(&p.Peer, &allowed, &updated); err != nil {
			return nil, fmt.Errorf("list permissions: %w", err)
		}
		p.Allowed = allowed != 0
		p.UpdatedAt = time.Unix(updated, 0)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	return out, nil
}
