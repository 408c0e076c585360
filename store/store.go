// Package store is the durable local mirror of conversations, members,
// messages, invites and per-conversation flags. It is the single source of
// truth across process restarts; the state machine and session layer hold
// only rebuildable coordination state on top of it.
//
// All reads and writes must run inside a db.Run/RunReadOnly scope owned by
// the caller. Change observation re-emits after any commit touching an
// observed table.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/perch-im/go-perch/clock"
	"github.com/perch-im/go-perch/config"
	"github.com/perch-im/go-perch/internal/db"
	"github.com/perch-im/go-perch/migration"
	"go.uber.org/zap"
)

const (
	TableConversations = "conversations"
	TableMembers       = "members"
	TableMessages      = "messages"
	TableInvites       = "invites"
	TableLocalState    = "conversation_local_state"
	TableInboxes       = "inboxes"
)

const (
	ConversationDM = iota
	ConversationGroup
)

const (
	RoleMember = iota
	RoleAdmin
	RoleSuperAdmin
)

const (
	MessageUnpublished = iota
	MessagePublished
)

const (
	InviteActive = iota
	InviteExpired
	InviteDisabled
)

type Conversation struct {
	ID             string `db:"id"`
	InboxID        string `db:"inbox_id"`
	CreatorInboxID string `db:"creator_inbox_id"`
	Name           string `db:"name"`
	Kind           int    `db:"kind"`
	Draft          bool   `db:"draft"`
	ConsentState   int    `db:"consent_state"`
	CreatedAtMs    uint64 `db:"created_at_ms"`
}

type Member struct {
	ConversationID string `db:"conversation_id"`
	InboxID        string `db:"inbox_id"`
	Role           int    `db:"role"`
}

type Message struct {
	ID             string `db:"id"`
	ConversationID string `db:"conversation_id"`
	SenderInboxID  string `db:"sender_inbox_id"`
	Body           string `db:"body"`
	Status         int    `db:"status"`
	SentAtMs       uint64 `db:"sent_at_ms"`
}

type Invite struct {
	Code           string `db:"code"`
	ConversationID string `db:"conversation_id"`
	Status         int    `db:"status"`
	Uses           int    `db:"uses"`
	MaxUses        int    `db:"max_uses"`
	CreatedAtMs    uint64 `db:"created_at_ms"`
}

type LocalState struct {
	ConversationID string `db:"conversation_id"`
	Pinned         bool   `db:"pinned"`
	Muted          bool   `db:"muted"`
	Unread         bool   `db:"unread"`
}

type InboxRow struct {
	InboxID     string `db:"inbox_id"`
	ProviderID  string `db:"provider_id"`
	Kind        int    `db:"kind"`
	DisplayName string `db:"display_name"`
}

type Manager struct {
	db    *db.Database
	clock clock.Clock
	log   *zap.SugaredLogger

	observerLock sync.Mutex
	observers    map[int]*Observation
	nextObserver int
}

func NewManager(c *config.Config, d *db.Database, cl clock.Clock) (*Manager, error) {
	log := c.Logger("store")

	if err := d.MigrateNoLock("_store", []*migration.Migration{
		{
			Name: "create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE conversations (
	id TEXT PRIMARY KEY,
	inbox_id TEXT NOT NULL,
	creator_inbox_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	kind INTEGER NOT NULL,
	draft INTEGER NOT NULL DEFAULT 0,
	consent_state INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE members (
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	inbox_id TEXT NOT NULL,
	role INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (conversation_id, inbox_id)
);

CREATE TABLE messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	sender_inbox_id TEXT NOT NULL,
	body TEXT NOT NULL,
	status INTEGER NOT NULL DEFAULT 0,
	sent_at_ms INTEGER NOT NULL
);

CREATE INDEX messages_conversation ON messages (conversation_id, sent_at_ms);

CREATE TABLE invites (
	code TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	status INTEGER NOT NULL DEFAULT 0,
	uses INTEGER NOT NULL DEFAULT 0,
	max_uses INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL
);

CREATE TABLE conversation_local_state (
	conversation_id TEXT PRIMARY KEY REFERENCES conversations(id),
	pinned INTEGER NOT NULL DEFAULT 0,
	muted INTEGER NOT NULL DEFAULT 0,
	unread INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE inboxes (
	inbox_id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	kind INTEGER NOT NULL DEFAULT 0,
	display_name TEXT NOT NULL DEFAULT ''
);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	m := &Manager{
		db:        d,
		clock:     cl,
		log:       log,
		observers: make(map[int]*Observation),
	}
	d.OnChange(m.notifyObservers)
	return m, nil
}

// An Observation re-emits the set of changed tables after every commit
// touching one of the tables it was registered for.
type Observation struct {
	C chan []string

	manager *Manager
	tables  map[string]bool
	id      int
	once    sync.Once
}

func (o *Observation) Stop() {
	o.once.Do(func() {
		o.manager.observerLock.Lock()
		delete(o.manager.observers, o.id)
		o.manager.observerLock.Unlock()
	})
}

func (m *Manager) Observe(tables ...string) *Observation {
	m.observerLock.Lock()
	defer m.observerLock.Unlock()
	o := &Observation{
		C:       make(chan []string, 100),
		manager: m,
		tables:  make(map[string]bool, len(tables)),
		id:      m.nextObserver,
	}
	for _, t := range tables {
		o.tables[t] = true
	}
	m.nextObserver++
	m.observers[o.id] = o
	return o
}

func (m *Manager) notifyObservers(changed []string) {
	m.observerLock.Lock()
	defer m.observerLock.Unlock()
	for _, o := range m.observers {
		matched := make([]string, 0, len(changed))
		for _, t := range changed {
			if o.tables[t] {
				matched = append(matched, t)
			}
		}
		if len(matched) == 0 {
			continue
		}
		select {
		case o.C <- matched:
		default:
			m.log.Warnf("dropping change notification %v", matched)
		}
	}
}

func (m *Manager) UpsertConversation(c *Conversation) error {
	if c.CreatedAtMs == 0 {
		c.CreatedAtMs = m.clock.CurrentTimeMs()
	}
	if _, err := m.db.Tx.NamedExec(`
		INSERT INTO conversations (id, inbox_id, creator_inbox_id, name, kind, draft, consent_state, created_at_ms)
		VALUES (:id, :inbox_id, :creator_inbox_id, :name, :kind, :draft, :consent_state, :created_at_ms)
		ON CONFLICT (id) DO UPDATE SET
			inbox_id = excluded.inbox_id,
			creator_inbox_id = excluded.creator_inbox_id,
			name = excluded.name,
			kind = excluded.kind,
			draft = excluded.draft,
			consent_state = excluded.consent_state`, c); err != nil {
		return fmt.Errorf("store: error upserting conversation %s: %w", c.ID, err)
	}
	m.db.MarkChanged(TableConversations)
	return nil
}

func (m *Manager) Conversation(id string) (*Conversation, error) {
	c := &Conversation{}
	if err := m.db.Tx.Get(c, "SELECT * FROM conversations WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting conversation %s: %w", id, err)
	}
	return c, nil
}

func (m *Manager) Conversations(inboxID string) ([]*Conversation, error) {
	convs := make([]*Conversation, 0)
	if err := m.db.Tx.Select(&convs, "SELECT * FROM conversations WHERE inbox_id = ? ORDER BY created_at_ms", inboxID); err != nil {
		return nil, fmt.Errorf("store: error listing conversations: %w", err)
	}
	return convs, nil
}

// DeleteConversation removes every row for a conversation in an order safe
// for the foreign keys: messages, members, local state, invites, then the
// conversation itself.
func (m *Manager) DeleteConversation(id string) error {
	for _, stmt := range []struct {
		table string
		query string
	}{
		{TableMessages, "DELETE FROM messages WHERE conversation_id = ?"},
		{TableMembers, "DELETE FROM members WHERE conversation_id = ?"},
		{TableLocalState, "DELETE FROM conversation_local_state WHERE conversation_id = ?"},
		{TableInvites, "DELETE FROM invites WHERE conversation_id = ?"},
		{TableConversations, "DELETE FROM conversations WHERE id = ?"},
	} {
		if _, err := m.db.Tx.Exec(stmt.query, id); err != nil {
			return fmt.Errorf("store: error deleting from %s for %s: %w", stmt.table, id, err)
		}
		m.db.MarkChanged(stmt.table)
	}
	return nil
}

// MigrateDraft rewrites every row keyed to a draft conversation id onto the
// final remote-assigned id and clears the draft flag. defer_foreign_keys is
// on inside the transaction so update order does not matter.
func (m *Manager) MigrateDraft(draftID, finalID string) error {
	if _, err := m.db.Tx.Exec("UPDATE conversations SET id = ?, draft = 0 WHERE id = ?", finalID, draftID); err != nil {
		return fmt.Errorf("store: error migrating draft conversation %s: %w", draftID, err)
	}
	for _, stmt := range []struct {
		table string
		query string
	}{
		{TableMembers, "UPDATE members SET conversation_id = ? WHERE conversation_id = ?"},
		{TableMessages, "UPDATE messages SET conversation_id = ? WHERE conversation_id = ?"},
		{TableLocalState, "UPDATE conversation_local_state SET conversation_id = ? WHERE conversation_id = ?"},
		{TableInvites, "UPDATE invites SET conversation_id = ? WHERE conversation_id = ?"},
	} {
		if _, err := m.db.Tx.Exec(stmt.query, finalID, draftID); err != nil {
			return fmt.Errorf("store: error migrating draft rows in %s: %w", stmt.table, err)
		}
		m.db.MarkChanged(stmt.table)
	}
	m.db.MarkChanged(TableConversations)
	return nil
}

func (m *Manager) AddMember(conversationID, inboxID string, role int) error {
	if _, err := m.db.Tx.Exec(`
		INSERT INTO members (conversation_id, inbox_id, role) VALUES (?, ?, ?)
		ON CONFLICT (conversation_id, inbox_id) DO UPDATE SET role = excluded.role`,
		conversationID, inboxID, role); err != nil {
		return fmt.Errorf("store: error adding member %s to %s: %w", inboxID, conversationID, err)
	}
	m.db.MarkChanged(TableMembers)
	return nil
}

func (m *Manager) Members(conversationID string) ([]*Member, error) {
	members := make([]*Member, 0)
	if err := m.db.Tx.Select(&members, "SELECT * FROM members WHERE conversation_id = ? ORDER BY inbox_id", conversationID); err != nil {
		return nil, fmt.Errorf("store: error listing members for %s: %w", conversationID, err)
	}
	return members, nil
}

func (m *Manager) InsertMessage(msg *Message) error {
	if msg.SentAtMs == 0 {
		msg.SentAtMs = m.clock.CurrentTimeMs()
	}
	if _, err := m.db.Tx.NamedExec(`
		INSERT INTO messages (id, conversation_id, sender_inbox_id, body, status, sent_at_ms)
		VALUES (:id, :conversation_id, :sender_inbox_id, :body, :status, :sent_at_ms)
		ON CONFLICT (id) DO NOTHING`, msg); err != nil {
		return fmt.Errorf("store: error inserting message %s: %w", msg.ID, err)
	}
	m.db.MarkChanged(TableMessages)
	return nil
}

func (m *Manager) SetMessageStatus(id string, status int) error {
	if _, err := m.db.Tx.Exec("UPDATE messages SET status = ? WHERE id = ?", status, id); err != nil {
		return fmt.Errorf("store: error updating message %s: %w", id, err)
	}
	m.db.MarkChanged(TableMessages)
	return nil
}

func (m *Manager) Messages(conversationID string) ([]*Message, error) {
	msgs := make([]*Message, 0)
	if err := m.db.Tx.Select(&msgs, "SELECT * FROM messages WHERE conversation_id = ? ORDER BY sent_at_ms, id", conversationID); err != nil {
		return nil, fmt.Errorf("store: error listing messages for %s: %w", conversationID, err)
	}
	return msgs, nil
}

func (m *Manager) UnpublishedMessages(conversationID string) ([]*Message, error) {
	msgs := make([]*Message, 0)
	if err := m.db.Tx.Select(&msgs, "SELECT * FROM messages WHERE conversation_id = ? AND status = ? ORDER BY sent_at_ms, id", conversationID, MessageUnpublished); err != nil {
		return nil, fmt.Errorf("store: error listing unpublished messages for %s: %w", conversationID, err)
	}
	return msgs, nil
}

func (m *Manager) CreateInvite(inv *Invite) error {
	if inv.CreatedAtMs == 0 {
		inv.CreatedAtMs = m.clock.CurrentTimeMs()
	}
	if _, err := m.db.Tx.NamedExec(`
		INSERT INTO invites (code, conversation_id, status, uses, max_uses, created_at_ms)
		VALUES (:code, :conversation_id, :status, :uses, :max_uses, :created_at_ms)`, inv); err != nil {
		return fmt.Errorf("store: error creating invite %s: %w", inv.Code, err)
	}
	m.db.MarkChanged(TableInvites)
	return nil
}

func (m *Manager) InviteByCode(code string) (*Invite, error) {
	inv := &Invite{}
	if err := m.db.Tx.Get(inv, "SELECT * FROM invites WHERE code = ?", code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting invite %s: %w", code, err)
	}
	return inv, nil
}

func (m *Manager) SetInviteStatus(code string, status int) error {
	if _, err := m.db.Tx.Exec("UPDATE invites SET status = ? WHERE code = ?", status, code); err != nil {
		return fmt.Errorf("store: error updating invite %s: %w", code, err)
	}
	m.db.MarkChanged(TableInvites)
	return nil
}

// RecordInviteUse increments the usage counter, disabling the invite when a
// maximum is configured and reached.
func (m *Manager) RecordInviteUse(code string) error {
	inv, err := m.InviteByCode(code)
	if err != nil {
		return err
	}
	if inv == nil {
		return fmt.Errorf("store: no invite for code %s", code)
	}
	inv.Uses++
	status := inv.Status
	if inv.MaxUses > 0 && inv.Uses >= inv.MaxUses {
		status = InviteDisabled
	}
	if _, err := m.db.Tx.Exec("UPDATE invites SET uses = ?, status = ? WHERE code = ?", inv.Uses, status, code); err != nil {
		return fmt.Errorf("store: error recording invite use %s: %w", code, err)
	}
	m.db.MarkChanged(TableInvites)
	return nil
}

func (m *Manager) EnsureLocalState(conversationID string) error {
	if _, err := m.db.Tx.Exec(`
		INSERT INTO conversation_local_state (conversation_id) VALUES (?)
		ON CONFLICT (conversation_id) DO NOTHING`, conversationID); err != nil {
		return fmt.Errorf("store: error ensuring local state for %s: %w", conversationID, err)
	}
	m.db.MarkChanged(TableLocalState)
	return nil
}

func (m *Manager) LocalState(conversationID string) (*LocalState, error) {
	ls := &LocalState{}
	if err := m.db.Tx.Get(ls, "SELECT * FROM conversation_local_state WHERE conversation_id = ?", conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting local state for %s: %w", conversationID, err)
	}
	return ls, nil
}

func (m *Manager) SetLocalFlags(conversationID string, pinned, muted, unread bool) error {
	if _, err := m.db.Tx.Exec(`
		UPDATE conversation_local_state SET pinned = ?, muted = ?, unread = ? WHERE conversation_id = ?`,
		pinned, muted, unread, conversationID); err != nil {
		return fmt.Errorf("store: error setting local flags for %s: %w", conversationID, err)
	}
	m.db.MarkChanged(TableLocalState)
	return nil
}

func (m *Manager) SaveInbox(row *InboxRow) error {
	if _, err := m.db.Tx.NamedExec(`
		INSERT INTO inboxes (inbox_id, provider_id, kind, display_name)
		VALUES (:inbox_id, :provider_id, :kind, :display_name)
		ON CONFLICT (inbox_id) DO UPDATE SET
			provider_id = excluded.provider_id,
			kind = excluded.kind,
			display_name = excluded.display_name`, row); err != nil {
		return fmt.Errorf("store: error saving inbox %s: %w", row.InboxID, err)
	}
	m.db.MarkChanged(TableInboxes)
	return nil
}

func (m *Manager) Inbox(inboxID string) (*InboxRow, error) {
	row := &InboxRow{}
	if err := m.db.Tx.Get(row, "SELECT * FROM inboxes WHERE inbox_id = ?", inboxID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: error getting inbox %s: %w", inboxID, err)
	}
	return row, nil
}

func (m *Manager) DeleteInbox(inboxID string) error {
	if _, err := m.db.Tx.Exec("DELETE FROM inboxes WHERE inbox_id = ?", inboxID); err != nil {
		return fmt.Errorf("store: error deleting inbox %s: %w", inboxID, err)
	}
	m.db.MarkChanged(TableInboxes)
	return nil
}
