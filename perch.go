// Package perch is a high-level client for a decentralized end-to-end
// encrypted messaging network. It owns the local encrypted store, drives
// conversation lifecycles, orchestrates identity authorization sessions,
// and admits members who present invite codes.
package perch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/perch-im/go-perch/clock"
	"github.com/perch-im/go-perch/config"
	"github.com/perch-im/go-perch/internal/db"
	"github.com/perch-im/go-perch/protocol"
	"github.com/perch-im/go-perch/session"
	"github.com/perch-im/go-perch/store"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

// An event indicating a change in the state of Perch.
type AppState struct {
	State int
}

// An event indicating a change to a local table.
type TableUpdate struct {
	Tablename string
}

// An event indicating an identity finished authorizing.
type IdentityReadyUpdate struct {
	InboxID    string
	ProviderID string
}

// An event indicating a provider-level sign-out.
type SignedOutUpdate struct{}

type Perch struct {
	DB *db.Database

	config     *config.Config
	log        *zap.SugaredLogger
	state      int
	clock      clock.Clock
	store      *store.Manager
	session    *session.Manager
	builder    protocol.ClientBuilder
	provider   protocol.IdentityProvider
	updates    chan interface{}
	ctx        context.Context
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup

	listenerLock sync.Mutex
	listeners    map[string]*joinListener
}

// Create a perch instance.
func NewPerch(c *config.Config, builder protocol.ClientBuilder, provider protocol.IdentityProvider) (*Perch, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making perch, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Perch{
		DB:        database,
		config:    c,
		log:       log,
		state:     state,
		clock:     clock.NewSystemClock(),
		builder:   builder,
		provider:  provider,
		updates:   make(chan interface{}, 100),
		listeners: make(map[string]*joinListener),
	}, nil
}

// Makes a key from a password.
func (p *Perch) NewKey(password string) ([]byte, error) {
	return newKey(password, p.config.RootDir, "salt")
}

// Gets various updates which must be dealt with. This will produce
// *AppState, *TableUpdate, *IdentityReadyUpdate, *SignedOutUpdate and
// *MemberJoinedUpdate values.
func (p *Perch) Updates() chan interface{} {
	return p.updates
}

// Returns true if perch is in NEW state.
func (p *Perch) New() bool {
	return p.state == StateNew
}

// Returns true if perch is in INITIALIZED state.
func (p *Perch) Initialized() bool {
	return p.state == StateInitialized
}

// Returns true if perch is in RUNNING state.
func (p *Perch) Running() bool {
	return p.state == StateRunning
}

// Initialize perch with a given key.
func (p *Perch) Initialize(key []byte) error {
	if p.state != StateNew {
		return errors.New("perch: cannot initialize unless in state new")
	}
	if err := p.DB.Initialize(key); err != nil {
		return err
	}
	p.setState(StateInitialized)
	return p.Open(key)
}

// Open an existing perch with a given key.
func (p *Perch) Open(key []byte) error {
	if p.state != StateInitialized {
		return errors.New("perch: cannot open unless in state initialized")
	}

	if err := p.DB.Open(key); err != nil {
		return err
	}

	if err := p.DB.Lock("initializing subsystems", func() error {
		storeManager, err := store.NewManager(p.config, p.DB, p.clock)
		if err != nil {
			return err
		}
		p.store = storeManager
		p.session = session.NewManager(p.config, p.DB, p.store, p.builder, p.provider)
		return nil
	}); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	p.ctx = ctx
	p.cancelFunc = cancelFunc

	if err := p.session.Start(); err != nil {
		cancelFunc()
		return err
	}

	p.setState(StateRunning)
	p.startUpdatePassing(ctx)
	return nil
}

// Gracefully stop a running perch instance.
func (p *Perch) Shutdown() error {
	if p.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	p.stopListeners()
	p.cancelFunc()
	p.finished.Wait()

	p.session.Shutdown()
	if err := p.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) != 0 {
		return fmt.Errorf("perch: error during shutdown: %s", strings.Join(errs, ", "))
	}

	p.cancelFunc = nil
	p.store = nil
	p.session = nil

	p.setState(StateInitialized)

	close(p.updates)
	p.updates = make(chan interface{}, 100)
	return nil
}

// Session exposes the identity session manager of a running instance.
func (p *Perch) Session() *session.Manager {
	return p.session
}

// Store exposes the local store of a running instance.
func (p *Perch) Store() *store.Manager {
	return p.store
}

// ReadyInboxIDs lists the identities that currently hold a ready messaging
// service.
func (p *Perch) ReadyInboxIDs() []string {
	if p.session == nil {
		return nil
	}
	return p.session.ReadySnapshot()
}

// CreateInvite mints an invite code for a conversation owned by one of this
// device's identities, persists it and publishes it so other members of the
// network can resolve it.
func (p *Perch) CreateInvite(ctx context.Context, conversationID string, maxUses int) (string, error) {
	if p.state != StateRunning {
		return "", fmt.Errorf("perch: expected state %d, was %d", StateRunning, p.state)
	}

	var conv *store.Conversation
	if err := p.DB.RunReadOnly("find conversation for invite", func() error {
		var err error
		conv, err = p.store.Conversation(conversationID)
		return err
	}); err != nil {
		return "", err
	}
	if conv == nil || conv.Draft {
		return "", ErrConversationNotFound
	}

	ready, err := p.session.MessagingServiceFor(conv.InboxID).Wait(ctx)
	if err != nil {
		return "", mapSessionErr(err)
	}

	code, err := NewInviteCode()
	if err != nil {
		return "", err
	}
	if err := p.DB.Run("create invite", func() error {
		return p.store.CreateInvite(&store.Invite{
			Code:           code,
			ConversationID: conversationID,
			Status:         store.InviteActive,
			MaxUses:        maxUses,
		})
	}); err != nil {
		return "", err
	}
	if err := ready.API.PublishInvite(ctx, &protocol.InviteDetails{
		Code:           code,
		ConversationID: conversationID,
		InviterInboxID: conv.InboxID,
		Status:         protocol.InviteActive,
	}); err != nil {
		return "", fmt.Errorf("perch: error publishing invite %s: %w", code, err)
	}
	return code, nil
}

// DisableInvite marks an invite unusable. Join requests presenting it are
// ignored from then on.
func (p *Perch) DisableInvite(code string) error {
	return p.DB.Run("disable invite", func() error {
		invite, err := p.store.InviteByCode(code)
		if err != nil {
			return err
		}
		if invite == nil {
			return ErrInviteNotFound
		}
		return p.store.SetInviteStatus(code, store.InviteDisabled)
	})
}

// Conversations lists the durable conversations held for one identity.
func (p *Perch) Conversations(inboxID string) ([]*store.Conversation, error) {
	var convs []*store.Conversation
	return convs, p.DB.RunReadOnly("list conversations", func() error {
		var err error
		convs, err = p.store.Conversations(inboxID)
		return err
	})
}

// Messages lists the stored messages of one conversation, oldest first.
func (p *Perch) Messages(conversationID string) ([]*store.Message, error) {
	var msgs []*store.Message
	return msgs, p.DB.RunReadOnly("list messages", func() error {
		var err error
		msgs, err = p.store.Messages(conversationID)
		return err
	})
}

func (p *Perch) sendUpdate(u interface{}) {
	select {
	case p.updates <- u:
	case <-p.ctx.Done():
	}
}

func (p *Perch) setState(state int) {
	p.state = state
	p.updates <- &AppState{state}
}

func (p *Perch) startUpdatePassing(ctx context.Context) {
	obs := p.store.Observe(
		store.TableConversations,
		store.TableMembers,
		store.TableMessages,
		store.TableInvites,
		store.TableLocalState,
		store.TableInboxes,
	)
	p.finished.Add(1)
	go func() {
		defer p.finished.Done()
		defer obs.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case tables := <-obs.C:
				for _, t := range tables {
					p.sendUpdate(&TableUpdate{Tablename: t})
				}
			case e := <-p.session.Updates():
				switch v := e.(type) {
				case *session.ReadyUpdate:
					p.log.Debugf("passing update: identity ready %s", v.Result.Inbox.InboxID)
					p.startListener(v.Result)
					p.sendUpdate(&IdentityReadyUpdate{
						InboxID:    v.Result.Inbox.InboxID,
						ProviderID: v.Result.Inbox.ProviderID,
					})
				case *session.SignedOutUpdate:
					p.log.Debugf("passing update: signed out")
					p.stopListeners()
					p.sendUpdate(&SignedOutUpdate{})
				default:
					p.log.Infof("unpassed event %#v", e)
				}
			}
		}
	}()
}

// startListener runs one join-request listener per ready identity,
// replacing any previous listener for the same inbox.
func (p *Perch) startListener(ready *session.ReadyResult) {
	p.listenerLock.Lock()
	defer p.listenerLock.Unlock()
	if existing, ok := p.listeners[ready.Inbox.InboxID]; ok {
		existing.stop()
	}
	p.listeners[ready.Inbox.InboxID] = p.startJoinListener(ready)
}

func (p *Perch) stopListeners() {
	p.listenerLock.Lock()
	defer p.listenerLock.Unlock()
	for id, l := range p.listeners {
		l.stop()
		delete(p.listeners, id)
	}
}
