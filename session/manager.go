package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/perch-im/go-perch/config"
	"github.com/perch-im/go-perch/internal/db"
	"github.com/perch-im/go-perch/protocol"
	"github.com/perch-im/go-perch/store"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// ErrTimedOut is returned when no matching identity finishes authorizing
// within the configured ready-wait window.
var ErrTimedOut = errors.New("session: timed out waiting for ready result")

// Emitted on Updates() whenever an identity finishes authorizing.
type ReadyUpdate struct {
	Result *ReadyResult
}

// Emitted on Updates() when a provider-level sign-out stops all operations.
type SignedOutUpdate struct{}

type waiter struct {
	inboxID string
	ch      chan *ReadyResult
}

// Manager maintains exactly one authorization operation per provider-linked
// identity and is the lookup surface for obtaining a ReadyResult by inbox id.
type Manager struct {
	config   *config.Config
	log      *zap.SugaredLogger
	db       *db.Database
	store    *store.Manager
	builder  protocol.ClientBuilder
	provider protocol.IdentityProvider

	lock       sync.Mutex
	operations map[string]*operation
	published  map[string]*ReadyResult
	waiters    map[int]*waiter
	nextWaiter int

	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewManager(c *config.Config, d *db.Database, s *store.Manager, builder protocol.ClientBuilder, provider protocol.IdentityProvider) *Manager {
	return &Manager{
		config:     c,
		log:        c.Logger("session/manager"),
		db:         d,
		store:      s,
		builder:    builder,
		provider:   provider,
		operations: make(map[string]*operation),
		published:  make(map[string]*ReadyResult),
		waiters:    make(map[int]*waiter),
		updates:    make(chan interface{}, 100),
	}
}

func (m *Manager) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc
	if err := m.provider.Prepare(ctx); err != nil {
		cancelFunc()
		return fmt.Errorf("session: error preparing identity provider: %w", err)
	}
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update := <-m.provider.Updates():
				m.handleProviderUpdate(update)
			}
		}
	}()
	return nil
}

func (m *Manager) Updates() chan interface{} {
	return m.updates
}

func (m *Manager) Shutdown() {
	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	// stopping the operations closes their broadcasts, which unblocks any
	// watcher still waiting on an in-flight authorization
	m.stopAll()
	m.finished.Wait()
}

func (m *Manager) handleProviderUpdate(update protocol.ProviderUpdate) {
	switch update.State {
	case protocol.AuthAuthorized:
		for _, inbox := range update.Inboxes {
			m.ensureOperation(inbox, "")
		}
	case protocol.AuthRegistered:
		for _, inbox := range update.Inboxes {
			m.ensureOperation(inbox, update.DisplayName)
		}
	case protocol.AuthUnauthorized, protocol.AuthUnknown, protocol.AuthNotReady:
		// provider-level sign-out, not a user-requested deletion: stop,
		// don't delete
		m.stopAll()
		m.updates <- &SignedOutUpdate{}
	}
}

// ensureOperation creates and starts an operation for the inbox unless one
// is already tracked for its provider id. The check and the insert happen
// under one lock so back-to-back provider events cannot race a duplicate in.
func (m *Manager) ensureOperation(inbox protocol.Inbox, displayName string) {
	m.lock.Lock()
	if _, ok := m.operations[inbox.ProviderID]; ok {
		m.lock.Unlock()
		m.log.Debugf("already tracking provider id %s, skipping", inbox.ProviderID)
		return
	}
	op := newOperation(m.config, m.db, m.store, m.builder, inbox)
	m.operations[inbox.ProviderID] = op
	m.lock.Unlock()

	if displayName == "" {
		op.authorize()
	} else {
		op.register(displayName)
	}
	m.watchOperation(op)
}

// watchOperation forwards the operation's eventual ready result to waiters
// and the updates channel.
func (m *Manager) watchOperation(op *operation) {
	sub := op.ready.subscribe()
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		o, ok := <-sub
		if !ok || o.result == nil {
			return
		}
		m.lock.Lock()
		m.published[o.result.Inbox.InboxID] = o.result
		for id, w := range m.waiters {
			if w.inboxID == o.result.Inbox.InboxID {
				w.ch <- o.result
				delete(m.waiters, id)
			}
		}
		m.lock.Unlock()
		m.updates <- &ReadyUpdate{Result: o.result}
	}()
}

func (m *Manager) stopAll() {
	m.lock.Lock()
	ops := make([]*operation, 0, len(m.operations))
	for _, op := range m.operations {
		ops = append(ops, op)
	}
	m.operations = make(map[string]*operation)
	m.published = make(map[string]*ReadyResult)
	m.lock.Unlock()
	for _, op := range ops {
		op.stop()
	}
}

// ReadySnapshot returns the inbox ids of every identity currently holding a
// published ready result.
func (m *Manager) ReadySnapshot() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	keys := maps.Keys(m.published)
	sort.Strings(keys)
	return keys
}

// A ReadyHandle resolves to the ready result for one specific inbox id,
// however long that identity takes to authorize.
type ReadyHandle struct {
	manager *Manager
	inboxID string
}

// MessagingServiceFor returns a handle that waits on the first ReadyResult
// whose inbox id matches.
func (m *Manager) MessagingServiceFor(inboxID string) *ReadyHandle {
	return &ReadyHandle{manager: m, inboxID: inboxID}
}

func (h *ReadyHandle) Wait(ctx context.Context) (*ReadyResult, error) {
	m := h.manager
	m.lock.Lock()
	if r, ok := m.published[h.inboxID]; ok {
		m.lock.Unlock()
		return r, nil
	}
	id := m.nextWaiter
	m.nextWaiter++
	w := &waiter{inboxID: h.inboxID, ch: make(chan *ReadyResult, 1)}
	m.waiters[id] = w
	m.lock.Unlock()

	defer func() {
		m.lock.Lock()
		delete(m.waiters, id)
		m.lock.Unlock()
	}()

	timeout := time.Duration(m.config.ReadyWaitTimeoutMs) * time.Millisecond
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, ErrTimedOut
	case r := <-w.ch:
		return r, nil
	}
}

// AddAccount registers a brand-new identity, distinct from the provider's
// ambient state, and returns a handle bound to it.
func (m *Manager) AddAccount(ctx context.Context) (*ReadyHandle, error) {
	inbox, client, api, err := m.builder.Register(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("session: error registering account: %w", err)
	}
	if err := m.db.Run("persist added inbox", func() error {
		return m.store.SaveInbox(&store.InboxRow{
			InboxID:    inbox.InboxID,
			ProviderID: inbox.ProviderID,
			Kind:       int(inbox.Kind),
		})
	}); err != nil {
		return nil, err
	}

	m.lock.Lock()
	op, tracked := m.operations[inbox.ProviderID]
	if !tracked {
		op = newOperation(m.config, m.db, m.store, m.builder, inbox)
		m.operations[inbox.ProviderID] = op
	}
	m.lock.Unlock()
	if !tracked {
		m.watchOperation(op)
	}
	op.publishExisting(&ReadyResult{Client: client, API: api, Inbox: inbox})
	return m.MessagingServiceFor(inbox.InboxID), nil
}

// DeleteAccount tears down the identity for a provider id and instructs the
// provider to forget it.
func (m *Manager) DeleteAccount(ctx context.Context, providerID string) error {
	m.lock.Lock()
	op, ok := m.operations[providerID]
	if ok {
		delete(m.operations, providerID)
		delete(m.published, op.inbox.InboxID)
	}
	m.lock.Unlock()
	if !ok {
		return fmt.Errorf("session: no operation for provider id %s", providerID)
	}
	if err := op.deleteAndStop(ctx); err != nil {
		return err
	}
	return m.provider.DeleteAccount(ctx, providerID)
}

// OperationCount is the number of tracked operations, used by tests.
func (m *Manager) OperationCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.operations)
}
