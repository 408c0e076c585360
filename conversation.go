package perch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/perch-im/go-perch/protocol"
	"github.com/perch-im/go-perch/session"
	"github.com/perch-im/go-perch/store"
	"go.uber.org/zap"
)

type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseCreating
	PhaseValidating
	PhaseValidated
	PhaseJoining
	PhaseReady
	PhaseDeleting
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseCreating:
		return "creating"
	case PhaseValidating:
		return "validating"
	case PhaseValidated:
		return "validated"
	case PhaseJoining:
		return "joining"
	case PhaseReady:
		return "ready"
	case PhaseDeleting:
		return "deleting"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// The payload of a ready state: the confirmed conversation id, the identity
// it belongs to and the writer bound to it.
type Result struct {
	ConversationID string
	InboxID        string
	Writer         *MessageWriter
}

type State struct {
	Phase      Phase
	InviteCode string
	Result     *Result
	Err        error
}

// Conversation drives a single conversation, or a single in-progress draft,
// through its lifecycle:
//
//	uninitialized -> creating -> ready
//	uninitialized -> validating -> validated -> joining -> ready
//	ready -> deleting -> uninitialized
//	any -> error -> uninitialized (on Stop)
//
// The controller holds no authoritative data; everything durable lives in
// the store and the state is rebuilt per instance.
type Conversation struct {
	perch   *Perch
	log     *zap.SugaredLogger
	inboxID string

	lock         sync.Mutex
	state        State
	history      []State
	observers    map[int]func(State)
	nextObserver int
	streams      map[int]chan State
	nextStream   int

	draftID        string
	lastExternalID string
	ready          *session.ReadyResult
	writer         *MessageWriter
	msgStream      protocol.MessageStream
	streamCancel   context.CancelFunc
	finished       sync.WaitGroup
}

// NewConversation makes a controller bound to one identity. The controller
// starts uninitialized; Create or Join advances it.
func (p *Perch) NewConversation(inboxID string) *Conversation {
	return &Conversation{
		perch:     p,
		log:       p.config.Logger("conversation"),
		inboxID:   inboxID,
		state:     State{Phase: PhaseUninitialized},
		history:   []State{{Phase: PhaseUninitialized}},
		observers: make(map[int]func(State)),
		streams:   make(map[int]chan State),
	}
}

func (c *Conversation) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// AddObserver registers a push observer which sees every future transition,
// in order. Observers run under the controller's lock and must not call back
// into it. The returned func removes the observer.
func (c *Conversation) AddObserver(f func(State)) func() {
	c.lock.Lock()
	defer c.lock.Unlock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = f
	return func() {
		c.lock.Lock()
		defer c.lock.Unlock()
		delete(c.observers, id)
	}
}

// States returns a channel primed with the full transition history, then
// every future transition, each exactly once and in order.
func (c *Conversation) States() <-chan State {
	c.lock.Lock()
	defer c.lock.Unlock()
	ch := make(chan State, len(c.history)+256)
	for _, s := range c.history {
		ch <- s
	}
	id := c.nextStream
	c.nextStream++
	c.streams[id] = ch
	return ch
}

func (c *Conversation) setStateLocked(s State) {
	c.state = s
	c.history = append(c.history, s)
	for _, o := range c.observers {
		o(s)
	}
	for id, ch := range c.streams {
		select {
		case ch <- s:
		default:
			c.log.Warnf("dropping state subscriber %d, not keeping up", id)
			delete(c.streams, id)
		}
	}
}

func (c *Conversation) fail(err error) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.setStateLocked(State{Phase: PhaseError, Err: err})
	return err
}

func mapSessionErr(err error) error {
	if errors.Is(err, session.ErrTimedOut) {
		return ErrTimedOut
	}
	return err
}

func (c *Conversation) waitReady(ctx context.Context) (*session.ReadyResult, error) {
	ready, err := c.perch.session.MessagingServiceFor(c.inboxID).Wait(ctx)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	return ready, nil
}

// Create makes a new remote group conversation. Valid only from
// uninitialized; any failure routes to the error state, never silently back
// to uninitialized.
func (c *Conversation) Create(ctx context.Context) error {
	c.lock.Lock()
	if c.state.Phase != PhaseUninitialized {
		phase := c.state.Phase
		c.lock.Unlock()
		return fmt.Errorf("%w: create from %s", ErrInvalidState, phase)
	}
	c.setStateLocked(State{Phase: PhaseCreating})
	c.lock.Unlock()

	ready, err := c.waitReady(ctx)
	if err != nil {
		return c.fail(err)
	}
	remote, err := ready.Client.CreateGroup(ctx, nil)
	if err != nil {
		return c.fail(fmt.Errorf("perch: error creating group: %w", err))
	}
	if err := c.persistConfirmed(ready, remote, store.RoleSuperAdmin); err != nil {
		return c.fail(err)
	}
	return c.becomeReady(ctx, ready, remote)
}

// Join resolves an invite code and joins the conversation it maps to. Valid
// only from uninitialized. A join request that is never approved times out
// rather than hanging.
func (c *Conversation) Join(ctx context.Context, code string) error {
	c.lock.Lock()
	if c.state.Phase != PhaseUninitialized {
		phase := c.state.Phase
		c.lock.Unlock()
		return fmt.Errorf("%w: join from %s", ErrInvalidState, phase)
	}
	c.setStateLocked(State{Phase: PhaseValidating, InviteCode: code})
	c.lock.Unlock()

	if err := ValidateInviteCode(code); err != nil {
		return c.fail(err)
	}

	ready, err := c.waitReady(ctx)
	if err != nil {
		return c.fail(err)
	}

	resolveCtx, cancel := context.WithTimeout(ctx, time.Duration(c.perch.config.InviteResolveTimeoutMs)*time.Millisecond)
	details, err := ready.API.ResolveInvite(resolveCtx, code)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return c.fail(ErrTimedOut)
		}
		return c.fail(fmt.Errorf("perch: error resolving invite %s: %w", code, err))
	}
	if details == nil {
		return c.fail(ErrInviteNotFound)
	}
	switch details.Status {
	case protocol.InviteExpired:
		return c.fail(ErrInviteExpired)
	case protocol.InviteDisabled:
		return c.fail(ErrInviteDisabled)
	}

	c.lock.Lock()
	c.lastExternalID = details.ConversationID
	c.setStateLocked(State{Phase: PhaseValidated, InviteCode: code})
	c.setStateLocked(State{Phase: PhaseJoining, InviteCode: code})
	c.lock.Unlock()

	remote, err := c.performJoin(ctx, ready, details)
	if err != nil {
		return c.fail(err)
	}
	if err := c.persistConfirmed(ready, remote, store.RoleMember); err != nil {
		return c.fail(err)
	}
	return c.becomeReady(ctx, ready, remote)
}

// performJoin becomes a member directly when the network already admitted
// us, otherwise sends the invite code to the inviter as a join request and
// polls for admission until the approval window closes.
func (c *Conversation) performJoin(ctx context.Context, ready *session.ReadyResult, details *protocol.InviteDetails) (protocol.RemoteConversation, error) {
	remote, err := ready.Client.FindConversation(ctx, details.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("perch: error finding conversation %s: %w", details.ConversationID, err)
	}
	if remote != nil {
		return remote, nil
	}

	dm, err := ready.Client.NewConversation(ctx, details.InviterInboxID)
	if err != nil {
		return nil, fmt.Errorf("perch: error opening join-request conversation: %w", err)
	}
	if _, err := dm.Send(ctx, details.Code); err != nil {
		return nil, fmt.Errorf("perch: error sending join request: %w", err)
	}

	deadline := time.Now().Add(time.Duration(c.perch.config.JoinApprovalTimeoutMs) * time.Millisecond)
	interval := time.Duration(c.perch.config.JoinPollIntervalMs) * time.Millisecond
	for {
		remote, err := ready.Client.FindConversation(ctx, details.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("perch: error polling conversation %s: %w", details.ConversationID, err)
		}
		if remote != nil {
			return remote, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrTimedOut
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// persistConfirmed writes the durable conversation, membership and local
// state rows, migrating any draft rows onto the confirmed id first.
func (c *Conversation) persistConfirmed(ready *session.ReadyResult, remote protocol.RemoteConversation, selfRole int) error {
	members, err := remote.Members(context.Background())
	if err != nil {
		return fmt.Errorf("perch: error listing members for %s: %w", remote.ID(), err)
	}

	c.lock.Lock()
	draftID := c.draftID
	c.lock.Unlock()

	kind := store.ConversationDM
	if remote.IsGroup() {
		kind = store.ConversationGroup
	}
	if err := c.perch.DB.Run("persist confirmed conversation", func() error {
		if draftID != "" {
			if err := c.perch.store.MigrateDraft(draftID, remote.ID()); err != nil {
				return err
			}
		}
		if err := c.perch.store.UpsertConversation(&store.Conversation{
			ID:             remote.ID(),
			InboxID:        ready.Inbox.InboxID,
			CreatorInboxID: remote.CreatorInboxID(),
			Kind:           kind,
			Draft:          false,
			ConsentState:   int(protocol.ConsentAllowed),
		}); err != nil {
			return err
		}
		for _, m := range members {
			role := store.RoleMember
			if m == remote.CreatorInboxID() {
				role = store.RoleSuperAdmin
			}
			if m == ready.Inbox.InboxID {
				role = selfRole
			}
			if err := c.perch.store.AddMember(remote.ID(), m, role); err != nil {
				return err
			}
		}
		return c.perch.store.EnsureLocalState(remote.ID())
	}); err != nil {
		return err
	}

	c.lock.Lock()
	c.draftID = ""
	c.lock.Unlock()
	return nil
}

func (c *Conversation) becomeReady(ctx context.Context, ready *session.ReadyResult, remote protocol.RemoteConversation) error {
	writer := newMessageWriter(c.log, c.perch.DB, c.perch.store, c.perch.clock, remote, ready.Inbox.InboxID)
	streamCtx, cancel := context.WithCancel(context.Background())

	c.lock.Lock()
	c.ready = ready
	c.writer = writer
	c.streamCancel = cancel
	c.lastExternalID = remote.ID()
	result := &Result{ConversationID: remote.ID(), InboxID: ready.Inbox.InboxID, Writer: writer}
	c.setStateLocked(State{Phase: PhaseReady, Result: result})
	c.lock.Unlock()

	c.startMessagePump(streamCtx, remote)

	// reconcile anything authored while drafting
	if err := writer.Resend(ctx); err != nil {
		c.log.Warnf("error republishing draft messages for %s: %v", remote.ID(), err)
	}
	return nil
}

func (c *Conversation) startMessagePump(ctx context.Context, remote protocol.RemoteConversation) {
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		stream, err := remote.StreamMessages(ctx)
		if err != nil {
			c.log.Warnf("error opening message stream for %s: %v", remote.ID(), err)
			return
		}
		c.lock.Lock()
		c.msgStream = stream
		c.lock.Unlock()
		for {
			msg, err := stream.Next(ctx)
			if err != nil {
				return
			}
			if err := c.perch.DB.Run("persist incoming message", func() error {
				return c.perch.store.InsertMessage(&store.Message{
					ID:             msg.ID,
					ConversationID: msg.ConversationID,
					SenderInboxID:  msg.SenderInboxID,
					Body:           msg.Body,
					Status:         store.MessagePublished,
					SentAtMs:       msg.SentAtMs,
				})
			}); err != nil {
				c.log.Warnf("error persisting incoming message %s: %v", msg.ID, err)
			}
		}
	}()
}

// Send delivers through the writer once ready. Before that it stores the
// text as an unpublished draft message, lazily materializing a minimal draft
// conversation. During deletion the message is dropped with a warning; in
// the error state the held error is returned.
func (c *Conversation) Send(ctx context.Context, body string) error {
	c.lock.Lock()
	switch c.state.Phase {
	case PhaseReady:
		writer := c.writer
		c.lock.Unlock()
		return writer.Send(ctx, body)
	case PhaseDeleting:
		c.lock.Unlock()
		c.log.Warnf("dropping message sent while conversation is being deleted")
		return nil
	case PhaseError:
		err := c.state.Err
		c.lock.Unlock()
		return err
	}
	if c.draftID == "" {
		c.draftID = "draft:" + uuid.NewString()
	}
	draftID := c.draftID
	c.lock.Unlock()

	return c.perch.DB.Run("persist draft message", func() error {
		conv, err := c.perch.store.Conversation(draftID)
		if err != nil {
			return err
		}
		if conv == nil {
			if err := c.perch.store.UpsertConversation(&store.Conversation{
				ID:             draftID,
				InboxID:        c.inboxID,
				CreatorInboxID: c.inboxID,
				Kind:           store.ConversationGroup,
				Draft:          true,
			}); err != nil {
				return err
			}
			if err := c.perch.store.AddMember(draftID, c.inboxID, store.RoleSuperAdmin); err != nil {
				return err
			}
			if err := c.perch.store.EnsureLocalState(draftID); err != nil {
				return err
			}
		}
		return c.perch.store.InsertMessage(&store.Message{
			ID:             "msg-" + uuid.NewString(),
			ConversationID: draftID,
			SenderInboxID:  c.inboxID,
			Body:           body,
			Status:         store.MessageUnpublished,
			SentAtMs:       c.perch.clock.CurrentTimeMs(),
		})
	})
}

// Delete tears a conversation down: streams and the writer are shut first so
// no new work can be queued, then remote consent is revoked, push topics are
// unsubscribed best-effort, and every local row is removed.
func (c *Conversation) Delete(ctx context.Context) error {
	c.lock.Lock()
	externalID := c.lastExternalID
	if c.state.Phase == PhaseReady {
		externalID = c.state.Result.ConversationID
	}
	if externalID == "" {
		phase := c.state.Phase
		c.lock.Unlock()
		return fmt.Errorf("%w: delete from %s with no confirmed conversation", ErrInvalidState, phase)
	}
	ready := c.ready
	c.setStateLocked(State{Phase: PhaseDeleting})
	c.lock.Unlock()

	c.shutStreams()

	if ready == nil {
		var err error
		ready, err = c.waitReady(ctx)
		if err != nil {
			return c.fail(err)
		}
	}

	remote, err := ready.Client.FindConversation(ctx, externalID)
	if err != nil {
		return c.fail(fmt.Errorf("perch: error finding conversation %s: %w", externalID, err))
	}
	if remote != nil {
		if err := remote.UpdateConsentState(ctx, protocol.ConsentDenied); err != nil {
			return c.fail(fmt.Errorf("perch: error updating consent for %s: %w", externalID, err))
		}
	}

	// best-effort: local data must end up deleted even if this fails
	if err := ready.API.UnsubscribeFromTopics(ctx, ready.Client.InstallationID(), []string{externalID}); err != nil {
		c.log.Warnf("error unsubscribing from topics for %s: %v", externalID, err)
	}

	if err := c.perch.DB.Run("delete conversation rows", func() error {
		return c.perch.store.DeleteConversation(externalID)
	}); err != nil {
		return c.fail(err)
	}

	c.lock.Lock()
	c.reset()
	c.setStateLocked(State{Phase: PhaseUninitialized})
	c.lock.Unlock()
	return nil
}

// Stop cancels streams and channels and forces uninitialized without remote
// cleanup. Backing out of an in-flight join schedules deferred cleanup of
// the conversation it was targeting.
func (c *Conversation) Stop() {
	c.lock.Lock()
	phase := c.state.Phase
	prevID := c.lastExternalID
	c.lock.Unlock()

	c.shutStreams()

	c.lock.Lock()
	c.reset()
	if phase != PhaseUninitialized {
		c.setStateLocked(State{Phase: PhaseUninitialized})
	}
	c.lock.Unlock()

	if prevID != "" && (phase == PhaseValidating || phase == PhaseValidated || phase == PhaseJoining) {
		c.scheduleCleanup(prevID, c.inboxID)
	}
}

// shutStreams cancels the incoming-message stream task and closes the
// outgoing writer. Runs before any network or storage cleanup.
func (c *Conversation) shutStreams() {
	c.lock.Lock()
	stream := c.msgStream
	cancel := c.streamCancel
	writer := c.writer
	c.msgStream = nil
	c.streamCancel = nil
	c.lock.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if writer != nil {
		writer.Close()
	}
}

func (c *Conversation) reset() {
	c.draftID = ""
	c.lastExternalID = ""
	c.ready = nil
	c.writer = nil
}

// scheduleCleanup arranges for a superseded conversation to be removed the
// next time this controller reaches ready with a different id under the
// same identity. If the identity changed, the cleanup belongs to a
// different account and is skipped. The task is torn down with the app.
func (c *Conversation) scheduleCleanup(conversationID, inboxID string) {
	ch := make(chan State, 16)
	remove := c.AddObserver(func(s State) {
		select {
		case ch <- s:
		default:
		}
	})
	c.perch.finished.Add(1)
	go func() {
		defer c.perch.finished.Done()
		defer remove()
		for {
			select {
			case <-c.perch.ctx.Done():
				return
			case s := <-ch:
				if s.Phase != PhaseReady {
					continue
				}
				if s.Result.ConversationID == conversationID {
					// same conversation came back, nothing to clean
					return
				}
				if s.Result.InboxID != inboxID {
					return
				}
				c.cleanupSuperseded(conversationID, inboxID)
				return
			}
		}
	}()
}

func (c *Conversation) cleanupSuperseded(conversationID, inboxID string) {
	ctx, cancel := context.WithTimeout(c.perch.ctx, time.Duration(c.perch.config.ReadyWaitTimeoutMs)*time.Millisecond)
	defer cancel()
	ready, err := c.perch.session.MessagingServiceFor(inboxID).Wait(ctx)
	if err != nil {
		c.log.Warnf("error getting identity for deferred cleanup of %s: %v", conversationID, err)
		return
	}
	remote, err := ready.Client.FindConversation(ctx, conversationID)
	if err != nil {
		c.log.Warnf("error finding %s for deferred cleanup: %v", conversationID, err)
	} else if remote != nil {
		if err := remote.UpdateConsentState(ctx, protocol.ConsentDenied); err != nil {
			c.log.Warnf("error denying consent for superseded %s: %v", conversationID, err)
		}
	}
	if err := c.perch.DB.Run("delete superseded conversation rows", func() error {
		conv, err := c.perch.store.Conversation(conversationID)
		if err != nil {
			return err
		}
		if conv != nil && conv.InboxID != inboxID {
			// rows belong to another identity on this device, leave them
			return nil
		}
		return c.perch.store.DeleteConversation(conversationID)
	}); err != nil {
		c.log.Warnf("error deleting rows for superseded %s: %v", conversationID, err)
	}
	c.log.Debugf("cleaned up superseded conversation %s", conversationID)
}
