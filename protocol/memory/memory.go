// Package memory implements the protocol interfaces in-process. It stands in
// for the real network, backend API and identity provider during tests:
// messages route between clients over channels, the invite directory is a
// map, and every remote call is recorded in an event log so tests can assert
// on call ordering.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/perch-im/go-perch/clock"
	"github.com/perch-im/go-perch/protocol"
)

type conversation struct {
	id      string
	group   bool
	creator string
	members map[string]bool
	consent map[string]protocol.ConsentState
}

type Network struct {
	lock    sync.Mutex
	clock   clock.Clock
	convs   map[string]*conversation
	invites map[string]*protocol.InviteDetails
	clients map[string]*Client
	streams []*stream
	events  []string

	// FailUnsubscribe makes every UnsubscribeFromTopics call fail.
	FailUnsubscribe bool
}

func NewNetwork(cl clock.Clock) *Network {
	return &Network{
		clock:   cl,
		convs:   make(map[string]*conversation),
		invites: make(map[string]*protocol.InviteDetails),
		clients: make(map[string]*Client),
	}
}

func (n *Network) record(format string, args ...interface{}) {
	n.events = append(n.events, fmt.Sprintf(format, args...))
}

// Record from outside the network lock.
func (n *Network) Record(format string, args ...interface{}) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.record(format, args...)
}

func (n *Network) Events() []string {
	n.lock.Lock()
	defer n.lock.Unlock()
	out := make([]string, len(n.events))
	copy(out, n.events)
	return out
}

// AddIdentity registers a fresh identity and returns its inbox.
func (n *Network) AddIdentity(displayName string) protocol.Inbox {
	return protocol.Inbox{
		InboxID:     "inbox-" + uuid.NewString(),
		ProviderID:  "provider-" + uuid.NewString(),
		Kind:        protocol.InboxStandard,
		DisplayName: displayName,
	}
}

func (n *Network) client(inboxID string) *Client {
	if c, ok := n.clients[inboxID]; ok {
		return c
	}
	c := &Client{
		network:        n,
		inboxID:        inboxID,
		installationID: "install-" + uuid.NewString(),
	}
	n.clients[inboxID] = c
	return c
}

// PublishInviteDirect seeds the invite directory without an API client,
// useful for scripting expired or disabled invites.
func (n *Network) PublishInviteDirect(details *protocol.InviteDetails) {
	n.lock.Lock()
	defer n.lock.Unlock()
	cp := *details
	n.invites[details.Code] = &cp
}

func (n *Network) deliver(conv *conversation, sender, body string) string {
	id := "msg-" + uuid.NewString()
	msg := &protocol.IncomingMessage{
		ID:             id,
		ConversationID: conv.id,
		SenderInboxID:  sender,
		Body:           body,
		SentAtMs:       n.clock.CurrentTimeMs(),
	}
	for member := range conv.members {
		if member == sender {
			continue
		}
		for _, s := range n.streams {
			if s.stopped || s.inboxID != member {
				continue
			}
			if s.conversationID != "" && s.conversationID != conv.id {
				continue
			}
			if s.conversationID == "" && !s.matchesConsent(conv.consent[member]) {
				continue
			}
			select {
			case s.ch <- msg:
			default:
			}
		}
	}
	return id
}

type Client struct {
	network        *Network
	inboxID        string
	installationID string
}

var _ protocol.Client = (*Client)(nil)

func (c *Client) InboxID() string {
	return c.inboxID
}

func (c *Client) InstallationID() string {
	return c.installationID
}

func (c *Client) FindConversation(_ context.Context, id string) (protocol.RemoteConversation, error) {
	c.network.lock.Lock()
	defer c.network.lock.Unlock()
	conv, ok := c.network.convs[id]
	if !ok || !conv.members[c.inboxID] {
		return nil, nil
	}
	return &remoteConversation{network: c.network, conv: conv, asInbox: c.inboxID}, nil
}

func (c *Client) CreateGroup(_ context.Context, memberInboxIDs []string) (protocol.RemoteConversation, error) {
	c.network.lock.Lock()
	defer c.network.lock.Unlock()
	conv := &conversation{
		id:      "conv-" + uuid.NewString(),
		group:   true,
		creator: c.inboxID,
		members: map[string]bool{c.inboxID: true},
		consent: map[string]protocol.ConsentState{c.inboxID: protocol.ConsentAllowed},
	}
	for _, m := range memberInboxIDs {
		conv.members[m] = true
		conv.consent[m] = protocol.ConsentUnknown
	}
	c.network.convs[conv.id] = conv
	c.network.record("create-group:%s:%s", conv.id, c.inboxID)
	return &remoteConversation{network: c.network, conv: conv, asInbox: c.inboxID}, nil
}

func (c *Client) NewConversation(_ context.Context, peerInboxID string) (protocol.RemoteConversation, error) {
	c.network.lock.Lock()
	defer c.network.lock.Unlock()
	for _, conv := range c.network.convs {
		if !conv.group && conv.members[c.inboxID] && conv.members[peerInboxID] {
			return &remoteConversation{network: c.network, conv: conv, asInbox: c.inboxID}, nil
		}
	}
	conv := &conversation{
		id:      "conv-" + uuid.NewString(),
		group:   false,
		creator: c.inboxID,
		members: map[string]bool{c.inboxID: true, peerInboxID: true},
		consent: map[string]protocol.ConsentState{
			c.inboxID:   protocol.ConsentAllowed,
			peerInboxID: protocol.ConsentUnknown,
		},
	}
	c.network.convs[conv.id] = conv
	return &remoteConversation{network: c.network, conv: conv, asInbox: c.inboxID}, nil
}

func (c *Client) StreamAllMessages(_ context.Context, consent []protocol.ConsentState) (protocol.MessageStream, error) {
	c.network.lock.Lock()
	defer c.network.lock.Unlock()
	s := &stream{
		network: c.network,
		inboxID: c.inboxID,
		consent: consent,
		ch:      make(chan *protocol.IncomingMessage, 100),
		done:    make(chan struct{}),
	}
	c.network.streams = append(c.network.streams, s)
	return s, nil
}

type remoteConversation struct {
	network *Network
	conv    *conversation
	asInbox string
}

var _ protocol.RemoteConversation = (*remoteConversation)(nil)

func (rc *remoteConversation) ID() string {
	return rc.conv.id
}

func (rc *remoteConversation) IsGroup() bool {
	return rc.conv.group
}

func (rc *remoteConversation) CreatorInboxID() string {
	return rc.conv.creator
}

func (rc *remoteConversation) Members(_ context.Context) ([]string, error) {
	rc.network.lock.Lock()
	defer rc.network.lock.Unlock()
	members := make([]string, 0, len(rc.conv.members))
	for m := range rc.conv.members {
		members = append(members, m)
	}
	return members, nil
}

func (rc *remoteConversation) AddMembers(_ context.Context, inboxIDs []string) error {
	rc.network.lock.Lock()
	defer rc.network.lock.Unlock()
	for _, id := range inboxIDs {
		rc.conv.members[id] = true
		if _, ok := rc.conv.consent[id]; !ok {
			rc.conv.consent[id] = protocol.ConsentUnknown
		}
		rc.network.record("add-member:%s:%s", rc.conv.id, id)
	}
	return nil
}

func (rc *remoteConversation) UpdateConsentState(_ context.Context, state protocol.ConsentState) error {
	rc.network.lock.Lock()
	defer rc.network.lock.Unlock()
	rc.conv.consent[rc.asInbox] = state
	rc.network.record("consent:%s:%d", rc.conv.id, state)
	return nil
}

func (rc *remoteConversation) Send(_ context.Context, body string) (string, error) {
	rc.network.lock.Lock()
	defer rc.network.lock.Unlock()
	if !rc.conv.members[rc.asInbox] {
		return "", errors.New("memory: sender is not a member")
	}
	return rc.network.deliver(rc.conv, rc.asInbox, body), nil
}

func (rc *remoteConversation) StreamMessages(_ context.Context) (protocol.MessageStream, error) {
	rc.network.lock.Lock()
	defer rc.network.lock.Unlock()
	s := &stream{
		network:        rc.network,
		inboxID:        rc.asInbox,
		conversationID: rc.conv.id,
		ch:             make(chan *protocol.IncomingMessage, 100),
		done:           make(chan struct{}),
	}
	rc.network.streams = append(rc.network.streams, s)
	return s, nil
}

type stream struct {
	network        *Network
	inboxID        string
	conversationID string
	consent        []protocol.ConsentState
	ch             chan *protocol.IncomingMessage
	done           chan struct{}
	stopOnce       sync.Once
	stopped        bool
}

func (s *stream) matchesConsent(state protocol.ConsentState) bool {
	if len(s.consent) == 0 {
		return true
	}
	for _, c := range s.consent {
		if c == state {
			return true
		}
	}
	return false
}

func (s *stream) Next(ctx context.Context) (*protocol.IncomingMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errors.New("memory: stream stopped")
	case m := <-s.ch:
		return m, nil
	}
}

func (s *stream) Stop() {
	s.stopOnce.Do(func() {
		s.network.lock.Lock()
		s.stopped = true
		if s.conversationID != "" {
			s.network.record("stream-stop:%s", s.conversationID)
		} else {
			s.network.record("stream-stop:%s", s.inboxID)
		}
		s.network.lock.Unlock()
		close(s.done)
	})
}

type APIClient struct {
	network *Network
	inboxID string
}

var _ protocol.APIClient = (*APIClient)(nil)

func (a *APIClient) UnsubscribeFromTopics(_ context.Context, installationID string, topics []string) error {
	a.network.lock.Lock()
	defer a.network.lock.Unlock()
	a.network.record("unsubscribe:%s:%d", installationID, len(topics))
	if a.network.FailUnsubscribe {
		return errors.New("memory: unsubscribe rejected")
	}
	return nil
}

func (a *APIClient) ResolveInvite(_ context.Context, code string) (*protocol.InviteDetails, error) {
	a.network.lock.Lock()
	defer a.network.lock.Unlock()
	a.network.record("resolve-invite:%s", code)
	details, ok := a.network.invites[code]
	if !ok {
		return nil, nil
	}
	cp := *details
	return &cp, nil
}

func (a *APIClient) PublishInvite(_ context.Context, details *protocol.InviteDetails) error {
	a.network.lock.Lock()
	defer a.network.lock.Unlock()
	cp := *details
	a.network.invites[details.Code] = &cp
	a.network.record("publish-invite:%s", details.Code)
	return nil
}

// Builder implements protocol.ClientBuilder against the in-process network.
type Builder struct {
	network *Network

	// BuildErr, when set, fails every Build call.
	BuildErr error
	// Gate, when set, is received from before Build returns, letting tests
	// hold an authorization in flight.
	Gate chan struct{}

	lock    sync.Mutex
	deleted []string
}

var _ protocol.ClientBuilder = (*Builder)(nil)

func NewBuilder(n *Network) *Builder {
	return &Builder{network: n}
}

func (b *Builder) Build(ctx context.Context, inbox protocol.Inbox) (protocol.Client, protocol.APIClient, error) {
	if b.BuildErr != nil {
		return nil, nil, b.BuildErr
	}
	if b.Gate != nil {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-b.Gate:
		}
	}
	b.network.lock.Lock()
	defer b.network.lock.Unlock()
	client := b.network.client(inbox.InboxID)
	return client, &APIClient{network: b.network, inboxID: inbox.InboxID}, nil
}

func (b *Builder) Register(ctx context.Context, displayName string) (protocol.Inbox, protocol.Client, protocol.APIClient, error) {
	inbox := b.network.AddIdentity(displayName)
	client, api, err := b.Build(ctx, inbox)
	if err != nil {
		return protocol.Inbox{}, nil, nil, err
	}
	return inbox, client, api, nil
}

func (b *Builder) DeleteIdentity(_ context.Context, inbox protocol.Inbox) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.deleted = append(b.deleted, inbox.InboxID)
	return nil
}

func (b *Builder) Deleted() []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	out := make([]string, len(b.deleted))
	copy(out, b.deleted)
	return out
}

// Provider is a scriptable identity provider.
type Provider struct {
	ch      chan protocol.ProviderUpdate
	lock    sync.Mutex
	deleted []string
}

var _ protocol.IdentityProvider = (*Provider)(nil)

func NewProvider() *Provider {
	return &Provider{ch: make(chan protocol.ProviderUpdate, 10)}
}

func (p *Provider) Prepare(_ context.Context) error {
	return nil
}

func (p *Provider) Updates() <-chan protocol.ProviderUpdate {
	return p.ch
}

func (p *Provider) Emit(update protocol.ProviderUpdate) {
	p.ch <- update
}

func (p *Provider) DeleteAccount(_ context.Context, providerID string) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.deleted = append(p.deleted, providerID)
	return nil
}

func (p *Provider) DeletedAccounts() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	out := make([]string, len(p.deleted))
	copy(out, p.deleted)
	return out
}
