// Package protocol defines the interfaces perch consumes from its external
// collaborators: the wire-level protocol client for one authorized identity,
// the authenticated backend API, and the identity provider that reports which
// identities exist and whether they are signed in. Implementations live
// outside this module; protocol/memory provides an in-process network for
// tests.
package protocol

import "context"

type ConsentState int

const (
	ConsentUnknown ConsentState = iota
	ConsentAllowed
	ConsentDenied
)

type InboxKind int

const (
	InboxStandard InboxKind = iota
	InboxEphemeral
	InboxExternal
)

// One cryptographic messaging identity, linked to exactly one registration
// with the account provider.
type Inbox struct {
	InboxID     string
	ProviderID  string
	Kind        InboxKind
	DisplayName string
}

type AuthState int

const (
	AuthUnknown AuthState = iota
	AuthNotReady
	AuthAuthorized
	AuthRegistered
	AuthUnauthorized
)

type ProviderUpdate struct {
	State       AuthState
	Inboxes     []Inbox
	DisplayName string
}

type IdentityProvider interface {
	Prepare(ctx context.Context) error
	Updates() <-chan ProviderUpdate
	DeleteAccount(ctx context.Context, providerID string) error
}

type IncomingMessage struct {
	ID             string
	ConversationID string
	SenderInboxID  string
	Body           string
	SentAtMs       uint64
}

type MessageStream interface {
	// Next blocks until a message arrives, the stream is stopped, or the
	// context is done.
	Next(ctx context.Context) (*IncomingMessage, error)
	Stop()
}

type RemoteConversation interface {
	ID() string
	IsGroup() bool
	CreatorInboxID() string
	Members(ctx context.Context) ([]string, error)
	AddMembers(ctx context.Context, inboxIDs []string) error
	UpdateConsentState(ctx context.Context, state ConsentState) error
	Send(ctx context.Context, body string) (messageID string, err error)
	StreamMessages(ctx context.Context) (MessageStream, error)
}

// One authorized identity's connection to the messaging network.
type Client interface {
	InboxID() string
	InstallationID() string
	FindConversation(ctx context.Context, id string) (RemoteConversation, error)
	CreateGroup(ctx context.Context, memberInboxIDs []string) (RemoteConversation, error)
	// NewConversation opens (or reuses) a 1:1 conversation with a peer. Join
	// requests travel over these.
	NewConversation(ctx context.Context, peerInboxID string) (RemoteConversation, error)
	StreamAllMessages(ctx context.Context, consent []ConsentState) (MessageStream, error)
}

type InviteStatus int

const (
	InviteActive InviteStatus = iota
	InviteExpired
	InviteDisabled
)

type InviteDetails struct {
	Code           string
	ConversationID string
	InviterInboxID string
	Status         InviteStatus
}

// The authenticated backend API for one identity.
type APIClient interface {
	UnsubscribeFromTopics(ctx context.Context, installationID string, topics []string) error
	ResolveInvite(ctx context.Context, code string) (*InviteDetails, error)
	PublishInvite(ctx context.Context, details *InviteDetails) error
}

// ClientBuilder performs the remote side of identity authorization: building
// a protocol client and API client for an existing identity, registering a
// brand-new one, and deleting credentials.
type ClientBuilder interface {
	Build(ctx context.Context, inbox Inbox) (Client, APIClient, error)
	Register(ctx context.Context, displayName string) (Inbox, Client, APIClient, error)
	DeleteIdentity(ctx context.Context, inbox Inbox) error
}
