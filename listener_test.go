package perch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/perch-im/go-perch/store"
	"github.com/stretchr/testify/require"
)

// sendJoinRequest opens a DM as the sender and delivers a body to the peer,
// the same way a joining device would.
func sendJoinRequest(t *testing.T, p *Perch, fromInboxID, toInboxID, body string) {
	t.Helper()
	ready := readyFor(t, p, fromInboxID)
	dm, err := ready.Client.NewConversation(context.Background(), toInboxID)
	require.NoError(t, err)
	_, err = dm.Send(context.Background(), body)
	require.NoError(t, err)
}

func memberCount(t *testing.T, p *Perch, conversationID string) int {
	t.Helper()
	count := 0
	require.NoError(t, p.DB.RunReadOnly("count members", func() error {
		members, err := p.Store().Members(conversationID)
		if err != nil {
			return err
		}
		count = len(members)
		return nil
	}))
	return count
}

func TestListenerAdmitsValidJoinRequest(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	alice := authorizeIdentity(t, p, network, provider, "Alice")
	bob := authorizeIdentity(t, p, network, provider, "Bob")

	conv := p.NewConversation(alice.InboxID)
	require.NoError(conv.Create(context.Background()))
	convID := conv.State().Result.ConversationID
	code, err := p.CreateInvite(context.Background(), convID, 0)
	require.NoError(err)

	sendJoinRequest(t, p, bob.InboxID, alice.InboxID, code)

	require.Eventually(func() bool {
		return memberCount(t, p, convID) == 2
	}, 2*time.Second, 20*time.Millisecond)

	// a joined-member update surfaces on the app channel
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-p.Updates():
			if mj, ok := u.(*MemberJoinedUpdate); ok {
				require.Equal(convID, mj.ConversationID)
				require.Equal(bob.InboxID, mj.InboxID)
				require.Equal(code, mj.InviteCode)
				return
			}
		case <-deadline:
			require.Fail("no member joined update")
		}
	}
}

func TestListenerIgnoresNonCodeMessages(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	alice := authorizeIdentity(t, p, network, provider, "Alice")
	bob := authorizeIdentity(t, p, network, provider, "Bob")

	conv := p.NewConversation(alice.InboxID)
	require.NoError(conv.Create(context.Background()))
	convID := conv.State().Result.ConversationID
	_, err := p.CreateInvite(context.Background(), convID, 0)
	require.NoError(err)

	sendJoinRequest(t, p, bob.InboxID, alice.InboxID, "hey, let me in?")
	time.Sleep(200 * time.Millisecond)
	require.Equal(1, memberCount(t, p, convID))
}

func TestListenerIgnoresUnknownCode(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	alice := authorizeIdentity(t, p, network, provider, "Alice")
	bob := authorizeIdentity(t, p, network, provider, "Bob")

	conv := p.NewConversation(alice.InboxID)
	require.NoError(conv.Create(context.Background()))
	convID := conv.State().Result.ConversationID

	// well-formed code that was never issued
	sendJoinRequest(t, p, bob.InboxID, alice.InboxID, "AAAA2345AAAA")
	time.Sleep(200 * time.Millisecond)
	require.Equal(1, memberCount(t, p, convID))
}

func TestListenerDropsJoinRequestForDM(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	alice := authorizeIdentity(t, p, network, provider, "Alice")
	bob := authorizeIdentity(t, p, network, provider, "Bob")
	carol := authorizeIdentity(t, p, network, provider, "Carol")

	// a 1:1 with bob, tracked locally, with an invite row minted against it
	ready := readyFor(t, p, alice.InboxID)
	dm, err := ready.Client.NewConversation(context.Background(), bob.InboxID)
	require.NoError(err)
	code, err := NewInviteCode()
	require.NoError(err)
	require.NoError(p.DB.Run("seed dm invite", func() error {
		if err := p.Store().UpsertConversation(&store.Conversation{
			ID:             dm.ID(),
			InboxID:        alice.InboxID,
			CreatorInboxID: alice.InboxID,
			Kind:           store.ConversationDM,
		}); err != nil {
			return err
		}
		return p.Store().CreateInvite(&store.Invite{
			Code:           code,
			ConversationID: dm.ID(),
			Status:         store.InviteActive,
		})
	}))

	// only groups admit through invites; the 1:1 stays two-party
	sendJoinRequest(t, p, carol.InboxID, alice.InboxID, code)
	time.Sleep(200 * time.Millisecond)
	members, err := dm.Members(context.Background())
	require.NoError(err)
	require.Len(members, 2)
	require.Equal(0, memberCount(t, p, dm.ID()))
}

func TestListenerIgnoresDisabledInvite(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	alice := authorizeIdentity(t, p, network, provider, "Alice")
	bob := authorizeIdentity(t, p, network, provider, "Bob")

	conv := p.NewConversation(alice.InboxID)
	require.NoError(conv.Create(context.Background()))
	convID := conv.State().Result.ConversationID
	code, err := p.CreateInvite(context.Background(), convID, 0)
	require.NoError(err)
	require.NoError(p.DisableInvite(code))

	sendJoinRequest(t, p, bob.InboxID, alice.InboxID, code)
	time.Sleep(200 * time.Millisecond)
	require.Equal(1, memberCount(t, p, convID))
}

func TestSingleUseInviteExhausts(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	alice := authorizeIdentity(t, p, network, provider, "Alice")
	bob := authorizeIdentity(t, p, network, provider, "Bob")
	carol := authorizeIdentity(t, p, network, provider, "Carol")

	conv := p.NewConversation(alice.InboxID)
	require.NoError(conv.Create(context.Background()))
	convID := conv.State().Result.ConversationID
	code, err := p.CreateInvite(context.Background(), convID, 1)
	require.NoError(err)

	sendJoinRequest(t, p, bob.InboxID, alice.InboxID, code)
	require.Eventually(func() bool {
		return memberCount(t, p, convID) == 2
	}, 2*time.Second, 20*time.Millisecond)

	// the invite burned out with its single use
	sendJoinRequest(t, p, carol.InboxID, alice.InboxID, code)
	time.Sleep(200 * time.Millisecond)
	require.Equal(2, memberCount(t, p, convID))
}

func TestListenerCaseInsensitiveCodes(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	alice := authorizeIdentity(t, p, network, provider, "Alice")
	bob := authorizeIdentity(t, p, network, provider, "Bob")

	conv := p.NewConversation(alice.InboxID)
	require.NoError(conv.Create(context.Background()))
	convID := conv.State().Result.ConversationID
	code, err := p.CreateInvite(context.Background(), convID, 0)
	require.NoError(err)

	sendJoinRequest(t, p, bob.InboxID, alice.InboxID, "  "+strings.ToLower(code)+"\n")
	require.Eventually(func() bool {
		return memberCount(t, p, convID) == 2
	}, 2*time.Second, 20*time.Millisecond)
}
