package perch

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/perch-im/go-perch/protocol"
	"github.com/perch-im/go-perch/store"
	"github.com/stretchr/testify/require"
)

func phases(states []State) []Phase {
	out := make([]Phase, len(states))
	for i, s := range states {
		out[i] = s.Phase
	}
	return out
}

func drainStates(ch <-chan State) []State {
	out := make([]State, 0)
	for {
		select {
		case s := <-ch:
			out = append(out, s)
		default:
			return out
		}
	}
}

func TestCreateFromScratch(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	states := conv.States()
	require.NoError(conv.Create(context.Background()))

	st := conv.State()
	require.Equal(PhaseReady, st.Phase)
	require.NotNil(st.Result)
	require.Equal(inbox.InboxID, st.Result.InboxID)
	require.False(strings.HasPrefix(st.Result.ConversationID, "draft:"))

	require.Equal(
		[]Phase{PhaseUninitialized, PhaseCreating, PhaseReady},
		phases(drainStates(states)))

	// exactly one durable conversation, one membership row for the creator
	convs, err := p.Conversations(inbox.InboxID)
	require.NoError(err)
	require.Len(convs, 1)
	require.False(convs[0].Draft)
	require.NoError(p.DB.RunReadOnly("check members", func() error {
		members, err := p.Store().Members(st.Result.ConversationID)
		require.NoError(err)
		require.Len(members, 1)
		require.Equal(inbox.InboxID, members[0].InboxID)
		require.Equal(store.RoleSuperAdmin, members[0].Role)
		ls, err := p.Store().LocalState(st.Result.ConversationID)
		require.NoError(err)
		require.NotNil(ls)
		return nil
	}))
}

func TestDraftMessagesMigrateOnCreate(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	require.NoError(conv.Send(context.Background(), "first"))
	require.NoError(conv.Send(context.Background(), "second"))

	// both rows hang off a single draft conversation
	convs, err := p.Conversations(inbox.InboxID)
	require.NoError(err)
	require.Len(convs, 1)
	require.True(convs[0].Draft)
	require.True(strings.HasPrefix(convs[0].ID, "draft:"))

	require.NoError(conv.Create(context.Background()))
	convID := conv.State().Result.ConversationID

	// the draft is gone, its messages live on the durable id and have been
	// published through the writer
	convs, err = p.Conversations(inbox.InboxID)
	require.NoError(err)
	require.Len(convs, 1)
	require.Equal(convID, convs[0].ID)
	require.False(convs[0].Draft)

	msgs, err := p.Messages(convID)
	require.NoError(err)
	require.Len(msgs, 2)
	bodies := []string{msgs[0].Body, msgs[1].Body}
	require.ElementsMatch([]string{"first", "second"}, bodies)
	for _, m := range msgs {
		require.Equal(store.MessagePublished, m.Status)
	}
}

func TestSendWhenReady(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	require.NoError(conv.Create(context.Background()))
	convID := conv.State().Result.ConversationID

	require.NoError(conv.Send(context.Background(), "hello"))
	msgs, err := p.Messages(convID)
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal(store.MessagePublished, msgs[0].Status)
}

func TestCreateTwiceRejected(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	require.NoError(conv.Create(context.Background()))
	require.ErrorIs(conv.Create(context.Background()), ErrInvalidState)
	require.ErrorIs(conv.Join(context.Background(), "AAAA2345AAAA"), ErrInvalidState)
	// misuse does not disturb the ready state
	require.Equal(PhaseReady, conv.State().Phase)
}

func TestJoinInvalidCode(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	err := conv.Join(context.Background(), "not a code")
	require.ErrorIs(err, ErrInvalidInviteCode)
	require.Equal(PhaseError, conv.State().Phase)

	// sends surface the held error
	require.ErrorIs(conv.Send(context.Background(), "hi"), ErrInvalidInviteCode)

	// stop resets the machine and it can be driven again
	conv.Stop()
	require.Equal(PhaseUninitialized, conv.State().Phase)
	require.NoError(conv.Create(context.Background()))
	require.Equal(PhaseReady, conv.State().Phase)
}

func TestJoinUnknownInvite(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	err := conv.Join(context.Background(), "AAAA2345AAAA")
	require.ErrorIs(err, ErrInviteNotFound)
	require.Equal(PhaseError, conv.State().Phase)
}

func TestJoinExpiredAndDisabledInvites(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	network.PublishInviteDirect(&protocol.InviteDetails{
		Code:           "AAAA2345AAAB",
		ConversationID: "conv-x",
		InviterInboxID: "inbox-x",
		Status:         protocol.InviteExpired,
	})
	network.PublishInviteDirect(&protocol.InviteDetails{
		Code:           "AAAA2345AAAC",
		ConversationID: "conv-x",
		InviterInboxID: "inbox-x",
		Status:         protocol.InviteDisabled,
	})

	conv := p.NewConversation(inbox.InboxID)
	require.ErrorIs(conv.Join(context.Background(), "AAAA2345AAAB"), ErrInviteExpired)
	conv.Stop()
	require.ErrorIs(conv.Join(context.Background(), "AAAA2345AAAC"), ErrInviteDisabled)
}

func TestJoinApprovedByInviter(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	alice := authorizeIdentity(t, p, network, provider, "Alice")
	bob := authorizeIdentity(t, p, network, provider, "Bob")

	convA := p.NewConversation(alice.InboxID)
	require.NoError(convA.Create(context.Background()))
	convID := convA.State().Result.ConversationID

	code, err := p.CreateInvite(context.Background(), convID, 0)
	require.NoError(err)

	convB := p.NewConversation(bob.InboxID)
	states := convB.States()
	require.NoError(convB.Join(context.Background(), code))

	st := convB.State()
	require.Equal(PhaseReady, st.Phase)
	require.Equal(convID, st.Result.ConversationID)
	require.Equal(
		[]Phase{PhaseUninitialized, PhaseValidating, PhaseValidated, PhaseJoining, PhaseReady},
		phases(drainStates(states)))

	// bob's membership is durable on both sides of the join
	require.NoError(p.DB.RunReadOnly("check members", func() error {
		members, err := p.Store().Members(convID)
		require.NoError(err)
		require.Len(members, 2)
		return nil
	}))

	// the invite's use was recorded
	require.NoError(p.DB.RunReadOnly("check invite", func() error {
		inv, err := p.Store().InviteByCode(code)
		require.NoError(err)
		require.Equal(1, inv.Uses)
		return nil
	}))
}

func TestJoinApprovalTimesOut(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	// valid directory entry, but nobody is listening for the join request
	network.PublishInviteDirect(&protocol.InviteDetails{
		Code:           "AAAA2345AAAD",
		ConversationID: "conv-x",
		InviterInboxID: "inbox-ghost",
		Status:         protocol.InviteActive,
	})

	conv := p.NewConversation(inbox.InboxID)
	err := conv.Join(context.Background(), "AAAA2345AAAD")
	require.ErrorIs(err, ErrTimedOut)
	require.Equal(PhaseError, conv.State().Phase)
}

func TestDeleteRemovesEverything(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	states := conv.States()
	require.NoError(conv.Create(context.Background()))
	require.NoError(conv.Send(context.Background(), "doomed"))
	convID := conv.State().Result.ConversationID

	// give the incoming stream time to come up so teardown ordering below
	// is meaningful
	time.Sleep(100 * time.Millisecond)

	require.NoError(conv.Delete(context.Background()))
	require.Equal(PhaseUninitialized, conv.State().Phase)
	require.Equal(
		[]Phase{PhaseUninitialized, PhaseCreating, PhaseReady, PhaseDeleting, PhaseUninitialized},
		phases(drainStates(states)))

	// no rows survive
	convs, err := p.Conversations(inbox.InboxID)
	require.NoError(err)
	require.Empty(convs)
	msgs, err := p.Messages(convID)
	require.NoError(err)
	require.Empty(msgs)

	// the stream was stopped before consent was revoked
	events := network.Events()
	stopIdx, consentIdx := -1, -1
	for i, e := range events {
		if e == "stream-stop:"+convID && stopIdx == -1 {
			stopIdx = i
		}
		if e == fmt.Sprintf("consent:%s:%d", convID, protocol.ConsentDenied) {
			consentIdx = i
		}
	}
	require.NotEqual(-1, stopIdx, "no stream stop in %v", events)
	require.NotEqual(-1, consentIdx, "no consent change in %v", events)
	require.Less(stopIdx, consentIdx)
}

func TestDeleteSurvivesUnsubscribeFailure(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	require.NoError(conv.Create(context.Background()))
	convID := conv.State().Result.ConversationID

	network.FailUnsubscribe = true
	require.NoError(conv.Delete(context.Background()))
	require.Equal(PhaseUninitialized, conv.State().Phase)

	convs, err := p.Conversations(inbox.InboxID)
	require.NoError(err)
	require.Empty(convs)
	msgs, err := p.Messages(convID)
	require.NoError(err)
	require.Empty(msgs)

	// the unsubscribe was attempted
	attempted := false
	for _, e := range network.Events() {
		if strings.HasPrefix(e, "unsubscribe:") {
			attempted = true
		}
	}
	require.True(attempted)
}

func TestDeleteWithoutConfirmedConversation(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	require.ErrorIs(conv.Delete(context.Background()), ErrInvalidState)
	require.Equal(PhaseUninitialized, conv.State().Phase)
}

func TestSendDuringDeletionDropped(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	require.NoError(conv.Create(context.Background()))
	convID := conv.State().Result.ConversationID

	// force the deleting phase directly; the send is dropped without error
	conv.lock.Lock()
	conv.setStateLocked(State{Phase: PhaseDeleting})
	conv.lock.Unlock()
	require.NoError(conv.Send(context.Background(), "lost"))

	msgs, err := p.Messages(convID)
	require.NoError(err)
	require.Empty(msgs)
}

func TestObserverSeesOnlyFutureTransitions(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	require.NoError(conv.Create(context.Background()))

	seen := make([]Phase, 0)
	remove := conv.AddObserver(func(s State) {
		seen = append(seen, s.Phase)
	})
	defer remove()

	require.NoError(conv.Delete(context.Background()))
	require.Equal([]Phase{PhaseDeleting, PhaseUninitialized}, seen)
}

func TestStatesReplaysHistoryToLateSubscriber(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	require.NoError(conv.Create(context.Background()))

	// subscribed after the fact, still sees the whole history in order
	states := drainStates(conv.States())
	require.Equal([]Phase{PhaseUninitialized, PhaseCreating, PhaseReady}, phases(states))
}

func TestIncomingMessagesPersisted(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	alice := authorizeIdentity(t, p, network, provider, "Alice")
	bob := authorizeIdentity(t, p, network, provider, "Bob")

	convA := p.NewConversation(alice.InboxID)
	require.NoError(convA.Create(context.Background()))
	convID := convA.State().Result.ConversationID
	code, err := p.CreateInvite(context.Background(), convID, 0)
	require.NoError(err)

	convB := p.NewConversation(bob.InboxID)
	require.NoError(convB.Join(context.Background(), code))

	// wait for both incoming streams to come up
	time.Sleep(100 * time.Millisecond)
	require.NoError(convB.Send(context.Background(), "hi alice"))

	require.Eventually(func() bool {
		msgs, err := p.Messages(convID)
		require.NoError(err)
		for _, m := range msgs {
			if m.Body == "hi alice" && m.SenderInboxID == bob.InboxID && m.Status == store.MessagePublished {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBackingOutOfJoinCleansUpLater(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	alice := authorizeIdentity(t, p, network, provider, "Alice")
	bob := authorizeIdentity(t, p, network, provider, "Bob")

	convA := p.NewConversation(alice.InboxID)
	require.NoError(convA.Create(context.Background()))
	convID := convA.State().Result.ConversationID
	code, err := p.CreateInvite(context.Background(), convID, 0)
	require.NoError(err)

	// nobody answers join requests while bob is trying
	p.stopListeners()

	ctx, cancel := context.WithCancel(context.Background())
	convB := p.NewConversation(bob.InboxID)
	joinDone := make(chan error, 1)
	go func() {
		joinDone <- convB.Join(ctx, code)
	}()
	require.Eventually(func() bool {
		return convB.State().Phase == PhaseJoining
	}, 2*time.Second, 10*time.Millisecond)

	// bob changes his mind mid-join
	convB.Stop()
	cancel()
	require.Error(<-joinDone)
	convB.Stop()

	// the inviter approves the stale request anyway
	readyA := readyFor(t, p, alice.InboxID)
	remote, err := readyA.Client.FindConversation(context.Background(), convID)
	require.NoError(err)
	require.NotNil(remote)
	require.NoError(remote.AddMembers(context.Background(), []string{bob.InboxID}))

	// once bob lands in a different conversation, the stale one is left
	require.NoError(convB.Create(context.Background()))
	require.NotEqual(convID, convB.State().Result.ConversationID)

	want := fmt.Sprintf("consent:%s:%d", convID, protocol.ConsentDenied)
	require.Eventually(func() bool {
		for _, e := range network.Events() {
			if e == want {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}
