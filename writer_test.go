package perch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterCloseIsIdempotent(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	require.NoError(conv.Create(context.Background()))
	w := conv.State().Result.Writer

	require.NoError(w.Send(context.Background(), "one"))
	w.Close()
	w.Close()
	require.Error(w.Send(context.Background(), "two"))

	// only the pre-close message landed
	msgs, err := p.Messages(conv.State().Result.ConversationID)
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal("one", msgs[0].Body)
}

func TestWriterResendWithNothingPending(t *testing.T) {
	require := require.New(t)
	p, network, _, provider := newTestApp(t)
	inbox := authorizeIdentity(t, p, network, provider, "Alice")

	conv := p.NewConversation(inbox.InboxID)
	require.NoError(conv.Create(context.Background()))
	w := conv.State().Result.Writer
	require.NoError(w.Resend(context.Background()))
}
