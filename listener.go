package perch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/perch-im/go-perch/protocol"
	"github.com/perch-im/go-perch/session"
	"github.com/perch-im/go-perch/store"
	"go.uber.org/zap"
)

// A member joined a conversation through one of our invites.
type MemberJoinedUpdate struct {
	ConversationID string
	InboxID        string
	InviteCode     string
}

// joinListener watches the 1:1 conversations of one ready identity for
// join requests. A join request is a message whose body is an invite code
// we issued; on a valid one the sender is admitted to the invited
// conversation and the invite's use count advances.
type joinListener struct {
	perch      *Perch
	log        *zap.SugaredLogger
	ready      *session.ReadyResult
	cancelFunc context.CancelFunc
}

func (p *Perch) startJoinListener(ready *session.ReadyResult) *joinListener {
	ctx, cancel := context.WithCancel(p.ctx)
	l := &joinListener{
		perch:      p,
		log:        p.config.Logger("join-listener"),
		ready:      ready,
		cancelFunc: cancel,
	}
	p.finished.Add(1)
	go func() {
		defer p.finished.Done()
		l.run(ctx)
	}()
	return l
}

func (l *joinListener) stop() {
	l.cancelFunc()
}

// run keeps a message stream open for the listener's lifetime, reconnecting
// with exponential backoff when the stream fails.
func (l *joinListener) run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = time.Duration(l.perch.config.StreamBackoffMaxMs) * time.Millisecond
	b.MaxElapsedTime = 0

	for {
		if err := l.consumeStream(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			l.log.Warnf("join-request stream for %s failed, retrying in %s: %v", l.ready.Inbox.InboxID, wait, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		return
	}
}

func (l *joinListener) consumeStream(ctx context.Context) error {
	stream, err := l.ready.Client.StreamAllMessages(ctx, []protocol.ConsentState{protocol.ConsentUnknown})
	if err != nil {
		return err
	}
	defer stream.Stop()
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.handleJoinRequest(ctx, msg)
	}
}

func (l *joinListener) handleJoinRequest(ctx context.Context, msg *protocol.IncomingMessage) {
	if msg.SenderInboxID == l.ready.Inbox.InboxID {
		return
	}
	code := strings.ToUpper(strings.TrimSpace(msg.Body))
	if err := ValidateInviteCode(code); err != nil {
		l.log.Debugf("ignoring message from %s, not an invite code", msg.SenderInboxID)
		return
	}

	var invite *store.Invite
	var conv *store.Conversation
	if err := l.perch.DB.RunReadOnly("look up invite", func() error {
		var err error
		if invite, err = l.perch.store.InviteByCode(code); err != nil {
			return err
		}
		if invite == nil {
			return nil
		}
		conv, err = l.perch.store.Conversation(invite.ConversationID)
		return err
	}); err != nil {
		l.log.Warnf("error looking up invite %s: %v", code, err)
		return
	}
	if invite == nil || conv == nil {
		l.log.Debugf("ignoring join request for unknown invite %s", code)
		return
	}
	if conv.InboxID != l.ready.Inbox.InboxID {
		// invite belongs to a different identity on this device
		return
	}
	if invite.Status != store.InviteActive {
		l.log.Debugf("ignoring join request for inactive invite %s", code)
		return
	}
	if conv.Kind != store.ConversationGroup {
		l.log.Warnf("ignoring join request for non-group conversation %s via invite %s", invite.ConversationID, code)
		return
	}

	remote, err := l.ready.Client.FindConversation(ctx, invite.ConversationID)
	if err != nil || remote == nil {
		l.log.Warnf("error finding conversation %s for invite %s: %v", invite.ConversationID, code, err)
		return
	}
	if err := remote.AddMembers(ctx, []string{msg.SenderInboxID}); err != nil {
		l.log.Warnf("error admitting %s to %s: %v", msg.SenderInboxID, invite.ConversationID, err)
		return
	}

	if err := l.perch.DB.Run("record invite use", func() error {
		if err := l.perch.store.RecordInviteUse(code); err != nil {
			return err
		}
		return l.perch.store.AddMember(invite.ConversationID, msg.SenderInboxID, store.RoleMember)
	}); err != nil {
		l.log.Warnf("error recording use of invite %s: %v", code, err)
		return
	}

	l.log.Infof("admitted %s to %s via invite %s", msg.SenderInboxID, invite.ConversationID, code)
	l.perch.sendUpdate(&MemberJoinedUpdate{
		ConversationID: invite.ConversationID,
		InboxID:        msg.SenderInboxID,
		InviteCode:     code,
	})
}
